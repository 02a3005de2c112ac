package keys

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/chris-pikul/envelope-relay/errs"
)

//PreKey is one published one-time prekey. The relay never looks
//inside PublicKey.
type PreKey struct {
	ID        uint32 `json:"id"`
	PublicKey []byte `json:"publicKey"`
}

//PreKeySet is the normalized form of a device's one-time prekeys,
//the only shape the directory stores and serves
type PreKeySet struct {
	PreKeys        []PreKey `json:"preKeys"`
	RegistrationID *uint32  `json:"registrationId,omitempty"`
}

//PreKeyShape tags which wire shape a PreKeyPayload arrived in
type PreKeyShape int

const (
	//ShapeAbsent means the field was missing or null
	ShapeAbsent PreKeyShape = iota
	//ShapeList is the legacy bare array of prekeys
	ShapeList
	//ShapeEnvelope is the {preKeys, registrationId} object
	ShapeEnvelope
)

//PreKeyPayload accepts either prekey shape from clients (and from rows
//written by older relays) and remembers which one it saw
type PreKeyPayload struct {
	Shape    PreKeyShape
	List     []PreKey
	Envelope PreKeySet
}

//UnmarshalJSON decides the shape by the first token
func (p *PreKeyPayload) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*p = PreKeyPayload{}

	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		return nil
	case b[0] == '[':
		p.Shape = ShapeList
		return json.Unmarshal(b, &p.List)
	case b[0] == '{':
		p.Shape = ShapeEnvelope
		return json.Unmarshal(b, &p.Envelope)
	}

	return errs.InvalidPayload("preKeys must be a list or an object")
}

//MarshalJSON writes the payload back in the shape it was read in
func (p PreKeyPayload) MarshalJSON() ([]byte, error) {
	switch p.Shape {
	case ShapeList:
		return json.Marshal(p.List)
	case ShapeEnvelope:
		return json.Marshal(p.Envelope)
	}
	return []byte("null"), nil
}

//Normalize converts any shape to a PreKeySet. An explicit
//registrationID overrides one nested in the envelope shape.
func (p PreKeyPayload) Normalize(registrationID *uint32) PreKeySet {
	var set PreKeySet

	switch p.Shape {
	case ShapeList:
		set.PreKeys = p.List
	case ShapeEnvelope:
		set = p.Envelope
	}

	if registrationID != nil {
		set.RegistrationID = registrationID
	}
	if set.PreKeys == nil {
		set.PreKeys = []PreKey{}
	}
	return set
}

//Upload is what a device publishes. SignedPreKeyID is a pointer so a
//missing id can be told apart from id 0.
type Upload struct {
	IdentityKeyPublic     []byte        `json:"identityKeyPublic"`
	SignedPreKeyID        *uint32       `json:"signedPreKeyId"`
	SignedPreKeyPublic    []byte        `json:"signedPreKeyPublic"`
	SignedPreKeySignature []byte        `json:"signedPreKeySignature"`
	PreKeys               PreKeyPayload `json:"preKeys"`
	RegistrationID        *uint32       `json:"registrationId,omitempty"`
}

//Validate checks the required key material is present
func (u Upload) Validate() error {
	switch {
	case len(u.IdentityKeyPublic) == 0:
		return errs.InvalidPayload("identityKeyPublic is required")
	case u.SignedPreKeyID == nil:
		return errs.InvalidPayload("signedPreKeyId is required")
	case len(u.SignedPreKeyPublic) == 0:
		return errs.InvalidPayload("signedPreKeyPublic is required")
	case len(u.SignedPreKeySignature) == 0:
		return errs.InvalidPayload("signedPreKeySignature is required")
	}
	return nil
}

//Bundle is a stored device key bundle as served to other users
type Bundle struct {
	UserID                string    `json:"userId"`
	DeviceID              string    `json:"deviceId"`
	IdentityKeyPublic     []byte    `json:"identityKeyPublic"`
	SignedPreKeyID        uint32    `json:"signedPreKeyId"`
	SignedPreKeyPublic    []byte    `json:"signedPreKeyPublic"`
	SignedPreKeySignature []byte    `json:"signedPreKeySignature"`
	PreKeys               []PreKey  `json:"preKeys"`
	RegistrationID        *uint32   `json:"registrationId,omitempty"`
	UpdatedAt             time.Time `json:"updatedAt"`
}
