package keys

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chris-pikul/envelope-relay/db/dbtest"
	"github.com/chris-pikul/envelope-relay/errs"
)

func u32(v uint32) *uint32 { return &v }

func testUpload(seed byte) Upload {
	return Upload{
		IdentityKeyPublic:     []byte{seed, 1},
		SignedPreKeyID:        u32(uint32(seed)),
		SignedPreKeyPublic:    []byte{seed, 2},
		SignedPreKeySignature: []byte{seed, 3},
		PreKeys: PreKeyPayload{
			Shape: ShapeList,
			List:  []PreKey{{ID: 1, PublicKey: []byte{seed, 4}}},
		},
	}
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newDirectory(t *testing.T) *Directory {
	d := NewDirectory(dbtest.Open(t))
	clk := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	d.now = clk.now
	return d
}

func TestUploadValidation(t *testing.T) {
	d := newDirectory(t)
	ctx := context.Background()

	cases := map[string]func(u *Upload){
		"identity key":      func(u *Upload) { u.IdentityKeyPublic = nil },
		"signed prekey id":  func(u *Upload) { u.SignedPreKeyID = nil },
		"signed prekey":     func(u *Upload) { u.SignedPreKeyPublic = nil },
		"signed prekey sig": func(u *Upload) { u.SignedPreKeySignature = []byte{} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			up := testUpload(1)
			mutate(&up)
			_, err := d.Upload(ctx, "u1", "d1", up)
			assert.ErrorIs(t, err, errs.New(errs.CodeInvalidPayload, ""))
		})
	}

	_, err := d.Upload(ctx, " ", "d1", testUpload(1))
	assert.Equal(t, errs.CodeInvalidPayload, errs.CodeOf(err))
}

func TestUploadIsUpsert(t *testing.T) {
	d := newDirectory(t)
	ctx := context.Background()

	_, err := d.Upload(ctx, "u1", "d1", testUpload(1))
	require.NoError(t, err)
	_, err = d.Upload(ctx, "u1", "d1", testUpload(2))
	require.NoError(t, err)

	var n int
	require.NoError(t, d.db.QueryRow(`SELECT COUNT(*) FROM key_bundles WHERE user_id='u1'`).Scan(&n))
	assert.Equal(t, 1, n)

	b, err := d.Fetch(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, []byte{2, 1}, b.IdentityKeyPublic)
	assert.Equal(t, uint32(2), b.SignedPreKeyID)
}

func TestFetchMostRecentDevice(t *testing.T) {
	d := newDirectory(t)
	ctx := context.Background()

	_, err := d.Upload(ctx, "u1", "phone", testUpload(1))
	require.NoError(t, err)
	_, err = d.Upload(ctx, "u1", "laptop", testUpload(2))
	require.NoError(t, err)

	b, err := d.Fetch(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "laptop", b.DeviceID)

	//Re-upload from the phone makes it the newest again
	_, err = d.Upload(ctx, "u1", "phone", testUpload(3))
	require.NoError(t, err)
	b, err = d.Fetch(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "phone", b.DeviceID)

	devices, err := d.Devices(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "phone", devices[0].DeviceID)
	assert.Equal(t, "laptop", devices[1].DeviceID)
}

func TestLookupsTrimUserID(t *testing.T) {
	d := newDirectory(t)
	ctx := context.Background()

	_, err := d.Upload(ctx, " u1 ", "d1", testUpload(1))
	require.NoError(t, err)

	b, err := d.Fetch(ctx, "  u1\t")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "u1", b.UserID)

	devices, err := d.Devices(ctx, " u1")
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestFetchMissingIsNil(t *testing.T) {
	d := newDirectory(t)

	b, err := d.Fetch(context.Background(), "nobody")
	assert.NoError(t, err)
	assert.Nil(t, b)

	devices, err := d.Devices(context.Background(), "nobody")
	assert.NoError(t, err)
	assert.Empty(t, devices)
}

func TestPreKeyShapes(t *testing.T) {
	d := newDirectory(t)
	ctx := context.Background()

	var legacy Upload
	require.NoError(t, json.Unmarshal([]byte(`{
		"identityKeyPublic": "AQI=",
		"signedPreKeyId": 0,
		"signedPreKeyPublic": "AwQ=",
		"signedPreKeySignature": "BQY=",
		"preKeys": [{"id": 7, "publicKey": "Bwg="}],
		"registrationId": 99
	}`), &legacy))
	assert.Equal(t, ShapeList, legacy.PreKeys.Shape)

	b, err := d.Upload(ctx, "u1", "d1", legacy)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), b.SignedPreKeyID)
	require.Len(t, b.PreKeys, 1)
	assert.Equal(t, uint32(7), b.PreKeys[0].ID)
	require.NotNil(t, b.RegistrationID)
	assert.Equal(t, uint32(99), *b.RegistrationID)

	var modern Upload
	require.NoError(t, json.Unmarshal([]byte(`{
		"identityKeyPublic": "AQI=",
		"signedPreKeyId": 4,
		"signedPreKeyPublic": "AwQ=",
		"signedPreKeySignature": "BQY=",
		"preKeys": {"preKeys": [{"id": 1, "publicKey": "AQ=="}, {"id": 2, "publicKey": "Ag=="}], "registrationId": 12}
	}`), &modern))
	assert.Equal(t, ShapeEnvelope, modern.PreKeys.Shape)

	_, err = d.Upload(ctx, "u2", "d1", modern)
	require.NoError(t, err)
	got, err := d.Fetch(ctx, "u2")
	require.NoError(t, err)
	assert.Len(t, got.PreKeys, 2)
	require.NotNil(t, got.RegistrationID)
	assert.Equal(t, uint32(12), *got.RegistrationID)

	var bad Upload
	err = json.Unmarshal([]byte(`{"preKeys": "nope"}`), &bad)
	assert.Error(t, err)
}

func TestLegacyStoredRowsAreNormalized(t *testing.T) {
	d := newDirectory(t)
	ctx := context.Background()

	//A row written by an older relay holds the bare list
	_, err := d.db.Exec(`INSERT INTO key_bundles (`+bundleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		"old", "d1", []byte{1}, 3, []byte{2}, []byte{3}, []byte(`[{"id":5,"publicKey":"BQ=="}]`), 10)
	require.NoError(t, err)

	b, err := d.Fetch(ctx, "old")
	require.NoError(t, err)
	require.NotNil(t, b)
	require.Len(t, b.PreKeys, 1)
	assert.Equal(t, uint32(5), b.PreKeys[0].ID)
	assert.Nil(t, b.RegistrationID)

	out, err := json.Marshal(b)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"preKeys":[{"id":5`)
}

func TestNormalizeRegistrationOverride(t *testing.T) {
	p := PreKeyPayload{Shape: ShapeEnvelope, Envelope: PreKeySet{RegistrationID: u32(1)}}

	assert.Equal(t, uint32(1), *p.Normalize(nil).RegistrationID)
	assert.Equal(t, uint32(2), *p.Normalize(u32(2)).RegistrationID)
	assert.NotNil(t, PreKeyPayload{}.Normalize(nil).PreKeys)
}
