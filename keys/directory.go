//Package keys is the directory of per-device public key bundles.
//Bundles are stored and served as opaque material; nothing here
//verifies signatures or key formats.
package keys

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/chris-pikul/envelope-relay/db"
	"github.com/chris-pikul/envelope-relay/errs"
	"github.com/chris-pikul/envelope-relay/log"
)

//Directory stores one bundle per (user, device)
type Directory struct {
	db  *db.DB
	now func() time.Time
}

//NewDirectory returns a directory backed by the provided database
func NewDirectory(d *db.DB) *Directory {
	return &Directory{db: d, now: time.Now}
}

const bundleColumns = `user_id, device_id, identity_key, signed_prekey_id, signed_prekey, signed_prekey_sig, prekeys, updated_at`

//Upload validates and stores the bundle for the device, replacing
//any bundle previously uploaded by it
func (d *Directory) Upload(ctx context.Context, userID, deviceID string, up Upload) (*Bundle, error) {
	userID = strings.TrimSpace(userID)
	deviceID = strings.TrimSpace(deviceID)
	if userID == "" || deviceID == "" {
		return nil, errs.InvalidPayload("userId and deviceId are required")
	}
	if err := up.Validate(); err != nil {
		return nil, err
	}

	set := up.PreKeys.Normalize(up.RegistrationID)
	encoded, err := json.Marshal(set)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidPayload, "preKeys could not be encoded", err)
	}

	updated := d.now().UTC()

	err = db.RetryConflict(func() error {
		_, err := d.db.ExecContext(ctx, `INSERT INTO key_bundles (`+bundleColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (user_id, device_id) DO UPDATE SET
				identity_key = excluded.identity_key,
				signed_prekey_id = excluded.signed_prekey_id,
				signed_prekey = excluded.signed_prekey,
				signed_prekey_sig = excluded.signed_prekey_sig,
				prekeys = excluded.prekeys,
				updated_at = excluded.updated_at`,
			userID, deviceID, up.IdentityKeyPublic, int64(*up.SignedPreKeyID),
			up.SignedPreKeyPublic, up.SignedPreKeySignature, encoded, db.Timestamp(updated))
		return err
	})
	if err != nil {
		log.Err("failed to upsert key bundle for user '%s' device '%s'", userID, deviceID, err)
		return nil, errs.Unavailable(errors.Wrap(err, "keys.Upload.upsert"))
	}

	return &Bundle{
		UserID:                userID,
		DeviceID:              deviceID,
		IdentityKeyPublic:     up.IdentityKeyPublic,
		SignedPreKeyID:        *up.SignedPreKeyID,
		SignedPreKeyPublic:    up.SignedPreKeyPublic,
		SignedPreKeySignature: up.SignedPreKeySignature,
		PreKeys:               set.PreKeys,
		RegistrationID:        set.RegistrationID,
		UpdatedAt:             db.Time(db.Timestamp(updated)),
	}, nil
}

//Fetch returns the most recently updated bundle of the user, or nil
//when the user has none.
//
//Only one device is returned: most-recent-device-wins is a known
//simplification that leaves a user's other devices unreachable for new
//sessions. Callers that want every device use Devices.
func (d *Directory) Fetch(ctx context.Context, userID string) (*Bundle, error) {
	userID = strings.TrimSpace(userID)
	row := d.db.QueryRowContext(ctx, `SELECT `+bundleColumns+` FROM key_bundles
		WHERE user_id=$1 ORDER BY updated_at DESC, device_id ASC LIMIT 1`, userID)

	b, err := scanBundle(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Unavailable(errors.Wrap(err, "keys.Fetch.scan"))
	}
	return b, nil
}

//Devices returns every device bundle of the user, newest first
func (d *Directory) Devices(ctx context.Context, userID string) ([]Bundle, error) {
	userID = strings.TrimSpace(userID)
	rows, err := d.db.QueryContext(ctx, `SELECT `+bundleColumns+` FROM key_bundles
		WHERE user_id=$1 ORDER BY updated_at DESC, device_id ASC`, userID)
	if err != nil {
		return nil, errs.Unavailable(errors.Wrap(err, "keys.Devices.query"))
	}
	defer rows.Close()

	res := make([]Bundle, 0)
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, errs.Unavailable(errors.Wrap(err, "keys.Devices.scan"))
		}
		res = append(res, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Unavailable(errors.Wrap(err, "keys.Devices.rows"))
	}
	return res, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBundle(s scanner) (*Bundle, error) {
	var (
		b       Bundle
		spkID   int64
		prekeys []byte
		updated int64
	)

	err := s.Scan(&b.UserID, &b.DeviceID, &b.IdentityKeyPublic, &spkID,
		&b.SignedPreKeyPublic, &b.SignedPreKeySignature, &prekeys, &updated)
	if err != nil {
		return nil, err
	}

	b.SignedPreKeyID = uint32(spkID)
	b.UpdatedAt = db.Time(updated)

	//Rows may hold either shape, older relays stored the bare list
	var payload PreKeyPayload
	if len(prekeys) > 0 {
		if err := json.Unmarshal(prekeys, &payload); err != nil {
			return nil, errors.Wrap(err, "decoding stored prekeys")
		}
	}
	set := payload.Normalize(nil)
	b.PreKeys = set.PreKeys
	b.RegistrationID = set.RegistrationID

	return &b, nil
}
