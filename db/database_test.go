package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *DB {
	t.Helper()
	d, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestOpenCreatesSchema(t *testing.T) {
	d := openTemp(t)

	var v int
	require.NoError(t, d.QueryRow(`SELECT version FROM version`).Scan(&v))
	assert.Equal(t, schemaVersion, v)

	for _, table := range []string{"key_bundles", "conversations", "conversation_members", "envelopes", "read_cursors", "fanout_events"} {
		var n int
		require.NoError(t, d.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=$1`, table).Scan(&n))
		assert.Equal(t, 1, n, table)
	}
}

func TestOpenExistingChecksVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	ctx := context.Background()

	d, err := Open(ctx, DriverSQLite, path)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	d, err = Open(ctx, DriverSQLite, path)
	require.NoError(t, err)

	_, err = d.Exec(`UPDATE version SET version=$1`, schemaVersion+1)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	_, err = Open(ctx, DriverSQLite, path)
	assert.Error(t, err, "newer schema must be refused")
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "whatever")
	assert.ErrorIs(t, err, ErrDriver)
}

func TestIsConflict(t *testing.T) {
	d := openTemp(t)
	ctx := context.Background()

	insert := func() error {
		_, err := d.ExecContext(ctx, `INSERT INTO conversations (id, participants_key, is_group, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5)`, "c1", "a|b", false, 1, 1)
		return err
	}
	require.NoError(t, insert())

	err := insert()
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	assert.True(t, IsConflict(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsConflict(&pgconn.PgError{Code: "23503"}))
	assert.True(t, IsConflict(sqlite3.Error{Code: sqlite3.ErrBusy}))
	assert.False(t, IsConflict(errors.New("other")))
	assert.False(t, IsConflict(nil))
}

func TestIsMissingReference(t *testing.T) {
	d := openTemp(t)

	_, err := d.ExecContext(context.Background(), `INSERT INTO read_cursors (conversation_id, user_id, last_read_at)
		VALUES ($1, $2, $3)`, "missing", "u1", 1)
	require.Error(t, err)
	assert.True(t, IsMissingReference(err))
	assert.False(t, IsConflict(err))

	assert.True(t, IsMissingReference(&pgconn.PgError{Code: "23503"}))
	assert.False(t, IsMissingReference(errors.New("other")))
}

func TestRetryConflictRetriesOnce(t *testing.T) {
	calls := 0
	err := RetryConflict(func() error {
		calls++
		return &pgconn.PgError{Code: "23505"}
	})
	assert.True(t, IsConflict(err))
	assert.Equal(t, 2, calls)

	calls = 0
	err = RetryConflict(func() error {
		calls++
		if calls == 1 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	boom := errors.New("boom")
	err = RetryConflict(func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRunInTxRollsBack(t *testing.T) {
	d := openTemp(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := d.RunInTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO fanout_events (channel, payload, created_at) VALUES ($1, $2, $3)`, "c", []byte("{}"), 1)
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, d.QueryRow(`SELECT COUNT(*) FROM fanout_events`).Scan(&n))
	assert.Zero(t, n)
}

func TestTimestampRoundTrip(t *testing.T) {
	now := time.Date(2024, 5, 6, 7, 8, 9, 123456000, time.UTC)
	assert.True(t, Time(Timestamp(now)).Equal(now))
}
