package conversation

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chris-pikul/envelope-relay/db/dbtest"
	"github.com/chris-pikul/envelope-relay/errs"
)

func newRegistry(t *testing.T) *Registry {
	r := NewRegistry(dbtest.Open(t))
	clk := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time {
		clk = clk.Add(time.Second)
		return clk
	}
	return r
}

func TestParticipantsKey(t *testing.T) {
	key, ids, err := ParticipantsKey([]string{" u2", "u1", "u2 ", ""})
	require.NoError(t, err)
	assert.Equal(t, "u1|u2", key)
	assert.Equal(t, []string{"u1", "u2"}, ids)

	_, _, err = ParticipantsKey([]string{"u1", "u1"})
	assert.ErrorIs(t, err, errs.ErrInvalidParticipants)

	_, _, err = ParticipantsKey(nil)
	assert.ErrorIs(t, err, errs.ErrInvalidParticipants)

	_, _, err = ParticipantsKey([]string{"a|b", "c"})
	assert.ErrorIs(t, err, errs.ErrInvalidParticipants)
}

func TestCreateOrFindIsIdempotent(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	a, err := r.CreateOrFind(ctx, CreateRequest{Participants: []string{"u1", "u2"}, InitiatorID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "u1|u2", a.ParticipantsKey)
	assert.False(t, a.IsGroup)

	b, err := r.CreateOrFind(ctx, CreateRequest{Participants: []string{"u2", "u1", "u1"}, InitiatorID: "u2"})
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.True(t, b.UpdatedAt.After(a.UpdatedAt))
	assert.Equal(t, a.CreatedAt, b.CreatedAt)

	var n int
	require.NoError(t, r.db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&n))
	assert.Equal(t, 1, n)
	require.NoError(t, r.db.QueryRow(`SELECT COUNT(*) FROM conversation_members`).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestCreateOrFindValidation(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	_, err := r.CreateOrFind(ctx, CreateRequest{Participants: []string{"u1"}, InitiatorID: "u1"})
	assert.ErrorIs(t, err, errs.ErrInvalidParticipants)

	_, err = r.CreateOrFind(ctx, CreateRequest{Participants: []string{"u1", "u2"}, InitiatorID: "u3"})
	assert.ErrorIs(t, err, errs.ErrNotAParticipant)
}

func TestCreateGroup(t *testing.T) {
	r := newRegistry(t)
	name := " team "

	c, err := r.CreateOrFind(context.Background(), CreateRequest{
		Participants: []string{"u3", "u1", "u2"},
		InitiatorID:  "u1",
		Name:         &name,
	})
	require.NoError(t, err)
	assert.True(t, c.IsGroup)
	require.NotNil(t, c.Name)
	assert.Equal(t, "team", *c.Name)
	assert.Equal(t, []string{"u1", "u2", "u3"}, c.Participants)
}

func TestFindByParticipants(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	c, err := r.FindByParticipants(ctx, []string{"u1", "u2"})
	require.NoError(t, err)
	assert.Nil(t, c)

	//A pure lookup never creates
	var n int
	require.NoError(t, r.db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&n))
	assert.Zero(t, n)

	created, err := r.CreateOrFind(ctx, CreateRequest{Participants: []string{"u1", "u2"}, InitiatorID: "u1"})
	require.NoError(t, err)

	c, err = r.FindByParticipants(ctx, []string{"u2", "u1"})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, created.ID, c.ID)
}

func TestAuthorize(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	c, err := r.CreateOrFind(ctx, CreateRequest{Participants: []string{"u1", "u2"}, InitiatorID: "u1"})
	require.NoError(t, err)

	_, err = r.Authorize(ctx, c.ID, "u2")
	assert.NoError(t, err)

	_, err = r.Authorize(ctx, c.ID, "u3")
	assert.ErrorIs(t, err, errs.ErrNotAuthorized)

	_, err = r.Authorize(ctx, "missing", "u1")
	assert.ErrorIs(t, err, errs.ErrConversationNotFound)
}

func TestListForUser(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	a, err := r.CreateOrFind(ctx, CreateRequest{Participants: []string{"u1", "u2"}, InitiatorID: "u1"})
	require.NoError(t, err)
	b, err := r.CreateOrFind(ctx, CreateRequest{Participants: []string{"u1", "u3"}, InitiatorID: "u1"})
	require.NoError(t, err)

	list, err := r.ListForUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID)

	require.NoError(t, r.Touch(ctx, a.ID, b.UpdatedAt.Add(time.Minute)))
	list, err = r.ListForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, list[0].ID)

	//Touch never moves backwards
	require.NoError(t, r.Touch(ctx, a.ID, time.Unix(0, 0)))
	got, err := r.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, b.UpdatedAt.Add(time.Minute), got.UpdatedAt)

	list, err = r.ListForUser(ctx, "u2")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = r.ListForUser(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDelete(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	c, err := r.CreateOrFind(ctx, CreateRequest{Participants: []string{"u1", "u2"}, InitiatorID: "u1"})
	require.NoError(t, err)

	_, err = r.db.Exec(`INSERT INTO envelopes (conversation_id, message_id, sender_user_id, sender_device_id, ciphertext, status, created_at)
		VALUES ($1, 'm1', 'u1', 'd1', $2, 0, 1)`, c.ID, []byte{1})
	require.NoError(t, err)
	_, err = r.db.Exec(`INSERT INTO read_cursors (conversation_id, user_id, last_read_at) VALUES ($1, 'u2', 1)`, c.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, r.Delete(ctx, c.ID, "u3"), errs.ErrNotAuthorized)
	require.NoError(t, r.Delete(ctx, c.ID, "u2"))

	for _, table := range []string{"conversations", "conversation_members", "envelopes", "read_cursors"} {
		var n int
		require.NoError(t, r.db.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
		assert.Zero(t, n, table)
	}

	assert.ErrorIs(t, r.Delete(ctx, c.ID, "u2"), errs.ErrConversationNotFound)

	//The same pair starts a fresh conversation afterwards
	again, err := r.CreateOrFind(ctx, CreateRequest{Participants: []string{"u1", "u2"}, InitiatorID: "u1"})
	require.NoError(t, err)
	assert.NotEqual(t, c.ID, again.ID)
}

//Two pools over one file stand in for two relay processes racing
//to open the same conversation
func TestConcurrentCreateAcrossProcesses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	regs := []*Registry{
		NewRegistry(dbtest.OpenPath(t, path)),
		NewRegistry(dbtest.OpenPath(t, path)),
	}
	ctx := context.Background()

	const workers = 8
	ids := make([]string, workers)
	failures := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			participants := []string{"u1", "u2"}
			if i%2 == 1 {
				participants = []string{"u2", "u1"}
			}
			c, err := regs[i%2].CreateOrFind(ctx, CreateRequest{Participants: participants, InitiatorID: "u1"})
			failures[i] = err
			if c != nil {
				ids[i] = c.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, failures[i])
		assert.Equal(t, ids[0], ids[i])
	}

	var n int
	require.NoError(t, regs[0].db.QueryRow(`SELECT COUNT(*) FROM conversations WHERE participants_key='u1|u2'`).Scan(&n))
	assert.Equal(t, 1, n)
}
