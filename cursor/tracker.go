//Package cursor tracks how far each participant has read into a
//conversation
package cursor

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/chris-pikul/envelope-relay/conversation"
	"github.com/chris-pikul/envelope-relay/db"
	"github.com/chris-pikul/envelope-relay/errs"
	"github.com/chris-pikul/envelope-relay/log"
)

//Cursor is a participant's read marker
type Cursor struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	LastReadAt     time.Time `json:"lastReadAt"`
}

//Authorizer checks conversation membership
type Authorizer interface {
	Authorize(ctx context.Context, conversationID, userID string) (*conversation.Conversation, error)
}

//Tracker owns the read_cursors table
type Tracker struct {
	db            *db.DB
	conversations Authorizer
	now           func() time.Time
}

//NewTracker returns a tracker over d
func NewTracker(d *db.DB, conversations Authorizer) *Tracker {
	return &Tracker{db: d, conversations: conversations, now: time.Now}
}

//MarkRead moves the user's cursor to now. The stored value never
//regresses, so devices racing with skewed clocks converge on the
//latest timestamp whatever order they land in.
func (t *Tracker) MarkRead(ctx context.Context, conversationID, userID string) (*Cursor, error) {
	return t.markReadAt(ctx, conversationID, userID, t.now())
}

func (t *Tracker) markReadAt(ctx context.Context, conversationID, userID string, at time.Time) (*Cursor, error) {
	if _, err := t.conversations.Authorize(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	err := db.RetryConflict(func() error {
		_, err := t.db.ExecContext(ctx, `INSERT INTO read_cursors (conversation_id, user_id, last_read_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (conversation_id, user_id) DO UPDATE SET last_read_at = excluded.last_read_at
			WHERE read_cursors.last_read_at < excluded.last_read_at`,
			conversationID, userID, db.Timestamp(at))
		return err
	})
	if err != nil {
		if db.IsMissingReference(err) {
			return nil, errs.ErrConversationNotFound
		}
		log.Err("failed to mark conversation '%s' read for '%s'", conversationID, userID, err)
		return nil, errs.Unavailable(errors.Wrap(err, "cursors.MarkRead.upsert"))
	}

	c, err := t.get(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		//Deleted between the upsert and the read
		return nil, errs.ErrConversationNotFound
	}
	return c, nil
}

//Get returns the user's cursor, nil when they have never read the
//conversation
func (t *Tracker) Get(ctx context.Context, conversationID, userID string) (*Cursor, error) {
	if _, err := t.conversations.Authorize(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return t.get(ctx, conversationID, userID)
}

func (t *Tracker) get(ctx context.Context, conversationID, userID string) (*Cursor, error) {
	var last int64
	err := t.db.QueryRowContext(ctx, `SELECT last_read_at FROM read_cursors
		WHERE conversation_id=$1 AND user_id=$2`, conversationID, userID).Scan(&last)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Unavailable(errors.Wrap(err, "cursors.Get.scan"))
	}

	return &Cursor{
		ConversationID: conversationID,
		UserID:         userID,
		LastReadAt:     db.Time(last),
	}, nil
}

//Unread counts envelopes from other senders created after the user's
//cursor. Without a cursor everything from others is unread.
func (t *Tracker) Unread(ctx context.Context, conversationID, userID string) (int, error) {
	if _, err := t.conversations.Authorize(ctx, conversationID, userID); err != nil {
		return 0, err
	}

	var n int
	err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM envelopes
		WHERE conversation_id = $1 AND sender_user_id <> $2
		AND created_at > COALESCE((SELECT last_read_at FROM read_cursors
			WHERE conversation_id = $1 AND user_id = $2), -1)`, conversationID, userID).Scan(&n)
	if err != nil {
		return 0, errs.Unavailable(errors.Wrap(err, "cursors.Unread.count"))
	}
	return n, nil
}
