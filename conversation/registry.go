//Package conversation creates and finds conversations. A conversation
//is identified by its participant set: the set is canonicalized into a
//participants key that the database holds unique, so two callers naming
//the same users in any order always land on the same conversation.
package conversation

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/chris-pikul/envelope-relay/db"
	"github.com/chris-pikul/envelope-relay/errs"
	"github.com/chris-pikul/envelope-relay/log"
)

//Separator joins canonical participant ids into a participants key.
//User ids containing it are rejected.
const Separator = "|"

//Conversation is a stored conversation
type Conversation struct {
	ID              string    `json:"id"`
	ParticipantsKey string    `json:"participantsKey"`
	Participants    []string  `json:"participants"`
	IsGroup         bool      `json:"isGroup"`
	Name            *string   `json:"name,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

//HasParticipant reports whether userID is a member
func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

//CreateRequest asks for the conversation of a participant set
type CreateRequest struct {
	Participants []string `json:"participants"`
	InitiatorID  string   `json:"-"`
	IsGroup      bool     `json:"isGroup"`
	Name         *string  `json:"name,omitempty"`
}

//Canonicalize trims, drops empties, deduplicates and sorts the ids
func Canonicalize(participants []string) ([]string, error) {
	seen := make(map[string]struct{}, len(participants))
	res := make([]string, 0, len(participants))

	for _, p := range participants {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.Contains(p, Separator) {
			return nil, errs.Wrap(errs.CodeInvalidParticipants, "participant ids may not contain '"+Separator+"'", nil)
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		res = append(res, p)
	}

	sort.Strings(res)
	return res, nil
}

//ParticipantsKey returns the canonical key of the set along with the
//canonical ids. Sets of fewer than two distinct users are invalid.
func ParticipantsKey(participants []string) (string, []string, error) {
	ids, err := Canonicalize(participants)
	if err != nil {
		return "", nil, err
	}
	if len(ids) < 2 {
		return "", nil, errs.ErrInvalidParticipants
	}
	return strings.Join(ids, Separator), ids, nil
}

//Registry owns the conversations and their membership rows
type Registry struct {
	db    *db.DB
	now   func() time.Time
	newID func() string
}

//NewRegistry returns a registry backed by the provided database
func NewRegistry(d *db.DB) *Registry {
	return &Registry{
		db:    d,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

const conversationColumns = `id, participants_key, is_group, name, created_at, updated_at`

//CreateOrFind returns the conversation of the participant set, creating
//it on first contact. An existing conversation only has its updatedAt
//touched; its flags and name are left as first created.
func (r *Registry) CreateOrFind(ctx context.Context, req CreateRequest) (*Conversation, error) {
	key, ids, err := ParticipantsKey(req.Participants)
	if err != nil {
		return nil, err
	}

	initiator := strings.TrimSpace(req.InitiatorID)
	found := false
	for _, id := range ids {
		if id == initiator {
			found = true
			break
		}
	}
	if !found {
		return nil, errs.ErrNotAParticipant
	}

	isGroup := req.IsGroup || len(ids) > 2
	var name sql.NullString
	if req.Name != nil && strings.TrimSpace(*req.Name) != "" {
		name = sql.NullString{String: strings.TrimSpace(*req.Name), Valid: true}
	}

	var conv *Conversation
	err = db.RetryConflict(func() error {
		now := db.Timestamp(r.now())
		return r.db.RunInTx(ctx, func(tx *sql.Tx) error {
			row := tx.QueryRowContext(ctx, `INSERT INTO conversations (`+conversationColumns+`)
				VALUES ($1, $2, $3, $4, $5, $5)
				ON CONFLICT (participants_key) DO UPDATE SET
					updated_at = CASE WHEN excluded.updated_at > conversations.updated_at
						THEN excluded.updated_at ELSE conversations.updated_at END
				RETURNING `+conversationColumns, r.newID(), key, isGroup, name, now)

			c, err := scanConversation(row)
			if err != nil {
				return errors.Wrap(err, "conversations.CreateOrFind.upsert")
			}

			for _, id := range ids {
				_, err = tx.ExecContext(ctx, `INSERT INTO conversation_members (conversation_id, user_id)
					VALUES ($1, $2) ON CONFLICT (conversation_id, user_id) DO NOTHING`, c.ID, id)
				if err != nil {
					return errors.Wrap(err, "conversations.CreateOrFind.members")
				}
			}

			conv = c
			return nil
		})
	})
	if err != nil {
		if db.IsConflict(errors.Cause(err)) {
			return nil, errs.Wrap(errs.CodeConflict, "conversation create raced twice", err)
		}
		log.Err("failed to create or find conversation '%s'", key, err)
		return nil, errs.Unavailable(err)
	}

	return conv, nil
}

//FindByParticipants looks the set up without creating anything.
//Returns nil when no conversation exists for it.
func (r *Registry) FindByParticipants(ctx context.Context, participants []string) (*Conversation, error) {
	key, _, err := ParticipantsKey(participants)
	if err != nil {
		return nil, err
	}

	row := r.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE participants_key=$1`, key)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Unavailable(errors.Wrap(err, "conversations.FindByParticipants.scan"))
	}
	return c, nil
}

//Get returns the conversation or ErrConversationNotFound
func (r *Registry) Get(ctx context.Context, id string) (*Conversation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, errs.ErrConversationNotFound
	}
	if err != nil {
		return nil, errs.Unavailable(errors.Wrap(err, "conversations.Get.scan"))
	}
	return c, nil
}

//Authorize returns the conversation when userID is one of its
//participants, ErrConversationNotFound when it does not exist and
//ErrNotAuthorized otherwise
func (r *Registry) Authorize(ctx context.Context, conversationID, userID string) (*Conversation, error) {
	c, err := r.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(userID) {
		return nil, errs.ErrNotAuthorized
	}
	return c, nil
}

//ListForUser returns the user's conversations, most recently active first
func (r *Registry) ListForUser(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT c.id, c.participants_key, c.is_group, c.name, c.created_at, c.updated_at
		FROM conversations c
		JOIN conversation_members m ON m.conversation_id = c.id
		WHERE m.user_id=$1
		ORDER BY c.updated_at DESC, c.id ASC`, userID)
	if err != nil {
		return nil, errs.Unavailable(errors.Wrap(err, "conversations.ListForUser.query"))
	}
	defer rows.Close()

	res := make([]Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, errs.Unavailable(errors.Wrap(err, "conversations.ListForUser.scan"))
		}
		res = append(res, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Unavailable(errors.Wrap(err, "conversations.ListForUser.rows"))
	}
	return res, nil
}

//Touch moves updatedAt forward to at, never backwards
func (r *Registry) Touch(ctx context.Context, conversationID string, at time.Time) error {
	ts := db.Timestamp(at)
	_, err := r.db.ExecContext(ctx, `UPDATE conversations SET updated_at=$1
		WHERE id=$2 AND updated_at < $1`, ts, conversationID)
	if err != nil {
		return errs.Unavailable(errors.Wrap(err, "conversations.Touch.update"))
	}
	return nil
}

//Delete removes the conversation with its envelopes and read cursors.
//Only a participant may delete it, and the removal is irreversible.
func (r *Registry) Delete(ctx context.Context, conversationID, requesterID string) error {
	if _, err := r.Authorize(ctx, conversationID, requesterID); err != nil {
		return err
	}

	err := db.RetryConflict(func() error {
		return r.db.RunInTx(ctx, func(tx *sql.Tx) error {
			//Dependents first so no reader ever sees an envelope or
			//cursor pointing at a missing conversation
			for _, stmt := range []string{
				`DELETE FROM envelopes WHERE conversation_id=$1`,
				`DELETE FROM read_cursors WHERE conversation_id=$1`,
				`DELETE FROM conversation_members WHERE conversation_id=$1`,
				`DELETE FROM conversations WHERE id=$1`,
			} {
				if _, err := tx.ExecContext(ctx, stmt, conversationID); err != nil {
					return errors.Wrap(err, "conversations.Delete")
				}
			}
			return nil
		})
	})
	if err != nil {
		log.Err("failed to delete conversation '%s'", conversationID, err)
		return errs.Unavailable(err)
	}

	log.Infof("conversation %s deleted by %s", conversationID, requesterID)
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(s scanner) (*Conversation, error) {
	var (
		c                Conversation
		name             sql.NullString
		created, updated int64
	)

	if err := s.Scan(&c.ID, &c.ParticipantsKey, &c.IsGroup, &name, &created, &updated); err != nil {
		return nil, err
	}

	if name.Valid {
		c.Name = &name.String
	}
	c.Participants = strings.Split(c.ParticipantsKey, Separator)
	c.CreatedAt = db.Time(created)
	c.UpdatedAt = db.Time(updated)
	return &c, nil
}
