//Package envelope is the durable, idempotent log of ciphertext
//envelopes for each conversation along with their delivery state.
//
//Writes commit before any event is published, and a publish failure
//never fails the write. Subscribers reconcile against History.
package envelope

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/chris-pikul/envelope-relay/conversation"
	"github.com/chris-pikul/envelope-relay/db"
	"github.com/chris-pikul/envelope-relay/errs"
	"github.com/chris-pikul/envelope-relay/fanout"
	"github.com/chris-pikul/envelope-relay/log"
)

const (
	//DefaultHistoryLimit is used when a history request names no limit
	DefaultHistoryLimit = 50

	//MaxHistoryLimit bounds any single history read
	MaxHistoryLimit = 200

	//DefaultMaxEnvelopeBytes bounds the ciphertext of one envelope
	DefaultMaxEnvelopeBytes = 256 * 1024

	//publishTimeout bounds the event that follows a committed write
	publishTimeout = 5 * time.Second
)

//Attachment points at externally stored media. Meta is opaque.
type Attachment struct {
	URL  string `json:"url"`
	Meta []byte `json:"meta,omitempty"`
}

//Envelope is one stored message unit
type Envelope struct {
	ConversationID string      `json:"conversationId"`
	MessageID      string      `json:"messageId"`
	SenderUserID   string      `json:"senderUserId"`
	SenderDeviceID string      `json:"senderDeviceId"`
	Ciphertext     []byte      `json:"ciphertext"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	Status         Status      `json:"status"`
	CreatedAt      time.Time   `json:"createdAt"`
	DeliveredAt    *time.Time  `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time  `json:"readAt,omitempty"`
}

//AppendRequest is a send. MessageID is generated by the client and
//makes retries safe.
type AppendRequest struct {
	ConversationID string      `json:"-"`
	SenderUserID   string      `json:"-"`
	SenderDeviceID string      `json:"senderDeviceId"`
	MessageID      string      `json:"messageId"`
	Ciphertext     []byte      `json:"ciphertext"`
	Attachment     *Attachment `json:"attachment,omitempty"`
}

//Conversations is the membership authority the store consults
type Conversations interface {
	Authorize(ctx context.Context, conversationID, userID string) (*conversation.Conversation, error)
	Touch(ctx context.Context, conversationID string, at time.Time) error
}

//Publisher receives events after writes commit
type Publisher interface {
	Publish(ctx context.Context, e fanout.Event) error
}

//Options tune a Store
type Options struct {
	MaxEnvelopeBytes int
	HistoryLimit     int
}

//Store owns the envelopes table
type Store struct {
	db            *db.DB
	conversations Conversations
	publisher     Publisher
	opts          Options
	now           func() time.Time
}

//NewStore returns a store over d. A nil publisher disables events.
func NewStore(d *db.DB, conversations Conversations, publisher Publisher, opts Options) *Store {
	if opts.MaxEnvelopeBytes <= 0 {
		opts.MaxEnvelopeBytes = DefaultMaxEnvelopeBytes
	}
	if opts.HistoryLimit <= 0 || opts.HistoryLimit > MaxHistoryLimit {
		opts.HistoryLimit = MaxHistoryLimit
	}
	return &Store{
		db:            d,
		conversations: conversations,
		publisher:     publisher,
		opts:          opts,
		now:           time.Now,
	}
}

const envelopeColumns = `conversation_id, message_id, sender_user_id, sender_device_id, ciphertext,
	attachment_url, attachment_meta, status, created_at, delivered_at, read_at`

func (s *Store) validate(req *AppendRequest) error {
	req.MessageID = strings.TrimSpace(req.MessageID)
	req.SenderDeviceID = strings.TrimSpace(req.SenderDeviceID)

	switch {
	case req.MessageID == "":
		return errs.InvalidPayload("messageId is required")
	case req.SenderDeviceID == "":
		return errs.InvalidPayload("senderDeviceId is required")
	case len(req.Ciphertext) == 0:
		return errs.InvalidPayload("ciphertext is required")
	case len(req.Ciphertext) > s.opts.MaxEnvelopeBytes:
		return errs.InvalidPayload("ciphertext exceeds the envelope size limit")
	case req.Attachment != nil && strings.TrimSpace(req.Attachment.URL) == "":
		return errs.InvalidPayload("attachment url is required")
	}
	return nil
}

//Append stores the envelope once. Retrying with the same messageID
//returns the first stored envelope unchanged, whatever the retry
//carries. The returned flag is true only when this call created it.
//
//A message event goes out after every successful append, retries
//included, since the original event may be what the client missed.
func (s *Store) Append(ctx context.Context, req AppendRequest) (*Envelope, bool, error) {
	if err := s.validate(&req); err != nil {
		return nil, false, err
	}
	if _, err := s.conversations.Authorize(ctx, req.ConversationID, req.SenderUserID); err != nil {
		return nil, false, err
	}

	var attachURL sql.NullString
	var attachMeta []byte
	if req.Attachment != nil {
		attachURL = sql.NullString{String: strings.TrimSpace(req.Attachment.URL), Valid: true}
		attachMeta = req.Attachment.Meta
	}

	created := false
	createdAt := s.now().UTC()

	err := db.RetryConflict(func() error {
		res, err := s.db.ExecContext(ctx, `INSERT INTO envelopes (`+envelopeColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL, NULL)
			ON CONFLICT (conversation_id, message_id) DO NOTHING`,
			req.ConversationID, req.MessageID, req.SenderUserID, req.SenderDeviceID, req.Ciphertext,
			attachURL, attachMeta, int(StatusSent), db.Timestamp(createdAt))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n > 0
		return nil
	})
	if err != nil {
		if db.IsMissingReference(err) {
			return nil, false, errs.ErrConversationNotFound
		}
		if db.IsConflict(err) {
			return nil, false, errs.Wrap(errs.CodeConflict, "envelope append raced twice", err)
		}
		log.Err("failed to append envelope '%s' to conversation '%s'", req.MessageID, req.ConversationID, err)
		return nil, false, errs.Unavailable(errors.Wrap(err, "envelopes.Append.insert"))
	}

	env, err := s.get(ctx, req.ConversationID, req.MessageID)
	if err != nil {
		return nil, false, err
	}

	if created {
		if err := s.conversations.Touch(ctx, req.ConversationID, env.CreatedAt); err != nil {
			log.Err("failed to touch conversation '%s'", req.ConversationID, err)
		}
	}

	s.publish(ctx, fanout.KindMessage, env.ConversationID, env)
	return env, created, nil
}

//Acknowledge advances the envelope to status, which must be DELIVERED
//or READ. An ack that would not move the status forward changes
//nothing, emits nothing and returns the envelope as it stands, so
//duplicate and out of order acks are harmless.
func (s *Store) Acknowledge(ctx context.Context, conversationID, messageID, requesterID string, status Status) (*Envelope, error) {
	if !status.Acknowledgeable() {
		return nil, errs.Wrap(errs.CodeInvalidTransition, "only DELIVERED or READ may be acknowledged", nil)
	}
	if _, err := s.conversations.Authorize(ctx, conversationID, requesterID); err != nil {
		return nil, err
	}

	at := s.now().UTC()
	var advanced bool

	err := db.RetryConflict(func() error {
		//READ implies delivered, so a skipped DELIVERED ack still gets
		//its timestamp
		res, err := s.db.ExecContext(ctx, `UPDATE envelopes SET
				status = $1,
				delivered_at = COALESCE(delivered_at, $2),
				read_at = CASE WHEN $3 THEN $2 ELSE read_at END
			WHERE conversation_id = $4 AND message_id = $5 AND status < $1`,
			int(status), db.Timestamp(at), status == StatusRead, conversationID, messageID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		advanced = n > 0
		return nil
	})
	if err != nil {
		log.Err("failed to acknowledge envelope '%s' as %s", messageID, status, err)
		return nil, errs.Unavailable(errors.Wrap(err, "envelopes.Acknowledge.update"))
	}

	env, err := s.get(ctx, conversationID, messageID)
	if err != nil {
		return nil, err
	}

	if advanced {
		s.publish(ctx, fanout.KindStatusUpdate, conversationID, fanout.StatusUpdate{
			MessageID: messageID,
			Status:    status.String(),
			At:        db.Time(db.Timestamp(at)),
		})
	}
	return env, nil
}

//History returns the newest envelopes of the conversation, oldest
//first. A limit outside 1..HistoryLimit is clamped.
func (s *Store) History(ctx context.Context, conversationID, requesterID string, limit int) ([]Envelope, error) {
	if _, err := s.conversations.Authorize(ctx, conversationID, requesterID); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > s.opts.HistoryLimit {
		limit = s.opts.HistoryLimit
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+envelopeColumns+` FROM (
			SELECT seq, `+envelopeColumns+` FROM envelopes
			WHERE conversation_id = $1
			ORDER BY created_at DESC, seq DESC
			LIMIT $2
		) AS recent
		ORDER BY created_at ASC, seq ASC`, conversationID, limit)
	if err != nil {
		return nil, errs.Unavailable(errors.Wrap(err, "envelopes.History.query"))
	}
	defer rows.Close()

	res := make([]Envelope, 0)
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, errs.Unavailable(errors.Wrap(err, "envelopes.History.scan"))
		}
		res = append(res, *env)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Unavailable(errors.Wrap(err, "envelopes.History.rows"))
	}
	return res, nil
}

func (s *Store) get(ctx context.Context, conversationID, messageID string) (*Envelope, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+envelopeColumns+` FROM envelopes
		WHERE conversation_id = $1 AND message_id = $2`, conversationID, messageID)

	env, err := scanEnvelope(row)
	if err == sql.ErrNoRows {
		return nil, errs.ErrEnvelopeNotFound
	}
	if err != nil {
		return nil, errs.Unavailable(errors.Wrap(err, "envelopes.get.scan"))
	}
	return env, nil
}

//publish is fire and forget, the write it follows has committed. It
//outlives the caller's context so a sender hanging up after the commit
//still gets its event out.
func (s *Store) publish(ctx context.Context, kind fanout.Kind, conversationID string, payload interface{}) {
	if s.publisher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	e, err := fanout.NewEvent(kind, conversationID, payload)
	if err != nil {
		log.Err("failed to encode %s event", kind, err)
		return
	}
	if err := s.publisher.Publish(ctx, e); err != nil {
		log.Err("failed to publish %s event for conversation '%s'", kind, conversationID, err)
	}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEnvelope(s scanner) (*Envelope, error) {
	var (
		env                Envelope
		attachURL          sql.NullString
		attachMeta         []byte
		status             int
		created            int64
		delivered, readVal sql.NullInt64
	)

	err := s.Scan(&env.ConversationID, &env.MessageID, &env.SenderUserID, &env.SenderDeviceID,
		&env.Ciphertext, &attachURL, &attachMeta, &status, &created, &delivered, &readVal)
	if err != nil {
		return nil, err
	}

	if attachURL.Valid {
		env.Attachment = &Attachment{URL: attachURL.String, Meta: attachMeta}
	}
	env.Status = Status(status)
	env.CreatedAt = db.Time(created)
	env.DeliveredAt = db.NullTime(delivered)
	env.ReadAt = db.NullTime(readVal)
	return &env, nil
}
