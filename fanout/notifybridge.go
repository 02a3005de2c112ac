package fanout

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/chris-pikul/envelope-relay/db"
	"github.com/chris-pikul/envelope-relay/log"
)

const (
	notifyRowPrefix    = "id:"
	notifyInlinePrefix = "ev:"

	//PostgreSQL caps NOTIFY payloads just under 8000 bytes
	maxInlinePayload = 7900

	reconnectWait = 2 * time.Second
)

//NotifyBridge relays events over PostgreSQL LISTEN/NOTIFY. Durable
//events are written to fanout_events and announced by id in the same
//transaction, so the notification is only sent once the row commits.
//Ephemeral typing events ride inline in the notification and are never
//stored. A slow poll of the table covers notifications lost while the
//listening connection was down.
type NotifyBridge struct {
	db    *db.DB
	dsn   string
	opts  LogOptions
	now   func() time.Time
	ready chan struct{}
	once  sync.Once
}

//NewNotifyBridge returns a bridge publishing through d and listening on
//its own connection to dsn. opts.PollInterval is the fallback poll.
func NewNotifyBridge(d *db.DB, dsn string, opts LogOptions) *NotifyBridge {
	opts = opts.withDefaults()
	if opts.PollInterval < 5*time.Second {
		opts.PollInterval = 5 * time.Second
	}
	return &NotifyBridge{
		db:    d,
		dsn:   dsn,
		opts:  opts,
		now:   time.Now,
		ready: make(chan struct{}),
	}
}

//Ready is closed once the first LISTEN is in place
func (b *NotifyBridge) Ready() <-chan struct{} {
	return b.ready
}

//Publish announces the event on the channel
func (b *NotifyBridge) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "fanout.NotifyBridge.Publish.encode")
	}

	if e.Kind.Ephemeral() && len(payload)+len(notifyInlinePrefix) <= maxInlinePayload {
		_, err = b.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, b.opts.Channel, notifyInlinePrefix+string(payload))
		return errors.Wrap(err, "fanout.NotifyBridge.Publish.inline")
	}

	return b.db.RunInTx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, `INSERT INTO fanout_events (channel, payload, created_at)
			VALUES ($1, $2, $3) RETURNING id`, b.opts.Channel, payload, db.Timestamp(b.now())).Scan(&id)
		if err != nil {
			return errors.Wrap(err, "fanout.NotifyBridge.Publish.insert")
		}

		_, err = tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, b.opts.Channel, notifyRowPrefix+strconv.FormatInt(id, 10))
		return errors.Wrap(err, "fanout.NotifyBridge.Publish.notify")
	})
}

//Run listens until ctx is cancelled, reconnecting whenever the
//listening connection drops
func (b *NotifyBridge) Run(ctx context.Context, deliver func(Event)) error {
	last, err := latestEventID(ctx, b.db, b.opts.Channel)
	if err != nil {
		return err
	}

	for {
		last, err = b.listen(ctx, last, deliver)
		if ctx.Err() != nil {
			return nil
		}
		log.Err("fanout listener disconnected, reconnecting", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectWait):
		}
	}
}

func (b *NotifyBridge) listen(ctx context.Context, last int64, deliver func(Event)) (int64, error) {
	conn, err := pgx.Connect(ctx, b.dsn)
	if err != nil {
		return last, errors.Wrap(err, "fanout.NotifyBridge.connect")
	}
	defer conn.Close(context.Background())

	_, err = conn.Exec(ctx, "LISTEN "+pgx.Identifier{b.opts.Channel}.Sanitize())
	if err != nil {
		return last, errors.Wrap(err, "fanout.NotifyBridge.listen")
	}
	log.Infof("listening for fanout events on %s", b.opts.Channel)
	b.once.Do(func() { close(b.ready) })

	//Catch up on anything committed while we were not listening
	if last, err = drainEvents(ctx, b.db, b.opts.Channel, last, b.opts.BatchSize, deliver); err != nil {
		return last, err
	}

	for {
		wctx, cancel := context.WithTimeout(ctx, b.opts.PollInterval)
		n, err := conn.WaitForNotification(wctx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return last, nil
			}
			if conn.IsClosed() {
				return last, errors.Wrap(err, "fanout.NotifyBridge.wait")
			}

			//Quiet period, sweep the table in case a notification was missed
			if last, err = drainEvents(ctx, b.db, b.opts.Channel, last, b.opts.BatchSize, deliver); err != nil {
				log.Err("failed fallback poll of fanout events", err)
			}
			continue
		}

		switch {
		case strings.HasPrefix(n.Payload, notifyInlinePrefix):
			var e Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(n.Payload, notifyInlinePrefix)), &e); err != nil {
				log.Err("skipping undecodable inline fanout event", err)
				continue
			}
			deliver(e)

		case strings.HasPrefix(n.Payload, notifyRowPrefix):
			id, err := strconv.ParseInt(strings.TrimPrefix(n.Payload, notifyRowPrefix), 10, 64)
			if err != nil {
				log.Warnf("skipping malformed fanout notification %q", n.Payload)
				continue
			}
			if err := b.deliverRow(ctx, id, deliver); err != nil {
				log.Err("failed to load fanout event %d", id, err)
				continue
			}
			if id > last {
				last = id
			}

		default:
			log.Warnf("skipping unknown fanout notification %q", n.Payload)
		}
	}
}

func (b *NotifyBridge) deliverRow(ctx context.Context, id int64, deliver func(Event)) error {
	var payload []byte
	err := b.db.QueryRowContext(ctx, `SELECT payload FROM fanout_events WHERE id=$1`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		//Pruned already
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "fanout.NotifyBridge.deliverRow")
	}

	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return errors.Wrap(err, "fanout.NotifyBridge.deliverRow.decode")
	}
	deliver(e)
	return nil
}
