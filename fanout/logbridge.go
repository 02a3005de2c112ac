package fanout

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/chris-pikul/envelope-relay/db"
	"github.com/chris-pikul/envelope-relay/log"
)

//LogOptions tune a LogBridge
type LogOptions struct {
	Channel      string
	PollInterval time.Duration
	BatchSize    int
}

func (o LogOptions) withDefaults() LogOptions {
	if o.Channel == "" {
		o.Channel = "relay_events"
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	return o
}

//LogBridge relays events through the fanout_events table of the shared
//database. Every process appends what it publishes and polls for rows
//past the last one it delivered. It needs nothing beyond the database,
//which makes it the bridge for relays sharing one SQLite file.
//
//Rows are identified by an increasing id. SQLite serializes writers so
//ids become visible in order; on PostgreSQL ids can commit out of order
//and NotifyBridge should be used instead.
//
//Ephemeral events never touch the table. They are delivered to this
//process only, so typing indicators do not cross processes in this mode.
type LogBridge struct {
	db    *db.DB
	opts  LogOptions
	now   func() time.Time
	ready chan struct{}
	local chan Event
}

//NewLogBridge returns a polling bridge over d
func NewLogBridge(d *db.DB, opts LogOptions) *LogBridge {
	return &LogBridge{
		db:    d,
		opts:  opts.withDefaults(),
		now:   time.Now,
		ready: make(chan struct{}),
		local: make(chan Event, DefaultBufferSize),
	}
}

//Ready is closed once Run has positioned itself at the end of the log.
//Events published after that are guaranteed to be seen.
func (b *LogBridge) Ready() <-chan struct{} {
	return b.ready
}

//Publish appends the event to the log, or queues it locally when it is
//ephemeral
func (b *LogBridge) Publish(ctx context.Context, e Event) error {
	if e.Kind.Ephemeral() {
		select {
		case b.local <- e:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "fanout.LogBridge.Publish.encode")
	}

	_, err = b.db.ExecContext(ctx, `INSERT INTO fanout_events (channel, payload, created_at)
		VALUES ($1, $2, $3)`, b.opts.Channel, payload, db.Timestamp(b.now()))
	if err != nil {
		return errors.Wrap(err, "fanout.LogBridge.Publish.insert")
	}
	return nil
}

//Run polls the log from its current end
func (b *LogBridge) Run(ctx context.Context, deliver func(Event)) error {
	last, err := latestEventID(ctx, b.db, b.opts.Channel)
	if err != nil {
		return err
	}
	close(b.ready)

	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-b.local:
			deliver(e)
			continue
		case <-ticker.C:
		}

		last, err = drainEvents(ctx, b.db, b.opts.Channel, last, b.opts.BatchSize, deliver)
		if err != nil && ctx.Err() == nil {
			log.Err("failed to poll fanout events", err)
		}
	}
}

func latestEventID(ctx context.Context, d *db.DB, channel string) (int64, error) {
	var last int64
	err := d.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM fanout_events WHERE channel=$1`, channel).Scan(&last)
	if err != nil {
		return 0, errors.Wrap(err, "fanout.latestEventID")
	}
	return last, nil
}

//drainEvents delivers every row after id `after` in batches and returns
//the last id delivered
func drainEvents(ctx context.Context, d *db.DB, channel string, after int64, batch int, deliver func(Event)) (int64, error) {
	for {
		n, last, err := fetchEvents(ctx, d, channel, after, batch, deliver)
		if err != nil {
			return after, err
		}
		after = last
		if n < batch {
			return after, nil
		}
	}
}

func fetchEvents(ctx context.Context, d *db.DB, channel string, after int64, batch int, deliver func(Event)) (int, int64, error) {
	rows, err := d.QueryContext(ctx, `SELECT id, payload FROM fanout_events
		WHERE channel=$1 AND id > $2 ORDER BY id ASC LIMIT $3`, channel, after, batch)
	if err != nil {
		return 0, after, errors.Wrap(err, "fanout.fetchEvents.query")
	}
	defer rows.Close()

	var (
		events  []Event
		scanned int
	)
	for rows.Next() {
		var (
			id      int64
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return 0, after, errors.Wrap(err, "fanout.fetchEvents.scan")
		}
		after = id
		scanned++

		var e Event
		if err := json.Unmarshal(payload, &e); err != nil {
			log.Err("skipping undecodable fanout event %d", id, err)
			continue
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return 0, after, errors.Wrap(err, "fanout.fetchEvents.rows")
	}

	//Deliver once the rows are released so slow delivery never holds
	//a connection
	rows.Close()
	for _, e := range events {
		deliver(e)
	}
	return scanned, after, nil
}

//Prune deletes logged events created before the cutoff and returns how
//many rows went
func Prune(ctx context.Context, d *db.DB, before time.Time) (int64, error) {
	res, err := d.ExecContext(ctx, `DELETE FROM fanout_events WHERE created_at < $1`, db.Timestamp(before))
	if err != nil {
		return 0, errors.Wrap(err, "fanout.Prune")
	}
	return res.RowsAffected()
}
