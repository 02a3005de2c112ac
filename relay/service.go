package relay

import (
	"context"
	"time"

	"github.com/chris-pikul/envelope-relay/config"
	"github.com/chris-pikul/envelope-relay/conversation"
	"github.com/chris-pikul/envelope-relay/cursor"
	"github.com/chris-pikul/envelope-relay/db"
	"github.com/chris-pikul/envelope-relay/envelope"
	"github.com/chris-pikul/envelope-relay/fanout"
	"github.com/chris-pikul/envelope-relay/keys"
	"github.com/chris-pikul/envelope-relay/log"
)

//Service encompases the relay components behind the network surface.
//One Service owns one database pool and one fanout hub; everything
//else in this package only translates requests into calls on it.
type Service struct {
	db     *db.DB
	bridge fanout.Bridge

	Keys          *keys.Directory
	Conversations *conversation.Registry
	Envelopes     *envelope.Store
	Cursors       *cursor.Tracker
	Hub           *fanout.Hub
}

//NewService opens the database and assembles the components. If we
//can not start one then nil, error is returned instead
func NewService(ctx context.Context, opts config.Options) (*Service, error) {
	d, err := db.Open(ctx, opts.Database.Driver, opts.Database.Source)
	if err != nil {
		return nil, err
	}

	bridge, err := newBridge(d, opts)
	if err != nil {
		d.Close()
		return nil, err
	}

	hub := fanout.NewHub(bridge, int(opts.Fanout.BufferSize))
	registry := conversation.NewRegistry(d)

	srv := &Service{
		db:            d,
		bridge:        bridge,
		Keys:          keys.NewDirectory(d),
		Conversations: registry,
		Envelopes: envelope.NewStore(d, registry, hub, envelope.Options{
			MaxEnvelopeBytes: int(opts.Relay.MaxEnvelopeBytes),
			HistoryLimit:     int(opts.Relay.HistoryLimit),
		}),
		Cursors: cursor.NewTracker(d, registry),
		Hub:     hub,
	}

	log.Infof("relay service ready using %s storage and %s fanout", d.Driver, opts.Fanout.Mode)
	return srv, nil
}

func newBridge(d *db.DB, opts config.Options) (fanout.Bridge, error) {
	mode, err := fanout.ParseMode(opts.Fanout.Mode)
	if err != nil {
		return nil, err
	}

	lo := fanout.LogOptions{
		Channel:      opts.Fanout.Channel,
		PollInterval: time.Duration(opts.Fanout.PollInterval) * time.Millisecond,
		BatchSize:    int(opts.Fanout.BatchSize),
	}

	switch mode {
	case fanout.ModeLog:
		return fanout.NewLogBridge(d, lo), nil
	case fanout.ModeNotify:
		if d.Driver != db.DriverPostgres {
			return nil, config.ErrOptionsNotify
		}
		return fanout.NewNotifyBridge(d, opts.Database.Source, lo), nil
	}
	return fanout.NewLocalBridge(int(opts.Fanout.BufferSize)), nil
}

//Ready is closed once the fanout bridge receives every event published
//from then on. Bridges without a start-up phase are ready immediately.
func (s *Service) Ready() <-chan struct{} {
	if r, ok := s.bridge.(interface{ Ready() <-chan struct{} }); ok {
		return r.Ready()
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

//Ping checks the database is reachable
func (s *Service) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

//Clean removes fanout log rows older than before
func (s *Service) Clean(ctx context.Context, before time.Time) (int64, error) {
	return fanout.Prune(ctx, s.db, before)
}

//Close detaches all subscribers and closes the database
func (s *Service) Close() error {
	s.Hub.Close()
	return s.db.Close()
}
