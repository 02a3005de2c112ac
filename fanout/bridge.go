package fanout

import (
	"context"
	"fmt"
	"strings"
)

//Bridge carries events between relay processes. Publish hands an event
//to the transport, Run feeds every event seen on the transport (including
//this process's own) to deliver until ctx is cancelled.
type Bridge interface {
	Publish(ctx context.Context, e Event) error
	Run(ctx context.Context, deliver func(Event)) error
}

//Mode picks the bridge implementation
type Mode string

//Bridge modes
const (
	ModeLocal  Mode = "LOCAL"
	ModeLog    Mode = "LOG"
	ModeNotify Mode = "NOTIFY"
)

//ParseMode converts a configured mode string
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToUpper(strings.TrimSpace(s)))
	switch m {
	case ModeLocal, ModeLog, ModeNotify:
		return m, nil
	}
	return "", fmt.Errorf("unknown fanout mode '%s'", s)
}

//LocalBridge loops events back into this process only. It serves a
//single relay process and tests.
type LocalBridge struct {
	queue chan Event
}

//NewLocalBridge returns a loopback bridge with the given queue depth
func NewLocalBridge(depth int) *LocalBridge {
	if depth < 1 {
		depth = DefaultBufferSize
	}
	return &LocalBridge{queue: make(chan Event, depth)}
}

//Publish queues the event for the Run loop
func (b *LocalBridge) Publish(ctx context.Context, e Event) error {
	select {
	case b.queue <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

//Run delivers queued events in publish order
func (b *LocalBridge) Run(ctx context.Context, deliver func(Event)) error {
	for {
		select {
		case e := <-b.queue:
			deliver(e)
		case <-ctx.Done():
			return nil
		}
	}
}
