package fanout

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/chris-pikul/envelope-relay/log"
)

//DefaultBufferSize is the per subscription event buffer
const DefaultBufferSize = 64

var (
	//ErrClosed is returned when publishing on a closed hub
	ErrClosed = errors.New("fanout hub is closed")

	//ErrUnknownKind is returned when publishing an event of no known kind
	ErrUnknownKind = errors.New("fanout event kind is unknown")
)

//Subscription is one live reader of a conversation channel. Events
//arrive on C until Close is called or the hub shuts down, at which
//point C is closed.
type Subscription struct {
	ID             string
	ConversationID string
	C              <-chan Event

	ch   chan Event
	hub  *Hub
	once sync.Once
}

//Close releases the subscription immediately
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

//Hub is the process-local subscriber table. Events published here go
//out through the bridge, and everything the bridge receives (from this
//process or any other) is handed to local subscribers.
type Hub struct {
	bridge     Bridge
	bufferSize int

	mu     sync.RWMutex
	subs   map[string]map[string]*Subscription
	closed bool

	delivered uint64
	dropped   uint64

	//OnDrop is called whenever a slow subscriber misses an event
	OnDrop func(Event)
}

//NewHub returns a hub relaying through bridge. A bufferSize below one
//uses DefaultBufferSize.
func NewHub(bridge Bridge, bufferSize int) *Hub {
	if bufferSize < 1 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		bridge:     bridge,
		bufferSize: bufferSize,
		subs:       make(map[string]map[string]*Subscription),
	}
}

//Run pumps events from the bridge into local subscribers until ctx is
//cancelled
func (h *Hub) Run(ctx context.Context) error {
	return h.bridge.Run(ctx, h.deliver)
}

//Subscribe attaches a new reader to the conversation channel
func (h *Hub) Subscribe(conversationID string) *Subscription {
	ch := make(chan Event, h.bufferSize)
	s := &Subscription{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		C:              ch,
		ch:             ch,
		hub:            h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(ch)
		return s
	}

	set, ok := h.subs[conversationID]
	if !ok {
		set = make(map[string]*Subscription)
		h.subs[conversationID] = set
	}
	set[s.ID] = s

	log.Debugf("subscription %s attached to conversation %s", s.ID, conversationID)
	return s
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[s.ConversationID]
	if !ok {
		return
	}
	if _, ok := set[s.ID]; !ok {
		return
	}

	delete(set, s.ID)
	if len(set) == 0 {
		delete(h.subs, s.ConversationID)
	}
	close(s.ch)

	log.Debugf("subscription %s released from conversation %s", s.ID, s.ConversationID)
}

//Publish sends the event to every subscriber of its conversation on
//every process. Heartbeats stay local.
func (h *Hub) Publish(ctx context.Context, e Event) error {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !e.Kind.Valid() {
		return ErrUnknownKind
	}

	if e.Kind == KindHeartbeat {
		h.deliver(e)
		return nil
	}
	return h.bridge.Publish(ctx, e)
}

//deliver never blocks, a full subscriber buffer drops the event
func (h *Hub) deliver(e Event) {
	if !e.Kind.Valid() {
		log.Warnf("ignoring fanout event of unknown kind '%s'", e.Kind)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, s := range h.subs[e.ConversationID] {
		select {
		case s.ch <- e:
			atomic.AddUint64(&h.delivered, 1)
		default:
			atomic.AddUint64(&h.dropped, 1)
			log.Warnf("dropped %s event for slow subscription %s", e.Kind, s.ID)
			if h.OnDrop != nil {
				h.OnDrop(e)
			}
		}
	}
}

//Subscribers counts the live subscriptions of this process
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

//Channels counts the conversations with at least one local subscriber
func (h *Hub) Channels() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

//Delivered counts events handed to subscribers
func (h *Hub) Delivered() uint64 {
	return atomic.LoadUint64(&h.delivered)
}

//Dropped counts events lost to full subscriber buffers
func (h *Hub) Dropped() uint64 {
	return atomic.LoadUint64(&h.dropped)
}

//Close detaches every subscriber, closing their channels
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for id, set := range h.subs {
		for _, s := range set {
			close(s.ch)
		}
		delete(h.subs, id)
	}
}
