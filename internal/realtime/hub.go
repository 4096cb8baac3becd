package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"marketplace_chat/pkg/logger"
)

type UpdateKind string

const (
	UpdateEvent        UpdateKind = "event"
	UpdateDisconnected UpdateKind = "disconnected"
	UpdateResync       UpdateKind = "resync"
)

type Update struct {
	Kind  UpdateKind
	Event Event
}

type HubOptions struct {
	BufferSize   int
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// Hub multiplexes one bus connection onto per-conversation subscriptions.
// Dispatch never blocks on a slow subscriber.
type Hub struct {
	feed Feed
	log  logger.Logger
	opts HubOptions

	mu        sync.Mutex
	subs      map[uuid.UUID]map[*Subscription]struct{}
	connected bool
	dropped   bool
	closed    bool
}

func NewHub(feed Feed, opts HubOptions, log logger.Logger) *Hub {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 64
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = 500 * time.Millisecond
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = opts.ReconnectMin
	}
	return &Hub{
		feed: feed,
		log:  log,
		opts: opts,
		subs: make(map[uuid.UUID]map[*Subscription]struct{}),
	}
}

// Run keeps the feed connected until ctx is done, reconnecting with
// exponential backoff between attempts.
func (h *Hub) Run(ctx context.Context) {
	backoff := h.opts.ReconnectMin
	for {
		err := h.feed.Stream(ctx, func() {
			backoff = h.opts.ReconnectMin
			h.markConnected()
		}, h.dispatch)
		if ctx.Err() != nil {
			h.markDisconnected()
			return
		}

		h.log.Warn("Realtime feed lost, reconnecting", "error", err, "backoff", backoff)
		h.markDisconnected()

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		backoff *= 2
		if backoff > h.opts.ReconnectMax {
			backoff = h.opts.ReconnectMax
		}
	}
}

func (h *Hub) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

// Subscribe registers interest in one conversation. The subscription stays
// registered until Close, across feed reconnects.
func (h *Hub) Subscribe(conversationID uuid.UUID) *Subscription {
	s := &Subscription{
		hub:            h,
		conversationID: conversationID,
		limit:          h.opts.BufferSize,
		ready:          make(chan struct{}, 1),
		done:           make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(s.done)
		return s
	}
	set := h.subs[conversationID]
	if set == nil {
		set = make(map[*Subscription]struct{})
		h.subs[conversationID] = set
	}
	set[s] = struct{}{}
	return s
}

// Close ends every subscription. Later Subscribe calls return closed subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*Subscription
	for _, set := range h.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	h.subs = make(map[uuid.UUID]map[*Subscription]struct{})
	h.closed = true
	h.mu.Unlock()

	for _, s := range all {
		s.finish()
	}
}

// Subscriptions reports the number of live subscriptions.
func (h *Hub) Subscriptions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

func (h *Hub) dispatch(ev Event) {
	h.mu.Lock()
	targets := make([]*Subscription, 0, len(h.subs[ev.ConversationID]))
	for s := range h.subs[ev.ConversationID] {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		s.push(Update{Kind: UpdateEvent, Event: ev})
	}
}

func (h *Hub) markConnected() {
	h.mu.Lock()
	recovering := h.dropped
	h.connected = true
	h.dropped = false
	targets := h.allLocked()
	h.mu.Unlock()

	if recovering {
		h.log.Info("Realtime feed restored", "subscriptions", len(targets))
		for _, s := range targets {
			s.push(Update{Kind: UpdateResync})
		}
	}
}

func (h *Hub) markDisconnected() {
	h.mu.Lock()
	wasConnected := h.connected
	h.connected = false
	h.dropped = true
	targets := h.allLocked()
	h.mu.Unlock()

	if wasConnected {
		for _, s := range targets {
			s.push(Update{Kind: UpdateDisconnected})
		}
	}
}

func (h *Hub) allLocked() []*Subscription {
	var out []*Subscription
	for _, set := range h.subs {
		for s := range set {
			out = append(out, s)
		}
	}
	return out
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[s.conversationID]
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.conversationID)
	}
}

// Subscription buffers updates for one consumer. When the buffer overflows
// the queued events are replaced by a single resync, since a reload makes
// them redundant.
type Subscription struct {
	hub            *Hub
	conversationID uuid.UUID
	limit          int

	mu     sync.Mutex
	queue  []Update
	ready  chan struct{}
	done   chan struct{}
	closer sync.Once
}

func (s *Subscription) ConversationID() uuid.UUID {
	return s.conversationID
}

// Ready fires when Drain has something to return.
func (s *Subscription) Ready() <-chan struct{} {
	return s.ready
}

// Done is closed when the subscription or the hub is closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) Drain() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

func (s *Subscription) Close() {
	s.hub.remove(s)
	s.finish()
}

func (s *Subscription) finish() {
	s.closer.Do(func() { close(s.done) })
}

func (s *Subscription) push(u Update) {
	s.mu.Lock()
	switch {
	case u.Kind == UpdateResync:
		s.queue = []Update{u}
	case len(s.queue) >= s.limit:
		s.queue = []Update{{Kind: UpdateResync}}
	default:
		s.queue = append(s.queue, u)
	}
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}
