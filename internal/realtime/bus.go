package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	apperrors "marketplace_chat/pkg/errors"
	"marketplace_chat/pkg/logger"
)

// Publisher announces committed changes to every instance.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Feed is the receiving side of a bus. Stream calls ready once the
// subscription is live, then deliver for every event, until the connection
// fails or ctx is done.
type Feed interface {
	Stream(ctx context.Context, ready func(), deliver func(Event)) error
}

type Bus interface {
	Publisher
	Feed
}

type RedisBus struct {
	rdb    redis.UniversalClient
	prefix string
	log    logger.Logger
}

// NewRedisBus publishes on <prefix><conversation id>.
func NewRedisBus(rdb redis.UniversalClient, prefix string, log logger.Logger) *RedisBus {
	return &RedisBus{rdb: rdb, prefix: prefix, log: log}
}

func (b *RedisBus) Channel(ev Event) string {
	return b.prefix + ev.ConversationID.String()
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.Channel(ev), payload).Err(); err != nil {
		b.log.Error("Failed to publish realtime event", "error", err, "conversation_id", ev.ConversationID)
		return err
	}
	return nil
}

func (b *RedisBus) Stream(ctx context.Context, ready func(), deliver func(Event)) error {
	ps := b.rdb.PSubscribe(ctx, b.prefix+"*")
	defer ps.Close()

	// A blocked read does not observe ctx, closing the pubsub does.
	stop := context.AfterFunc(ctx, func() { _ = ps.Close() })
	defer stop()

	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	ready()

	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			b.log.Warn("Dropping malformed realtime event", "error", err, "channel", msg.Channel)
			continue
		}
		deliver(ev)
	}
}

// MemoryBus connects publishers and streams inside one process.
type MemoryBus struct {
	mu      sync.Mutex
	streams map[*memoryStream]struct{}
}

type memoryStream struct {
	events chan Event
	gone   chan struct{}
	cut    chan struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{streams: make(map[*memoryStream]struct{})}
}

func (b *MemoryBus) Publish(ctx context.Context, ev Event) error {
	b.mu.Lock()
	streams := make([]*memoryStream, 0, len(b.streams))
	for s := range b.streams {
		streams = append(streams, s)
	}
	b.mu.Unlock()

	for _, s := range streams {
		select {
		case s.events <- ev:
		case <-s.gone:
		case <-s.cut:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBus) Stream(ctx context.Context, ready func(), deliver func(Event)) error {
	s := &memoryStream{
		events: make(chan Event, 64),
		gone:   make(chan struct{}),
		cut:    make(chan struct{}),
	}
	b.mu.Lock()
	b.streams[s] = struct{}{}
	b.mu.Unlock()

	defer func() {
		close(s.gone)
		b.mu.Lock()
		delete(b.streams, s)
		b.mu.Unlock()
	}()

	ready()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.cut:
			return apperrors.ErrRealtimeDisconnected
		case ev := <-s.events:
			deliver(ev)
		}
	}
}

// Disconnect drops every live stream as if the broker connection was lost.
func (b *MemoryBus) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.streams {
		close(s.cut)
		delete(b.streams, s)
	}
}

// Streams reports how many streams are attached.
func (b *MemoryBus) Streams() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}
