package realtime

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"marketplace_chat/internal/domain"
	"marketplace_chat/pkg/logger"
)

// MessageSource is what a watch needs from the chat service.
type MessageSource interface {
	GetMessage(ctx context.Context, viewerID, messageID uuid.UUID) (*domain.Message, error)
	GetConversationMessages(ctx context.Context, viewerID, conversationID uuid.UUID, page domain.MessagePage) ([]*domain.Message, error)
	MarkMessagesAsRead(ctx context.Context, conversationID, userID uuid.UUID) ([]domain.ReadReceipt, error)
}

// Sink receives a watch's output. Calls come from a single goroutine.
type Sink interface {
	Deliver(msg *domain.Message)
	ReadBy(receipts []domain.ReadReceipt)
	Reload(messages []*domain.Message)
	Status(connected bool)
}

type Notifier struct {
	hub      *Hub
	source   MessageSource
	pageSize int
	log      logger.Logger
}

func NewNotifier(hub *Hub, source MessageSource, pageSize int, log logger.Logger) *Notifier {
	if pageSize <= 0 {
		pageSize = 200
	}
	return &Notifier{hub: hub, source: source, pageSize: pageSize, log: log}
}

// Watch is one viewer's live subscription to one conversation.
type Watch struct {
	ConversationID uuid.UUID

	sub    *Subscription
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Watch subscribes before returning, so any insert committed after this call
// reaches sink. Callers load history afterwards and rely on id dedup.
func (n *Notifier) Watch(ctx context.Context, conversationID, viewerID uuid.UUID, sink Sink) *Watch {
	ctx, cancel := context.WithCancel(ctx)
	w := &Watch{
		ConversationID: conversationID,
		sub:            n.hub.Subscribe(conversationID),
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	go n.run(ctx, w, viewerID, sink)
	return w
}

// Close stops the watch and waits for its goroutine.
func (w *Watch) Close() {
	w.once.Do(func() {
		w.cancel()
		w.sub.Close()
		<-w.done
	})
}

// Done is closed once the watch goroutine has exited.
func (w *Watch) Done() <-chan struct{} {
	return w.done
}

func (n *Notifier) run(ctx context.Context, w *Watch, viewerID uuid.UUID, sink Sink) {
	defer close(w.done)

	sink.Status(n.hub.Connected())
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.sub.Done():
			return
		case <-w.sub.Ready():
			for _, u := range w.sub.Drain() {
				if ctx.Err() != nil {
					return
				}
				n.handle(ctx, w.ConversationID, viewerID, u, sink)
			}
		}
	}
}

func (n *Notifier) handle(ctx context.Context, conversationID, viewerID uuid.UUID, u Update, sink Sink) {
	switch u.Kind {
	case UpdateDisconnected:
		sink.Status(false)

	case UpdateResync:
		sink.Status(true)
		messages, err := n.source.GetConversationMessages(ctx, viewerID, conversationID, domain.MessagePage{Limit: n.pageSize})
		if err != nil {
			n.log.Warn("Failed to reload conversation after resync", "error", err, "conversation_id", conversationID)
			return
		}
		sink.Reload(messages)

	case UpdateEvent:
		switch u.Event.Kind {
		case EventInsert:
			msg, err := n.source.GetMessage(ctx, viewerID, u.Event.MessageID)
			if err != nil {
				n.log.Warn("Failed to fetch inserted message", "error", err, "message_id", u.Event.MessageID)
				return
			}
			sink.Deliver(msg)
			if msg.SenderID != viewerID {
				if _, err := n.source.MarkMessagesAsRead(ctx, conversationID, viewerID); err != nil {
					n.log.Warn("Failed to mark delivered message as read", "error", err, "message_id", msg.ID)
				}
			}
		case EventRead:
			sink.ReadBy(u.Event.Receipts)
		}
	}
}
