package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"marketplace_chat/internal/config"
	"marketplace_chat/internal/domain"
	"marketplace_chat/internal/realtime"
	"marketplace_chat/internal/service"
	"marketplace_chat/internal/thread"
	apperrors "marketplace_chat/pkg/errors"
	"marketplace_chat/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin is enforced by the edge proxy
	},
}

const (
	readTimeout  = 60 * time.Second
	maxFrameSize = 64 << 10
	expiryTick   = time.Second
	sendQueueLen = 32
)

type WebSocketHandler struct {
	chatService         service.ChatService
	conversationService service.ConversationService
	notifier            *realtime.Notifier
	sessions            *realtime.Sessions
	cfg                 config.ChatConfig
	log                 logger.Logger
}

func NewWebSocketHandler(
	chatService service.ChatService,
	conversationService service.ConversationService,
	notifier *realtime.Notifier,
	sessions *realtime.Sessions,
	cfg config.ChatConfig,
	log logger.Logger,
) *WebSocketHandler {
	return &WebSocketHandler{
		chatService:         chatService,
		conversationService: conversationService,
		notifier:            notifier,
		sessions:            sessions,
		cfg:                 cfg,
		log:                 log,
	}
}

type inboundFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	ID             string `json:"id,omitempty"`
	Body           string `json:"body,omitempty"`
}

type connectedFrame struct {
	Type   string    `json:"type"`
	UserID uuid.UUID `json:"user_id"`
}

type snapshotFrame struct {
	Type           string         `json:"type"`
	ConversationID uuid.UUID      `json:"conversation_id"`
	Title          string         `json:"title"`
	Entries        []thread.Entry `json:"entries"`
}

type entryFrame struct {
	Type           string       `json:"type"`
	ConversationID uuid.UUID    `json:"conversation_id"`
	Entry          thread.Entry `json:"entry"`
}

type readReceiptFrame struct {
	Type           string        `json:"type"`
	ConversationID uuid.UUID     `json:"conversation_id"`
	MessageID      uuid.UUID     `json:"message_id"`
	ReadBy         domain.ReadBy `json:"read_by"`
	Read           bool          `json:"read"`
	State          thread.State  `json:"state"`
}

type statusFrame struct {
	Type      string `json:"type"`
	Connected bool   `json:"connected"`
}

type errorFrame struct {
	Type      string     `json:"type"`
	Code      string     `json:"code"`
	Error     string     `json:"error"`
	ID        *uuid.UUID `json:"id,omitempty"`
	Remaining *int       `json:"remaining,omitempty"`
	ResetAt   *time.Time `json:"reset_at,omitempty"`
}

// HandleChat upgrades the request and serves one client until it disconnects.
// A session has at most one open conversation at a time.
func (h *WebSocketHandler) HandleChat(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("Failed to upgrade connection", "error", err)
		return
	}

	conn := realtime.NewConnection(userID, ws)
	h.sessions.Attach(conn)

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	s := &session{
		h:      h,
		userID: userID,
		conn:   conn,
		ctx:    ctx,
		log:    h.log.With("user_id", userID, "connection_id", conn.ID),
		queue:  make(chan sendJob, sendQueueLen),
	}
	defer func() {
		cancel()
		s.shutdown()
		h.sessions.Detach(conn)
		conn.Close(websocket.CloseNormalClosure, "session closed")
	}()

	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	s.send(connectedFrame{Type: "connected", UserID: userID})
	go s.expireLoop()
	s.sends.Add(1)
	go s.sendLoop()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				s.log.Debug("WebSocket read ended", "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.replyError(fmt.Errorf("invalid payload: %w", apperrors.ErrBadRequest), nil)
			continue
		}

		switch frame.Type {
		case "open":
			s.open(frame)
		case "send":
			s.sendMessage(frame)
		case "retry":
			s.retry(frame)
		case "read":
			s.markRead()
		case "close":
			s.closeConversation()
		default:
			s.replyError(fmt.Errorf("unknown frame type %q: %w", frame.Type, apperrors.ErrBadRequest), nil)
		}
	}
}

type session struct {
	h      *WebSocketHandler
	userID uuid.UUID
	conn   *realtime.Connection
	ctx    context.Context
	log    logger.Logger

	mu     sync.Mutex
	thread *thread.Thread
	watch  *realtime.Watch

	queue chan sendJob
	sends sync.WaitGroup
}

type sendJob struct {
	thread *thread.Thread
	entry  thread.Entry
}

func (s *session) send(v any) {
	if err := s.conn.SendJSON(v); err != nil && !errors.Is(err, realtime.ErrConnectionClosed) {
		s.log.Warn("Failed to queue frame", "error", err)
	}
}

func (s *session) current() *thread.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thread
}

// open starts watching before the history load so nothing committed in
// between is missed; the thread drops the overlap by id.
func (s *session) open(frame inboundFrame) {
	conversationID, err := uuid.Parse(frame.ConversationID)
	if err != nil {
		s.replyError(apperrors.NewValidationError("conversation_id", "must be a UUID"), nil)
		return
	}

	conv, err := s.h.conversationService.Get(s.ctx, s.userID, conversationID)
	if err != nil {
		s.replyError(err, nil)
		return
	}

	th := thread.New(conv.ID, s.userID)
	sink := &threadSink{s: s, thread: th, title: conv.Title(s.userID)}

	s.mu.Lock()
	previous := s.watch
	s.thread = th
	s.watch = s.h.notifier.Watch(s.ctx, conv.ID, s.userID, sink)
	s.mu.Unlock()
	if previous != nil {
		previous.Close()
	}

	history, err := s.h.chatService.GetConversationMessages(s.ctx, s.userID, conv.ID, domain.MessagePage{})
	if err != nil {
		s.replyError(err, nil)
		return
	}
	th.Load(history)
	sink.snapshot()

	if _, err := s.h.chatService.MarkMessagesAsRead(s.ctx, conv.ID, s.userID); err != nil {
		s.log.Warn("Failed to mark conversation as read", "error", err, "conversation_id", conv.ID)
	}
}

func (s *session) sendMessage(frame inboundFrame) {
	th := s.current()
	if th == nil {
		s.replyError(fmt.Errorf("no open conversation: %w", apperrors.ErrBadRequest), nil)
		return
	}

	id := uuid.New()
	if frame.ID != "" {
		parsed, err := uuid.Parse(frame.ID)
		if err != nil {
			s.replyError(apperrors.NewValidationError("id", "must be a UUID"), nil)
			return
		}
		id = parsed
	}

	entry, err := th.BeginSend(id, frame.Body, 0)
	if err != nil {
		s.replyError(threadError(err), &id)
		return
	}
	s.sendEntry(th, entry)
	s.dispatch(th, entry)
}

func (s *session) retry(frame inboundFrame) {
	th := s.current()
	if th == nil {
		s.replyError(fmt.Errorf("no open conversation: %w", apperrors.ErrBadRequest), nil)
		return
	}
	id, err := uuid.Parse(frame.ID)
	if err != nil {
		s.replyError(apperrors.NewValidationError("id", "must be a UUID"), nil)
		return
	}

	entry, err := th.Retry(id)
	if err != nil {
		s.replyError(threadError(err), &id)
		return
	}
	s.sendEntry(th, entry)
	s.dispatch(th, entry)
}

// dispatch queues the send behind any earlier ones from this session, so
// messages commit in the order the client sent them. The client message id
// makes a retry after an ambiguous failure safe.
func (s *session) dispatch(th *thread.Thread, entry thread.Entry) {
	select {
	case s.queue <- sendJob{thread: th, entry: entry}:
	default:
		if failed, ok := th.Fail(entry.ID, errSendQueueFull); ok {
			s.sendEntry(th, failed)
		}
		s.replyError(fmt.Errorf("%w: %w", apperrors.ErrBadRequest, errSendQueueFull), &entry.ID)
	}
}

var errSendQueueFull = errors.New("too many messages waiting to be sent")

// sendLoop runs queued sends one at a time until the session ends.
func (s *session) sendLoop() {
	defer s.sends.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case job := <-s.queue:
			s.deliver(job.thread, job.entry)
		}
	}
}

func (s *session) deliver(th *thread.Thread, entry thread.Entry) {
	// Skip sends that expired or were resolved while queued.
	if current, ok := th.Entry(entry.ID); !ok || current.State != thread.StateSending {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.h.cfg.SendTimeout)
	defer cancel()

	msg, err := s.h.chatService.SendMessage(ctx, service.SendMessageInput{
		ConversationID:  th.ConversationID(),
		SenderID:        s.userID,
		ClientMessageID: entry.ID,
		Body:            entry.Body,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = thread.ErrTimedOut
		}
		cause := err
		if apperrors.HTTPStatusFromError(err) >= http.StatusInternalServerError {
			cause = errors.New("message could not be sent")
		}
		if failed, ok := th.Fail(entry.ID, cause); ok {
			s.sendEntry(th, failed)
		}
		s.replyError(err, &entry.ID)
		return
	}
	s.sendEntry(th, th.Confirm(msg))
}

func (s *session) markRead() {
	th := s.current()
	if th == nil {
		s.replyError(fmt.Errorf("no open conversation: %w", apperrors.ErrBadRequest), nil)
		return
	}
	if _, err := s.h.chatService.MarkMessagesAsRead(s.ctx, th.ConversationID(), s.userID); err != nil {
		s.replyError(err, nil)
	}
}

func (s *session) closeConversation() {
	s.mu.Lock()
	watch := s.watch
	s.watch = nil
	s.thread = nil
	s.mu.Unlock()
	if watch != nil {
		watch.Close()
	}
}

// expireLoop fails sends that outlived the send timeout without an answer.
func (s *session) expireLoop() {
	ticker := time.NewTicker(expiryTick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			th := s.current()
			if th == nil {
				continue
			}
			for _, e := range th.ExpirePending(now, s.h.cfg.SendTimeout) {
				s.sendEntry(th, e)
			}
		}
	}
}

func (s *session) shutdown() {
	s.closeConversation()
	s.sends.Wait()
}

func (s *session) sendEntry(th *thread.Thread, e thread.Entry) {
	s.send(entryFrame{Type: "entry", ConversationID: th.ConversationID(), Entry: e})
}

func (s *session) replyError(err error, id *uuid.UUID) {
	frame := errorFrame{
		Type:  "error",
		Code:  apperrors.Code(err),
		Error: err.Error(),
		ID:    id,
	}
	var rl *apperrors.RateLimitError
	if errors.As(err, &rl) {
		frame.Remaining = &rl.Remaining
		frame.ResetAt = &rl.ResetAt
	}
	if apperrors.HTTPStatusFromError(err) >= http.StatusInternalServerError {
		s.log.Error("Chat operation failed", "error", err)
		frame.Error = "Internal server error"
	}
	s.send(frame)
}

func threadError(err error) error {
	if errors.Is(err, apperrors.ErrValidation) {
		return err
	}
	return fmt.Errorf("%w: %w", apperrors.ErrBadRequest, err)
}

// threadSink feeds one watch into the thread it was opened with and mirrors
// every change to the client.
type threadSink struct {
	s      *session
	thread *thread.Thread
	title  string
}

func (k *threadSink) snapshot() {
	k.s.send(snapshotFrame{
		Type:           "snapshot",
		ConversationID: k.thread.ConversationID(),
		Title:          k.title,
		Entries:        k.thread.Entries(),
	})
}

func (k *threadSink) Deliver(msg *domain.Message) {
	k.thread.Apply(msg)
	if e, ok := k.thread.Entry(msg.ID); ok {
		k.s.sendEntry(k.thread, e)
	}
}

func (k *threadSink) ReadBy(receipts []domain.ReadReceipt) {
	for _, r := range receipts {
		e, ok := k.thread.ApplyReadBy(r.MessageID, r.ReadBy)
		if !ok {
			continue
		}
		k.s.send(readReceiptFrame{
			Type:           "read_receipt",
			ConversationID: k.thread.ConversationID(),
			MessageID:      r.MessageID,
			ReadBy:         r.ReadBy,
			Read:           e.Read,
			State:          e.State,
		})
	}
}

func (k *threadSink) Reload(messages []*domain.Message) {
	k.thread.Load(messages)
	k.snapshot()
}

func (k *threadSink) Status(connected bool) {
	k.s.send(statusFrame{Type: "status", Connected: connected})
}
