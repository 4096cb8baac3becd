package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"marketplace_chat/internal/config"
	"marketplace_chat/internal/middleware"
	"marketplace_chat/internal/realtime"
	"marketplace_chat/internal/repository"
	"marketplace_chat/internal/service"
	apperrors "marketplace_chat/pkg/errors"
	"marketplace_chat/pkg/jwt"
	"marketplace_chat/pkg/logger"
)

func testChatConfig() config.ChatConfig {
	return config.ChatConfig{
		RateLimitQuota:     100,
		RateLimitWindow:    24 * time.Hour,
		MaxBodyLength:      5000,
		MaxAttachments:     5,
		MaxAttachmentBytes: 1 << 20,
		HistoryPageSize:    200,
		SendTimeout:        2 * time.Second,
	}
}

type testEnv struct {
	router  *gin.Engine
	backend *memoryBackend
	tokens  *jwt.Manager
	hub     *realtime.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.Nop()
	cfg := testChatConfig()

	bus := realtime.NewMemoryBus()
	hub := realtime.NewHub(bus, realtime.HubOptions{}, log)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		hub.Close()
	})
	require.Eventually(t, hub.Connected, 2*time.Second, time.Millisecond)

	backend := newMemoryBackend(bus)
	rate := service.NewRateLimitService(repository.NewMemoryRateLimitRepository(nil), cfg, log)
	notifier := realtime.NewNotifier(hub, backend, cfg.HistoryPageSize, log)

	handlers := &Handlers{
		Health:       NewHealthHandler(nil, hub.Connected),
		Conversation: NewConversationHandler(backend, log),
		Chat:         NewChatHandler(backend, rate, cfg, log),
		WebSocket:    NewWebSocketHandler(backend, backend, notifier, realtime.NewSessions(), cfg, log),
	}

	tokens := jwt.NewManager("test-secret", "marketplace", time.Hour)
	router := gin.New()
	router.Use(middleware.ErrorHandler(log))
	auth := middleware.NewAuthMiddleware(tokens, log)
	handlers.Register(router, auth.RequireAuth(), func(c *gin.Context) { c.Next() })

	return &testEnv{router: router, backend: backend, tokens: tokens, hub: hub}
}

func (e *testEnv) token(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	tok, err := e.tokens.Generate(userID, "", "", "traveller")
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, userID uuid.UUID, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != uuid.Nil {
		req.Header.Set("Authorization", "Bearer "+e.token(t, userID))
	}
	return e.serve(t, req)
}

func (e *testEnv) serve(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w, body := env.do(t, uuid.Nil, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "ok", body["dependencies"].(map[string]any)["realtime"])
}

func TestAPI_RequiresToken(t *testing.T) {
	env := newTestEnv(t)

	w, _ := env.do(t, uuid.Nil, http.MethodGet, "/api/v1/conversations", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	w, _ = env.serve(t, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestConversations_ListSearchGet(t *testing.T) {
	env := newTestEnv(t)
	me, guide, agency := uuid.New(), uuid.New(), uuid.New()
	withGuide := env.backend.addConversation(map[uuid.UUID]string{me: "Traveller", guide: "Ana Costa"})
	env.backend.addConversation(map[uuid.UUID]string{me: "Traveller", agency: "Blue Sky Tours"})

	w, body := env.do(t, me, http.MethodGet, "/api/v1/conversations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, body["conversations"], 2)

	w, body = env.do(t, me, http.MethodGet, "/api/v1/conversations/search?q=costa", nil)
	require.Equal(t, http.StatusOK, w.Code)
	found := body["conversations"].([]any)
	require.Len(t, found, 1)
	require.Equal(t, withGuide.ID.String(), found[0].(map[string]any)["id"])

	w, body = env.do(t, me, http.MethodGet, "/api/v1/conversations/"+withGuide.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "Ana Costa", body["title"])

	w, body = env.do(t, agency, http.MethodGet, "/api/v1/conversations/"+withGuide.ID.String(), nil)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, "permission_denied", body["code"])

	w, _ = env.do(t, me, http.MethodGet, "/api/v1/conversations/not-a-uuid", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConversations_CreateAndArchive(t *testing.T) {
	env := newTestEnv(t)
	me, host := uuid.New(), uuid.New()

	w, body := env.do(t, me, http.MethodPost, "/api/v1/conversations", gin.H{
		"subject":         "Porto wine tasting",
		"participant_ids": []uuid.UUID{host},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, "Porto wine tasting", body["title"])
	id := body["id"].(string)

	w, body = env.do(t, me, http.MethodPatch, "/api/v1/conversations/"+id+"/status", gin.H{"status": "archived"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "archived", body["status"])

	w, body = env.do(t, me, http.MethodPatch, "/api/v1/conversations/"+id+"/status", gin.H{"status": "deleted"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Equal(t, "status", body["field"])
}

func TestMessages_SendAndList(t *testing.T) {
	env := newTestEnv(t)
	me, host := uuid.New(), uuid.New()
	conv := env.backend.addConversation(map[uuid.UUID]string{me: "Traveller", host: "Host"})
	path := "/api/v1/conversations/" + conv.ID.String() + "/messages"

	id := uuid.New()
	w, body := env.do(t, me, http.MethodPost, path, gin.H{"id": id, "body": "Do you offer airport pickup?"})
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, id.String(), body["id"])
	require.Equal(t, []any{me.String()}, body["metadata"].(map[string]any)["read_by"])

	w, body = env.do(t, host, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, body["messages"], 1)

	w, body = env.do(t, host, http.MethodPost, "/api/v1/conversations/"+conv.ID.String()+"/read", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, body["receipts"], 1)

	w, body = env.do(t, me, http.MethodPost, path, gin.H{"body": "   "})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Equal(t, "validation_error", body["code"])

	w, body = env.do(t, uuid.New(), http.MethodPost, path, gin.H{"body": "hi"})
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, "permission_denied", body["code"])
}

func TestMessages_RateLimitedResponse(t *testing.T) {
	env := newTestEnv(t)
	me, host := uuid.New(), uuid.New()
	conv := env.backend.addConversation(map[uuid.UUID]string{me: "Traveller", host: "Host"})
	resetAt := time.Now().Add(3 * time.Hour).UTC().Truncate(time.Second)
	env.backend.sendErr = &apperrors.RateLimitError{Limit: 100, Remaining: 0, ResetAt: resetAt}

	w, body := env.do(t, me, http.MethodPost, "/api/v1/conversations/"+conv.ID.String()+"/messages", gin.H{"body": "hi"})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "rate_limited", body["code"])
	require.Equal(t, float64(0), body["remaining"])
	require.Equal(t, resetAt.Format(time.RFC3339), body["reset_at"])
}

func TestMessages_MultipartSniffsContentType(t *testing.T) {
	env := newTestEnv(t)
	me, host := uuid.New(), uuid.New()
	conv := env.backend.addConversation(map[uuid.UUID]string{me: "Traveller", host: "Host"})

	png := append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), bytes.Repeat([]byte{0}, 64)...)
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	require.NoError(t, form.WriteField("body", "Here is my passport photo"))
	part, err := form.CreateFormFile("attachments", "passport.bin")
	require.NoError(t, err)
	_, err = part.Write(png)
	require.NoError(t, err)
	require.NoError(t, form.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations/"+conv.ID.String()+"/messages", &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+env.token(t, me))
	w, _ := env.serve(t, req)
	require.Equal(t, http.StatusCreated, w.Code)

	require.Len(t, env.backend.uploads, 1)
	require.Equal(t, "image/png", env.backend.uploads[0].contentType)
	require.Equal(t, len(png), env.backend.uploads[0].size, "file is rewound after sniffing")
}

func TestRateLimitStatus(t *testing.T) {
	env := newTestEnv(t)
	w, body := env.do(t, uuid.New(), http.MethodGet, "/api/v1/rate-limit/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, float64(100), body["limit"])
	require.Equal(t, float64(100), body["remaining"])
}
