package handler

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"marketplace_chat/internal/config"
	"marketplace_chat/internal/domain"
	"marketplace_chat/internal/service"
	apperrors "marketplace_chat/pkg/errors"
	"marketplace_chat/pkg/logger"
)

const multipartMemory = 8 << 20

type ChatHandler struct {
	chatService      service.ChatService
	rateLimitService service.RateLimitService
	cfg              config.ChatConfig
	log              logger.Logger
}

func NewChatHandler(chatService service.ChatService, rateLimitService service.RateLimitService, cfg config.ChatConfig, log logger.Logger) *ChatHandler {
	return &ChatHandler{
		chatService:      chatService,
		rateLimitService: rateLimitService,
		cfg:              cfg,
		log:              log,
	}
}

func (h *ChatHandler) GetMessages(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	conversationID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	afterSeq, _ := strconv.ParseInt(c.DefaultQuery("after_seq", "0"), 10, 64)

	messages, err := h.chatService.GetConversationMessages(c.Request.Context(), userID, conversationID, domain.MessagePage{
		Limit:    limit,
		AfterSeq: afterSeq,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	if messages == nil {
		messages = []*domain.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

type SendMessageRequest struct {
	ID   string `json:"id" form:"id"`
	Body string `json:"body" form:"body"`
}

// SendMessage accepts JSON for text-only messages and multipart/form-data
// when files are attached.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	conversationID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxRequestBytes())

	var (
		req   SendMessageRequest
		files []*multipart.FileHeader
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
			_ = c.Error(requestError(err))
			return
		}
		form := c.Request.MultipartForm
		req.ID = firstValue(form.Value["id"])
		req.Body = firstValue(form.Value["body"])
		files = append(form.File["attachments"], form.File["attachments[]"]...)
		defer func() { _ = form.RemoveAll() }()
	} else if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(requestError(err))
		return
	}

	messageID := uuid.Nil
	if req.ID != "" {
		id, err := uuid.Parse(req.ID)
		if err != nil {
			_ = c.Error(apperrors.NewValidationError("id", "must be a UUID"))
			return
		}
		messageID = id
	}

	uploads, closeAll, err := h.openAttachments(files)
	defer closeAll()
	if err != nil {
		_ = c.Error(err)
		return
	}

	msg, err := h.chatService.SendMessage(c.Request.Context(), service.SendMessageInput{
		ConversationID:  conversationID,
		SenderID:        userID,
		ClientMessageID: messageID,
		Body:            req.Body,
		Attachments:     uploads,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// openAttachments sniffs each file's content type from its leading bytes.
// The client's declared type is ignored.
func (h *ChatHandler) openAttachments(files []*multipart.FileHeader) ([]service.AttachmentUpload, func(), error) {
	var opened []multipart.File
	closeAll := func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}

	uploads := make([]service.AttachmentUpload, 0, len(files))
	for i, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return nil, closeAll, fmt.Errorf("open attachment %d: %w", i, apperrors.ErrBadRequest)
		}
		opened = append(opened, f)

		mtype, err := mimetype.DetectReader(f)
		if err != nil {
			return nil, closeAll, apperrors.NewValidationError(fmt.Sprintf("attachments[%d]", i), "unreadable file")
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, closeAll, apperrors.Persistence("rewind attachment", err)
		}

		uploads = append(uploads, service.AttachmentUpload{
			Filename:    fh.Filename,
			ContentType: mtype.String(),
			Size:        fh.Size,
			Body:        f,
		})
	}
	return uploads, closeAll, nil
}

func (h *ChatHandler) maxRequestBytes() int64 {
	return h.cfg.MaxAttachmentBytes*int64(h.cfg.MaxAttachments) + 1<<20
}

func (h *ChatHandler) MarkAsRead(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	conversationID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	receipts, err := h.chatService.MarkMessagesAsRead(c.Request.Context(), conversationID, userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if receipts == nil {
		receipts = []domain.ReadReceipt{}
	}
	c.JSON(http.StatusOK, gin.H{"receipts": receipts})
}

func (h *ChatHandler) GetRateLimit(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	status, err := h.rateLimitService.CheckMessageRateLimit(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(apperrors.Persistence("check rate limit", err))
		return
	}
	c.JSON(http.StatusOK, status)
}

func firstValue(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func requestError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperrors.NewValidationError("attachments", fmt.Sprintf("request exceeds %d bytes", tooLarge.Limit))
	}
	return fmt.Errorf("%s: %w", err.Error(), apperrors.ErrBadRequest)
}
