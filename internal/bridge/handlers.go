// Package bridge is the local HTTP surface a chat UI drives the engine
// through.
package bridge

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"histeeria-chatsync/internal/chat"
	"histeeria-chatsync/internal/engine"
	"histeeria-chatsync/internal/models"
	"histeeria-chatsync/internal/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Engine is the part of the sync engine the bridge exposes.
type Engine interface {
	SendMessage(ctx context.Context, conversationID, content, replyToID string) (models.Message, error)
	SendMessageWithAttachment(ctx context.Context, conversationID, caption string, att models.Attachment, kind models.Kind, replyToID string) (models.Message, error)
	SendFile(ctx context.Context, conversationID, caption string, file models.LocalFile, replyToID string) (models.Message, error)
	RetryMessage(ctx context.Context, tempID string) (models.Message, error)
	RemoveMessage(ctx context.Context, key string) (models.Message, error)
	CancelUpload(ctx context.Context, tempID string) bool
	ProcessOfflineQueue(ctx context.Context) (chat.DrainResult, error)
	QueueLength() int

	EditMessage(ctx context.Context, key, content string) (models.Message, error)
	DeleteMessage(ctx context.Context, key string) (models.Message, error)
	React(ctx context.Context, key, emoji string) (models.Message, error)
	SetPinned(ctx context.Context, key string, pinned bool) (models.Message, error)
	SetStarred(ctx context.Context, key string, starred bool) (models.Message, error)
	Forward(ctx context.Context, key, targetConversationID string) (models.Message, error)

	LoadHistory(ctx context.Context, conversationID string, limit, offset int) ([]models.Message, error)
	Messages(conversationID string) []models.Message
	TypingUsers(conversationID string) []models.TypingUser
	Unread(conversationID string) int
	SetUnread(conversationID string, n int)
	Online() bool
	ChannelConnected() bool

	ForgetConversation(ctx context.Context, conversationID string) int
	OpenConversation(conversationID string) (*engine.Session, error)
	Session(conversationID string) (*engine.Session, bool)
	Subscribe(fn func(models.Notice)) func()
}

// Handler serves the bridge routes.
type Handler struct {
	engine Engine
	logger *zap.Logger
}

func NewHandler(e Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{engine: e, logger: logger}
}

// SendMessageRequest is the body of POST /messages. Exactly one of Content,
// Attachment or File drives the kind of send.
type SendMessageRequest struct {
	ChatID     string             `json:"chatId" binding:"required"`
	Content    string             `json:"content"`
	ReplyToID  string             `json:"replyToId,omitempty"`
	Kind       models.Kind        `json:"kind,omitempty"`
	Attachment *models.Attachment `json:"attachment,omitempty"`
	File       *models.LocalFile  `json:"file,omitempty"`
}

type unreadRequest struct {
	Count *int `json:"count" binding:"required"`
}

type flagRequest struct {
	Value *bool `json:"value" binding:"required"`
}

type keystrokeRequest struct {
	Text string `json:"text"`
}

// PostMessage handles POST /messages.
func (h *Handler) PostMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request data", "details": err.Error()})
		return
	}

	ctx := c.Request.Context()
	var msg models.Message
	var err error
	switch {
	case req.File != nil:
		// The upload outlives the request so CancelUpload can reach it.
		ctx = context.WithoutCancel(ctx)
		msg, err = h.engine.SendFile(ctx, req.ChatID, req.Content, *req.File, req.ReplyToID)
	case req.Attachment != nil:
		msg, err = h.engine.SendMessageWithAttachment(ctx, req.ChatID, req.Content, *req.Attachment, req.Kind, req.ReplyToID)
	default:
		if s, ok := h.engine.Session(req.ChatID); ok {
			msg, err = s.SendMessage(ctx, req.Content, req.ReplyToID)
		} else {
			msg, err = h.engine.SendMessage(ctx, req.ChatID, req.Content, req.ReplyToID)
		}
	}
	if err != nil {
		h.fail(c, "PostMessage", err, &msg)
		return
	}
	status := http.StatusCreated
	if msg.SendState == models.StateQueued {
		status = http.StatusAccepted
	}
	c.JSON(status, msg)
}

// RetryMessage handles POST /messages/:key/retry.
func (h *Handler) RetryMessage(c *gin.Context) {
	msg, err := h.engine.RetryMessage(c.Request.Context(), c.Param("key"))
	h.reply(c, "RetryMessage", msg, err)
}

// RemoveMessage handles DELETE /messages/:key/local.
func (h *Handler) RemoveMessage(c *gin.Context) {
	msg, err := h.engine.RemoveMessage(c.Request.Context(), c.Param("key"))
	h.reply(c, "RemoveMessage", msg, err)
}

// CancelUpload handles POST /messages/:key/cancel-upload.
func (h *Handler) CancelUpload(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cancelled": h.engine.CancelUpload(c.Request.Context(), c.Param("key"))})
}

// DrainQueue handles POST /queue/drain.
func (h *Handler) DrainQueue(c *gin.Context) {
	res, err := h.engine.ProcessOfflineQueue(c.Request.Context())
	if err != nil {
		h.fail(c, "DrainQueue", err, nil)
		return
	}
	c.JSON(http.StatusOK, res)
}

// EditMessage handles PATCH /messages/:key.
func (h *Handler) EditMessage(c *gin.Context) {
	var req models.EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request data", "details": err.Error()})
		return
	}
	msg, err := h.engine.EditMessage(c.Request.Context(), c.Param("key"), req.Content)
	h.reply(c, "EditMessage", msg, err)
}

// DeleteMessage handles DELETE /messages/:key.
func (h *Handler) DeleteMessage(c *gin.Context) {
	msg, err := h.engine.DeleteMessage(c.Request.Context(), c.Param("key"))
	h.reply(c, "DeleteMessage", msg, err)
}

// React handles POST /messages/:key/reactions.
func (h *Handler) React(c *gin.Context) {
	var req models.ReactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request data", "details": err.Error()})
		return
	}
	msg, err := h.engine.React(c.Request.Context(), c.Param("key"), req.Emoji)
	h.reply(c, "React", msg, err)
}

// SetPinned handles PUT and DELETE /messages/:key/pin.
func (h *Handler) SetPinned(c *gin.Context) {
	msg, err := h.engine.SetPinned(c.Request.Context(), c.Param("key"), c.Request.Method == http.MethodPut)
	h.reply(c, "SetPinned", msg, err)
}

// SetStarred handles PUT and DELETE /messages/:key/star.
func (h *Handler) SetStarred(c *gin.Context) {
	msg, err := h.engine.SetStarred(c.Request.Context(), c.Param("key"), c.Request.Method == http.MethodPut)
	h.reply(c, "SetStarred", msg, err)
}

// Forward handles POST /messages/:key/forward.
func (h *Handler) Forward(c *gin.Context) {
	var req models.ForwardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request data", "details": err.Error()})
		return
	}
	msg, err := h.engine.Forward(c.Request.Context(), c.Param("key"), req.TargetChatID)
	h.reply(c, "Forward", msg, err)
}

// GetMessages handles GET /chats/:id/messages.
func (h *Handler) GetMessages(c *gin.Context) {
	msgs := h.engine.Messages(c.Param("id"))
	if msgs == nil {
		msgs = make([]models.Message, 0)
	}
	c.JSON(http.StatusOK, msgs)
}

// LoadHistory handles POST /chats/:id/history?limit=<int>&offset=<int>.
func (h *Handler) LoadHistory(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 200 {
		limit = 50
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	msgs, err := h.engine.LoadHistory(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		h.logger.Warn("Bridge (LoadHistory): failed", zap.String("chat_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to retrieve messages"})
		return
	}
	if msgs == nil {
		msgs = make([]models.Message, 0)
	}
	c.JSON(http.StatusOK, msgs)
}

// GetTyping handles GET /chats/:id/typing.
func (h *Handler) GetTyping(c *gin.Context) {
	users := h.engine.TypingUsers(c.Param("id"))
	if users == nil {
		users = make([]models.TypingUser, 0)
	}
	c.JSON(http.StatusOK, users)
}

// GetUnread handles GET /chats/:id/unread.
func (h *Handler) GetUnread(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"chatId": c.Param("id"), "count": h.engine.Unread(c.Param("id"))})
}

// PutUnread handles PUT /chats/:id/unread.
func (h *Handler) PutUnread(c *gin.Context) {
	var req unreadRequest
	if err := c.ShouldBindJSON(&req); err != nil || *req.Count < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "count must be a non-negative integer"})
		return
	}
	h.engine.SetUnread(c.Param("id"), *req.Count)
	c.JSON(http.StatusOK, gin.H{"chatId": c.Param("id"), "count": *req.Count})
}

// OpenConversation handles POST /chats/:id/session.
func (h *Handler) OpenConversation(c *gin.Context) {
	if _, err := h.engine.OpenConversation(c.Param("id")); err != nil {
		h.fail(c, "OpenConversation", err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chatId": c.Param("id"), "unread": h.engine.Unread(c.Param("id"))})
}

// CloseConversation handles DELETE /chats/:id/session.
func (h *Handler) CloseConversation(c *gin.Context) {
	if s, ok := h.engine.Session(c.Param("id")); ok {
		s.Close()
	}
	c.Status(http.StatusNoContent)
}

// ForgetConversation handles DELETE /chats/:id.
func (h *Handler) ForgetConversation(c *gin.Context) {
	n := h.engine.ForgetConversation(c.Request.Context(), c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

// Interact handles POST /chats/:id/session/interact.
func (h *Handler) Interact(c *gin.Context) {
	h.withSession(c, func(s *engine.Session) { s.Interact() })
}

// SetVisible handles PUT /chats/:id/session/visible.
func (h *Handler) SetVisible(c *gin.Context) {
	h.withFlag(c, func(s *engine.Session, v bool) { s.SetVisible(v) })
}

// SetForeground handles PUT /chats/:id/session/foreground.
func (h *Handler) SetForeground(c *gin.Context) {
	h.withFlag(c, func(s *engine.Session, v bool) { s.SetForeground(v) })
}

// Keystroke handles POST /chats/:id/session/keystroke.
func (h *Handler) Keystroke(c *gin.Context) {
	var req keystrokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request data", "details": err.Error()})
		return
	}
	h.withSession(c, func(s *engine.Session) { s.Keystroke(req.Text) })
}

// SetRecording handles PUT /chats/:id/session/recording.
func (h *Handler) SetRecording(c *gin.Context) {
	h.withFlag(c, func(s *engine.Session, v bool) {
		if v {
			s.StartRecording()
		} else {
			s.StopRecording()
		}
	})
}

// Status handles GET /api/v1/status.
func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"online":           h.engine.Online(),
		"channelConnected": h.engine.ChannelConnected(),
		"queueLength":      h.engine.QueueLength(),
	})
}

func (h *Handler) withSession(c *gin.Context, fn func(*engine.Session)) {
	s, ok := h.engine.Session(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation is not open"})
		return
	}
	fn(s)
	c.Status(http.StatusNoContent)
}

func (h *Handler) withFlag(c *gin.Context, fn func(*engine.Session, bool)) {
	var req flagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request data", "details": err.Error()})
		return
	}
	h.withSession(c, func(s *engine.Session) { fn(s, *req.Value) })
}

func (h *Handler) reply(c *gin.Context, op string, msg models.Message, err error) {
	if err != nil {
		h.fail(c, op, err, &msg)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// fail maps engine errors onto status codes. A message the engine kept
// (for example a failed send) is returned alongside the error.
func (h *Handler) fail(c *gin.Context, op string, err error, msg *models.Message) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("Bridge: request failed", zap.String("op", op), zap.Error(err))
	}
	body := gin.H{"error": err.Error()}
	if msg != nil && msg.Key() != "" {
		body["message"] = msg
	}
	c.JSON(status, body)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrInvalidAttachment):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrNotRetriable), errors.Is(err, chat.ErrNotConfirmed),
		errors.Is(err, chat.ErrAlreadySending), errors.Is(err, chat.ErrDrainInProgress),
		errors.Is(err, chat.ErrUploadCancelled):
		return http.StatusConflict
	case errors.Is(err, chat.ErrSendFailed), errors.Is(err, chat.ErrMutationFailed):
		return http.StatusBadGateway
	case errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
