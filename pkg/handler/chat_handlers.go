// Chat HTTP handlers - sessions, turns and per-session views
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/choraleia/tutorchat/pkg/models"
	"github.com/choraleia/tutorchat/pkg/service"
	"github.com/gin-gonic/gin"
)

// ChatHandler handles chat-related HTTP requests
type ChatHandler struct {
	chatService *service.ChatService
}

// NewChatHandler creates a new chat handler
func NewChatHandler(chatService *service.ChatService) *ChatHandler {
	return &ChatHandler{chatService: chatService}
}

// RegisterRoutes registers chat routes
func (h *ChatHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/models", h.ListModels)

	r.POST("/sessions", h.CreateSession)
	sessions := r.Group("/sessions/:sid")
	{
		sessions.GET("", h.GetSession)
		sessions.DELETE("", h.EndSession)
		sessions.PUT("/settings", h.UpdateSettings)

		sessions.GET("/messages", h.GetMessages)
		sessions.POST("/messages", h.SendMessage)
		sessions.POST("/tips", h.GetTips)
		sessions.POST("/abort", h.Abort)
		sessions.POST("/clear", h.Clear)

		sessions.GET("/debug", h.GetDebug)
		sessions.GET("/export", h.ExportTranscript)

		sessions.POST("/conversations", h.NewConversation)
		sessions.PUT("/conversations/:id", h.LoadConversation)
	}

	conversations := r.Group("/conversations")
	{
		conversations.GET("", h.ListConversations)
		conversations.DELETE("/:id", h.DeleteConversation)
	}
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, models.Response{Code: 0, Message: "ok", Data: data})
}

func fail(c *gin.Context, status int, err error) {
	c.JSON(status, models.Response{Code: status, Message: err.Error()})
}

// failErr picks the status for a service error.
func failErr(c *gin.Context, err error) {
	fail(c, statusFor(err), err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, service.ErrConversationNotFound),
		errors.Is(err, service.ErrPromptNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrRequestInFlight),
		errors.Is(err, service.ErrAlreadyRated):
		return http.StatusConflict
	case errors.Is(err, service.ErrDangerousActionsDisabled),
		errors.Is(err, service.ErrConfirmationNotArmed),
		errors.Is(err, service.ErrConfirmationMismatch):
		return http.StatusForbidden
	case errors.Is(err, service.ErrEmptyMessage),
		errors.Is(err, service.ErrInvalidRating),
		errors.Is(err, service.ErrUnknownFormat),
		errors.Is(err, service.ErrInvalidPrompt),
		errors.Is(err, service.ErrUnknownAction),
		errors.Is(err, service.ErrMessageIndexOutOfRange):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// session resolves :sid, writing a 404 when it is unknown.
func (h *ChatHandler) session(c *gin.Context) (*service.Session, bool) {
	sess, err := h.chatService.Session(c.Param("sid"))
	if err != nil {
		failErr(c, err)
		return nil, false
	}
	return sess, true
}

func queryLimit(c *gin.Context, def int) int {
	limit := def
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	return limit
}

// ListModels returns the selectable model names
// GET /api/models
func (h *ChatHandler) ListModels(c *gin.Context) {
	ok(c, h.chatService.AvailableModels())
}

type createSessionRequest struct {
	ConversationID string `json:"conversation_id"`
}

// CreateSession starts a session, optionally on a stored conversation
// POST /api/sessions
func (h *ChatHandler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, err)
			return
		}
	}
	sess, err := h.chatService.StartSession(c.Request.Context(), req.ConversationID)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.Response{Code: 0, Message: "ok", Data: sess.Info()})
}

// GET /api/sessions/:sid
func (h *ChatHandler) GetSession(c *gin.Context) {
	if sess, found := h.session(c); found {
		ok(c, sess.Info())
	}
}

// DELETE /api/sessions/:sid
func (h *ChatHandler) EndSession(c *gin.Context) {
	if err := h.chatService.EndSession(c.Param("sid")); err != nil {
		failErr(c, err)
		return
	}
	ok(c, nil)
}

// UpdateSettings changes model, temperature, subject, difficulty, mode or
// the selected saved prompt
// PUT /api/sessions/:sid/settings
func (h *ChatHandler) UpdateSettings(c *gin.Context) {
	sess, found := h.session(c)
	if !found {
		return
	}
	var req models.UpdateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	ok(c, h.chatService.UpdateSettings(sess, req))
}

// GET /api/sessions/:sid/messages
func (h *ChatHandler) GetMessages(c *gin.Context) {
	if sess, found := h.session(c); found {
		ok(c, sess.Memory.Messages())
	}
}

// SendMessage runs one turn. With stream=true the answer is sent as SSE
// token events followed by a done event carrying the turn result.
// POST /api/sessions/:sid/messages
func (h *ChatHandler) SendMessage(c *gin.Context) {
	sess, found := h.session(c)
	if !found {
		return
	}
	var req models.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if !req.Stream {
		res, err := h.chatService.SendSync(c.Request.Context(), sess, req.Content)
		if err != nil {
			failErr(c, err)
			return
		}
		ok(c, res)
		return
	}

	sse := newSSEWriter(c)
	res, err := h.chatService.Send(c.Request.Context(), sess, req.Content, sse.token)
	sse.finish(res, err)
}

// GetTips asks for practice exercises for the current subject and level
// POST /api/sessions/:sid/tips
func (h *ChatHandler) GetTips(c *gin.Context) {
	sess, found := h.session(c)
	if !found {
		return
	}
	var req models.TipsRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, err)
			return
		}
	}
	if !req.Stream {
		res, err := h.chatService.GetTips(c.Request.Context(), sess, nil)
		if err != nil {
			failErr(c, err)
			return
		}
		ok(c, res)
		return
	}

	sse := newSSEWriter(c)
	res, err := h.chatService.GetTips(c.Request.Context(), sess, sse.token)
	sse.finish(res, err)
}

// POST /api/sessions/:sid/abort
func (h *ChatHandler) Abort(c *gin.Context) {
	sess, found := h.session(c)
	if !found {
		return
	}
	ok(c, gin.H{"aborted": h.chatService.Abort(sess)})
}

// POST /api/sessions/:sid/clear
func (h *ChatHandler) Clear(c *gin.Context) {
	sess, found := h.session(c)
	if !found {
		return
	}
	if err := h.chatService.Clear(c.Request.Context(), sess); err != nil {
		failErr(c, err)
		return
	}
	ok(c, nil)
}

// GET /api/sessions/:sid/debug?limit=n
func (h *ChatHandler) GetDebug(c *gin.Context) {
	sess, found := h.session(c)
	if !found {
		return
	}
	ok(c, h.chatService.LatestDebug(sess, queryLimit(c, 10)))
}

// ExportTranscript downloads the session's messages
// GET /api/sessions/:sid/export?format=json|txt
func (h *ChatHandler) ExportTranscript(c *gin.Context) {
	sess, found := h.session(c)
	if !found {
		return
	}
	format := c.DefaultQuery("format", service.TranscriptJSON)
	out, err := h.chatService.ExportTranscript(sess, format)
	if err != nil {
		failErr(c, err)
		return
	}
	contentType := "application/json"
	if format == service.TranscriptText {
		contentType = "text/plain; charset=utf-8"
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=chat_%s.%s", sess.ConversationID(), format))
	c.Data(http.StatusOK, contentType, []byte(out))
}

// POST /api/sessions/:sid/conversations
func (h *ChatHandler) NewConversation(c *gin.Context) {
	sess, found := h.session(c)
	if !found {
		return
	}
	id, err := h.chatService.NewConversation(sess)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, gin.H{"conversation_id": id})
}

// PUT /api/sessions/:sid/conversations/:id
func (h *ChatHandler) LoadConversation(c *gin.Context) {
	sess, found := h.session(c)
	if !found {
		return
	}
	if _, err := h.chatService.LoadConversation(c.Request.Context(), sess, c.Param("id")); err != nil {
		failErr(c, err)
		return
	}
	ok(c, sess.Info())
}

// GET /api/conversations
func (h *ChatHandler) ListConversations(c *gin.Context) {
	convs, err := h.chatService.ListConversations(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, convs)
}

// DeleteConversation removes a conversation with its messages and feedback
// DELETE /api/conversations/:id
func (h *ChatHandler) DeleteConversation(c *gin.Context) {
	if err := h.chatService.DeleteConversation(c.Request.Context(), c.Param("id")); err != nil {
		failErr(c, err)
		return
	}
	ok(c, nil)
}

// sseEvent is one "data:" line of a streamed turn.
type sseEvent struct {
	Type   string             `json:"type"`
	Text   string             `json:"text,omitempty"`
	Error  string             `json:"error,omitempty"`
	Result *models.TurnResult `json:"result,omitempty"`
}

// sseWriter switches the response to an event stream on first use, so
// failures before the model is called can still be answered as JSON.
type sseWriter struct {
	c       *gin.Context
	started bool
}

func newSSEWriter(c *gin.Context) *sseWriter {
	return &sseWriter{c: c}
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	s.started = true
	s.c.Header("Content-Type", "text/event-stream")
	s.c.Header("Cache-Control", "no-cache")
	s.c.Header("Connection", "keep-alive")
	s.c.Header("X-Accel-Buffering", "no") // Disable nginx buffering
	s.c.Status(http.StatusOK)
}

func (s *sseWriter) write(ev sseEvent) {
	s.start()
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(s.c.Writer, "data: %s\n\n", data)
	s.c.Writer.Flush()
}

func (s *sseWriter) token(text string) {
	s.write(sseEvent{Type: models.StreamEventToken, Text: text})
}

func (s *sseWriter) finish(res *models.TurnResult, err error) {
	if err != nil {
		if !s.started {
			failErr(s.c, err)
			return
		}
		s.write(sseEvent{Type: models.StreamEventError, Error: err.Error()})
		return
	}
	if res.Error != "" {
		s.write(sseEvent{Type: models.StreamEventError, Error: res.Error, Result: res})
	} else {
		s.write(sseEvent{Type: models.StreamEventDone, Result: res})
	}
	fmt.Fprintf(s.c.Writer, "data: [DONE]\n\n")
	s.c.Writer.Flush()
}
