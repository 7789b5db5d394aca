package handler

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/choraleia/tutorchat/pkg/models"
	"github.com/choraleia/tutorchat/pkg/service"
	"github.com/gin-gonic/gin"
)

// FeedbackHandler serves ratings, saved prompts and data administration.
type FeedbackHandler struct {
	chatService *service.ChatService
}

func NewFeedbackHandler(chatService *service.ChatService) *FeedbackHandler {
	return &FeedbackHandler{chatService: chatService}
}

func (h *FeedbackHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sessions/:sid/feedback", h.Rate)

	r.GET("/feedback/recent", h.Recent)
	r.GET("/feedback/summary", h.Summary)
	r.GET("/feedback/export", h.Export)
	r.GET("/database/export", h.ExportDatabase)

	r.GET("/prompts", h.ListPrompts)
	r.POST("/prompts", h.SavePrompt)
	r.DELETE("/prompts/:name", h.DeletePrompt)

	danger := r.Group("/sessions/:sid/danger/:action")
	{
		danger.POST("/arm", h.Arm)
		danger.POST("/confirm", h.Confirm)
		danger.POST("/cancel", h.Cancel)
	}
}

func (h *FeedbackHandler) session(c *gin.Context) (*service.Session, bool) {
	sess, err := h.chatService.Session(c.Param("sid"))
	if err != nil {
		failErr(c, err)
		return nil, false
	}
	return sess, true
}

// Rate stores a thumbs or stars rating for a message of the active conversation
// POST /api/sessions/:sid/feedback
func (h *FeedbackHandler) Rate(c *gin.Context) {
	sess, found := h.session(c)
	if !found {
		return
	}
	var req models.RateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	in := service.RateRequest{MessageIndex: req.MessageIndex, RatingType: req.RatingType, RatingValue: req.RatingValue}
	if req.Reason != nil {
		in.Reason = *req.Reason
	}
	fb, err := h.chatService.Rate(c.Request.Context(), sess, in)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.Response{Code: 0, Message: "ok", Data: fb})
}

// GET /api/feedback/recent?limit=n
func (h *FeedbackHandler) Recent(c *gin.Context) {
	items, err := h.chatService.RecentFeedback(c.Request.Context(), queryLimit(c, 10))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, items)
}

// GET /api/feedback/summary
func (h *FeedbackHandler) Summary(c *gin.Context) {
	summary, err := h.chatService.FeedbackSummary(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, summary)
}

// Export downloads every rating
// GET /api/feedback/export?format=json|csv
func (h *FeedbackHandler) Export(c *gin.Context) {
	format := strings.ToLower(c.DefaultQuery("format", "json"))
	out, err := h.chatService.ExportFeedback(c.Request.Context(), format)
	if err != nil {
		failErr(c, err)
		return
	}
	contentType := "application/json"
	if format == "csv" {
		contentType = "text/csv"
	}
	attachment(c, "feedback", format)
	c.Data(http.StatusOK, contentType, out)
}

// ExportDatabase downloads a copy of the SQLite file
// GET /api/database/export
func (h *FeedbackHandler) ExportDatabase(c *gin.Context) {
	out, err := h.chatService.ExportDatabase(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	attachment(c, "feedback", "db")
	c.Data(http.StatusOK, "application/octet-stream", out)
}

func attachment(c *gin.Context, prefix, ext string) {
	name := fmt.Sprintf("%s_%s.%s", prefix, time.Now().Format("2006-01-02_15-04-05"), ext)
	c.Header("Content-Disposition", "attachment; filename="+name)
}

// GET /api/prompts
func (h *FeedbackHandler) ListPrompts(c *gin.Context) {
	prompts, err := h.chatService.ListPrompts(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, prompts)
}

// SavePrompt creates or replaces a named prompt
// POST /api/prompts
func (h *FeedbackHandler) SavePrompt(c *gin.Context) {
	var req models.SavePromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := h.chatService.SavePrompt(c.Request.Context(), req.Name, req.Content, req.Description); err != nil {
		failErr(c, err)
		return
	}
	ok(c, nil)
}

// DELETE /api/prompts/:name
func (h *FeedbackHandler) DeletePrompt(c *gin.Context) {
	if err := h.chatService.DeletePrompt(c.Request.Context(), c.Param("name")); err != nil {
		failErr(c, err)
		return
	}
	ok(c, nil)
}

// Arm is the first step of a destructive action
// POST /api/sessions/:sid/danger/:action/arm
func (h *FeedbackHandler) Arm(c *gin.Context) {
	sess, found := h.session(c)
	if !found {
		return
	}
	if err := h.chatService.ArmDangerousAction(sess, c.Param("action")); err != nil {
		failErr(c, err)
		return
	}
	ok(c, gin.H{"armed": c.Param("action"), "phrase": service.ConfirmPhrase})
}

// Confirm runs the armed action when the phrase matches
// POST /api/sessions/:sid/danger/:action/confirm
func (h *FeedbackHandler) Confirm(c *gin.Context) {
	sess, found := h.session(c)
	if !found {
		return
	}
	var req models.ConfirmActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := h.chatService.ConfirmDangerousAction(c.Request.Context(), sess, c.Param("action"), req.Phrase); err != nil {
		failErr(c, err)
		return
	}
	ok(c, sess.Info())
}

// POST /api/sessions/:sid/danger/:action/cancel
func (h *FeedbackHandler) Cancel(c *gin.Context) {
	sess, found := h.session(c)
	if !found {
		return
	}
	h.chatService.CancelDangerousAction(sess)
	ok(c, nil)
}
