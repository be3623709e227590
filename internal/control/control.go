package control

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chat-client/internal/attachments"
	"chat-client/internal/directory"
	"chat-client/internal/history"
	"chat-client/internal/models"
	"chat-client/internal/presence"
	"chat-client/internal/receipts"
	"chat-client/internal/syncer"
)

// ConnStater reports the transport connection state.
type ConnStater interface {
	State() models.ConnState
}

// Handlers is the local control surface of the client daemon: a small
// HTTP bridge onto the sync components for tooling and debugging.
type Handlers struct {
	sync     *syncer.Synchronizer
	dir      *directory.Directory
	presence *presence.Tracker
	receipts *receipts.Tracker
	uploader attachments.Uploader
	conn     ConnStater
	pageSize int
}

// New builds the control handlers.
func New(sync *syncer.Synchronizer, dir *directory.Directory, pres *presence.Tracker, rec *receipts.Tracker, uploader attachments.Uploader, conn ConnStater, pageSize int) *Handlers {
	if pageSize <= 0 {
		pageSize = 30
	}
	return &Handlers{
		sync:     sync,
		dir:      dir,
		presence: pres,
		receipts: rec,
		uploader: uploader,
		conn:     conn,
		pageSize: pageSize,
	}
}

// Register wires the control routes.
func (h *Handlers) Register(router *gin.Engine) {
	router.GET("/healthz", h.Health)
	router.GET("/conversations", h.ListConversations)
	router.POST("/conversations/open", h.OpenConversation)
	router.DELETE("/conversations/:id", h.DeleteConversation)
	router.GET("/conversations/:id/messages", h.GetMessages)
	router.POST("/conversations/:id/messages", h.PostMessage)
	router.POST("/conversations/:id/attachments", h.UploadAttachment)
	router.POST("/conversations/:id/seen", h.MarkSeen)
	router.POST("/presence/:user_id", h.TrackPresence)
	router.DELETE("/presence/:user_id", h.UntrackPresence)
}

// Health reports liveness and the transport state.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "connection": h.conn.State().String()})
}

// ListConversations refreshes one directory page and returns the merged
// ordered snapshot.
func (h *Handlers) ListConversations(c *gin.Context) {
	page := intQuery(c, "page", 1)
	limit := intQuery(c, "limit", h.pageSize)

	if _, err := h.dir.List(c.Request.Context(), page, limit); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to load conversations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": h.dir.Snapshot()})
}

// OpenConversation opens a conversation for a counterpart context id.
func (h *Handlers) OpenConversation(c *gin.Context) {
	var req struct {
		ContextID string `json:"context_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conversationID, err := h.dir.Open(c.Request.Context(), req.ContextID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to open conversation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": conversationID})
}

// DeleteConversation deletes server-side first; the local entry and its
// message sequence go away only on confirmation.
func (h *Handlers) DeleteConversation(c *gin.Context) {
	conversationID := c.Param("id")
	if err := h.dir.Delete(c.Request.Context(), conversationID); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, history.ErrDeleteFailed) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": "could not delete conversation"})
		return
	}
	h.sync.Forget(conversationID)
	c.Status(http.StatusNoContent)
}

// GetMessages returns the reconciled sequence, loading history on first
// access. Viewing a conversation marks it seen.
func (h *Handlers) GetMessages(c *gin.Context) {
	conversationID := c.Param("id")

	state, _ := h.sync.StateOf(conversationID)
	if state == syncer.StateUninitialized {
		if err := h.sync.LoadHistory(c.Request.Context(), conversationID); err != nil {
			// Degraded: keep whatever is known and let the caller retry.
			state, historyErr := h.sync.StateOf(conversationID)
			c.JSON(http.StatusOK, gin.H{
				"messages":      h.sync.Messages(conversationID),
				"state":         stateName(state),
				"history_error": historyErr,
			})
			return
		}
	}

	_ = h.receipts.MarkSeen(conversationID)
	h.dir.MarkRead(conversationID)

	state, historyErr := h.sync.StateOf(conversationID)
	c.JSON(http.StatusOK, gin.H{
		"messages":      h.sync.Messages(conversationID),
		"state":         stateName(state),
		"history_error": historyErr,
	})
}

// PostMessage performs an optimistic send.
func (h *Handlers) PostMessage(c *gin.Context) {
	conversationID := c.Param("id")

	var req struct {
		Message     string              `json:"message"`
		Attachments []models.Attachment `json:"attachments"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Message == "" && len(req.Attachments) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty message"})
		return
	}

	msg, err := h.sync.SendMessage(conversationID, req.Message, req.Attachments)
	if err != nil {
		// The optimistic message stays visible, marked failed.
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "connection unavailable", "message": msg})
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// UploadAttachment validates and uploads one file, returning its path
// reference for a subsequent send.
func (h *Handlers) UploadAttachment(c *gin.Context) {
	conversationID := c.Param("id")

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}

	ref, err := h.uploader.Upload(c.Request.Context(), conversationID, header.Filename, data)
	if err != nil {
		var invalid *attachments.InvalidAttachment
		if errors.As(err, &invalid) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": invalid.Reason})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "upload failed"})
		return
	}
	c.JSON(http.StatusCreated, ref)
}

// MarkSeen emits a seen signal for the conversation.
func (h *Handlers) MarkSeen(c *gin.Context) {
	conversationID := c.Param("id")
	if err := h.receipts.MarkSeen(conversationID); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "connection unavailable"})
		return
	}
	h.dir.MarkRead(conversationID)
	c.Status(http.StatusNoContent)
}

// TrackPresence starts presence tracking for a counterpart.
func (h *Handlers) TrackPresence(c *gin.Context) {
	if err := h.presence.Track(c.Param("user_id")); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "connection unavailable"})
		return
	}
	c.Status(http.StatusNoContent)
}

// UntrackPresence stops presence tracking for a counterpart.
func (h *Handlers) UntrackPresence(c *gin.Context) {
	h.presence.Untrack(c.Param("user_id"))
	c.Status(http.StatusNoContent)
}

func intQuery(c *gin.Context, key string, fallback int) int {
	val := c.Query(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func stateName(state syncer.ConvState) string {
	switch state {
	case syncer.StateLoading:
		return "loading"
	case syncer.StateReady:
		return "ready"
	default:
		return "uninitialized"
	}
}
