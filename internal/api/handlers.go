package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"neuropulse/internal/auth"
	"neuropulse/internal/conversation"
	"neuropulse/internal/hub"
	"neuropulse/internal/models"
	"neuropulse/internal/notify"
	"neuropulse/internal/offline"
	"neuropulse/internal/render"
	"neuropulse/internal/service/ai"
	"neuropulse/internal/service/assistant"
	"neuropulse/internal/stream"
)

const maxPushBody = 64 << 10

// Deps are the components the routes drive. Renderer may be nil.
type Deps struct {
	Assistant *assistant.Service
	Auth      *auth.Service
	Notify    *notify.Handler
	Offline   *offline.Manager
	Hub       *hub.Hub
	Renderer  *render.Renderer
	Logger    *slog.Logger
}

// Handler wires HTTP routes to the chat, cache and notification services.
type Handler struct {
	assistant *assistant.Service
	auth      *auth.Service
	notify    *notify.Handler
	offline   *offline.Manager
	hub       *hub.Hub
	renderer  *render.Renderer
	logger    *slog.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		assistant: d.Assistant,
		auth:      d.Auth,
		notify:    d.Notify,
		offline:   d.Offline,
		hub:       d.Hub,
		renderer:  d.Renderer,
		logger:    logger,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.GET("/health", h.health)
	api.GET("/models", h.listModels)

	settings := api.Group("/settings")
	settings.GET("", h.getSettings)
	settings.PUT("/api-key", h.setAPIKey)
	settings.DELETE("/api-key", h.clearAPIKey)
	settings.PUT("/model", h.setModel)
	settings.PUT("/theme", h.setTheme)

	convs := api.Group("/conversations")
	convs.GET("", h.listConversations)
	convs.POST("", h.createConversation)
	convs.GET("/:id", h.getConversation)
	convs.PATCH("/:id", h.renameConversation)
	convs.DELETE("/:id", h.deleteConversation)
	convs.POST("/:id/select", h.selectConversation)
	convs.DELETE("/:id/messages", h.clearMessages)
	convs.GET("/:id/export", h.exportConversation)

	authMW := h.auth.Middleware()
	convs.POST("/:id/messages", authMW, h.sendMessage)
	api.POST("/complete", authMW, h.complete)

	api.POST("/push", h.push)
	api.POST("/notifications/:id/click", h.clickNotification)
	api.GET("/offline/status", h.offlineStatus)
	if h.renderer != nil {
		api.GET("/highlight.css", h.highlightCSS)
	}

	router.GET("/ws", func(c *gin.Context) {
		h.hub.ServeWS(c.Writer, c.Request)
	})
	router.NoRoute(h.appShell)
}

// writeError maps service errors onto status codes.
func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	var apiErr *ai.APIError
	switch {
	case errors.Is(err, conversation.ErrNotFound), errors.Is(err, notify.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ai.ErrBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, auth.ErrMissingCredential):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrEmptyCredential),
		errors.Is(err, assistant.ErrUnknownModel),
		errors.Is(err, assistant.ErrInvalidTheme),
		errors.Is(err, conversation.ErrEmptyTitle),
		errors.Is(err, ai.ErrEmptyPrompt):
		return http.StatusBadRequest
	case errors.As(err, &apiErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"cache_version": h.offline.Version(),
		"cache_state":   h.offline.State(),
		"clients":       len(h.hub.MatchAll()),
	})
}

func (h *Handler) listModels(c *gin.Context) {
	c.JSON(http.StatusOK, h.assistant.Catalog())
}

// settings

func (h *Handler) getSettings(c *gin.Context) {
	st, err := h.assistant.Settings(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type apiKeyRequest struct {
	APIKey string `json:"api_key"`
}

func (h *Handler) setAPIKey(c *gin.Context) {
	var req apiKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.assistant.SetAPIKey(c.Request.Context(), req.APIKey); err != nil {
		writeError(c, err)
		return
	}
	h.getSettings(c)
}

func (h *Handler) clearAPIKey(c *gin.Context) {
	if err := h.assistant.ClearAPIKey(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type modelRequest struct {
	Model string `json:"model"`
}

func (h *Handler) setModel(c *gin.Context) {
	var req modelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.assistant.SetModel(c.Request.Context(), req.Model); err != nil {
		writeError(c, err)
		return
	}
	h.getSettings(c)
}

type themeRequest struct {
	Theme string `json:"theme"`
}

func (h *Handler) setTheme(c *gin.Context) {
	var req themeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.assistant.SetTheme(c.Request.Context(), assistant.Theme(req.Theme)); err != nil {
		writeError(c, err)
		return
	}
	h.getSettings(c)
}

// conversations

type conversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func summarize(conv *models.Conversation) conversationSummary {
	return conversationSummary{
		ID:           conv.ID,
		Title:        conv.Title,
		MessageCount: len(conv.Messages),
		CreatedAt:    conv.CreatedAt,
		UpdatedAt:    conv.UpdatedAt,
	}
}

func (h *Handler) listConversations(c *gin.Context) {
	store := h.assistant.Store()
	list := store.List()
	out := make([]conversationSummary, 0, len(list))
	for _, conv := range list {
		out = append(out, summarize(conv))
	}
	c.JSON(http.StatusOK, gin.H{
		"conversations": out,
		"current_id":    store.CurrentID(),
	})
}

func (h *Handler) createConversation(c *gin.Context) {
	conv, err := h.assistant.Store().Create(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (h *Handler) getConversation(c *gin.Context) {
	conv, err := h.assistant.Store().Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

type renameRequest struct {
	Title string `json:"title"`
}

func (h *Handler) renameConversation(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	conv, err := h.assistant.Store().Rename(c.Request.Context(), c.Param("id"), req.Title)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *Handler) selectConversation(c *gin.Context) {
	conv, err := h.assistant.Store().Select(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *Handler) deleteConversation(c *gin.Context) {
	id := c.Param("id")
	if h.assistant.Busy(id) {
		writeError(c, ai.ErrBusy)
		return
	}
	current, err := h.assistant.Store().Delete(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"current": current})
}

func (h *Handler) clearMessages(c *gin.Context) {
	conv, err := h.assistant.Store().ClearMessages(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *Handler) exportConversation(c *gin.Context) {
	doc, err := h.assistant.Store().Export(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+doc.Filename+`"`)
	c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(doc.Content))
}

// chat

type messageRequest struct {
	Content     string   `json:"content"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
}

func (h *Handler) sendMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	convID := c.Param("id")
	if _, err := h.assistant.Store().Get(convID); err != nil {
		writeError(c, err)
		return
	}
	if h.assistant.Busy(convID) {
		writeError(c, ai.ErrBusy)
		return
	}
	apiKey, _ := auth.APIKeyFromContext(c)

	events, err := stream.NewEventWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := events.Send("ack", gin.H{
		"conversation_id": convID,
		"message": models.Message{
			Role:      models.RoleUser,
			Content:   content,
			CreatedAt: time.Now().UTC(),
		},
	}); err != nil {
		return
	}

	onPartial := func(text string) {
		payload := gin.H{"content": text}
		if h.renderer != nil {
			if html, err := h.renderer.Render(text); err == nil {
				payload["html"] = html
			}
		}
		if err := events.Send("stream", payload); err != nil {
			h.logger.Debug("stream event dropped", "conversation", convID, "error", err)
		}
	}
	opts := ai.Options{Model: req.Model, Temperature: req.Temperature, MaxTokens: req.MaxTokens}
	// the client bounds header wait and stream idle time, so a live reply may run long
	ex, err := h.assistant.Send(c.Request.Context(), apiKey, convID, content, opts, onPartial)
	if err != nil {
		payload := gin.H{"message": err.Error()}
		var streamErr *ai.StreamError
		if errors.As(err, &streamErr) && streamErr.Partial != "" {
			payload["partial"] = streamErr.Partial
		}
		_ = events.Send("error", payload)
		return
	}
	_ = events.Send("done", gin.H{
		"conversation_id": ex.Conversation.ID,
		"title":           ex.Conversation.Title,
		"user_message":    ex.UserMessage,
		"ai_message":      ex.AIMessage,
	})
}

type completeRequest struct {
	Prompt string `json:"prompt"`
}

func (h *Handler) complete(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	apiKey, _ := auth.APIKeyFromContext(c)
	suggestion, err := h.assistant.Suggest(c.Request.Context(), apiKey, req.Prompt)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"suggestion": suggestion})
}

// notifications

func (h *Handler) push(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPushBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	n, err := h.notify.HandlePush(c.Request.Context(), raw)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"notification": n})
}

type clickRequest struct {
	Action string `json:"action"`
}

func (h *Handler) clickNotification(c *gin.Context) {
	var req clickRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	res, err := h.notify.HandleClick(c.Request.Context(), c.Param("id"), req.Action)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// offline cache

func (h *Handler) offlineStatus(c *gin.Context) {
	cfg := h.offline.Config()
	c.JSON(http.StatusOK, gin.H{
		"version": cfg.Version,
		"state":   h.offline.State(),
		"assets":  cfg.Assets,
	})
}

func (h *Handler) highlightCSS(c *gin.Context) {
	c.Header("Content-Type", "text/css; charset=utf-8")
	c.Status(http.StatusOK)
	if err := h.renderer.WriteCSS(c.Writer); err != nil {
		h.logger.Warn("write highlight css", "error", err)
	}
}

func (h *Handler) appShell(c *gin.Context) {
	if strings.HasPrefix(c.Request.URL.Path, "/api/") {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	h.offline.ServeHTTP(c.Writer, c.Request)
}
