package http

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"traffic-monitor-service/internal/config"
	"traffic-monitor-service/internal/inference"
	"traffic-monitor-service/internal/media"
	"traffic-monitor-service/internal/notify"
	"traffic-monitor-service/internal/service"
)

type Handler struct {
	session *service.SessionService
	auth    *Authenticator
	hub     *notify.Hub
	config  *config.Config
	log     zerolog.Logger
}

func NewHandler(
	session *service.SessionService,
	auth *Authenticator,
	hub *notify.Hub,
	cfg *config.Config,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		session: session,
		auth:    auth,
		hub:     hub,
		config:  cfg,
		log:     log,
	}
}

type tokenRequest struct {
	Password string `json:"password" binding:"required"`
}

type watchlistRequest struct {
	Text string `json:"text"`
}

type clearRequest struct {
	Confirm bool `json:"confirm"`
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	r.GET("/healthz", h.health)

	// Public endpoints
	public := r.Group("/api/v1")
	{
		public.POST("/auth/token", h.issueToken)
	}

	// Protected endpoints
	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.GET("/session", h.getSession)
		protected.POST("/session/image", h.selectImage)
		protected.GET("/session/preview", h.getPreview)
		protected.PUT("/session/watchlist", h.setWatchlist)
		protected.DELETE("/session/watchlist", h.clearWatchlist)
		protected.POST("/session/process", h.processImage)
		protected.GET("/history", h.listHistory)
		protected.GET("/alerts", h.listAlerts)
		protected.POST("/data/clear", h.clearData)
	}

	if h.hub != nil {
		r.GET("/ws", authMiddleware, h.streamEvents)
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) issueToken(c *gin.Context) {
	if !h.auth.Enabled() {
		c.JSON(http.StatusNotFound, errorResponse("authentication is disabled"))
		return
	}

	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	token, expiresAt, err := h.auth.IssueToken(req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			h.log.Warn().Str("client_ip", c.ClientIP()).Msg("rejected operator login")
			c.JSON(http.StatusUnauthorized, errorResponse(err.Error()))
			return
		}
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) getSession(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(h.session.Snapshot()))
}

func (h *Handler) selectImage(c *gin.Context) {
	limit := h.config.Server.MaxUploadBytes
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

	file, header, err := c.Request.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, errorResponse(fmt.Sprintf("image exceeds %d bytes", limit)))
			return
		}
		c.JSON(http.StatusBadRequest, errorResponse("image file is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("failed to read image"))
		return
	}
	if int64(len(data)) > limit {
		c.JSON(http.StatusRequestEntityTooLarge, errorResponse(fmt.Sprintf("image exceeds %d bytes", limit)))
		return
	}

	img, err := media.Inspect(data, header.Filename)
	if err != nil {
		c.JSON(http.StatusUnsupportedMediaType, errorResponse(err.Error()))
		return
	}

	if err := h.session.SelectImage(img); err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(h.session.Snapshot()))
}

func (h *Handler) getPreview(c *gin.Context) {
	preview, ok := h.session.PreviewImage()
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse("no preview available"))
		return
	}
	c.Data(http.StatusOK, "image/jpeg", preview)
}

func (h *Handler) setWatchlist(c *gin.Context) {
	var req watchlistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	h.session.SetWatchlist(req.Text)
	c.JSON(http.StatusOK, successResponse(h.session.Snapshot()))
}

func (h *Handler) clearWatchlist(c *gin.Context) {
	h.session.ClearWatchlistInput()
	c.JSON(http.StatusOK, successResponse(h.session.Snapshot()))
}

func (h *Handler) processImage(c *gin.Context) {
	result, err := h.session.ProcessSelected(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(result))
}

func (h *Handler) listHistory(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(h.session.History()))
}

func (h *Handler) listAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(h.session.Alerts()))
}

func (h *Handler) clearData(c *gin.Context) {
	var req clearRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
			return
		}
	}

	if err := h.session.ClearAllData(c.Request.Context(), req.Confirm); err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(h.session.Snapshot()))
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrNoImage):
		c.JSON(http.StatusBadRequest, errorResponse(service.NoImageMessage))
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrBusy):
		c.JSON(http.StatusConflict, errorResponse(err.Error()))
	case errors.Is(err, service.ErrConfirmationRequired):
		c.JSON(http.StatusPreconditionRequired, errorResponse(err.Error()))
	case errors.Is(err, inference.ErrNotConfigured):
		c.JSON(http.StatusServiceUnavailable, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse(h.session.Snapshot().Error))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	if message == "" {
		message = "internal error"
	}
	return gin.H{
		"error": message,
	}
}
