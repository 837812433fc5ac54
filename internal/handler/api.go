package handler

import (
	"errors"
	"io"
	"net/http"

	"trustlink/internal/alert"
	"trustlink/internal/capture"
	"trustlink/internal/models"
	"trustlink/internal/repository"
	"trustlink/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxUploadBytes bounds one-off analysis uploads.
const maxUploadBytes = 10 << 20

// ProviderLister reports configured oracle providers
type ProviderLister interface {
	GetProvidersInfo() []map[string]interface{}
}

// Handler handles HTTP requests
type Handler struct {
	guardian  *service.Guardian
	contacts  *repository.ContactRepository
	incidents *repository.IncidentRepository
	providers ProviderLister
	logger    *zap.Logger
}

// NewHandler creates a new API handler. incidents and providers may be nil.
func NewHandler(
	guardian *service.Guardian,
	contacts *repository.ContactRepository,
	incidents *repository.IncidentRepository,
	providers ProviderLister,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		guardian:  guardian,
		contacts:  contacts,
		incidents: incidents,
		providers: providers,
		logger:    logger,
	}
}

// RegisterRoutes registers all API routes. auth, if set, guards /api/v1.
func (h *Handler) RegisterRoutes(r *gin.Engine, auth gin.HandlerFunc) {
	api := r.Group("/api/v1")
	if auth != nil {
		api.Use(auth)
	}
	{
		// Monitoring session
		api.POST("/session/start", h.StartSession)
		api.POST("/session/stop", h.StopSession)
		api.GET("/session", h.GetSession)

		// Alert flow
		api.GET("/alert", h.GetAlert)
		api.GET("/alert/events", h.AlertEvents)
		api.POST("/alert/verify", h.RequestVerification)
		api.POST("/alert/identity", h.ChooseIdentity)
		api.POST("/alert/retry", h.Retry)
		api.POST("/alert/dismiss", h.Dismiss)
		api.POST("/alert/call", h.CallContact)

		// One-off analysis
		api.POST("/analyze", h.Analyze)

		// Family directory
		api.GET("/contacts", h.ListContacts)
		api.POST("/contacts", h.CreateContact)
		api.GET("/contacts/:id", h.GetContact)
		api.PUT("/contacts/:id", h.UpdateContact)
		api.DELETE("/contacts/:id", h.DeleteContact)
		api.POST("/contacts/:id/voice-profile", h.SetVoiceProfile)
		api.POST("/contacts/:id/dial", h.QuickDial)
		api.POST("/sos", h.SOS)

		// Incident history
		api.GET("/incidents", h.ListIncidents)
		api.GET("/incidents/stats", h.GetIncidentStats)
		api.DELETE("/incidents", h.ClearIncidents)
		api.GET("/export/csv", h.ExportCSV)
		api.GET("/export/json", h.ExportJSON)

		api.GET("/providers", h.ListProviders)
	}

	// Health check
	r.GET("/health", h.HealthCheck)
}

// fail maps domain errors to status codes.
func (h *Handler) fail(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, models.ErrContactNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, alert.ErrIllegalTransition), errors.Is(err, capture.ErrDeviceUnavailable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error(msg, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

// Analyze classifies one uploaded recording, as multipart "audio" or a
// raw body. It never raises an alert.
func (h *Handler) Analyze(c *gin.Context) {
	var (
		audio    []byte
		mimeType = c.ContentType()
		err      error
	)

	if file, header, ferr := c.Request.FormFile("audio"); ferr == nil {
		defer file.Close()
		audio, err = io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
		mimeType = header.Header.Get("Content-Type")
	} else {
		audio, err = io.ReadAll(io.LimitReader(c.Request.Body, maxUploadBytes+1))
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read audio"})
		return
	}
	if len(audio) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "audio is required"})
		return
	}
	if len(audio) > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "audio too large"})
		return
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(audio)
	}

	analysis, degraded := h.guardian.AnalyzeOnce(c.Request.Context(), audio, mimeType)
	c.JSON(http.StatusOK, gin.H{
		"analysis":  analysis,
		"qualifies": analysis.Qualifies(),
		"headline":  analysis.ThreatType.Headline(),
		"degraded":  degraded,
	})
}

// ListProviders returns oracle provider info
func (h *Handler) ListProviders(c *gin.Context) {
	if h.providers == nil {
		c.JSON(http.StatusOK, gin.H{"providers": []interface{}{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"providers": h.providers.GetProvidersInfo()})
}

// HealthCheck returns service health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"service":    "trustlink",
		"version":    "1.0.0",
		"monitoring": h.guardian.Status().Monitoring,
	})
}
