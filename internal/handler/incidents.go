package handler

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *Handler) historyEnabled(c *gin.Context) bool {
	if h.incidents == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "incident history is disabled"})
		return false
	}
	return true
}

// ListIncidents returns raised alerts, newest first
func (h *Handler) ListIncidents(c *gin.Context) {
	if !h.historyEnabled(c) {
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
		return
	}

	incidents, err := h.incidents.List(c.Request.Context(), limit, offset)
	if err != nil {
		h.fail(c, err, "failed to get incidents")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"incidents": incidents,
		"total":     len(incidents),
		"limit":     limit,
		"offset":    offset,
	})
}

// GetIncidentStats returns incident statistics
func (h *Handler) GetIncidentStats(c *gin.Context) {
	if !h.historyEnabled(c) {
		return
	}
	stats, err := h.incidents.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err, "failed to get stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ClearIncidents wipes the history
func (h *Handler) ClearIncidents(c *gin.Context) {
	if !h.historyEnabled(c) {
		return
	}
	n, err := h.incidents.Clear(c.Request.Context())
	if err != nil {
		h.fail(c, err, "failed to clear incidents")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

// ExportCSV exports incidents to CSV
func (h *Handler) ExportCSV(c *gin.Context) {
	if !h.historyEnabled(c) {
		return
	}
	incidents, err := h.incidents.List(c.Request.Context(), 0, 0)
	if err != nil {
		h.logger.Error("Failed to export CSV", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment; filename=incidents.csv")

	writer := csv.NewWriter(c.Writer)
	defer writer.Flush()

	writer.Write([]string{"detected_at", "session_id", "seq", "risk_level", "score", "threat_type", "deepfake_suspected", "advice"})
	for _, inc := range incidents {
		writer.Write([]string{
			inc.DetectedAt.UTC().Format(time.RFC3339),
			inc.SessionID,
			strconv.FormatInt(inc.Seq, 10),
			string(inc.RiskLevel),
			strconv.Itoa(inc.Score),
			string(inc.ThreatType),
			strconv.FormatBool(inc.DeepfakeSuspected),
			inc.Advice,
		})
	}
}

// ExportJSON exports incidents to JSON
func (h *Handler) ExportJSON(c *gin.Context) {
	if !h.historyEnabled(c) {
		return
	}
	incidents, err := h.incidents.List(c.Request.Context(), 0, 0)
	if err != nil {
		h.logger.Error("Failed to export JSON", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
		return
	}

	c.Header("Content-Type", "application/json")
	c.Header("Content-Disposition", "attachment; filename=incidents.json")

	encoder := json.NewEncoder(c.Writer)
	encoder.SetIndent("", "  ")
	encoder.Encode(incidents)
}
