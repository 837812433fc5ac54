package handler

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type contactBody struct {
	ContactID string `json:"contact_id"`
}

// StartSession begins monitoring
func (h *Handler) StartSession(c *gin.Context) {
	session, err := h.guardian.Start(c.Request.Context())
	if err != nil {
		h.fail(c, err, "failed to start monitoring")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": session,
		"status":     h.guardian.Status(),
	})
}

// StopSession ends monitoring. The current alert, if any, stays up.
func (h *Handler) StopSession(c *gin.Context) {
	h.guardian.Stop()
	c.JSON(http.StatusOK, gin.H{"status": h.guardian.Status()})
}

// GetSession returns monitoring counters
func (h *Handler) GetSession(c *gin.Context) {
	c.JSON(http.StatusOK, h.guardian.Status())
}

// GetAlert returns the current alert snapshot
func (h *Handler) GetAlert(c *gin.Context) {
	c.JSON(http.StatusOK, h.guardian.Machine().Snapshot())
}

// RequestVerification starts the voice password flow
func (h *Handler) RequestVerification(c *gin.Context) {
	snap, err := h.guardian.Machine().RequestVerification(c.Request.Context())
	if err != nil {
		h.fail(c, err, "verification failed")
		return
	}
	c.JSON(http.StatusOK, snap)
}

// ChooseIdentity picks who the caller claims to be. An empty contact_id
// means a stranger.
func (h *Handler) ChooseIdentity(c *gin.Context) {
	var body contactBody
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	snap, err := h.guardian.Machine().ChooseIdentity(c.Request.Context(), body.ContactID)
	if err != nil {
		h.fail(c, err, "failed to choose identity")
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Retry goes back to identity selection
func (h *Handler) Retry(c *gin.Context) {
	snap, err := h.guardian.Machine().Retry()
	if err != nil {
		h.fail(c, err, "retry failed")
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Dismiss resolves the alert as safe
func (h *Handler) Dismiss(c *gin.Context) {
	snap, err := h.guardian.Machine().Dismiss()
	if err != nil {
		h.fail(c, err, "dismiss failed")
		return
	}
	c.JSON(http.StatusOK, snap)
}

// CallContact calls a trusted contact from the alert screen
func (h *Handler) CallContact(c *gin.Context) {
	var body contactBody
	if err := c.ShouldBindJSON(&body); err != nil || body.ContactID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "contact_id is required"})
		return
	}

	snap, err := h.guardian.Machine().CallContact(c.Request.Context(), body.ContactID)
	if err != nil {
		h.fail(c, err, "call failed")
		return
	}
	c.JSON(http.StatusOK, snap)
}

// AlertEvents streams alert snapshots over a websocket until the client
// goes away.
func (h *Handler) AlertEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	snaps, cancel := h.guardian.Machine().Subscribe()
	defer cancel()

	// The reader only notices the client closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case snap := <-snaps:
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				h.logger.Debug("Alert stream closed", zap.Error(err))
				return
			}
			if err := conn.WriteJSON(snap); err != nil {
				h.logger.Debug("Alert stream closed", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
