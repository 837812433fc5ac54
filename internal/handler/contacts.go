package handler

import (
	"net/http"

	"trustlink/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// contactResponse never carries the secret fact itself.
type contactResponse struct {
	models.Contact
	SecretFact    *string `json:"secret_fact,omitempty"`
	HasSecretFact bool    `json:"has_secret_fact"`
}

func toResponse(c models.Contact) contactResponse {
	return contactResponse{
		Contact:       c,
		HasSecretFact: c.SecretFact != nil,
	}
}

// ListContacts returns the family directory
func (h *Handler) ListContacts(c *gin.Context) {
	contacts, err := h.contacts.ListContacts(c.Request.Context())
	if err != nil {
		h.fail(c, err, "failed to get contacts")
		return
	}

	out := make([]contactResponse, 0, len(contacts))
	for _, ct := range contacts {
		out = append(out, toResponse(ct))
	}
	c.JSON(http.StatusOK, gin.H{
		"contacts": out,
		"total":    len(out),
	})
}

// GetContact returns one contact
func (h *Handler) GetContact(c *gin.Context) {
	contact, err := h.contacts.Lookup(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "failed to get contact")
		return
	}
	c.JSON(http.StatusOK, toResponse(*contact))
}

// CreateContact adds someone to the directory
func (h *Handler) CreateContact(c *gin.Context) {
	var req models.ContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	contact, err := h.contacts.Create(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err, "failed to create contact")
		return
	}
	c.JSON(http.StatusCreated, toResponse(*contact))
}

// UpdateContact replaces a contact. An omitted secret_fact clears it.
func (h *Handler) UpdateContact(c *gin.Context) {
	var req models.ContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	contact, err := h.contacts.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.fail(c, err, "failed to update contact")
		return
	}
	c.JSON(http.StatusOK, toResponse(*contact))
}

// DeleteContact removes a contact
func (h *Handler) DeleteContact(c *gin.Context) {
	if err := h.contacts.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err, "failed to delete contact")
		return
	}
	c.Status(http.StatusNoContent)
}

// SetVoiceProfile marks a contact's voice as enrolled or not
func (h *Handler) SetVoiceProfile(c *gin.Context) {
	var body struct {
		Enrolled *bool `json:"enrolled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	contact, err := h.contacts.SetVoiceProfile(c.Request.Context(), c.Param("id"), *body.Enrolled)
	if err != nil {
		h.fail(c, err, "failed to update voice profile")
		return
	}
	c.JSON(http.StatusOK, toResponse(*contact))
}

// QuickDial calls a contact outside of any alert
func (h *Handler) QuickDial(c *gin.Context) {
	contact, err := h.guardian.QuickDial(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "failed to dial contact")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"contact": toResponse(*contact),
		"status":  "dialing",
	})
}

// SOS notifies the whole family
func (h *Handler) SOS(c *gin.Context) {
	contacts, err := h.guardian.SOS(c.Request.Context())
	if err != nil {
		h.logger.Error("SOS failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{
			"error":    "sos delivery failed",
			"notified": len(contacts),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "sent",
		"notified": len(contacts),
	})
}
