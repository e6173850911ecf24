package ingest

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"campaign-dialer/internal/telephony"
)

// WebhookHandler terminates provider status callbacks over HTTP.
type WebhookHandler struct {
	ingester *Ingester
	log      *slog.Logger
	clock    func() time.Time
}

func NewWebhookHandler(in *Ingester, log *slog.Logger) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{ingester: in, log: log, clock: time.Now}
}

// TwilioStatus handles POST /webhooks/twilio/status. Malformed payloads
// get 400 so the provider stops redelivering them; discarded events still
// get 204.
func (h *WebhookHandler) TwilioStatus(c *gin.Context) {
	form, err := telephony.ParseTwilioStatusCallback(c.Request)
	if err != nil {
		h.log.Warn("malformed status callback", "err", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed status callback"})
		return
	}
	cb, err := form.ToStatusCallback(h.clock().UTC())
	if err != nil {
		h.log.Warn("unmapped status callback", "err", err, "call_status", form.CallStatus)
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported call status"})
		return
	}
	if err := h.ingester.HandleStatus(c.Request.Context(), cb); err != nil {
		h.log.Error("status callback processing failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Status(http.StatusNoContent)
}
