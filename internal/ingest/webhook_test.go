package ingest

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"campaign-dialer/internal/callstate"
)

func postStatus(t *testing.T, h *WebhookHandler, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/twilio/status", h.TwilioStatus)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWebhookAppliesStatus(t *testing.T) {
	f := newFixture(t)
	f.seedInFlight(t, 1)
	h := NewWebhookHandler(f.ingester, nil)

	w := postStatus(t, h, url.Values{
		"CallSid":      {"PC1"},
		"CallStatus":   {"completed"},
		"CallDuration": {"31"},
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	call := f.call(t)
	if call.State != callstate.StateCompleted || call.DurationSeconds != 31 {
		t.Fatalf("call state=%s duration=%d, want completed/31", call.State, call.DurationSeconds)
	}
}

func TestWebhookRejectsMissingCallSid(t *testing.T) {
	f := newFixture(t)
	h := NewWebhookHandler(f.ingester, nil)

	w := postStatus(t, h, url.Values{"CallStatus": {"completed"}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestWebhookRejectsUnknownCallStatus(t *testing.T) {
	f := newFixture(t)
	f.seedInFlight(t, 1)
	h := NewWebhookHandler(f.ingester, nil)

	w := postStatus(t, h, url.Values{
		"CallSid":    {"PC1"},
		"CallStatus": {"weird"},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
