package telephony

import (
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"campaign-dialer/internal/callstate"
)

func statusRequest(t *testing.T, fields map[string]string) *TwilioStatusForm {
	t.Helper()
	form := url.Values{}
	for k, v := range fields {
		form.Set(k, v)
	}
	req := httptest.NewRequest("POST", "/webhooks/twilio/status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	f, err := ParseTwilioStatusCallback(req)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return &f
}

func TestToStatusCallback_TerminalWithDuration(t *testing.T) {
	f := statusRequest(t, map[string]string{
		"CallSid":      "CA123",
		"CallStatus":   "completed",
		"CallDuration": "42",
		"Timestamp":    "Tue, 02 Jan 2024 15:04:05 +0000",
	})

	ev, err := f.ToStatusCallback(time.Now())
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if ev.Status != callstate.StateCompleted || ev.DurationSeconds != 42 {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.OccurredAt.UTC().Hour() != 15 {
		t.Fatalf("expected Timestamp header used, got %v", ev.OccurredAt)
	}
}

func TestToStatusCallback_FailedWithErrorCode(t *testing.T) {
	f := statusRequest(t, map[string]string{
		"CallSid":    "CA123",
		"CallStatus": "failed",
		"ErrorCode":  "21211",
	})
	fallback := time.Unix(1700000000, 0).UTC()
	ev, err := f.ToStatusCallback(fallback)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if ev.Status != callstate.StateFailed || ev.ReasonCode != "invalid_number" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if !ev.OccurredAt.Equal(fallback) {
		t.Fatalf("expected fallback time without Timestamp field")
	}
}

func TestToStatusCallback_MachineAnswerIsVoicemail(t *testing.T) {
	f := statusRequest(t, map[string]string{
		"CallSid":    "CA123",
		"CallStatus": "completed",
		"AnsweredBy": "machine_end_beep",
	})
	ev, err := f.ToStatusCallback(time.Now())
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if ev.ReasonCode != "voicemail" {
		t.Fatalf("expected voicemail reason, got %q", ev.ReasonCode)
	}
}

func TestToStatusCallback_UnknownStatusRejected(t *testing.T) {
	f := statusRequest(t, map[string]string{"CallSid": "CA1", "CallStatus": "teleported"})
	if _, err := f.ToStatusCallback(time.Now()); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}

func TestParse_RequiresCallSid(t *testing.T) {
	req := httptest.NewRequest("POST", "/webhooks/twilio/status", strings.NewReader("CallStatus=busy"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if _, err := ParseTwilioStatusCallback(req); err == nil {
		t.Fatalf("expected error without CallSid")
	}
}
