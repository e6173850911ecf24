package telephony

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"campaign-dialer/internal/callstate"
)

// TwilioStatusForm captures the subset of status-callback fields we care
// about. Twilio sends application/x-www-form-urlencoded by default.
//
// Keep it minimal and provider-adapter-only. Business logic (state
// transitions, retries) is not made here.
type TwilioStatusForm struct {
	CallSid        string
	AccountSid     string
	CallStatus     string
	CallDuration   string
	Timestamp      string
	ErrorCode      string
	AnsweredBy     string
	SequenceNumber string
}

// ParseTwilioStatusCallback decodes the webhook form.
func ParseTwilioStatusCallback(r *http.Request) (TwilioStatusForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioStatusForm{}, err
	}
	f := TwilioStatusForm{
		CallSid:        r.PostFormValue("CallSid"),
		AccountSid:     r.PostFormValue("AccountSid"),
		CallStatus:     r.PostFormValue("CallStatus"),
		CallDuration:   r.PostFormValue("CallDuration"),
		Timestamp:      r.PostFormValue("Timestamp"),
		ErrorCode:      r.PostFormValue("ErrorCode"),
		AnsweredBy:     r.PostFormValue("AnsweredBy"),
		SequenceNumber: r.PostFormValue("SequenceNumber"),
	}
	if f.CallSid == "" {
		return TwilioStatusForm{}, errors.New("telephony: status callback missing CallSid")
	}
	return f, nil
}

// twilioStatusMap normalizes Twilio call statuses to the internal
// vocabulary. "initiated" is the provider-side dispatch acknowledgment and
// maps to dispatching (the state the call is already in).
var twilioStatusMap = map[string]callstate.State{
	"queued":      callstate.StateDispatching,
	"initiated":   callstate.StateDispatching,
	"ringing":     callstate.StateRinging,
	"in-progress": callstate.StateInProgress,
	"answered":    callstate.StateInProgress,
	"completed":   callstate.StateCompleted,
	"busy":        callstate.StateBusy,
	"failed":      callstate.StateFailed,
	"no-answer":   callstate.StateNoAnswer,
	"canceled":    callstate.StateCanceled,
}

// twilioErrorCodeMap normalizes Twilio error codes on failed callbacks to
// the same reason codes the dispatch path produces.
var twilioErrorCodeMap = map[string]string{
	"21211": "invalid_number",
	"21214": "invalid_number",
	"21217": "invalid_number",
	"21610": "do_not_call",
	"13224": "no_route",
	"21215": "no_route",
}

// ToStatusCallback converts the form into the provider-agnostic event.
// occurredAt is the fallback when Twilio's Timestamp header is absent or
// unparseable.
func (f TwilioStatusForm) ToStatusCallback(occurredAt time.Time) (StatusCallback, error) {
	status, ok := twilioStatusMap[strings.ToLower(strings.TrimSpace(f.CallStatus))]
	if !ok {
		return StatusCallback{}, errors.New("telephony: unknown twilio call status " + strconv.Quote(f.CallStatus))
	}

	at := occurredAt
	if f.Timestamp != "" {
		// Twilio sends RFC 1123 with a numeric zone.
		if parsed, err := time.Parse(time.RFC1123Z, f.Timestamp); err == nil {
			at = parsed
		}
	}

	duration := 0
	if f.CallDuration != "" {
		if n, err := strconv.Atoi(f.CallDuration); err == nil && n >= 0 {
			duration = n
		}
	}

	reason := twilioErrorCodeMap[f.ErrorCode]
	if reason == "" && f.ErrorCode != "" {
		reason = "provider_error_" + f.ErrorCode
	}
	// A completed call picked up by a machine is a voicemail outcome.
	if status == callstate.StateCompleted && strings.HasPrefix(f.AnsweredBy, "machine") {
		reason = "voicemail"
	}

	raw, _ := json.Marshal(f)
	return StatusCallback{
		ProviderCallID:  f.CallSid,
		Status:          status,
		OccurredAt:      at,
		DurationSeconds: duration,
		ReasonCode:      reason,
		RawPayload:      string(raw),
	}, nil
}
