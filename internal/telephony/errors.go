package telephony

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ProviderError classifies a gateway failure at the dispatch boundary.
//
// Permanent errors (invalid number, blocked, no route) consume an attempt
// and are never retried. Transient errors (network, timeout, provider 5xx)
// defer the contact to a later cycle without consuming an attempt.
type ProviderError struct {
	Code      string
	Message   string
	Permanent bool
}

func (e *ProviderError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("telephony: %s provider error %s: %s", kind, e.Code, e.Message)
}

// IsPermanent reports whether err is a provider error that must not be
// retried.
func IsPermanent(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Permanent
}

// IsTransient reports whether err should defer dispatch rather than fail
// the contact. Timeouts and network errors count as transient even when
// they are not ProviderErrors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return !pe.Permanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// ReasonCode extracts the normalized provider reason code from err, if any.
func ReasonCode(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
