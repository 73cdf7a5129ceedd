package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a provider failure. The orchestrator's fallback policy is
// expressed in terms of kinds, never message text.
type Kind string

const (
	KindNotConfigured     Kind = "not_configured"
	KindProviderNotFound  Kind = "provider_not_found"
	KindCredentialCorrupt Kind = "credential_corrupt"
	// KindCredentialRejected is a configured credential the upstream refused.
	KindCredentialRejected Kind = "credential_rejected"
	KindRateLimited        Kind = "rate_limited"
	KindTransient          Kind = "transient"
	KindTimeout            Kind = "timeout"
	KindInvalidRequest     Kind = "invalid_request"
	KindFatal              Kind = "fatal"
)

// Kinds lists every classification, for config validation.
var Kinds = []Kind{
	KindNotConfigured, KindProviderNotFound, KindCredentialCorrupt, KindCredentialRejected,
	KindRateLimited, KindTransient, KindTimeout, KindInvalidRequest, KindFatal,
}

// ParseKind validates a kind name from configuration.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown provider error kind %q", s)
}

// Error is a classified provider failure.
type Error struct {
	Kind     Kind
	Provider string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("provider %s: %s: %s", e.Provider, e.Kind, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a classified error.
func NewError(kind Kind, providerID, message string, cause error) *Error {
	return &Error{Kind: kind, Provider: providerID, Message: message, Cause: cause}
}

// Classify returns the kind of err. Unclassified errors are fatal, except
// an exceeded deadline which is a timeout.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindFatal
}

// IsRetryable reports whether err may succeed on a later attempt inside
// the provider boundary.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case KindRateLimited, KindTransient:
		return true
	default:
		return false
	}
}

// KindForStatus maps an HTTP status from an upstream API to a kind.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindCredentialRejected
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindTransient
	case status >= 400:
		return KindInvalidRequest
	default:
		return KindFatal
	}
}
