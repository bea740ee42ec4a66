package bridgeerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one failure class. The set is closed: every error the
// bridge emits on the wire carries exactly one of these codes, and
// KindUnknown is reserved for mapping bugs.
type Kind string

const (
	KindAppNotRunning           Kind = "app_not_running"
	KindAccessibilityDenied     Kind = "accessibility_denied"
	KindUIElementNotFound       Kind = "ui_element_not_found"
	KindUIResetFailed           Kind = "ui_reset_failed"
	KindUIError                 Kind = "ui_error"
	KindUsageCap                Kind = "usage_cap"
	KindRateLimitedByChatGPT    Kind = "rate_limited_by_chatgpt"
	KindCaptcha                 Kind = "captcha"
	KindAuthRequired            Kind = "auth_required"
	KindNetworkError            Kind = "network_error"
	KindConversationNotFound    Kind = "conversation_not_found"
	KindFileContextInvalid      Kind = "file_context_invalid"
	KindFileContextUnsupported  Kind = "file_context_unsupported"
	KindFileContextAccessDenied Kind = "file_context_access_denied"
	KindFileContextNotFound     Kind = "file_context_not_found"
	KindPromptTooLarge          Kind = "prompt_too_large"
	KindQueueFull               Kind = "queue_full"
	KindPreviousResponsePending Kind = "previous_response_pending"
	KindTimeout                 Kind = "timeout"
	KindInvalidRequest          Kind = "invalid_request"
	KindUnauthorized            Kind = "unauthorized"
	KindUnknown                 Kind = "unknown"
)

// Error is the bridge's typed failure. It is constructed at the failure
// site and travels unchanged to the wire mapper in httpserver.
type Error struct {
	Kind          Kind
	Message       string
	Details       map[string]any
	RetryAfterSec int
	// ContextReset mirrors the observable-reset flag so handlers can keep
	// the x-bridge-context-reset header accurate even on failure.
	// -1 means "not carried".
	ContextReset int
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// New constructs a typed bridge error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, ContextReset: -1}
}

// Newf constructs a typed bridge error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// WithDetail attaches a structured detail and returns the same error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithRetryAfter sets the retry hint in seconds.
func (e *Error) WithRetryAfter(sec int) *Error {
	e.RetryAfterSec = sec
	return e
}

// WithContextReset records whether a new-chat reset happened before the failure.
func (e *Error) WithContextReset(reset int) *Error {
	e.ContextReset = reset
	return e
}

// NewBodyTooLarge reports the transport-level body byte cap. Unlike the
// character caps, which are 400s, the byte cap maps to 413.
func NewBodyTooLarge(maxBytes int64) *Error {
	return Newf(KindPromptTooLarge, "request body exceeds %d bytes", maxBytes).
		WithDetail("limit", "body_bytes")
}

// From coerces an arbitrary error into a bridge error. Typed errors pass
// through unchanged; context deadline errors become timeouts; anything
// else maps to KindUnknown, which signals a missing classification.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(KindTimeout, err.Error())
	}
	return New(KindUnknown, err.Error())
}

// Is lets errors.Is match on the kind when given a bare *Error sentinel.
func (e *Error) Is(target error) bool {
	var be *Error
	if !errors.As(target, &be) {
		return false
	}
	return e.Kind == be.Kind
}

// HTTPStatus returns the wire status for the error kind.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindAppNotRunning, KindAccessibilityDenied:
		return http.StatusServiceUnavailable
	case KindUIElementNotFound:
		return http.StatusPreconditionRequired
	case KindUIResetFailed, KindUIError, KindNetworkError:
		return http.StatusBadGateway
	case KindUsageCap, KindRateLimitedByChatGPT, KindQueueFull:
		return http.StatusTooManyRequests
	case KindCaptcha, KindAuthRequired, KindFileContextAccessDenied:
		return http.StatusForbidden
	case KindConversationNotFound, KindFileContextNotFound:
		return http.StatusNotFound
	case KindPromptTooLarge:
		if e.Details["limit"] == "body_bytes" {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusBadRequest
	case KindFileContextInvalid, KindFileContextUnsupported, KindInvalidRequest:
		return http.StatusBadRequest
	case KindPreviousResponsePending:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// WireType returns the OpenAI-style error type for the mapped status.
func (e *Error) WireType() string {
	status := e.HTTPStatus()
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "authentication_error"
	case status >= 500:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}
