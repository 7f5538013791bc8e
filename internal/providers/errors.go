package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Reason categorizes why a provider request failed.
type Reason string

const (
	ReasonRateLimit      Reason = "rate_limit"
	ReasonTimeout        Reason = "timeout"
	ReasonServerError    Reason = "server_error"
	ReasonAuth           Reason = "auth"
	ReasonInvalidRequest Reason = "invalid_request"
	ReasonUnknown        Reason = "unknown"
)

// Retryable reports whether retrying may succeed.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// ProviderError is a classified failure from an LLM vendor.
type ProviderError struct {
	Reason   Reason
	Provider string
	Status   int
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: [%s]", e.Provider, e.Reason)
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	switch {
	case e.Message != "":
		b.WriteString(" " + e.Message)
	case e.Cause != nil:
		b.WriteString(" " + e.Cause.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

func newProviderError(provider string, status int, message string, cause error) *ProviderError {
	reason := classifyStatus(status)
	if reason == ReasonUnknown && cause != nil {
		reason = classifyMessage(cause.Error())
	}
	return &ProviderError{Reason: reason, Provider: provider, Status: status, Message: message, Cause: cause}
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Reason.Retryable()
	}
	return classifyMessage(err.Error()).Retryable()
}

func classifyStatus(status int) Reason {
	switch {
	case status == 0:
		return ReasonUnknown
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusRequestTimeout:
		return ReasonTimeout
	case status >= 500:
		return ReasonServerError
	case status >= 400:
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}

func classifyMessage(msg string) Reason {
	msg = strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return ReasonTimeout
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "too many requests"), strings.Contains(msg, "429"):
		return ReasonRateLimit
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "invalid_api_key"), strings.Contains(msg, "401"):
		return ReasonAuth
	case strings.Contains(msg, "overloaded"), strings.Contains(msg, "internal server"),
		strings.Contains(msg, "bad gateway"), strings.Contains(msg, "service unavailable"),
		strings.Contains(msg, "500"), strings.Contains(msg, "502"),
		strings.Contains(msg, "503"), strings.Contains(msg, "504"),
		strings.Contains(msg, "connection reset"), strings.Contains(msg, "connection refused"):
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}
