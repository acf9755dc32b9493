// Package faults classifies errors from task handlers and external
// calls, and decides how the system should react to them: retry with
// backoff, wait out a rate limit, or give up. A rolling window of
// recent records feeds escalation decisions and error statistics.
package faults

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/gantryd/gantry/internal/breaker"
	"github.com/gantryd/gantry/internal/domain"
)

// Category groups errors by their root cause.
type Category string

const (
	CategoryNetwork         Category = "network"
	CategoryTimeout         Category = "timeout"
	CategoryRateLimit       Category = "rate_limit"
	CategoryAuthentication  Category = "authentication"
	CategoryValidation      Category = "validation"
	CategoryExternalService Category = "external_service"
	CategoryUnknown         Category = "unknown"
)

// Severity ranks how urgently an error class needs attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Classify maps an error to a category and severity. Typed and sentinel
// checks run before message scanning so wrapped errors classify
// precisely regardless of their text.
func Classify(err error) (Category, Severity) {
	if err == nil {
		return CategoryUnknown, severityFor(CategoryUnknown)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout, severityFor(CategoryTimeout)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTimeout, severityFor(CategoryTimeout)
	}

	if errors.Is(err, domain.ErrValidation) {
		return CategoryValidation, severityFor(CategoryValidation)
	}
	if errors.Is(err, breaker.ErrOpen) {
		return CategoryExternalService, severityFor(CategoryExternalService)
	}

	var dnsErr *net.DNSError
	var opErr *net.OpError
	if errors.As(err, &dnsErr) || errors.As(err, &opErr) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return CategoryNetwork, severityFor(CategoryNetwork)
	}

	cat := classifyMessage(strings.ToLower(err.Error()))
	return cat, severityFor(cat)
}

// classifyMessage falls back to keyword cues for errors that arrive as
// plain strings from external SDKs and HTTP responses.
func classifyMessage(msg string) Category {
	switch {
	case containsAny(msg, "rate limit", "too many requests", "429"):
		return CategoryRateLimit
	case containsAny(msg, "unauthorized", "forbidden", "permission denied",
		"invalid credentials", "authentication", "401", "403"):
		return CategoryAuthentication
	case containsAny(msg, "validation", "invalid input", "malformed"):
		return CategoryValidation
	case containsAny(msg, "timed out", "timeout", "deadline exceeded"):
		return CategoryTimeout
	case containsAny(msg, "connection refused", "connection reset",
		"no such host", "broken pipe", "network", "eof"):
		return CategoryNetwork
	case containsAny(msg, "unavailable", "bad gateway", "502", "503"):
		return CategoryExternalService
	default:
		return CategoryUnknown
	}
}

func containsAny(msg string, cues ...string) bool {
	for _, cue := range cues {
		if strings.Contains(msg, cue) {
			return true
		}
	}
	return false
}

func severityFor(cat Category) Severity {
	switch cat {
	case CategoryAuthentication:
		return SeverityHigh
	case CategoryValidation:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// Retryable reports whether errors of this category can succeed on a
// later attempt. Validation and authentication failures cannot: the
// same input or the same credentials will fail again.
func Retryable(cat Category) bool {
	switch cat {
	case CategoryValidation, CategoryAuthentication:
		return false
	default:
		return true
	}
}

// escalate bumps a severity one level, saturating at critical.
func escalate(s Severity) Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}
