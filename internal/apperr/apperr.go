// Package apperr defines the error taxonomy surfaced to callers of the access
// code engine. Each error carries a stable code and a message key; the internal
// cause is retained for logging only and never rendered by Error.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for retry and fail-open policy.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindNotFound
	KindRateLimit
	KindThreatDetected
	KindRiskBlocked
	KindSystem
)

var (
	ErrValidation     = errors.New("validation error")
	ErrNotFound       = errors.New("not found")
	ErrRateLimit      = errors.New("rate limited")
	ErrThreatDetected = errors.New("threat detected")
	ErrRiskBlocked    = errors.New("risk blocked")
	ErrSystem         = errors.New("system error")
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindNotFound:
		return "NotFoundError"
	case KindRateLimit:
		return "RateLimitError"
	case KindThreatDetected:
		return "ThreatDetectedError"
	case KindRiskBlocked:
		return "RiskBlockedError"
	case KindSystem:
		return "SystemError"
	default:
		return "UnknownError"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindNotFound:
		return ErrNotFound
	case KindRateLimit:
		return ErrRateLimit
	case KindThreatDetected:
		return ErrThreatDetected
	case KindRiskBlocked:
		return ErrRiskBlocked
	default:
		return ErrSystem
	}
}

// Error is the boundary error type.
type Error struct {
	Kind       Kind
	Code       string
	MessageKey string
	RetryAfter time.Duration

	cause error
}

// New builds an Error of the given kind.
func New(kind Kind, code, messageKey string) *Error {
	return &Error{Kind: kind, Code: code, MessageKey: messageKey}
}

// Wrap builds an Error retaining cause for logs.
func Wrap(kind Kind, code, messageKey string, cause error) *Error {
	return &Error{Kind: kind, Code: code, MessageKey: messageKey, cause: cause}
}

// WithRetryAfter returns a copy of e carrying a retry hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	cp := *e
	if d < 0 {
		d = 0
	}
	cp.RetryAfter = d
	return &cp
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.MessageKey)
}

// Cause returns the internal cause. Never send it across the API boundary.
func (e *Error) Cause() error { return e.cause }

// Unwrap exposes the kind sentinel so errors.Is(err, apperr.ErrNotFound) works.
// The internal cause is deliberately not unwrapped.
func (e *Error) Unwrap() error { return e.Kind.sentinel() }

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the kind of err, treating foreign errors as system faults.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindSystem
}

// Stable codes shared by the engine's packages.
const (
	CodeInvalidInput       = "INVALID_INPUT"
	CodeWeakCode           = "WEAK_CODE"
	CodeDuplicateCode      = "DUPLICATE_CODE"
	CodeInvalidCode        = "INVALID_CODE"
	CodeNotFound           = "CODE_NOT_FOUND"
	CodeExpired            = "CODE_EXPIRED"
	CodeInactive           = "CODE_INACTIVE"
	CodeUsageExceeded      = "USAGE_LIMIT_EXCEEDED"
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeLockedOut          = "LOCKED_OUT"
	CodeBlocked            = "BLOCKED"
	CodeAttackDetected     = "ATTACK_DETECTED"
	CodeSuspiciousBehavior = "SUSPICIOUS_BEHAVIOR"
	CodeRiskBlocked        = "RISK_BLOCKED"
	CodeSystemError        = "SYSTEM_ERROR"
	CodeInvalidTransition  = "INVALID_STATE_TRANSITION"
)

var messageKeys = map[string]string{
	CodeInvalidInput:       "errors.input.invalid",
	CodeWeakCode:           "errors.code.weak",
	CodeDuplicateCode:      "errors.code.duplicate",
	CodeInvalidCode:        "errors.code.invalid",
	CodeNotFound:           "errors.code.not_found",
	CodeExpired:            "errors.code.expired",
	CodeInactive:           "errors.code.inactive",
	CodeUsageExceeded:      "errors.code.usage_exceeded",
	CodeRateLimitExceeded:  "errors.rate_limit.exceeded",
	CodeLockedOut:          "errors.rate_limit.locked_out",
	CodeBlocked:            "errors.rate_limit.blocked",
	CodeAttackDetected:     "errors.security.attack_detected",
	CodeSuspiciousBehavior: "errors.security.suspicious_behavior",
	CodeRiskBlocked:        "errors.security.risk_blocked",
	CodeSystemError:        "errors.system.unexpected",
	CodeInvalidTransition:  "errors.code.invalid_transition",
}

// MessageKey returns the localisation key for a stable code.
func MessageKey(code string) string {
	if k, ok := messageKeys[code]; ok {
		return k
	}
	return "errors.unknown"
}

// Of builds an Error for a stable code using its registered message key.
func Of(kind Kind, code string) *Error {
	return New(kind, code, MessageKey(code))
}
