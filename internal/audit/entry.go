package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Category groups activities for reporting.
type Category string

const (
	CategoryAuth     Category = "AUTH"
	CategoryData     Category = "DATA"
	CategorySecurity Category = "SECURITY"
	CategorySystem   Category = "SYSTEM"
	CategoryBusiness Category = "BUSINESS"
)

// Severity of an audit entry.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityWarning  Severity = "WARNING"
	SeverityInfo     Severity = "INFO"
)

// Alert severities.
const (
	AlertLow      = "LOW"
	AlertMedium   = "MEDIUM"
	AlertHigh     = "HIGH"
	AlertCritical = "CRITICAL"
)

// Activity names written by the engine.
const (
	ActivityCodeIssued         = "code.issued"
	ActivityCodeIssueFailed    = "code.issue_failed"
	ActivityHighSecurityIssued = "code.high_security_issued"
	ActivityCodeValidated      = "code.validated"
	ActivityValidationFailed   = "code.validation_failed"
	ActivityRateLimited        = "code.rate_limited"
	ActivityLockedOut          = "code.locked_out"
	ActivityAttackDetected     = "code.attack_detected"
	ActivityRiskBlocked        = "code.risk_blocked"
	ActivityCodeSuspended      = "code.suspended"
	ActivityStatusUpdated      = "code.status_updated"
	ActivityExpiryExtended     = "code.expiry_extended"
	ActivityCodeDeactivated    = "code.deactivated"
	ActivityCodeDeleted        = "code.deleted"
	ActivityCodesSearched      = "code.searched"
	ActivityStatsViewed        = "code.stats_viewed"
	ActivitySweep              = "code.sweep"
	ActivityAlertAcknowledged  = "alert.acknowledged"
	ActivitySystemError        = "system.error"
	ActivityRetention          = "audit.retention"
)

type classification struct {
	category Category
	severity Severity
}

var activityTable = map[string]classification{
	ActivityCodeIssued:         {CategoryBusiness, SeverityInfo},
	ActivityCodeIssueFailed:    {CategoryBusiness, SeverityWarning},
	ActivityHighSecurityIssued: {CategorySecurity, SeverityWarning},
	ActivityCodeValidated:      {CategoryAuth, SeverityInfo},
	ActivityValidationFailed:   {CategoryAuth, SeverityWarning},
	ActivityRateLimited:        {CategorySecurity, SeverityWarning},
	ActivityLockedOut:          {CategorySecurity, SeverityWarning},
	ActivityAttackDetected:     {CategorySecurity, SeverityCritical},
	ActivityRiskBlocked:        {CategorySecurity, SeverityCritical},
	ActivityCodeSuspended:      {CategorySecurity, SeverityWarning},
	ActivityStatusUpdated:      {CategoryData, SeverityInfo},
	ActivityExpiryExtended:     {CategoryData, SeverityInfo},
	ActivityCodeDeactivated:    {CategoryData, SeverityWarning},
	ActivityCodeDeleted:        {CategoryData, SeverityWarning},
	ActivityCodesSearched:      {CategoryData, SeverityInfo},
	ActivityStatsViewed:        {CategoryData, SeverityInfo},
	ActivitySweep:              {CategorySystem, SeverityInfo},
	ActivityAlertAcknowledged:  {CategorySystem, SeverityInfo},
	ActivitySystemError:        {CategorySystem, SeverityCritical},
	ActivityRetention:          {CategorySystem, SeverityInfo},
}

// Classify returns the category and severity of an activity. Unknown
// activities are classified by keyword; failures are at least WARNING.
func Classify(activity string, success bool) (Category, Severity) {
	if c, ok := activityTable[activity]; ok {
		return c.category, c.severity
	}
	a := strings.ToLower(activity)
	cat, sev := CategorySystem, SeverityInfo
	switch {
	case containsAny(a, "attack", "threat", "breach", "injection"):
		return CategorySecurity, SeverityCritical
	case containsAny(a, "login", "logout", "auth", "validat"):
		cat = CategoryAuth
	case containsAny(a, "create", "update", "delete", "read", "export"):
		cat = CategoryData
	case containsAny(a, "order", "invoice", "payment", "issue"):
		cat = CategoryBusiness
	}
	if !success || containsAny(a, "fail", "denied", "error", "blocked") {
		sev = SeverityWarning
	}
	return cat, sev
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Entry is one immutable audit record.
type Entry struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"ts"`
	Activity      string         `json:"activity"`
	Category      Category       `json:"category"`
	Severity      Severity       `json:"severity"`
	UserID        string         `json:"user_id,omitempty"`
	IP            string         `json:"ip,omitempty"`
	UserAgent     string         `json:"user_agent,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	InstitutionID string         `json:"institution_id,omitempty"`
	RequestID     string         `json:"request_id,omitempty"`
	Success       bool           `json:"success"`
	Details       map[string]any `json:"details,omitempty"`
}

// RedactedMarker replaces the value of every sensitive field.
const RedactedMarker = "[REDACTED]"

var sensitiveKeys = []string{"password", "token", "secret", "key", "auth"}

// IsSensitiveKey reports whether a field name must never be logged in plain text.
func IsSensitiveKey(name string) bool {
	return containsAny(strings.ToLower(name), sensitiveKeys...)
}

// Redact returns a deep copy of details with sensitive fields replaced by
// RedactedMarker at any depth. Values are normalised through JSON so structs
// and typed maps are covered as well.
func Redact(details map[string]any) map[string]any {
	if len(details) == 0 {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if IsSensitiveKey(k) {
			out[k] = RedactedMarker
			continue
		}
		out[k] = redactValue(normalize(v))
	}
	return out
}

func normalize(v any) any {
	switch v.(type) {
	case nil, string, bool, float64, float32, int, int32, int64, uint, uint32, uint64:
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return string(raw)
	}
	return generic
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			if IsSensitiveKey(k) {
				out[k] = RedactedMarker
				continue
			}
			out[k] = redactValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = redactValue(inner)
		}
		return out
	default:
		return v
	}
}
