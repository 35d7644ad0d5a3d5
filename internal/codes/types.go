package codes

import (
	"errors"
	"time"

	"accessgate.org/internal/risk"
)

// Status is the lifecycle state of a code. EXPIRED and DELETED are terminal.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusSuspended Status = "SUSPENDED"
	StatusExpired   Status = "EXPIRED"
	StatusDeleted   Status = "DELETED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusExpired || s == StatusDeleted }

// SecurityLevel is derived from the code type at issuance.
type SecurityLevel string

const (
	SecurityStandard SecurityLevel = "STANDARD"
	SecurityHigh     SecurityLevel = "HIGH"
)

// AccessRecord is one entry of a code's access history.
type AccessRecord struct {
	At        time.Time `json:"at"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Success   bool      `json:"success"`
	Reason    string    `json:"reason,omitempty"`
	RiskScore float64   `json:"risk_score"`
}

// RiskProfile is the latest composite risk of a code.
type RiskProfile struct {
	Score       float64       `json:"score"`
	Overall     risk.Level    `json:"overall"`
	Factors     []risk.Factor `json:"factors,omitempty"`
	LastUpdated time.Time     `json:"last_updated"`
}

// UsagePattern is what the adaptive sweep derives from the access history.
type UsagePattern struct {
	HourlyRate    float64   `json:"hourly_rate"`
	PeakHour      int       `json:"peak_hour"`
	DistinctIPs   int       `json:"distinct_ips"`
	OffHoursRatio float64   `json:"off_hours_ratio"`
	FailureRate   float64   `json:"failure_rate"`
	Indicators    []string  `json:"indicators,omitempty"`
	Score         float64   `json:"score"`
	EvaluatedAt   time.Time `json:"evaluated_at"`
}

// AccessCode is the stored record. The raw secret is never kept; Hash is a
// salted KDF string and Signature a keyed HMAC used as the lookup index.
type AccessCode struct {
	ID             string            `json:"id"`
	InstitutionID  string            `json:"institution_id"`
	Type           string            `json:"type"`
	Status         Status            `json:"status"`
	SecurityLevel  SecurityLevel     `json:"security_level"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
	UsageCount     int               `json:"usage_count"`
	MaxUsage       int               `json:"max_usage,omitempty"`
	FailedAttempts int               `json:"failed_attempts"`
	RiskScore      float64           `json:"risk_score"`
	Risk           RiskProfile       `json:"risk"`
	Usage          UsagePattern      `json:"usage"`
	History        []AccessRecord    `json:"history,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	StatusReason   string            `json:"status_reason,omitempty"`
	CreatedBy      string            `json:"created_by,omitempty"`
	TightenedAt    time.Time         `json:"tightened_at,omitempty"`

	Hash      string `json:"-"`
	Signature string `json:"-"`
}

// IsActive reports whether the code is in the ACTIVE state.
func (c *AccessCode) IsActive() bool { return c.Status == StatusActive }

// Expired reports whether expiresAt has passed at now.
func (c *AccessCode) Expired(now time.Time) bool { return !now.Before(c.ExpiresAt) }

// addHistory appends to the bounded access history, dropping the oldest.
func (c *AccessCode) addHistory(rec AccessRecord, size int) {
	c.History = append(c.History, rec)
	if size > 0 && len(c.History) > size {
		c.History = append(c.History[:0:0], c.History[len(c.History)-size:]...)
	}
}

// Clone returns a deep copy.
func (c AccessCode) Clone() AccessCode {
	c.History = append([]AccessRecord(nil), c.History...)
	c.Risk.Factors = append([]risk.Factor(nil), c.Risk.Factors...)
	c.Usage.Indicators = append([]string(nil), c.Usage.Indicators...)
	c.Metadata = cloneMetadata(c.Metadata)
	return c
}

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CodeView is the sanitized form returned to callers.
type CodeView struct {
	ID             string            `json:"id"`
	InstitutionID  string            `json:"institution_id"`
	Type           string            `json:"type"`
	Status         Status            `json:"status"`
	SecurityLevel  SecurityLevel     `json:"security_level"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
	UsageCount     int               `json:"usage_count"`
	MaxUsage       int               `json:"max_usage,omitempty"`
	RiskScore      float64           `json:"risk_score"`
	RiskLevel      risk.Level        `json:"risk_level"`
	LastAccessedAt time.Time         `json:"last_accessed_at,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// View strips secrets and history.
func (c AccessCode) View() CodeView {
	v := CodeView{
		ID:            c.ID,
		InstitutionID: c.InstitutionID,
		Type:          c.Type,
		Status:        c.Status,
		SecurityLevel: c.SecurityLevel,
		CreatedAt:     c.CreatedAt,
		ExpiresAt:     c.ExpiresAt,
		UsageCount:    c.UsageCount,
		MaxUsage:      c.MaxUsage,
		RiskScore:     c.RiskScore,
		RiskLevel:     c.Risk.Overall,
		Metadata:      cloneMetadata(c.Metadata),
	}
	for i := len(c.History) - 1; i >= 0; i-- {
		if c.History[i].Success {
			v.LastAccessedAt = c.History[i].At
			break
		}
	}
	return v
}

// IssueOptions tune one issuance. Zero values fall back to the service config.
type IssueOptions struct {
	ExpiryHours int
	MaxUsage    int
	Length      int
	Charset     CharsetOptions
	Metadata    map[string]string
	// Requester identifies who asked for the code; attack handling on a
	// custom secret is charged to them.
	Requester RequestContext
}

// IssuedCode is returned once; RawCode is never retrievable afterwards.
type IssuedCode struct {
	ID            string        `json:"id"`
	RawCode       string        `json:"raw_code"`
	ExpiresAt     time.Time     `json:"expires_at"`
	Type          string        `json:"type"`
	SecurityLevel SecurityLevel `json:"security_level"`
}

// RequestContext describes the caller of a validation.
type RequestContext struct {
	IP        string
	UserAgent string
	SessionID string
	UserID    string
	APIKey    string
	Path      string
	Headers   map[string]string
}

// ValidationResult is the outcome of ValidateCode. Error carries a stable
// code and message key; its cause never leaves the service.
type ValidationResult struct {
	Valid      bool          `json:"is_valid"`
	Error      error         `json:"-"`
	ErrorCode  string        `json:"error,omitempty"`
	MessageKey string        `json:"message_key,omitempty"`
	RiskScore  float64       `json:"risk_score"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Code       *CodeView     `json:"code,omitempty"`
	Grant      string        `json:"grant,omitempty"`
}

// StatusPatch is an explicit status change. Active=true reactivates a
// suspended code; Active=false suspends it.
type StatusPatch struct {
	Active   *bool
	MaxUsage *int
	Metadata map[string]string
	Reason   string
}

// Filter selects codes in SearchCodes. Zero fields match everything.
type Filter struct {
	InstitutionID string
	Type          string
	Status        Status
	MinRisk       float64
	CreatedAfter  time.Time
	CreatedBefore time.Time
	ExpiringIn    time.Duration
	Limit         int
}

// Stats summarises one code or, for the service-wide form, all codes.
type Stats struct {
	CodeID          string         `json:"code_id,omitempty"`
	UsageCount      int            `json:"usage_count"`
	MaxUsage        int            `json:"max_usage,omitempty"`
	UsagePercentage float64        `json:"usage_percentage"`
	FailedAttempts  int            `json:"failed_attempts"`
	RiskScore       float64        `json:"risk_score"`
	RiskLevel       risk.Level     `json:"risk_level,omitempty"`
	Status          Status         `json:"status,omitempty"`
	ExpiresIn       time.Duration  `json:"expires_in,omitempty"`
	LastAccessedAt  time.Time      `json:"last_accessed_at,omitempty"`
	Usage           *UsagePattern  `json:"usage_pattern,omitempty"`
	Total           int            `json:"total,omitempty"`
	ByStatus        map[Status]int `json:"by_status,omitempty"`
	ByType          map[string]int `json:"by_type,omitempty"`
	HighRisk        int            `json:"high_risk,omitempty"`
	TotalUsage      int            `json:"total_usage,omitempty"`
}

var (
	ErrNotFound  = errors.New("codes: not found")
	ErrDuplicate = errors.New("codes: duplicate code")
)
