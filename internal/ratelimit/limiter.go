// Package ratelimit implements the adaptive multi-dimensional request gate:
// sliding-window quotas per key, exponential lockout, blocklists, behavioural
// scoring and attack handling.
package ratelimit

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"accessgate.org/internal/obs"
	"accessgate.org/internal/threat"
)

// Reason explains a denial. Values match the stable error codes.
type Reason string

const (
	ReasonBlocked            Reason = "BLOCKED"
	ReasonLockedOut          Reason = "LOCKED_OUT"
	ReasonRateLimitExceeded  Reason = "RATE_LIMIT_EXCEEDED"
	ReasonAttackDetected     Reason = "ATTACK_DETECTED"
	ReasonSuspiciousBehavior Reason = "SUSPICIOUS_BEHAVIOR"
	ReasonSystemError        Reason = "SYSTEM_ERROR"
)

// Request describes one inbound call as seen by the limiter.
type Request struct {
	IP        string
	UserID    string
	SessionID string
	APIKey    string
	Path      string
	UserAgent string
	Body      string
	Headers   map[string]string
}

func (r Request) fields() map[string]string {
	f := make(map[string]string, 3+len(r.Headers))
	if r.Path != "" {
		f["path"] = r.Path
	}
	if r.UserAgent != "" {
		f["user_agent"] = r.UserAgent
	}
	if r.Body != "" {
		f["body"] = r.Body
	}
	for k, v := range r.Headers {
		f["header:"+strings.ToLower(k)] = v
	}
	return f
}

// Decision is the outcome of Check. Remaining is the smallest remaining
// capacity across the applicable dimensions, -1 when none applied.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Reason     Reason        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	RiskScore  float64       `json:"risk_score"`
	Remaining  int           `json:"remaining"`
}

func (d Decision) label() string {
	if d.Reason == "" {
		return "allowed"
	}
	return string(d.Reason)
}

// Scanner finds attack signatures in request fields.
type Scanner interface {
	ScanFields(fields map[string]string) []threat.Match
}

// Alerter receives security alerts raised by the limiter.
type Alerter interface {
	CreateAlert(alertType, message, severity string, data map[string]any) string
}

type nopAlerter struct{}

func (nopAlerter) CreateAlert(string, string, string, map[string]any) string { return "" }

// Limiter is safe for concurrent use.
type Limiter struct {
	cfg      Config
	now      func() time.Time
	log      *zap.Logger
	scanner  Scanner
	alerter  Alerter
	store    ThreatStore
	trackers *trackerTable

	blockMu sync.RWMutex
	blocked map[string]time.Time

	threatMu sync.Mutex
	threats  map[string]ThreatRecord
}

// Option configures a Limiter.
type Option func(*Limiter) error

// WithClock overrides the time source, used in tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) error {
		if now != nil {
			l.now = now
		}
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Limiter) error {
		if log != nil {
			l.log = log
		}
		return nil
	}
}

// WithScanner replaces the default signature detector.
func WithScanner(s Scanner) Option {
	return func(l *Limiter) error {
		if s != nil {
			l.scanner = s
		}
		return nil
	}
}

// WithAlerter routes alerts, normally to the audit logger.
func WithAlerter(a Alerter) Option {
	return func(l *Limiter) error {
		if a != nil {
			l.alerter = a
		}
		return nil
	}
}

// WithThreatStore persists threat records.
func WithThreatStore(s ThreatStore) Option {
	return func(l *Limiter) error {
		if s != nil {
			l.store = s
		}
		return nil
	}
}

// New constructs a limiter.
func New(cfg Config, opts ...Option) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Limiter{
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		log:      obs.Logger().Named("ratelimit"),
		scanner:  threat.NewDetector(),
		alerter:  nopAlerter{},
		store:    NewMemoryThreatStore(),
		trackers: newTrackerTable(cfg.Shards),
		blocked:  make(map[string]time.Time),
		threats:  make(map[string]ThreatRecord),
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Config returns the active policy.
func (l *Limiter) Config() Config { return l.cfg }

// Check gates one request. Internal faults fail open with reason
// SYSTEM_ERROR and a neutral risk score.
func (l *Limiter) Check(ctx context.Context, req Request) (dec Decision) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("limiter fault, failing open", zap.Any("panic", r), zap.String("ip", req.IP))
			dec = Decision{Allowed: true, Reason: ReasonSystemError, Remaining: -1}
		}
		obs.RateLimitDecisions.WithLabelValues(dec.label()).Inc()
	}()

	now := l.now()
	if d, ok := l.checkBlocked(req, now); ok {
		return d
	}
	if d, ok := l.checkLockout(req, now); ok {
		return d
	}

	if matches := l.scanner.ScanFields(req.fields()); len(matches) > 0 {
		rec := l.HandleAttack(ctx, req, matches)
		l.recordFailure(ctx, req, now)
		return Decision{
			Reason:     ReasonAttackDetected,
			RetryAfter: rec.retryAfter(now),
			RiskScore:  float64(rec.Severity),
		}
	}

	score := l.observeBehavior(req, now)
	dec = l.consume(req, now, score >= l.cfg.BehaviorThreshold)
	dec.RiskScore = score
	if !dec.Allowed {
		l.recordFailure(ctx, req, now)
	}
	return dec
}

type dimension struct {
	key   string
	quota Quota
	actor bool
}

func (l *Limiter) dimensions(req Request) []dimension {
	dims := make([]dimension, 0, 6)
	add := func(prefix, value string, q Quota, actor bool) {
		if value == "" || !q.enabled() {
			return
		}
		dims = append(dims, dimension{key: prefix + value, quota: q, actor: actor})
	}
	add("general:", "*", l.cfg.General, false)
	add("ip:", req.IP, l.cfg.IP, true)
	add("user:", req.UserID, l.cfg.User, true)
	add("session:", req.SessionID, l.cfg.Session, true)
	add("apikey:", req.APIKey, l.cfg.APIKey, true)
	add("path:", req.Path, l.cfg.Path, false)
	return dims
}

// consume reserves one slot in every applicable window, releasing earlier
// reservations when a later dimension is exhausted.
func (l *Limiter) consume(req Request, now time.Time, tightened bool) Decision {
	remaining := math.MaxInt
	var held []string
	for _, d := range l.dimensions(req) {
		limit := d.quota.MaxRequests
		if tightened && d.actor {
			limit = int(math.Max(1, math.Floor(float64(limit)*l.cfg.TightenFactor)))
		}
		var (
			denied  bool
			overRaw bool
			retry   time.Duration
			left    int
		)
		l.trackers.update(d.key, now, func(tr *Tracker) {
			tr.prune(now, d.quota.Window)
			if len(tr.Timestamps) >= limit {
				denied = true
				overRaw = len(tr.Timestamps) >= d.quota.MaxRequests
				retry = tr.Timestamps[0].Add(d.quota.Window).Sub(now)
				return
			}
			tr.Timestamps = append(tr.Timestamps, now)
			left = limit - len(tr.Timestamps)
		})
		if denied {
			l.release(held, now)
			reason := ReasonRateLimitExceeded
			if tightened && !overRaw {
				reason = ReasonSuspiciousBehavior
			}
			return Decision{Reason: reason, RetryAfter: retry}
		}
		held = append(held, d.key)
		if left < remaining {
			remaining = left
		}
	}
	if remaining == math.MaxInt {
		remaining = -1
	}
	return Decision{Allowed: true, Remaining: remaining}
}

func (l *Limiter) release(keys []string, at time.Time) {
	for _, key := range keys {
		l.trackers.peek(key, func(tr *Tracker) {
			for i := len(tr.Timestamps) - 1; i >= 0; i-- {
				if tr.Timestamps[i].Equal(at) {
					tr.Timestamps = append(tr.Timestamps[:i], tr.Timestamps[i+1:]...)
					return
				}
			}
		})
	}
}

// Snapshot returns a copy of the tracker for key, e.g. "ip:10.0.0.1".
func (l *Limiter) Snapshot(key string) (Tracker, bool) {
	var out Tracker
	ok := l.trackers.peek(key, func(tr *Tracker) { out = tr.snapshot() })
	return out, ok
}

// TrackedKeys returns the number of live trackers.
func (l *Limiter) TrackedKeys() int { return l.trackers.size() }
