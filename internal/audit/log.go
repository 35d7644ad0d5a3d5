// Package audit is the append-only activity log: redaction, classification,
// behavioural profiles with anomaly alerts, day-partitioned persistence,
// reporting and retention.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"accessgate.org/internal/ids"
	"accessgate.org/internal/obs"
)

var (
	ErrActivityRequired = errors.New("audit: activity name is required")
	ErrAlertNotFound    = errors.New("audit: alert not found")
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Config holds audit policy.
type Config struct {
	// Dir holds the day partitions. Empty keeps entries in memory only.
	Dir               string `yaml:"dir"`
	BatchSize         int    `yaml:"batch_size"`
	TailSize          int    `yaml:"tail_size"`
	MaxAlerts         int    `yaml:"max_alerts"`
	RetentionDays     int    `yaml:"retention_days"`
	CompressAfterDays int    `yaml:"compress_after_days"`

	ProfileIdleTTL time.Duration `yaml:"profile_idle_ttl"`
	AlertCooldown  time.Duration `yaml:"alert_cooldown"`
	ActivityWindow time.Duration `yaml:"activity_window"`

	HighActivityCount    int     `yaml:"high_activity_count"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold"`
	MinFailureSamples    int     `yaml:"min_failure_samples"`
	FamiliarityMinEvents int     `yaml:"familiarity_min_events"`
	MaxCommonIPs         int     `yaml:"max_common_ips"`

	HighRiskUserScore float64 `yaml:"high_risk_user_score"`
	AlertPenalty      float64 `yaml:"alert_penalty"`
	HighRiskPenalty   float64 `yaml:"high_risk_penalty"`
	MaxRecentPerActor int     `yaml:"max_recent_per_actor"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:            100,
		TailSize:             5000,
		MaxAlerts:            1000,
		RetentionDays:        90,
		CompressAfterDays:    7,
		ProfileIdleTTL:       24 * time.Hour,
		AlertCooldown:        15 * time.Minute,
		ActivityWindow:       time.Hour,
		HighActivityCount:    100,
		FailureRateThreshold: 0.5,
		MinFailureSamples:    10,
		FamiliarityMinEvents: 5,
		MaxCommonIPs:         10,
		HighRiskUserScore:    70,
		AlertPenalty:         2,
		HighRiskPenalty:      5,
		MaxRecentPerActor:    500,
	}
}

// Validate rejects configurations the logger cannot run with.
func (c Config) Validate() error {
	if c.BatchSize <= 0 || c.TailSize <= 0 || c.MaxAlerts <= 0 {
		return errors.New("audit: batch_size, tail_size and max_alerts must be positive")
	}
	if c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 1 {
		return fmt.Errorf("audit: failure_rate_threshold %v out of (0,1]", c.FailureRateThreshold)
	}
	if c.ActivityWindow <= 0 {
		return errors.New("audit: activity_window must be positive")
	}
	return nil
}

// Logger is safe for concurrent use.
type Logger struct {
	cfg  Config
	now  func() time.Time
	log  *zap.Logger
	sink Sink

	mu     sync.Mutex
	buffer []Entry
	tail   []Entry

	profMu    sync.Mutex
	ips       map[string]*Profile
	users     map[string]*Profile
	lastAlert map[string]time.Time

	alertMu sync.Mutex
	alerts  []Alert
}

// Option configures a Logger.
type Option func(*Logger) error

// WithClock overrides the time source, used in tests.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) error {
		if now != nil {
			l.now = now
		}
		return nil
	}
}

// WithLogger sets the zap logger entries are mirrored to.
func WithLogger(log *zap.Logger) Option {
	return func(l *Logger) error {
		if log != nil {
			l.log = log
		}
		return nil
	}
}

// WithSink overrides the durable sink.
func WithSink(s Sink) Option {
	return func(l *Logger) error {
		if s != nil {
			l.sink = s
		}
		return nil
	}
}

// New constructs a Logger. Without WithSink, entries go to a FileSink under
// cfg.Dir, or to memory when Dir is empty.
func New(cfg Config, opts ...Option) (*Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Logger{
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		log:       obs.Logger().Named("audit"),
		ips:       make(map[string]*Profile),
		users:     make(map[string]*Profile),
		lastAlert: make(map[string]time.Time),
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	if l.sink == nil {
		if cfg.Dir != "" {
			fs, err := NewFileSink(cfg.Dir)
			if err != nil {
				return nil, err
			}
			l.sink = fs
		} else {
			l.sink = NewMemorySink()
		}
	}
	return l, nil
}

// LogActivity records one activity and returns its log id. Details are
// redacted before the entry is stored or mirrored anywhere. A non-nil error
// means the entry was accepted but a batch flush failed; the batch stays
// queued for the next flush.
func (l *Logger) LogActivity(ctx context.Context, e Entry) (string, error) {
	e.Activity = strings.TrimSpace(e.Activity)
	if e.Activity == "" {
		return "", ErrActivityRequired
	}
	now := l.now()
	e.ID = ids.NewAt(now)
	e.Timestamp = now
	if e.RequestID == "" {
		e.RequestID = RequestIDFromContext(ctx)
	}
	cat, sev := Classify(e.Activity, e.Success)
	if e.Category == "" {
		e.Category = cat
	}
	if e.Severity == "" {
		e.Severity = sev
	}
	e.Details = Redact(e.Details)

	l.mirror(e)
	obs.AuditEntries.WithLabelValues(string(e.Category), string(e.Severity)).Inc()
	l.observe(e)

	l.mu.Lock()
	l.tail = append(l.tail, e)
	if over := len(l.tail) - l.cfg.TailSize; over > 0 {
		l.tail = append(l.tail[:0], l.tail[over:]...)
	}
	l.buffer = append(l.buffer, e)
	var batch []Entry
	if len(l.buffer) >= l.cfg.BatchSize {
		batch = l.buffer
		l.buffer = nil
	}
	l.mu.Unlock()

	if batch != nil {
		if err := l.write(ctx, batch); err != nil {
			return e.ID, err
		}
	}
	return e.ID, nil
}

func (l *Logger) mirror(e Entry) {
	fields := []zap.Field{
		zap.String("log_id", e.ID),
		zap.String("activity", e.Activity),
		zap.String("category", string(e.Category)),
		zap.String("severity", string(e.Severity)),
		zap.Bool("success", e.Success),
	}
	if e.UserID != "" {
		fields = append(fields, zap.String("user_id", e.UserID))
	}
	if e.IP != "" {
		fields = append(fields, zap.String("ip", e.IP))
	}
	if e.InstitutionID != "" {
		fields = append(fields, zap.String("institution_id", e.InstitutionID))
	}
	if e.RequestID != "" {
		fields = append(fields, zap.String("request_id", e.RequestID))
	}
	if len(e.Details) > 0 {
		fields = append(fields, zap.Any("details", e.Details))
	}
	switch e.Severity {
	case SeverityCritical:
		l.log.Error("audit", fields...)
	case SeverityWarning:
		l.log.Warn("audit", fields...)
	default:
		l.log.Info("audit", fields...)
	}
}

// write persists a batch, re-queueing it in front of newer entries on failure.
func (l *Logger) write(ctx context.Context, batch []Entry) error {
	if err := l.sink.Append(ctx, batch); err != nil {
		l.mu.Lock()
		l.buffer = append(batch, l.buffer...)
		if limit := l.cfg.BatchSize * 10; len(l.buffer) > limit {
			dropped := len(l.buffer) - limit
			l.buffer = l.buffer[dropped:]
			l.log.Error("audit buffer overflow, dropping oldest entries", zap.Int("dropped", dropped))
		}
		l.mu.Unlock()
		l.log.Error("audit flush failed", zap.Int("entries", len(batch)), zap.Error(err))
		return fmt.Errorf("audit: flush: %w", err)
	}
	return nil
}

// Flush writes any buffered entries to the sink.
func (l *Logger) Flush(ctx context.Context) error {
	l.mu.Lock()
	batch := l.buffer
	l.buffer = nil
	l.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	return l.write(ctx, batch)
}

// Pending returns the number of entries not yet flushed.
func (l *Logger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buffer)
}

// Recent returns up to limit of the newest entries, newest first.
func (l *Logger) Recent(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > len(l.tail) {
		limit = len(l.tail)
	}
	out := make([]Entry, 0, limit)
	for i := len(l.tail) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.tail[i])
	}
	return out
}

func (l *Logger) tailSince(since time.Time) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.tail {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out
}
