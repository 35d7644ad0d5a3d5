package ratelimit

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"accessgate.org/internal/obs"
	"accessgate.org/internal/threat"
)

// ErrThreatNotFound is returned by ThreatStore when a record is absent.
var ErrThreatNotFound = errors.New("ratelimit: threat record not found")

// ThreatRecord is one detected attack and the ban attached to it.
type ThreatRecord struct {
	ID         string          `json:"id"`
	IP         string          `json:"ip,omitempty"`
	UserID     string          `json:"user_id,omitempty"`
	Types      []threat.Family `json:"types"`
	Severity   int             `json:"severity"`
	Confidence float64         `json:"confidence"`
	DetectedAt time.Time       `json:"detected_at"`
	// BannedUntil is zero for a permanent ban.
	BannedUntil time.Time `json:"banned_until"`
	Resolved    bool      `json:"resolved"`
	ResolvedAt  time.Time `json:"resolved_at,omitempty"`
}

// Permanent reports whether the ban never expires.
func (r ThreatRecord) Permanent() bool { return r.BannedUntil.IsZero() }

func (r ThreatRecord) retryAfter(now time.Time) time.Duration {
	if r.Permanent() {
		return 0
	}
	return r.BannedUntil.Sub(now)
}

// ThreatStore persists threat records so unresolved bans survive restarts.
type ThreatStore interface {
	SaveThreat(ctx context.Context, rec ThreatRecord) error
	ListActiveThreats(ctx context.Context) ([]ThreatRecord, error)
	ResolveThreat(ctx context.Context, id string, at time.Time) error
}

// MemoryThreatStore keeps threat records in process memory.
type MemoryThreatStore struct {
	mu      sync.RWMutex
	records map[string]ThreatRecord
}

var _ ThreatStore = (*MemoryThreatStore)(nil)

func NewMemoryThreatStore() *MemoryThreatStore {
	return &MemoryThreatStore{records: make(map[string]ThreatRecord)}
}

func (s *MemoryThreatStore) SaveThreat(_ context.Context, rec ThreatRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Types = append([]threat.Family(nil), rec.Types...)
	s.records[rec.ID] = rec
	return nil
}

func (s *MemoryThreatStore) ListActiveThreats(_ context.Context) ([]ThreatRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ThreatRecord
	for _, r := range s.records {
		if !r.Resolved {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

func (s *MemoryThreatStore) ResolveThreat(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return ErrThreatNotFound
	}
	r.Resolved = true
	r.ResolvedAt = at
	s.records[id] = r
	return nil
}

// SeverityLabel maps a 0..100 severity to an alert severity.
func SeverityLabel(severity int) string {
	switch {
	case severity >= 90:
		return "CRITICAL"
	case severity >= 70:
		return "HIGH"
	case severity >= 40:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// severityFor is the highest table severity among families plus five per
// additional family, capped at 100.
func (l *Limiter) severityFor(families []threat.Family) int {
	top := 0
	for _, f := range families {
		if b, ok := l.cfg.Bans[f]; ok && b.Severity > top {
			top = b.Severity
		}
	}
	if top == 0 {
		top = 50
	}
	top += 5 * (len(families) - 1)
	if top > 100 {
		top = 100
	}
	return top
}

func (l *Limiter) banFor(families []threat.Family) time.Duration {
	var longest time.Duration
	for _, f := range families {
		if b, ok := l.cfg.Bans[f]; ok && b.Duration > longest {
			longest = b.Duration
		}
	}
	if longest == 0 {
		longest = time.Hour
	}
	return longest
}

// HandleAttack records a threat, bans the source IP and user for the longest
// ban among the matched families and raises an alert.
func (l *Limiter) HandleAttack(ctx context.Context, req Request, matches []threat.Match) ThreatRecord {
	now := l.now()
	families := threat.Families(matches)
	rec := ThreatRecord{
		IP:          req.IP,
		UserID:      req.UserID,
		Types:       families,
		Severity:    l.severityFor(families),
		Confidence:  threat.MaxConfidence(matches),
		DetectedAt:  now,
		BannedUntil: now.Add(l.banFor(families)),
	}
	l.Block(KindIP, req.IP, rec.BannedUntil)
	l.Block(KindUser, req.UserID, rec.BannedUntil)
	rec = l.saveThreat(ctx, rec)

	names := make([]string, len(families))
	for i, f := range families {
		names[i] = string(f)
		obs.ThreatsDetected.WithLabelValues(string(f)).Inc()
	}
	l.alerter.CreateAlert("ATTACK_DETECTED",
		"attack signature matched: "+strings.Join(names, ","),
		SeverityLabel(rec.Severity),
		map[string]any{
			"threat_id":    rec.ID,
			"ip":           req.IP,
			"user_id":      req.UserID,
			"types":        names,
			"severity":     rec.Severity,
			"banned_until": rec.BannedUntil,
		})
	l.log.Warn("attack detected",
		zap.String("threat_id", rec.ID),
		zap.String("ip", req.IP),
		zap.Strings("types", names),
		zap.Int("severity", rec.Severity))
	return rec
}

func (l *Limiter) saveThreat(ctx context.Context, rec ThreatRecord) ThreatRecord {
	rec.ID = uuid.NewString()
	l.threatMu.Lock()
	l.threats[rec.ID] = rec
	l.threatMu.Unlock()
	if err := l.store.SaveThreat(ctx, rec); err != nil {
		l.log.Error("persist threat record", zap.String("threat_id", rec.ID), zap.Error(err))
	}
	return rec
}

// ActiveThreats returns unresolved threat records, oldest first.
func (l *Limiter) ActiveThreats() []ThreatRecord {
	l.threatMu.Lock()
	out := make([]ThreatRecord, 0, len(l.threats))
	for _, r := range l.threats {
		out = append(out, r)
	}
	l.threatMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out
}

// LoadThreats re-applies the bans of unresolved records from the store.
// Records whose ban already lapsed are resolved instead.
func (l *Limiter) LoadThreats(ctx context.Context) (int, error) {
	recs, err := l.store.ListActiveThreats(ctx)
	if err != nil {
		return 0, err
	}
	now := l.now()
	loaded := 0
	for _, r := range recs {
		if !r.Permanent() && !r.BannedUntil.After(now) {
			if err := l.store.ResolveThreat(ctx, r.ID, now); err != nil {
				l.log.Warn("resolve stale threat", zap.String("threat_id", r.ID), zap.Error(err))
			}
			continue
		}
		l.Block(KindIP, r.IP, r.BannedUntil)
		l.Block(KindUser, r.UserID, r.BannedUntil)
		l.threatMu.Lock()
		l.threats[r.ID] = r
		l.threatMu.Unlock()
		loaded++
	}
	return loaded, nil
}
