package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"accessgate.org/internal/threat"
)

// Lockout reports the failure state after a recorded failure.
type Lockout struct {
	Locked     bool
	Permanent  bool
	Until      time.Time
	RetryAfter time.Duration
	Failures   int
	Count      int
}

// actorKeys are the keys failures are charged to: the IP and the user when
// known, falling back to the session.
func actorKeys(req Request) []string {
	var keys []string
	if req.IP != "" {
		keys = append(keys, "ip:"+req.IP)
	}
	if req.UserID != "" {
		keys = append(keys, "user:"+req.UserID)
	}
	if len(keys) == 0 && req.SessionID != "" {
		keys = append(keys, "session:"+req.SessionID)
	}
	return keys
}

func (l *Limiter) checkLockout(req Request, now time.Time) (Decision, bool) {
	keys := actorKeys(req)
	if req.SessionID != "" && (req.IP != "" || req.UserID != "") {
		keys = append(keys, "session:"+req.SessionID)
	}
	var until time.Time
	for _, key := range keys {
		l.trackers.peek(key, func(tr *Tracker) {
			if tr.lockedAt(now) && tr.LockoutUntil.After(until) {
				until = tr.LockoutUntil
			}
		})
	}
	if until.IsZero() {
		return Decision{}, false
	}
	return Decision{Reason: ReasonLockedOut, RetryAfter: until.Sub(now), RiskScore: 50}, true
}

// lockoutDuration is BaseLockout * 2^count, capped at MaxLockout.
func (l *Limiter) lockoutDuration(count int) time.Duration {
	d := l.cfg.BaseLockout
	for i := 0; i < count && d < l.cfg.MaxLockout; i++ {
		d *= 2
	}
	if d > l.cfg.MaxLockout {
		d = l.cfg.MaxLockout
	}
	return d
}

// RecordFailure charges one failed attempt to the request's actor keys. When
// the failure count reaches MaxFailedAttempts the key is locked out; after
// MaxLockouts consecutive lockouts the actor is banned permanently.
func (l *Limiter) RecordFailure(ctx context.Context, req Request) Lockout {
	return l.recordFailure(ctx, req, l.now())
}

func (l *Limiter) recordFailure(ctx context.Context, req Request, now time.Time) Lockout {
	var out Lockout
	promote := false
	for _, key := range actorKeys(req) {
		var res Lockout
		l.trackers.update(key, now, func(tr *Tracker) {
			if tr.lockedAt(now) {
				res = Lockout{Locked: true, Until: tr.LockoutUntil, Count: tr.LockoutCount}
				return
			}
			tr.FailedAttempts++
			res.Failures = tr.FailedAttempts
			if tr.FailedAttempts < l.cfg.MaxFailedAttempts {
				return
			}
			d := l.lockoutDuration(tr.LockoutCount)
			tr.LockoutCount++
			tr.FailedAttempts = 0
			tr.LockoutUntil = now.Add(d)
			res = Lockout{Locked: true, Until: tr.LockoutUntil, Count: tr.LockoutCount}
			if l.cfg.MaxLockouts > 0 && tr.LockoutCount >= l.cfg.MaxLockouts {
				res.Permanent = true
			}
		})
		if res.Permanent {
			promote = true
		}
		out = mergeLockout(out, res)
	}
	if out.Locked {
		out.RetryAfter = out.Until.Sub(now)
		l.log.Info("actor locked out",
			zap.String("ip", req.IP),
			zap.String("user_id", req.UserID),
			zap.Int("lockouts", out.Count),
			zap.Duration("retry_after", out.RetryAfter))
	}
	if promote {
		l.promoteBan(ctx, req, now)
		out.Permanent = true
	}
	return out
}

func mergeLockout(a, b Lockout) Lockout {
	if b.Failures > a.Failures {
		a.Failures = b.Failures
	}
	if b.Count > a.Count {
		a.Count = b.Count
	}
	if b.Locked && b.Until.After(a.Until) {
		a.Locked = true
		a.Until = b.Until
	}
	a.Permanent = a.Permanent || b.Permanent
	return a
}

// promoteBan turns repeated lockouts into a permanent ban on the IP, or the
// user when no IP is known.
func (l *Limiter) promoteBan(ctx context.Context, req Request, now time.Time) {
	rec := ThreatRecord{
		IP:         req.IP,
		UserID:     req.UserID,
		Types:      []threat.Family{threat.BruteForce},
		Severity:   l.severityFor([]threat.Family{threat.BruteForce}),
		Confidence: 1,
		DetectedAt: now,
	}
	if req.IP != "" {
		l.Block(KindIP, req.IP, time.Time{})
	} else if req.UserID != "" {
		l.Block(KindUser, req.UserID, time.Time{})
	}
	rec = l.saveThreat(ctx, rec)
	l.alerter.CreateAlert("PERMANENT_BAN",
		"repeated lockouts promoted to a permanent ban",
		"CRITICAL",
		map[string]any{"ip": req.IP, "user_id": req.UserID, "threat_id": rec.ID})
	l.log.Warn("permanent ban", zap.String("ip", req.IP), zap.String("user_id", req.UserID))
}

// RecordSuccess clears the failure streak and consecutive lockout count of the
// request's actor keys.
func (l *Limiter) RecordSuccess(req Request) {
	now := l.now()
	for _, key := range actorKeys(req) {
		l.trackers.peek(key, func(tr *Tracker) {
			if tr.lockedAt(now) {
				return
			}
			tr.FailedAttempts = 0
			tr.LockoutCount = 0
		})
	}
}
