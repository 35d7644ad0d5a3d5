package ratelimit

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// MaintenanceReport summarises one maintenance pass.
type MaintenanceReport struct {
	EvictedKeys     int `json:"evicted_keys"`
	ExpiredBlocks   int `json:"expired_blocks"`
	ResolvedThreats int `json:"resolved_threats"`
	LiveKeys        int `json:"live_keys"`
}

// Maintenance evicts idle trackers, lifts expired blocks and resolves threat
// records whose ban has lapsed. Each shard is locked only while it is swept.
func (l *Limiter) Maintenance(ctx context.Context) (MaintenanceReport, error) {
	now := l.now()
	var rep MaintenanceReport

	idle := now.Add(-l.cfg.IdleTTL)
	rep.EvictedKeys = l.trackers.evict(func(tr *Tracker) bool {
		return tr.LastSeen.Before(idle) && !tr.lockedAt(now)
	})
	rep.ExpiredBlocks = l.expireBlocks(now)

	var lapsed []ThreatRecord
	l.threatMu.Lock()
	for id, r := range l.threats {
		if !r.Permanent() && !r.BannedUntil.After(now) {
			lapsed = append(lapsed, r)
			delete(l.threats, id)
		}
	}
	l.threatMu.Unlock()

	var errs []error
	for _, r := range lapsed {
		if err := l.store.ResolveThreat(ctx, r.ID, now); err != nil && !errors.Is(err, ErrThreatNotFound) {
			errs = append(errs, err)
			continue
		}
		rep.ResolvedThreats++
	}
	rep.LiveKeys = l.trackers.size()
	if len(errs) > 0 {
		l.log.Warn("threat resolution failed", zap.Int("failures", len(errs)))
	}
	return rep, errors.Join(errs...)
}
