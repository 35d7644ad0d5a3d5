package codes

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"accessgate.org/internal/audit"
	"accessgate.org/internal/obs"
)

// SweepReport summarises one adaptive sweep.
type SweepReport struct {
	Scanned   int `json:"scanned"`
	Rescored  int `json:"rescored"`
	Tightened int `json:"tightened"`
	Suspended int `json:"suspended"`
	Expired   int `json:"expired"`
	Purged    int `json:"purged"`
	Active    int `json:"active"`
}

// Sweep re-scores usage patterns, tightens expiry and usage caps of risky
// codes, suspends anomalous ones, marks expired codes and purges those
// expired longer than PurgeGrace. It walks a snapshot and mutates one code
// at a time.
func (s *Service) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	all, err := s.store.List(ctx, "")
	if err != nil {
		return rep, fmt.Errorf("codes: sweep list: %w", err)
	}
	for _, snap := range all {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Scanned++
		now := s.now()
		if snap.Status == StatusExpired || snap.Expired(now) {
			s.sweepExpired(ctx, snap, now, &rep)
			continue
		}

		var (
			action  string
			pattern UsagePattern
		)
		updated, err := s.store.Update(ctx, snap.ID, func(c *AccessCode) error {
			action = ""
			if settle(c, now) {
				return nil
			}
			pattern = s.usagePattern(c, now)
			c.Usage = pattern
			if !c.IsActive() {
				return nil
			}
			switch {
			case pattern.Score >= s.cfg.Sweep.SuspendScore:
				c.Status = StatusSuspended
				c.StatusReason = "anomaly: " + strings.Join(pattern.Indicators, ",")
				c.UpdatedAt = now
				action = "suspended"
			case pattern.Score >= s.cfg.Sweep.TightenScore && c.TightenedAt.IsZero():
				s.tighten(c, pattern, now)
				action = "tightened"
			}
			return nil
		})
		if err != nil {
			s.log.Warn("sweep update failed", zap.String("code_id", snap.ID), zap.Error(err))
			continue
		}
		rep.Rescored++
		switch action {
		case "suspended":
			rep.Suspended++
			s.logActivity(ctx, audit.Entry{
				Activity:      audit.ActivityCodeSuspended,
				InstitutionID: updated.InstitutionID,
				Details: map[string]any{
					"code_id":    updated.ID,
					"trigger":    "sweep",
					"indicators": pattern.Indicators,
					"score":      pattern.Score,
				},
			})
			s.audit.CreateAlert("CODE_ANOMALY",
				fmt.Sprintf("code %s suspended: %s", updated.ID, strings.Join(pattern.Indicators, ", ")),
				audit.AlertHigh,
				map[string]any{"code_id": updated.ID, "institution_id": updated.InstitutionID, "score": pattern.Score, "indicators": pattern.Indicators})
		case "tightened":
			rep.Tightened++
			s.logActivity(ctx, audit.Entry{
				Activity:      audit.ActivityStatusUpdated,
				InstitutionID: updated.InstitutionID,
				Success:       true,
				Details: map[string]any{
					"code_id":    updated.ID,
					"trigger":    "sweep",
					"action":     "tightened",
					"expires_at": updated.ExpiresAt,
					"max_usage":  updated.MaxUsage,
					"score":      pattern.Score,
				},
			})
		}
		if updated.IsActive() {
			rep.Active++
		}
	}

	obs.ActiveCodes.Set(float64(rep.Active))
	s.logActivity(ctx, audit.Entry{
		Activity: audit.ActivitySweep,
		Success:  true,
		Details: map[string]any{
			"scanned":   rep.Scanned,
			"tightened": rep.Tightened,
			"suspended": rep.Suspended,
			"expired":   rep.Expired,
			"purged":    rep.Purged,
			"active":    rep.Active,
		},
	})
	return rep, nil
}

func (s *Service) sweepExpired(ctx context.Context, snap AccessCode, now time.Time, rep *SweepReport) {
	if snap.Status != StatusExpired {
		if _, err := s.store.Update(ctx, snap.ID, func(c *AccessCode) error {
			settle(c, now)
			return nil
		}); err == nil {
			rep.Expired++
		}
	}
	if now.Sub(snap.ExpiresAt) < s.cfg.Sweep.PurgeGrace {
		return
	}
	if err := s.store.Delete(ctx, snap.ID); err != nil {
		s.log.Warn("purge failed", zap.String("code_id", snap.ID), zap.Error(err))
		return
	}
	rep.Purged++
	s.logActivity(ctx, audit.Entry{
		Activity:      audit.ActivityCodeDeleted,
		InstitutionID: snap.InstitutionID,
		Success:       true,
		Details:       map[string]any{"code_id": snap.ID, "trigger": "expiry_purge", "expired_at": snap.ExpiresAt},
	})
}

// usagePattern derives frequency, source and failure indicators from the
// access history and scores them additively, carrying over part of the
// code's latest validation risk.
func (s *Service) usagePattern(c *AccessCode, now time.Time) UsagePattern {
	sc := s.cfg.Sweep
	p := UsagePattern{PeakHour: -1, EvaluatedAt: now}
	var (
		hours    [24]int
		ips      = map[string]struct{}{}
		off      int
		fails    int
		lastHour int
	)
	cutoff := now.Add(-time.Hour)
	for _, h := range c.History {
		hour := h.At.UTC().Hour()
		if h.Success {
			hours[hour]++
			if h.At.After(cutoff) {
				lastHour++
			}
		} else {
			fails++
		}
		if h.IP != "" {
			ips[h.IP] = struct{}{}
		}
		if inHourRange(hour, sc.OffHoursStart, sc.OffHoursEnd) {
			off++
		}
	}
	best := 0
	for h, n := range hours {
		if n > best {
			best, p.PeakHour = n, h
		}
	}
	p.HourlyRate = float64(lastHour)
	p.DistinctIPs = len(ips)
	if n := len(c.History); n > 0 {
		p.OffHoursRatio = float64(off) / float64(n)
		p.FailureRate = float64(fails) / float64(n)
	}

	expected := 0.0
	if lifetime := c.ExpiresAt.Sub(c.CreatedAt).Hours(); c.MaxUsage > 0 && lifetime > 0 {
		expected = float64(c.MaxUsage) / lifetime
	} else if age := now.Sub(c.CreatedAt).Hours(); age > 0 {
		expected = float64(c.UsageCount) / math.Max(1, age)
	}
	expected = math.Max(1, expected)

	add := func(indicator string, points float64) {
		p.Indicators = append(p.Indicators, indicator)
		p.Score += points
	}
	if sc.SpikeMultiplier > 0 && p.HourlyRate > expected*sc.SpikeMultiplier {
		add("usage_spike", sc.SpikePoints)
	}
	enough := len(c.History) >= sc.MinFailureSamples
	if enough && p.FailureRate >= sc.HighFailureRate {
		add("high_failure_rate", sc.FailurePoints)
	}
	if sc.ManyIPs > 0 && p.DistinctIPs >= sc.ManyIPs {
		add("many_ips", sc.ManyIPsPoints)
	}
	if enough && sc.OffHoursRatio > 0 && p.OffHoursRatio >= sc.OffHoursRatio {
		add("off_hours", sc.OffHoursPoints)
	}
	p.Score = math.Min(100, p.Score+c.RiskScore*sc.RiskCarry)
	return p
}

// tighten shrinks the remaining lifetime and usage headroom by TightenFactor.
// Lifetime never drops below MinRemaining unless it was already shorter.
func (s *Service) tighten(c *AccessCode, p UsagePattern, now time.Time) {
	sc := s.cfg.Sweep
	remaining := c.ExpiresAt.Sub(now)
	target := time.Duration(float64(remaining) * sc.TightenFactor)
	if target < sc.MinRemaining {
		target = min(remaining, sc.MinRemaining)
	}
	if target < remaining {
		c.ExpiresAt = now.Add(target)
	}
	if c.MaxUsage > 0 {
		left := c.MaxUsage - c.UsageCount
		c.MaxUsage = c.UsageCount + int(math.Ceil(float64(left)*sc.TightenFactor))
	} else {
		c.MaxUsage = c.UsageCount + max(sc.TightenHeadroom, int(math.Ceil(p.HourlyRate)))
	}
	c.TightenedAt = now
	c.UpdatedAt = now
}

func inHourRange(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}
