package ratelimit

import (
	"math"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const regularitySamples = 8

// observeBehavior scores the actor behind req on 0..100 and stores the score
// on the actor's tracker.
func (l *Limiter) observeBehavior(req Request, now time.Time) float64 {
	keys := actorKeys(req)
	if len(keys) == 0 {
		return l.staticSignals(req, now)
	}
	var score float64
	l.trackers.update(keys[0], now, func(tr *Tracker) {
		w := l.cfg.Weights
		s := l.staticSignals(req, now)
		if tr.bucket == nil {
			tr.bucket = rate.NewLimiter(rate.Limit(l.cfg.BurstRate), l.cfg.BurstSize)
		}
		if !tr.bucket.AllowN(now, 1) {
			s += w.Burst
		}
		if regular(tr.Timestamps, now) {
			s += w.Regularity
		}
		score = clamp(s)
		tr.BehaviorScore = score
	})
	return score
}

func (l *Limiter) staticSignals(req Request, now time.Time) float64 {
	w := l.cfg.Weights
	var s float64
	if l.sensitivePath(req.Path) {
		s += w.SensitivePath
	}
	ua := strings.TrimSpace(req.UserAgent)
	switch {
	case ua == "":
		s += w.MissingAgent
	case l.suspectAgent(ua):
		s += w.SuspectAgent
	}
	if l.offHours(now) {
		s += w.OffHours
	}
	return s
}

func (l *Limiter) sensitivePath(path string) bool {
	if path == "" {
		return false
	}
	p := strings.ToLower(path)
	for _, prefix := range l.cfg.SensitivePaths {
		if prefix != "" && strings.HasPrefix(p, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}

func (l *Limiter) suspectAgent(ua string) bool {
	ua = strings.ToLower(ua)
	for _, marker := range l.cfg.SuspectAgents {
		if marker != "" && strings.Contains(ua, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

func (l *Limiter) offHours(now time.Time) bool {
	return InHourRange(now.UTC().Hour(), l.cfg.OffHoursStart, l.cfg.OffHoursEnd)
}

// InHourRange reports whether hour lies in [start, end), wrapping past midnight
// when start > end.
func InHourRange(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// regular flags machine-like timing: at least five intervals whose
// coefficient of variation is under 10%.
func regular(history []time.Time, now time.Time) bool {
	pts := history
	if len(pts) > regularitySamples {
		pts = pts[len(pts)-regularitySamples:]
	}
	pts = append(append([]time.Time(nil), pts...), now)
	if len(pts) < 6 {
		return false
	}
	intervals := make([]float64, 0, len(pts)-1)
	var sum float64
	for i := 1; i < len(pts); i++ {
		d := pts[i].Sub(pts[i-1]).Seconds()
		intervals = append(intervals, d)
		sum += d
	}
	mean := sum / float64(len(intervals))
	if mean <= 0 {
		return false
	}
	var variance float64
	for _, d := range intervals {
		variance += (d - mean) * (d - mean)
	}
	variance /= float64(len(intervals))
	return math.Sqrt(variance)/mean < 0.1
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

// BehaviorScore returns the last behavioural score recorded for an IP.
func (l *Limiter) BehaviorScore(ip string) float64 {
	var score float64
	l.trackers.peek("ip:"+ip, func(tr *Tracker) { score = tr.BehaviorScore })
	return score
}
