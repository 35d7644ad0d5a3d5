package audit

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Profile holds rolling behavioural aggregates for one user or IP.
type Profile struct {
	Key           string         `json:"key"`
	Total         int            `json:"total"`
	Successes     int            `json:"successes"`
	Failures      int            `json:"failures"`
	CommonIPs     map[string]int `json:"common_ips,omitempty"`
	HourHistogram [24]int        `json:"hour_histogram"`
	Recent        []time.Time    `json:"-"`
	FirstSeen     time.Time      `json:"first_seen"`
	LastSeen      time.Time      `json:"last_seen"`
	RiskScore     float64        `json:"risk_score"`
}

// FailureRate is failures over total, 0 without events.
func (p *Profile) FailureRate() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Failures) / float64(p.Total)
}

// PeakHours returns up to n hours of day with the most activity, busiest first.
func (p *Profile) PeakHours(n int) []int {
	hours := make([]int, 0, 24)
	for h, c := range p.HourHistogram {
		if c > 0 {
			hours = append(hours, h)
		}
	}
	sort.SliceStable(hours, func(i, j int) bool {
		return p.HourHistogram[hours[i]] > p.HourHistogram[hours[j]]
	})
	if n > 0 && len(hours) > n {
		hours = hours[:n]
	}
	return hours
}

func (p *Profile) clone() Profile {
	cp := *p
	cp.Recent = append([]time.Time(nil), p.Recent...)
	if p.CommonIPs != nil {
		cp.CommonIPs = make(map[string]int, len(p.CommonIPs))
		for k, v := range p.CommonIPs {
			cp.CommonIPs[k] = v
		}
	}
	return cp
}

type pendingAlert struct {
	alertType string
	message   string
	severity  string
	data      map[string]any
}

// observe updates the per-IP and per-user profiles and raises anomaly alerts
// outside the profile lock.
func (l *Logger) observe(e Entry) {
	now := e.Timestamp
	var pending []pendingAlert

	l.profMu.Lock()
	if e.IP != "" {
		p := profileFor(l.ips, e.IP, now)
		l.record(p, e)
		pending = append(pending, l.checkActor(p, "ip", now)...)
	}
	if e.UserID != "" {
		p := profileFor(l.users, e.UserID, now)
		unfamiliar := e.IP != "" && p.Total >= l.cfg.FamiliarityMinEvents && p.CommonIPs[e.IP] == 0
		l.record(p, e)
		if unfamiliar && l.cooldownPassed("UNFAMILIAR_IP:"+p.Key, now) {
			pending = append(pending, pendingAlert{
				alertType: "UNFAMILIAR_IP",
				message:   fmt.Sprintf("user %s active from unfamiliar IP %s", p.Key, e.IP),
				severity:  AlertMedium,
				data:      map[string]any{"user_id": p.Key, "ip": e.IP, "activity": e.Activity},
			})
		}
		pending = append(pending, l.checkActor(p, "user", now)...)
	}
	l.profMu.Unlock()

	for _, a := range pending {
		l.CreateAlert(a.alertType, a.message, a.severity, a.data)
	}
}

func profileFor(m map[string]*Profile, key string, now time.Time) *Profile {
	p, ok := m[key]
	if !ok {
		p = &Profile{Key: key, FirstSeen: now}
		m[key] = p
	}
	return p
}

func (l *Logger) record(p *Profile, e Entry) {
	now := e.Timestamp
	p.Total++
	if e.Success {
		p.Successes++
	} else {
		p.Failures++
	}
	p.HourHistogram[now.UTC().Hour()]++
	p.LastSeen = now

	cutoff := now.Add(-l.cfg.ActivityWindow)
	i := 0
	for i < len(p.Recent) && p.Recent[i].Before(cutoff) {
		i++
	}
	p.Recent = append(p.Recent[i:], now)
	if limit := l.cfg.MaxRecentPerActor; limit > 0 && len(p.Recent) > limit {
		p.Recent = p.Recent[len(p.Recent)-limit:]
	}

	if e.IP != "" && p.Key != e.IP {
		if p.CommonIPs == nil {
			p.CommonIPs = make(map[string]int)
		}
		if _, known := p.CommonIPs[e.IP]; !known && l.cfg.MaxCommonIPs > 0 && len(p.CommonIPs) >= l.cfg.MaxCommonIPs {
			evictRarest(p.CommonIPs)
		}
		p.CommonIPs[e.IP]++
	}

	activity := 0.0
	if l.cfg.HighActivityCount > 0 {
		activity = math.Min(1, float64(len(p.Recent))/float64(l.cfg.HighActivityCount))
	}
	p.RiskScore = math.Min(100, p.FailureRate()*70+activity*30)
}

func evictRarest(m map[string]int) {
	var victim string
	min := math.MaxInt
	for k, v := range m {
		if v < min || (v == min && k < victim) {
			victim, min = k, v
		}
	}
	delete(m, victim)
}

func (l *Logger) checkActor(p *Profile, kind string, now time.Time) []pendingAlert {
	var out []pendingAlert
	if l.cfg.HighActivityCount > 0 && len(p.Recent) >= l.cfg.HighActivityCount &&
		l.cooldownPassed("HIGH_ACTIVITY_RATE:"+kind+":"+p.Key, now) {
		out = append(out, pendingAlert{
			alertType: "HIGH_ACTIVITY_RATE",
			message:   fmt.Sprintf("%s %s logged %d events within %s", kind, p.Key, len(p.Recent), l.cfg.ActivityWindow),
			severity:  AlertHigh,
			data:      map[string]any{kind: p.Key, "events": len(p.Recent)},
		})
	}
	if p.Total >= l.cfg.MinFailureSamples && p.FailureRate() >= l.cfg.FailureRateThreshold &&
		l.cooldownPassed("HIGH_FAILURE_RATE:"+kind+":"+p.Key, now) {
		out = append(out, pendingAlert{
			alertType: "HIGH_FAILURE_RATE",
			message:   fmt.Sprintf("%s %s failure rate %.0f%%", kind, p.Key, p.FailureRate()*100),
			severity:  AlertHigh,
			data:      map[string]any{kind: p.Key, "failures": p.Failures, "total": p.Total},
		})
	}
	return out
}

// cooldownPassed reports whether an alert keyed by key may fire and, if so,
// starts its cooldown. Callers hold profMu.
func (l *Logger) cooldownPassed(key string, now time.Time) bool {
	if last, ok := l.lastAlert[key]; ok && now.Sub(last) < l.cfg.AlertCooldown {
		return false
	}
	l.lastAlert[key] = now
	return true
}

// UserProfile returns a copy of the profile for userID.
func (l *Logger) UserProfile(userID string) (Profile, bool) {
	l.profMu.Lock()
	defer l.profMu.Unlock()
	p, ok := l.users[userID]
	if !ok {
		return Profile{}, false
	}
	return p.clone(), true
}

// IPProfile returns a copy of the profile for ip.
func (l *Logger) IPProfile(ip string) (Profile, bool) {
	l.profMu.Lock()
	defer l.profMu.Unlock()
	p, ok := l.ips[ip]
	if !ok {
		return Profile{}, false
	}
	return p.clone(), true
}

func (l *Logger) highRiskUsers(since time.Time) []string {
	l.profMu.Lock()
	defer l.profMu.Unlock()
	var out []string
	for id, p := range l.users {
		if p.RiskScore >= l.cfg.HighRiskUserScore && !p.LastSeen.Before(since) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (l *Logger) evictProfiles(now time.Time) int {
	cutoff := now.Add(-l.cfg.ProfileIdleTTL)
	l.profMu.Lock()
	defer l.profMu.Unlock()
	n := 0
	for _, m := range []map[string]*Profile{l.ips, l.users} {
		for k, p := range m {
			if p.LastSeen.Before(cutoff) {
				delete(m, k)
				n++
			}
		}
	}
	for k, t := range l.lastAlert {
		if now.Sub(t) >= l.cfg.AlertCooldown {
			delete(l.lastAlert, k)
		}
	}
	return n
}
