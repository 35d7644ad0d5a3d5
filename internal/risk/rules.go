package risk

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// CodeAgeRule flags use late in a code's lifetime and a first use arriving
// right after issuance.
type CodeAgeRule struct {
	Ratio       float64
	FreshWindow time.Duration
	LatePoints  float64
	FreshPoints float64
}

func (r *CodeAgeRule) Name() string { return "code_age" }

func (r *CodeAgeRule) Description() string {
	return fmt.Sprintf("use after %.0f%% of the lifetime or within %s of issuance", r.Ratio*100, r.FreshWindow)
}

func (r *CodeAgeRule) Score(in Input) (float64, string) {
	if in.CodeCreatedAt.IsZero() || in.CodeExpiresAt.IsZero() {
		return 0, ""
	}
	lifetime := in.CodeExpiresAt.Sub(in.CodeCreatedAt)
	age := in.At.Sub(in.CodeCreatedAt)
	if lifetime > 0 && r.Ratio > 0 && float64(age) >= float64(lifetime)*r.Ratio {
		return r.LatePoints, fmt.Sprintf("used at %.0f%% of its lifetime", float64(age)/float64(lifetime)*100)
	}
	if in.UsageCount == 0 && r.FreshWindow > 0 && age >= 0 && age < r.FreshWindow {
		return r.FreshPoints, fmt.Sprintf("first use %s after issuance", age.Round(time.Millisecond))
	}
	return 0, ""
}

// UsageVelocityRule compares the last hour's uses with the expected rate and
// flags back-to-back reuse.
type UsageVelocityRule struct {
	ExpectedPerHour float64
	Multiplier      float64
	MinInterval     time.Duration
	SpikePoints     float64
	RapidPoints     float64
}

func (r *UsageVelocityRule) Name() string { return "usage_velocity" }

func (r *UsageVelocityRule) Description() string {
	return fmt.Sprintf("hourly uses above %.1fx the expected rate or reuse within %s", r.Multiplier, r.MinInterval)
}

// expected is the hourly rate a code is issued for: its cap spread over its
// lifetime when capped, otherwise the configured default. Never below one.
func (r *UsageVelocityRule) expected(in Input) float64 {
	exp := r.ExpectedPerHour
	if lifetime := in.CodeExpiresAt.Sub(in.CodeCreatedAt).Hours(); in.MaxUsage > 0 && lifetime > 0 {
		exp = float64(in.MaxUsage) / lifetime
	}
	return math.Max(1, exp)
}

func (r *UsageVelocityRule) Score(in Input) (float64, string) {
	var pts float64
	var reasons []string
	cutoff := in.At.Add(-time.Hour)
	lastHour := 1
	for _, t := range in.Uses {
		if t.After(cutoff) {
			lastHour++
		}
	}
	if exp := r.expected(in); r.Multiplier > 0 && float64(lastHour) > exp*r.Multiplier {
		pts += r.SpikePoints
		reasons = append(reasons, fmt.Sprintf("%d uses in the last hour, expected %.1f", lastHour, exp))
	}
	if n := len(in.Uses); n > 0 && r.MinInterval > 0 {
		if gap := in.At.Sub(in.Uses[n-1]); gap < r.MinInterval {
			pts += r.RapidPoints
			reasons = append(reasons, fmt.Sprintf("reused after %s", gap.Round(time.Millisecond)))
		}
	}
	return pts, strings.Join(reasons, "; ")
}

// IPReputationRule scales the source IP's reputation into points.
type IPReputationRule struct {
	Reputation *Reputation
	MaxPoints  float64
}

func (r *IPReputationRule) Name() string { return "ip_reputation" }

func (r *IPReputationRule) Description() string {
	return "source IP previously failed validation or triggered attack signatures"
}

func (r *IPReputationRule) Score(in Input) (float64, string) {
	if r.Reputation == nil || in.IP == "" {
		return 0, ""
	}
	rep := r.Reputation.Score(in.IP)
	if rep <= 0 {
		return 0, ""
	}
	return rep / 100 * r.MaxPoints, fmt.Sprintf("ip reputation %.0f", rep)
}

// TimeOfDayRule flags validations inside the off-hours window (UTC).
type TimeOfDayRule struct {
	Start, End int
	Points     float64
}

func (r *TimeOfDayRule) Name() string { return "time_of_day" }

func (r *TimeOfDayRule) Description() string {
	return fmt.Sprintf("validation between %02d:00 and %02d:00 UTC", r.Start, r.End)
}

func (r *TimeOfDayRule) Score(in Input) (float64, string) {
	h := in.At.UTC().Hour()
	if !inHourRange(h, r.Start, r.End) {
		return 0, ""
	}
	return r.Points, fmt.Sprintf("off-hours at %02d:00", h)
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

// UserAgentRule flags missing agents and known automation tools.
type UserAgentRule struct {
	Tools         []string
	MissingPoints float64
	ToolPoints    float64
}

func (r *UserAgentRule) Name() string { return "user_agent" }

func (r *UserAgentRule) Description() string {
	return "missing user agent or automation tool signature"
}

func (r *UserAgentRule) Score(in Input) (float64, string) {
	ua := strings.ToLower(strings.TrimSpace(in.UserAgent))
	if ua == "" {
		return r.MissingPoints, "missing user agent"
	}
	for _, t := range r.Tools {
		if t != "" && strings.Contains(ua, strings.ToLower(t)) {
			return r.ToolPoints, "automation agent " + t
		}
	}
	return 0, ""
}

// NewIPRule flags an IP the code has never been used from, once the code has
// enough history to know its usual sources.
type NewIPRule struct {
	MinHistory int
	Points     float64
}

func (r *NewIPRule) Name() string { return "new_ip_for_code" }

func (r *NewIPRule) Description() string {
	return fmt.Sprintf("source IP unseen in the code's last %d+ uses", r.MinHistory)
}

func (r *NewIPRule) Score(in Input) (float64, string) {
	if in.IP == "" || len(in.KnownIPs) < 1 || len(in.Uses) < r.MinHistory {
		return 0, ""
	}
	for _, ip := range in.KnownIPs {
		if ip == in.IP {
			return 0, ""
		}
	}
	return r.Points, "first use from " + in.IP
}

// BehaviorRule carries a fraction of the limiter's behaviour score over.
type BehaviorRule struct {
	Carry float64
}

func (r *BehaviorRule) Name() string { return "behavior" }

func (r *BehaviorRule) Description() string {
	return "request behaviour observed by the rate limiter"
}

func (r *BehaviorRule) Score(in Input) (float64, string) {
	if r.Carry <= 0 || in.BehaviorScore <= 0 {
		return 0, ""
	}
	return in.BehaviorScore * r.Carry, fmt.Sprintf("behaviour score %.0f", in.BehaviorScore)
}
