package audit

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
)

const defaultReportWindow = 24 * time.Hour

// Count is a ranked key.
type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// UsageReport aggregates the in-memory tail over a window.
type UsageReport struct {
	From          time.Time        `json:"from"`
	To            time.Time        `json:"to"`
	Total         int              `json:"total"`
	Successes     int              `json:"successes"`
	Failures      int              `json:"failures"`
	ByCategory    map[Category]int `json:"by_category"`
	BySeverity    map[Severity]int `json:"by_severity"`
	TopActivities []Count          `json:"top_activities"`
	TopUsers      []Count          `json:"top_users"`
	TopIPs        []Count          `json:"top_ips"`
	Hourly        [24]int          `json:"hourly"`
	Alerts        []Alert          `json:"alerts"`
}

// GenerateUsageReport summarises entries and alerts of the last window.
// A non-positive window means 24 hours.
func (l *Logger) GenerateUsageReport(window time.Duration) UsageReport {
	if window <= 0 {
		window = defaultReportWindow
	}
	to := l.now()
	from := to.Add(-window)
	rep := UsageReport{
		From:       from,
		To:         to,
		ByCategory: map[Category]int{},
		BySeverity: map[Severity]int{},
	}
	activities := map[string]int{}
	users := map[string]int{}
	ips := map[string]int{}
	for _, e := range l.tailSince(from) {
		rep.Total++
		if e.Success {
			rep.Successes++
		} else {
			rep.Failures++
		}
		rep.ByCategory[e.Category]++
		rep.BySeverity[e.Severity]++
		rep.Hourly[e.Timestamp.UTC().Hour()]++
		activities[e.Activity]++
		if e.UserID != "" {
			users[e.UserID]++
		}
		if e.IP != "" {
			ips[e.IP]++
		}
	}
	rep.TopActivities = topN(activities, 10)
	rep.TopUsers = topN(users, 10)
	rep.TopIPs = topN(ips, 10)
	rep.Alerts = l.alertsBetween(from, to)
	return rep
}

func topN(m map[string]int, n int) []Count {
	out := make([]Count, 0, len(m))
	for k, v := range m {
		out = append(out, Count{Key: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// SecurityTrends is the derived security posture over a window.
type SecurityTrends struct {
	From               time.Time      `json:"from"`
	To                 time.Time      `json:"to"`
	Score              float64        `json:"score"`
	Level              string         `json:"level"`
	Direction          string         `json:"direction"`
	AlertCount         int            `json:"alert_count"`
	PreviousAlertCount int            `json:"previous_alert_count"`
	AlertsBySeverity   map[string]int `json:"alerts_by_severity"`
	AlertsByType       map[string]int `json:"alerts_by_type"`
	HighRiskUsers      []string       `json:"high_risk_users"`
	SecurityEvents     int            `json:"security_events"`
	FailureRate        float64        `json:"failure_rate"`
}

// GetSecurityTrends scores posture 0..100: the score starts at 100 and loses
// AlertPenalty per alert and HighRiskPenalty per high-risk user in the window.
// Direction compares the alert count with the preceding window.
func (l *Logger) GetSecurityTrends(window time.Duration) SecurityTrends {
	if window <= 0 {
		window = defaultReportWindow
	}
	to := l.now()
	from := to.Add(-window)
	alerts := l.alertsBetween(from, to)
	previous := l.alertsBetween(from.Add(-window), from.Add(-time.Nanosecond))

	tr := SecurityTrends{
		From:               from,
		To:                 to,
		AlertCount:         len(alerts),
		PreviousAlertCount: len(previous),
		AlertsBySeverity:   map[string]int{},
		AlertsByType:       map[string]int{},
		HighRiskUsers:      l.highRiskUsers(from),
	}
	for _, a := range alerts {
		tr.AlertsBySeverity[a.Severity]++
		tr.AlertsByType[a.Type]++
	}
	var total, failures int
	for _, e := range l.tailSince(from) {
		total++
		if !e.Success {
			failures++
		}
		if e.Category == CategorySecurity {
			tr.SecurityEvents++
		}
	}
	if total > 0 {
		tr.FailureRate = float64(failures) / float64(total)
	}

	score := 100 - float64(tr.AlertCount)*l.cfg.AlertPenalty - float64(len(tr.HighRiskUsers))*l.cfg.HighRiskPenalty
	tr.Score = math.Max(0, math.Min(100, score))
	switch {
	case tr.Score >= 80:
		tr.Level = "GOOD"
	case tr.Score >= 50:
		tr.Level = "FAIR"
	default:
		tr.Level = "POOR"
	}
	switch {
	case tr.AlertCount < tr.PreviousAlertCount:
		tr.Direction = "improving"
	case tr.AlertCount > tr.PreviousAlertCount:
		tr.Direction = "degrading"
	default:
		tr.Direction = "stable"
	}
	return tr
}

// RetentionReport summarises one retention pass.
type RetentionReport struct {
	Removed         []string `json:"removed,omitempty"`
	Compressed      []string `json:"compressed,omitempty"`
	EvictedProfiles int      `json:"evicted_profiles"`
}

// Cleanup flushes pending entries, prunes partitions past retention,
// compresses aged partitions and evicts profiles idle beyond ProfileIdleTTL.
func (l *Logger) Cleanup(ctx context.Context) (RetentionReport, error) {
	if err := l.Flush(ctx); err != nil {
		return RetentionReport{}, err
	}
	now := l.now()
	res, err := l.sink.Prune(ctx, now, RetentionPolicy{
		RetentionDays:     l.cfg.RetentionDays,
		CompressAfterDays: l.cfg.CompressAfterDays,
	})
	rep := RetentionReport{Removed: res.Removed, Compressed: res.Compressed}
	rep.EvictedProfiles = l.evictProfiles(now)
	if err != nil {
		l.log.Error("audit retention failed", zap.Error(err))
		return rep, err
	}
	if len(rep.Removed)+len(rep.Compressed)+rep.EvictedProfiles > 0 {
		_, _ = l.LogActivity(ctx, Entry{
			Activity: ActivityRetention,
			Success:  true,
			Details: map[string]any{
				"removed":          len(rep.Removed),
				"compressed":       len(rep.Compressed),
				"evicted_profiles": rep.EvictedProfiles,
			},
		})
	}
	return rep, nil
}
