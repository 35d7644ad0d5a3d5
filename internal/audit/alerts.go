package audit

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"accessgate.org/internal/ids"
	"accessgate.org/internal/obs"
)

// Alert is a queued security notification.
type Alert struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Message        string         `json:"message"`
	Severity       string         `json:"severity"`
	Data           map[string]any `json:"data,omitempty"`
	Timestamp      time.Time      `json:"ts"`
	Acknowledged   bool           `json:"acknowledged"`
	AcknowledgedAt time.Time      `json:"acknowledged_at,omitempty"`
}

// AlertFilter selects alerts. Zero fields match everything.
type AlertFilter struct {
	Severity     string
	Type         string
	Acknowledged *bool
	Since        time.Time
	Limit        int
}

func (f AlertFilter) match(a Alert) bool {
	if f.Severity != "" && !strings.EqualFold(f.Severity, a.Severity) {
		return false
	}
	if f.Type != "" && !strings.EqualFold(f.Type, a.Type) {
		return false
	}
	if f.Acknowledged != nil && *f.Acknowledged != a.Acknowledged {
		return false
	}
	if !f.Since.IsZero() && a.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

func normalizeAlertSeverity(s string) string {
	switch s = strings.ToUpper(strings.TrimSpace(s)); s {
	case AlertLow, AlertMedium, AlertHigh, AlertCritical:
		return s
	default:
		return AlertMedium
	}
}

// CreateAlert queues an alert and returns its id. The queue holds at most
// MaxAlerts; the oldest alert is evicted first.
func (l *Logger) CreateAlert(alertType, message, severity string, data map[string]any) string {
	now := l.now()
	a := Alert{
		ID:        ids.NewAt(now),
		Type:      strings.TrimSpace(alertType),
		Message:   message,
		Severity:  normalizeAlertSeverity(severity),
		Data:      Redact(data),
		Timestamp: now,
	}

	l.alertMu.Lock()
	l.alerts = append(l.alerts, a)
	if over := len(l.alerts) - l.cfg.MaxAlerts; over > 0 {
		l.alerts = append(l.alerts[:0], l.alerts[over:]...)
	}
	l.alertMu.Unlock()

	obs.AlertsRaised.WithLabelValues(a.Type, a.Severity).Inc()
	l.log.Warn("alert raised",
		zap.String("alert_id", a.ID),
		zap.String("type", a.Type),
		zap.String("severity", a.Severity),
		zap.String("message", a.Message))
	return a.ID
}

// Alerts returns matching alerts, newest first.
func (l *Logger) Alerts(f AlertFilter) []Alert {
	l.alertMu.Lock()
	defer l.alertMu.Unlock()
	var out []Alert
	for i := len(l.alerts) - 1; i >= 0; i-- {
		if !f.match(l.alerts[i]) {
			continue
		}
		out = append(out, l.alerts[i])
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// AcknowledgeAlert marks an alert acknowledged. Acknowledging twice keeps the
// first acknowledgement time.
func (l *Logger) AcknowledgeAlert(ctx context.Context, id string) (Alert, error) {
	l.alertMu.Lock()
	var (
		found Alert
		ok    bool
	)
	for i := range l.alerts {
		if l.alerts[i].ID != id {
			continue
		}
		if !l.alerts[i].Acknowledged {
			l.alerts[i].Acknowledged = true
			l.alerts[i].AcknowledgedAt = l.now()
		}
		found, ok = l.alerts[i], true
		break
	}
	l.alertMu.Unlock()

	if !ok {
		return Alert{}, ErrAlertNotFound
	}
	_, _ = l.LogActivity(ctx, Entry{
		Activity: ActivityAlertAcknowledged,
		Success:  true,
		Details:  map[string]any{"alert_id": id, "alert_type": found.Type},
	})
	return found, nil
}

func (l *Logger) alertsBetween(from, to time.Time) []Alert {
	l.alertMu.Lock()
	defer l.alertMu.Unlock()
	var out []Alert
	for _, a := range l.alerts {
		if !a.Timestamp.Before(from) && !a.Timestamp.After(to) {
			out = append(out, a)
		}
	}
	return out
}
