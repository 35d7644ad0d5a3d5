package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var base = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

func newTestLogger(t *testing.T, cfg Config, opts ...Option) (*Logger, *testClock) {
	t.Helper()
	clock := &testClock{t: base}
	all := append([]Option{WithClock(clock.Now), WithLogger(zap.NewNop())}, opts...)
	l, err := New(cfg, all...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, clock
}

type credentials struct {
	User   string `json:"user"`
	Secret string `json:"secret"`
}

func TestLogActivityRedactsSensitiveFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewMemorySink()
	cfg := DefaultConfig()
	cfg.BatchSize = 1
	l, _ := newTestLogger(t, cfg, WithSink(sink), WithLogger(zap.New(core)))

	_, err := l.LogActivity(context.Background(), Entry{
		Activity: ActivityValidationFailed,
		IP:       "10.0.0.1",
		Details: map[string]any{
			"password": "hunter2",
			"apiKey":   "k-hunter2",
			"nested": map[string]any{
				"Authorization": "Bearer hunter2",
				"reason":        "CODE_EXPIRED",
			},
			"list":  []any{map[string]any{"refresh_token": "hunter2"}},
			"creds": credentials{User: "alice", Secret: "hunter2"},
			"typed": map[string]string{"client_secret": "hunter2"},
		},
	})
	if err != nil {
		t.Fatalf("LogActivity: %v", err)
	}

	stored := sink.Entries()
	if len(stored) != 1 {
		t.Fatalf("expected 1 stored entry, got %d", len(stored))
	}
	raw, _ := json.Marshal(stored[0])
	if strings.Contains(string(raw), "hunter2") {
		t.Fatalf("secret leaked into stored entry: %s", raw)
	}
	if !strings.Contains(string(raw), "CODE_EXPIRED") || !strings.Contains(string(raw), "alice") {
		t.Fatalf("non-sensitive fields must survive: %s", raw)
	}
	if stored[0].Details["password"] != RedactedMarker {
		t.Fatalf("expected marker, got %v", stored[0].Details["password"])
	}

	for _, entry := range logs.All() {
		mirrored, _ := json.Marshal(entry.ContextMap())
		if strings.Contains(string(mirrored), "hunter2") {
			t.Fatalf("secret leaked into zap output: %s", mirrored)
		}
	}
}

func TestLogActivityClassifiesAndEnriches(t *testing.T) {
	l, _ := newTestLogger(t, DefaultConfig())
	ctx := WithRequestID(context.Background(), " req-123 ")

	id, err := l.LogActivity(ctx, Entry{Activity: ActivityAttackDetected, IP: "1.2.3.4"})
	if err != nil || id == "" {
		t.Fatalf("LogActivity: id=%q err=%v", id, err)
	}
	got := l.Recent(1)[0]
	if got.ID != id || got.RequestID != "req-123" {
		t.Fatalf("unexpected entry %+v", got)
	}
	if got.Category != CategorySecurity || got.Severity != SeverityCritical {
		t.Fatalf("unexpected classification %s/%s", got.Category, got.Severity)
	}
	if !got.Timestamp.Equal(base) {
		t.Fatalf("unexpected timestamp %v", got.Timestamp)
	}

	if _, err := l.LogActivity(ctx, Entry{Activity: "  "}); err != ErrActivityRequired {
		t.Fatalf("expected ErrActivityRequired, got %v", err)
	}
}

func TestClassifyFallbacks(t *testing.T) {
	cases := []struct {
		activity string
		success  bool
		cat      Category
		sev      Severity
	}{
		{"user.login", true, CategoryAuth, SeverityInfo},
		{"user.login", false, CategoryAuth, SeverityWarning},
		{"sql_injection_probe", true, CategorySecurity, SeverityCritical},
		{"record.update", true, CategoryData, SeverityInfo},
		{"invoice.sent", true, CategoryBusiness, SeverityInfo},
		{"heartbeat", true, CategorySystem, SeverityInfo},
	}
	for _, tc := range cases {
		cat, sev := Classify(tc.activity, tc.success)
		if cat != tc.cat || sev != tc.sev {
			t.Fatalf("%s: got %s/%s want %s/%s", tc.activity, cat, sev, tc.cat, tc.sev)
		}
	}
}

func TestBatchingFlushesToSink(t *testing.T) {
	sink := NewMemorySink()
	cfg := DefaultConfig()
	cfg.BatchSize = 3
	l, _ := newTestLogger(t, cfg, WithSink(sink))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := l.LogActivity(ctx, Entry{Activity: ActivityCodeIssued, Success: true}); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(sink.Entries()); n != 0 {
		t.Fatalf("expected nothing flushed yet, got %d", n)
	}
	if l.Pending() != 2 {
		t.Fatalf("expected 2 pending, got %d", l.Pending())
	}
	if _, err := l.LogActivity(ctx, Entry{Activity: ActivityCodeIssued, Success: true}); err != nil {
		t.Fatal(err)
	}
	if n := len(sink.Entries()); n != 3 {
		t.Fatalf("expected 3 flushed, got %d", n)
	}

	_, _ = l.LogActivity(ctx, Entry{Activity: ActivityCodeIssued, Success: true})
	if err := l.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(sink.Entries()); n != 4 || l.Pending() != 0 {
		t.Fatalf("explicit flush: stored=%d pending=%d", n, l.Pending())
	}
}

func TestTailIsBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TailSize = 5
	l, clock := newTestLogger(t, cfg)
	for i := 0; i < 8; i++ {
		clock.Advance(time.Second)
		_, _ = l.LogActivity(context.Background(), Entry{Activity: ActivitySweep, Success: true})
	}
	recent := l.Recent(0)
	if len(recent) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(recent))
	}
	if !recent[0].Timestamp.After(recent[4].Timestamp) {
		t.Fatal("expected newest first")
	}
}

func TestAlertQueueBoundedAndFiltered(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAlerts = 3
	l, clock := newTestLogger(t, cfg)

	var ids []string
	for i, sev := range []string{"low", AlertHigh, AlertMedium, AlertHigh, "bogus"} {
		clock.Advance(time.Minute)
		ids = append(ids, l.CreateAlert("TEST", "alert", sev, map[string]any{"n": i, "token": "abc"}))
	}
	all := l.Alerts(AlertFilter{})
	if len(all) != 3 {
		t.Fatalf("expected 3 alerts, got %d", len(all))
	}
	if all[0].ID != ids[4] || all[2].ID != ids[2] {
		t.Fatal("expected newest first with the two oldest evicted")
	}
	if all[0].Severity != AlertMedium {
		t.Fatalf("unknown severities default to MEDIUM, got %s", all[0].Severity)
	}
	if all[0].Data["token"] != RedactedMarker {
		t.Fatal("alert data must be redacted")
	}
	if high := l.Alerts(AlertFilter{Severity: "high"}); len(high) != 1 {
		t.Fatalf("expected 1 HIGH alert, got %d", len(high))
	}

	ctx := context.Background()
	acked, err := l.AcknowledgeAlert(ctx, ids[3])
	if err != nil || !acked.Acknowledged || acked.AcknowledgedAt.IsZero() {
		t.Fatalf("AcknowledgeAlert: %+v %v", acked, err)
	}
	no := false
	if open := l.Alerts(AlertFilter{Acknowledged: &no}); len(open) != 2 {
		t.Fatalf("expected 2 open alerts, got %d", len(open))
	}
	if _, err := l.AcknowledgeAlert(ctx, ids[0]); err != ErrAlertNotFound {
		t.Fatalf("evicted alert should be gone, got %v", err)
	}
	if since := l.Alerts(AlertFilter{Since: base.Add(5 * time.Minute)}); len(since) != 1 {
		t.Fatalf("expected 1 alert since minute 5, got %d", len(since))
	}
}

func TestAnomalyDetectors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinFailureSamples = 4
	cfg.FamiliarityMinEvents = 3
	cfg.HighActivityCount = 1000
	l, clock := newTestLogger(t, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		clock.Advance(time.Minute)
		_, _ = l.LogActivity(ctx, Entry{Activity: ActivityCodeValidated, UserID: "u1", IP: "10.0.0.1", Success: true})
	}
	_, _ = l.LogActivity(ctx, Entry{Activity: ActivityCodeValidated, UserID: "u1", IP: "172.16.0.9", Success: true})
	if got := l.Alerts(AlertFilter{Type: "UNFAMILIAR_IP"}); len(got) != 1 {
		t.Fatalf("expected one UNFAMILIAR_IP alert, got %d", len(got))
	}

	for i := 0; i < 8; i++ {
		_, _ = l.LogActivity(ctx, Entry{Activity: ActivityValidationFailed, IP: "192.0.2.1"})
	}
	if got := l.Alerts(AlertFilter{Type: "HIGH_FAILURE_RATE"}); len(got) != 1 {
		t.Fatalf("cooldown should suppress repeats, got %d alerts", len(got))
	}

	p, ok := l.UserProfile("u1")
	if !ok || p.Total != 4 || len(p.CommonIPs) != 2 || p.CommonIPs["10.0.0.1"] != 3 {
		t.Fatalf("unexpected profile %+v", p)
	}
	if hours := p.PeakHours(1); len(hours) != 1 || hours[0] != 10 {
		t.Fatalf("unexpected peak hours %v", hours)
	}
	ip, _ := l.IPProfile("192.0.2.1")
	if ip.FailureRate() != 1 {
		t.Fatalf("expected failure rate 1, got %v", ip.FailureRate())
	}
}

func TestUsageReport(t *testing.T) {
	l, clock := newTestLogger(t, DefaultConfig())
	ctx := context.Background()

	_, _ = l.LogActivity(ctx, Entry{Activity: ActivityCodeIssued, UserID: "old", Success: true})
	clock.Advance(48 * time.Hour)
	for i := 0; i < 3; i++ {
		_, _ = l.LogActivity(ctx, Entry{Activity: ActivityCodeValidated, UserID: "alice", IP: "10.0.0.1", Success: true})
	}
	_, _ = l.LogActivity(ctx, Entry{Activity: ActivityValidationFailed, UserID: "bob", IP: "10.0.0.2"})
	l.CreateAlert("TEST", "x", AlertLow, nil)

	rep := l.GenerateUsageReport(24 * time.Hour)
	if rep.Total != 4 || rep.Successes != 3 || rep.Failures != 1 {
		t.Fatalf("unexpected totals %+v", rep)
	}
	if rep.ByCategory[CategoryAuth] != 4 {
		t.Fatalf("unexpected categories %v", rep.ByCategory)
	}
	if len(rep.TopUsers) != 2 || rep.TopUsers[0] != (Count{Key: "alice", Count: 3}) {
		t.Fatalf("unexpected top users %v", rep.TopUsers)
	}
	if rep.Hourly[10] != 4 || len(rep.Alerts) != 1 {
		t.Fatalf("unexpected hourly/alerts %v %d", rep.Hourly, len(rep.Alerts))
	}
}

func TestSecurityTrends(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinFailureSamples = 1000
	l, clock := newTestLogger(t, cfg)

	fresh := l.GetSecurityTrends(time.Hour)
	if fresh.Score != 100 || fresh.Level != "GOOD" || fresh.Direction != "stable" {
		t.Fatalf("unexpected baseline %+v", fresh)
	}

	for i := 0; i < 5; i++ {
		l.CreateAlert("ATTACK_DETECTED", "x", AlertCritical, nil)
	}
	for i := 0; i < 3; i++ {
		_, _ = l.LogActivity(context.Background(), Entry{Activity: ActivityValidationFailed, UserID: "mallory"})
	}
	clock.Advance(time.Minute)

	tr := l.GetSecurityTrends(time.Hour)
	if tr.AlertCount != 5 || tr.AlertsBySeverity[AlertCritical] != 5 {
		t.Fatalf("unexpected alert counts %+v", tr)
	}
	if len(tr.HighRiskUsers) != 1 || tr.HighRiskUsers[0] != "mallory" {
		t.Fatalf("unexpected high risk users %v", tr.HighRiskUsers)
	}
	if tr.Score != 85 {
		t.Fatalf("expected 100-5*2-1*5=85, got %v", tr.Score)
	}
	if tr.Direction != "degrading" || tr.FailureRate != 1 {
		t.Fatalf("unexpected direction/failure rate %+v", tr)
	}
}

func TestFileSinkRetentionAndCompression(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Dir = dir
	cfg.BatchSize = 1
	cfg.RetentionDays = 30
	cfg.CompressAfterDays = 7
	l, clock := newTestLogger(t, cfg)
	ctx := context.Background()

	days := []time.Time{
		time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 20, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 2, 4, 9, 0, 0, 0, time.UTC),
	}
	for _, d := range days {
		clock.Set(d)
		if _, err := l.LogActivity(ctx, Entry{Activity: ActivityCodeIssued, Success: true}); err != nil {
			t.Fatal(err)
		}
	}
	for _, d := range days {
		if _, err := os.Stat(filepath.Join(dir, PartitionName(d))); err != nil {
			t.Fatalf("missing partition for %s: %v", d.Format("2006-01-02"), err)
		}
	}

	clock.Set(time.Date(2026, 2, 5, 10, 0, 0, 0, time.UTC))
	rep, err := l.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if len(rep.Removed) != 1 || rep.Removed[0] != "audit-2026-01-01.jsonl" {
		t.Fatalf("unexpected removals %v", rep.Removed)
	}
	if len(rep.Compressed) != 1 || rep.Compressed[0] != "audit-2026-01-20.jsonl" {
		t.Fatalf("unexpected compressions %v", rep.Compressed)
	}

	fs, err := NewFileSink(dir)
	if err != nil {
		t.Fatal(err)
	}
	names, _ := fs.Partitions()
	want := []string{"audit-2026-01-20.jsonl.gz", "audit-2026-02-04.jsonl", "audit-2026-02-05.jsonl"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected partitions %v", names)
	}
	entries, err := fs.ReadDay(days[1])
	if err != nil || len(entries) != 1 || entries[0].Activity != ActivityCodeIssued {
		t.Fatalf("ReadDay compressed: %v %v", entries, err)
	}
}

func TestCleanupEvictsIdleProfiles(t *testing.T) {
	l, clock := newTestLogger(t, DefaultConfig())
	_, _ = l.LogActivity(context.Background(), Entry{Activity: ActivityCodeValidated, UserID: "u", IP: "10.0.0.5", Success: true})
	clock.Advance(25 * time.Hour)
	rep, err := l.Cleanup(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.EvictedProfiles != 2 {
		t.Fatalf("expected user and IP profiles evicted, got %d", rep.EvictedProfiles)
	}
	if _, ok := l.UserProfile("u"); ok {
		t.Fatal("profile should be gone")
	}
}
