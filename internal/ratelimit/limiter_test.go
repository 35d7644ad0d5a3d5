package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"accessgate.org/internal/threat"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type alertCall struct {
	Type, Severity string
	Data           map[string]any
}

type recordingAlerter struct {
	mu    sync.Mutex
	calls []alertCall
}

func (a *recordingAlerter) CreateAlert(alertType, _ string, severity string, data map[string]any) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, alertCall{Type: alertType, Severity: severity, Data: data})
	return "alert"
}

func (a *recordingAlerter) types() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, c := range a.calls {
		out = append(out, c.Type)
	}
	return out
}

type panicScanner struct{}

func (panicScanner) ScanFields(map[string]string) []threat.Match { panic("detector exploded") }

var noon = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BurstRate = 1000
	cfg.BurstSize = 1000
	return cfg
}

func newTestLimiter(t *testing.T, cfg Config, clock *fakeClock, opts ...Option) *Limiter {
	t.Helper()
	base := []Option{WithClock(clock.Now), WithLogger(zap.NewNop())}
	l, err := New(cfg, append(base, opts...)...)
	require.NoError(t, err)
	return l
}

func browser(ip string) Request {
	return Request{IP: ip, UserAgent: "Mozilla/5.0 (X11; Linux x86_64)"}
}

func TestWindowQuotaDeniesAndRecovers(t *testing.T) {
	cfg := testConfig()
	cfg.IP = Quota{Window: 10 * time.Second, MaxRequests: 3}
	clock := newFakeClock(noon)
	l := newTestLimiter(t, cfg, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := l.Check(ctx, browser("10.0.0.1"))
		require.True(t, d.Allowed, "request %d", i+1)
	}
	d := l.Check(ctx, browser("10.0.0.1"))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRateLimitExceeded, d.Reason)
	assert.Equal(t, 10*time.Second, d.RetryAfter)

	other := l.Check(ctx, browser("10.0.0.2"))
	assert.True(t, other.Allowed, "keys are independent")

	clock.Advance(10 * time.Second)
	d = l.Check(ctx, browser("10.0.0.1"))
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
}

func TestLockoutAfterMaxFailures(t *testing.T) {
	clock := newFakeClock(noon)
	l := newTestLimiter(t, testConfig(), clock)
	ctx := context.Background()
	req := browser("10.0.0.9")

	for i := 0; i < 4; i++ {
		lo := l.RecordFailure(ctx, req)
		require.False(t, lo.Locked)
		require.Equal(t, i+1, lo.Failures)
	}
	lo := l.RecordFailure(ctx, req)
	require.True(t, lo.Locked)
	assert.Equal(t, time.Minute, lo.RetryAfter)

	d := l.Check(ctx, req)
	assert.Equal(t, ReasonLockedOut, d.Reason)
	assert.Equal(t, time.Minute, d.RetryAfter)

	clock.Advance(30 * time.Second)
	d = l.Check(ctx, req)
	assert.Equal(t, ReasonLockedOut, d.Reason)
	assert.Equal(t, 30*time.Second, d.RetryAfter)

	clock.Advance(31 * time.Second)
	assert.True(t, l.Check(ctx, req).Allowed)

	for i := 0; i < 5; i++ {
		lo = l.RecordFailure(ctx, req)
	}
	assert.Equal(t, 2*time.Minute, lo.RetryAfter, "second lockout doubles")
}

func TestRecordSuccessResetsStreak(t *testing.T) {
	clock := newFakeClock(noon)
	l := newTestLimiter(t, testConfig(), clock)
	ctx := context.Background()
	req := browser("10.0.0.3")

	for i := 0; i < 4; i++ {
		l.RecordFailure(ctx, req)
	}
	l.RecordSuccess(req)
	for i := 0; i < 4; i++ {
		assert.False(t, l.RecordFailure(ctx, req).Locked)
	}
}

func TestPermanentBanAfterMaxLockouts(t *testing.T) {
	clock := newFakeClock(noon)
	alerts := &recordingAlerter{}
	l := newTestLimiter(t, testConfig(), clock, WithAlerter(alerts))
	ctx := context.Background()
	req := browser("10.0.0.66")

	var lo Lockout
	for round := 0; round < 3; round++ {
		for i := 0; i < 5; i++ {
			lo = l.RecordFailure(ctx, req)
		}
		require.True(t, lo.Locked)
		if round < 2 {
			require.False(t, lo.Permanent)
			clock.Advance(lo.RetryAfter + time.Second)
		}
	}
	assert.True(t, lo.Permanent)

	blocked, until := l.IsBlocked(KindIP, "10.0.0.66")
	assert.True(t, blocked)
	assert.True(t, until.IsZero(), "permanent bans have no end")

	d := l.Check(ctx, req)
	assert.Equal(t, ReasonBlocked, d.Reason)
	assert.Zero(t, d.RetryAfter)

	threats := l.ActiveThreats()
	require.Len(t, threats, 1)
	assert.True(t, threats[0].Permanent())
	assert.Equal(t, []threat.Family{threat.BruteForce}, threats[0].Types)
	assert.Contains(t, alerts.types(), "PERMANENT_BAN")
}

func TestSQLInjectionBlocksSourceIP(t *testing.T) {
	clock := newFakeClock(noon)
	alerts := &recordingAlerter{}
	store := NewMemoryThreatStore()
	l := newTestLimiter(t, testConfig(), clock, WithAlerter(alerts), WithThreatStore(store))
	ctx := context.Background()

	req := browser("192.0.2.10")
	req.UserID = "u-7"
	req.Body = "' OR '1'='1"
	d := l.Check(ctx, req)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonAttackDetected, d.Reason)
	assert.Equal(t, 90.0, d.RiskScore)
	assert.Equal(t, 24*time.Hour, d.RetryAfter)

	ipBlocked, _ := l.IsBlocked(KindIP, "192.0.2.10")
	userBlocked, _ := l.IsBlocked(KindUser, "u-7")
	assert.True(t, ipBlocked)
	assert.True(t, userBlocked)

	next := l.Check(ctx, browser("192.0.2.10"))
	assert.Equal(t, ReasonBlocked, next.Reason)

	active, err := store.ListActiveThreats(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 90, active[0].Severity)

	require.Len(t, alerts.calls, 1)
	assert.Equal(t, "ATTACK_DETECTED", alerts.calls[0].Type)
	assert.Equal(t, "CRITICAL", alerts.calls[0].Severity)
}

func TestSuspiciousBehaviorTightensQuota(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IP = Quota{Window: time.Minute, MaxRequests: 10}
	cfg.BurstRate = 0.001
	cfg.BurstSize = 2
	clock := newFakeClock(time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC))
	l := newTestLimiter(t, cfg, clock)
	ctx := context.Background()

	req := Request{IP: "198.51.100.4", UserAgent: "curl/8.4.0", Path: "/admin/codes"}
	for i := 0; i < 5; i++ {
		d := l.Check(ctx, req)
		require.True(t, d.Allowed, "request %d", i+1)
	}
	d := l.Check(ctx, req)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonSuspiciousBehavior, d.Reason)
	assert.Equal(t, 80.0, d.RiskScore)
	assert.Equal(t, 80.0, l.BehaviorScore("198.51.100.4"))
}

func TestFailOpenOnInternalFault(t *testing.T) {
	l := newTestLimiter(t, testConfig(), newFakeClock(noon), WithScanner(panicScanner{}))
	d := l.Check(context.Background(), browser("10.1.1.1"))
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonSystemError, d.Reason)
	assert.Zero(t, d.RiskScore)
}

func TestMaintenanceEvictsAndResolves(t *testing.T) {
	clock := newFakeClock(noon)
	store := NewMemoryThreatStore()
	l := newTestLimiter(t, testConfig(), clock, WithThreatStore(store))
	ctx := context.Background()

	l.Check(ctx, browser("10.2.0.1"))
	rec := l.HandleAttack(ctx, browser("10.2.0.2"), []threat.Match{{Family: threat.XSS, Confidence: 0.9}})
	assert.Equal(t, noon.Add(6*time.Hour), rec.BannedUntil)
	require.Greater(t, l.TrackedKeys(), 0)

	clock.Advance(7 * time.Hour)
	rep, err := l.Maintenance(ctx)
	require.NoError(t, err)
	assert.Greater(t, rep.EvictedKeys, 0)
	assert.Equal(t, 1, rep.ExpiredBlocks)
	assert.Equal(t, 1, rep.ResolvedThreats)
	assert.Zero(t, rep.LiveKeys)

	blocked, _ := l.IsBlocked(KindIP, "10.2.0.2")
	assert.False(t, blocked)
	active, _ := store.ListActiveThreats(ctx)
	assert.Empty(t, active)
}

func TestLoadThreatsRestoresBans(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryThreatStore()
	require.NoError(t, store.SaveThreat(ctx, ThreatRecord{
		ID: "live", IP: "203.0.113.5", Types: []threat.Family{threat.SQLInjection},
		Severity: 90, DetectedAt: noon.Add(-time.Hour), BannedUntil: noon.Add(time.Hour),
	}))
	require.NoError(t, store.SaveThreat(ctx, ThreatRecord{
		ID: "stale", IP: "203.0.113.6", Types: []threat.Family{threat.XSS},
		Severity: 70, DetectedAt: noon.Add(-10 * time.Hour), BannedUntil: noon.Add(-4 * time.Hour),
	}))

	l := newTestLimiter(t, testConfig(), newFakeClock(noon), WithThreatStore(store))
	n, err := l.LoadThreats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	blocked, until := l.IsBlocked(KindIP, "203.0.113.5")
	assert.True(t, blocked)
	assert.Equal(t, noon.Add(time.Hour), until)
	stale, _ := l.IsBlocked(KindIP, "203.0.113.6")
	assert.False(t, stale)

	active, _ := store.ListActiveThreats(ctx)
	require.Len(t, active, 1)
	assert.Equal(t, "live", active[0].ID)
}

func TestConcurrentChecksRespectQuota(t *testing.T) {
	cfg := testConfig()
	cfg.IP = Quota{Window: time.Minute, MaxRequests: 100}
	l := newTestLimiter(t, cfg, newFakeClock(noon))
	ctx := context.Background()

	var allowed int64
	var wg sync.WaitGroup
	for g := 0; g < 50; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if l.Check(ctx, browser("10.9.9.9")).Allowed {
					atomic.AddInt64(&allowed, 1)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(100), allowed)
}

func TestInHourRange(t *testing.T) {
	assert.True(t, InHourRange(3, 0, 6))
	assert.False(t, InHourRange(6, 0, 6))
	assert.True(t, InHourRange(23, 22, 6))
	assert.True(t, InHourRange(1, 22, 6))
	assert.False(t, InHourRange(12, 22, 6))
	assert.False(t, InHourRange(5, 5, 5))
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	cfg.TightenFactor = 0
	assert.Error(t, cfg.Validate())
	_, err := New(cfg)
	assert.Error(t, err)
}
