package codes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"accessgate.org/internal/apperr"
	"accessgate.org/internal/audit"
	"accessgate.org/internal/grant"
	"accessgate.org/internal/ratelimit"
	"accessgate.org/internal/risk"
	"accessgate.org/internal/secret"
)

const browserUA = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36"

var noon = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

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

type harness struct {
	svc     *Service
	store   *MemoryStore
	clock   *fakeClock
	audit   *audit.Logger
	limiter *ratelimit.Limiter
}

func newHarness(t *testing.T, mutate func(*Config), opts ...Option) *harness {
	t.Helper()
	clock := &fakeClock{t: noon}
	lim, err := ratelimit.New(ratelimit.DefaultConfig(), ratelimit.WithClock(clock.Now), ratelimit.WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	auditLog, err := audit.New(audit.DefaultConfig(), audit.WithClock(clock.Now), audit.WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	store := NewMemoryStore(4)
	all := append([]Option{
		WithClock(clock.Now),
		WithLogger(zap.NewNop()),
		WithHasher(secret.NewArgon2Hasher(secret.Argon2Params{Memory: 64, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32})),
	}, opts...)
	svc, err := New(cfg, store, lim, auditLog, all...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{svc: svc, store: store, clock: clock, audit: auditLog, limiter: lim}
}

func (h *harness) issue(t *testing.T, inst, codeType string, opts IssueOptions) IssuedCode {
	t.Helper()
	issued, err := h.svc.IssueCode(context.Background(), inst, codeType, "", opts)
	if err != nil {
		t.Fatalf("IssueCode: %v", err)
	}
	return issued
}

func from(ip string) RequestContext {
	return RequestContext{IP: ip, UserAgent: browserUA}
}

func errorCode(err error) string {
	if e, ok := apperr.As(err); ok {
		return e.Code
	}
	return ""
}

func TestIssueAndValidate(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	issued := h.issue(t, "ORG1", "Visitor", IssueOptions{Metadata: map[string]string{"room": "B2"}})
	if issued.RawCode == "" || issued.ID == "" {
		t.Fatalf("expected id and raw code, got %+v", issued)
	}
	if issued.Type != "visitor" || issued.SecurityLevel != SecurityStandard {
		t.Fatalf("unexpected type or level: %+v", issued)
	}
	if !issued.ExpiresAt.Equal(noon.Add(24 * time.Hour)) {
		t.Fatalf("unexpected expiry %v", issued.ExpiresAt)
	}

	stored, err := h.store.Get(ctx, issued.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Hash == "" || strings.Contains(stored.Hash, issued.RawCode) || stored.Signature == issued.RawCode {
		t.Fatalf("raw code must only be stored hashed")
	}

	h.clock.Advance(time.Minute)
	res := h.svc.ValidateCode(ctx, issued.RawCode, "ORG1", from("198.51.100.7"))
	if !res.Valid {
		t.Fatalf("expected valid, got %s", res.ErrorCode)
	}
	if res.Code == nil || res.Code.UsageCount != 1 || res.Code.Metadata["room"] != "B2" {
		t.Fatalf("unexpected view %+v", res.Code)
	}
	if !res.Code.LastAccessedAt.Equal(h.clock.Now()) {
		t.Fatalf("expected last access at %v, got %v", h.clock.Now(), res.Code.LastAccessedAt)
	}
	if res.Grant != "" {
		t.Fatalf("no grant expected without a granter")
	}

	if res := h.svc.ValidateCode(ctx, issued.RawCode, "ORG2", from("198.51.100.7")); res.Valid || res.ErrorCode != apperr.CodeInvalidCode {
		t.Fatalf("code must not validate for another institution, got %+v", res)
	}
}

func TestIssueCodeRejectsBadInput(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.svc.IssueCode(ctx, " ", "visitor", "", IssueOptions{}); errorCode(err) != apperr.CodeInvalidInput {
		t.Fatalf("expected INVALID_INPUT for empty institution, got %v", err)
	}
	if _, err := h.svc.IssueCode(ctx, "ORG1", "visitor", "", IssueOptions{MaxUsage: -1}); errorCode(err) != apperr.CodeInvalidInput {
		t.Fatalf("expected INVALID_INPUT for negative max usage, got %v", err)
	}
	if _, err := h.svc.IssueCode(ctx, "ORG1", "visitor", "short", IssueOptions{}); errorCode(err) != apperr.CodeWeakCode {
		t.Fatalf("expected WEAK_CODE, got %v", err)
	}
	if _, err := h.svc.IssueCode(ctx, "ORG1", "visitor", "Garden7Gate", IssueOptions{}); err != nil {
		t.Fatalf("IssueCode custom: %v", err)
	}
	if _, err := h.svc.IssueCode(ctx, "ORG1", "visitor", "Garden7Gate", IssueOptions{}); errorCode(err) != apperr.CodeDuplicateCode {
		t.Fatalf("expected DUPLICATE_CODE, got %v", err)
	}
	if _, err := h.svc.IssueCode(ctx, "ORG2", "visitor", "Garden7Gate", IssueOptions{}); err != nil {
		t.Fatalf("same code in another institution: %v", err)
	}

	failed := 0
	for _, e := range h.audit.Recent(0) {
		if e.Activity == audit.ActivityCodeIssueFailed {
			failed++
		}
	}
	if failed != 4 {
		t.Fatalf("expected 4 issue failures audited, got %d", failed)
	}
}

func TestUsageLimit(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	issued := h.issue(t, "ORG1", "visitor", IssueOptions{MaxUsage: 3})

	for i := 1; i <= 3; i++ {
		h.clock.Advance(time.Minute)
		res := h.svc.ValidateCode(ctx, issued.RawCode, "ORG1", from("198.51.100.7"))
		if !res.Valid {
			t.Fatalf("use %d: expected valid, got %s", i, res.ErrorCode)
		}
		if res.Code.UsageCount != i {
			t.Fatalf("use %d: usage count %d", i, res.Code.UsageCount)
		}
	}
	h.clock.Advance(time.Minute)
	res := h.svc.ValidateCode(ctx, issued.RawCode, "ORG1", from("198.51.100.7"))
	if res.Valid || res.ErrorCode != apperr.CodeUsageExceeded {
		t.Fatalf("expected USAGE_LIMIT_EXCEEDED, got %+v", res)
	}
	stored, _ := h.store.Get(ctx, issued.ID)
	if stored.UsageCount != 3 || stored.FailedAttempts != 1 {
		t.Fatalf("unexpected counters: usage=%d failed=%d", stored.UsageCount, stored.FailedAttempts)
	}
}

func TestExpiredCodeFails(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	issued := h.issue(t, "ORG1", "visitor", IssueOptions{ExpiryHours: 1})

	h.clock.Advance(time.Hour)
	res := h.svc.ValidateCode(ctx, issued.RawCode, "ORG1", from("198.51.100.7"))
	if res.Valid || res.ErrorCode != apperr.CodeExpired {
		t.Fatalf("expected CODE_EXPIRED at the expiry instant, got %+v", res)
	}
	stored, _ := h.store.Get(ctx, issued.ID)
	if stored.Status != StatusExpired {
		t.Fatalf("expected EXPIRED status, got %s", stored.Status)
	}
}

func TestAttackSignatures(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.IssueCode(ctx, "ORG1", "visitor", "x' OR '1'='1", IssueOptions{Requester: from("192.0.2.10")})
	if errorCode(err) != apperr.CodeAttackDetected {
		t.Fatalf("expected ATTACK_DETECTED on issue, got %v", err)
	}

	attacker := from("192.0.2.66")
	res := h.svc.ValidateCode(ctx, "' OR 1=1 --", "ORG1", attacker)
	if res.Valid || res.ErrorCode != apperr.CodeAttackDetected {
		t.Fatalf("expected ATTACK_DETECTED, got %+v", res)
	}
	if blocked, _ := h.limiter.IsBlocked(ratelimit.KindIP, attacker.IP); !blocked {
		t.Fatalf("expected attacker IP to be blocked")
	}
	if rep := h.svc.assessor.Reputation().Score(attacker.IP); rep <= 0 {
		t.Fatalf("expected reputation penalty, got %v", rep)
	}

	h.clock.Advance(time.Second)
	res = h.svc.ValidateCode(ctx, "Harmless9Code", "ORG1", attacker)
	if res.ErrorCode != apperr.CodeBlocked || res.RetryAfter <= 0 {
		t.Fatalf("expected BLOCKED with retry, got %+v", res)
	}
}

func TestDeletedCodeNoLongerValidates(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	issued := h.issue(t, "ORG1", "visitor", IssueOptions{})

	if err := h.svc.Delete(ctx, issued.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	h.clock.Advance(time.Minute)
	res := h.svc.ValidateCode(ctx, issued.RawCode, "ORG1", from("198.51.100.7"))
	if res.Valid || res.ErrorCode != apperr.CodeInvalidCode {
		t.Fatalf("expected INVALID_CODE, got %+v", res)
	}
	if err := h.svc.Delete(ctx, issued.ID); errorCode(err) != apperr.CodeNotFound {
		t.Fatalf("expected CODE_NOT_FOUND on second delete, got %v", err)
	}
}

func TestAuditNeverCarriesRawCode(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	issued := h.issue(t, "ORG1", "admin", IssueOptions{})
	h.clock.Advance(time.Minute)
	h.svc.ValidateCode(ctx, issued.RawCode, "ORG1", from("198.51.100.7"))
	h.svc.ValidateCode(ctx, issued.RawCode+"x", "ORG1", from("198.51.100.8"))

	entries := h.audit.Recent(0)
	if len(entries) == 0 {
		t.Fatalf("expected audit entries")
	}
	for _, e := range entries {
		b, err := json.Marshal(e)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if strings.Contains(string(b), issued.RawCode) {
			t.Fatalf("raw code leaked into audit entry %s", e.Activity)
		}
	}
}

// Issue an admin code, fail five times from one address, then succeed from
// another.
func TestLockoutScenario(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	issued := h.issue(t, "ORG1", "admin", IssueOptions{
		MaxUsage:  10,
		Requester: RequestContext{UserID: "op-1", IP: "10.0.0.9", UserAgent: browserUA},
	})
	if issued.SecurityLevel != SecurityHigh {
		t.Fatalf("admin codes are high security, got %s", issued.SecurityLevel)
	}
	alerts := h.svc.GetAlerts(audit.AlertFilter{Type: "HIGH_SECURITY_CODE_CREATED"})
	if len(alerts) != 1 || alerts[0].Severity != audit.AlertHigh {
		t.Fatalf("expected one HIGH alert, got %+v", alerts)
	}

	h.clock.Advance(time.Minute)
	for i := 1; i <= 5; i++ {
		res := h.svc.ValidateCode(ctx, fmt.Sprintf("Wrong%02dCodeXy", i), "ORG1", from("203.0.113.5"))
		want := apperr.CodeInvalidCode
		if i == 5 {
			want = apperr.CodeLockedOut
		}
		if res.Valid || res.ErrorCode != want {
			t.Fatalf("attempt %d: expected %s, got %s", i, want, res.ErrorCode)
		}
		if i == 5 && res.RetryAfter <= 0 {
			t.Fatalf("lockout must carry a retry delay")
		}
		h.clock.Advance(time.Second)
	}

	res := h.svc.ValidateCode(ctx, issued.RawCode, "ORG1", from("203.0.113.5"))
	if res.ErrorCode != apperr.CodeLockedOut {
		t.Fatalf("locked address must stay locked, got %+v", res)
	}

	res = h.svc.ValidateCode(ctx, issued.RawCode, "ORG1", from("198.51.100.7"))
	if !res.Valid || res.Code.UsageCount != 1 {
		t.Fatalf("expected valid use from another address, got %+v", res)
	}

	st, err := h.svc.GetStats(ctx, issued.ID)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if st.UsageCount != 1 || st.MaxUsage != 10 || st.UsagePercentage != 10 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

type fixedRule float64

func (fixedRule) Name() string        { return "fixed" }
func (fixedRule) Description() string { return "constant score" }
func (r fixedRule) Score(risk.Input) (float64, string) {
	return float64(r), "constant"
}

func TestRiskSuspendsAndBlocks(t *testing.T) {
	a, err := risk.New(risk.DefaultConfig())
	if err != nil {
		t.Fatalf("risk.New: %v", err)
	}
	a.AddRule(fixedRule(95))
	h := newHarness(t, nil, WithAssessor(a))
	ctx := context.Background()
	issued := h.issue(t, "ORG1", "visitor", IssueOptions{})

	h.clock.Advance(time.Minute)
	rc := from("198.51.100.20")
	res := h.svc.ValidateCode(ctx, issued.RawCode, "ORG1", rc)
	if res.Valid || res.ErrorCode != apperr.CodeRiskBlocked {
		t.Fatalf("expected RISK_BLOCKED, got %+v", res)
	}
	stored, _ := h.store.Get(ctx, issued.ID)
	if stored.Status != StatusSuspended || stored.UsageCount != 0 || stored.Risk.Overall != risk.LevelHigh {
		t.Fatalf("expected suspended unused high-risk code, got %+v", stored)
	}
	if blocked, _ := h.limiter.IsBlocked(ratelimit.KindIP, rc.IP); !blocked {
		t.Fatalf("expected IP block at the block threshold")
	}
	if len(h.svc.GetAlerts(audit.AlertFilter{Type: "CODE_SUSPENDED"})) != 1 {
		t.Fatalf("expected CODE_SUSPENDED alert")
	}
}

type panickingRule struct{}

func (panickingRule) Name() string                       { return "broken" }
func (panickingRule) Description() string                { return "always panics" }
func (panickingRule) Score(risk.Input) (float64, string) { panic("rule fault") }

func TestRiskFaultFailsOpen(t *testing.T) {
	a, err := risk.New(risk.DefaultConfig())
	if err != nil {
		t.Fatalf("risk.New: %v", err)
	}
	a.AddRule(panickingRule{})
	h := newHarness(t, nil, WithAssessor(a))
	issued := h.issue(t, "ORG1", "visitor", IssueOptions{})
	h.clock.Advance(time.Minute)
	res := h.svc.ValidateCode(context.Background(), issued.RawCode, "ORG1", from("198.51.100.7"))
	if !res.Valid || res.RiskScore != 0 {
		t.Fatalf("expected fail-open validation, got %+v", res)
	}
}

func TestGrantIssuedOnSuccess(t *testing.T) {
	key := []byte(strings.Repeat("g", 32))
	var clock *fakeClock
	iss, err := grant.NewIssuer(key, 5*time.Minute, grant.WithClock(func() time.Time { return clock.Now() }))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	h := newHarness(t, nil, WithGranter(iss))
	clock = h.clock
	issued := h.issue(t, "ORG1", "visitor", IssueOptions{})
	h.clock.Advance(time.Minute)

	rc := from("198.51.100.7")
	rc.SessionID = "sess-9"
	res := h.svc.ValidateCode(context.Background(), issued.RawCode, "ORG1", rc)
	if !res.Valid || res.Grant == "" {
		t.Fatalf("expected grant, got %+v", res)
	}
	claims, err := iss.Parse(res.Grant)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != issued.ID || claims.InstitutionID != "ORG1" || claims.SessionID != "sess-9" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}
