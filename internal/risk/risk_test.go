package risk

import (
	"testing"
	"time"
)

var noon = time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)

func newAssessor(t *testing.T) *Assessor {
	t.Helper()
	a, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("new assessor: %v", err)
	}
	return a
}

func baseInput() Input {
	return Input{
		At:            noon,
		IP:            "198.51.100.7",
		UserAgent:     "Mozilla/5.0 (X11; Linux x86_64)",
		CodeCreatedAt: noon.Add(-time.Hour),
		CodeExpiresAt: noon.Add(23 * time.Hour),
	}
}

func factorNames(a Assessment) map[string]float64 {
	out := map[string]float64{}
	for _, f := range a.Factors {
		out[f.Name] = f.Points
	}
	return out
}

func TestAssessCleanInputIsLow(t *testing.T) {
	res := newAssessor(t).Assess(baseInput())
	if res.Score != 0 || res.Level != LevelLow || len(res.Factors) != 0 {
		t.Fatalf("unexpected assessment: %+v", res)
	}
	if res.Suspend || res.Block {
		t.Fatalf("clean input must not suspend or block")
	}
}

func TestAssessHostileInputBlocks(t *testing.T) {
	a := newAssessor(t)
	a.Reputation().RecordThreat("203.0.113.9")
	a.Reputation().RecordThreat("203.0.113.9")

	in := baseInput()
	in.At = time.Date(2025, 3, 4, 3, 0, 0, 0, time.UTC)
	in.CodeCreatedAt = in.At.Add(-time.Hour)
	in.CodeExpiresAt = in.At.Add(23 * time.Hour)
	in.IP = "203.0.113.9"
	in.UserAgent = ""
	in.BehaviorScore = 100

	res := a.Assess(in)
	if res.Score != 95 {
		t.Fatalf("expected score 95, got %v (%+v)", res.Score, res.Factors)
	}
	if res.Level != LevelHigh || !res.Suspend || !res.Block {
		t.Fatalf("expected HIGH with suspend and block, got %+v", res)
	}
	got := factorNames(res)
	want := map[string]float64{"ip_reputation": 40, "user_agent": 15, "time_of_day": 10, "behavior": 30}
	for name, pts := range want {
		if got[name] != pts {
			t.Fatalf("factor %s: want %v, got %v", name, pts, got[name])
		}
	}
}

func TestUsageSpike(t *testing.T) {
	in := baseInput()
	for i := 40; i >= 1; i-- {
		in.Uses = append(in.Uses, noon.Add(-time.Duration(i)*80*time.Second))
	}
	in.UsageCount = len(in.Uses)
	in.KnownIPs = []string{in.IP}

	res := newAssessor(t).Assess(in)
	if got := factorNames(res)["usage_velocity"]; got != 30 {
		t.Fatalf("expected spike points 30, got %v (%+v)", got, res.Factors)
	}
	if res.Score != 30 || res.Level != LevelLow {
		t.Fatalf("unexpected assessment: %+v", res)
	}
}

func TestRapidReuseAndFreshUse(t *testing.T) {
	in := baseInput()
	in.CodeCreatedAt = noon.Add(-time.Second)
	res := newAssessor(t).Assess(in)
	if got := factorNames(res)["code_age"]; got != 10 {
		t.Fatalf("expected fresh-use points, got %+v", res.Factors)
	}

	in = baseInput()
	in.Uses = []time.Time{noon.Add(-500 * time.Millisecond)}
	in.UsageCount = 1
	in.KnownIPs = []string{in.IP}
	res = newAssessor(t).Assess(in)
	if got := factorNames(res)["usage_velocity"]; got != 15 {
		t.Fatalf("expected rapid reuse points, got %+v", res.Factors)
	}
}

func TestLateUse(t *testing.T) {
	in := baseInput()
	in.CodeCreatedAt = noon.Add(-23 * time.Hour)
	in.CodeExpiresAt = noon.Add(time.Hour)
	res := newAssessor(t).Assess(in)
	if got := factorNames(res)["code_age"]; got != 15 {
		t.Fatalf("expected late-use points, got %+v", res.Factors)
	}
}

func TestNewIPForCode(t *testing.T) {
	in := baseInput()
	in.Uses = []time.Time{noon.Add(-5 * time.Hour), noon.Add(-4 * time.Hour), noon.Add(-3 * time.Hour)}
	in.UsageCount = 3
	in.KnownIPs = []string{"10.0.0.1"}
	in.IP = "10.0.0.2"
	res := newAssessor(t).Assess(in)
	if got := factorNames(res)["new_ip_for_code"]; got != 15 {
		t.Fatalf("expected new ip points, got %+v", res.Factors)
	}

	in.IP = "10.0.0.1"
	res = newAssessor(t).Assess(in)
	if _, ok := factorNames(res)["new_ip_for_code"]; ok {
		t.Fatalf("known ip must not fire: %+v", res.Factors)
	}
}

func TestToolAgent(t *testing.T) {
	in := baseInput()
	in.UserAgent = "sqlmap/1.7"
	res := newAssessor(t).Assess(in)
	if got := factorNames(res)["user_agent"]; got != 25 {
		t.Fatalf("expected tool agent points, got %+v", res.Factors)
	}
}

func TestBand(t *testing.T) {
	cases := []struct {
		score float64
		want  Level
	}{
		{0, LevelLow},
		{39.9, LevelLow},
		{40, LevelMedium},
		{69.9, LevelMedium},
		{70, LevelHigh},
		{100, LevelHigh},
	}
	for _, c := range cases {
		if got := Band(c.score, 40, 70); got != c.want {
			t.Fatalf("Band(%v) = %s, want %s", c.score, got, c.want)
		}
	}
}

func TestReputationBoundedAndDecays(t *testing.T) {
	rep, err := NewReputation(2, 10, 50, 10)
	if err != nil {
		t.Fatalf("new reputation: %v", err)
	}
	rep.RecordFailure("a")
	rep.RecordFailure("b")
	rep.RecordFailure("c")
	if rep.Len() != 2 {
		t.Fatalf("expected 2 tracked ips, got %d", rep.Len())
	}
	if rep.Score("a") != 0 {
		t.Fatalf("oldest ip should be evicted")
	}
	rep.RecordSuccess("c")
	if rep.Score("c") != 0 || rep.Len() != 1 {
		t.Fatalf("credit should clear ip c, score=%v len=%d", rep.Score("c"), rep.Len())
	}
	for i := 0; i < 5; i++ {
		rep.RecordThreat("b")
	}
	if rep.Score("b") != 100 {
		t.Fatalf("score must clamp at 100, got %v", rep.Score("b"))
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HighThreshold = 30
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for medium >= high")
	}
	cfg = DefaultConfig()
	cfg.BlockThreshold = 50
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for block < suspend")
	}
}
