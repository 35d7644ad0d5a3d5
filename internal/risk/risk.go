// Package risk scores a single code validation from named, additive rules.
// The assessor makes no decision itself; callers compare the score with the
// suspend and block thresholds.
package risk

import (
	"math"
	"time"
)

// Level is a coarse risk band.
type Level string

const (
	LevelLow    Level = "LOW"
	LevelMedium Level = "MEDIUM"
	LevelHigh   Level = "HIGH"
)

// Input is everything the rules may look at for one validation attempt.
type Input struct {
	At        time.Time
	IP        string
	UserAgent string

	CodeCreatedAt time.Time
	CodeExpiresAt time.Time
	UsageCount    int
	MaxUsage      int
	// Uses are previous successful uses, oldest first.
	Uses []time.Time
	// KnownIPs are the IPs the code was previously used from.
	KnownIPs []string

	// BehaviorScore is the limiter's 0..100 behaviour score for the actor.
	BehaviorScore float64
}

// Rule contributes points for one risk factor.
type Rule interface {
	Name() string
	Description() string
	// Score returns the points and a reason; zero points means the rule did
	// not fire.
	Score(in Input) (float64, string)
}

// Factor is one rule that fired.
type Factor struct {
	Name   string  `json:"name"`
	Points float64 `json:"points"`
	Reason string  `json:"reason"`
}

// Assessment is the composite result.
type Assessment struct {
	Score   float64  `json:"score"`
	Level   Level    `json:"level"`
	Factors []Factor `json:"factors,omitempty"`
	Suspend bool     `json:"suspend"`
	Block   bool     `json:"block"`
}

// Assessor evaluates rules in registration order and sums their points.
type Assessor struct {
	cfg   Config
	rep   *Reputation
	rules []Rule
}

// New builds an assessor with the default rule set.
func New(cfg Config) (*Assessor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rep, err := NewReputation(cfg.ReputationSize, cfg.FailurePenalty, cfg.ThreatPenalty, cfg.SuccessCredit)
	if err != nil {
		return nil, err
	}
	a := &Assessor{cfg: cfg, rep: rep}
	w := cfg.Weights
	a.AddRule(&CodeAgeRule{Ratio: cfg.AgeRatio, FreshWindow: cfg.FreshWindow, LatePoints: w.CodeAge, FreshPoints: w.FreshUse})
	a.AddRule(&UsageVelocityRule{
		ExpectedPerHour: cfg.ExpectedUsesPerHour,
		Multiplier:      cfg.SpikeMultiplier,
		MinInterval:     cfg.MinUseInterval,
		SpikePoints:     w.UsageVelocity,
		RapidPoints:     w.RapidReuse,
	})
	a.AddRule(&IPReputationRule{Reputation: rep, MaxPoints: w.IPReputation})
	a.AddRule(&TimeOfDayRule{Start: cfg.OffHoursStart, End: cfg.OffHoursEnd, Points: w.TimeOfDay})
	a.AddRule(&UserAgentRule{Tools: cfg.ToolAgents, MissingPoints: w.MissingAgent, ToolPoints: w.ToolAgent})
	a.AddRule(&NewIPRule{MinHistory: cfg.NewIPMinHistory, Points: w.NewIP})
	a.AddRule(&BehaviorRule{Carry: w.BehaviorCarry})
	return a, nil
}

// AddRule appends a rule.
func (a *Assessor) AddRule(r Rule) { a.rules = append(a.rules, r) }

// Rules returns the registered rules.
func (a *Assessor) Rules() []Rule { return append([]Rule(nil), a.rules...) }

// Reputation exposes the IP reputation table fed by the caller.
func (a *Assessor) Reputation() *Reputation { return a.rep }

// Config returns the assessor's configuration.
func (a *Assessor) Config() Config { return a.cfg }

// Assess runs every rule and clamps the sum to 0..100.
func (a *Assessor) Assess(in Input) Assessment {
	var res Assessment
	for _, r := range a.rules {
		pts, reason := r.Score(in)
		if pts <= 0 {
			continue
		}
		res.Score += pts
		res.Factors = append(res.Factors, Factor{Name: r.Name(), Points: pts, Reason: reason})
	}
	res.Score = math.Max(0, math.Min(100, res.Score))
	res.Level = a.LevelFor(res.Score)
	res.Suspend = res.Score >= a.cfg.SuspendThreshold
	res.Block = res.Score >= a.cfg.BlockThreshold
	return res
}

// LevelFor maps a score onto its band.
func (a *Assessor) LevelFor(score float64) Level {
	return Band(score, a.cfg.MediumThreshold, a.cfg.HighThreshold)
}

// Band maps score onto LOW below medium, HIGH at or above high, MEDIUM between.
func Band(score, medium, high float64) Level {
	switch {
	case score >= high:
		return LevelHigh
	case score >= medium:
		return LevelMedium
	default:
		return LevelLow
	}
}
