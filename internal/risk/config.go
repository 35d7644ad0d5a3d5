package risk

import (
	"errors"
	"time"
)

// Weights are the points each rule contributes when it fires.
type Weights struct {
	CodeAge       float64 `yaml:"code_age"`
	FreshUse      float64 `yaml:"fresh_use"`
	UsageVelocity float64 `yaml:"usage_velocity"`
	RapidReuse    float64 `yaml:"rapid_reuse"`
	IPReputation  float64 `yaml:"ip_reputation"`
	TimeOfDay     float64 `yaml:"time_of_day"`
	MissingAgent  float64 `yaml:"missing_agent"`
	ToolAgent     float64 `yaml:"tool_agent"`
	NewIP         float64 `yaml:"new_ip"`
	// BehaviorCarry scales the limiter's behaviour score into points.
	BehaviorCarry float64 `yaml:"behavior_carry"`
}

// Config holds the assessor's thresholds and calibration knobs.
type Config struct {
	MediumThreshold  float64 `yaml:"medium_threshold"`
	HighThreshold    float64 `yaml:"high_threshold"`
	SuspendThreshold float64 `yaml:"suspend_threshold"`
	BlockThreshold   float64 `yaml:"block_threshold"`

	Weights Weights `yaml:"weights"`

	// AgeRatio is the fraction of a code's lifetime after which use is
	// considered late.
	AgeRatio float64 `yaml:"age_ratio"`
	// FreshWindow flags a first use arriving this soon after issuance.
	FreshWindow         time.Duration `yaml:"fresh_window"`
	ExpectedUsesPerHour float64       `yaml:"expected_uses_per_hour"`
	SpikeMultiplier     float64       `yaml:"spike_multiplier"`
	MinUseInterval      time.Duration `yaml:"min_use_interval"`
	NewIPMinHistory     int           `yaml:"new_ip_min_history"`

	OffHoursStart int      `yaml:"off_hours_start"`
	OffHoursEnd   int      `yaml:"off_hours_end"`
	ToolAgents    []string `yaml:"tool_agents"`

	ReputationSize int     `yaml:"reputation_size"`
	FailurePenalty float64 `yaml:"failure_penalty"`
	ThreatPenalty  float64 `yaml:"threat_penalty"`
	SuccessCredit  float64 `yaml:"success_credit"`
}

// DefaultConfig returns the production calibration.
func DefaultConfig() Config {
	return Config{
		MediumThreshold:  40,
		HighThreshold:    70,
		SuspendThreshold: 80,
		BlockThreshold:   90,
		Weights: Weights{
			CodeAge:       15,
			FreshUse:      10,
			UsageVelocity: 30,
			RapidReuse:    15,
			IPReputation:  40,
			TimeOfDay:     10,
			MissingAgent:  15,
			ToolAgent:     25,
			NewIP:         15,
			BehaviorCarry: 0.3,
		},
		AgeRatio:            0.9,
		FreshWindow:         2 * time.Second,
		ExpectedUsesPerHour: 10,
		SpikeMultiplier:     3,
		MinUseInterval:      2 * time.Second,
		NewIPMinHistory:     3,
		OffHoursStart:       0,
		OffHoursEnd:         6,
		ToolAgents:          []string{"curl", "wget", "python-requests", "go-http-client", "sqlmap", "nikto", "nmap", "masscan"},
		ReputationSize:      10000,
		FailurePenalty:      10,
		ThreatPenalty:       50,
		SuccessCredit:       2,
	}
}

// Validate rejects inconsistent thresholds.
func (c Config) Validate() error {
	if !(0 < c.MediumThreshold && c.MediumThreshold < c.HighThreshold && c.HighThreshold <= 100) {
		return errors.New("risk: thresholds must satisfy 0 < medium < high <= 100")
	}
	if c.SuspendThreshold <= 0 || c.BlockThreshold < c.SuspendThreshold {
		return errors.New("risk: block_threshold must be >= suspend_threshold > 0")
	}
	if c.ReputationSize <= 0 {
		return errors.New("risk: reputation_size must be positive")
	}
	if c.OffHoursStart < 0 || c.OffHoursStart > 23 || c.OffHoursEnd < 0 || c.OffHoursEnd > 24 {
		return errors.New("risk: off-hours bounds out of range")
	}
	return nil
}
