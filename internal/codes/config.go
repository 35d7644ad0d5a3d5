package codes

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"accessgate.org/internal/secret"
)

// Config holds issuance, composition and sweep policy.
type Config struct {
	ExpiryHours    int `yaml:"expiry_hours"`
	MaxExtendHours int `yaml:"max_extend_hours"`
	// DefaultMaxUsage applies when issuance does not set one; 0 is unlimited.
	DefaultMaxUsage int `yaml:"default_max_usage"`
	HistorySize     int `yaml:"history_size"`

	CodeLength    int    `yaml:"code_length"`
	MinLength     int    `yaml:"min_length"`
	MaxLength     int    `yaml:"max_length"`
	RequireUpper  bool   `yaml:"require_upper"`
	RequireLower  bool   `yaml:"require_lower"`
	RequireDigit  bool   `yaml:"require_digit"`
	RequireSymbol bool   `yaml:"require_symbol"`
	Symbols       string `yaml:"symbols"`

	PrivilegedTypes []string `yaml:"privileged_types"`

	HashAlgorithm string              `yaml:"hash_algorithm"`
	Argon2        secret.Argon2Params `yaml:"argon2"`
	BcryptCost    int                 `yaml:"bcrypt_cost"`

	// ValidatePath is the path reported to the rate limiter for validations.
	ValidatePath string `yaml:"validate_path"`
	// RiskBlockDuration is how long an IP stays blocked after a validation
	// scoring at or above the risk block threshold.
	RiskBlockDuration time.Duration `yaml:"risk_block_duration"`

	Sweep SweepConfig `yaml:"sweep"`
}

// SweepConfig drives the adaptive sweep.
type SweepConfig struct {
	// TightenScore is the pattern score at which expiry and usage caps shrink.
	TightenScore float64 `yaml:"tighten_score"`
	// SuspendScore is the pattern score at which a code is suspended.
	SuspendScore  float64       `yaml:"suspend_score"`
	TightenFactor float64       `yaml:"tighten_factor"`
	MinRemaining  time.Duration `yaml:"min_remaining"`
	// TightenHeadroom caps uncapped codes at usageCount plus this many uses.
	TightenHeadroom int `yaml:"tighten_headroom"`

	SpikeMultiplier   float64 `yaml:"spike_multiplier"`
	HighFailureRate   float64 `yaml:"high_failure_rate"`
	MinFailureSamples int     `yaml:"min_failure_samples"`
	ManyIPs           int     `yaml:"many_ips"`
	OffHoursRatio     float64 `yaml:"off_hours_ratio"`
	OffHoursStart     int     `yaml:"off_hours_start"`
	OffHoursEnd       int     `yaml:"off_hours_end"`

	SpikePoints    float64 `yaml:"spike_points"`
	FailurePoints  float64 `yaml:"failure_points"`
	ManyIPsPoints  float64 `yaml:"many_ips_points"`
	OffHoursPoints float64 `yaml:"off_hours_points"`
	RiskCarry      float64 `yaml:"risk_carry"`

	// PurgeGrace keeps expired codes visible before they are removed.
	PurgeGrace time.Duration `yaml:"purge_grace"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ExpiryHours:       24,
		MaxExtendHours:    24 * 30,
		HistorySize:       50,
		CodeLength:        12,
		MinLength:         8,
		MaxLength:         64,
		RequireUpper:      true,
		RequireLower:      true,
		RequireDigit:      true,
		Symbols:           "!@#^*_+=?~",
		PrivilegedTypes:   []string{"admin", "system"},
		HashAlgorithm:     secret.AlgorithmArgon2id,
		Argon2:            secret.DefaultArgon2Params(),
		BcryptCost:        10,
		ValidatePath:      "/codes/validate",
		RiskBlockDuration: time.Hour,
		Sweep: SweepConfig{
			TightenScore:      40,
			SuspendScore:      70,
			TightenFactor:     0.5,
			MinRemaining:      time.Hour,
			TightenHeadroom:   10,
			SpikeMultiplier:   3,
			HighFailureRate:   0.5,
			MinFailureSamples: 5,
			ManyIPs:           5,
			OffHoursRatio:     0.5,
			OffHoursStart:     0,
			OffHoursEnd:       6,
			SpikePoints:       30,
			FailurePoints:     40,
			ManyIPsPoints:     20,
			OffHoursPoints:    10,
			RiskCarry:         0.3,
			PurgeGrace:        24 * time.Hour,
		},
	}
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	if c.ExpiryHours <= 0 {
		return errors.New("codes: expiry_hours must be positive")
	}
	if c.MinLength < 4 || c.MaxLength < c.MinLength {
		return fmt.Errorf("codes: invalid length bounds [%d, %d]", c.MinLength, c.MaxLength)
	}
	if c.CodeLength < c.MinLength || c.CodeLength > c.MaxLength {
		return fmt.Errorf("codes: code_length %d outside [%d, %d]", c.CodeLength, c.MinLength, c.MaxLength)
	}
	if c.RequireSymbol && c.Symbols == "" {
		return errors.New("codes: require_symbol set without symbols")
	}
	for i := 0; i < len(c.Symbols); i++ {
		if b := c.Symbols[i]; b <= ' ' || b >= 0x7f || strings.ContainsRune(upperChars+lowerChars+digitChars, rune(b)) {
			return fmt.Errorf("codes: symbols must be printable ASCII punctuation, got %q", c.Symbols)
		}
	}
	if c.HistorySize <= 0 {
		return errors.New("codes: history_size must be positive")
	}
	if f := c.Sweep.TightenFactor; f <= 0 || f >= 1 {
		return fmt.Errorf("codes: sweep.tighten_factor %v out of (0,1)", f)
	}
	return nil
}

func (c Config) privileged(codeType string) bool {
	for _, t := range c.PrivilegedTypes {
		if t == codeType {
			return true
		}
	}
	return false
}
