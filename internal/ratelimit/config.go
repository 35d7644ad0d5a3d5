package ratelimit

import (
	"errors"
	"fmt"
	"time"

	"accessgate.org/internal/threat"
)

// Quota bounds requests per key inside a sliding window. A zero window or a
// non-positive MaxRequests disables the dimension.
type Quota struct {
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"max_requests"`
}

func (q Quota) enabled() bool { return q.Window > 0 && q.MaxRequests > 0 }

// Ban is the severity score and ban length attached to an attack family.
type Ban struct {
	Severity int           `yaml:"severity"`
	Duration time.Duration `yaml:"duration"`
}

// BehaviorWeights are the additive contributions of each behavioural signal.
type BehaviorWeights struct {
	Regularity    float64 `yaml:"regularity"`
	Burst         float64 `yaml:"burst"`
	SensitivePath float64 `yaml:"sensitive_path"`
	MissingAgent  float64 `yaml:"missing_agent"`
	SuspectAgent  float64 `yaml:"suspect_agent"`
	OffHours      float64 `yaml:"off_hours"`
}

// Config holds limiter policy.
type Config struct {
	General Quota `yaml:"general"`
	IP      Quota `yaml:"ip"`
	User    Quota `yaml:"user"`
	Session Quota `yaml:"session"`
	APIKey  Quota `yaml:"api_key"`
	Path    Quota `yaml:"path"`

	MaxFailedAttempts int           `yaml:"max_failed_attempts"`
	BaseLockout       time.Duration `yaml:"base_lockout"`
	MaxLockout        time.Duration `yaml:"max_lockout"`
	// MaxLockouts consecutive lockouts on one key promote to a permanent ban.
	// Zero disables promotion.
	MaxLockouts int           `yaml:"max_lockouts"`
	IdleTTL     time.Duration `yaml:"idle_ttl"`

	BehaviorThreshold float64         `yaml:"behavior_threshold"`
	TightenFactor     float64         `yaml:"tighten_factor"`
	BurstRate         float64         `yaml:"burst_rate"`
	BurstSize         int             `yaml:"burst_size"`
	SensitivePaths    []string        `yaml:"sensitive_paths"`
	SuspectAgents     []string        `yaml:"suspect_agents"`
	OffHoursStart     int             `yaml:"off_hours_start"`
	OffHoursEnd       int             `yaml:"off_hours_end"`
	Weights           BehaviorWeights `yaml:"weights"`

	Bans   map[threat.Family]Ban `yaml:"bans"`
	Shards int                   `yaml:"shards"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		General: Quota{Window: time.Minute, MaxRequests: 1000},
		IP:      Quota{Window: time.Minute, MaxRequests: 100},
		User:    Quota{Window: time.Minute, MaxRequests: 60},
		Session: Quota{Window: time.Minute, MaxRequests: 30},
		APIKey:  Quota{Window: time.Minute, MaxRequests: 300},
		Path:    Quota{Window: time.Minute, MaxRequests: 200},

		MaxFailedAttempts: 5,
		BaseLockout:       time.Minute,
		MaxLockout:        24 * time.Hour,
		MaxLockouts:       3,
		IdleTTL:           time.Hour,

		BehaviorThreshold: 80,
		TightenFactor:     0.5,
		BurstRate:         5,
		BurstSize:         10,
		SensitivePaths:    []string{"/admin", "/internal", "/config", "/debug", "/.env", "/api/admin"},
		SuspectAgents: []string{
			"curl", "wget", "python-requests", "libwww-perl", "go-http-client",
			"sqlmap", "nikto", "nmap", "masscan", "scanner",
		},
		OffHoursStart: 0,
		OffHoursEnd:   6,
		Weights: BehaviorWeights{
			Regularity:    25,
			Burst:         30,
			SensitivePath: 20,
			MissingAgent:  15,
			SuspectAgent:  20,
			OffHours:      10,
		},

		Bans: map[threat.Family]Ban{
			threat.SQLInjection:     {Severity: 90, Duration: 24 * time.Hour},
			threat.CommandInjection: {Severity: 95, Duration: 48 * time.Hour},
			threat.XSS:              {Severity: 70, Duration: 6 * time.Hour},
			threat.PathTraversal:    {Severity: 80, Duration: 12 * time.Hour},
			threat.BruteForce:       {Severity: 60, Duration: time.Hour},
		},
		Shards: 32,
	}
}

// Validate rejects configurations the limiter cannot run with.
func (c Config) Validate() error {
	if c.MaxFailedAttempts <= 0 {
		return errors.New("ratelimit: max_failed_attempts must be positive")
	}
	if c.BaseLockout <= 0 {
		return errors.New("ratelimit: base_lockout must be positive")
	}
	if c.MaxLockout < c.BaseLockout {
		return errors.New("ratelimit: max_lockout must be >= base_lockout")
	}
	if c.TightenFactor <= 0 || c.TightenFactor > 1 {
		return fmt.Errorf("ratelimit: tighten_factor %v out of (0,1]", c.TightenFactor)
	}
	if c.OffHoursStart < 0 || c.OffHoursStart > 23 || c.OffHoursEnd < 0 || c.OffHoursEnd > 24 {
		return errors.New("ratelimit: off hours must be within 0..24")
	}
	if c.BurstRate <= 0 || c.BurstSize <= 0 {
		return errors.New("ratelimit: burst rate and size must be positive")
	}
	return nil
}
