package codes

import (
	"strings"
	"testing"
)

func TestGenerateCodeSatisfiesPolicy(t *testing.T) {
	cfg := DefaultConfig()
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := cfg.GenerateCode(0, CharsetOptions{})
		if err != nil {
			t.Fatalf("GenerateCode: %v", err)
		}
		if len(code) != cfg.CodeLength {
			t.Fatalf("expected length %d, got %q", cfg.CodeLength, code)
		}
		if res := cfg.ValidateStrength(code); !res.Valid {
			t.Fatalf("generated code %q failed policy: %v", code, res.Errors)
		}
		if seen[code] {
			t.Fatalf("duplicate code %q", code)
		}
		seen[code] = true
	}
}

func TestGenerateCodeOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequireSymbol = true

	for i := 0; i < 100; i++ {
		code, err := cfg.GenerateCode(cfg.MinLength, CharsetOptions{ExcludeAmbiguous: true})
		if err != nil {
			t.Fatalf("GenerateCode: %v", err)
		}
		if strings.ContainsAny(code, ambiguousChars) {
			t.Fatalf("ambiguous character in %q", code)
		}
		if !strings.ContainsAny(code, cfg.Symbols) {
			t.Fatalf("required symbol missing from %q", code)
		}
		if res := cfg.ValidateStrength(code); !res.Valid {
			t.Fatalf("generated code %q failed policy: %v", code, res.Errors)
		}
	}

	short, _ := cfg.GenerateCode(2, CharsetOptions{})
	long, _ := cfg.GenerateCode(1000, CharsetOptions{})
	if len(short) != cfg.MinLength || len(long) != cfg.MaxLength {
		t.Fatalf("length not clamped: %d, %d", len(short), len(long))
	}

	digits, _ := cfg.GenerateCode(10, CharsetOptions{Digits: true})
	if res := cfg.ValidateStrength(digits); !res.Valid {
		t.Fatalf("required classes must be forced in, got %q: %v", digits, res.Errors)
	}
}

func TestValidateStrength(t *testing.T) {
	cfg := DefaultConfig()
	cases := []struct {
		code  string
		valid bool
		label string
	}{
		{"short1A", false, StrengthFair},
		{"alllowercase", false, StrengthWeak},
		{"Garden7Gate", true, StrengthStrong},
		{"Garden7Gate!Long", true, StrengthVeryStrong},
		{"Gaaarden7Gate", true, StrengthStrong},
		{"Has Space1", false, StrengthStrong},
	}
	for _, tc := range cases {
		res := cfg.ValidateStrength(tc.code)
		if res.Valid != tc.valid || res.Label != tc.label {
			t.Errorf("%q: valid=%v label=%s score=%d errors=%v", tc.code, res.Valid, res.Label, res.Score, res.Errors)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}
	bad := []func(*Config){
		func(c *Config) { c.ExpiryHours = 0 },
		func(c *Config) { c.MinLength = 2 },
		func(c *Config) { c.CodeLength = 100 },
		func(c *Config) { c.Symbols = "a" },
		func(c *Config) { c.RequireSymbol, c.Symbols = true, "" },
		func(c *Config) { c.Sweep.TightenFactor = 1 },
	}
	for i, mutate := range bad {
		cfg := DefaultConfig()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}
