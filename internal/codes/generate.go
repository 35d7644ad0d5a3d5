package codes

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"unicode"
)

const (
	upperChars     = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	lowerChars     = "abcdefghijklmnopqrstuvwxyz"
	digitChars     = "0123456789"
	ambiguousChars = "0O1lI"
)

// CharsetOptions select the character classes of a generated code. With no
// class selected the policy's required classes are used.
type CharsetOptions struct {
	Upper            bool
	Lower            bool
	Digits           bool
	Symbols          bool
	ExcludeAmbiguous bool
}

func (o CharsetOptions) any() bool { return o.Upper || o.Lower || o.Digits || o.Symbols }

// Strength labels.
const (
	StrengthWeak       = "WEAK"
	StrengthFair       = "FAIR"
	StrengthStrong     = "STRONG"
	StrengthVeryStrong = "VERY_STRONG"
)

// StrengthResult is the outcome of ValidateStrength.
type StrengthResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
	Score  int      `json:"score"`
	Label  string   `json:"label"`
}

type classSet struct {
	upper, lower, digit, symbol bool
}

func (c Config) classesOf(code string) classSet {
	var cs classSet
	for _, r := range code {
		switch {
		case unicode.IsUpper(r):
			cs.upper = true
		case unicode.IsLower(r):
			cs.lower = true
		case unicode.IsDigit(r):
			cs.digit = true
		case strings.ContainsRune(c.Symbols, r):
			cs.symbol = true
		}
	}
	return cs
}

// ValidateStrength checks length bounds and required classes, and scores the
// code: up to 40 points for length, 15 per class present, minus 10 for a run
// of three identical characters.
func (c Config) ValidateStrength(code string) StrengthResult {
	var res StrengthResult
	n := len([]rune(code))
	if n < c.MinLength {
		res.Errors = append(res.Errors, fmt.Sprintf("must be at least %d characters", c.MinLength))
	}
	if n > c.MaxLength {
		res.Errors = append(res.Errors, fmt.Sprintf("must be at most %d characters", c.MaxLength))
	}
	cs := c.classesOf(code)
	if c.RequireUpper && !cs.upper {
		res.Errors = append(res.Errors, "must contain an uppercase letter")
	}
	if c.RequireLower && !cs.lower {
		res.Errors = append(res.Errors, "must contain a lowercase letter")
	}
	if c.RequireDigit && !cs.digit {
		res.Errors = append(res.Errors, "must contain a digit")
	}
	if c.RequireSymbol && !cs.symbol {
		res.Errors = append(res.Errors, "must contain one of "+c.Symbols)
	}
	for _, r := range code {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			res.Errors = append(res.Errors, "must not contain whitespace or control characters")
			break
		}
	}

	res.Score = min(40, n*40/16)
	for _, present := range []bool{cs.upper, cs.lower, cs.digit, cs.symbol} {
		if present {
			res.Score += 15
		}
	}
	if hasTripleRun(code) {
		res.Score -= 10
	}
	res.Score = max(0, min(100, res.Score))
	switch {
	case res.Score >= 85:
		res.Label = StrengthVeryStrong
	case res.Score >= 65:
		res.Label = StrengthStrong
	case res.Score >= 40:
		res.Label = StrengthFair
	default:
		res.Label = StrengthWeak
	}
	res.Valid = len(res.Errors) == 0
	return res
}

func hasTripleRun(s string) bool {
	rs := []rune(s)
	for i := 2; i < len(rs); i++ {
		if rs[i] == rs[i-1] && rs[i] == rs[i-2] {
			return true
		}
	}
	return false
}

// GenerateCode returns a random code of length characters, clamped to the
// policy bounds. A candidate failing ValidateStrength is replaced by one built
// with every required and requested class forced in, which passes by
// construction.
func (c Config) GenerateCode(length int, opts CharsetOptions) (string, error) {
	if length <= 0 {
		length = c.CodeLength
	}
	length = max(c.MinLength, min(c.MaxLength, length))
	if !opts.any() {
		opts = CharsetOptions{
			Upper:            c.RequireUpper,
			Lower:            c.RequireLower,
			Digits:           c.RequireDigit,
			Symbols:          c.RequireSymbol,
			ExcludeAmbiguous: opts.ExcludeAmbiguous,
		}
		if !opts.any() {
			opts.Upper, opts.Lower, opts.Digits = true, true, true
		}
	}
	pools := c.pools(opts)

	code, err := randomFrom(strings.Join(pools, ""), length)
	if err != nil {
		return "", err
	}
	if c.ValidateStrength(code).Valid {
		return code, nil
	}

	forced := c.pools(CharsetOptions{
		Upper:            opts.Upper || c.RequireUpper,
		Lower:            opts.Lower || c.RequireLower,
		Digits:           opts.Digits || c.RequireDigit,
		Symbols:          opts.Symbols || c.RequireSymbol,
		ExcludeAmbiguous: opts.ExcludeAmbiguous,
	})
	return forcedCode(forced, length)
}

func (c Config) pools(o CharsetOptions) []string {
	strip := func(s string) string {
		if !o.ExcludeAmbiguous {
			return s
		}
		return strings.Map(func(r rune) rune {
			if strings.ContainsRune(ambiguousChars, r) {
				return -1
			}
			return r
		}, s)
	}
	var out []string
	if o.Upper {
		out = append(out, strip(upperChars))
	}
	if o.Lower {
		out = append(out, strip(lowerChars))
	}
	if o.Digits {
		out = append(out, strip(digitChars))
	}
	if o.Symbols && c.Symbols != "" {
		out = append(out, c.Symbols)
	}
	return out
}

// forcedCode places one character of every pool, fills the rest from the
// union and shuffles.
func forcedCode(pools []string, length int) (string, error) {
	if len(pools) > length {
		return "", fmt.Errorf("codes: length %d cannot hold %d character classes", length, len(pools))
	}
	buf := make([]byte, 0, length)
	for _, p := range pools {
		ch, err := randomFrom(p, 1)
		if err != nil {
			return "", err
		}
		buf = append(buf, ch...)
	}
	rest, err := randomFrom(strings.Join(pools, ""), length-len(buf))
	if err != nil {
		return "", err
	}
	buf = append(buf, rest...)
	for i := len(buf) - 1; i > 0; i-- {
		j, err := randInt(i + 1)
		if err != nil {
			return "", err
		}
		buf[i], buf[j] = buf[j], buf[i]
	}
	return string(buf), nil
}

func randomFrom(alphabet string, n int) (string, error) {
	if alphabet == "" {
		return "", fmt.Errorf("codes: empty alphabet")
	}
	out := make([]byte, n)
	for i := range out {
		j, err := randInt(len(alphabet))
		if err != nil {
			return "", err
		}
		out[i] = alphabet[j]
	}
	return string(out), nil
}

func randInt(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("codes: random: %w", err)
	}
	return int(v.Int64()), nil
}
