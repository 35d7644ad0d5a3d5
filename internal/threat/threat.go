// Package threat matches arbitrary text against named attack-signature families.
// The detector is stateless and safe for concurrent use.
package threat

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Family names a class of attack signatures.
type Family string

const (
	SQLInjection     Family = "sql_injection"
	XSS              Family = "xss"
	PathTraversal    Family = "path_traversal"
	CommandInjection Family = "command_injection"
	BruteForce       Family = "brute_force"
)

// AllFamilies lists every built-in family in severity order.
var AllFamilies = []Family{CommandInjection, SQLInjection, PathTraversal, XSS, BruteForce}

// Match is one signature hit.
type Match struct {
	Family     Family  `json:"family"`
	Signature  string  `json:"signature"`
	Confidence float64 `json:"confidence"`
	Field      string  `json:"field,omitempty"`
}

type signature struct {
	name       string
	re         *regexp.Regexp
	match      func(string) bool
	confidence float64
}

type family struct {
	name       Family
	signatures []signature
}

// Detector scans text for attack signatures.
type Detector struct {
	families      []family
	minConfidence float64
}

// Option configures a Detector.
type Option func(*Detector)

// WithMinConfidence drops matches below c (0..1).
func WithMinConfidence(c float64) Option {
	return func(d *Detector) {
		if c >= 0 && c <= 1 {
			d.minConfidence = c
		}
	}
}

// WithFamilies restricts the detector to the given families.
func WithFamilies(names ...Family) Option {
	return func(d *Detector) {
		if len(names) == 0 {
			return
		}
		keep := make(map[Family]bool, len(names))
		for _, n := range names {
			keep[n] = true
		}
		filtered := d.families[:0]
		for _, f := range d.families {
			if keep[f.name] {
				filtered = append(filtered, f)
			}
		}
		d.families = filtered
	}
}

// NewDetector builds a detector with the built-in signature families.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{families: builtinFamilies()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Scan returns every signature matching text. At most one match per family is
// reported, the one with the highest confidence.
func (d *Detector) Scan(text string) []Match {
	return d.scan("", text)
}

// ScanFields scans each named field and tags matches with the field name.
// Fields are visited in sorted order so results are deterministic.
func (d *Detector) ScanFields(fields map[string]string) []Match {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	var out []Match
	seen := make(map[Family]int)
	for _, name := range names {
		for _, m := range d.scan(name, fields[name]) {
			if i, ok := seen[m.Family]; ok {
				if m.Confidence > out[i].Confidence {
					out[i] = m
				}
				continue
			}
			seen[m.Family] = len(out)
			out = append(out, m)
		}
	}
	return out
}

func (d *Detector) scan(field, text string) []Match {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	candidates := normalize(text)
	var out []Match
	for _, f := range d.families {
		found := false
		var bestSig signature
		for _, sig := range f.signatures {
			if sig.confidence < d.minConfidence || !sig.matches(candidates) {
				continue
			}
			if !found || sig.confidence > bestSig.confidence {
				found = true
				bestSig = sig
			}
		}
		if found {
			out = append(out, Match{Family: f.name, Signature: bestSig.name, Confidence: bestSig.confidence, Field: field})
		}
	}
	return out
}

func (s signature) matches(candidates []string) bool {
	for _, c := range candidates {
		if s.re != nil && s.re.MatchString(c) {
			return true
		}
		if s.match != nil && s.match(c) {
			return true
		}
	}
	return false
}

// normalize returns the raw text plus up to two rounds of URL decoding so
// percent-encoded payloads hit the same signatures.
func normalize(text string) []string {
	out := []string{text}
	cur := text
	for i := 0; i < 2; i++ {
		dec, err := url.QueryUnescape(cur)
		if err != nil || dec == cur {
			break
		}
		out = append(out, dec)
		cur = dec
	}
	return out
}

// Families returns the distinct families present in matches.
func Families(matches []Match) []Family {
	seen := make(map[Family]bool, len(matches))
	var out []Family
	for _, m := range matches {
		if !seen[m.Family] {
			seen[m.Family] = true
			out = append(out, m.Family)
		}
	}
	return out
}

// MaxConfidence returns the highest confidence among matches.
func MaxConfidence(matches []Match) float64 {
	var max float64
	for _, m := range matches {
		if m.Confidence > max {
			max = m.Confidence
		}
	}
	return max
}
