// Package grant signs short-lived access grants for successful code
// validations so a downstream system can trust the outcome offline.
package grant

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultIssuer = "accessgate"

var (
	// ErrInvalidGrant indicates the grant failed validation.
	ErrInvalidGrant = errors.New("invalid grant")
	errShortKey     = errors.New("grant: signing key must be at least 32 bytes")
)

// Claims carried by a grant. Subject is the code ID.
type Claims struct {
	InstitutionID string `json:"inst"`
	CodeType      string `json:"typ"`
	SessionID     string `json:"sid,omitempty"`
	UserID        string `json:"uid,omitempty"`
	jwt.RegisteredClaims
}

// Subject is what a grant is issued for.
type Subject struct {
	CodeID        string
	InstitutionID string
	CodeType      string
	SessionID     string
	UserID        string
}

// Issuer signs and verifies HS256 grants.
type Issuer struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithIssuer overrides the iss claim.
func WithIssuer(name string) Option {
	return func(i *Issuer) {
		if name = strings.TrimSpace(name); name != "" {
			i.issuer = name
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

// NewIssuer returns an issuer signing with key for ttl.
func NewIssuer(key []byte, ttl time.Duration, opts ...Option) (*Issuer, error) {
	if len(key) < 32 {
		return nil, errShortKey
	}
	if ttl <= 0 {
		return nil, errors.New("grant: ttl must be greater than zero")
	}
	i := &Issuer{
		key:    append([]byte(nil), key...),
		issuer: defaultIssuer,
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue signs a grant for s and returns it with its expiry.
func (i *Issuer) Issue(s Subject) (string, time.Time, error) {
	if strings.TrimSpace(s.CodeID) == "" {
		return "", time.Time{}, errors.New("grant: code id is required")
	}
	now := i.now()
	exp := now.Add(i.ttl)
	claims := Claims{
		InstitutionID: s.InstitutionID,
		CodeType:      s.CodeType,
		SessionID:     s.SessionID,
		UserID:        s.UserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   s.CodeID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign grant: %w", err)
	}
	return signed, exp, nil
}

// Parse verifies the signature and required claims.
func (i *Issuer) Parse(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidGrant
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidGrant
		}
		return i.key, nil
	},
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, ErrInvalidGrant
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidGrant
	}
	return claims, nil
}
