package grant

import (
	"strings"
	"testing"
	"time"
)

var testKey = []byte(strings.Repeat("k", 32))

func TestIssueAndParse(t *testing.T) {
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	iss, err := NewIssuer(testKey, 5*time.Minute, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	token, exp, err := iss.Issue(Subject{CodeID: "01HZX", InstitutionID: "ORG1", CodeType: "admin", SessionID: "s-1"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.Equal(now.Add(5 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", exp)
	}
	claims, err := iss.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "01HZX" || claims.InstitutionID != "ORG1" || claims.CodeType != "admin" || claims.SessionID != "s-1" {
		t.Fatalf("claims not preserved: %+v", claims)
	}
	if claims.ID == "" {
		t.Fatalf("expected jti")
	}
}

func TestParseRejectsExpiredAndForeign(t *testing.T) {
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	clock := now
	iss, err := NewIssuer(testKey, time.Minute, WithClock(func() time.Time { return clock }))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	token, _, err := iss.Issue(Subject{CodeID: "c1"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	clock = now.Add(2 * time.Minute)
	if _, err := iss.Parse(token); err != ErrInvalidGrant {
		t.Fatalf("expected ErrInvalidGrant for expired grant, got %v", err)
	}

	clock = now
	other, err := NewIssuer([]byte(strings.Repeat("x", 32)), time.Minute, WithClock(func() time.Time { return clock }))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	if _, err := other.Parse(token); err != ErrInvalidGrant {
		t.Fatalf("expected ErrInvalidGrant for foreign key, got %v", err)
	}
	if _, err := iss.Parse("   "); err != ErrInvalidGrant {
		t.Fatalf("expected ErrInvalidGrant for empty token, got %v", err)
	}
}

func TestNewIssuerValidation(t *testing.T) {
	if _, err := NewIssuer([]byte("short"), time.Minute); err == nil {
		t.Fatalf("expected error for short key")
	}
	if _, err := NewIssuer(testKey, 0); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
	iss, err := NewIssuer(testKey, time.Minute)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	if _, _, err := iss.Issue(Subject{}); err == nil {
		t.Fatalf("expected error for empty code id")
	}
}
