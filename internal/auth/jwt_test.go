package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// newTestTokenService creates a TokenService with a fixed, known secret so
// tests are deterministic.
func newTestTokenService(t *testing.T) *TokenService {
	t.Helper()
	ts, err := NewTokenService("test-secret-at-least-16-chars!!", "")
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return ts
}

// =========================================================================
// TOKEN SERVICE CONSTRUCTION TESTS
// =========================================================================

func TestNewTokenService_ShortSecret(t *testing.T) {
	if _, err := NewTokenService("short", ""); err == nil {
		t.Fatal("NewTokenService() should reject secrets shorter than 16 chars")
	}
}

// =========================================================================
// ISSUE / VALIDATE TESTS
// =========================================================================

func TestValidate_RoundTrip(t *testing.T) {
	ts := newTestTokenService(t)

	token, err := ts.Issue("user-123", "asha@example.com", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if strings.Count(token, ".") != 2 {
		t.Errorf("token %q is not header.payload.signature", token)
	}

	id, err := ts.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if id.UserID != "user-123" || id.Email != "asha@example.com" {
		t.Errorf("Validate() = %+v", id)
	}
}

func TestIssue_RequiresUser(t *testing.T) {
	ts := newTestTokenService(t)
	if _, err := ts.Issue("", "", time.Hour); err == nil {
		t.Fatal("Issue(\"\") error = nil")
	}
}

func TestValidate_ExpiredToken(t *testing.T) {
	ts := newTestTokenService(t)

	token, err := ts.Issue("user-123", "", -time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	_, err = ts.Validate(token)
	if err == nil || !strings.Contains(err.Error(), "expired") {
		t.Fatalf("Validate() error = %v, want expiry error", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	ts := newTestTokenService(t)
	good, err := ts.Issue("user-123", "", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	other, _ := NewTokenService("a-completely-different-secret", "")
	foreign, _ := other.Issue("user-123", "", time.Hour)

	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "user-123"}).
		SignedString([]byte("test-secret-at-least-16-chars!!"))

	noSub, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("test-secret-at-least-16-chars!!"))

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt"},
		{"tampered", good + "A"},
		{"wrong secret", foreign},
		{"no expiry", noExp},
		{"no subject", noSub},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ts.Validate(tt.token); err == nil {
				t.Errorf("Validate(%s) error = nil, want rejection", tt.name)
			}
		})
	}
}

func TestValidate_Issuer(t *testing.T) {
	strict, err := NewTokenService("test-secret-at-least-16-chars!!", "identity.example")
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	lax := newTestTokenService(t)

	fromLax, _ := lax.Issue("u1", "", time.Hour) // iss = carbon-ledger
	if _, err := strict.Validate(fromLax); err == nil {
		t.Error("strict service accepted a token from another issuer")
	}

	fromStrict, _ := strict.Issue("u1", "", time.Hour)
	if _, err := strict.Validate(fromStrict); err != nil {
		t.Errorf("strict service rejected its own token: %v", err)
	}
	if _, err := lax.Validate(fromStrict); err != nil {
		t.Errorf("service without an issuer must not check iss: %v", err)
	}
}
