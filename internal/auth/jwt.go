// Package auth verifies the identity that arrives with each request.
//
// The ledger does not log anyone in. An identity collaborator signs a JWT for
// the user and the client sends it on every call:
//
//	Authorization: Bearer <jwt>      (API clients)
//	Cookie: token=<jwt>              (browser sessions)
//
// The "sub" claim is the user id every ledger operation is keyed on; an
// optional "email" claim seeds the account profile. The cmd/issue-token tool
// signs tokens with the same secret for local use and for the game-reward
// collaborators.
//
// JWT STRUCTURE (three base64-encoded parts separated by dots):
//
//	HEADER.PAYLOAD.SIGNATURE
//	- Header: {"alg":"HS256","typ":"JWT"}
//	- Payload: {"sub":"user-id","email":"a@b.c","exp":1234567890}
//	- Signature: HMAC-SHA256(header+"."+payload, secretKey)
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultIssuer is stamped on tokens when no issuer is configured.
const DefaultIssuer = "carbon-ledger"

// Identity is the verified caller.
type Identity struct {
	UserID string
	Email  string
}

// TokenService signs and verifies HS256 tokens.
type TokenService struct {
	secret []byte
	// issuer, when set, is both stamped on issued tokens and required on
	// verified ones.
	issuer string
}

// NewTokenService creates a TokenService. The secret should be at least 32
// bytes of random data in production: JWT_SECRET=$(openssl rand -hex 32).
func NewTokenService(secret, issuer string) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	return &TokenService{secret: []byte(secret), issuer: issuer}, nil
}

type claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Issue signs a token for userID valid for ttl.
func (s *TokenService) Issue(userID, email string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("auth: user id is required")
	}
	now := time.Now()
	issuer := s.issuer
	if issuer == "" {
		issuer = DefaultIssuer
	}

	c := claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a token and returns its identity.
//
// VALIDATION CHECKS (performed by the jwt library):
//   - Signature is valid
//   - Token carries an expiry and is not expired
//   - Algorithm is HS256 (prevents algorithm confusion attacks)
//   - Issuer matches, when one is configured
func (s *TokenService) Validate(tokenStr string) (Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenStr, &claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, errors.New("auth: token expired")
		}
		return Identity{}, fmt.Errorf("auth: invalid token: %w", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return Identity{}, errors.New("auth: invalid token claims")
	}
	if c.Subject == "" {
		return Identity{}, errors.New("auth: token has no subject")
	}

	return Identity{UserID: c.Subject, Email: c.Email}, nil
}
