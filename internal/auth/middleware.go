package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// contextKey is an unexported type used for context keys in this package, so
// no other package can read or shadow the values stored under it.
type contextKey string

const (
	identityKey contextKey = "identity"
	slotKey     contextKey = "identitySlot"
)

// ServiceKeyHeader carries the shared key of internal collaborators.
const ServiceKeyHeader = "X-Service-Key"

// Unauthorized writes the 401 body every auth failure shares.
func Unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"unauthorized","message":"valid authentication required"}`))
}

// RequireAuth enforces a valid bearer token (header or "token" cookie) and
// stores the Identity in the request context.
func RequireAuth(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := extractIdentity(r, tokens)
			if err != nil {
				Unauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// OptionalAuth attaches the Identity when a valid token is present and lets
// anonymous requests through otherwise. Public routes such as the leaderboard
// use it so logs still carry the caller when there is one.
func OptionalAuth(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id, err := extractIdentity(r, tokens); err == nil {
				r = r.WithContext(WithIdentity(r.Context(), id))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireServiceKey guards the internal routes called by other services.
// The comparison is constant-time. An empty key rejects everything.
func RequireServiceKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(ServiceKeyHeader)
			if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				Unauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithIdentity returns ctx carrying id. It also fills the identity slot
// installed by TrackIdentity further up the chain.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	if slot, ok := ctx.Value(slotKey).(*Identity); ok {
		*slot = id
	}
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the authenticated caller, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok && id.UserID != ""
}

// UserIDFromContext returns the authenticated user's ID, or ("", false) for
// anonymous requests.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := IdentityFromContext(ctx)
	return id.UserID, ok
}

// TrackIdentity lets an outer middleware learn who the caller turned out to
// be. The request logger installs the slot before routing; RequireAuth and
// OptionalAuth fill it in; the logger reads it after the handler returns.
func TrackIdentity(ctx context.Context) (context.Context, func() string) {
	slot := &Identity{}
	return context.WithValue(ctx, slotKey, slot), func() string { return slot.UserID }
}

func extractIdentity(r *http.Request, tokens *TokenService) (Identity, error) {
	raw := bearerToken(r)
	if raw == "" {
		cookie, err := r.Cookie("token")
		if err != nil {
			return Identity{}, err
		}
		raw = cookie.Value
	}
	return tokens.Validate(raw)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
