/*
auth.go - Session tokens and role checks

PURPOSE:
  Plays the authentication collaborator: counters and the administrator
  log in with a shared secret, receive an HS256 token, and present it as
  a Bearer header. The middleware puts an Identity into the request
  context; handlers read it and pass the counter to the engine
  explicitly. Nothing below this package reads the context for identity.

ROLES:
  counter: may redeem and look up coupons, read its own profile
  admin:   everything under /api/admin and the demo scenarios

SECRETS:
  Counter secrets are bcrypt hashes on the Counter record. The admin
  secret is a bcrypt hash from configuration.
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

type Role string

const (
	RoleCounter Role = "counter"
	RoleAdmin   Role = "admin"
)

// Identity is the authenticated caller.
type Identity struct {
	Role    Role
	Subject string
}

type contextKey string

const identityKey contextKey = "identity"

const bearerSchema = "Bearer "

var ErrInvalidToken = errors.New("invalid or expired token")

// Claims are the JWT claims carried by session tokens.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator issues and verifies session tokens.
type Authenticator struct {
	Secret []byte
	TTL    time.Duration

	// AdminUser and AdminPasswordHash guard /api/auth/admin. An empty hash
	// disables admin login.
	AdminUser         string
	AdminPasswordHash string

	Now func() time.Time
}

func NewAuthenticator(secret string, ttl time.Duration) *Authenticator {
	return &Authenticator{
		Secret:    []byte(secret),
		TTL:       ttl,
		AdminUser: "admin",
		Now:       time.Now,
	}
}

// IssueToken signs a token for subject with the given role.
func (a *Authenticator) IssueToken(role Role, subject string) (string, time.Time, error) {
	now := a.Now()
	expires := now.Add(a.TTL)
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, expires, nil
}

// ParseToken verifies signature and expiry and returns the identity.
func (a *Authenticator) ParseToken(raw string) (Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.Secret, nil
	}, jwt.WithTimeFunc(a.Now), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	if claims.Subject == "" || (claims.Role != RoleCounter && claims.Role != RoleAdmin) {
		return Identity{}, ErrInvalidToken
	}
	return Identity{Role: claims.Role, Subject: claims.Subject}, nil
}

// CheckAdmin reports whether user/password match the configured admin.
func (a *Authenticator) CheckAdmin(user, password string) bool {
	if a.AdminPasswordHash == "" || user != a.AdminUser {
		return false
	}
	return CheckPassword(a.AdminPasswordHash, password)
}

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

// RequireRole rejects requests without a valid token for one of roles.
func (a *Authenticator) RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractToken(r)
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "Missing bearer token", nil)
				return
			}
			id, err := a.ParseToken(raw)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Unauthorized", err)
				return
			}
			if !hasRole(id.Role, roles) {
				writeError(w, http.StatusForbidden, "Forbidden", nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func hasRole(role Role, allowed []Role) bool {
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

func extractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, bearerSchema) {
		return strings.TrimSpace(strings.TrimPrefix(header, bearerSchema))
	}
	return ""
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom returns the identity stored by RequireRole.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}
