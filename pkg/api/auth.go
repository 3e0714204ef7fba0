package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/audit"
)

const (
	// RoleAdmin is the role claim that unlocks operator routes.
	RoleAdmin = "admin"

	tokenIssuer = "phoenix"
)

var (
	ErrWeakSecret = errors.New("api: admin token secret must be at least 32 bytes")
	ErrNotAdmin   = errors.New("api: token does not carry the admin role")
)

// AdminClaims are the JWT claims of an operator token.
type AdminClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// AdminValidator verifies HS256 operator tokens.
type AdminValidator struct {
	secret []byte
	clock  func() time.Time
}

// NewAdminValidator returns a validator for tokens signed with secret.
func NewAdminValidator(secret []byte) (*AdminValidator, error) {
	if len(secret) < 32 {
		return nil, ErrWeakSecret
	}
	return &AdminValidator{secret: secret, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (v *AdminValidator) WithClock(clock func() time.Time) *AdminValidator {
	v.clock = clock
	return v
}

// Validate parses tokenStr and requires the admin role and a subject.
func (v *AdminValidator) Validate(tokenStr string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Role != RoleAdmin {
		return nil, ErrNotAdmin
	}
	if claims.Subject == "" {
		return nil, errors.New("token subject is required")
	}
	return claims, nil
}

// IssueAdminToken mints an operator token for subject valid for ttl.
func IssueAdminToken(secret []byte, subject string, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) < 32 {
		return "", ErrWeakSecret
	}
	if subject == "" {
		return "", errors.New("api: token subject is required")
	}
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: RoleAdmin,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

type adminKey struct{}

// AdminFrom returns the operator id set by RequireAdmin.
func AdminFrom(ctx context.Context) string {
	id, _ := ctx.Value(adminKey{}).(string)
	return id
}

// RequireAdmin admits only requests bearing a valid operator token. A nil
// validator rejects everything.
func RequireAdmin(v *AdminValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				WriteUnauthorized(w, "Missing Authorization header")
				return
			}
			scheme, tokenStr, ok := strings.Cut(header, " ")
			if !ok || scheme != "Bearer" {
				WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			if v == nil {
				WriteUnauthorized(w, "Admin authentication not configured")
				return
			}
			claims, err := v.Validate(tokenStr)
			if errors.Is(err, ErrNotAdmin) {
				WriteError(w, http.StatusForbidden, "Admin role required")
				return
			}
			if err != nil {
				WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			ctx := context.WithValue(r.Context(), adminKey{}, claims.Subject)
			ctx = audit.WithActor(ctx, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
