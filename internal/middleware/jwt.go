// Package middleware guards the control surface. The REST API and the
// observer WebSocket authenticate with an HS256 JWT minted from the
// configured access secret. Device sockets authenticate with pairing
// tokens and never touch this package; the two credential planes stay
// separate.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tetherlabs/tether/internal/httputil"
)

// ErrInvalidToken is returned when a token fails parsing or validation.
var ErrInvalidToken = errors.New("invalid token")

type contextKey string

// SubjectKey is the context key carrying the authenticated subject.
const SubjectKey contextKey = "subject"

const issuer = "tether"

// CreateToken mints an HS256 JWT for the given subject.
func CreateToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iss": issuer,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ValidateJWT parses and verifies a token against the secret. Expiry
// and the HMAC signing method are enforced.
func ValidateJWT(tokenString, secret string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// TokenFromRequest pulls the bearer token from the Authorization header
// or, for WebSocket upgrades where headers are awkward to set, the
// token query parameter.
func TokenFromRequest(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1]
	}
	return r.URL.Query().Get("token")
}

// JWTMiddleware rejects requests without a valid control-surface token
// and puts the subject claim on the request context.
func JWTMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := TokenFromRequest(r)
			if tokenString == "" {
				httputil.Unauthorized(w, "missing authorization")
				return
			}

			claims, err := ValidateJWT(tokenString, secret)
			if err != nil {
				httputil.Unauthorized(w, "invalid token")
				return
			}

			ctx := r.Context()
			if sub, err := claims.GetSubject(); err == nil && sub != "" {
				ctx = context.WithValue(ctx, SubjectKey, sub)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Subject returns the authenticated subject, or "" outside a guarded
// request.
func Subject(ctx context.Context) string {
	if sub, ok := ctx.Value(SubjectKey).(string); ok {
		return sub
	}
	return ""
}
