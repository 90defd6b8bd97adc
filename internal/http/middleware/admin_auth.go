package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const adminClaimsKey contextKey = "adminClaims"

// AdminOption tightens AdminJWT validation.
type AdminOption func(*adminConfig)

type adminConfig struct {
	issuer   string
	audience string
	role     string
}

// AdminClaims are the claims carried by operator tokens.
type AdminClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// WithIssuer requires the iss claim to match.
func WithIssuer(iss string) AdminOption {
	return func(c *adminConfig) { c.issuer = iss }
}

// WithAudience requires aud to contain the given value.
func WithAudience(aud string) AdminOption {
	return func(c *adminConfig) { c.audience = aud }
}

// WithRole requires the role claim to match. A valid token with another role
// gets 403.
func WithRole(role string) AdminOption {
	return func(c *adminConfig) { c.role = role }
}

// AdminJWT guards the operator endpoints with an HMAC-signed JWT. An empty
// secret locks the endpoints rather than opening them.
func AdminJWT(secret string, opts ...AdminOption) func(http.Handler) http.Handler {
	var cfg adminConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.issuer))
	}
	if cfg.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(cfg.audience))
	}
	parser := jwt.NewParser(parserOpts...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, "admin auth disabled", http.StatusUnauthorized)
				return
			}
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, "missing authorization header", http.StatusUnauthorized)
				return
			}
			claims := AdminClaims{}
			token, err := parser.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), &claims, func(*jwt.Token) (any, error) {
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if cfg.role != "" && claims.Role != cfg.role {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			ctx := context.WithValue(r.Context(), adminClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminClaimsFromContext returns admin JWT claims if present.
func AdminClaimsFromContext(ctx context.Context) (AdminClaims, bool) {
	claims, ok := ctx.Value(adminClaimsKey).(AdminClaims)
	return claims, ok
}

// Operator returns the subject of the admin token, or "".
func Operator(ctx context.Context) string {
	claims, _ := AdminClaimsFromContext(ctx)
	return claims.Subject
}
