package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestAdminJWT(t *testing.T) {
	noExpiry := sign(t, "secret", AdminClaims{Role: "operator", RegisteredClaims: jwt.RegisteredClaims{Subject: "front-desk"}})
	expired := sign(t, "secret", operatorClaims("operator", -time.Minute))
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, operatorClaims("operator", time.Minute)).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none token: %v", err)
	}

	tests := []struct {
		name   string
		secret string
		opts   []AdminOption
		header string
		want   int
	}{
		{name: "empty secret locks", secret: "", header: bearer(t, "secret", "operator"), want: http.StatusUnauthorized},
		{name: "missing header", secret: "secret", want: http.StatusUnauthorized},
		{name: "basic auth", secret: "secret", header: "Basic Zm9vOmJhcg==", want: http.StatusUnauthorized},
		{name: "wrong key", secret: "secret", header: bearer(t, "other", "operator"), want: http.StatusUnauthorized},
		{name: "alg none", secret: "secret", header: "Bearer " + none, want: http.StatusUnauthorized},
		{name: "no expiry", secret: "secret", header: "Bearer " + noExpiry, want: http.StatusUnauthorized},
		{name: "expired", secret: "secret", header: "Bearer " + expired, want: http.StatusUnauthorized},
		{name: "valid", secret: "secret", header: bearer(t, "secret", "operator"), want: http.StatusOK},
		{name: "issuer mismatch", secret: "secret", opts: []AdminOption{WithIssuer("dentaldesk-ops")}, header: bearer(t, "secret", "operator"), want: http.StatusUnauthorized},
		{name: "issuer match", secret: "secret", opts: []AdminOption{WithIssuer("dentaldesk-admin")}, header: bearer(t, "secret", "operator"), want: http.StatusOK},
		{name: "audience mismatch", secret: "secret", opts: []AdminOption{WithAudience("billing")}, header: bearer(t, "secret", "operator"), want: http.StatusUnauthorized},
		{name: "role match", secret: "secret", opts: []AdminOption{WithRole("operator")}, header: bearer(t, "secret", "operator"), want: http.StatusOK},
		{name: "other role", secret: "secret", opts: []AdminOption{WithRole("operator")}, header: bearer(t, "secret", "reception"), want: http.StatusForbidden},
		{name: "no role", secret: "secret", opts: []AdminOption{WithRole("operator")}, header: bearer(t, "secret", ""), want: http.StatusForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			AdminJWT(tc.secret, tc.opts...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})).ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d (%s)", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestAdminJWTStoresClaims(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/admin/conversations/k/release", nil)
	req.Header.Set("Authorization", bearer(t, "secret", "operator"))
	rec := httptest.NewRecorder()

	var got AdminClaims
	AdminJWT("secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = AdminClaimsFromContext(r.Context())
		if Operator(r.Context()) != "front-desk" {
			t.Errorf("expected operator front-desk, got %q", Operator(r.Context()))
		}
	})).ServeHTTP(rec, req)

	if got.Role != "operator" || got.Issuer != "dentaldesk-admin" {
		t.Fatalf("unexpected claims %+v", got)
	}
	if _, ok := AdminClaimsFromContext(req.Context()); ok {
		t.Fatal("claims should only be on the downstream request")
	}
}

func operatorClaims(role string, ttl time.Duration) AdminClaims {
	return AdminClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "front-desk",
			Issuer:    "dentaldesk-admin",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
}

func sign(t *testing.T, secret string, claims AdminClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func bearer(t *testing.T, secret, role string) string {
	t.Helper()
	return "Bearer " + sign(t, secret, operatorClaims(role, 5*time.Minute))
}
