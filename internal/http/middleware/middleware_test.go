package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/dentaldesk/pkg/logging"
)

func TestRequestLoggerEchoesRequestID(t *testing.T) {
	h := RequestLogger(logging.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/conversations/k/messages", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status to pass through, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") != "req-123" {
		t.Fatalf("expected request id echoed, got %q", rec.Header().Get("X-Request-ID"))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a generated request id")
	}
}

func TestRateLimiterRefills(t *testing.T) {
	now := time.Date(2030, 1, 6, 9, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 2)
	rl.now = func() time.Time { return now }

	if !rl.Allow("k") || !rl.Allow("k") {
		t.Fatal("burst should allow two requests")
	}
	if rl.Allow("k") {
		t.Fatal("third request should be limited")
	}
	if !rl.Allow("other") {
		t.Fatal("keys must not share a bucket")
	}
	now = now.Add(time.Second)
	if !rl.Allow("k") {
		t.Fatal("bucket should refill after a second")
	}

	if n := rl.Evict(now.Add(time.Minute)); n != 2 {
		t.Fatalf("expected 2 evicted buckets, got %d", n)
	}
}

func TestRateLimitByConversationKey(t *testing.T) {
	r := chi.NewRouter()
	r.With(RateLimit(NewRateLimiter(0, 1), ByURLParam("key"))).Post("/v1/conversations/{key}/messages", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	send := func(key string) int {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/conversations/"+key+"/messages", nil))
		return rec.Code
	}
	if got := send("alice"); got != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", got)
	}
	if got := send("alice"); got != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", got)
	}
	if got := send("bob"); got != http.StatusAccepted {
		t.Fatalf("expected 202 for another conversation, got %d", got)
	}
}
