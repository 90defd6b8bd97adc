package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/dentaldesk/pkg/logging"
)

type stubEnqueuer struct {
	err     error
	key     string
	payload string
}

func (s *stubEnqueuer) Enqueue(_ context.Context, key string, payload []byte, _ time.Time) (int64, error) {
	s.key = key
	s.payload = string(payload)
	if s.err != nil {
		return 0, s.err
	}
	return 7, nil
}

func withKey(req *http.Request, key string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("key", key)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestHandlerMessageAccepted(t *testing.T) {
	enq := &stubEnqueuer{}
	h := NewHandler(enq, NewMemoryStore(), logging.Default())

	req := withKey(httptest.NewRequest(http.MethodPost, "/v1/conversations/%2B15550001111/messages", strings.NewReader(`{"text":"Can I book a cleaning?"}`)), "%2B15550001111")
	rec := httptest.NewRecorder()
	h.Message(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if enq.key != "+15550001111" {
		t.Fatalf("expected unescaped key, got %q", enq.key)
	}
	var resp enqueueResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Seq != 7 || resp.ConversationKey != "+15550001111" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestHandlerMessageRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"not json":   `{"text":`,
		"empty text": `{"text":"   "}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			enq := &stubEnqueuer{}
			h := NewHandler(enq, NewMemoryStore(), logging.Default())
			rec := httptest.NewRecorder()
			h.Message(rec, withKey(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)), "k"))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if enq.key != "" {
				t.Fatal("bad input must not be enqueued")
			}
		})
	}
}

func TestHandlerMessageQueueUnavailable(t *testing.T) {
	h := NewHandler(&stubEnqueuer{err: errors.New("queue down")}, NewMemoryStore(), logging.Default())
	rec := httptest.NewRecorder()
	h.Message(rec, withKey(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"text":"hi"}`)), "k"))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandlerGetConversation(t *testing.T) {
	store := NewMemoryStore()
	store.NextSequence(context.Background(), "k", testNow)
	store.Commit(context.Background(), commitFor(t, "k", 0, 1, 0, "hello", "hi"))
	h := NewHandler(&stubEnqueuer{}, store, logging.Default())

	rec := httptest.NewRecorder()
	h.Get(rec, withKey(httptest.NewRequest(http.MethodGet, "/", nil), "k"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var view conversationView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Conversation.LastSeq != 1 || len(view.Turns) != 2 || view.Conversation.Checkpoint != nil {
		t.Fatalf("unexpected view %+v", view)
	}

	rec = httptest.NewRecorder()
	h.Get(rec, withKey(httptest.NewRequest(http.MethodGet, "/", nil), "missing"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandlerReleaseQuarantinedConversation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.NextSequence(ctx, "k", testNow)
	store.Quarantine(ctx, "k", "bad checkpoint", testNow)
	h := NewHandler(&stubEnqueuer{}, store, logging.Default())

	rec := httptest.NewRecorder()
	h.Release(rec, withKey(httptest.NewRequest(http.MethodPost, "/", nil), "k"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	conv, _ := store.Load(ctx, "k")
	if conv.Status != StatusOpen {
		t.Fatalf("expected open conversation, got %s", conv.Status)
	}

	rec = httptest.NewRecorder()
	h.Release(rec, withKey(httptest.NewRequest(http.MethodPost, "/", nil), "missing"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
