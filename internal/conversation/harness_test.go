package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/dentaldesk/internal/booking"
	"github.com/wolfman30/dentaldesk/internal/patients"
	"github.com/wolfman30/dentaldesk/internal/tools"
	"github.com/wolfman30/dentaldesk/pkg/logging"
)

var testLoc = mustLoadLocation("Asia/Kolkata")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// Sunday 6 Jan 2030, 09:00 clinic time. Dr. Asha Rao works Mon-Fri 10:00-17:00.
var testNow = time.Date(2030, time.January, 6, 9, 0, 0, 0, testLoc)

const (
	testDentist = "d-asha-rao"
	mondayTen   = "2030-01-07T10:00"
)

type modelStep func(req LLMRequest) (LLMResponse, error)

// scriptedModel answers each Complete call with the next step. Once the
// script runs out it replies "ok".
type scriptedModel struct {
	mu       sync.Mutex
	steps    []modelStep
	requests []LLMRequest
}

func newScriptedModel(steps ...modelStep) *scriptedModel {
	return &scriptedModel{steps: steps}
}

func (m *scriptedModel) push(steps ...modelStep) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, steps...)
}

func (m *scriptedModel) Complete(ctx context.Context, req LLMRequest) (LLMResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if err := ctx.Err(); err != nil {
		return LLMResponse{}, err
	}
	if len(m.steps) == 0 {
		return LLMResponse{Text: "ok"}, nil
	}
	step := m.steps[0]
	m.steps = m.steps[1:]
	return step(req)
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *scriptedModel) lastRequest() LLMRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[len(m.requests)-1]
}

func reply(text string) modelStep {
	return func(LLMRequest) (LLMResponse, error) {
		return LLMResponse{Text: text, StopReason: "end_turn"}, nil
	}
}

func callTool(name string, args map[string]any) modelStep {
	return func(LLMRequest) (LLMResponse, error) {
		raw, _ := json.Marshal(args)
		return LLMResponse{ToolCalls: []tools.Call{{ID: "toolu_" + name, Name: name, Arguments: raw}}, StopReason: "tool_use"}, nil
	}
}

func failModel(err error) modelStep {
	return func(LLMRequest) (LLMResponse, error) {
		return LLMResponse{}, err
	}
}

type harness struct {
	store    *MemoryStore
	model    *scriptedModel
	ledger   *booking.MemoryLedger
	booking  *booking.Service
	patients *patients.InMemoryRepository
	adapter  *tools.Adapter
	orch     *Orchestrator
}

func newHarness(t *testing.T, opts ...OrchestratorOption) *harness {
	t.Helper()
	ledger := booking.NewMemoryLedger()
	if err := booking.Seed(context.Background(), ledger, booking.SeedDentists()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	svc := booking.NewService(ledger, logging.Default(),
		booking.WithLocation(testLoc),
		booking.WithClock(func() time.Time { return testNow }),
		booking.WithDefaultDuration(30*time.Minute),
	)
	repo := patients.NewInMemoryRepository()
	adapter := tools.NewAdapter(svc, repo, logging.Default())
	h := &harness{
		store:    NewMemoryStore(),
		model:    newScriptedModel(),
		ledger:   ledger,
		booking:  svc,
		patients: repo,
		adapter:  adapter,
	}
	base := []OrchestratorOption{
		WithClinicLocation(testLoc),
		WithClock(func() time.Time { return testNow }),
		WithModelRetries(0, time.Millisecond),
	}
	h.orch = NewOrchestrator(h.store, h.model, adapter, repo, logging.Default(), append(base, opts...)...)
	return h
}

// inbound assigns the next sequence number for key, as the publisher would.
func (h *harness) inbound(t *testing.T, key, text string) Inbound {
	t.Helper()
	seq, err := h.store.NextSequence(context.Background(), key, testNow)
	if err != nil {
		t.Fatalf("next sequence: %v", err)
	}
	return Inbound{DeliveryID: uuid.NewString(), Key: key, Seq: seq, Text: text, ReceivedAt: testNow}
}

func (h *harness) register(t *testing.T, key string) *patients.Patient {
	t.Helper()
	ctx := context.Background()
	if _, err := h.patients.Ensure(ctx, key); err != nil {
		t.Fatalf("ensure patient: %v", err)
	}
	p, err := h.patients.UpdateProfile(ctx, key, patients.ProfileUpdate{Name: "Priya Shah", Age: 34, Gender: "female"})
	if err != nil {
		t.Fatalf("register patient: %v", err)
	}
	return p
}

func (h *harness) turns(t *testing.T, key string) []Turn {
	t.Helper()
	turns, err := h.store.Turns(context.Background(), key, 0, 0)
	if err != nil {
		t.Fatalf("turns: %v", err)
	}
	return turns
}

func (h *harness) conversation(t *testing.T, key string) *Conversation {
	t.Helper()
	c, err := h.store.Load(context.Background(), key)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return c
}

func (h *harness) activeAppointments(t *testing.T) []booking.Appointment {
	t.Helper()
	from := time.Date(2030, time.January, 1, 0, 0, 0, 0, testLoc)
	appts, err := h.ledger.ActiveAppointments(context.Background(), testDentist, from, from.AddDate(0, 1, 0))
	if err != nil {
		t.Fatalf("active appointments: %v", err)
	}
	return appts
}

func toolResult(t *testing.T, turn Turn) map[string]any {
	t.Helper()
	if turn.Role != RoleTool {
		t.Fatalf("expected tool turn, got %s", turn.Role)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(turn.Content), &out); err != nil {
		t.Fatalf("decode tool turn %q: %v", turn.Content, err)
	}
	return out
}

func toolErrorKind(t *testing.T, turn Turn) string {
	t.Helper()
	res := toolResult(t, turn)
	e, ok := res["error"].(map[string]any)
	if !ok {
		return ""
	}
	return fmt.Sprint(e["kind"])
}

// flakyStore fails the first commitFailures commits after writing nothing.
type flakyStore struct {
	*MemoryStore
	mu             sync.Mutex
	commitFailures int
	commits        int
}

var errCommitCrash = errors.New("connection reset during commit")

func (s *flakyStore) Commit(ctx context.Context, c Commit) error {
	s.mu.Lock()
	s.commits++
	if s.commitFailures > 0 {
		s.commitFailures--
		s.mu.Unlock()
		return errCommitCrash
	}
	s.mu.Unlock()
	return s.MemoryStore.Commit(ctx, c)
}
