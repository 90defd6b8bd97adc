package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/wolfman30/dentaldesk/internal/tools"
	"github.com/wolfman30/dentaldesk/pkg/logging"
)

func TestProcessDirectReply(t *testing.T) {
	h := newHarness(t)
	h.model.push(reply("Hi! How can I help?"))

	in := h.inbound(t, "+15550001111", "hello")
	out, err := h.orch.Process(context.Background(), in)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Reply != "Hi! How can I help?" || out.Duplicate || out.Fallback != "" {
		t.Fatalf("unexpected outcome %+v", out)
	}

	turns := h.turns(t, in.Key)
	if len(turns) != 2 || turns[0].Role != RolePatient || turns[1].Role != RoleAssistant {
		t.Fatalf("unexpected turns %+v", turns)
	}
	if turns[0].Content != "hello" || turns[0].Seq != 1 {
		t.Fatalf("patient turn not stored: %+v", turns[0])
	}

	conv := h.conversation(t, in.Key)
	if conv.LastSeq != 1 || conv.TurnCount != 2 {
		t.Fatalf("conversation not advanced: %+v", conv)
	}
	cp, err := decodeCheckpoint(conv)
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if cp.LastSeq != 1 || cp.TurnCount != 2 {
		t.Fatalf("unexpected checkpoint %+v", cp)
	}

	replies, _ := h.store.PendingReplies(context.Background(), 0)
	if len(replies) != 1 || replies[0].Text != "Hi! How can I help?" || replies[0].Seq != 1 {
		t.Fatalf("expected one pending reply, got %+v", replies)
	}

	req := h.model.lastRequest()
	if len(req.Tools) != len(tools.Catalog()) {
		t.Fatalf("expected the tool catalog on the request, got %d tools", len(req.Tools))
	}
	if !strings.Contains(strings.Join(req.System, "\n"), "Registered: no") {
		t.Fatalf("system prompt should describe an unregistered patient: %v", req.System)
	}
}

func TestProcessSkipsCommittedMessage(t *testing.T) {
	h := newHarness(t)
	h.model.push(reply("first"))

	in := h.inbound(t, "+15550001111", "hello")
	if _, err := h.orch.Process(context.Background(), in); err != nil {
		t.Fatalf("process: %v", err)
	}
	out, err := h.orch.Process(context.Background(), in)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if !out.Duplicate {
		t.Fatalf("expected duplicate outcome, got %+v", out)
	}
	if h.model.calls() != 1 {
		t.Fatalf("model should not be called for a redelivery, got %d calls", h.model.calls())
	}
	if got := len(h.turns(t, in.Key)); got != 2 {
		t.Fatalf("redelivery must not add turns, got %d", got)
	}
}

func TestProcessBooksAppointment(t *testing.T) {
	h := newHarness(t)
	key := "+15550001111"
	h.register(t, key)
	h.model.push(
		callTool(tools.ToolBookAppointment, map[string]any{"dentist_id": testDentist, "start": mondayTen}),
		reply("You're booked with Dr. Asha Rao on Monday at 10:00."),
	)

	in := h.inbound(t, key, "book me with Dr. Rao Monday 10am")
	out, err := h.orch.Process(context.Background(), in)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.ToolCalls != 1 {
		t.Fatalf("expected 1 tool call, got %d", out.ToolCalls)
	}

	appts := h.activeAppointments(t)
	if len(appts) != 1 {
		t.Fatalf("expected 1 appointment, got %d", len(appts))
	}

	turns := h.turns(t, key)
	if len(turns) != 4 {
		t.Fatalf("expected patient, call, result, reply turns, got %d", len(turns))
	}
	if len(turns[1].ToolCalls) != 1 || turns[1].ToolCalls[0].Name != tools.ToolBookAppointment {
		t.Fatalf("assistant turn should carry the tool call: %+v", turns[1])
	}
	if turns[2].ToolError || turns[2].ToolCallID != turns[1].ToolCalls[0].ID {
		t.Fatalf("unexpected tool turn %+v", turns[2])
	}
	if ok, _ := toolResult(t, turns[2])["ok"].(bool); !ok {
		t.Fatalf("tool result should be ok: %s", turns[2].Content)
	}

	second := h.model.lastRequest()
	last := second.Messages[len(second.Messages)-1]
	if last.Role != ChatRoleTool || last.ToolName != tools.ToolBookAppointment {
		t.Fatalf("model should see the tool result last, got %+v", last)
	}
}

func TestProcessSimultaneousSlotRequests(t *testing.T) {
	h := newHarness(t)
	first, second := "+15550001111", "+15550002222"
	h.register(t, first)
	h.register(t, second)
	book := callTool(tools.ToolBookAppointment, map[string]any{"dentist_id": testDentist, "start": mondayTen})
	h.model.push(book, reply("booked"), book, reply("that slot just went"))

	if _, err := h.orch.Process(context.Background(), h.inbound(t, first, "Monday 10 please")); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := h.orch.Process(context.Background(), h.inbound(t, second, "Monday 10 please")); err != nil {
		t.Fatalf("second: %v", err)
	}

	if got := len(h.activeAppointments(t)); got != 1 {
		t.Fatalf("expected exactly one appointment in the slot, got %d", got)
	}
	turns := h.turns(t, second)
	toolTurn := turns[2]
	if !toolTurn.ToolError || toolErrorKind(t, toolTurn) != string(tools.KindSlotConflict) {
		t.Fatalf("second booking should fail with slot_conflict: %s", toolTurn.Content)
	}
	errObj := toolResult(t, toolTurn)["error"].(map[string]any)
	if alts, _ := errObj["alternatives"].([]any); len(alts) == 0 {
		t.Fatalf("slot_conflict should offer alternatives: %s", toolTurn.Content)
	}
}

func TestProcessCancelUnknownAppointment(t *testing.T) {
	h := newHarness(t)
	key := "+15550001111"
	h.register(t, key)
	h.model.push(
		callTool(tools.ToolCancelAppointment, map[string]any{"appointment_id": "does-not-exist"}),
		reply("I couldn't find that appointment."),
	)

	out, err := h.orch.Process(context.Background(), h.inbound(t, key, "cancel my appointment"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Reply != "I couldn't find that appointment." {
		t.Fatalf("unexpected reply %q", out.Reply)
	}
	turns := h.turns(t, key)
	if !turns[2].ToolError || toolErrorKind(t, turns[2]) != string(tools.KindValidation) {
		t.Fatalf("expected validation_error, got %s", turns[2].Content)
	}
}

func TestProcessRejectsInvalidArguments(t *testing.T) {
	h := newHarness(t)
	key := "+15550001111"
	h.register(t, key)
	h.model.push(
		callTool(tools.ToolBookAppointment, map[string]any{"dentist_id": testDentist}),
		reply("What time works for you?"),
	)

	if _, err := h.orch.Process(context.Background(), h.inbound(t, key, "book Dr. Rao")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := len(h.activeAppointments(t)); got != 0 {
		t.Fatalf("invalid call must not book, got %d appointments", got)
	}
	turns := h.turns(t, key)
	if !turns[2].ToolError || !strings.Contains(turns[2].Content, "start") {
		t.Fatalf("expected a validation error naming start, got %s", turns[2].Content)
	}
}

func TestProcessToolLoopIsBounded(t *testing.T) {
	h := newHarness(t, WithMaxToolDepth(3))
	loop := callTool(tools.ToolGetCurrentTime, nil)
	h.model.push(loop, loop, loop, loop, loop)

	out, err := h.orch.Process(context.Background(), h.inbound(t, "+15550001111", "what time is it"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Fallback != FallbackToolLoop || out.Reply != FallbackReply {
		t.Fatalf("expected tool loop fallback, got %+v", out)
	}
	if out.ToolCalls != 3 {
		t.Fatalf("expected 3 tool calls before cutting off, got %d", out.ToolCalls)
	}
	turns := h.turns(t, out.Key)
	if last := turns[len(turns)-1]; last.Role != RoleAssistant || last.Content != FallbackReply {
		t.Fatalf("expected fallback reply last, got %+v", last)
	}
	ids := map[string]bool{}
	for _, turn := range turns {
		if turn.Role == RoleTool {
			if ids[turn.ToolCallID] {
				t.Fatalf("tool call id %s reused", turn.ToolCallID)
			}
			ids[turn.ToolCallID] = true
		}
	}
}

func TestProcessReplaysCrashedAttemptIdempotently(t *testing.T) {
	h := newHarness(t)
	flaky := &flakyStore{MemoryStore: h.store, commitFailures: 1}
	h.orch = NewOrchestrator(flaky, h.model, h.adapter, h.patients, logging.Default(),
		WithClinicLocation(testLoc), WithClock(func() time.Time { return testNow }))

	key := "+15550001111"
	h.register(t, key)
	book := callTool(tools.ToolBookAppointment, map[string]any{"dentist_id": testDentist, "start": mondayTen})
	h.model.push(book, reply("booked"), book, reply("booked"))

	in := h.inbound(t, key, "Monday 10")
	if _, err := h.orch.Process(context.Background(), in); !errors.Is(err, errCommitCrash) {
		t.Fatalf("expected the commit failure, got %v", err)
	}
	if got := len(h.turns(t, key)); got != 0 {
		t.Fatalf("failed attempt must not leave turns, got %d", got)
	}
	if got := len(h.activeAppointments(t)); got != 1 {
		t.Fatalf("the booking side effect happened once, got %d", got)
	}

	if _, err := h.orch.Process(context.Background(), in); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	appts := h.activeAppointments(t)
	if len(appts) != 1 {
		t.Fatalf("reprocessing must not book twice, got %d", len(appts))
	}
	turns := h.turns(t, key)
	if turns[2].ToolError {
		t.Fatalf("replayed booking should succeed from the idempotency record: %s", turns[2].Content)
	}
	if !strings.Contains(turns[2].Content, appts[0].ID) {
		t.Fatalf("replayed result should name appointment %s: %s", appts[0].ID, turns[2].Content)
	}
}

func TestProcessModelUnavailable(t *testing.T) {
	h := newHarness(t, WithModelRetries(1, time.Millisecond))
	boom := errors.New("throttled")
	h.model.push(failModel(boom), failModel(boom))

	out, err := h.orch.Process(context.Background(), h.inbound(t, "+15550001111", "hi"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Fallback != FallbackModelUnavailable || out.Reply != ApologyReply {
		t.Fatalf("expected apology, got %+v", out)
	}
	if h.model.calls() != 2 {
		t.Fatalf("expected a retry, got %d calls", h.model.calls())
	}
}

func TestProcessModelRecoversOnRetry(t *testing.T) {
	h := newHarness(t, WithModelRetries(2, time.Millisecond))
	h.model.push(failModel(errors.New("throttled")), reply("hello again"))

	out, err := h.orch.Process(context.Background(), h.inbound(t, "+15550001111", "hi"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Reply != "hello again" || out.Fallback != "" {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestProcessCancelledContextLeavesMessageUncommitted(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	in := h.inbound(t, "+15550001111", "hi")
	if _, err := h.orch.Process(ctx, in); err == nil {
		t.Fatal("expected an error for a cancelled context")
	}
	if conv := h.conversation(t, in.Key); conv.LastSeq != 0 {
		t.Fatalf("nothing should be committed, last_seq=%d", conv.LastSeq)
	}
}

func TestProcessCorruptCheckpoint(t *testing.T) {
	h := newHarness(t)
	key := "+15550001111"
	if _, err := h.orch.Process(context.Background(), h.inbound(t, key, "hi")); err != nil {
		t.Fatalf("process: %v", err)
	}
	h.store.Corrupt(key, []byte(`{"version":1,"last_seq":7}`))

	_, err := h.orch.Process(context.Background(), h.inbound(t, key, "still there?"))
	if !errors.Is(err, ErrDataCorruption) {
		t.Fatalf("expected ErrDataCorruption, got %v", err)
	}
}

func TestProcessQuarantinedConversation(t *testing.T) {
	h := newHarness(t)
	in := h.inbound(t, "+15550001111", "hi")
	if err := h.store.Quarantine(context.Background(), in.Key, "manual", testNow); err != nil {
		t.Fatalf("quarantine: %v", err)
	}
	if _, err := h.orch.Process(context.Background(), in); !errors.Is(err, ErrQuarantined) {
		t.Fatalf("expected ErrQuarantined, got %v", err)
	}
	if h.model.calls() != 0 {
		t.Fatal("model must not be called for a quarantined conversation")
	}
}

func TestProcessCloseConversation(t *testing.T) {
	h := newHarness(t)
	h.model.push(callTool(tools.ToolCloseConversation, map[string]any{"reason": "patient said goodbye"}), reply("Bye!"))

	out, err := h.orch.Process(context.Background(), h.inbound(t, "+15550001111", "thanks, bye"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !out.Closed {
		t.Fatalf("expected closed outcome, got %+v", out)
	}
	conv := h.conversation(t, out.Key)
	if conv.Status != StatusClosed || conv.ClosedReason != "patient said goodbye" {
		t.Fatalf("conversation not closed: %+v", conv)
	}

	// a new message reopens it
	h.model.push(reply("welcome back"))
	if _, err := h.orch.Process(context.Background(), h.inbound(t, out.Key, "one more thing")); err != nil {
		t.Fatalf("process after close: %v", err)
	}
	if conv := h.conversation(t, out.Key); conv.Status != StatusOpen {
		t.Fatalf("expected reopened conversation, got %s", conv.Status)
	}
}

func TestProcessFoldsHistoryIntoSummary(t *testing.T) {
	h := newHarness(t, WithHistoryWindow(4))
	key := "+15550001111"
	for i, text := range []string{"first question", "second question", "third question", "fourth question"} {
		h.model.push(reply("answer"))
		if _, err := h.orch.Process(context.Background(), h.inbound(t, key, text)); err != nil {
			t.Fatalf("message %d: %v", i+1, err)
		}
	}

	conv := h.conversation(t, key)
	cp, err := decodeCheckpoint(conv)
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if cp.SummarizedThrough != 2 || !strings.Contains(cp.Summary, "first question") {
		t.Fatalf("expected the first exchange folded into the summary, got %+v", cp)
	}

	req := h.model.lastRequest()
	if len(req.Messages) != 5 {
		t.Fatalf("expected 4 window turns and the new message, got %d", len(req.Messages))
	}
	if req.Messages[0].Content != "second question" {
		t.Fatalf("window should start at a patient turn, got %+v", req.Messages[0])
	}
	if !strings.Contains(strings.Join(req.System, "\n"), "Summary of earlier conversation") {
		t.Fatal("system prompt should include the summary")
	}
}

func TestApologizeCommitsPatientTurn(t *testing.T) {
	h := newHarness(t)
	in := h.inbound(t, "+15550001111", "hello?")
	if err := h.orch.Apologize(context.Background(), in); err != nil {
		t.Fatalf("apologize: %v", err)
	}
	turns := h.turns(t, in.Key)
	if len(turns) != 2 || turns[1].Content != ApologyReply {
		t.Fatalf("unexpected turns %+v", turns)
	}
	// already committed
	if err := h.orch.Apologize(context.Background(), in); err != nil {
		t.Fatalf("second apologize: %v", err)
	}
	if got := len(h.turns(t, in.Key)); got != 2 {
		t.Fatalf("apology must be committed once, got %d turns", got)
	}
}
