package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/wolfman30/dentaldesk/internal/tools"
)

func sampleTurns() []Turn {
	return []Turn{
		{Role: RolePatient, Content: "Do you have Monday slots?"},
		{Role: RoleAssistant, ToolCalls: []tools.Call{{ID: "c1", Name: "check_availability"}}},
		{Role: RoleTool, ToolCallID: "c1", ToolName: "check_availability", Content: `{"slots":["10:00"]}`},
		{Role: RoleAssistant, Content: "Monday 10:00 is open."},
		{Role: RolePatient, Content: "Book it please"},
		{Role: RoleAssistant, Content: "Done."},
	}
}

func TestSplitWindowKeepsToolResultsWithTheirCall(t *testing.T) {
	fold, keep := splitWindow(sampleTurns(), 4)
	if len(fold) != 4 || len(keep) != 2 {
		t.Fatalf("expected 4 folded and 2 kept, got %d and %d", len(fold), len(keep))
	}
	if keep[0].Role != RolePatient {
		t.Fatalf("window must start at a patient turn, got %s", keep[0].Role)
	}

	fold, keep = splitWindow(sampleTurns(), 10)
	if fold != nil || len(keep) != 6 {
		t.Fatalf("short history should not fold, got %d folded", len(fold))
	}
}

func TestChatMessagesMapsRoles(t *testing.T) {
	msgs := chatMessages(sampleTurns())
	if len(msgs) != 6 {
		t.Fatalf("expected 6 messages, got %d", len(msgs))
	}
	if msgs[0].Role != ChatRoleUser || msgs[1].Role != ChatRoleAssistant || msgs[2].Role != ChatRoleTool {
		t.Fatalf("unexpected roles %s %s %s", msgs[0].Role, msgs[1].Role, msgs[2].Role)
	}
	if msgs[2].ToolCallID != "c1" || len(msgs[1].ToolCalls) != 1 {
		t.Fatalf("tool call linkage lost: %+v %+v", msgs[1], msgs[2])
	}
}

func TestExtractiveSummarizerSkipsToolTurns(t *testing.T) {
	summary, err := ExtractiveSummarizer{}.Summarize(context.Background(), "earlier: asked about prices", sampleTurns()[:4])
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if !strings.HasPrefix(summary, "earlier: asked about prices") {
		t.Fatalf("previous summary dropped: %q", summary)
	}
	if strings.Contains(summary, "slots") {
		t.Fatalf("tool output leaked into summary: %q", summary)
	}
	if !strings.Contains(summary, "patient: Do you have Monday slots?") {
		t.Fatalf("patient line missing: %q", summary)
	}
}

func TestExtractiveSummarizerBoundsLength(t *testing.T) {
	long := strings.Repeat("word ", maxSummaryChars)
	summary, _ := ExtractiveSummarizer{}.Summarize(context.Background(), "", []Turn{{Role: RolePatient, Content: long}})
	if len(summary) > maxSummaryChars {
		t.Fatalf("summary too long: %d", len(summary))
	}
}

func TestModelSummarizerFallsBack(t *testing.T) {
	s := NewModelSummarizer(newScriptedModel(failModel(errors.New("throttled"))))
	summary, err := s.Summarize(context.Background(), "", sampleTurns()[:1])
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if !strings.Contains(summary, "Monday slots") {
		t.Fatalf("expected extractive fallback, got %q", summary)
	}

	s = NewModelSummarizer(newScriptedModel(reply("Patient wants a Monday slot.")))
	summary, _ = s.Summarize(context.Background(), "", sampleTurns()[:1])
	if summary != "Patient wants a Monday slot." {
		t.Fatalf("unexpected model summary %q", summary)
	}
}
