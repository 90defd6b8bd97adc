package conversation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/wolfman30/dentaldesk/pkg/logging"
)

// ConversationEvent is one structured lifecycle event.
type ConversationEvent struct {
	Time            string         `json:"time"`
	Event           string         `json:"event"`
	ConversationKey string         `json:"conversation_key"`
	Seq             int64          `json:"seq,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
}

// EventLogger emits one JSON line per decision point so a conversation can be
// followed with grep:
//
//	grep '"event":"tool.invoked"' /var/log/worker.log
//	grep '"conversation_key":"+15550001111"' /var/log/worker.log
type EventLogger struct {
	logger *logging.Logger
}

func NewEventLogger(logger *logging.Logger) *EventLogger {
	return &EventLogger{logger: logger}
}

// Log emits a structured conversation event. A nil EventLogger is a no-op.
func (e *EventLogger) Log(_ context.Context, event, key string, seq int64, data map[string]any) {
	if e == nil || e.logger == nil {
		return
	}
	evt := ConversationEvent{
		Time:            time.Now().UTC().Format(time.RFC3339Nano),
		Event:           event,
		ConversationKey: key,
		Seq:             seq,
		Data:            data,
	}
	b, _ := json.Marshal(evt)
	e.logger.Info(string(b))
}

func (e *EventLogger) MessageProcessed(ctx context.Context, key string, seq int64, toolCalls int, fallback string, elapsed time.Duration) {
	data := map[string]any{"tool_calls": toolCalls, "duration_ms": elapsed.Milliseconds()}
	if fallback != "" {
		data["fallback"] = fallback
	}
	e.Log(ctx, "conversation.processed", key, seq, data)
}

func (e *EventLogger) DuplicateSkipped(ctx context.Context, key string, seq, lastSeq int64) {
	e.Log(ctx, "conversation.duplicate_skipped", key, seq, map[string]any{"last_seq": lastSeq})
}

func (e *EventLogger) ToolInvoked(ctx context.Context, key string, seq int64, tool string, depth int, outcome string) {
	e.Log(ctx, "tool.invoked", key, seq, map[string]any{"tool": tool, "depth": depth, "outcome": outcome})
}

func (e *EventLogger) ToolLoopExceeded(ctx context.Context, key string, seq int64, depth int) {
	e.Log(ctx, "tool.loop_exceeded", key, seq, map[string]any{"max_depth": depth})
}

func (e *EventLogger) ModelFailed(ctx context.Context, key string, seq int64, attempts int, err error) {
	e.Log(ctx, "model.failed", key, seq, map[string]any{"attempts": attempts, "error": err.Error()})
}

func (e *EventLogger) HistorySummarized(ctx context.Context, key string, seq int64, through int) {
	e.Log(ctx, "history.summarized", key, seq, map[string]any{"summarized_through": through})
}

func (e *EventLogger) Quarantined(ctx context.Context, key string, seq int64, reason string) {
	e.Log(ctx, "conversation.quarantined", key, seq, map[string]any{"reason": reason})
}

func (e *EventLogger) Closed(ctx context.Context, key string, seq int64, reason string) {
	e.Log(ctx, "conversation.closed", key, seq, map[string]any{"reason": reason})
}

func (e *EventLogger) MessageDropped(ctx context.Context, key string, seq int64, reason string) {
	e.Log(ctx, "message.dropped", key, seq, map[string]any{"reason": reason})
}
