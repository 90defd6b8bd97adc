package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/dentaldesk/internal/tools"
)

// Role identifies who produced a turn.
type Role string

const (
	RolePatient   Role = "patient"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusOpen        Status = "open"
	StatusClosed      Status = "closed"
	StatusQuarantined Status = "quarantined"
)

// Turn is one entry of a conversation's history.
type Turn struct {
	Index     int          `json:"index"`
	Seq       int64        `json:"seq"`
	Role      Role         `json:"role"`
	Content   string       `json:"content"`
	ToolCalls []tools.Call `json:"tool_calls,omitempty"`

	// ToolCallID, ToolName and ToolError are set on tool turns.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ToolError  bool   `json:"tool_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Conversation is the durable state of one conversation key.
type Conversation struct {
	Key              string     `json:"key"`
	Status           Status     `json:"status"`
	ClosedReason     string     `json:"closed_reason,omitempty"`
	QuarantineReason string     `json:"quarantine_reason,omitempty"`
	LastSeq          int64      `json:"last_seq"`
	NextSeq          int64      `json:"next_seq"`
	TurnCount        int        `json:"turn_count"`
	Checkpoint       []byte     `json:"checkpoint,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	ClosedAt         *time.Time `json:"closed_at,omitempty"`
	ArchivedAt       *time.Time `json:"archived_at,omitempty"`
}

// Drained reports whether every enqueued message has been processed.
func (c Conversation) Drained() bool {
	return c.LastSeq >= c.NextSeq
}

// Reply is an outbound message written in the same commit as the checkpoint.
type Reply struct {
	ID              string     `json:"id"`
	ConversationKey string     `json:"conversation_key"`
	Seq             int64      `json:"seq"`
	Text            string     `json:"text"`
	CreatedAt       time.Time  `json:"created_at"`
	SentAt          *time.Time `json:"sent_at,omitempty"`
}

// Commit is the atomic unit written at the Idle boundary.
type Commit struct {
	Key string

	// ExpectedLastSeq must match the stored LastSeq or the commit fails with
	// ErrStaleCheckpoint.
	ExpectedLastSeq int64

	Seq         int64
	Turns       []Turn
	Checkpoint  []byte
	Reply       *Reply
	CloseReason string
	At          time.Time
}

const checkpointVersion = 1

// Checkpoint is the resumable state persisted with each commit.
type Checkpoint struct {
	Version   int   `json:"version"`
	LastSeq   int64 `json:"last_seq"`
	TurnCount int   `json:"turn_count"`

	// Summary folds turns [0, SummarizedThrough) that fell out of the window.
	Summary           string `json:"summary,omitempty"`
	SummarizedThrough int    `json:"summarized_through"`
}

// decodeCheckpoint reads the checkpoint of c and checks it against the
// conversation row. A conversation that never committed has an empty one.
func decodeCheckpoint(c *Conversation) (Checkpoint, error) {
	if len(c.Checkpoint) == 0 {
		if c.LastSeq != 0 || c.TurnCount != 0 {
			return Checkpoint{}, fmt.Errorf("%w: missing checkpoint at seq %d", ErrDataCorruption, c.LastSeq)
		}
		return Checkpoint{Version: checkpointVersion}, nil
	}
	var cp Checkpoint
	if err := json.Unmarshal(c.Checkpoint, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: unreadable checkpoint: %v", ErrDataCorruption, err)
	}
	switch {
	case cp.Version != checkpointVersion:
		return Checkpoint{}, fmt.Errorf("%w: checkpoint version %d", ErrDataCorruption, cp.Version)
	case cp.LastSeq != c.LastSeq:
		return Checkpoint{}, fmt.Errorf("%w: checkpoint seq %d, conversation seq %d", ErrDataCorruption, cp.LastSeq, c.LastSeq)
	case cp.TurnCount != c.TurnCount:
		return Checkpoint{}, fmt.Errorf("%w: checkpoint has %d turns, store has %d", ErrDataCorruption, cp.TurnCount, c.TurnCount)
	case cp.SummarizedThrough < 0 || cp.SummarizedThrough > cp.TurnCount:
		return Checkpoint{}, fmt.Errorf("%w: summary covers %d of %d turns", ErrDataCorruption, cp.SummarizedThrough, cp.TurnCount)
	}
	return cp, nil
}

func encodeCheckpoint(cp Checkpoint) ([]byte, error) {
	cp.Version = checkpointVersion
	raw, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("conversation: encode checkpoint: %w", err)
	}
	return raw, nil
}

// Envelope is the queue body for one inbound message.
type Envelope struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	Seq        int64     `json:"seq"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// Inbound is a decoded message handed to the orchestrator.
type Inbound struct {
	DeliveryID        string
	Key               string
	Seq               int64
	Text              string
	ProviderMessageID string
	ReceivedAt        time.Time
}

// InboundPayload is the transport payload the HTTP edge enqueues.
type InboundPayload struct {
	Text              string `json:"text"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
}

// DecodeInbound turns an envelope into an Inbound. Payloads that are not
// JSON or carry no text are malformed.
func DecodeInbound(env Envelope) (Inbound, error) {
	if strings.TrimSpace(env.Key) == "" || env.Seq <= 0 {
		return Inbound{}, fmt.Errorf("%w: envelope %s has no key or sequence", ErrMalformedPayload, env.ID)
	}
	var payload InboundPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	text := strings.TrimSpace(payload.Text)
	if text == "" {
		return Inbound{}, fmt.Errorf("%w: empty text", ErrMalformedPayload)
	}
	return Inbound{
		DeliveryID:        env.ID,
		Key:               env.Key,
		Seq:               env.Seq,
		Text:              text,
		ProviderMessageID: payload.ProviderMessageID,
		ReceivedAt:        env.ReceivedAt,
	}, nil
}
