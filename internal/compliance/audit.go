// Package compliance keeps the append-only audit trail operators use to
// reconstruct what the assistant did to a patient's appointments.
package compliance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/dentaldesk/internal/conversation"
	"github.com/wolfman30/dentaldesk/internal/tools"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

const (
	// EventBookingMutation is logged for every book, cancel or reschedule the
	// assistant attempts, whatever the outcome.
	EventBookingMutation AuditEventType = "booking.mutation"
	// EventProfileUpdated is logged when the assistant writes patient details.
	EventProfileUpdated AuditEventType = "patient.profile_updated"
	// EventToolRejected is logged when a tool call fails validation.
	EventToolRejected AuditEventType = "tool.rejected"
	// EventConversationQuarantined is logged when a conversation is parked
	// for operator review.
	EventConversationQuarantined AuditEventType = "conversation.quarantined"
)

// AuditEvent is one immutable audit record.
type AuditEvent struct {
	ID              string          `json:"id"`
	EventType       AuditEventType  `json:"event_type"`
	ConversationKey string          `json:"conversation_key"`
	Seq             int64           `json:"seq,omitempty"`
	Tool            string          `json:"tool,omitempty"`
	Outcome         string          `json:"outcome,omitempty"`
	Details         json.RawMessage `json:"details,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// AuditService writes audit events to Postgres.
type AuditService struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ tools.Auditor                  = (*AuditService)(nil)
	_ conversation.QuarantineAuditor = (*AuditService)(nil)
)

// NewAuditService creates a new audit service.
func NewAuditService(db *sql.DB) *AuditService {
	if db == nil {
		panic("compliance: db cannot be nil")
	}
	return &AuditService{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// LogEvent records an audit event.
func (s *AuditService) LogEvent(ctx context.Context, event AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now()
	}
	if len(event.Details) == 0 {
		event.Details = json.RawMessage(`{}`)
	}

	query := `
		INSERT INTO audit_events (
			id, event_type, conversation_key, seq, tool, outcome, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		string(event.EventType),
		event.ConversationKey,
		event.Seq,
		nullString(event.Tool),
		nullString(event.Outcome),
		[]byte(event.Details),
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("compliance: failed to log audit event: %w", err)
	}
	return nil
}

// LogToolCall records a mutating or rejected tool call.
func (s *AuditService) LogToolCall(ctx context.Context, conversationKey, tool, outcome string, details map[string]string) error {
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("compliance: encode details: %w", err)
	}
	seq, _ := strconv.ParseInt(details["seq"], 10, 64)
	return s.LogEvent(ctx, AuditEvent{
		EventType:       toolEventType(tool, outcome),
		ConversationKey: conversationKey,
		Seq:             seq,
		Tool:            tool,
		Outcome:         outcome,
		Details:         raw,
	})
}

func toolEventType(tool, outcome string) AuditEventType {
	switch {
	case outcome == string(tools.KindValidation):
		return EventToolRejected
	case tool == tools.ToolUpdatePatientProfile:
		return EventProfileUpdated
	default:
		return EventBookingMutation
	}
}

// LogQuarantine records that a conversation was quarantined.
func (s *AuditService) LogQuarantine(ctx context.Context, key string, seq int64, reason string) error {
	raw, _ := json.Marshal(map[string]string{"reason": reason})
	return s.LogEvent(ctx, AuditEvent{
		EventType:       EventConversationQuarantined,
		ConversationKey: key,
		Seq:             seq,
		Details:         raw,
	})
}

// QueryEvents retrieves audit events with filters, newest first.
func (s *AuditService) QueryEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := `
		SELECT id, event_type, conversation_key, seq, tool, outcome, details, created_at
		FROM audit_events
		WHERE conversation_key = $1
	`
	args := []interface{}{filter.ConversationKey}
	argIdx := 2

	if filter.EventType != "" {
		query += fmt.Sprintf(" AND event_type = $%d", argIdx)
		args = append(args, string(filter.EventType))
		argIdx++
	}
	if !filter.StartTime.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, filter.StartTime)
		argIdx++
	}
	if !filter.EndTime.IsZero() {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, filter.EndTime)
	}

	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("compliance: failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var (
			e       AuditEvent
			kind    string
			tool    sql.NullString
			outcome sql.NullString
			details []byte
		)
		if err := rows.Scan(&e.ID, &kind, &e.ConversationKey, &e.Seq, &tool, &outcome, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("compliance: failed to scan audit event: %w", err)
		}
		e.EventType = AuditEventType(kind)
		e.Tool = tool.String
		e.Outcome = outcome.String
		e.Details = details
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("compliance: failed to iterate audit events: %w", err)
	}
	return events, nil
}

// AuditFilter specifies criteria for querying audit events.
type AuditFilter struct {
	ConversationKey string
	EventType       AuditEventType
	StartTime       time.Time
	EndTime         time.Time
	Limit           int
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
