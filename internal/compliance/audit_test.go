package compliance

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/dentaldesk/internal/tools"
)

func newMockService(t *testing.T) (*AuditService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewAuditService(db), mock
}

func TestAuditService_LogToolCall(t *testing.T) {
	tests := []struct {
		name    string
		tool    string
		outcome string
		want    AuditEventType
	}{
		{"booking", tools.ToolBookAppointment, "ok", EventBookingMutation},
		{"conflict", tools.ToolRescheduleAppointment, string(tools.KindSlotConflict), EventBookingMutation},
		{"profile", tools.ToolUpdatePatientProfile, "ok", EventProfileUpdated},
		{"rejected", tools.ToolCancelAppointment, string(tools.KindValidation), EventToolRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service, mock := newMockService(t)
			mock.ExpectExec("INSERT INTO audit_events").
				WithArgs(sqlmock.AnyArg(), string(tt.want), "+919800000001", int64(3), tt.tool, tt.outcome, sqlmock.AnyArg(), sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(1, 1))

			err := service.LogToolCall(context.Background(), "+919800000001", tt.tool, tt.outcome, map[string]string{"seq": "3"})
			assert.NoError(t, err)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestAuditService_LogQuarantine(t *testing.T) {
	service, mock := newMockService(t)
	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs(sqlmock.AnyArg(), string(EventConversationQuarantined), "+919800000001", int64(9), sql.NullString{}, sql.NullString{}, []byte(`{"reason":"bad checkpoint"}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := service.LogQuarantine(context.Background(), "+919800000001", 9, "bad checkpoint")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditService_LogEventError(t *testing.T) {
	service, mock := newMockService(t)
	mock.ExpectExec("INSERT INTO audit_events").WillReturnError(errors.New("connection reset"))

	err := service.LogEvent(context.Background(), AuditEvent{EventType: EventBookingMutation, ConversationKey: "k"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compliance: failed to log audit event")
}

func TestAuditService_QueryEvents(t *testing.T) {
	service, mock := newMockService(t)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "event_type", "conversation_key", "seq", "tool", "outcome", "details", "created_at",
	}).AddRow(
		uuid.NewString(), string(EventBookingMutation), "+919800000001", int64(4), "book_appointment", "ok", []byte(`{}`), now,
	).AddRow(
		uuid.NewString(), string(EventConversationQuarantined), "+919800000001", int64(5), nil, nil, []byte(`{"reason":"x"}`), now,
	)

	mock.ExpectQuery("SELECT (.+) FROM audit_events").
		WithArgs("+919800000001", string(EventBookingMutation), sqlmock.AnyArg()).
		WillReturnRows(rows)

	events, err := service.QueryEvents(context.Background(), AuditFilter{
		ConversationKey: "+919800000001",
		EventType:       EventBookingMutation,
		StartTime:       now.Add(-24 * time.Hour),
		Limit:           50,
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "book_appointment", events[0].Tool)
	assert.Equal(t, EventConversationQuarantined, events[1].EventType)
	assert.Empty(t, events[1].Tool)
}
