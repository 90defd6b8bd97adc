package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgExecQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGDeliveryLog persists delivery records to Postgres for deployments
// without DynamoDB.
type PGDeliveryLog struct {
	db pgExecQuerier
}

var _ DeliveryLog = (*PGDeliveryLog)(nil)

// NewPGDeliveryLog builds a Postgres-backed DeliveryLog.
func NewPGDeliveryLog(db *pgxpool.Pool) *PGDeliveryLog {
	if db == nil {
		panic("conversation: pgx pool cannot be nil")
	}
	return &PGDeliveryLog{db: db}
}

func newPGDeliveryLogWithDB(db pgExecQuerier) *PGDeliveryLog {
	return &PGDeliveryLog{db: db}
}

func (s *PGDeliveryLog) RecordPending(ctx context.Context, rec *DeliveryRecord) error {
	if rec == nil || rec.DeliveryID == "" {
		return errors.New("conversation: delivery id required")
	}
	now := time.Now().UTC()
	stampPending(rec, now)
	if _, err := s.db.Exec(ctx, `
		INSERT INTO inbound_deliveries (
			delivery_id, conversation_key, seq, provider_message_id, status, error_message, created_at, updated_at, expires_at
		)
		VALUES ($1,$2,$3,$4,$5,'',$6,$6,$7)
	`, rec.DeliveryID, rec.ConversationKey, rec.Seq, nullText(rec.ProviderMessageID), string(rec.Status), now, time.Unix(rec.ExpiresAt, 0).UTC()); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName != deliveryPrimaryKey {
			return fmt.Errorf("%w: %s", ErrDuplicateDelivery, rec.ProviderMessageID)
		}
		return fmt.Errorf("conversation: failed to persist delivery: %w", err)
	}
	return nil
}

// Any other unique violation is the (conversation_key, provider_message_id)
// index.
const deliveryPrimaryKey = "inbound_deliveries_pkey"

const selectDelivery = `
	SELECT delivery_id, conversation_key, seq, provider_message_id, status, error_message, created_at, updated_at, expires_at
	FROM inbound_deliveries`

func (s *PGDeliveryLog) FindByProvider(ctx context.Context, conversationKey, providerMessageID string) (*DeliveryRecord, error) {
	if providerMessageID == "" {
		return nil, ErrDeliveryNotFound
	}
	return scanDelivery(s.db.QueryRow(ctx, selectDelivery+`
	WHERE conversation_key = $1 AND provider_message_id = $2`, conversationKey, providerMessageID))
}

func (s *PGDeliveryLog) MarkPending(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, DeliveryPending, "")
}

func (s *PGDeliveryLog) MarkUnsent(ctx context.Context, id, errMsg string) error {
	return s.setStatus(ctx, id, DeliveryUnsent, errMsg)
}

func (s *PGDeliveryLog) MarkCompleted(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, DeliveryCompleted, "")
}

func (s *PGDeliveryLog) MarkFailed(ctx context.Context, id, errMsg string) error {
	return s.setStatus(ctx, id, DeliveryFailed, errMsg)
}

func (s *PGDeliveryLog) MarkDropped(ctx context.Context, id, reason string) error {
	return s.setStatus(ctx, id, DeliveryDropped, reason)
}

func (s *PGDeliveryLog) Get(ctx context.Context, id string) (*DeliveryRecord, error) {
	return scanDelivery(s.db.QueryRow(ctx, selectDelivery+`
	WHERE delivery_id = $1`, id))
}

func scanDelivery(row pgx.Row) (*DeliveryRecord, error) {
	var (
		rec        DeliveryRecord
		status     string
		providerID pgtype.Text
		created    time.Time
		updated    time.Time
		expires    time.Time
	)
	err := row.Scan(&rec.DeliveryID, &rec.ConversationKey, &rec.Seq, &providerID, &status, &rec.ErrorMessage, &created, &updated, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDeliveryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: failed to fetch delivery: %w", err)
	}
	rec.ProviderMessageID = providerID.String
	rec.Status = DeliveryStatus(status)
	rec.CreatedAt = created.UTC().Format(time.RFC3339Nano)
	rec.UpdatedAt = updated.UTC().Format(time.RFC3339Nano)
	rec.ExpiresAt = expires.Unix()
	return &rec, nil
}

func (s *PGDeliveryLog) setStatus(ctx context.Context, id string, status DeliveryStatus, msg string) error {
	if id == "" {
		return errors.New("conversation: delivery id required")
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE inbound_deliveries SET status = $2, error_message = $3, updated_at = $4 WHERE delivery_id = $1
	`, id, string(status), msg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("conversation: failed to update delivery %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeliveryNotFound
	}
	return nil
}
