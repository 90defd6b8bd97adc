package patients

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository stores patients in the relational database.
type PostgresRepository struct {
	pool rowQuerier
	now  func() time.Time
}

// NewPostgresRepository initializes a repo backed by pgxpool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	if pool == nil {
		panic("patients: pgx pool required")
	}
	return newPostgresRepositoryWithQuerier(pool)
}

func newPostgresRepositoryWithQuerier(q rowQuerier) *PostgresRepository {
	if q == nil {
		panic("patients: querier required")
	}
	return &PostgresRepository{pool: q, now: func() time.Time { return time.Now().UTC() }}
}

const patientColumns = `id, conversation_key, name, age, gender, registered_at, created_at, updated_at`

// Ensure inserts a placeholder row or returns the existing one.
func (r *PostgresRepository) Ensure(ctx context.Context, key string) (*Patient, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrMissingKey
	}
	now := r.now()
	query := `
		INSERT INTO patients (id, conversation_key, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (conversation_key) DO UPDATE SET conversation_key = EXCLUDED.conversation_key
		RETURNING ` + patientColumns
	p, err := scanPatient(r.pool.QueryRow(ctx, query, uuid.New().String(), key, PlaceholderName, now))
	if err != nil {
		return nil, fmt.Errorf("patients: ensure failed: %w", err)
	}
	return p, nil
}

func (r *PostgresRepository) GetByConversation(ctx context.Context, key string) (*Patient, error) {
	return r.get(ctx, `SELECT `+patientColumns+` FROM patients WHERE conversation_key = $1`, strings.TrimSpace(key))
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Patient, error) {
	return r.get(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = $1`, id)
}

// UpdateProfile sets the profile fields and stamps registered_at the first time.
func (r *PostgresRepository) UpdateProfile(ctx context.Context, key string, update ProfileUpdate) (*Patient, error) {
	update.Normalize()
	if err := update.Validate(); err != nil {
		return nil, err
	}
	query := `
		UPDATE patients
		SET name = $2, age = $3, gender = $4, updated_at = $5,
			registered_at = COALESCE(registered_at, $5)
		WHERE conversation_key = $1
		RETURNING ` + patientColumns
	p, err := scanPatient(r.pool.QueryRow(ctx, query, strings.TrimSpace(key), update.Name, update.Age, update.Gender, r.now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("patients: update failed: %w", err)
	}
	return p, nil
}

func (r *PostgresRepository) get(ctx context.Context, query string, arg string) (*Patient, error) {
	p, err := scanPatient(r.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("patients: select failed: %w", err)
	}
	return p, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var (
		p          Patient
		age        pgtype.Int4
		gender     pgtype.Text
		registered pgtype.Timestamptz
	)
	if err := row.Scan(&p.ID, &p.ConversationKey, &p.Name, &age, &gender, &registered, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if age.Valid {
		p.Age = int(age.Int32)
	}
	if gender.Valid {
		p.Gender = gender.String
	}
	if registered.Valid {
		t := registered.Time
		p.RegisteredAt = &t
	}
	return &p, nil
}
