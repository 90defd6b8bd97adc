package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgExclusionViolation = "23P01"
	pgUniqueViolation    = "23505"
)

type pgxDB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGLedger stores the ledger in Postgres. Dentist-scoped mutations run in a
// transaction holding pg_advisory_xact_lock on the dentist id; the
// appointments_no_overlap exclusion constraint backs the same invariant.
type PGLedger struct {
	db pgxDB
}

var _ Ledger = (*PGLedger)(nil)

// NewPGLedger creates a ledger backed by a pgx pool.
func NewPGLedger(pool *pgxpool.Pool) *PGLedger {
	if pool == nil {
		panic("booking: pgx pool required")
	}
	return &PGLedger{db: pool}
}

func newPGLedgerWithDB(db pgxDB) *PGLedger {
	if db == nil {
		panic("booking: db required")
	}
	return &PGLedger{db: db}
}

const dentistColumns = `id, name, specialty, languages, qualifications, experience_years, bio, windows`

func (l *PGLedger) ListDentists(ctx context.Context) ([]Dentist, error) {
	rows, err := l.db.Query(ctx, `SELECT `+dentistColumns+` FROM dentists ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("booking: list dentists: %w", err)
	}
	defer rows.Close()

	var out []Dentist
	for rows.Next() {
		d, err := scanDentist(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (l *PGLedger) GetDentist(ctx context.Context, id string) (*Dentist, error) {
	row := l.db.QueryRow(ctx, `SELECT `+dentistColumns+` FROM dentists WHERE id = $1`, id)
	d, err := scanDentist(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFoundf("dentist %s", id)
	}
	return d, err
}

func (l *PGLedger) UpsertDentist(ctx context.Context, d Dentist) error {
	windows, err := json.Marshal(d.Windows)
	if err != nil {
		return fmt.Errorf("booking: marshal windows: %w", err)
	}
	languages := d.Languages
	if languages == nil {
		languages = []string{}
	}
	_, err = l.db.Exec(ctx, `
		INSERT INTO dentists (id, name, specialty, languages, qualifications, experience_years, bio, windows)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			specialty = EXCLUDED.specialty,
			languages = EXCLUDED.languages,
			qualifications = EXCLUDED.qualifications,
			experience_years = EXCLUDED.experience_years,
			bio = EXCLUDED.bio,
			windows = EXCLUDED.windows
	`, d.ID, d.Name, d.Specialty, languages, d.Qualifications, d.ExperienceYears, d.Bio, windows)
	if err != nil {
		return fmt.Errorf("booking: upsert dentist: %w", err)
	}
	return nil
}

func (l *PGLedger) GetAppointment(ctx context.Context, id string) (*Appointment, error) {
	return getAppointment(ctx, l.db, id, false)
}

func (l *PGLedger) ActiveAppointments(ctx context.Context, dentistID string, from, to time.Time) ([]Appointment, error) {
	return overlapping(ctx, l.db, dentistID, from, to, "")
}

func (l *PGLedger) PatientAppointments(ctx context.Context, patientID string, from time.Time) ([]Appointment, error) {
	rows, err := l.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1 AND status IN ('pending', 'confirmed') AND end_at >= $2
		ORDER BY start_at, id
	`, patientID, from)
	if err != nil {
		return nil, fmt.Errorf("booking: patient appointments: %w", err)
	}
	return collectAppointments(rows)
}

func (l *PGLedger) LookupIdempotency(ctx context.Context, key string) (*IdempotencyRecord, error) {
	return lookupIdempotency(ctx, l.db, key)
}

// WithDentistLock runs fn inside a transaction serialized per dentist.
func (l *PGLedger) WithDentistLock(ctx context.Context, dentistID string, fn func(ctx context.Context, tx LedgerTx) error) error {
	tx, err := l.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("booking: begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "dentist:"+dentistID); err != nil {
		return fmt.Errorf("booking: lock dentist %s: %w", dentistID, err)
	}
	if err := fn(ctx, &pgLedgerTx{tx: tx}); err != nil {
		return mapPGError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPGError(fmt.Errorf("booking: commit: %w", err))
	}
	committed = true
	return nil
}

type pgLedgerTx struct {
	tx pgx.Tx
}

func (t *pgLedgerTx) Overlapping(ctx context.Context, dentistID string, from, to time.Time, excludeID string) ([]Appointment, error) {
	return overlapping(ctx, t.tx, dentistID, from, to, excludeID)
}

func (t *pgLedgerTx) GetAppointment(ctx context.Context, id string) (*Appointment, error) {
	return getAppointment(ctx, t.tx, id, true)
}

func (t *pgLedgerTx) Insert(ctx context.Context, appt Appointment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO appointments (id, patient_id, dentist_id, start_at, end_at, status, created_at, updated_at, cancelled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, appt.ID, appt.PatientID, appt.DentistID, appt.Start, appt.End(), string(appt.Status), appt.CreatedAt, appt.UpdatedAt, toPGNullableTime(appt.CancelledAt))
	if err != nil {
		return mapPGError(fmt.Errorf("booking: insert appointment: %w", err))
	}
	return nil
}

func (t *pgLedgerTx) Update(ctx context.Context, appt Appointment) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE appointments
		SET start_at = $2, end_at = $3, status = $4, updated_at = $5, cancelled_at = $6
		WHERE id = $1
	`, appt.ID, appt.Start, appt.End(), string(appt.Status), appt.UpdatedAt, toPGNullableTime(appt.CancelledAt))
	if err != nil {
		return mapPGError(fmt.Errorf("booking: update appointment: %w", err))
	}
	if ct.RowsAffected() == 0 {
		return notFoundf("appointment %s", appt.ID)
	}
	return nil
}

func (t *pgLedgerTx) LookupIdempotency(ctx context.Context, key string) (*IdempotencyRecord, error) {
	return lookupIdempotency(ctx, t.tx, key)
}

func (t *pgLedgerTx) SaveIdempotency(ctx context.Context, rec IdempotencyRecord) error {
	result, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Errorf("booking: marshal idempotent result: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO idempotency_keys (key, operation, appointment_id, result, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.Key, rec.Operation, rec.Result.ID, result, rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return errIdempotencyKeyTaken
		}
		return fmt.Errorf("booking: save idempotency key: %w", err)
	}
	return nil
}

const appointmentColumns = `id, patient_id, dentist_id, start_at, end_at, status, created_at, updated_at, cancelled_at`

func getAppointment(ctx context.Context, q pgQuerier, id string, forUpdate bool) (*Appointment, error) {
	query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	appt, err := scanAppointment(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFoundf("appointment %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("booking: get appointment: %w", err)
	}
	return appt, nil
}

func overlapping(ctx context.Context, q pgQuerier, dentistID string, from, to time.Time, excludeID string) ([]Appointment, error) {
	rows, err := q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE dentist_id = $1
			AND status IN ('pending', 'confirmed')
			AND start_at < $3 AND end_at > $2
			AND id <> $4
		ORDER BY start_at, id
	`, dentistID, from, to, excludeID)
	if err != nil {
		return nil, fmt.Errorf("booking: overlapping appointments: %w", err)
	}
	return collectAppointments(rows)
}

func lookupIdempotency(ctx context.Context, q pgQuerier, key string) (*IdempotencyRecord, error) {
	var (
		rec    IdempotencyRecord
		result []byte
	)
	err := q.QueryRow(ctx, `SELECT key, operation, result, created_at FROM idempotency_keys WHERE key = $1`, key).
		Scan(&rec.Key, &rec.Operation, &result, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("booking: lookup idempotency key: %w", err)
	}
	if err := json.Unmarshal(result, &rec.Result); err != nil {
		return nil, fmt.Errorf("booking: decode idempotent result: %w", err)
	}
	return &rec, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()
	var out []Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("booking: scan appointment: %w", err)
		}
		out = append(out, *appt)
	}
	return out, rows.Err()
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		appt      Appointment
		endAt     time.Time
		status    string
		cancelled pgtype.Timestamptz
	)
	if err := row.Scan(&appt.ID, &appt.PatientID, &appt.DentistID, &appt.Start, &endAt, &status, &appt.CreatedAt, &appt.UpdatedAt, &cancelled); err != nil {
		return nil, err
	}
	appt.Duration = endAt.Sub(appt.Start)
	appt.Status = AppointmentStatus(status)
	if cancelled.Valid {
		t := cancelled.Time
		appt.CancelledAt = &t
	}
	return &appt, nil
}

func scanDentist(row pgx.Row) (*Dentist, error) {
	var (
		d       Dentist
		windows []byte
	)
	if err := row.Scan(&d.ID, &d.Name, &d.Specialty, &d.Languages, &d.Qualifications, &d.ExperienceYears, &d.Bio, &windows); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("booking: scan dentist: %w", err)
	}
	if len(windows) > 0 {
		if err := json.Unmarshal(windows, &d.Windows); err != nil {
			return nil, fmt.Errorf("booking: decode windows for %s: %w", d.ID, err)
		}
	}
	return &d, nil
}

// mapPGError turns constraint violations into domain errors.
func mapPGError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgExclusionViolation:
		return fmt.Errorf("%w: %s", ErrSlotConflict, pgErr.Message)
	case pgUniqueViolation:
		return fmt.Errorf("%w: duplicate %s", ErrValidation, pgErr.ConstraintName)
	}
	return err
}

func toPGNullableTime(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}
