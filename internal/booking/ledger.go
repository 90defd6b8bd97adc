package booking

import (
	"context"
	"time"
)

// Ledger persists dentists, appointments and mutation idempotency records.
// Reads outside WithDentistLock are consistent snapshots; every mutation goes
// through WithDentistLock so the overlap check and the write happen atomically
// for that dentist only.
type Ledger interface {
	ListDentists(ctx context.Context) ([]Dentist, error)
	GetDentist(ctx context.Context, id string) (*Dentist, error)
	UpsertDentist(ctx context.Context, d Dentist) error

	GetAppointment(ctx context.Context, id string) (*Appointment, error)
	ActiveAppointments(ctx context.Context, dentistID string, from, to time.Time) ([]Appointment, error)
	PatientAppointments(ctx context.Context, patientID string, from time.Time) ([]Appointment, error)
	LookupIdempotency(ctx context.Context, key string) (*IdempotencyRecord, error)

	WithDentistLock(ctx context.Context, dentistID string, fn func(ctx context.Context, tx LedgerTx) error) error
}

// LedgerTx is the mutation scope handed out by WithDentistLock. Nothing it
// writes is visible to other readers until fn returns nil.
type LedgerTx interface {
	Overlapping(ctx context.Context, dentistID string, from, to time.Time, excludeID string) ([]Appointment, error)
	GetAppointment(ctx context.Context, id string) (*Appointment, error)
	Insert(ctx context.Context, appt Appointment) error
	Update(ctx context.Context, appt Appointment) error
	LookupIdempotency(ctx context.Context, key string) (*IdempotencyRecord, error)
	SaveIdempotency(ctx context.Context, rec IdempotencyRecord) error
}
