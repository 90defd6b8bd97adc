package booking

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wolfman30/dentaldesk/internal/lock"
)

// MemoryLedger keeps the ledger in process memory. Dentist-scoped mutations are
// serialized by a keyed mutex; reads take a snapshot under a read lock.
type MemoryLedger struct {
	mu           sync.RWMutex
	dentists     map[string]Dentist
	appointments map[string]Appointment
	idempotency  map[string]IdempotencyRecord
	dentistLocks *lock.KeyedMutex
}

var _ Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		dentists:     make(map[string]Dentist),
		appointments: make(map[string]Appointment),
		idempotency:  make(map[string]IdempotencyRecord),
		dentistLocks: lock.NewKeyedMutex(),
	}
}

func (l *MemoryLedger) ListDentists(ctx context.Context) ([]Dentist, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Dentist, 0, len(l.dentists))
	for _, d := range l.dentists {
		out = append(out, cloneDentist(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (l *MemoryLedger) GetDentist(ctx context.Context, id string) (*Dentist, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d, ok := l.dentists[id]
	if !ok {
		return nil, notFoundf("dentist %s", id)
	}
	d = cloneDentist(d)
	return &d, nil
}

func (l *MemoryLedger) UpsertDentist(ctx context.Context, d Dentist) error {
	if strings.TrimSpace(d.ID) == "" {
		return validationf("dentist id required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dentists[d.ID] = cloneDentist(d)
	return nil
}

func (l *MemoryLedger) GetAppointment(ctx context.Context, id string) (*Appointment, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	appt, ok := l.appointments[id]
	if !ok {
		return nil, notFoundf("appointment %s", id)
	}
	return &appt, nil
}

func (l *MemoryLedger) ActiveAppointments(ctx context.Context, dentistID string, from, to time.Time) ([]Appointment, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.overlappingLocked(dentistID, from, to, ""), nil
}

func (l *MemoryLedger) PatientAppointments(ctx context.Context, patientID string, from time.Time) ([]Appointment, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Appointment
	for _, appt := range l.appointments {
		if appt.PatientID == patientID && appt.Status.Active() && !appt.End().Before(from) {
			out = append(out, appt)
		}
	}
	sortByStart(out)
	return out, nil
}

func (l *MemoryLedger) LookupIdempotency(ctx context.Context, key string) (*IdempotencyRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.idempotency[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// WithDentistLock buffers writes and applies them in one step when fn succeeds.
func (l *MemoryLedger) WithDentistLock(ctx context.Context, dentistID string, fn func(ctx context.Context, tx LedgerTx) error) error {
	release, err := l.dentistLocks.Acquire(ctx, "dentist:"+dentistID)
	if err != nil {
		return err
	}
	defer release()

	tx := &memoryTx{
		ledger:       l,
		appointments: make(map[string]Appointment),
		idempotency:  make(map[string]IdempotencyRecord),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, appt := range tx.appointments {
		l.appointments[id] = appt
	}
	for key, rec := range tx.idempotency {
		l.idempotency[key] = rec
	}
	return nil
}

func (l *MemoryLedger) overlappingLocked(dentistID string, from, to time.Time, excludeID string) []Appointment {
	var out []Appointment
	for _, appt := range l.appointments {
		if appt.DentistID != dentistID || appt.ID == excludeID {
			continue
		}
		if appt.Blocks(from, to) {
			out = append(out, appt)
		}
	}
	sortByStart(out)
	return out
}

type memoryTx struct {
	ledger       *MemoryLedger
	appointments map[string]Appointment
	idempotency  map[string]IdempotencyRecord
}

func (tx *memoryTx) Overlapping(ctx context.Context, dentistID string, from, to time.Time, excludeID string) ([]Appointment, error) {
	tx.ledger.mu.RLock()
	committed := tx.ledger.overlappingLocked(dentistID, from, to, excludeID)
	tx.ledger.mu.RUnlock()

	var out []Appointment
	for _, appt := range committed {
		if _, staged := tx.appointments[appt.ID]; !staged {
			out = append(out, appt)
		}
	}
	for _, appt := range tx.appointments {
		if appt.DentistID == dentistID && appt.ID != excludeID && appt.Blocks(from, to) {
			out = append(out, appt)
		}
	}
	sortByStart(out)
	return out, nil
}

func (tx *memoryTx) GetAppointment(ctx context.Context, id string) (*Appointment, error) {
	if appt, ok := tx.appointments[id]; ok {
		return &appt, nil
	}
	return tx.ledger.GetAppointment(ctx, id)
}

func (tx *memoryTx) Insert(ctx context.Context, appt Appointment) error {
	if _, err := tx.GetAppointment(ctx, appt.ID); err == nil {
		return validationf("appointment %s already exists", appt.ID)
	}
	tx.appointments[appt.ID] = appt
	return nil
}

func (tx *memoryTx) Update(ctx context.Context, appt Appointment) error {
	if _, err := tx.GetAppointment(ctx, appt.ID); err != nil {
		return err
	}
	tx.appointments[appt.ID] = appt
	return nil
}

func (tx *memoryTx) LookupIdempotency(ctx context.Context, key string) (*IdempotencyRecord, error) {
	if rec, ok := tx.idempotency[key]; ok {
		return &rec, nil
	}
	return tx.ledger.LookupIdempotency(ctx, key)
}

func (tx *memoryTx) SaveIdempotency(ctx context.Context, rec IdempotencyRecord) error {
	existing, err := tx.LookupIdempotency(ctx, rec.Key)
	if err != nil {
		return err
	}
	if existing != nil {
		return errIdempotencyKeyTaken
	}
	tx.idempotency[rec.Key] = rec
	return nil
}

func cloneDentist(d Dentist) Dentist {
	d.Languages = append([]string(nil), d.Languages...)
	d.Windows = append([]AvailabilityWindow(nil), d.Windows...)
	return d
}

func sortByStart(appts []Appointment) {
	sort.Slice(appts, func(i, j int) bool {
		if appts[i].Start.Equal(appts[j].Start) {
			return appts[i].ID < appts[j].ID
		}
		return appts[i].Start.Before(appts[j].Start)
	})
}
