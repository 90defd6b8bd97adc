package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/dentaldesk/pkg/logging"
)

var bookingTracer = otel.Tracer("dentaldesk.internal.booking")

const (
	OperationBook       = "book"
	OperationReschedule = "reschedule"
	OperationCancel     = "cancel"

	maxAppointmentDuration = 4 * time.Hour
	maxSlotRange           = 14 * 24 * time.Hour
)

// Observer receives one call per mutation attempt.
type Observer interface {
	ObserveMutation(operation, outcome string, elapsed time.Duration)
}

// BookRequest asks for a new appointment.
type BookRequest struct {
	PatientID      string
	DentistID      string
	Start          time.Time
	Duration       time.Duration
	IdempotencyKey string
}

// RescheduleRequest moves an existing appointment to NewStart. When PatientID is
// set the appointment must belong to that patient.
type RescheduleRequest struct {
	AppointmentID  string
	PatientID      string
	NewStart       time.Time
	IdempotencyKey string
}

// CancelRequest cancels an appointment. When PatientID is set the appointment
// must belong to that patient.
type CancelRequest struct {
	AppointmentID  string
	PatientID      string
	IdempotencyKey string
}

// Service owns the booking rules on top of a Ledger.
type Service struct {
	ledger          Ledger
	logger          *logging.Logger
	loc             *time.Location
	defaultDuration time.Duration
	slotStep        time.Duration
	now             func() time.Time
	observer        Observer
}

// Option configures a Service.
type Option func(*Service)

// WithLocation sets the clinic time zone used for windows and slot derivation.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithDefaultDuration sets the duration used when a request leaves it empty.
func WithDefaultDuration(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.defaultDuration = d
		}
	}
}

// WithSlotStep sets the spacing between candidate slot starts.
func WithSlotStep(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.slotStep = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithObserver reports mutation outcomes, typically to Prometheus.
func WithObserver(o Observer) Option {
	return func(s *Service) {
		s.observer = o
	}
}

// NewService constructs a booking service.
func NewService(ledger Ledger, logger *logging.Logger, opts ...Option) *Service {
	if ledger == nil {
		panic("booking: ledger required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	s := &Service{
		ledger:          ledger,
		logger:          logger,
		loc:             time.UTC,
		defaultDuration: 30 * time.Minute,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.slotStep <= 0 {
		s.slotStep = s.defaultDuration
	}
	return s
}

// Location returns the clinic time zone.
func (s *Service) Location() *time.Location {
	return s.loc
}

// Now returns the service clock in the clinic time zone.
func (s *Service) Now() time.Time {
	return s.now().In(s.loc)
}

// DefaultDuration is the appointment length used when none is requested.
func (s *Service) DefaultDuration() time.Duration {
	return s.defaultDuration
}

// ListDentists returns all dentists, or those whose specialty contains specialty.
func (s *Service) ListDentists(ctx context.Context, specialty string) ([]Dentist, error) {
	dentists, err := s.ledger.ListDentists(ctx)
	if err != nil {
		return nil, fmt.Errorf("booking: list dentists: %w", err)
	}
	specialty = strings.ToLower(strings.TrimSpace(specialty))
	if specialty == "" {
		return dentists, nil
	}
	out := make([]Dentist, 0, len(dentists))
	for _, d := range dentists {
		if strings.Contains(strings.ToLower(d.Specialty), specialty) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Service) GetDentist(ctx context.Context, id string) (*Dentist, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, validationf("dentist id required")
	}
	return s.ledger.GetDentist(ctx, id)
}

// FindDentistByName matches a case-insensitive substring of the dentist name,
// ignoring a leading "Dr." on either side.
func (s *Service) FindDentistByName(ctx context.Context, name string) (*Dentist, error) {
	needle := normalizeDentistName(name)
	if needle == "" {
		return nil, validationf("dentist name required")
	}
	dentists, err := s.ledger.ListDentists(ctx)
	if err != nil {
		return nil, fmt.Errorf("booking: list dentists: %w", err)
	}
	for _, d := range dentists {
		if strings.Contains(normalizeDentistName(d.Name), needle) {
			found := d
			return &found, nil
		}
	}
	return nil, notFoundf("no dentist named %q", name)
}

func normalizeDentistName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, prefix := range []string{"dr.", "dr "} {
		name = strings.TrimPrefix(name, prefix)
	}
	return strings.Join(strings.Fields(name), " ")
}

// UpcomingAppointments lists the patient's pending or confirmed appointments
// that have not ended yet.
func (s *Service) UpcomingAppointments(ctx context.Context, patientID string) ([]Appointment, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, validationf("patient id required")
	}
	appts, err := s.ledger.PatientAppointments(ctx, patientID, s.now())
	if err != nil {
		return nil, fmt.Errorf("booking: upcoming appointments: %w", err)
	}
	return appts, nil
}

// DentistSchedule returns the dentist's active appointments in [from, to).
func (s *Service) DentistSchedule(ctx context.Context, dentistID string, from, to time.Time) ([]Appointment, error) {
	if _, err := s.GetDentist(ctx, dentistID); err != nil {
		return nil, err
	}
	if !from.Before(to) {
		return nil, validationf("schedule range must end after it starts")
	}
	appts, err := s.ledger.ActiveAppointments(ctx, dentistID, from, to)
	if err != nil {
		return nil, fmt.Errorf("booking: dentist schedule: %w", err)
	}
	return appts, nil
}

// FindAvailableSlots derives free slots from the dentist's windows minus active
// appointments. To defaults to the end of From's day; the range may not exceed
// 14 days.
func (s *Service) FindAvailableSlots(ctx context.Context, q SlotQuery) ([]Slot, error) {
	ctx, span := bookingTracer.Start(ctx, "booking.find_slots")
	defer span.End()
	span.SetAttributes(attribute.String("dentaldesk.dentist_id", q.DentistID))

	d, err := s.GetDentist(ctx, q.DentistID)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	if q.From.IsZero() {
		return nil, validationf("from date required")
	}
	if q.To.IsZero() {
		from := q.From.In(s.loc)
		q.To = time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, s.loc).AddDate(0, 0, 1)
	}
	if !q.From.Before(q.To) {
		return nil, validationf("slot range must end after it starts")
	}
	if q.To.Sub(q.From) > maxSlotRange {
		return nil, validationf("slot range may not exceed 14 days")
	}
	if q.Duration == 0 {
		q.Duration = s.defaultDuration
	}
	if err := validateDuration(q.Duration); err != nil {
		return nil, err
	}

	booked, err := s.ledger.ActiveAppointments(ctx, d.ID, q.From, q.To)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("booking: load appointments: %w", err)
	}
	slots := DeriveSlots(*d, booked, q.From, q.To, q.Duration, s.slotStep, s.now(), s.loc)
	span.SetAttributes(attribute.Int("dentaldesk.slot_count", len(slots)))
	return slots, nil
}

// Book creates a confirmed appointment. A repeated IdempotencyKey returns the
// appointment created by the first call.
func (s *Service) Book(ctx context.Context, req BookRequest) (*Appointment, error) {
	ctx, span := bookingTracer.Start(ctx, "booking.book")
	defer span.End()
	span.SetAttributes(
		attribute.String("dentaldesk.dentist_id", req.DentistID),
		attribute.String("dentaldesk.patient_id", req.PatientID),
	)
	started := s.now()

	appt, err := s.book(ctx, req)
	s.observe(OperationBook, err, started)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("dentaldesk.appointment_id", appt.ID))
	return appt, nil
}

func (s *Service) book(ctx context.Context, req BookRequest) (*Appointment, error) {
	if strings.TrimSpace(req.PatientID) == "" {
		return nil, validationf("patient id required")
	}
	if replay, err := s.replay(ctx, req.IdempotencyKey, OperationBook); replay != nil || err != nil {
		return replay, err
	}
	d, err := s.GetDentist(ctx, req.DentistID)
	if err != nil {
		return nil, err
	}
	if req.Duration == 0 {
		req.Duration = s.defaultDuration
	}
	if err := validateDuration(req.Duration); err != nil {
		return nil, err
	}
	if err := s.validateStart(*d, req.Start, req.Duration); err != nil {
		return nil, err
	}

	now := s.now()
	appt := Appointment{
		ID:        uuid.NewString(),
		PatientID: req.PatientID,
		DentistID: d.ID,
		Start:     req.Start.In(s.loc),
		Duration:  req.Duration,
		Status:    StatusConfirmed,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var result Appointment
	err = s.ledger.WithDentistLock(ctx, d.ID, func(ctx context.Context, tx LedgerTx) error {
		if prior, err := replayInTx(ctx, tx, req.IdempotencyKey, OperationBook); err != nil || prior != nil {
			if prior != nil {
				result = *prior
			}
			return err
		}
		if err := checkFree(ctx, tx, d.ID, appt.Start, appt.End(), ""); err != nil {
			return err
		}
		if err := tx.Insert(ctx, appt); err != nil {
			return err
		}
		result = appt
		return saveIdempotency(ctx, tx, req.IdempotencyKey, OperationBook, appt, now)
	})
	if errors.Is(err, errIdempotencyKeyTaken) {
		return s.replayAfterRace(ctx, req.IdempotencyKey, OperationBook)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("appointment booked",
		"appointment_id", result.ID,
		"dentist_id", result.DentistID,
		"patient_id", result.PatientID,
		"start", result.Start.Format(time.RFC3339),
	)
	return &result, nil
}

// Reschedule moves an active appointment. On conflict the original is left as is.
func (s *Service) Reschedule(ctx context.Context, req RescheduleRequest) (*Appointment, error) {
	ctx, span := bookingTracer.Start(ctx, "booking.reschedule")
	defer span.End()
	span.SetAttributes(attribute.String("dentaldesk.appointment_id", req.AppointmentID))
	started := s.now()

	appt, err := s.reschedule(ctx, req)
	s.observe(OperationReschedule, err, started)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return appt, nil
}

func (s *Service) reschedule(ctx context.Context, req RescheduleRequest) (*Appointment, error) {
	if replay, err := s.replay(ctx, req.IdempotencyKey, OperationReschedule); replay != nil || err != nil {
		return replay, err
	}
	current, err := s.ownedAppointment(ctx, req.AppointmentID, req.PatientID)
	if err != nil {
		return nil, err
	}
	d, err := s.GetDentist(ctx, current.DentistID)
	if err != nil {
		return nil, err
	}
	if err := s.validateStart(*d, req.NewStart, current.Duration); err != nil {
		return nil, err
	}

	now := s.now()
	var result Appointment
	err = s.ledger.WithDentistLock(ctx, d.ID, func(ctx context.Context, tx LedgerTx) error {
		if prior, err := replayInTx(ctx, tx, req.IdempotencyKey, OperationReschedule); err != nil || prior != nil {
			if prior != nil {
				result = *prior
			}
			return err
		}
		appt, err := tx.GetAppointment(ctx, req.AppointmentID)
		if err != nil {
			return err
		}
		if !appt.Status.Active() {
			return validationf("appointment %s is %s", appt.ID, appt.Status)
		}
		moved := *appt
		moved.Start = req.NewStart.In(s.loc)
		moved.UpdatedAt = now
		if err := checkFree(ctx, tx, moved.DentistID, moved.Start, moved.End(), moved.ID); err != nil {
			return err
		}
		if err := tx.Update(ctx, moved); err != nil {
			return err
		}
		result = moved
		return saveIdempotency(ctx, tx, req.IdempotencyKey, OperationReschedule, moved, now)
	})
	if errors.Is(err, errIdempotencyKeyTaken) {
		return s.replayAfterRace(ctx, req.IdempotencyKey, OperationReschedule)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("appointment rescheduled",
		"appointment_id", result.ID,
		"dentist_id", result.DentistID,
		"from", current.Start.Format(time.RFC3339),
		"to", result.Start.Format(time.RFC3339),
	)
	return &result, nil
}

// Cancel marks an appointment cancelled. Cancelling a cancelled appointment
// returns it unchanged.
func (s *Service) Cancel(ctx context.Context, req CancelRequest) (*Appointment, error) {
	ctx, span := bookingTracer.Start(ctx, "booking.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("dentaldesk.appointment_id", req.AppointmentID))
	started := s.now()

	appt, err := s.cancel(ctx, req)
	s.observe(OperationCancel, err, started)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return appt, nil
}

func (s *Service) cancel(ctx context.Context, req CancelRequest) (*Appointment, error) {
	if replay, err := s.replay(ctx, req.IdempotencyKey, OperationCancel); replay != nil || err != nil {
		return replay, err
	}
	current, err := s.ownedAppointment(ctx, req.AppointmentID, req.PatientID)
	if err != nil {
		return nil, err
	}
	if current.Status == StatusCancelled {
		return current, nil
	}

	now := s.now()
	var (
		result  Appointment
		changed bool
	)
	err = s.ledger.WithDentistLock(ctx, current.DentistID, func(ctx context.Context, tx LedgerTx) error {
		if prior, err := replayInTx(ctx, tx, req.IdempotencyKey, OperationCancel); err != nil || prior != nil {
			if prior != nil {
				result = *prior
			}
			return err
		}
		appt, err := tx.GetAppointment(ctx, req.AppointmentID)
		if err != nil {
			return err
		}
		result = *appt
		if appt.Status == StatusCancelled {
			return nil
		}
		result.Status = StatusCancelled
		result.UpdatedAt = now
		result.CancelledAt = &now
		if err := tx.Update(ctx, result); err != nil {
			return err
		}
		changed = true
		return saveIdempotency(ctx, tx, req.IdempotencyKey, OperationCancel, result, now)
	})
	if errors.Is(err, errIdempotencyKeyTaken) {
		return s.replayAfterRace(ctx, req.IdempotencyKey, OperationCancel)
	}
	if err != nil {
		return nil, err
	}
	if changed {
		s.logger.Info("appointment cancelled", "appointment_id", result.ID, "dentist_id", result.DentistID)
	}
	return &result, nil
}

func (s *Service) ownedAppointment(ctx context.Context, id, patientID string) (*Appointment, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, validationf("appointment id required")
	}
	appt, err := s.ledger.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if patientID != "" && appt.PatientID != patientID {
		return nil, notFoundf("appointment %s", id)
	}
	return appt, nil
}

func (s *Service) validateStart(d Dentist, start time.Time, duration time.Duration) error {
	if start.IsZero() {
		return validationf("start time required")
	}
	if start.Before(s.now()) {
		return validationf("start time %s is in the past", start.In(s.loc).Format(time.RFC3339))
	}
	if !d.Covers(start, start.Add(duration), s.loc) {
		return validationf("%s is not available at %s", d.Name, start.In(s.loc).Format("Mon 2006-01-02 15:04"))
	}
	return nil
}

func validateDuration(d time.Duration) error {
	if d <= 0 {
		return validationf("duration must be positive")
	}
	if d > maxAppointmentDuration {
		return validationf("duration may not exceed %s", maxAppointmentDuration)
	}
	return nil
}

// replay returns the stored result for key, if any, without taking a lock.
func (s *Service) replay(ctx context.Context, key, operation string) (*Appointment, error) {
	if key == "" {
		return nil, nil
	}
	rec, err := s.ledger.LookupIdempotency(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("booking: lookup idempotency key: %w", err)
	}
	return replayRecord(rec, key, operation, s.logger)
}

// replayAfterRace handles two callers inserting the same key concurrently.
func (s *Service) replayAfterRace(ctx context.Context, key, operation string) (*Appointment, error) {
	appt, err := s.replay(ctx, key, operation)
	if err != nil {
		return nil, err
	}
	if appt == nil {
		return nil, fmt.Errorf("booking: idempotency key %s vanished after conflict", key)
	}
	return appt, nil
}

func replayInTx(ctx context.Context, tx LedgerTx, key, operation string) (*Appointment, error) {
	if key == "" {
		return nil, nil
	}
	rec, err := tx.LookupIdempotency(ctx, key)
	if err != nil {
		return nil, err
	}
	return replayRecord(rec, key, operation, nil)
}

func replayRecord(rec *IdempotencyRecord, key, operation string, logger *logging.Logger) (*Appointment, error) {
	if rec == nil {
		return nil, nil
	}
	if rec.Operation != operation {
		return nil, validationf("idempotency key %s was used for %s", key, rec.Operation)
	}
	if logger != nil {
		logger.Debug("idempotent replay", "idempotency_key", key, "operation", operation, "appointment_id", rec.Result.ID)
	}
	appt := rec.Result
	return &appt, nil
}

func saveIdempotency(ctx context.Context, tx LedgerTx, key, operation string, appt Appointment, now time.Time) error {
	if key == "" {
		return nil
	}
	return tx.SaveIdempotency(ctx, IdempotencyRecord{
		Key:       key,
		Operation: operation,
		Result:    appt,
		CreatedAt: now,
	})
}

func checkFree(ctx context.Context, tx LedgerTx, dentistID string, start, end time.Time, excludeID string) error {
	existing, err := tx.Overlapping(ctx, dentistID, start, end, excludeID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return &ConflictError{DentistID: dentistID, Start: start, End: end, BlockedBy: existing[0].ID}
	}
	return nil
}

func (s *Service) observe(operation string, err error, started time.Time) {
	if s.observer == nil {
		return
	}
	s.observer.ObserveMutation(operation, Outcome(err), s.now().Sub(started))
}

// Outcome classifies err for metrics and audit labels.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrSlotConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "invalid"
	default:
		return "error"
	}
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
