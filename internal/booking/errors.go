package booking

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSlotConflict means the requested interval overlaps an active appointment.
	ErrSlotConflict = errors.New("booking: slot conflict")
	// ErrNotFound means the dentist or appointment does not exist.
	ErrNotFound = errors.New("booking: not found")
	// ErrValidation means the request is malformed or violates a booking rule.
	ErrValidation = errors.New("booking: invalid request")

	errIdempotencyKeyTaken = errors.New("booking: idempotency key already used")
)

// ConflictError describes which appointment blocked a booking.
type ConflictError struct {
	DentistID string
	Start     time.Time
	End       time.Time
	BlockedBy string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("booking: slot conflict for dentist %s at %s-%s",
		e.DentistID, e.Start.Format(time.RFC3339), e.End.Format("15:04"))
}

func (e *ConflictError) Unwrap() error {
	return ErrSlotConflict
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}
