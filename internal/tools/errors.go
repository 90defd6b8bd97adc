package tools

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/dentaldesk/internal/booking"
	"github.com/wolfman30/dentaldesk/internal/patients"
)

// ErrorKind classifies a tool failure the model can act on.
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation_error"
	KindSlotConflict ErrorKind = "slot_conflict"
)

// ToolError is returned to the model as the outcome of a failed call.
type ToolError struct {
	Kind         ErrorKind  `json:"kind"`
	Message      string     `json:"message"`
	Alternatives []SlotView `json:"alternatives,omitempty"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func validationError(format string, args ...any) *ToolError {
	return &ToolError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// classify converts a domain error into a ToolError. Anything it does not
// recognise is infrastructure and comes back as err.
func classify(err error) (*ToolError, error) {
	var toolErr *ToolError
	switch {
	case err == nil:
		return nil, nil
	case errors.As(err, &toolErr):
		return toolErr, nil
	case errors.Is(err, booking.ErrSlotConflict):
		return &ToolError{Kind: KindSlotConflict, Message: "that time is no longer available"}, nil
	case errors.Is(err, booking.ErrNotFound),
		errors.Is(err, booking.ErrValidation),
		errors.Is(err, patients.ErrInvalidProfile),
		errors.Is(err, patients.ErrPatientNotFound):
		return &ToolError{Kind: KindValidation, Message: humanize(err)}, nil
	}
	return nil, err
}

func humanize(err error) string {
	msg := err.Error()
	for _, prefix := range []string{"booking: ", "patients: "} {
		msg = strings.ReplaceAll(msg, prefix, "")
	}
	return msg
}
