package patients

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidProfile wraps every profile validation failure.
	ErrInvalidProfile = errors.New("patients: invalid profile")

	ErrInvalidName   = fmt.Errorf("%w: full name is required", ErrInvalidProfile)
	ErrInvalidAge    = fmt.Errorf("%w: age must be between 1 and 129", ErrInvalidProfile)
	ErrInvalidGender = fmt.Errorf("%w: gender must be male, female or other", ErrInvalidProfile)
	ErrMissingKey    = fmt.Errorf("%w: conversation key is required", ErrInvalidProfile)

	// ErrPatientNotFound is returned when no patient is linked to the key.
	ErrPatientNotFound = errors.New("patients: patient not found")
)
