package booking

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AppointmentStatus is the lifecycle state of an appointment.
type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	// StatusRescheduled marks a superseded record. Reschedule in this ledger moves
	// the appointment in place, so only imported history carries it.
	StatusRescheduled AppointmentStatus = "rescheduled"
	StatusCancelled   AppointmentStatus = "cancelled"
)

// Active reports whether the status holds its interval on the dentist's calendar.
func (s AppointmentStatus) Active() bool {
	return s == StatusPending || s == StatusConfirmed
}

// Valid reports whether s is a known status.
func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusRescheduled, StatusCancelled:
		return true
	}
	return false
}

// ClockTime is a wall-clock time of day in minutes after midnight.
type ClockTime int

// ParseClock parses "HH:MM".
func ParseClock(raw string) (ClockTime, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("booking: invalid clock time %q", raw)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("booking: invalid hour in %q", raw)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("booking: invalid minute in %q", raw)
	}
	return ClockTime(h*60 + m), nil
}

// MustClock is ParseClock for static seed data.
func MustClock(raw string) ClockTime {
	c, err := ParseClock(raw)
	if err != nil {
		panic(err)
	}
	return c
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

func (c ClockTime) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ClockTime) UnmarshalText(text []byte) error {
	parsed, err := ParseClock(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// On returns the instant of c on the calendar day of day, in loc.
func (c ClockTime) On(day time.Time, loc *time.Location) time.Time {
	y, m, d := day.In(loc).Date()
	return time.Date(y, m, d, int(c)/60, int(c)%60, 0, 0, loc)
}

// AvailabilityWindow is a standing weekly working window.
type AvailabilityWindow struct {
	Weekday time.Weekday `json:"weekday"`
	Start   ClockTime    `json:"start"`
	End     ClockTime    `json:"end"`
}

// Dentist is read-mostly reference data seeded at startup.
type Dentist struct {
	ID              string               `json:"id"`
	Name            string               `json:"name"`
	Specialty       string               `json:"specialty"`
	Languages       []string             `json:"languages,omitempty"`
	Qualifications  string               `json:"qualifications,omitempty"`
	ExperienceYears int                  `json:"experience_years,omitempty"`
	Bio             string               `json:"bio,omitempty"`
	Windows         []AvailabilityWindow `json:"windows"`
}

// WindowsOn returns the windows that apply to the weekday of day in loc.
func (d Dentist) WindowsOn(day time.Time, loc *time.Location) []AvailabilityWindow {
	weekday := day.In(loc).Weekday()
	var out []AvailabilityWindow
	for _, w := range d.Windows {
		if w.Weekday == weekday {
			out = append(out, w)
		}
	}
	return out
}

// Covers reports whether [start, end) lies entirely inside one availability window.
func (d Dentist) Covers(start, end time.Time, loc *time.Location) bool {
	for _, w := range d.WindowsOn(start, loc) {
		windowStart := w.Start.On(start, loc)
		windowEnd := w.End.On(start, loc)
		if !start.Before(windowStart) && !end.After(windowEnd) {
			return true
		}
	}
	return false
}

// Appointment is a booked interval on a dentist's calendar.
type Appointment struct {
	ID          string            `json:"id"`
	PatientID   string            `json:"patient_id"`
	DentistID   string            `json:"dentist_id"`
	Start       time.Time         `json:"start"`
	Duration    time.Duration     `json:"duration"`
	Status      AppointmentStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	CancelledAt *time.Time        `json:"cancelled_at,omitempty"`
}

// End is the exclusive end of the appointment interval.
func (a Appointment) End() time.Time {
	return a.Start.Add(a.Duration)
}

// Blocks reports whether a holds its interval and intersects [start, end).
func (a Appointment) Blocks(start, end time.Time) bool {
	return a.Status.Active() && overlaps(a.Start, a.End(), start, end)
}

// Slot is a derived bookable interval. It is never persisted.
type Slot struct {
	DentistID string    `json:"dentist_id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

// IdempotencyRecord remembers the outcome of one keyed mutation.
type IdempotencyRecord struct {
	Key       string      `json:"key"`
	Operation string      `json:"operation"`
	Result    Appointment `json:"result"`
	CreatedAt time.Time   `json:"created_at"`
}

// Half-open intervals: touching endpoints do not overlap.
func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}
