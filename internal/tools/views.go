package tools

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wolfman30/dentaldesk/internal/booking"
	"github.com/wolfman30/dentaldesk/internal/patients"
)

const (
	localLayout   = "2006-01-02T15:04"
	dateLayout    = "2006-01-02"
	maxSlotsShown = 24
)

var startLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	localLayout,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// parseStart reads a start time. Values without an offset are clinic-local.
func parseStart(raw string, loc *time.Location) (time.Time, *ToolError) {
	raw = strings.TrimSpace(raw)
	for _, layout := range startLayouts {
		var (
			t   time.Time
			err error
		)
		if layout == time.RFC3339 {
			t, err = time.Parse(layout, raw)
		} else {
			t, err = time.ParseInLocation(layout, raw, loc)
		}
		if err == nil {
			return t.In(loc), nil
		}
	}
	return time.Time{}, validationError("could not read time %q, use YYYY-MM-DDTHH:MM", raw)
}

func parseDate(raw string, loc *time.Location) (time.Time, *ToolError) {
	t, err := time.ParseInLocation(dateLayout, strings.TrimSpace(raw), loc)
	if err != nil {
		return time.Time{}, validationError("could not read date %q, use YYYY-MM-DD", raw)
	}
	return t, nil
}

// DentistView is a dentist as shown to the model.
type DentistView struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Specialty       string   `json:"specialty"`
	Languages       []string `json:"languages,omitempty"`
	Availability    string   `json:"availability"`
	Qualifications  string   `json:"qualifications,omitempty"`
	ExperienceYears int      `json:"experience_years,omitempty"`
	Bio             string   `json:"bio,omitempty"`
}

func dentistSummary(d booking.Dentist) DentistView {
	return DentistView{
		ID:           d.ID,
		Name:         d.Name,
		Specialty:    d.Specialty,
		Languages:    d.Languages,
		Availability: describeWindows(d.Windows),
	}
}

func dentistProfile(d booking.Dentist) DentistView {
	v := dentistSummary(d)
	v.Qualifications = d.Qualifications
	v.ExperienceYears = d.ExperienceYears
	v.Bio = d.Bio
	return v
}

// describeWindows renders windows like "Mon 10:00-17:00, Tue 10:00-17:00".
func describeWindows(windows []booking.AvailabilityWindow) string {
	sorted := append([]booking.AvailabilityWindow(nil), windows...)
	sort.Slice(sorted, func(i, j int) bool {
		wi, wj := (sorted[i].Weekday+6)%7, (sorted[j].Weekday+6)%7
		if wi == wj {
			return sorted[i].Start < sorted[j].Start
		}
		return wi < wj
	})
	parts := make([]string, 0, len(sorted))
	for _, w := range sorted {
		parts = append(parts, fmt.Sprintf("%s %s-%s", w.Weekday.String()[:3], w.Start, w.End))
	}
	return strings.Join(parts, ", ")
}

// SlotView is a free slot in clinic-local time.
type SlotView struct {
	DentistID string `json:"dentist_id"`
	Start     string `json:"start"`
	End       string `json:"end"`
}

func slotViews(slots []booking.Slot, loc *time.Location, limit int) []SlotView {
	if limit > 0 && len(slots) > limit {
		slots = slots[:limit]
	}
	out := make([]SlotView, 0, len(slots))
	for _, s := range slots {
		out = append(out, SlotView{
			DentistID: s.DentistID,
			Start:     s.Start.In(loc).Format(localLayout),
			End:       s.End.In(loc).Format(localLayout),
		})
	}
	return out
}

// AppointmentView is an appointment in clinic-local time.
type AppointmentView struct {
	ID              string `json:"appointment_id"`
	DentistID       string `json:"dentist_id"`
	DentistName     string `json:"dentist_name,omitempty"`
	Start           string `json:"start"`
	End             string `json:"end"`
	DurationMinutes int    `json:"duration_minutes"`
	Status          string `json:"status"`
}

func appointmentView(a booking.Appointment, dentistName string, loc *time.Location) AppointmentView {
	return AppointmentView{
		ID:              a.ID,
		DentistID:       a.DentistID,
		DentistName:     dentistName,
		Start:           a.Start.In(loc).Format(localLayout),
		End:             a.End().In(loc).Format(localLayout),
		DurationMinutes: int(a.Duration / time.Minute),
		Status:          string(a.Status),
	}
}

// PatientView is the registration state shown to the model.
type PatientView struct {
	ID         string `json:"patient_id"`
	Name       string `json:"name"`
	Age        int    `json:"age,omitempty"`
	Gender     string `json:"gender,omitempty"`
	Registered bool   `json:"registered"`
}

func patientView(p patients.Patient) PatientView {
	return PatientView{
		ID:         p.ID,
		Name:       p.Name,
		Age:        p.Age,
		Gender:     p.Gender,
		Registered: p.Registered(),
	}
}
