package booking

import (
	"context"
	"fmt"
	"time"
)

// SeedDentists is the clinic's standing roster.
func SeedDentists() []Dentist {
	return []Dentist{
		{
			ID:              "d-asha-rao",
			Name:            "Dr. Asha Rao",
			Specialty:       "Orthodontist",
			Languages:       []string{"English", "Hindi", "Kannada"},
			Qualifications:  "BDS, MDS",
			ExperienceYears: 12,
			Bio:             "Braces, aligners and bite correction for teens and adults.",
			Windows:         weekly("10:00", "17:00", time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday),
		},
		{
			ID:              "d-ramesh-gupta",
			Name:            "Dr. Ramesh Gupta",
			Specialty:       "Endodontist",
			Languages:       []string{"English", "Hindi"},
			Qualifications:  "BDS, MDS",
			ExperienceYears: 15,
			Bio:             "Root canal treatment and retreatment, including same-day emergency care.",
			Windows:         weekly("11:00", "18:00", time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday),
		},
		{
			ID:              "d-meera-nair",
			Name:            "Dr. Meera Nair",
			Specialty:       "Pediatric Dentist",
			Languages:       []string{"English", "Malayalam"},
			Qualifications:  "BDS, MDS",
			ExperienceYears: 10,
			Bio:             "Preventive and restorative care for children.",
			Windows:         weekly("09:00", "14:00", time.Monday, time.Tuesday, time.Wednesday, time.Thursday),
		},
		{
			ID:              "d-vikram-singh",
			Name:            "Dr. Vikram Singh",
			Specialty:       "Periodontist",
			Languages:       []string{"English", "Hindi"},
			Qualifications:  "BDS, MDS",
			ExperienceYears: 8,
			Bio:             "Gum disease treatment, deep cleaning and implant site preparation.",
			Windows:         weekly("14:00", "20:00", time.Wednesday, time.Thursday, time.Friday),
		},
		{
			ID:              "d-shalini-desai",
			Name:            "Dr. Shalini Desai",
			Specialty:       "Prosthodontist",
			Languages:       []string{"English", "Gujarati"},
			Qualifications:  "BDS, MDS",
			ExperienceYears: 20,
			Bio:             "Crowns, bridges, dentures and full-mouth rehabilitation.",
			Windows:         weekly("10:00", "16:00", time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday),
		},
	}
}

// Seed upserts dentists into the ledger.
func Seed(ctx context.Context, ledger Ledger, dentists []Dentist) error {
	for _, d := range dentists {
		if err := ledger.UpsertDentist(ctx, d); err != nil {
			return fmt.Errorf("booking: seed %s: %w", d.ID, err)
		}
	}
	return nil
}

func weekly(start, end string, days ...time.Weekday) []AvailabilityWindow {
	out := make([]AvailabilityWindow, 0, len(days))
	for _, day := range days {
		out = append(out, AvailabilityWindow{Weekday: day, Start: MustClock(start), End: MustClock(end)})
	}
	return out
}
