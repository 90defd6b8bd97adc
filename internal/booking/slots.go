package booking

import (
	"sort"
	"time"
)

// SlotQuery selects candidate slots for one dentist.
type SlotQuery struct {
	DentistID string
	From      time.Time
	To        time.Time
	Duration  time.Duration
}

// DeriveSlots subtracts active appointments from the dentist's weekly windows.
// Candidate starts are aligned to step from each window start; slots starting
// before notBefore or falling outside [from, to) are skipped.
func DeriveSlots(d Dentist, booked []Appointment, from, to time.Time, duration, step time.Duration, notBefore time.Time, loc *time.Location) []Slot {
	if duration <= 0 || !from.Before(to) {
		return nil
	}
	if step <= 0 {
		step = duration
	}
	if loc == nil {
		loc = time.UTC
	}

	active := make([]Appointment, 0, len(booked))
	for _, appt := range booked {
		if appt.DentistID == d.ID && appt.Status.Active() {
			active = append(active, appt)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Start.Before(active[j].Start) })

	var slots []Slot
	fromLocal := from.In(loc)
	day := time.Date(fromLocal.Year(), fromLocal.Month(), fromLocal.Day(), 0, 0, 0, 0, loc)
	for ; day.Before(to); day = day.AddDate(0, 0, 1) {
		for _, w := range d.WindowsOn(day, loc) {
			windowEnd := w.End.On(day, loc)
			for start := w.Start.On(day, loc); !start.Add(duration).After(windowEnd); start = start.Add(step) {
				end := start.Add(duration)
				if start.Before(from) || end.After(to) || start.Before(notBefore) {
					continue
				}
				if blocked(active, start, end) {
					continue
				}
				slots = append(slots, Slot{DentistID: d.ID, Start: start, End: end})
			}
		}
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Start.Before(slots[j].Start) })
	return slots
}

func blocked(active []Appointment, start, end time.Time) bool {
	for _, appt := range active {
		if !appt.Start.Before(end) {
			return false
		}
		if appt.Blocks(start, end) {
			return true
		}
	}
	return false
}
