package tools

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/wolfman30/dentaldesk/internal/booking"
	"github.com/wolfman30/dentaldesk/internal/patients"
)

const maxAlternatives = 3

func (a *Adapter) handlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		ToolGetCurrentTime:        a.getCurrentTime,
		ToolListDentists:          a.listDentists,
		ToolGetDentistProfile:     a.getDentistProfile,
		ToolFindAvailableSlots:    a.findAvailableSlots,
		ToolUpcomingAppointments:  a.upcomingAppointments,
		ToolBookAppointment:       a.bookAppointment,
		ToolRescheduleAppointment: a.rescheduleAppointment,
		ToolCancelAppointment:     a.cancelAppointment,
		ToolUpdatePatientProfile:  a.updatePatientProfile,
		ToolCloseConversation:     a.closeConversation,
	}
}

func (a *Adapter) getCurrentTime(ctx context.Context, inv *invocation) (any, error) {
	now := a.booking.Now()
	return map[string]string{
		"now":      now.Format(localLayout),
		"date":     now.Format(dateLayout),
		"weekday":  now.Weekday().String(),
		"timezone": a.booking.Location().String(),
	}, nil
}

func (a *Adapter) listDentists(ctx context.Context, inv *invocation) (any, error) {
	args, err := decodeArgs[struct {
		Specialty string `json:"specialty"`
	}](inv)
	if err != nil {
		return nil, err
	}
	dentists, err := a.booking.ListDentists(ctx, args.Specialty)
	if err != nil {
		return nil, err
	}
	out := make([]DentistView, 0, len(dentists))
	for _, d := range dentists {
		out = append(out, dentistSummary(d))
	}
	return map[string]any{"dentists": out}, nil
}

func (a *Adapter) getDentistProfile(ctx context.Context, inv *invocation) (any, error) {
	args, err := decodeArgs[struct {
		DentistID string `json:"dentist_id"`
		Name      string `json:"name"`
	}](inv)
	if err != nil {
		return nil, err
	}
	var d *booking.Dentist
	if strings.TrimSpace(args.DentistID) != "" {
		d, err = a.booking.GetDentist(ctx, args.DentistID)
	} else {
		d, err = a.booking.FindDentistByName(ctx, args.Name)
	}
	if err != nil {
		return nil, err
	}
	return dentistProfile(*d), nil
}

func (a *Adapter) findAvailableSlots(ctx context.Context, inv *invocation) (any, error) {
	args, err := decodeArgs[struct {
		DentistID       string `json:"dentist_id"`
		FromDate        string `json:"from_date"`
		ToDate          string `json:"to_date"`
		DurationMinutes int    `json:"duration_minutes"`
	}](inv)
	if err != nil {
		return nil, err
	}
	loc := a.booking.Location()
	from, toolErr := parseDate(args.FromDate, loc)
	if toolErr != nil {
		return nil, toolErr
	}
	lastDay := from
	if strings.TrimSpace(args.ToDate) != "" {
		if lastDay, toolErr = parseDate(args.ToDate, loc); toolErr != nil {
			return nil, toolErr
		}
	}
	if lastDay.Before(from) {
		return nil, validationError("to_date must not be before from_date")
	}
	slots, err := a.booking.FindAvailableSlots(ctx, booking.SlotQuery{
		DentistID: args.DentistID,
		From:      from,
		To:        lastDay.AddDate(0, 0, 1),
		Duration:  time.Duration(args.DurationMinutes) * time.Minute,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"dentist_id": args.DentistID,
		"total":      len(slots),
		"slots":      slotViews(slots, loc, maxSlotsShown),
	}, nil
}

func (a *Adapter) upcomingAppointments(ctx context.Context, inv *invocation) (any, error) {
	appts, err := a.booking.UpcomingAppointments(ctx, inv.patient.ID)
	if err != nil {
		return nil, err
	}
	out := make([]AppointmentView, 0, len(appts))
	for _, appt := range appts {
		out = append(out, appointmentView(appt, a.dentistName(ctx, appt.DentistID), a.booking.Location()))
	}
	return map[string]any{"appointments": out}, nil
}

func (a *Adapter) bookAppointment(ctx context.Context, inv *invocation) (any, error) {
	args, err := decodeArgs[struct {
		DentistID       string `json:"dentist_id"`
		Start           string `json:"start"`
		DurationMinutes int    `json:"duration_minutes"`
		PatientID       string `json:"patient_id"`
	}](inv)
	if err != nil {
		return nil, err
	}
	if args.PatientID != "" && args.PatientID != inv.patient.ID {
		return nil, validationError("patient_id does not match the patient in this conversation")
	}
	loc := a.booking.Location()
	start, toolErr := parseStart(args.Start, loc)
	if toolErr != nil {
		return nil, toolErr
	}
	duration := time.Duration(args.DurationMinutes) * time.Minute
	appt, err := a.booking.Book(ctx, booking.BookRequest{
		PatientID:      inv.patient.ID,
		DentistID:      args.DentistID,
		Start:          start,
		Duration:       duration,
		IdempotencyKey: inv.idempotencyKey,
	})
	if errors.Is(err, booking.ErrSlotConflict) {
		return nil, a.conflict(ctx, args.DentistID, start, duration)
	}
	if err != nil {
		return nil, err
	}
	return appointmentView(*appt, a.dentistName(ctx, appt.DentistID), loc), nil
}

func (a *Adapter) rescheduleAppointment(ctx context.Context, inv *invocation) (any, error) {
	args, err := decodeArgs[struct {
		AppointmentID string `json:"appointment_id"`
		NewStart      string `json:"new_start"`
	}](inv)
	if err != nil {
		return nil, err
	}
	loc := a.booking.Location()
	start, toolErr := parseStart(args.NewStart, loc)
	if toolErr != nil {
		return nil, toolErr
	}
	appt, err := a.booking.Reschedule(ctx, booking.RescheduleRequest{
		AppointmentID:  args.AppointmentID,
		PatientID:      inv.patient.ID,
		NewStart:       start,
		IdempotencyKey: inv.idempotencyKey,
	})
	var conflict *booking.ConflictError
	switch {
	case errors.As(err, &conflict):
		return nil, a.conflict(ctx, conflict.DentistID, start, conflict.End.Sub(conflict.Start))
	case errors.Is(err, booking.ErrNotFound):
		return nil, validationError("no such appointment %q for this patient", args.AppointmentID)
	case err != nil:
		return nil, err
	}
	return appointmentView(*appt, a.dentistName(ctx, appt.DentistID), loc), nil
}

func (a *Adapter) cancelAppointment(ctx context.Context, inv *invocation) (any, error) {
	args, err := decodeArgs[struct {
		AppointmentID string `json:"appointment_id"`
	}](inv)
	if err != nil {
		return nil, err
	}
	appt, err := a.booking.Cancel(ctx, booking.CancelRequest{
		AppointmentID:  args.AppointmentID,
		PatientID:      inv.patient.ID,
		IdempotencyKey: inv.idempotencyKey,
	})
	if errors.Is(err, booking.ErrNotFound) {
		return nil, validationError("no such appointment %q for this patient", args.AppointmentID)
	}
	if err != nil {
		return nil, err
	}
	return appointmentView(*appt, a.dentistName(ctx, appt.DentistID), a.booking.Location()), nil
}

func (a *Adapter) updatePatientProfile(ctx context.Context, inv *invocation) (any, error) {
	args, err := decodeArgs[patients.ProfileUpdate](inv)
	if err != nil {
		return nil, err
	}
	key := inv.scope.ConversationKey
	if _, err := a.patients.Ensure(ctx, key); err != nil {
		return nil, err
	}
	p, err := a.patients.UpdateProfile(ctx, key, args)
	if err != nil {
		return nil, err
	}
	return patientView(*p), nil
}

func (a *Adapter) closeConversation(ctx context.Context, inv *invocation) (any, error) {
	args, err := decodeArgs[struct {
		Reason string `json:"reason"`
	}](inv)
	if err != nil {
		return nil, err
	}
	inv.closeReason = strings.TrimSpace(args.Reason)
	return map[string]any{"closing": true, "reason": inv.closeReason}, nil
}

// conflict builds a slot_conflict error listing the next free slots that day.
func (a *Adapter) conflict(ctx context.Context, dentistID string, start time.Time, duration time.Duration) error {
	toolErr := &ToolError{Kind: KindSlotConflict, Message: "that time is no longer available"}
	loc := a.booking.Location()
	local := start.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	slots, err := a.booking.FindAvailableSlots(ctx, booking.SlotQuery{
		DentistID: dentistID,
		From:      day,
		To:        day.AddDate(0, 0, 1),
		Duration:  duration,
	})
	if err != nil {
		a.logger.Warn("failed to load alternative slots", "dentist_id", dentistID, "error", err)
		return toolErr
	}
	toolErr.Alternatives = slotViews(slots, loc, maxAlternatives)
	if len(toolErr.Alternatives) == 0 {
		toolErr.Message = "that time is no longer available and the dentist has no other free slots that day"
	}
	return toolErr
}

func (a *Adapter) dentistName(ctx context.Context, id string) string {
	d, err := a.booking.GetDentist(ctx, id)
	if err != nil {
		return ""
	}
	return d.Name
}
