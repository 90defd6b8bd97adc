package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/dentaldesk/internal/patients"
)

const (
	// FallbackReply is sent when the tool loop runs away.
	FallbackReply = "Sorry, I couldn't finish that request. Could you tell me again what you'd like to do?"
	// ApologyReply is sent when the model or the backend stays unavailable.
	ApologyReply = "Sorry, I'm having trouble right now. Please try again in a few minutes."
)

const defaultSystemPrompt = `You are the front desk assistant of %s, chatting with a patient over text messages.
Keep replies short, friendly and plain text.

Rules:
- Use the tools for anything about dentists, free slots and appointments. Never invent availability.
- Before booking, rescheduling, cancelling or listing appointments the patient must be registered.
  If they are not, ask for their full name, age and gender and call update_patient_profile.
- Always check find_available_slots before booking and confirm the exact date and time in your reply.
- If a tool reports slot_conflict, offer the alternatives it returns.
- If a tool reports validation_error, fix the arguments or ask the patient for what is missing.
- When the patient is done, say goodbye and call close_conversation.
- All times are in the clinic time zone (%s).`

const summaryPrompt = `Summarize this dental clinic chat for the assistant that continues it.
Keep the patient's details, dentists discussed, appointment ids, dates and times, and anything still pending.
Write at most ten short lines of plain text.`

// systemPrompt builds the system blocks for one model call.
func systemPrompt(clinic string, now time.Time, patient *patients.Patient, summary string) []string {
	blocks := []string{fmt.Sprintf(defaultSystemPrompt, clinic, now.Location().String())}

	var ctx strings.Builder
	fmt.Fprintf(&ctx, "Current time: %s (%s)\n", now.Format("2006-01-02 15:04"), now.Weekday())
	switch {
	case patient == nil:
		ctx.WriteString("Patient: unknown\n")
	case patient.Registered():
		fmt.Fprintf(&ctx, "Patient id: %s\nName: %s\nAge: %d\nGender: %s\nRegistered: yes\n", patient.ID, patient.Name, patient.Age, patient.Gender)
	default:
		fmt.Fprintf(&ctx, "Patient id: %s\nRegistered: no\n", patient.ID)
	}
	blocks = append(blocks, strings.TrimSpace(ctx.String()))

	if summary = strings.TrimSpace(summary); summary != "" {
		blocks = append(blocks, "Summary of earlier conversation:\n"+summary)
	}
	return blocks
}
