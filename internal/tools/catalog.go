package tools

import (
	"encoding/json"
	"sort"
)

// CatalogVersion is bumped whenever a tool is added, removed or changes shape.
const CatalogVersion = "v1"

const (
	ToolGetCurrentTime        = "get_current_time"
	ToolListDentists          = "list_dentists"
	ToolGetDentistProfile     = "get_dentist_profile"
	ToolFindAvailableSlots    = "find_available_slots"
	ToolUpcomingAppointments  = "upcoming_appointments"
	ToolBookAppointment       = "book_appointment"
	ToolRescheduleAppointment = "reschedule_appointment"
	ToolCancelAppointment     = "cancel_appointment"
	ToolUpdatePatientProfile  = "update_patient_profile"
	ToolCloseConversation     = "close_conversation"
)

// ParamType is a JSON Schema primitive type.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
)

// Param describes one tool argument.
type Param struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
	Enum        []string
	Minimum     *int
	Maximum     *int
}

// Definition is the published contract of one tool.
type Definition struct {
	Name        string
	Description string
	Params      []Param
	// AnyOf lists alternative required sets; at least one must be satisfied.
	AnyOf [][]string
	// Mutating tools take an idempotency key.
	Mutating bool
	// NeedsRegistration tools fail closed until the patient is registered.
	NeedsRegistration bool
}

// Schema renders the argument schema as a JSON Schema object.
func (d Definition) Schema() map[string]any {
	props := make(map[string]any, len(d.Params))
	required := make([]string, 0, len(d.Params))
	for _, p := range d.Params {
		prop := map[string]any{
			"type":        string(p.Type),
			"description": p.Description,
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Minimum != nil {
			prop["minimum"] = *p.Minimum
		}
		if p.Maximum != nil {
			prop["maximum"] = *p.Maximum
		}
		if p.Type == TypeString && p.Required {
			prop["minLength"] = 1
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	if len(d.AnyOf) > 0 {
		alts := make([]any, 0, len(d.AnyOf))
		for _, set := range d.AnyOf {
			alts = append(alts, map[string]any{"required": set})
		}
		schema["anyOf"] = alts
	}
	return schema
}

// SchemaJSON is Schema encoded as JSON.
func (d Definition) SchemaJSON() json.RawMessage {
	raw, err := json.Marshal(d.Schema())
	if err != nil {
		panic(err)
	}
	return raw
}

func intPtr(v int) *int { return &v }

var idempotencyParam = Param{
	Name:        "idempotency_key",
	Type:        TypeString,
	Description: "Optional key that makes retries of this call safe. Leave empty to let the system choose.",
}

// Catalog returns the tool definitions sorted by name.
func Catalog() []Definition {
	defs := []Definition{
		{
			Name:        ToolGetCurrentTime,
			Description: "Get the current date and time in the clinic's time zone. Call this before interpreting relative dates such as 'tomorrow'.",
		},
		{
			Name:        ToolListDentists,
			Description: "List the clinic's dentists with their specialty, languages and weekly availability.",
			Params: []Param{
				{Name: "specialty", Type: TypeString, Description: "Optional specialty filter, for example 'orthodontist'."},
			},
		},
		{
			Name:        ToolGetDentistProfile,
			Description: "Get a dentist's full profile by id or by name.",
			Params: []Param{
				{Name: "dentist_id", Type: TypeString, Description: "Dentist id from list_dentists."},
				{Name: "name", Type: TypeString, Description: "Dentist name, for example 'Dr. Asha Rao'."},
			},
			AnyOf: [][]string{{"dentist_id"}, {"name"}},
		},
		{
			Name:        ToolFindAvailableSlots,
			Description: "Find free appointment slots for a dentist between two dates (inclusive, at most 14 days).",
			Params: []Param{
				{Name: "dentist_id", Type: TypeString, Description: "Dentist id from list_dentists.", Required: true},
				{Name: "from_date", Type: TypeString, Description: "First day to search, YYYY-MM-DD.", Required: true},
				{Name: "to_date", Type: TypeString, Description: "Last day to search, YYYY-MM-DD. Defaults to from_date."},
				{Name: "duration_minutes", Type: TypeInteger, Description: "Appointment length in minutes.", Minimum: intPtr(5), Maximum: intPtr(240)},
			},
		},
		{
			Name:              ToolUpcomingAppointments,
			Description:       "List the patient's upcoming appointments.",
			NeedsRegistration: true,
		},
		{
			Name:        ToolBookAppointment,
			Description: "Book an appointment for the patient. Confirm the time with the patient first.",
			Params: []Param{
				{Name: "dentist_id", Type: TypeString, Description: "Dentist id from list_dentists.", Required: true},
				{Name: "start", Type: TypeString, Description: "Start time in the clinic time zone, YYYY-MM-DDTHH:MM.", Required: true},
				{Name: "duration_minutes", Type: TypeInteger, Description: "Appointment length in minutes.", Minimum: intPtr(5), Maximum: intPtr(240)},
				{Name: "patient_id", Type: TypeString, Description: "Optional. Must match the patient in this conversation."},
				idempotencyParam,
			},
			Mutating:          true,
			NeedsRegistration: true,
		},
		{
			Name:        ToolRescheduleAppointment,
			Description: "Move one of the patient's appointments to a new start time with the same dentist.",
			Params: []Param{
				{Name: "appointment_id", Type: TypeString, Description: "Appointment id from upcoming_appointments.", Required: true},
				{Name: "new_start", Type: TypeString, Description: "New start time in the clinic time zone, YYYY-MM-DDTHH:MM.", Required: true},
				idempotencyParam,
			},
			Mutating:          true,
			NeedsRegistration: true,
		},
		{
			Name:        ToolCancelAppointment,
			Description: "Cancel one of the patient's appointments.",
			Params: []Param{
				{Name: "appointment_id", Type: TypeString, Description: "Appointment id from upcoming_appointments.", Required: true},
				idempotencyParam,
			},
			Mutating:          true,
			NeedsRegistration: true,
		},
		{
			Name:        ToolUpdatePatientProfile,
			Description: "Save the patient's full name, age and gender. Required before booking.",
			Params: []Param{
				{Name: "name", Type: TypeString, Description: "Full name.", Required: true},
				{Name: "age", Type: TypeInteger, Description: "Age in years.", Required: true, Minimum: intPtr(1), Maximum: intPtr(129)},
				{Name: "gender", Type: TypeString, Description: "Gender.", Required: true, Enum: []string{"male", "female", "other", "Male", "Female", "Other"}},
			},
		},
		{
			Name:        ToolCloseConversation,
			Description: "End the conversation once the patient has nothing else to ask.",
			Params: []Param{
				{Name: "reason", Type: TypeString, Description: "Short reason, for example 'patient said goodbye'.", Required: true},
			},
		},
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}
