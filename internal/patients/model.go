package patients

import (
	"strings"
	"time"
)

// PlaceholderName marks a patient created from a first message who has not
// told us who they are yet.
const PlaceholderName = "New Patient"

// Patient is the clinic record linked 1:1 to a conversation key.
type Patient struct {
	ID              string     `json:"id"`
	ConversationKey string     `json:"conversation_key"`
	Name            string     `json:"name"`
	Age             int        `json:"age,omitempty"`
	Gender          string     `json:"gender,omitempty"`
	RegisteredAt    *time.Time `json:"registered_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Registered reports whether the patient completed their profile.
func (p Patient) Registered() bool {
	return p.RegisteredAt != nil
}

// ProfileUpdate completes or corrects a patient's registration details.
type ProfileUpdate struct {
	Name   string `json:"name"`
	Age    int    `json:"age"`
	Gender string `json:"gender"`
}

// Normalize trims the fields and lower-cases gender.
func (u *ProfileUpdate) Normalize() {
	u.Name = strings.Join(strings.Fields(u.Name), " ")
	u.Gender = strings.ToLower(strings.TrimSpace(u.Gender))
}

// Validate checks a normalized update.
func (u *ProfileUpdate) Validate() error {
	if u.Name == "" || strings.EqualFold(u.Name, PlaceholderName) {
		return ErrInvalidName
	}
	if u.Age <= 0 || u.Age >= 130 {
		return ErrInvalidAge
	}
	switch u.Gender {
	case "male", "female", "other":
	default:
		return ErrInvalidGender
	}
	return nil
}

func applyUpdate(p *Patient, u ProfileUpdate, now time.Time) {
	p.Name = u.Name
	p.Age = u.Age
	p.Gender = u.Gender
	p.UpdatedAt = now
	if p.RegisteredAt == nil {
		registered := now
		p.RegisteredAt = &registered
	}
}
