package model

import "time"

// Event is the collaborator record a prompt refers to.
type Event struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	OrganizerID  int64     `json:"organizerId"`
	StartAt      time.Time `json:"startAt"`
	EndAt        time.Time `json:"endAt"`
	SecretPhrase string    `json:"-"` // bcrypt hash
	// PasswordFieldID is the custom field that stores a hashed password answer.
	PasswordFieldID int64 `json:"passwordFieldId,omitempty"`
}

// Active reports whether now is within [StartAt, EndAt].
func (e Event) Active(now time.Time) bool {
	return !now.Before(e.StartAt) && !now.After(e.EndAt)
}

type RegistrationStatus string

const (
	RegistrationApproved RegistrationStatus = "approved"
	RegistrationPending  RegistrationStatus = "pending"
	RegistrationRejected RegistrationStatus = "rejected"
)

type Registrant struct {
	EventID int64              `json:"eventId"`
	UserID  int64              `json:"userId"`
	Status  RegistrationStatus `json:"status"`
}

type Poll struct {
	ID       int64        `json:"id"`
	Question string       `json:"question"`
	Deadline *time.Time   `json:"deadline,omitempty"`
	Answers  []PollAnswer `json:"answers"`
}

type PollAnswer struct {
	ID     int64  `json:"id"`
	PollID int64  `json:"pollId"`
	Text   string `json:"text"`
}
