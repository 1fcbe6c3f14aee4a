package reply

import (
	"context"
	"time"

	"notifyhub/internal/model"
)

type Status string

const (
	StatusSuccess               Status = "success"
	StatusError                 Status = "error"
	StatusPasswordError         Status = "password_error"
	StatusPasswordAttemptsError Status = "password_attempts_error"
)

// Result is what the replying client sees. Messages are short and never carry
// internal error detail.
type Result struct {
	Status  Status `json:"status"`
	Message string `json:"message"`
}

func (r Result) OK() bool { return r.Status == StatusSuccess }

func fail(msg string) Result { return Result{Status: StatusError, Message: msg} }

// Request is the notification_reply event body.
type Request struct {
	NotificationID int64                  `json:"notificationId"`
	Answer         string                 `json:"answer"`
	Type           model.NotificationType `json:"type,omitempty"`
}

type Config struct {
	// TimeoutMargin is added to actionTimeout when checking the reply window.
	TimeoutMargin time.Duration
	// PasswordInfix is the constant part of the day-derived fallback key.
	PasswordInfix       string
	MaxPasswordAttempts int
	// Location derives the fallback key's day and month. nil means UTC.
	Location   *time.Location
	BcryptCost int
}

func (c Config) withDefaults() Config {
	if c.TimeoutMargin <= 0 {
		c.TimeoutMargin = 10 * time.Second
	}
	if c.PasswordInfix == "" {
		c.PasswordInfix = "Key"
	}
	if c.MaxPasswordAttempts <= 0 {
		c.MaxPasswordAttempts = 3
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.BcryptCost <= 0 {
		c.BcryptCost = 10
	}
	return c
}

// Store is the persistence the validator reads and writes.
type Store interface {
	GetNotification(ctx context.Context, id int64) (model.Notification, error)
	MarkNotificationReplied(ctx context.Context, id int64, answer string) (bool, error)
	IncrementAttempts(ctx context.Context, id int64) (int, error)
	GetEvent(ctx context.Context, id int64) (model.Event, error)
	GetRegistrant(ctx context.Context, eventID, userID int64) (model.Registrant, error)
	SaveFieldAnswer(ctx context.Context, eventID, userID, fieldID int64, value string) error
}

// Escalator creates follow-up notifications (the notifier service).
type Escalator interface {
	Create(ctx context.Context, n model.Notification) (model.Notification, error)
}
