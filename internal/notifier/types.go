package notifier

import (
	"context"
	"errors"
	"time"

	"notifyhub/internal/model"
)

var (
	ErrNotOwner     = errors.New("notification belongs to another user")
	ErrInvalidState = errors.New("notification is not in the expected state")
	ErrInvalid      = errors.New("invalid notification")
)

type Config struct {
	// Consume runs the queue consumer on Start.
	Consume bool
	// TimeoutMargin is added to actionTimeout before a READ notification expires.
	TimeoutMargin time.Duration
	// DefaultTTL sets expiresAt when the producer leaves it empty.
	DefaultTTL time.Duration
	// Retention keeps notifications this long past expiresAt.
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.TimeoutMargin <= 0 {
		c.TimeoutMargin = 10 * time.Second
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 24 * time.Hour
	}
	if c.Retention < 0 {
		c.Retention = 0
	}
	return c
}

// Store is the notification persistence the service needs.
type Store interface {
	CreateNotification(ctx context.Context, n model.Notification) (model.Notification, error)
	GetNotification(ctx context.Context, id int64) (model.Notification, error)
	MarkNotificationSent(ctx context.Context, id int64) (bool, error)
	MarkNotificationRead(ctx context.Context, id int64, at time.Time) (bool, error)
	ExpireNotification(ctx context.Context, id int64) (bool, error)
	ExpireRead(ctx context.Context, now time.Time, margin time.Duration) (int64, error)
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// Deliverer fans a payload out to a recipient's live sessions.
type Deliverer interface {
	Deliver(ctx context.Context, recipientID int64, payload any) (int, error)
}

// MaintenanceResult counts what one maintenance run changed.
type MaintenanceResult struct {
	Expired int64
	Deleted int64
}
