package lease

import (
	"context"
	"time"
)

// Store is the leases table (internal/storage).
type Store interface {
	AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, owner string) error
}

// SQLLocker takes over a lease only after it expired.
type SQLLocker struct {
	store Store
	owner string
	now   func() time.Time
}

var _ Locker = (*SQLLocker)(nil)

func NewSQLLocker(store Store, owner string) *SQLLocker {
	return &SQLLocker{store: store, owner: owner, now: time.Now}
}

func (l *SQLLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, bool, error) {
	token := newToken(l.owner)
	ok, err := l.store.AcquireLease(ctx, name, token, ttl)
	if err != nil || !ok {
		return nil, false, err
	}
	return &Lease{
		Name:    name,
		Token:   token,
		Expires: l.now().Add(ttl),
		release: func(ctx context.Context) error {
			return l.store.ReleaseLease(ctx, name, token)
		},
	}, true, nil
}
