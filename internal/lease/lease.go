// Package lease provides a named single-flight lock with an owner and an
// expiry, shared across processes.
package lease

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Lease is a held lock. Release is safe to call more than once.
type Lease struct {
	Name    string
	Token   string
	Expires time.Time

	release func(ctx context.Context) error
}

func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.release == nil {
		return nil
	}
	fn := l.release
	l.release = nil
	return fn(ctx)
}

// Locker hands out leases. ok is false when someone else holds name.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (lease *Lease, ok bool, err error)
}

// newToken identifies one acquisition, so two runs in the same process never
// share a lease.
func newToken(owner string) string {
	if owner == "" {
		return uuid.NewString()
	}
	return owner + ":" + uuid.NewString()
}
