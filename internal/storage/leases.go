package storage

import (
	"context"
	"fmt"
	"time"
)

// AcquireLease takes or renews the named lease for owner until now+ttl.
// It fails (false) while another owner holds an unexpired lease.
func (s *Store) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	ok, err := changed(s.db.ExecContext(ctx, `
		INSERT INTO leases (name, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE leases.expires_at < ? OR leases.owner = excluded.owner`,
		name, owner, toMillis(now.Add(ttl)), toMillis(now)))
	if err != nil {
		return false, fmt.Errorf("acquiring lease %s: %w", name, err)
	}
	return ok, nil
}

// ReleaseLease drops the lease if owner still holds it.
func (s *Store) ReleaseLease(ctx context.Context, name, owner string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND owner = ?`, name, owner); err != nil {
		return fmt.Errorf("releasing lease %s: %w", name, err)
	}
	return nil
}
