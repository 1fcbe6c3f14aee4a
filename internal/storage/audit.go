package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AuditEntry records an operator-visible action (job created, report sent, ...).
type AuditEntry struct {
	At      time.Time
	ActorID int64
	Action  string
	Target  string
	OK      int
	Fail    int
	Err     string
	Meta    map[string]any
}

func (s *Store) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	var meta any
	if len(e.Meta) > 0 {
		b, err := json.Marshal(e.Meta)
		if err != nil {
			return fmt.Errorf("encoding audit meta: %w", err)
		}
		meta = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit (at, actor_id, action, target, ok, fail, err, meta) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.ActorID, e.Action, e.Target, e.OK, e.Fail, nullStr(e.Err), meta)
	if err != nil {
		return fmt.Errorf("appending audit: %w", err)
	}
	return nil
}

// PruneAudit deletes audit entries older than cutoff.
func (s *Store) PruneAudit(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit WHERE at < ?`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("pruning audit: %w", err)
	}
	return res.RowsAffected()
}

// CountAudit returns how many entries carry action.
func (s *Store) CountAudit(ctx context.Context, action string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(1) FROM audit WHERE action = ?`, action); err != nil {
		return 0, fmt.Errorf("counting audit: %w", err)
	}
	return n, nil
}
