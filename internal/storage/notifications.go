package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"notifyhub/internal/model"
)

type notificationRow struct {
	ID             int64          `db:"id"`
	OwnerUserID    int64          `db:"owner_user_id"`
	Type           string         `db:"type"`
	ItemType       string         `db:"item_type"`
	ItemID         int64          `db:"item_id"`
	Title          string         `db:"title"`
	Description    string         `db:"description"`
	AdditionalData sql.NullString `db:"additional_data"`
	Priority       int            `db:"priority"`
	ActionTimeout  int            `db:"action_timeout"`
	Status         string         `db:"status"`
	ReplyAnswer    sql.NullString `db:"reply_answer"`
	Attempts       int            `db:"attempts"`
	ReadAt         sql.NullInt64  `db:"read_at"`
	CreatedAt      int64          `db:"created_at"`
	ExpiresAt      int64          `db:"expires_at"`
}

func (r notificationRow) model() (model.Notification, error) {
	n := model.Notification{
		ID:            r.ID,
		OwnerUserID:   r.OwnerUserID,
		Type:          model.NotificationType(r.Type),
		ItemType:      model.ItemType(r.ItemType),
		ItemID:        r.ItemID,
		Title:         r.Title,
		Description:   r.Description,
		Priority:      r.Priority,
		ActionTimeout: r.ActionTimeout,
		Status:        model.NotificationStatus(r.Status),
		ReplyAnswer:   r.ReplyAnswer.String,
		Attempts:      r.Attempts,
		ReadAt:        fromNullMillis(r.ReadAt),
		CreatedAt:     fromMillis(r.CreatedAt),
		ExpiresAt:     fromMillis(r.ExpiresAt),
	}
	if r.AdditionalData.Valid && r.AdditionalData.String != "" {
		if err := json.Unmarshal([]byte(r.AdditionalData.String), &n.AdditionalData); err != nil {
			return n, fmt.Errorf("decoding additional data: %w", err)
		}
	}
	return n, nil
}

// CreateNotification stores n as WAITING_TO_SEND and returns it with its id.
func (s *Store) CreateNotification(ctx context.Context, n model.Notification) (model.Notification, error) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	if n.ItemType == "" {
		n.ItemType = model.ItemUnknown
	}
	n.Status = model.StatusWaitingToSend
	var data any
	if len(n.AdditionalData) > 0 {
		b, err := json.Marshal(n.AdditionalData)
		if err != nil {
			return n, fmt.Errorf("encoding additional data: %w", err)
		}
		data = string(b)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (owner_user_id, type, item_type, item_id, title, description, additional_data,
			priority, action_timeout, status, attempts, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		n.OwnerUserID, string(n.Type), string(n.ItemType), n.ItemID, n.Title, n.Description, data,
		n.Priority, n.ActionTimeout, string(n.Status), toMillis(n.CreatedAt), toMillis(n.ExpiresAt))
	if err != nil {
		return n, fmt.Errorf("creating notification: %w", err)
	}
	if n.ID, err = res.LastInsertId(); err != nil {
		return n, fmt.Errorf("reading notification id: %w", err)
	}
	return n, nil
}

func (s *Store) GetNotification(ctx context.Context, id int64) (model.Notification, error) {
	var r notificationRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM notifications WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Notification{}, ErrNotFound
	}
	if err != nil {
		return model.Notification{}, fmt.Errorf("loading notification: %w", err)
	}
	return r.model()
}

// MarkNotificationSent moves WAITING_TO_SEND to SENT.
func (s *Store) MarkNotificationSent(ctx context.Context, id int64) (bool, error) {
	ok, err := changed(s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ? WHERE id = ? AND status = ?`,
		string(model.StatusSent), id, string(model.StatusWaitingToSend)))
	if err != nil {
		return false, fmt.Errorf("marking notification sent: %w", err)
	}
	return ok, nil
}

// MarkNotificationRead moves SENT to READ and records readAt.
func (s *Store) MarkNotificationRead(ctx context.Context, id int64, at time.Time) (bool, error) {
	ok, err := changed(s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ?, read_at = ? WHERE id = ? AND status = ?`,
		string(model.StatusRead), toMillis(at), id, string(model.StatusSent)))
	if err != nil {
		return false, fmt.Errorf("marking notification read: %w", err)
	}
	return ok, nil
}

// MarkNotificationReplied moves READ to REPLIED and stores the answer.
func (s *Store) MarkNotificationReplied(ctx context.Context, id int64, answer string) (bool, error) {
	ok, err := changed(s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ?, reply_answer = ? WHERE id = ? AND status = ?`,
		string(model.StatusReplied), nullStr(answer), id, string(model.StatusRead)))
	if err != nil {
		return false, fmt.Errorf("marking notification replied: %w", err)
	}
	return ok, nil
}

// IncrementAttempts bumps the password attempt counter and returns the new value.
func (s *Store) IncrementAttempts(ctx context.Context, id int64) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE notifications SET attempts = attempts + 1 WHERE id = ?`, id); err != nil {
		return 0, fmt.Errorf("incrementing attempts: %w", err)
	}
	var n int
	if err := tx.GetContext(ctx, &n, `SELECT attempts FROM notifications WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("reading attempts: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing attempts: %w", err)
	}
	return n, nil
}

// ExpireNotification moves any non-terminal notification to EXPIRED.
func (s *Store) ExpireNotification(ctx context.Context, id int64) (bool, error) {
	ok, err := changed(s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ? WHERE id = ? AND status IN (?, ?, ?)`,
		string(model.StatusExpired), id,
		string(model.StatusWaitingToSend), string(model.StatusSent), string(model.StatusRead)))
	if err != nil {
		return false, fmt.Errorf("expiring notification: %w", err)
	}
	return ok, nil
}

// ExpireRead moves READ notifications past their reply deadline, and any
// non-terminal notification past expires_at, to EXPIRED.
func (s *Store) ExpireRead(ctx context.Context, now time.Time, margin time.Duration) (int64, error) {
	nowMs := toMillis(now)
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET status = ?
		WHERE (status = ? AND read_at IS NOT NULL AND read_at + action_timeout * 1000 + ? < ?)
		   OR (status IN (?, ?, ?) AND expires_at > 0 AND expires_at < ?)`,
		string(model.StatusExpired),
		string(model.StatusRead), margin.Milliseconds(), nowMs,
		string(model.StatusWaitingToSend), string(model.StatusSent), string(model.StatusRead), nowMs)
	if err != nil {
		return 0, fmt.Errorf("expiring stale notifications: %w", err)
	}
	return res.RowsAffected()
}

// DeleteExpired removes notifications whose expires_at is before cutoff.
func (s *Store) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE expires_at > 0 AND expires_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("deleting notifications: %w", err)
	}
	return res.RowsAffected()
}
