package app

import (
	"context"
	"strconv"
	"time"

	"notifyhub/internal/eventbus"
	"notifyhub/internal/model"
	"notifyhub/internal/storage"
	"notifyhub/internal/task/scheduler"
	"notifyhub/pkg/logx"
)

// auditEntry maps a bus event to the audit row it should leave behind.
// Frequent events (deliveries, sent rows) are not audited.
func auditEntry(e eventbus.Event) (storage.AuditEntry, bool) {
	switch d := e.Data.(type) {
	case eventbus.NotificationReplied:
		return storage.AuditEntry{
			At:      e.Time,
			ActorID: d.UserID,
			Action:  "notification.replied",
			Target:  strconv.FormatInt(d.NotificationID, 10),
			OK:      1,
			Meta:    map[string]any{"type": d.Type},
		}, true
	case eventbus.NotificationUndeliverable:
		return storage.AuditEntry{
			At:     e.Time,
			Action: "notification.undeliverable",
			Target: strconv.FormatInt(d.NotificationID, 10),
			Fail:   1,
			Meta:   map[string]any{"recipient_id": d.RecipientID},
		}, true
	case eventbus.DispatchRow:
		if d.State != string(model.RowFailed) {
			return storage.AuditEntry{}, false
		}
		return storage.AuditEntry{
			At:     e.Time,
			Action: "dispatch.row_failed",
			Target: strconv.FormatInt(d.JobID, 10),
			Fail:   1,
			Err:    d.Error,
			Meta:   map[string]any{"recipient_id": d.RecipientID, "retry_count": d.RetryCount},
		}, true
	case scheduler.TaskEvent:
		if d.Error == "" {
			return storage.AuditEntry{}, false
		}
		return storage.AuditEntry{
			At:     e.Time,
			Action: "task.failed",
			Target: d.Name,
			Fail:   1,
			Err:    d.Error,
			Meta:   map[string]any{"duration_ms": d.Duration.Milliseconds()},
		}, true
	}
	return storage.AuditEntry{}, false
}

// auditLoop persists selected bus events until ctx is done or the
// subscription closes.
func (a *App) auditLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			// Keep this debug-level to avoid noise for frequent schedulers.
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			entry, ok := auditEntry(e)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := a.store.AppendAudit(wctx, entry); err != nil {
				a.log.Warn("audit write failed", logx.String("action", entry.Action), logx.Err(err))
			}
			cancel()
		}
	}
}
