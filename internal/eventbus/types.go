package eventbus

// Delivery pipeline event types.
const (
	TypeNotificationDelivered     = "notification.delivered"
	TypeNotificationUndeliverable = "notification.undeliverable"
	TypeNotificationReplied       = "notification.replied"
	TypeDispatchRow               = "dispatch.row"
	TypeJobReported               = "job.reported"
)

// NotificationDelivered is published after a live fan-out.
type NotificationDelivered struct {
	NotificationID int64 `json:"notification_id"`
	RecipientID    int64 `json:"recipient_id"`
	Sessions       int   `json:"sessions"`
}

// NotificationUndeliverable is published when no live session was found.
type NotificationUndeliverable struct {
	NotificationID int64 `json:"notification_id"`
	RecipientID    int64 `json:"recipient_id"`
}

type NotificationReplied struct {
	NotificationID int64  `json:"notification_id"`
	UserID         int64  `json:"user_id"`
	Type           string `json:"type"`
}

// DispatchRow is published for every ledger row a dispatch run touches.
type DispatchRow struct {
	JobID       int64  `json:"job_id"`
	RowID       int64  `json:"row_id"`
	RecipientID int64  `json:"recipient_id"`
	State       string `json:"state"`
	RetryCount  int    `json:"retry_count"`
	Error       string `json:"error,omitempty"`
}

type JobReported struct {
	JobID         int64 `json:"job_id"`
	Sent          int   `json:"sent"`
	Failed        int   `json:"failed"`
	OperatorsOK   int   `json:"operators_ok"`
	OperatorsFail int   `json:"operators_fail"`
}
