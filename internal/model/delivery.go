package model

import "time"

type JobKind string

const (
	KindBroadcast JobKind = "broadcast"
	KindPoll      JobKind = "poll"
)

// DeliveryJob is an immutable bulk send (broadcast or poll).
type DeliveryJob struct {
	JobID     int64   `json:"jobId"`
	CreatedBy int64   `json:"createdBy"`
	Kind      JobKind `json:"kind"`
	Title     string  `json:"title"`

	// SourceChatID/SourceMessageID point at the pre-authored message (copy flavor).
	SourceChatID    int64 `json:"sourceChatId"`
	SourceMessageID int   `json:"sourceMessageId"`

	// Templated jobs carry MessageText with placeholders substituted per recipient.
	Templated   bool   `json:"templated"`
	MessageText string `json:"messageText,omitempty"`

	PollID int64 `json:"pollId,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	ReportedAt *time.Time `json:"reportedAt,omitempty"`
}

type RowState string

const (
	RowPending RowState = "pending"
	RowSent    RowState = "sent"
	RowFailed  RowState = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s RowState) Terminal() bool { return s == RowSent || s == RowFailed }

// RecipientRow is one Delivery Ledger entry.
type RecipientRow struct {
	RowID          int64     `json:"rowId"`
	JobID          int64     `json:"jobId"`
	RecipientID    int64     `json:"recipientId"`
	State          RowState  `json:"state"`
	RetryCount     int       `json:"retryCount"`
	LastError      string    `json:"lastError,omitempty"`
	SentMessageRef string    `json:"sentMessageRef,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// JobStats summarizes ledger rows for a job.
type JobStats struct {
	JobID      int64      `json:"jobId"`
	Pending    int        `json:"pending"`
	Sent       int        `json:"sent"`
	Failed     int        `json:"failed"`
	ReportedAt *time.Time `json:"reportedAt,omitempty"`
}

func (s JobStats) Total() int { return s.Pending + s.Sent + s.Failed }

// Failure is one line of the error manifest.
type Failure struct {
	RecipientID int64  `json:"recipientId"`
	Error       string `json:"error"`
}
