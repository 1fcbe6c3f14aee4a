package dispatch

import (
	"context"
	"errors"
	"time"

	"notifyhub/internal/model"
	"notifyhub/internal/report"
)

var ErrInvalid = errors.New("invalid job")

type Config struct {
	BatchSize    int // 0 means 100
	RetryCeiling int // 0 means 10
	Paused       bool
	// BotUsername builds personal referral links for templated jobs.
	BotUsername string
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = 10
	}
	return c
}

// LinkStore issues personal links for templated jobs.
type LinkStore interface {
	GetOrCreateAffiliateLink(ctx context.Context, userID int64, itemType string) (string, error)
	GetInviteLink(ctx context.Context, chatID, userID int64) (string, error)
	SaveInviteLink(ctx context.Context, chatID, userID int64, link string) error
}

type PollStore interface {
	CreatePoll(ctx context.Context, p model.Poll) (model.Poll, error)
	GetPoll(ctx context.Context, id int64) (model.Poll, error)
	PollIDForAnswer(ctx context.Context, answerID int64) (int64, error)
	RecordVote(ctx context.Context, pollID, userID, answerID int64, at time.Time) error
}

// Store is the Delivery Ledger plus the records flavors read.
type Store interface {
	LinkStore
	PollStore

	CreateJob(ctx context.Context, job model.DeliveryJob, recipients []int64) (model.DeliveryJob, int, error)
	AddRecipients(ctx context.Context, jobID int64, recipients []int64) (int, error)
	ListJobs(ctx context.Context, limit int) ([]model.DeliveryJob, error)
	GetJob(ctx context.Context, jobID int64) (model.DeliveryJob, error)
	JobStats(ctx context.Context, jobID int64) (model.JobStats, error)
	PendingRows(ctx context.Context, limit int) ([]model.RecipientRow, error)
	MarkSent(ctx context.Context, rowID int64, ref string) (bool, error)
	MarkFailed(ctx context.Context, rowID int64, retry int, reason string) (bool, error)
	MarkRetry(ctx context.Context, rowID int64, retry int, reason string) (bool, error)
	MarkReported(ctx context.Context, jobID int64) (bool, error)
	ReleaseReported(ctx context.Context, jobID int64) error
	FinishedUnreportedJobs(ctx context.Context, limit int) ([]int64, error)
}

// Reporter is the Completion Reporter.
type Reporter interface {
	Report(ctx context.Context, jobID int64) (report.Summary, error)
}

// RunSummary describes one RunOnce call.
type RunSummary struct {
	Paused   bool    `json:"paused,omitempty"`
	Selected int     `json:"selected"`
	Sent     int     `json:"sent"`
	Failed   int     `json:"failed"`
	Retried  int     `json:"retried"`
	Skipped  int     `json:"skipped"`
	Reported []int64 `json:"reported,omitempty"`
}
