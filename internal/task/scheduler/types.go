package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"notifyhub/internal/eventbus"
	"notifyhub/internal/lease"
	"notifyhub/pkg/logx"
)

type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
}

type OverlapPolicy int

const (
	OverlapSkipIfRunning OverlapPolicy = iota
	OverlapAllow
)

type TaskOptions struct {
	Overlap OverlapPolicy
	// Lease names a cross-process lock held for the whole run. Empty disables it.
	Lease    string
	LeaseTTL time.Duration // 0 means the run timeout, or 5m without one
}

// TypeTaskFinished is published on the event bus after every run.
const TypeTaskFinished = "task.finished"

type TaskEvent struct {
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// RunState tracks whether a schedule is already running.
type RunState struct {
	mu       sync.Mutex
	inflight bool
}

func (s *RunState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		return false
	}
	s.inflight = true
	return true
}

func (s *RunState) release() {
	s.mu.Lock()
	s.inflight = false
	s.mu.Unlock()
}

type scheduleDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     func(ctx context.Context) error
	opt     TaskOptions
	entryID cron.EntryID
	state   *RunState

	smu     sync.Mutex
	runs    int
	skipped int
	lastRun time.Time
	lastErr string
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	bus    eventbus.Bus
	locker lease.Locker

	parser cron.Parser
	c      *cron.Cron
	defs   []*scheduleDef

	runCtx    context.Context
	runCancel context.CancelFunc
	running   sync.WaitGroup
}

type ScheduleInfo struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Next    time.Time `json:"next"`
	Prev    time.Time `json:"prev"`
	Runs    int       `json:"runs"`
	Skipped int       `json:"skipped"`
	LastErr string    `json:"last_error,omitempty"`
}
