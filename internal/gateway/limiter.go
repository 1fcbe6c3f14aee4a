package gateway

import (
	"context"
	"sync"
	"time"
)

// Limiter is a fixed-window counter of inbound events per recipient.
type Limiter interface {
	Allow(ctx context.Context, recipientID int64) (bool, error)
}

type windowCount struct {
	start time.Time
	n     int
}

// MemoryLimiter counts in process. limit <= 0 allows everything.
type MemoryLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	counts map[int64]*windowCount
}

func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	if window <= 0 {
		window = 10 * time.Second
	}
	return &MemoryLimiter{limit: limit, window: window, now: time.Now, counts: map[int64]*windowCount{}}
}

func (l *MemoryLimiter) Allow(_ context.Context, recipientID int64) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	wc := l.counts[recipientID]
	if wc == nil || now.Sub(wc.start) >= l.window {
		wc = &windowCount{start: now}
		l.counts[recipientID] = wc
		l.pruneLocked(now)
	}
	wc.n++
	return wc.n <= l.limit, nil
}

func (l *MemoryLimiter) pruneLocked(now time.Time) {
	if len(l.counts) < 1024 {
		return
	}
	for id, wc := range l.counts {
		if now.Sub(wc.start) >= l.window {
			delete(l.counts, id)
		}
	}
}
