// Package sender performs single outbound sends at a paced rate and
// classifies their outcome.
package sender

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"notifyhub/internal/transport"
)

type Outcome int

const (
	OK Outcome = iota
	// Permanent failures are never retried (blocked or unreachable recipient).
	Permanent
	// Transient failures may succeed later (throttling, network).
	Transient
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Permanent:
		return "permanent"
	case Transient:
		return "transient"
	}
	return "unknown"
}

type Config struct {
	// MinInterval is the minimum delay between two sends. 0 means 100ms.
	MinInterval time.Duration
	// MaxHold caps how long a provider throttle hint pauses sending. 0 means 1m.
	MaxHold time.Duration
}

type Result struct {
	Outcome Outcome
	Ref     transport.MessageRef
	Err     error
	// RetryAfter is the provider's throttle hint, if any.
	RetryAfter time.Duration
}

// SendFunc is one provider call.
type SendFunc func(ctx context.Context) (transport.MessageRef, error)

// Sender paces sends through a burst-1 limiter so consecutive sends are at
// least MinInterval apart. A throttle hint from the provider holds every
// later send until it has passed.
type Sender struct {
	mu        sync.Mutex
	limiter   *rate.Limiter
	every     time.Duration
	maxHold   time.Duration
	holdUntil time.Time
}

func New(cfg Config) *Sender {
	s := &Sender{}
	s.Apply(cfg)
	return s
}

// Apply changes the pacing; in-flight waits keep the old limiter.
func (s *Sender) Apply(cfg Config) {
	every := cfg.MinInterval
	if every <= 0 {
		every = 100 * time.Millisecond
	}
	maxHold := cfg.MaxHold
	if maxHold <= 0 {
		maxHold = time.Minute
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxHold = maxHold
	if s.limiter != nil && every == s.every {
		return
	}
	s.every = every
	s.limiter = rate.NewLimiter(rate.Every(every), 1)
}

func (s *Sender) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.every
}

// Send waits for a pacing slot, runs fn and classifies the result. A canceled
// ctx while waiting yields a Transient result carrying ctx.Err().
func (s *Sender) Send(ctx context.Context, fn SendFunc) Result {
	s.mu.Lock()
	lim := s.limiter
	until := s.holdUntil
	s.mu.Unlock()

	if err := sleepUntil(ctx, until); err != nil {
		return Result{Outcome: Transient, Err: err}
	}
	if err := lim.Wait(ctx); err != nil {
		return Result{Outcome: Transient, Err: err}
	}
	ref, err := fn(ctx)
	if err == nil {
		return Result{Outcome: OK, Ref: ref}
	}
	res := Result{Outcome: Classify(err), Err: err}
	if pe, ok := transport.AsError(err); ok && pe.RetryAfter > 0 {
		res.RetryAfter = pe.RetryAfter
		s.hold(pe.RetryAfter)
	}
	return res
}

func (s *Sender) hold(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > s.maxHold {
		d = s.maxHold
	}
	if until := time.Now().Add(d); until.After(s.holdUntil) {
		s.holdUntil = until
	}
}

func sleepUntil(ctx context.Context, until time.Time) error {
	d := time.Until(until)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }

// NoRetry marks err as Permanent regardless of its text.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

var permanentMarkers = []string{
	"forbidden",
	"blocked",
	"deactivated",
	"chat not found",
	"user not found",
	"peer_id_invalid",
	"bot can't initiate",
}

// Classify maps a send error to an Outcome. Unknown errors are Transient so
// the retry ceiling decides.
func Classify(err error) Outcome {
	if err == nil {
		return OK
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var nr noRetryError
	if errors.As(err, &nr) {
		return Permanent
	}
	if pe, ok := transport.AsError(err); ok {
		switch {
		case pe.Code == 403:
			return Permanent
		case pe.Code == 429, pe.Code >= 500:
			return Transient
		case pe.Code == 400 && hasPermanentMarker(pe.Description):
			return Permanent
		}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return Transient
	}
	if hasPermanentMarker(err.Error()) {
		return Permanent
	}
	return Transient
}

func hasPermanentMarker(s string) bool {
	s = strings.ToLower(s)
	for _, m := range permanentMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
