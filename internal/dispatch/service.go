package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"notifyhub/internal/eventbus"
	"notifyhub/internal/model"
	"notifyhub/internal/sender"
	"notifyhub/internal/storage"
	"notifyhub/internal/transport"
	"notifyhub/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config

	store    Store
	out      transport.Sender
	snd      *sender.Sender
	reporter Reporter
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time
}

// New builds the dispatcher. reporter may be nil; finished jobs are then
// stamped reported without sending anything.
func New(cfg Config, store Store, out transport.Sender, snd *sender.Sender, reporter Reporter, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if snd == nil {
		snd = sender.New(sender.Config{})
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		store:    store,
		out:      out,
		snd:      snd,
		reporter: reporter,
		bus:      bus,
		log:      log.With(logx.String("comp", "dispatch")),
		now:      time.Now,
	}
}

// Apply swaps the config. The configured Paused flag replaces any Pause or
// Resume made since.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Pause stops new runs from sending; a run in progress finishes its batch.
func (s *Service) Pause() {
	s.mu.Lock()
	s.cfg.Paused = true
	s.mu.Unlock()
	s.log.Info("dispatch paused")
}

func (s *Service) Resume() {
	s.mu.Lock()
	s.cfg.Paused = false
	s.mu.Unlock()
	s.log.Info("dispatch resumed")
}

func (s *Service) Paused() bool { return s.config().Paused }

// CreateJob validates job and seeds one pending row per distinct recipient.
func (s *Service) CreateJob(ctx context.Context, job model.DeliveryJob, recipients []int64) (model.DeliveryJob, int, error) {
	if job.Kind == "" {
		job.Kind = model.KindBroadcast
	}
	if err := s.validate(ctx, job, recipients); err != nil {
		return job, 0, err
	}
	job.CreatedAt = s.now()
	job.ReportedAt = nil
	job, n, err := s.store.CreateJob(ctx, job, recipients)
	if err != nil {
		return job, 0, err
	}
	s.log.Info("job created",
		logx.Int64("job_id", job.JobID),
		logx.String("kind", string(job.Kind)),
		logx.Bool("templated", job.Templated),
		logx.Int("recipients", n))
	return job, n, nil
}

// CreatePollJob stores the poll, then a poll job pointing at it.
func (s *Service) CreatePollJob(ctx context.Context, createdBy int64, p model.Poll, recipients []int64) (model.DeliveryJob, int, error) {
	if strings.TrimSpace(p.Question) == "" || len(p.Answers) < 2 {
		return model.DeliveryJob{}, 0, fmt.Errorf("%w: a poll needs a question and at least two answers", ErrInvalid)
	}
	if len(recipients) == 0 {
		return model.DeliveryJob{}, 0, fmt.Errorf("%w: no recipients", ErrInvalid)
	}
	p, err := s.store.CreatePoll(ctx, p)
	if err != nil {
		return model.DeliveryJob{}, 0, err
	}
	return s.CreateJob(ctx, model.DeliveryJob{
		CreatedBy: createdBy,
		Kind:      model.KindPoll,
		Title:     p.Question,
		PollID:    p.ID,
	}, recipients)
}

func (s *Service) validate(ctx context.Context, job model.DeliveryJob, recipients []int64) error {
	if len(recipients) == 0 {
		return fmt.Errorf("%w: no recipients", ErrInvalid)
	}
	switch job.Kind {
	case model.KindBroadcast:
		hasSource := job.SourceChatID != 0 && job.SourceMessageID != 0
		if job.Templated {
			if strings.TrimSpace(job.MessageText) == "" {
				return fmt.Errorf("%w: templated job needs message text", ErrInvalid)
			}
			return nil
		}
		if !hasSource {
			return fmt.Errorf("%w: broadcast job needs a source message", ErrInvalid)
		}
	case model.KindPoll:
		if job.PollID == 0 {
			return fmt.Errorf("%w: poll job needs a poll", ErrInvalid)
		}
		if _, err := s.store.GetPoll(ctx, job.PollID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("%w: poll %d not found", ErrInvalid, job.PollID)
			}
			return err
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, job.Kind)
	}
	return nil
}

// AddRecipients enqueues more recipients on a job that has not been
// reported yet. Recipients already on the job are ignored.
func (s *Service) AddRecipients(ctx context.Context, jobID int64, recipients []int64) (int, error) {
	if len(recipients) == 0 {
		return 0, fmt.Errorf("%w: no recipients", ErrInvalid)
	}
	n, err := s.store.AddRecipients(ctx, jobID, recipients)
	if err != nil {
		return 0, err
	}
	s.log.Info("recipients added", logx.Int64("job_id", jobID), logx.Int("recipients", n))
	return n, nil
}

func (s *Service) Stats(ctx context.Context, jobID int64) (model.JobStats, error) {
	return s.store.JobStats(ctx, jobID)
}

func (s *Service) ListJobs(ctx context.Context, limit int) ([]model.DeliveryJob, error) {
	return s.store.ListJobs(ctx, limit)
}

// RunOnce processes one batch sequentially, then reports finished jobs. Rows
// not reached before ctx ends stay pending untouched.
func (s *Service) RunOnce(ctx context.Context) (RunSummary, error) {
	cfg := s.config()
	var sum RunSummary
	if cfg.Paused {
		sum.Paused = true
		s.log.Debug("dispatch paused, skipping run")
		return sum, nil
	}

	rows, err := s.store.PendingRows(ctx, cfg.BatchSize)
	if err != nil {
		return sum, err
	}
	sum.Selected = len(rows)
	if len(rows) > 0 {
		s.log.Debug("dispatch batch selected", logx.Int("rows", len(rows)))
	}

	r := &run{
		svc:  s,
		cfg:  cfg,
		jobs: map[int64]model.DeliveryJob{},
		flavors: map[flavorKey]Flavor{
			flavorCopy:      CopyFlavor{Out: s.out},
			flavorTemplated: TemplatedFlavor{Out: s.out, Links: s.store, BotUsername: cfg.BotUsername, Log: s.log},
			flavorPoll:      &PollFlavor{Out: s.out, Polls: s.store},
		},
	}
	var touched []int64
	seen := map[int64]bool{}
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		if !seen[row.JobID] {
			seen[row.JobID] = true
			touched = append(touched, row.JobID)
		}
		r.process(ctx, row, &sum)
	}
	if ctx.Err() != nil {
		return sum, ctx.Err()
	}

	sum.Reported = s.complete(ctx, touched)
	if sum.Selected > 0 || len(sum.Reported) > 0 {
		s.log.Info("dispatch run finished",
			logx.Int("selected", sum.Selected),
			logx.Int("sent", sum.Sent),
			logx.Int("failed", sum.Failed),
			logx.Int("retried", sum.Retried),
			logx.Int("reported", len(sum.Reported)))
	}
	return sum, nil
}

// complete reports each finished job once. Touched jobs come first; the sweep
// catches jobs finished by a run that stopped before reporting.
func (s *Service) complete(ctx context.Context, touched []int64) []int64 {
	candidates := append([]int64(nil), touched...)
	swept, err := s.store.FinishedUnreportedJobs(ctx, 100)
	if err != nil {
		s.log.Warn("listing unreported jobs failed", logx.Err(err))
	}
	seen := map[int64]bool{}
	for _, id := range touched {
		seen[id] = true
	}
	for _, id := range swept {
		if !seen[id] {
			candidates = append(candidates, id)
		}
	}

	var reported []int64
	for _, id := range candidates {
		ok, err := s.store.MarkReported(ctx, id)
		if err != nil {
			s.log.Warn("marking job reported failed", logx.Int64("job_id", id), logx.Err(err))
			continue
		}
		if !ok {
			continue
		}
		if s.reporter == nil {
			reported = append(reported, id)
			s.log.Info("job finished", logx.Int64("job_id", id))
			continue
		}
		if _, err := s.reporter.Report(ctx, id); err != nil {
			// Report fails before reaching any operator; the sweep retries it.
			s.log.Error("job report failed", logx.Int64("job_id", id), logx.Err(err))
			if err := s.store.ReleaseReported(ctx, id); err != nil {
				s.log.Error("releasing job report failed", logx.Int64("job_id", id), logx.Err(err))
			}
			continue
		}
		reported = append(reported, id)
	}
	return reported
}

type run struct {
	svc     *Service
	cfg     Config
	jobs    map[int64]model.DeliveryJob
	flavors map[flavorKey]Flavor
}

func (r *run) job(ctx context.Context, id int64) (model.DeliveryJob, error) {
	if j, ok := r.jobs[id]; ok {
		return j, nil
	}
	j, err := r.svc.store.GetJob(ctx, id)
	if err != nil {
		return j, err
	}
	r.jobs[id] = j
	return j, nil
}

func (r *run) process(ctx context.Context, row model.RecipientRow, sum *RunSummary) {
	s := r.svc
	log := s.log.With(logx.Int64("job_id", row.JobID), logx.Int64("row_id", row.RowID), logx.Int64("recipient_id", row.RecipientID))
	ceiling := r.cfg.RetryCeiling

	if row.RetryCount >= ceiling {
		r.settle(ctx, log, row, model.RowFailed, row.RetryCount, "retry ceiling reached", "", sum)
		return
	}
	job, err := r.job(ctx, row.JobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			r.settle(ctx, log, row, model.RowFailed, row.RetryCount, "job not found", "", sum)
			return
		}
		log.Warn("loading job failed", logx.Err(err))
		sum.Skipped++
		return
	}

	fl := r.flavors[flavorOf(job)]
	res := s.snd.Send(ctx, func(ctx context.Context) (transport.MessageRef, error) {
		return fl.Send(ctx, job, row.RecipientID)
	})
	switch res.Outcome {
	case sender.OK:
		r.settle(ctx, log, row, model.RowSent, row.RetryCount, "", res.Ref.String(), sum)
	case sender.Permanent:
		r.settle(ctx, log, row, model.RowFailed, row.RetryCount, res.Err.Error(), "", sum)
	default:
		if ctx.Err() != nil {
			// Our own shutdown, not the recipient's fault.
			sum.Skipped++
			return
		}
		if res.RetryAfter > 0 {
			log.Warn("provider throttled, holding sends", logx.Duration("retry_after", res.RetryAfter))
		}
		next := row.RetryCount + 1
		if next >= ceiling {
			r.settle(ctx, log, row, model.RowFailed, ceiling, res.Err.Error(), "", sum)
			return
		}
		r.settle(ctx, log, row, model.RowPending, next, res.Err.Error(), "", sum)
	}
}

func (r *run) settle(ctx context.Context, log logx.Logger, row model.RecipientRow, state model.RowState, retry int, reason, ref string, sum *RunSummary) {
	s := r.svc
	var (
		ok  bool
		err error
	)
	switch state {
	case model.RowSent:
		ok, err = s.store.MarkSent(ctx, row.RowID, ref)
	case model.RowFailed:
		ok, err = s.store.MarkFailed(ctx, row.RowID, retry, reason)
	default:
		ok, err = s.store.MarkRetry(ctx, row.RowID, retry, reason)
	}
	if err != nil {
		log.Error("ledger update failed", logx.String("state", string(state)), logx.Err(err))
		sum.Skipped++
		return
	}
	if !ok {
		log.Debug("row already settled elsewhere")
		sum.Skipped++
		return
	}

	switch state {
	case model.RowSent:
		sum.Sent++
	case model.RowFailed:
		sum.Failed++
		log.Warn("delivery failed", logx.Int("retry", retry), logx.String("error", reason))
	default:
		sum.Retried++
		log.Debug("delivery will be retried", logx.Int("retry", retry), logx.String("error", reason))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchRow, Data: eventbus.DispatchRow{
		JobID:       row.JobID,
		RowID:       row.RowID,
		RecipientID: row.RecipientID,
		State:       string(state),
		RetryCount:  retry,
		Error:       reason,
	}})
}
