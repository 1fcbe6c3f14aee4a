// Package report is the Completion Reporter: once a job has no pending rows
// it tells every operator how it went, attaching a manifest of failures.
package report

import (
	"context"
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

type Config struct {
	Operators []int64
	// Format is "csv" (default) or "xlsx".
	Format string
}

type Store interface {
	GetJob(ctx context.Context, jobID int64) (model.DeliveryJob, error)
	JobStats(ctx context.Context, jobID int64) (model.JobStats, error)
	Failures(ctx context.Context, jobID int64) ([]model.Failure, error)
	GetPoll(ctx context.Context, id int64) (model.Poll, error)
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Summary struct {
	JobID         int64  `json:"jobId"`
	Sent          int    `json:"sent"`
	Failed        int    `json:"failed"`
	OperatorsOK   int    `json:"operatorsOk"`
	OperatorsFail int    `json:"operatorsFail"`
	Manifest      string `json:"manifest,omitempty"`
}

type Reporter struct {
	mu    sync.Mutex
	cfg   Config
	store Store
	out   transport.Sender
	snd   *sender.Sender
	bus   eventbus.Bus
	log   logx.Logger
}

func New(cfg Config, store Store, out transport.Sender, snd *sender.Sender, bus eventbus.Bus, log logx.Logger) *Reporter {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if snd == nil {
		snd = sender.New(sender.Config{})
	}
	return &Reporter{cfg: cfg, store: store, out: out, snd: snd, bus: bus, log: log.With(logx.String("comp", "report"))}
}

// Apply swaps operators and manifest format; a report in progress keeps the old ones.
func (r *Reporter) Apply(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

func (r *Reporter) config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Report sends the job summary to every operator. Failing to reach an
// operator is counted in the summary, never returned; an error means the job
// itself could not be read.
func (r *Reporter) Report(ctx context.Context, jobID int64) (Summary, error) {
	start := time.Now()
	cfg := r.config()
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return Summary{}, err
	}
	stats, err := r.store.JobStats(ctx, jobID)
	if err != nil {
		return Summary{}, err
	}
	failures, err := r.store.Failures(ctx, jobID)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{JobID: jobID, Sent: stats.Sent, Failed: stats.Failed}

	var doc *transport.Document
	if len(failures) > 0 {
		d, err := BuildManifest(cfg.Format, jobID, failures)
		if err != nil {
			r.log.Error("building manifest failed", logx.Int64("job_id", jobID), logx.Err(err))
		} else {
			doc = &d
			sum.Manifest = d.FileName
		}
	}

	original := r.original(ctx, job)
	text := summaryText(job, stats)
	for _, op := range cfg.Operators {
		if r.notify(ctx, op, job, original, text, doc) {
			sum.OperatorsOK++
		} else {
			sum.OperatorsFail++
		}
	}

	fields := []logx.Field{
		logx.Int64("job_id", jobID),
		logx.Int("sent", sum.Sent),
		logx.Int("failed", sum.Failed),
		logx.Int("operators_ok", sum.OperatorsOK),
		logx.Int("operators_fail", sum.OperatorsFail),
		logx.Duration("took", time.Since(start)),
	}
	if sum.OperatorsFail > 0 {
		r.log.Warn("job reported with operator failures", fields...)
	} else {
		r.log.Info("job reported", fields...)
	}

	r.bus.Publish(eventbus.Event{Type: eventbus.TypeJobReported, Data: eventbus.JobReported{
		JobID:         jobID,
		Sent:          sum.Sent,
		Failed:        sum.Failed,
		OperatorsOK:   sum.OperatorsOK,
		OperatorsFail: sum.OperatorsFail,
	}})
	if err := r.store.AppendAudit(ctx, storage.AuditEntry{
		ActorID: job.CreatedBy,
		Action:  "job.reported",
		Target:  fmt.Sprintf("job:%d", jobID),
		OK:      sum.Sent,
		Fail:    sum.Failed,
		Meta:    map[string]any{"operators_ok": sum.OperatorsOK, "operators_fail": sum.OperatorsFail},
	}); err != nil {
		r.log.Warn("audit append failed", logx.Int64("job_id", jobID), logx.Err(err))
	}
	return sum, nil
}

// original is the text replayed for jobs that have no source message to copy.
func (r *Reporter) original(ctx context.Context, job model.DeliveryJob) string {
	switch {
	case job.Kind == model.KindPoll:
		p, err := r.store.GetPoll(ctx, job.PollID)
		if err != nil {
			return fmt.Sprintf("Poll #%d", job.PollID)
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Poll: %s", p.Question)
		for _, a := range p.Answers {
			fmt.Fprintf(&b, "\n- %s", a.Text)
		}
		return b.String()
	case job.Templated:
		return job.MessageText
	}
	return ""
}

func (r *Reporter) notify(ctx context.Context, op int64, job model.DeliveryJob, original, text string, doc *transport.Document) bool {
	to := transport.ChatTarget{ChatID: op}
	log := r.log.With(logx.Int64("operator", op), logx.Int64("job_id", job.JobID))
	ok := true
	send := func(what string, fn sender.SendFunc) {
		if res := r.snd.Send(ctx, fn); res.Err != nil {
			ok = false
			log.Warn("operator send failed", logx.String("what", what), logx.Err(res.Err))
		}
	}

	if job.SourceMessageID != 0 {
		src := transport.MessageRef{ChatID: job.SourceChatID, MessageID: job.SourceMessageID}
		send("original", func(ctx context.Context) (transport.MessageRef, error) {
			return r.out.CopyMessage(ctx, to, src, &transport.CopyOptions{Caption: "Original broadcasted message."})
		})
	} else if original != "" {
		send("original", func(ctx context.Context) (transport.MessageRef, error) {
			return r.out.SendText(ctx, to, "Original broadcasted message:\n\n"+original, nil)
		})
	}
	send("summary", func(ctx context.Context) (transport.MessageRef, error) {
		return r.out.SendText(ctx, to, text, nil)
	})
	if doc != nil {
		send("manifest", func(ctx context.Context) (transport.MessageRef, error) {
			return r.out.SendDocument(ctx, to, *doc, nil)
		})
	}
	return ok
}

func summaryText(job model.DeliveryJob, st model.JobStats) string {
	kind := "Broadcast"
	if job.Kind == model.KindPoll {
		kind = "Poll"
	}
	head := fmt.Sprintf("%s #%d finished.", kind, job.JobID)
	if t := strings.TrimSpace(job.Title); t != "" {
		head = fmt.Sprintf("%s #%d (%s) finished.", kind, job.JobID, t)
	}
	return fmt.Sprintf("%s\n- Success: %d\n- Errors: %d", head, st.Sent, st.Failed)
}
