package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"notifyhub/internal/model"
)

// insertChunk bounds how many recipient rows share one prepared statement
// run inside a single transaction.
const insertChunk = 5000

type jobRow struct {
	JobID           int64         `db:"job_id"`
	CreatedBy       int64         `db:"created_by"`
	Kind            string        `db:"kind"`
	Title           string        `db:"title"`
	SourceChatID    int64         `db:"source_chat_id"`
	SourceMessageID int           `db:"source_message_id"`
	Templated       int           `db:"templated"`
	MessageText     string        `db:"message_text"`
	PollID          int64         `db:"poll_id"`
	CreatedAt       int64         `db:"created_at"`
	ReportedAt      sql.NullInt64 `db:"reported_at"`
}

func (r jobRow) model() model.DeliveryJob {
	return model.DeliveryJob{
		JobID:           r.JobID,
		CreatedBy:       r.CreatedBy,
		Kind:            model.JobKind(r.Kind),
		Title:           r.Title,
		SourceChatID:    r.SourceChatID,
		SourceMessageID: r.SourceMessageID,
		Templated:       r.Templated != 0,
		MessageText:     r.MessageText,
		PollID:          r.PollID,
		CreatedAt:       fromMillis(r.CreatedAt),
		ReportedAt:      fromNullMillis(r.ReportedAt),
	}
}

type recipientRow struct {
	RowID          int64          `db:"row_id"`
	JobID          int64          `db:"job_id"`
	RecipientID    int64          `db:"recipient_id"`
	State          string         `db:"state"`
	RetryCount     int            `db:"retry_count"`
	LastError      sql.NullString `db:"last_error"`
	SentMessageRef sql.NullString `db:"sent_message_ref"`
	UpdatedAt      int64          `db:"updated_at"`
}

func (r recipientRow) model() model.RecipientRow {
	return model.RecipientRow{
		RowID:          r.RowID,
		JobID:          r.JobID,
		RecipientID:    r.RecipientID,
		State:          model.RowState(r.State),
		RetryCount:     r.RetryCount,
		LastError:      r.LastError.String,
		SentMessageRef: r.SentMessageRef.String,
		UpdatedAt:      fromMillis(r.UpdatedAt),
	}
}

// CreateJob stores the job and one pending row per distinct recipient in a
// single transaction. Duplicate recipients are ignored; inserted is the number
// of rows actually created.
func (s *Store) CreateJob(ctx context.Context, job model.DeliveryJob, recipients []int64) (model.DeliveryJob, int, error) {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return job, 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO delivery_jobs (created_by, kind, title, source_chat_id, source_message_id, templated, message_text, poll_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.CreatedBy, string(job.Kind), job.Title, job.SourceChatID, job.SourceMessageID,
		boolToInt(job.Templated), job.MessageText, job.PollID, toMillis(job.CreatedAt))
	if err != nil {
		return job, 0, fmt.Errorf("creating job: %w", err)
	}
	if job.JobID, err = res.LastInsertId(); err != nil {
		return job, 0, fmt.Errorf("reading job id: %w", err)
	}

	inserted, err := insertRecipients(ctx, tx, job.JobID, recipients, toMillis(job.CreatedAt))
	if err != nil {
		return job, 0, err
	}
	if err := tx.Commit(); err != nil {
		return job, 0, fmt.Errorf("committing job: %w", err)
	}
	return job, inserted, nil
}

// AddRecipients appends pending rows to an existing job. A job that was
// already reported is closed and yields ErrJobReported.
func (s *Store) AddRecipients(ctx context.Context, jobID int64, recipients []int64) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var reportedAt sql.NullInt64
	err = tx.GetContext(ctx, &reportedAt, `SELECT reported_at FROM delivery_jobs WHERE job_id = ?`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("checking job: %w", err)
	}
	if reportedAt.Valid {
		return 0, ErrJobReported
	}
	n, err := insertRecipients(ctx, tx, jobID, recipients, toMillis(s.now()))
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing recipients: %w", err)
	}
	return n, nil
}

type execPreparer interface {
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

func insertRecipients(ctx context.Context, tx execPreparer, jobID int64, recipients []int64, nowMs int64) (int, error) {
	inserted := 0
	for start := 0; start < len(recipients); start += insertChunk {
		end := min(start+insertChunk, len(recipients))
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO delivery_recipients (job_id, recipient_id, state, retry_count, updated_at)
			VALUES (?, ?, 'pending', 0, ?)`)
		if err != nil {
			return inserted, fmt.Errorf("preparing recipient insert: %w", err)
		}
		for _, rid := range recipients[start:end] {
			res, err := stmt.ExecContext(ctx, jobID, rid, nowMs)
			if err != nil {
				_ = stmt.Close()
				return inserted, fmt.Errorf("inserting recipient %d: %w", rid, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
		_ = stmt.Close()
	}
	return inserted, nil
}

func (s *Store) GetJob(ctx context.Context, jobID int64) (model.DeliveryJob, error) {
	var r jobRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM delivery_jobs WHERE job_id = ?`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DeliveryJob{}, ErrNotFound
	}
	if err != nil {
		return model.DeliveryJob{}, fmt.Errorf("loading job: %w", err)
	}
	return r.model(), nil
}

// ListJobs returns the most recent jobs first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]model.DeliveryJob, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM delivery_jobs ORDER BY job_id DESC LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	out := make([]model.DeliveryJob, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (s *Store) GetRow(ctx context.Context, rowID int64) (model.RecipientRow, error) {
	var r recipientRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM delivery_recipients WHERE row_id = ?`, rowID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RecipientRow{}, ErrNotFound
	}
	if err != nil {
		return model.RecipientRow{}, fmt.Errorf("loading row: %w", err)
	}
	return r.model(), nil
}

// PendingRows returns up to limit pending rows across all jobs, oldest first.
func (s *Store) PendingRows(ctx context.Context, limit int) ([]model.RecipientRow, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []recipientRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM delivery_recipients WHERE state = 'pending' ORDER BY row_id LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("selecting pending rows: %w", err)
	}
	out := make([]model.RecipientRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// MarkSent moves a pending row to sent. ok is false when the row was not
// pending anymore.
func (s *Store) MarkSent(ctx context.Context, rowID int64, ref string) (bool, error) {
	ok, err := changed(s.db.ExecContext(ctx, `
		UPDATE delivery_recipients
		SET state = 'sent', sent_message_ref = ?, last_error = NULL, updated_at = ?
		WHERE row_id = ? AND state = 'pending'`,
		nullStr(ref), toMillis(s.now()), rowID))
	if err != nil {
		return false, fmt.Errorf("marking row sent: %w", err)
	}
	return ok, nil
}

// MarkFailed moves a pending row to failed. retry never decreases.
func (s *Store) MarkFailed(ctx context.Context, rowID int64, retry int, reason string) (bool, error) {
	ok, err := changed(s.db.ExecContext(ctx, `
		UPDATE delivery_recipients
		SET state = 'failed', retry_count = MAX(retry_count, ?), last_error = ?, updated_at = ?
		WHERE row_id = ? AND state = 'pending'`,
		retry, nullStr(reason), toMillis(s.now()), rowID))
	if err != nil {
		return false, fmt.Errorf("marking row failed: %w", err)
	}
	return ok, nil
}

// MarkRetry keeps the row pending with a higher retry count.
func (s *Store) MarkRetry(ctx context.Context, rowID int64, retry int, reason string) (bool, error) {
	ok, err := changed(s.db.ExecContext(ctx, `
		UPDATE delivery_recipients
		SET retry_count = MAX(retry_count, ?), last_error = ?, updated_at = ?
		WHERE row_id = ? AND state = 'pending'`,
		retry, nullStr(reason), toMillis(s.now()), rowID))
	if err != nil {
		return false, fmt.Errorf("marking row for retry: %w", err)
	}
	return ok, nil
}

func (s *Store) JobStats(ctx context.Context, jobID int64) (model.JobStats, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return model.JobStats{}, err
	}
	var counts []struct {
		State string `db:"state"`
		N     int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &counts,
		`SELECT state, COUNT(1) AS n FROM delivery_recipients WHERE job_id = ? GROUP BY state`, jobID); err != nil {
		return model.JobStats{}, fmt.Errorf("counting rows: %w", err)
	}
	st := model.JobStats{JobID: jobID, ReportedAt: job.ReportedAt}
	for _, c := range counts {
		switch model.RowState(c.State) {
		case model.RowPending:
			st.Pending = c.N
		case model.RowSent:
			st.Sent = c.N
		case model.RowFailed:
			st.Failed = c.N
		}
	}
	return st, nil
}

// Failures lists failed rows for the error manifest, ordered by recipient.
func (s *Store) Failures(ctx context.Context, jobID int64) ([]model.Failure, error) {
	var rows []struct {
		RecipientID int64          `db:"recipient_id"`
		LastError   sql.NullString `db:"last_error"`
	}
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT recipient_id, last_error FROM delivery_recipients
		WHERE job_id = ? AND state = 'failed' ORDER BY recipient_id`, jobID); err != nil {
		return nil, fmt.Errorf("listing failures: %w", err)
	}
	out := make([]model.Failure, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Failure{RecipientID: r.RecipientID, Error: r.LastError.String})
	}
	return out, nil
}

// MarkReported stamps reported_at once, and only when the job has no pending
// rows. ok is true for exactly one caller per job.
func (s *Store) MarkReported(ctx context.Context, jobID int64) (bool, error) {
	ok, err := changed(s.db.ExecContext(ctx, `
		UPDATE delivery_jobs SET reported_at = ?
		WHERE job_id = ? AND reported_at IS NULL
		  AND NOT EXISTS (SELECT 1 FROM delivery_recipients WHERE job_id = ? AND state = 'pending')`,
		toMillis(s.now()), jobID, jobID))
	if err != nil {
		return false, fmt.Errorf("marking job reported: %w", err)
	}
	return ok, nil
}

// ReleaseReported clears the stamp set by MarkReported so a later run can
// report the job again.
func (s *Store) ReleaseReported(ctx context.Context, jobID int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE delivery_jobs SET reported_at = NULL WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("releasing job report: %w", err)
	}
	return nil
}

// FinishedUnreportedJobs returns jobs with no pending rows that were never
// reported.
func (s *Store) FinishedUnreportedJobs(ctx context.Context, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, `
		SELECT j.job_id FROM delivery_jobs j
		WHERE j.reported_at IS NULL
		  AND NOT EXISTS (SELECT 1 FROM delivery_recipients r WHERE r.job_id = j.job_id AND r.state = 'pending')
		ORDER BY j.job_id LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("listing unreported jobs: %w", err)
	}
	return ids, nil
}
