package storage_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"notifyhub/internal/model"
	"notifyhub/internal/storage"
	"notifyhub/internal/storage/storagetest"
)

func TestCreateJobIgnoresDuplicateRecipients(t *testing.T) {
	t.Parallel()
	st := storagetest.NewTestStore(t)
	ctx := context.Background()

	job, n, err := st.CreateJob(ctx, model.DeliveryJob{CreatedBy: 1, Kind: model.KindBroadcast}, []int64{10, 11, 10, 12, 11})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if n != 3 {
		t.Fatalf("inserted = %d, want 3", n)
	}
	stats, err := st.JobStats(ctx, job.JobID)
	if err != nil {
		t.Fatalf("JobStats: %v", err)
	}
	if stats.Pending != 3 || stats.Total() != 3 {
		t.Fatalf("stats = %+v", stats)
	}

	more, err := st.AddRecipients(ctx, job.JobID, []int64{12, 13})
	if err != nil {
		t.Fatalf("AddRecipients: %v", err)
	}
	if more != 1 {
		t.Fatalf("added = %d, want 1", more)
	}
}

func TestCreateJobLargeRecipientList(t *testing.T) {
	t.Parallel()
	st := storagetest.NewTestStore(t)
	ctx := context.Background()

	ids := make([]int64, 12000)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	job, n, err := st.CreateJob(ctx, model.DeliveryJob{CreatedBy: 1, Kind: model.KindBroadcast}, ids)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if n != len(ids) {
		t.Fatalf("inserted = %d, want %d", n, len(ids))
	}
	stats, err := st.JobStats(ctx, job.JobID)
	if err != nil || stats.Pending != len(ids) {
		t.Fatalf("JobStats = %+v, %v", stats, err)
	}
}

func TestTerminalRowsNeverRegress(t *testing.T) {
	t.Parallel()
	st := storagetest.NewTestStore(t)
	ctx := context.Background()

	_, _, err := st.CreateJob(ctx, model.DeliveryJob{CreatedBy: 1, Kind: model.KindBroadcast}, []int64{1, 2})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	rows, err := st.PendingRows(ctx, 10)
	if err != nil || len(rows) != 2 {
		t.Fatalf("PendingRows = %d, %v", len(rows), err)
	}
	sent, failed := rows[0].RowID, rows[1].RowID

	if ok, err := st.MarkSent(ctx, sent, "1:99"); err != nil || !ok {
		t.Fatalf("MarkSent = %v, %v", ok, err)
	}
	if ok, err := st.MarkFailed(ctx, failed, 0, "blocked"); err != nil || !ok {
		t.Fatalf("MarkFailed = %v, %v", ok, err)
	}

	tests := []struct {
		name string
		fn   func() (bool, error)
	}{
		{"sent to failed", func() (bool, error) { return st.MarkFailed(ctx, sent, 1, "late") }},
		{"sent to retry", func() (bool, error) { return st.MarkRetry(ctx, sent, 5, "late") }},
		{"failed to sent", func() (bool, error) { return st.MarkSent(ctx, failed, "2:1") }},
		{"failed to retry", func() (bool, error) { return st.MarkRetry(ctx, failed, 5, "late") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := tt.fn()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok {
				t.Fatal("terminal row was updated")
			}
		})
	}

	row, err := st.GetRow(ctx, sent)
	if err != nil {
		t.Fatalf("GetRow: %v", err)
	}
	if row.State != model.RowSent || row.SentMessageRef != "1:99" || row.RetryCount != 0 {
		t.Fatalf("sent row changed: %+v", row)
	}
}

func TestRetryCountNeverDecreases(t *testing.T) {
	t.Parallel()
	st := storagetest.NewTestStore(t)
	ctx := context.Background()

	_, _, err := st.CreateJob(ctx, model.DeliveryJob{CreatedBy: 1, Kind: model.KindBroadcast}, []int64{1})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	rows, _ := st.PendingRows(ctx, 1)
	id := rows[0].RowID

	for _, r := range []int{1, 3, 2} {
		if _, err := st.MarkRetry(ctx, id, r, "timeout"); err != nil {
			t.Fatalf("MarkRetry(%d): %v", r, err)
		}
	}
	if _, err := st.MarkFailed(ctx, id, 1, "gone"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	row, _ := st.GetRow(ctx, id)
	if row.RetryCount != 3 || row.State != model.RowFailed || row.LastError != "gone" {
		t.Fatalf("row = %+v", row)
	}
}

func TestAddRecipientsClosedAfterReport(t *testing.T) {
	t.Parallel()
	st := storagetest.NewTestStore(t)
	ctx := context.Background()

	if _, err := st.AddRecipients(ctx, 404, []int64{1}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("unknown job: err = %v", err)
	}
	job, _, err := st.CreateJob(ctx, model.DeliveryJob{CreatedBy: 1, Kind: model.KindBroadcast}, []int64{1})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	rows, _ := st.PendingRows(ctx, 10)
	if _, err := st.MarkSent(ctx, rows[0].RowID, ""); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	if ok, err := st.MarkReported(ctx, job.JobID); !ok || err != nil {
		t.Fatalf("MarkReported = %v, %v", ok, err)
	}
	if _, err := st.AddRecipients(ctx, job.JobID, []int64{2}); !errors.Is(err, storage.ErrJobReported) {
		t.Fatalf("reported job: err = %v", err)
	}

	if err := st.ReleaseReported(ctx, job.JobID); err != nil {
		t.Fatalf("ReleaseReported: %v", err)
	}
	if n, err := st.AddRecipients(ctx, job.JobID, []int64{2}); n != 1 || err != nil {
		t.Fatalf("after release: AddRecipients = %d, %v", n, err)
	}
}

func TestMarkReportedFiresOnce(t *testing.T) {
	t.Parallel()
	st := storagetest.NewTestStore(t)
	ctx := context.Background()

	job, _, err := st.CreateJob(ctx, model.DeliveryJob{CreatedBy: 1, Kind: model.KindBroadcast}, []int64{1, 2})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if ok, _ := st.MarkReported(ctx, job.JobID); ok {
		t.Fatal("reported with pending rows")
	}

	rows, _ := st.PendingRows(ctx, 10)
	for _, r := range rows {
		if _, err := st.MarkSent(ctx, r.RowID, ""); err != nil {
			t.Fatalf("MarkSent: %v", err)
		}
	}
	ids, err := st.FinishedUnreportedJobs(ctx, 10)
	if err != nil || len(ids) != 1 || ids[0] != job.JobID {
		t.Fatalf("FinishedUnreportedJobs = %v, %v", ids, err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.MarkReported(ctx, job.JobID)
			if err != nil {
				t.Errorf("MarkReported: %v", err)
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("MarkReported succeeded %d times, want 1", wins.Load())
	}
	ids, _ = st.FinishedUnreportedJobs(ctx, 10)
	if len(ids) != 0 {
		t.Fatalf("job still unreported: %v", ids)
	}
}

func TestFailuresManifest(t *testing.T) {
	t.Parallel()
	st := storagetest.NewTestStore(t)
	ctx := context.Background()

	job, _, _ := st.CreateJob(ctx, model.DeliveryJob{CreatedBy: 1, Kind: model.KindBroadcast}, []int64{30, 20, 10})
	rows, _ := st.PendingRows(ctx, 10)
	for _, r := range rows {
		if r.RecipientID == 10 {
			_, _ = st.MarkSent(ctx, r.RowID, "")
			continue
		}
		_, _ = st.MarkFailed(ctx, r.RowID, 0, "forbidden")
	}
	got, err := st.Failures(ctx, job.JobID)
	if err != nil {
		t.Fatalf("Failures: %v", err)
	}
	if len(got) != 2 || got[0].RecipientID != 20 || got[1].RecipientID != 30 || got[0].Error != "forbidden" {
		t.Fatalf("failures = %+v", got)
	}
}
