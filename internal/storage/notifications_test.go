package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"notifyhub/internal/model"
	"notifyhub/internal/storage"
	"notifyhub/internal/storage/storagetest"
)

func TestNotificationLifecycle(t *testing.T) {
	t.Parallel()
	st := storagetest.NewTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 3, 10, 0, 0, 0, time.UTC)

	n, err := st.CreateNotification(ctx, model.Notification{
		OwnerUserID:    7,
		Type:           model.TypePOASimple,
		ItemType:       model.ItemPOATrigger,
		ItemID:         3,
		ActionTimeout:  60,
		AdditionalData: map[string]any{"eventId": 42},
		ExpiresAt:      now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateNotification: %v", err)
	}
	if n.Status != model.StatusWaitingToSend {
		t.Fatalf("status = %s", n.Status)
	}

	// Replying before reading is refused.
	if ok, _ := st.MarkNotificationReplied(ctx, n.ID, "yes"); ok {
		t.Fatal("replied while not read")
	}
	if ok, _ := st.MarkNotificationRead(ctx, n.ID, now); ok {
		t.Fatal("read before sent")
	}
	if ok, err := st.MarkNotificationSent(ctx, n.ID); !ok || err != nil {
		t.Fatalf("MarkNotificationSent = %v, %v", ok, err)
	}
	if ok, err := st.MarkNotificationRead(ctx, n.ID, now); !ok || err != nil {
		t.Fatalf("MarkNotificationRead = %v, %v", ok, err)
	}
	if ok, err := st.MarkNotificationReplied(ctx, n.ID, "yes"); !ok || err != nil {
		t.Fatalf("MarkNotificationReplied = %v, %v", ok, err)
	}

	got, err := st.GetNotification(ctx, n.ID)
	if err != nil {
		t.Fatalf("GetNotification: %v", err)
	}
	if got.Status != model.StatusReplied || got.ReplyAnswer != "yes" || got.ReadAt == nil || !got.ReadAt.Equal(now) {
		t.Fatalf("notification = %+v", got)
	}
	if id, ok := got.Int64Data("eventId"); !ok || id != 42 {
		t.Fatalf("eventId = %d, %v", id, ok)
	}
}

func TestExpireReadPastDeadline(t *testing.T) {
	t.Parallel()
	st := storagetest.NewTestStore(t)
	ctx := context.Background()
	readAt := time.Date(2024, 3, 3, 10, 0, 0, 0, time.UTC)

	n, _ := st.CreateNotification(ctx, model.Notification{OwnerUserID: 1, Type: model.TypeGeneric, ActionTimeout: 30})
	_, _ = st.MarkNotificationSent(ctx, n.ID)
	_, _ = st.MarkNotificationRead(ctx, n.ID, readAt)

	expired, err := st.ExpireRead(ctx, readAt.Add(40*time.Second), 15*time.Second)
	if err != nil || expired != 0 {
		t.Fatalf("within margin: expired = %d, %v", expired, err)
	}
	expired, err = st.ExpireRead(ctx, readAt.Add(50*time.Second), 15*time.Second)
	if err != nil || expired != 1 {
		t.Fatalf("past margin: expired = %d, %v", expired, err)
	}
	got, _ := st.GetNotification(ctx, n.ID)
	if got.Status != model.StatusExpired {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestIncrementAttempts(t *testing.T) {
	t.Parallel()
	st := storagetest.NewTestStore(t)
	ctx := context.Background()

	n, _ := st.CreateNotification(ctx, model.Notification{OwnerUserID: 1, Type: model.TypePOAPassword})
	for want := 1; want <= 3; want++ {
		got, err := st.IncrementAttempts(ctx, n.ID)
		if err != nil || got != want {
			t.Fatalf("IncrementAttempts = %d, %v; want %d", got, err, want)
		}
	}
	if _, err := st.IncrementAttempts(ctx, 9999); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing notification err = %v", err)
	}
}

func TestLeaseExclusive(t *testing.T) {
	t.Parallel()
	st := storagetest.NewTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	st.SetClock(func() time.Time { return now })

	if ok, err := st.AcquireLease(ctx, "dispatch", "a", time.Minute); !ok || err != nil {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	if ok, _ := st.AcquireLease(ctx, "dispatch", "b", time.Minute); ok {
		t.Fatal("second owner acquired a held lease")
	}
	if ok, _ := st.AcquireLease(ctx, "dispatch", "a", time.Minute); !ok {
		t.Fatal("owner could not renew")
	}
	now = now.Add(2 * time.Minute)
	if ok, _ := st.AcquireLease(ctx, "dispatch", "b", time.Minute); !ok {
		t.Fatal("expired lease not taken over")
	}
	if err := st.ReleaseLease(ctx, "dispatch", "b"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
}

func TestRecordVote(t *testing.T) {
	t.Parallel()
	st := storagetest.NewTestStore(t)
	ctx := context.Background()

	p, err := st.CreatePoll(ctx, model.Poll{Question: "Lunch?", Answers: []model.PollAnswer{{Text: "yes"}, {Text: "no"}}})
	if err != nil {
		t.Fatalf("CreatePoll: %v", err)
	}
	now := time.Now()
	if err := st.RecordVote(ctx, p.ID, 5, p.Answers[0].ID, now); err != nil {
		t.Fatalf("RecordVote: %v", err)
	}
	if err := st.RecordVote(ctx, p.ID, 5, p.Answers[1].ID, now); err != nil {
		t.Fatalf("RecordVote change: %v", err)
	}
	if err := st.RecordVote(ctx, p.ID, 6, 9999, now); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("unknown answer err = %v", err)
	}
	tally, err := st.PollTally(ctx, p.ID)
	if err != nil {
		t.Fatalf("PollTally: %v", err)
	}
	if tally[p.Answers[0].ID] != 0 || tally[p.Answers[1].ID] != 1 {
		t.Fatalf("tally = %v", tally)
	}
}
