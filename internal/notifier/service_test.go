package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"notifyhub/internal/eventbus"
	"notifyhub/internal/gateway"
	"notifyhub/internal/model"
	"notifyhub/internal/queue"
	"notifyhub/internal/storage"
	"notifyhub/internal/storage/storagetest"
	"notifyhub/pkg/logx"
)

type fakeGateway struct {
	mu      sync.Mutex
	live    map[int64]int
	pushed  []int64
	failErr error
}

func (g *fakeGateway) Deliver(_ context.Context, recipientID int64, payload any) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failErr != nil {
		return 0, g.failErr
	}
	n := g.live[recipientID]
	if n == 0 {
		return 0, gateway.ErrNoLiveSession
	}
	g.pushed = append(g.pushed, payload.(model.Payload).NotificationID)
	return n, nil
}

func (g *fakeGateway) setLive(recipientID int64, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.live == nil {
		g.live = map[int64]int{}
	}
	g.live[recipientID] = n
}

func (g *fakeGateway) pushCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pushed)
}

type fixture struct {
	svc    *Service
	store  *storage.Store
	broker *queue.Memory
	gw     *fakeGateway
	now    *atomic.Int64
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	st := storagetest.NewTestStore(t)
	broker := queue.NewMemory(queue.Config{RetryTTL: 10 * time.Millisecond, Prefetch: 2}, logx.Nop())
	t.Cleanup(func() { _ = broker.Close() })
	gw := &fakeGateway{}
	svc := New(cfg, st, broker, gw, eventbus.New(), logx.Nop())
	now := &atomic.Int64{}
	now.Store(time.Date(2024, 3, 3, 12, 0, 0, 0, time.UTC).UnixMilli())
	svc.SetClock(func() time.Time { return time.UnixMilli(now.Load()).UTC() })
	return fixture{svc: svc, store: st, broker: broker, gw: gw, now: now}
}

func (f fixture) advance(d time.Duration) { f.now.Add(d.Milliseconds()) }

func (f fixture) status(t *testing.T, id int64) model.NotificationStatus {
	t.Helper()
	n, err := f.store.GetNotification(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return n.Status
}

func (f fixture) create(t *testing.T, owner int64, timeout int) model.Notification {
	t.Helper()
	n, err := f.svc.Create(context.Background(), model.Notification{
		OwnerUserID:   owner,
		Type:          model.TypePOASimple,
		ItemType:      model.ItemPOATrigger,
		ItemID:        1,
		Title:         "Are you here?",
		ActionTimeout: timeout,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return n
}

func TestCreateRejectsMissingOwner(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	if _, err := f.svc.Create(context.Background(), model.Notification{Title: "x"}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestHandleDelivery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	n := f.create(t, 7, 30)
	msg := model.QueueMessage{RecipientID: 7, Payload: n.Payload()}

	if err := f.svc.HandleDelivery(ctx, msg); !errors.Is(err, gateway.ErrNoLiveSession) {
		t.Fatalf("err = %v, want ErrNoLiveSession", err)
	}
	if got := f.status(t, n.ID); got != model.StatusWaitingToSend {
		t.Fatalf("status = %s", got)
	}

	f.gw.setLive(7, 2)
	if err := f.svc.HandleDelivery(ctx, msg); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got := f.status(t, n.ID); got != model.StatusSent {
		t.Fatalf("status = %s, want SENT", got)
	}

	// Redelivery of a SENT notification pushes again without error.
	if err := f.svc.HandleDelivery(ctx, msg); err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if f.gw.pushCount() != 2 {
		t.Fatalf("pushes = %d", f.gw.pushCount())
	}

	// READ notifications are acknowledged without a push.
	if err := f.svc.MarkRead(ctx, n.ID, 7); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.HandleDelivery(ctx, msg); err != nil {
		t.Fatalf("read redelivery: %v", err)
	}
	if f.gw.pushCount() != 2 {
		t.Fatal("READ notification pushed again")
	}
}

func TestHandleDeliveryExpired(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{DefaultTTL: time.Minute})
	n := f.create(t, 3, 0)
	f.gw.setLive(3, 1)
	f.advance(2 * time.Minute)

	if err := f.svc.HandleDelivery(context.Background(), model.QueueMessage{RecipientID: 3, Payload: n.Payload()}); err != nil {
		t.Fatalf("err = %v", err)
	}
	if f.gw.pushCount() != 0 {
		t.Fatal("expired notification was pushed")
	}
	if got := f.status(t, n.ID); got != model.StatusExpired {
		t.Fatalf("status = %s", got)
	}
}

func TestHandleDeliveryPoison(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	n := f.create(t, 3, 0)
	tests := []struct {
		name string
		msg  model.QueueMessage
	}{
		{"missing notification", model.QueueMessage{RecipientID: 3, Payload: model.Payload{NotificationID: 999}}},
		{"wrong recipient", model.QueueMessage{RecipientID: 4, Payload: n.Payload()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.svc.HandleDelivery(context.Background(), tt.msg); !errors.Is(err, queue.ErrPoison) {
				t.Fatalf("err = %v, want ErrPoison", err)
			}
		})
	}
}

func TestConsumerRetriesUntilSessionAppears(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Consume: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.svc.Start(ctx)
	defer f.svc.Stop(context.Background())

	n := f.create(t, 11, 30)
	time.Sleep(30 * time.Millisecond)
	if got := f.status(t, n.ID); got != model.StatusWaitingToSend {
		t.Fatalf("status = %s before any session", got)
	}
	f.gw.setLive(11, 1)

	deadline := time.Now().Add(2 * time.Second)
	for f.status(t, n.ID) != model.StatusSent {
		if time.Now().After(deadline) {
			t.Fatal("notification never delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMarkRead(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	n := f.create(t, 5, 30)

	if err := f.svc.MarkRead(ctx, n.ID, 5); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("read before sent: %v", err)
	}
	f.gw.setLive(5, 1)
	if err := f.svc.HandleDelivery(ctx, model.QueueMessage{RecipientID: 5, Payload: n.Payload()}); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.MarkRead(ctx, n.ID, 6); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("foreign read: %v", err)
	}
	if err := f.svc.MarkRead(ctx, n.ID, 5); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.MarkRead(ctx, n.ID, 5); err != nil {
		t.Fatalf("second read: %v", err)
	}
	if err := f.svc.MarkRead(ctx, 12345, 5); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing: %v", err)
	}
}

func TestReadHandler(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	n := f.create(t, 5, 30)
	f.gw.setLive(5, 1)
	if err := f.svc.HandleDelivery(ctx, model.QueueMessage{RecipientID: 5, Payload: n.Payload()}); err != nil {
		t.Fatal(err)
	}
	h := f.svc.ReadHandler()
	body, _ := json.Marshal(readRequest{NotificationID: n.ID})

	if ack := h(ctx, gateway.SessionInfo{RecipientID: 9}, body); ack.Status != gateway.StatusError {
		t.Fatalf("foreign session ack = %+v", ack)
	}
	if ack := h(ctx, gateway.SessionInfo{RecipientID: 5}, json.RawMessage(`{}`)); ack.Status != gateway.StatusError {
		t.Fatalf("empty body ack = %+v", ack)
	}
	if ack := h(ctx, gateway.SessionInfo{RecipientID: 5}, body); ack.Status != gateway.StatusSuccess {
		t.Fatalf("ack = %+v", ack)
	}
	if got := f.status(t, n.ID); got != model.StatusRead {
		t.Fatalf("status = %s", got)
	}
}

func TestMaintain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{TimeoutMargin: 10 * time.Second, DefaultTTL: time.Hour, Retention: time.Hour})
	n := f.create(t, 5, 20)
	f.gw.setLive(5, 1)
	if err := f.svc.HandleDelivery(ctx, model.QueueMessage{RecipientID: 5, Payload: n.Payload()}); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.MarkRead(ctx, n.ID, 5); err != nil {
		t.Fatal(err)
	}

	f.advance(25 * time.Second)
	res, err := f.svc.Maintain(ctx)
	if err != nil || res.Expired != 0 {
		t.Fatalf("within margin: %+v, %v", res, err)
	}
	f.advance(10 * time.Second)
	if res, err = f.svc.Maintain(ctx); err != nil || res.Expired != 1 {
		t.Fatalf("past deadline: %+v, %v", res, err)
	}
	if got := f.status(t, n.ID); got != model.StatusExpired {
		t.Fatalf("status = %s", got)
	}

	// expiresAt is one hour after creation; purge waits one more hour.
	f.advance(90 * time.Minute)
	if res, err = f.svc.Maintain(ctx); err != nil || res.Deleted != 0 {
		t.Fatalf("inside retention: %+v, %v", res, err)
	}
	f.advance(time.Hour)
	if res, err = f.svc.Maintain(ctx); err != nil || res.Deleted != 1 {
		t.Fatalf("past retention: %+v, %v", res, err)
	}
}
