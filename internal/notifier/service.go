package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"notifyhub/internal/eventbus"
	"notifyhub/internal/gateway"
	"notifyhub/internal/model"
	"notifyhub/internal/queue"
	rtsup "notifyhub/internal/runtime/supervisor"
	"notifyhub/internal/storage"
	"notifyhub/pkg/logx"
)

// Service is safe for concurrent use.
type Service struct {
	mu  sync.Mutex
	cfg Config

	log    logx.Logger
	store  Store
	broker queue.Broker
	gw     Deliverer
	bus    eventbus.Bus
	now    func() time.Time

	sup *rtsup.Supervisor
}

func New(cfg Config, store Store, broker queue.Broker, gw Deliverer, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log.With(logx.String("comp", "notifier")),
		store:  store,
		broker: broker,
		gw:     gw,
		bus:    bus,
		now:    time.Now,
	}
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SetClock overrides the service clock (tests).
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Start runs the queue consumer when configured. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Consume || s.broker == nil {
		return
	}
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	broker := s.broker
	s.sup.GoRestart("queue.consume", func(c context.Context) error {
		err := broker.Consume(c, s.HandleDelivery)
		if c.Err() != nil {
			return c.Err()
		}
		if err == nil {
			err = errors.New("queue consumer exited unexpectedly")
		}
		return err
	}, rtsup.WithPublishFirstError(true), rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	s.log.Info("notification consumer started")
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	_ = sup.Stop(ctx)
	s.log.Info("notification consumer stopped")
}

// Create stores n as WAITING_TO_SEND and queues it for delivery.
func (s *Service) Create(ctx context.Context, n model.Notification) (model.Notification, error) {
	if n.OwnerUserID == 0 {
		return n, fmt.Errorf("%w: owner is required", ErrInvalid)
	}
	if n.Type == "" {
		n.Type = model.TypeGeneric
	}
	if n.ActionTimeout < 0 {
		return n, fmt.Errorf("%w: negative action timeout", ErrInvalid)
	}
	now := s.now()
	n.CreatedAt = now
	if n.ExpiresAt.IsZero() {
		n.ExpiresAt = now.Add(s.config().DefaultTTL)
	}
	stored, err := s.store.CreateNotification(ctx, n)
	if err != nil {
		return n, err
	}
	if s.broker == nil {
		return stored, errors.New("no queue configured")
	}
	msg := model.QueueMessage{RecipientID: stored.OwnerUserID, Payload: stored.Payload()}
	if err := s.broker.Publish(ctx, msg); err != nil {
		s.log.Warn("notification stored but not queued", logx.Int64("notification", stored.ID), logx.Err(err))
		return stored, fmt.Errorf("queueing notification: %w", err)
	}
	s.log.Debug("notification queued",
		logx.Int64("notification", stored.ID),
		logx.Int64("recipient", stored.OwnerUserID),
		logx.String("type", string(stored.Type)))
	return stored, nil
}

// HandleDelivery is the queue handler. Notifications that expired or moved
// past SENT are acknowledged without a push; a missing live session returns
// gateway.ErrNoLiveSession so the message is retried.
func (s *Service) HandleDelivery(ctx context.Context, msg model.QueueMessage) error {
	id := msg.Payload.NotificationID
	n, err := s.store.GetNotification(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: notification %d does not exist", queue.ErrPoison, id)
	}
	if err != nil {
		return fmt.Errorf("loading notification %d: %w", id, err)
	}
	if n.OwnerUserID != msg.RecipientID {
		return fmt.Errorf("%w: notification %d addressed to %d, owned by %d", queue.ErrPoison, id, msg.RecipientID, n.OwnerUserID)
	}
	log := s.log.With(logx.Int64("notification", id), logx.Int64("recipient", n.OwnerUserID))

	if n.Expired(s.now()) {
		if _, err := s.store.ExpireNotification(ctx, id); err != nil {
			log.Warn("expire failed", logx.Err(err))
		}
		log.Debug("dropping expired notification")
		return nil
	}
	if n.Status != model.StatusWaitingToSend && n.Status != model.StatusSent {
		log.Debug("notification already handled", logx.String("status", string(n.Status)))
		return nil
	}

	sessions, err := s.gw.Deliver(ctx, n.OwnerUserID, n.Payload())
	if err != nil {
		if errors.Is(err, gateway.ErrNoLiveSession) {
			s.bus.Publish(eventbus.Event{
				Type: eventbus.TypeNotificationUndeliverable,
				Data: eventbus.NotificationUndeliverable{NotificationID: id, RecipientID: n.OwnerUserID},
			})
			log.Debug("no live session, retrying later")
		}
		return err
	}
	if n.Status == model.StatusWaitingToSend {
		if _, err := s.store.MarkNotificationSent(ctx, id); err != nil {
			// The push already happened; a redelivery re-pushes and retries the update.
			return fmt.Errorf("marking notification %d sent: %w", id, err)
		}
	}
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeNotificationDelivered,
		Data: eventbus.NotificationDelivered{NotificationID: id, RecipientID: n.OwnerUserID, Sessions: sessions},
	})
	log.Debug("notification delivered", logx.Int("sessions", sessions))
	return nil
}

// MarkRead moves the caller's SENT notification to READ. Marking an already
// READ notification again is a no-op.
func (s *Service) MarkRead(ctx context.Context, id, callerID int64) error {
	n, err := s.store.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	if n.OwnerUserID != callerID {
		return ErrNotOwner
	}
	if n.Status == model.StatusRead {
		return nil
	}
	ok, err := s.store.MarkNotificationRead(ctx, id, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidState, n.Status)
	}
	return nil
}

type readRequest struct {
	NotificationID int64 `json:"notificationId"`
}

// ReadHandler answers notification_read session events.
func (s *Service) ReadHandler() gateway.InboundHandler {
	return func(ctx context.Context, sess gateway.SessionInfo, data json.RawMessage) gateway.Ack {
		var req readRequest
		if err := json.Unmarshal(data, &req); err != nil || req.NotificationID == 0 {
			return gateway.Ack{Status: gateway.StatusError, Message: "notificationId is required"}
		}
		err := s.MarkRead(ctx, req.NotificationID, sess.RecipientID)
		switch {
		case err == nil:
			return gateway.Ack{Status: gateway.StatusSuccess, Message: "Notification marked as read"}
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, ErrNotOwner):
			return gateway.Ack{Status: gateway.StatusError, Message: "Notification not found"}
		case errors.Is(err, ErrInvalidState):
			return gateway.Ack{Status: gateway.StatusError, Message: "Notification can no longer be read"}
		default:
			s.log.Warn("mark read failed", logx.Int64("notification", req.NotificationID), logx.Err(err))
			return gateway.Ack{Status: gateway.StatusError, Message: "Internal error"}
		}
	}
}

// Maintain expires READ notifications past their reply deadline and purges
// notifications past expiresAt plus retention.
func (s *Service) Maintain(ctx context.Context) (MaintenanceResult, error) {
	cfg := s.config()
	now := s.now()
	var res MaintenanceResult
	var err error
	if res.Expired, err = s.store.ExpireRead(ctx, now, cfg.TimeoutMargin); err != nil {
		return res, err
	}
	if res.Deleted, err = s.store.DeleteExpired(ctx, now.Add(-cfg.Retention)); err != nil {
		return res, err
	}
	if res.Expired > 0 || res.Deleted > 0 {
		s.log.Info("notification maintenance",
			logx.Int64("expired", res.Expired),
			logx.Int64("deleted", res.Deleted))
	}
	return res, nil
}
