// Package reply validates replies to prompt-style notifications and commits
// accepted ones.
package reply

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"notifyhub/internal/eventbus"
	"notifyhub/internal/gateway"
	"notifyhub/internal/model"
	"notifyhub/internal/storage"
	"notifyhub/pkg/logx"
)

type Validator struct {
	mu    sync.RWMutex
	cfg   Config
	store Store
	esc   Escalator
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
}

func New(cfg Config, store Store, esc Escalator, bus eventbus.Bus, log logx.Logger) *Validator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Validator{
		cfg:   cfg.withDefaults(),
		store: store,
		esc:   esc,
		bus:   bus,
		log:   log.With(logx.String("comp", "reply")),
		now:   time.Now,
	}
}

// Apply swaps the reply settings; in-flight replies keep the old ones.
func (v *Validator) Apply(cfg Config) {
	v.mu.Lock()
	v.cfg = cfg.withDefaults()
	v.mu.Unlock()
}

func (v *Validator) config() Config {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cfg
}

// SetClock overrides the validator clock (tests).
func (v *Validator) SetClock(now func() time.Time) { v.now = now }

// HandleReply checks the reply against the notification it answers and, when
// every check passes, marks the notification REPLIED. Nothing is committed on
// rejection except the password attempt counter.
func (v *Validator) HandleReply(ctx context.Context, req Request, callerID int64) Result {
	log := v.log.With(logx.Int64("notification", req.NotificationID), logx.Int64("caller", callerID))
	if req.NotificationID <= 0 {
		return fail("Invalid notification ID")
	}

	n, err := v.store.GetNotification(ctx, req.NotificationID)
	if errors.Is(err, storage.ErrNotFound) {
		return fail("Notification not found")
	}
	if err != nil {
		log.Warn("loading notification failed", logx.Err(err))
		return fail("Internal error")
	}

	if n.OwnerUserID != callerID {
		log.Warn("reply to a notification owned by someone else", logx.Int64("owner", n.OwnerUserID))
		return fail("Unauthorized: You do not own this notification.")
	}

	switch n.Status {
	case model.StatusReplied:
		return fail("Notification was already answered")
	case model.StatusExpired:
		return fail("Notification has expired")
	}
	now := v.now()
	deadline, read := n.ReplyDeadline(v.config().TimeoutMargin)
	if !read || n.Status != model.StatusRead {
		return fail("Notification must be read before replying")
	}
	if now.After(deadline) {
		return fail("Reply window has expired")
	}

	st, ok := subtypes[n.Type]
	if !ok {
		log.Warn("reply to a notification type without a handler", logx.String("type", string(n.Type)))
		return fail("This notification does not accept replies")
	}
	if req.Type != "" && req.Type != n.Type {
		return fail("Reply type does not match the notification")
	}

	in := input{n: n, req: req, callerID: callerID, now: now}
	if res := v.checkDomain(ctx, &in, st.needsEvent, log); res != nil {
		return *res
	}

	out, res := st.handle(ctx, v, in)
	if res != nil {
		return *res
	}

	changed, err := v.store.MarkNotificationReplied(ctx, n.ID, out.answer)
	if err != nil {
		log.Warn("committing reply failed", logx.Err(err))
		return fail("Internal error")
	}
	if !changed {
		// Lost a race with another reply or the expiry run.
		return fail("Notification can no longer be answered")
	}
	v.bus.Publish(eventbus.Event{
		Type: eventbus.TypeNotificationReplied,
		Data: eventbus.NotificationReplied{NotificationID: n.ID, UserID: callerID, Type: string(n.Type)},
	})

	if out.followUp != nil && v.esc != nil {
		f, err := v.esc.Create(ctx, *out.followUp)
		if err != nil {
			log.Error("escalation failed", logx.Int64("to", out.followUp.OwnerUserID), logx.Err(err))
		} else {
			log.Info("reply escalated", logx.Int64("to", f.OwnerUserID), logx.Int64("follow_up", f.ID))
		}
	}
	log.Debug("reply accepted", logx.String("type", string(n.Type)))
	return Result{Status: StatusSuccess, Message: "Reply processed successfully"}
}

// checkDomain loads the referenced event and enforces its active window and
// the caller's approved registration.
func (v *Validator) checkDomain(ctx context.Context, in *input, required bool, log logx.Logger) *Result {
	eventID, ok := in.n.Int64Data("eventId")
	if !ok || eventID == 0 {
		if required {
			r := fail("Notification is not linked to an event")
			return &r
		}
		return nil
	}
	ev, err := v.store.GetEvent(ctx, eventID)
	if errors.Is(err, storage.ErrNotFound) {
		r := fail("Event not found")
		return &r
	}
	if err != nil {
		log.Warn("loading event failed", logx.Int64("event", eventID), logx.Err(err))
		r := fail("Internal error")
		return &r
	}
	if !ev.Active(in.now) {
		r := fail("Event is not active")
		return &r
	}
	if in.callerID != ev.OrganizerID {
		reg, err := v.store.GetRegistrant(ctx, ev.ID, in.callerID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Warn("loading registrant failed", logx.Int64("event", eventID), logx.Err(err))
			r := fail("Internal error")
			return &r
		}
		if err != nil || reg.Status != model.RegistrationApproved {
			log.Warn("reply from a user not approved for the event", logx.Int64("event", eventID))
			r := fail("You are not a registered participant of this event")
			return &r
		}
	}
	in.event = ev
	return nil
}

// GatewayHandler answers notification_reply session events.
func (v *Validator) GatewayHandler() gateway.InboundHandler {
	return func(ctx context.Context, s gateway.SessionInfo, data json.RawMessage) gateway.Ack {
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return gateway.Ack{Status: string(StatusError), Message: "Invalid input"}
		}
		res := v.HandleReply(ctx, req, s.RecipientID)
		return gateway.Ack{Status: string(res.Status), Message: res.Message}
	}
}
