// Package gateway fans notifications out to every live session of a
// recipient, across gateway instances, and dispatches inbound session events
// through a handler table.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"notifyhub/pkg/logx"
)

// ErrNoLiveSession means the recipient has no connected session anywhere.
var ErrNoLiveSession = errors.New("no live session")

type Config struct {
	InstanceID string
	// SendBuffer is the per-session outbound queue length. 0 means 32.
	SendBuffer int
	// SessionTTL bounds how long a registry entry outlives a crashed
	// instance. Entries are refreshed every SessionTTL/3. 0 means 2m.
	SessionTTL   time.Duration
	PingInterval time.Duration // 0 means 30s
}

func (c Config) withDefaults() Config {
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 32
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 2 * time.Minute
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	return c
}

// SessionInfo identifies the connection an inbound event came from.
type SessionInfo struct {
	ConnID      string
	RecipientID int64
}

// InboundHandler answers one inbound event. The returned Ack is sent back when
// the event carried an ackId.
type InboundHandler func(ctx context.Context, s SessionInfo, data json.RawMessage) Ack

type Hub struct {
	cfg      Config
	log      logx.Logger
	registry Registry
	bus      PushBus
	limiter  Limiter

	mu       sync.RWMutex
	sessions map[string]*session
	runCtx   context.Context

	hmu      sync.RWMutex
	handlers map[string]InboundHandler
}

func NewHub(cfg Config, registry Registry, bus PushBus, limiter Limiter, log logx.Logger) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	if registry == nil {
		registry = NewMemoryRegistry()
	}
	if bus == nil {
		bus = NewMemoryPushBus()
	}
	if limiter == nil {
		limiter = NewMemoryLimiter(0, 0)
	}
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "gateway"), logx.String("instance", cfg.InstanceID)),
		registry: registry,
		bus:      bus,
		limiter:  limiter,
		sessions: map[string]*session{},
		runCtx:   context.Background(),
		handlers: map[string]InboundHandler{},
	}
	h.Handle(EventTest, h.handleTest)
	return h
}

func (h *Hub) InstanceID() string { return h.cfg.InstanceID }

// Handle registers fn for an inbound event name, replacing any previous one.
func (h *Hub) Handle(event string, fn InboundHandler) {
	h.hmu.Lock()
	defer h.hmu.Unlock()
	h.handlers[event] = fn
}

func (h *Hub) handler(event string) InboundHandler {
	h.hmu.RLock()
	defer h.hmu.RUnlock()
	return h.handlers[event]
}

func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Run receives envelopes from other instances and keeps registry entries of
// local sessions fresh. It blocks until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	h.mu.Lock()
	h.runCtx = ctx
	h.mu.Unlock()

	go h.refreshLoop(ctx)
	h.log.Info("gateway started")
	err := h.bus.Subscribe(ctx, h.cfg.InstanceID, func(env Envelope) {
		h.pushLocal(ctx, env.RecipientID, env.ConnIDs, env.Frame)
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (h *Hub) refreshLoop(ctx context.Context) {
	t := time.NewTicker(h.cfg.SessionTTL / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.mu.RLock()
			live := make([]*session, 0, len(h.sessions))
			for _, s := range h.sessions {
				live = append(live, s)
			}
			h.mu.RUnlock()
			for _, s := range live {
				if err := h.registry.Register(ctx, s.recipientID, s.ref); err != nil {
					h.log.Warn("session refresh failed", logx.String("conn", s.ref.ConnID), logx.Err(err))
				}
			}
		}
	}
}

// Deliver pushes payload as a notification frame to every live session of
// recipientID and returns how many sessions it was handed to.
func (h *Hub) Deliver(ctx context.Context, recipientID int64, payload any) (int, error) {
	refs, err := h.registry.Lookup(ctx, recipientID)
	if err != nil {
		return 0, fmt.Errorf("lookup sessions: %w", err)
	}
	if len(refs) == 0 {
		return 0, ErrNoLiveSession
	}
	frame := Frame{Event: EventNotification, Data: mustJSON(payload)}

	byInstance := map[string][]string{}
	for _, ref := range refs {
		byInstance[ref.InstanceID] = append(byInstance[ref.InstanceID], ref.ConnID)
	}

	delivered := 0
	var firstErr error
	for inst, conns := range byInstance {
		if inst == h.cfg.InstanceID {
			delivered += h.pushLocal(ctx, recipientID, conns, frame)
			continue
		}
		env := Envelope{RecipientID: recipientID, ConnIDs: conns, Frame: frame}
		if err := h.bus.Publish(ctx, inst, env); err != nil {
			if errors.Is(err, ErrNoSubscriber) {
				h.dropInstance(ctx, recipientID, inst, conns)
				continue
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("push to %s: %w", inst, err)
			}
			continue
		}
		delivered += len(conns)
	}
	if delivered == 0 {
		if firstErr != nil {
			return 0, firstErr
		}
		return 0, ErrNoLiveSession
	}
	return delivered, nil
}

// dropInstance unregisters the entries of an instance nobody listens for.
func (h *Hub) dropInstance(ctx context.Context, recipientID int64, inst string, connIDs []string) {
	h.log.Warn("dropping sessions of unreachable instance",
		logx.String("target", inst), logx.Int64("recipient", recipientID), logx.Int("sessions", len(connIDs)))
	for _, id := range connIDs {
		_ = h.registry.Unregister(ctx, recipientID, SessionRef{InstanceID: inst, ConnID: id})
	}
}

// pushLocal queues frame on local sessions; unknown conn ids are stale
// registry entries and get removed.
func (h *Hub) pushLocal(ctx context.Context, recipientID int64, connIDs []string, frame Frame) int {
	n := 0
	for _, id := range connIDs {
		h.mu.RLock()
		s := h.sessions[id]
		h.mu.RUnlock()
		if s == nil {
			_ = h.registry.Unregister(ctx, recipientID, SessionRef{InstanceID: h.cfg.InstanceID, ConnID: id})
			continue
		}
		if s.push(frame) {
			n++
		} else {
			h.log.Warn("session send buffer full", logx.String("conn", id), logx.Int64("recipient", recipientID))
		}
	}
	return n
}

func (h *Hub) dispatch(ctx context.Context, s *session, f Frame) {
	fn := h.handler(f.Event)
	if fn == nil {
		s.push(Frame{Event: EventNotFound, AckID: f.AckID, Data: mustJSON(map[string]string{"event": f.Event})})
		return
	}
	ack := fn(ctx, SessionInfo{ConnID: s.ref.ConnID, RecipientID: s.recipientID}, f.Data)
	if f.AckID != "" {
		s.push(Frame{Event: EventAck, AckID: f.AckID, Data: mustJSON(ack)})
	}
}

func (h *Hub) handleTest(_ context.Context, s SessionInfo, data json.RawMessage) Ack {
	h.mu.RLock()
	sess := h.sessions[s.ConnID]
	h.mu.RUnlock()
	if sess != nil {
		sess.push(Frame{Event: EventTest, Data: data})
	}
	return Ack{Status: StatusSuccess, Message: "ok"}
}
