package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"notifyhub/pkg/logx"
)

// Conn is a message-oriented session connection.
type Conn interface {
	Read() ([]byte, error)
	Write(b []byte) error
	Ping() error
	// ClosePolicy closes the connection reporting a policy violation.
	ClosePolicy(reason string) error
	Close() error
}

type session struct {
	ref         SessionRef
	recipientID int64
	conn        Conn
	send        chan Frame
	done        chan struct{}
	closeOnce   sync.Once
}

// push queues f without blocking; false when the buffer is full or the
// session is closing.
func (s *session) push(f Frame) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- f:
		return true
	default:
		return false
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Serve runs a session for recipientID on conn until the connection ends.
// Inbound events pass through one dispatcher loop, so they are handled in
// arrival order.
func (h *Hub) Serve(ctx context.Context, conn Conn, recipientID int64) error {
	s := &session{
		ref:         SessionRef{InstanceID: h.cfg.InstanceID, ConnID: uuid.NewString()},
		recipientID: recipientID,
		conn:        conn,
		send:        make(chan Frame, h.cfg.SendBuffer),
		done:        make(chan struct{}),
	}
	log := h.log.With(logx.String("conn", s.ref.ConnID), logx.Int64("recipient", recipientID))

	h.mu.Lock()
	h.sessions[s.ref.ConnID] = s
	h.mu.Unlock()
	if err := h.registry.Register(ctx, recipientID, s.ref); err != nil {
		h.mu.Lock()
		delete(h.sessions, s.ref.ConnID)
		h.mu.Unlock()
		s.close()
		return err
	}
	log.Debug("session opened")

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.close()
		h.mu.Lock()
		delete(h.sessions, s.ref.ConnID)
		h.mu.Unlock()
		// Use a fresh context: ctx is already canceled here.
		uctx, ucancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer ucancel()
		if err := h.registry.Unregister(uctx, recipientID, s.ref); err != nil {
			log.Warn("session unregister failed", logx.Err(err))
		}
		log.Debug("session closed")
	}()

	go h.writeLoop(ctx, s, cancel)

	inbound := make(chan Frame, 16)
	go h.readLoop(ctx, s, inbound, log)

	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-inbound:
			if !ok {
				return nil
			}
			h.dispatch(ctx, s, f)
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, s *session, cancel context.CancelFunc) {
	ping := time.NewTicker(h.cfg.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case f := <-s.send:
			b, err := json.Marshal(f)
			if err != nil {
				continue
			}
			if err := s.conn.Write(b); err != nil {
				cancel()
				return
			}
		case <-ping.C:
			if err := s.conn.Ping(); err != nil {
				cancel()
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, s *session, inbound chan<- Frame, log logx.Logger) {
	defer close(inbound)
	for {
		b, err := s.conn.Read()
		if err != nil {
			return
		}
		ok, err := h.limiter.Allow(ctx, s.recipientID)
		if err != nil {
			// Limiter backend down: fail open.
			log.Debug("rate limiter unavailable", logx.Err(err))
			ok = true
		}
		if !ok {
			log.Warn("inbound rate limit exceeded, closing session")
			_ = s.conn.ClosePolicy("rate limit exceeded")
			return
		}
		var f Frame
		if err := json.Unmarshal(b, &f); err != nil || f.Event == "" {
			s.push(Frame{Event: EventError, Data: mustJSON(Ack{Status: StatusError, Message: "malformed frame"})})
			continue
		}
		select {
		case inbound <- f:
		case <-ctx.Done():
			return
		}
	}
}
