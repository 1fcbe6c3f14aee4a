package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"notifyhub/internal/model"
	"notifyhub/pkg/logx"
)

type memItem struct {
	body   []byte
	deaths int
}

// Memory is an in-process Broker with the same ack policy as Client: a
// failed message comes back after RetryTTL, poison and exhausted messages are
// parked. Used when no broker URL is configured and in tests.
type Memory struct {
	cfg Config
	log logx.Logger

	ch     chan memItem
	mu     sync.Mutex
	parked [][]byte
	closed bool
	done   chan struct{}
	timers map[*time.Timer]memItem
}

var _ Broker = (*Memory)(nil)

func NewMemory(cfg Config, log logx.Logger) *Memory {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Memory{
		cfg:    cfg.withDefaults(),
		log:    log.With(logx.String("comp", "queue.memory")),
		ch:     make(chan memItem, 1024),
		done:   make(chan struct{}),
		timers: map[*time.Timer]memItem{},
	}
}

func (m *Memory) Publish(ctx context.Context, msg model.QueueMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return m.enqueue(ctx, memItem{body: body})
}

// PublishRaw enqueues an arbitrary body (tests use it for poison messages).
func (m *Memory) PublishRaw(ctx context.Context, body []byte) error {
	return m.enqueue(ctx, memItem{body: body})
}

func (m *Memory) enqueue(ctx context.Context, it memItem) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return errors.New("queue closed")
	}
	select {
	case m.ch <- it:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Consume(ctx context.Context, h Handler) error {
	var wg sync.WaitGroup
	for range m.cfg.Prefetch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case it := <-m.ch:
					m.process(ctx, it, h)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (m *Memory) process(ctx context.Context, it memItem, h Handler) {
	if m.cfg.MaxRedeliveries > 0 && it.deaths >= m.cfg.MaxRedeliveries {
		m.park(it.body)
		m.log.Warn("message parked after max redeliveries", logx.Int("deaths", it.deaths))
		return
	}
	msg, err := Decode(it.body)
	if err == nil {
		err = h(ctx, msg)
	}
	switch {
	case err == nil:
	case errors.Is(err, ErrPoison):
		m.park(it.body)
	default:
		it.deaths++
		m.retryLater(it)
	}
}

// retryLater requeues it after RetryTTL. A full queue blocks the timer
// goroutine instead of dropping; on Close the message is parked.
func (m *Memory) retryLater(it memItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		m.parked = append(m.parked, it.body)
		return
	}
	var t *time.Timer
	t = time.AfterFunc(m.cfg.RetryTTL, func() {
		m.mu.Lock()
		if _, ok := m.timers[t]; !ok {
			m.mu.Unlock()
			return
		}
		delete(m.timers, t)
		m.mu.Unlock()
		select {
		case m.ch <- it:
		default:
			m.log.Warn("retry waiting, queue full")
			select {
			case m.ch <- it:
			case <-m.done:
				m.park(it.body)
			}
		}
	})
	m.timers[t] = it
}

func (m *Memory) park(body []byte) {
	m.mu.Lock()
	m.parked = append(m.parked, body)
	m.mu.Unlock()
}

// Parked returns the bodies moved to the final queue.
func (m *Memory) Parked() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.parked...)
}

// Close parks messages still waiting for their retry delay.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	for t, it := range m.timers {
		t.Stop()
		m.parked = append(m.parked, it.body)
	}
	m.timers = map[*time.Timer]memItem{}
	return nil
}
