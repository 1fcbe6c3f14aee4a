// Package queue carries notification deliveries over a durable queue with a
// dead-letter retry stage: a failed message is rejected into a dead-letter
// exchange, waits RetryTTL in the retry queue and is routed back to the
// primary queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"notifyhub/internal/model"
)

// ErrPoison marks a message that can never be handled (undecodable body).
// It is parked in the final queue and acknowledged.
var ErrPoison = errors.New("poison message")

// Handler processes one decoded message. nil acks, ErrPoison parks, any other
// error sends the message through the retry stage.
type Handler func(ctx context.Context, msg model.QueueMessage) error

type Publisher interface {
	Publish(ctx context.Context, msg model.QueueMessage) error
}

// Broker is a Publisher that can also run the consumer loop.
type Broker interface {
	Publisher
	// Consume blocks until ctx is done.
	Consume(ctx context.Context, h Handler) error
	Close() error
}

type Config struct {
	URL          string
	Queue        string
	DeadExchange string
	RetryQueue   string
	FinalQueue   string
	RetryTTL     time.Duration
	Prefetch     int
	// MaxRedeliveries parks a message once it was rejected this many times.
	// 0 disables the cap; the notification's expiry then ends the cycle.
	MaxRedeliveries int
	ReconnectBase   time.Duration
	ReconnectMax    time.Duration
}

const DefaultMaxRedeliveries = 50

func (c Config) withDefaults() Config {
	c.Queue = firstNonEmpty(c.Queue, "notifications")
	c.DeadExchange = firstNonEmpty(c.DeadExchange, c.Queue+"-dlx")
	c.RetryQueue = firstNonEmpty(c.RetryQueue, c.Queue+"-retry")
	c.FinalQueue = firstNonEmpty(c.FinalQueue, c.Queue+"-final")
	if c.RetryTTL <= 0 {
		c.RetryTTL = 30 * time.Second
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 10
	}
	if c.MaxRedeliveries < 0 {
		c.MaxRedeliveries = 0
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax < c.ReconnectBase {
		c.ReconnectMax = 30 * time.Second
	}
	return c
}

// Decode turns a raw body into a message; failures are ErrPoison.
func Decode(body []byte) (model.QueueMessage, error) {
	var msg model.QueueMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, ErrPoison
	}
	if msg.RecipientID == 0 || msg.Payload.NotificationID == 0 {
		return msg, ErrPoison
	}
	return msg, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
