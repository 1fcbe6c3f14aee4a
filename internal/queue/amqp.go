package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"notifyhub/internal/model"
	"notifyhub/pkg/logx"
)

// Client is the RabbitMQ-backed Broker.
type Client struct {
	cfg  Config
	log  logx.Logger
	dial func(url string) (*amqp.Connection, error)

	mu    sync.Mutex
	conn  *amqp.Connection
	pubCh *amqp.Channel
}

var _ Broker = (*Client)(nil)

func NewClient(cfg Config, log logx.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("queue url is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg.withDefaults(),
		log:  log.With(logx.String("comp", "queue")),
		dial: amqp.Dial,
	}, nil
}

// Connect dials the broker and declares the topology. Consume and Publish
// call it lazily.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.connection(ctx)
	return err
}

func (c *Client) connection(ctx context.Context) (*amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	host := ""
	if u, _ := url.Parse(c.cfg.URL); u != nil {
		host = u.Host
	}
	conn, err := c.dial(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", host, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declareTopology(ch, c.cfg); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare topology: %w", err)
	}
	c.conn = conn
	c.pubCh = ch
	c.log.Info("connected", logx.String("host", host), logx.String("queue", c.cfg.Queue))
	return conn, nil
}

// declareTopology declares the primary, retry and final queues and the
// dead-letter exchange. Declarations are idempotent.
func declareTopology(ch *amqp.Channel, cfg Config) error {
	if err := ch.ExchangeDeclare(cfg.DeadExchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	mainArgs := amqp.Table{
		"x-dead-letter-exchange":    cfg.DeadExchange,
		"x-dead-letter-routing-key": cfg.RetryQueue,
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, mainArgs); err != nil {
		return err
	}
	retryArgs := amqp.Table{
		"x-message-ttl":             int32(cfg.RetryTTL / time.Millisecond),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.Queue,
	}
	if _, err := ch.QueueDeclare(cfg.RetryQueue, true, false, false, false, retryArgs); err != nil {
		return err
	}
	if err := ch.QueueBind(cfg.RetryQueue, cfg.RetryQueue, cfg.DeadExchange, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(cfg.FinalQueue, true, false, false, false, nil); err != nil {
		return err
	}
	return nil
}

// Publish sends msg to the primary queue as a persistent JSON message.
func (c *Client) Publish(ctx context.Context, msg model.QueueMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return c.publish(ctx, c.cfg.Queue, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Type:         string(msg.Payload.Type),
	})
}

func (c *Client) publish(ctx context.Context, routingKey string, p amqp.Publishing) error {
	if _, err := c.connection(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pubCh == nil || c.pubCh.IsClosed() {
		return errors.New("publish channel closed")
	}
	if err := c.pubCh.PublishWithContext(ctx, "", routingKey, false, false, p); err != nil {
		return fmt.Errorf("publish to %s: %w", routingKey, err)
	}
	return nil
}

// park copies d into the final queue.
func (c *Client) park(ctx context.Context, d amqp.Delivery) error {
	return c.publish(ctx, c.cfg.FinalQueue, amqp.Publishing{
		ContentType:   firstNonEmpty(d.ContentType, "application/json"),
		Body:          d.Body,
		Headers:       d.Headers,
		MessageId:     d.MessageId,
		CorrelationId: d.CorrelationId,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		Type:          d.Type,
	})
}

// Consume runs Prefetch handler workers on one channel and reconnects with
// jittered backoff whenever the connection or channel closes.
func (c *Client) Consume(ctx context.Context, h Handler) error {
	backoff := c.cfg.ReconnectBase
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.consumeOnce(ctx, h)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := jitteredDelay(backoff, c.cfg.ReconnectMax, 25)
		c.log.Warn("consumer interrupted, reconnecting", logx.Err(err), logx.Duration("retry_in", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if err == nil {
			backoff = c.cfg.ReconnectBase
		} else if backoff*2 < c.cfg.ReconnectMax {
			backoff *= 2
		}
	}
}

func (c *Client) consumeOnce(ctx context.Context, h Handler) error {
	conn, err := c.connection(ctx)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	msgs, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	c.log.Info("consumer started", logx.String("queue", c.cfg.Queue), logx.Int("prefetch", c.cfg.Prefetch))

	var wg sync.WaitGroup
	for range c.cfg.Prefetch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range msgs {
				c.process(ctx, d, h)
			}
		}()
	}

	var cause error
	select {
	case <-ctx.Done():
		cause = ctx.Err()
	case e := <-connClosed:
		cause = closeCause("connection", e)
	case e := <-chClosed:
		cause = closeCause("channel", e)
	}
	_ = ch.Close()
	wg.Wait()
	return cause
}

func closeCause(what string, e *amqp.Error) error {
	if e == nil {
		return fmt.Errorf("%s closed", what)
	}
	return fmt.Errorf("%s closed: %w", what, e)
}

// process applies the ack policy for one delivery.
func (c *Client) process(ctx context.Context, d amqp.Delivery, h Handler) {
	decide(ctx, c.cfg, c.log, d, h, c.park)
}

// decide is the transport-independent ack policy: redelivery cap, poison
// parking, ack on success and reject into the retry stage on error.
func decide(ctx context.Context, cfg Config, log logx.Logger, d amqp.Delivery, h Handler, park func(context.Context, amqp.Delivery) error) {
	deaths := DeathCount(d.Headers, cfg.Queue)
	if cfg.MaxRedeliveries > 0 && deaths >= cfg.MaxRedeliveries {
		if err := park(ctx, d); err != nil {
			log.Error("park exhausted message failed", logx.String("msg_id", d.MessageId), logx.Err(err))
			_ = d.Nack(false, false)
			return
		}
		log.Warn("message parked after max redeliveries", logx.String("msg_id", d.MessageId), logx.Int("deaths", deaths))
		_ = d.Ack(false)
		return
	}

	msg, err := Decode(d.Body)
	if err == nil {
		err = h(ctx, msg)
	}
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, ErrPoison):
		if perr := park(ctx, d); perr != nil {
			log.Error("park poison message failed", logx.String("msg_id", d.MessageId), logx.Err(perr))
		}
		log.Warn("poison message parked", logx.String("msg_id", d.MessageId))
		_ = d.Ack(false)
	default:
		log.Debug("delivery failed, retrying via dead-letter", logx.String("msg_id", d.MessageId), logx.Int("deaths", deaths), logx.Err(err))
		_ = d.Nack(false, false)
	}
}

// DeathCount reads how many times the message was dead-lettered from queue.
func DeathCount(headers amqp.Table, queue string) int {
	raw, ok := headers["x-death"]
	if !ok {
		return 0
	}
	list, ok := raw.([]any)
	if !ok {
		return 0
	}
	for _, it := range list {
		m, ok := it.(amqp.Table)
		if !ok {
			continue
		}
		if q, _ := m["queue"].(string); q != queue {
			continue
		}
		switch n := m["count"].(type) {
		case int64:
			return int(n)
		case int32:
			return int(n)
		case int:
			return n
		}
	}
	return 0
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pubCh != nil {
		_ = c.pubCh.Close()
		c.pubCh = nil
	}
	if c.conn != nil && !c.conn.IsClosed() {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
