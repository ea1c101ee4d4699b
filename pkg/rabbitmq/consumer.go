package rabbitmq

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Delivery is one message received from the queue. Exactly one of Ack or
// Abandon settles it; an abandoned delivery stays unacknowledged on the broker.
type Delivery interface {
	Topic() string
	Payload() []byte
	Redelivered() bool
	Ack() error
	Abandon()
}

// IConsumer is a durable subscription handing out one delivery at a time.
type IConsumer interface {
	Subscribe(ctx context.Context) error
	Receive(ctx context.Context) (Delivery, error)
	Connected() bool
	Close() error
}

// Consumer bridges paho callbacks to a pull-style Receive.
// The paho callback does not return until the previous delivery is settled,
// so at most one message is in flight on the client side.
type Consumer struct {
	client mqtt.Client
	topic  string
	qos    byte

	deliveries chan *delivery
	closed     chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

var _ IConsumer = (*Consumer)(nil)

// NewConsumer creates a QoS 1 consumer on topic using the shared client.
func NewConsumer(client mqtt.Client, topic string) *Consumer {
	return &Consumer{
		client:     client,
		topic:      topic,
		qos:        1,
		deliveries: make(chan *delivery),
		closed:     make(chan struct{}),
	}
}

// Subscribe registers the subscription on the broker. With a persistent session
// RabbitMQ binds it to a durable queue.
func (c *Consumer) Subscribe(ctx context.Context) error {
	token := c.client.Subscribe(c.topic, c.qos, c.onMessage)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", c.topic, err)
	}
	log.Printf("Successfully subscribed to topic %s", c.topic)
	return nil
}

func (c *Consumer) onMessage(_ mqtt.Client, m mqtt.Message) {
	d := &delivery{client: c.client, msg: m, settled: make(chan struct{})}
	select {
	case c.deliveries <- d:
	case <-c.closed:
		return
	}
	select {
	case <-d.settled:
	case <-c.closed:
	}
}

// Receive blocks until a message arrives, ctx is done or the consumer is closed.
func (c *Consumer) Receive(ctx context.Context) (Delivery, error) {
	select {
	case <-c.closed:
		return nil, ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrQueueClosed
	case d := <-c.deliveries:
		return d, nil
	}
}

func (c *Consumer) Connected() bool {
	return c.client != nil && c.client.IsConnectionOpen()
}

// Close unsubscribes and disconnects. Only the first call has an effect.
func (c *Consumer) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.client.IsConnectionOpen() {
			token := c.client.Unsubscribe(c.topic)
			if !token.WaitTimeout(2 * time.Second) {
				c.closeErr = fmt.Errorf("unsubscribe %s: timeout", c.topic)
			} else if err := token.Error(); err != nil {
				c.closeErr = fmt.Errorf("unsubscribe %s: %w", c.topic, err)
			}
		}
		CloseRabbitMQConn(c.client)
	})
	return c.closeErr
}

type delivery struct {
	client  mqtt.Client
	msg     mqtt.Message
	once    sync.Once
	settled chan struct{}
}

func (d *delivery) Topic() string     { return d.msg.Topic() }
func (d *delivery) Payload() []byte   { return d.msg.Payload() }
func (d *delivery) Redelivered() bool { return d.msg.Duplicate() }

func (d *delivery) Ack() error {
	var err error
	d.once.Do(func() {
		defer close(d.settled)
		if !d.client.IsConnectionOpen() {
			err = ErrNotConnected
			return
		}
		d.msg.Ack()
	})
	return err
}

func (d *delivery) Abandon() {
	d.once.Do(func() { close(d.settled) })
}
