// Copyright (c) 2025 - The Event Relay authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package amqp is a channel on a durable RabbitMQ queue, bound to a direct
// exchange. Publishing waits for publisher confirms.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/streadway/amqp"

	er "github.com/looplab/eventrelay"
)

// DefaultPrefetch is the default number of unacked deliveries per consumer.
var DefaultPrefetch = 10

// ErrNotConfirmed is when the broker nacked a published message.
var ErrNotConfirmed = errors.New("message not confirmed by broker")

// ErrUnroutable is when the broker returned a published message because no
// queue was bound for it.
var ErrUnroutable = errors.New("message returned by broker as unroutable")

const (
	keyHeader     = "x-key"
	attemptHeader = "x-attempt"
	seqHeader     = "x-publish-seq"
)

// Buffers of the confirm and return listeners. The library blocks the
// connection while a listener is full.
const (
	confirmBuffer = 64
	returnBuffer  = 16
)

// Channel is a channel on a RabbitMQ queue.
type Channel struct {
	exchange string
	queue    string
	prefetch int

	conn *amqp.Connection

	pub     *amqp.Channel
	tracker *confirmTracker
	pubMu   sync.Mutex

	consume     *amqp.Channel
	deliveries  <-chan amqp.Delivery
	consumeOnce sync.Once
	consumeErr  error
}

// Option is an option setter used to configure creation.
type Option func(*Channel) error

// WithPrefetch sets the number of unacked deliveries the broker sends ahead.
func WithPrefetch(n int) Option {
	return func(c *Channel) error {
		if n < 1 {
			return fmt.Errorf("invalid prefetch: %d", n)
		}

		c.prefetch = n

		return nil
	}
}

// NewChannel creates a Channel on a queue, declaring the exchange, queue and
// binding if needed.
func NewChannel(url, exchange, queue string, options ...Option) (*Channel, error) {
	c := &Channel{
		exchange: exchange,
		queue:    queue,
		prefetch: DefaultPrefetch,
	}

	for _, option := range options {
		if option == nil {
			continue
		}

		if err := option(c); err != nil {
			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	var err error
	if c.conn, err = amqp.Dial(url); err != nil {
		return nil, fmt.Errorf("could not connect to AMQP broker: %w", err)
	}

	if err := c.setup(); err != nil {
		c.conn.Close()

		return nil, err
	}

	return c, nil
}

func (c *Channel) setup() error {
	var err error
	if c.pub, err = c.conn.Channel(); err != nil {
		return fmt.Errorf("could not create the channel: %w", err)
	}

	if err := c.pub.ExchangeDeclare(
		c.exchange,
		"direct",
		true,  // durable
		false, // delete when unused
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("could not declare the exchange: %w", err)
	}

	if _, err := c.pub.QueueDeclare(
		c.queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("could not declare the queue: %w", err)
	}

	if err := c.pub.QueueBind(c.queue, c.queue, c.exchange, false, nil); err != nil {
		return fmt.Errorf("could not bind the queue: %w", err)
	}

	if err := c.pub.Confirm(false); err != nil {
		return fmt.Errorf("could not enable publisher confirms: %w", err)
	}

	c.tracker = &confirmTracker{
		confirms: c.pub.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer)),
		returns:  c.pub.NotifyReturn(make(chan amqp.Return, returnBuffer)),
	}

	return nil
}

// Send implements the Send method of the eventrelay.Sender interface. It
// returns when the broker has confirmed the persistent message.
func (c *Channel) Send(ctx context.Context, m *er.Message) error {
	return c.publish(ctx, m.ID, m.Key, m.Body, 1)
}

func (c *Channel) publish(ctx context.Context, id, key string, body []byte, attempt int) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	tag := c.tracker.next()

	if err := c.pub.Publish(
		c.exchange,
		c.queue, // routing key
		true,    // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    id,
			Headers: amqp.Table{
				keyHeader:     key,
				attemptHeader: int32(attempt),
				seqHeader:     int64(tag),
			},
			Body: body,
		},
	); err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			return er.ErrChannelClosed
		}

		return fmt.Errorf("could not publish: %w", err)
	}

	c.tracker.published()

	return c.tracker.wait(ctx, tag)
}

// confirmTracker matches publisher confirms and returns to their publish.
// Delivery tags count successful publishes on the channel from 1. Publishes
// must be serialized by the caller.
type confirmTracker struct {
	seq      uint64
	confirms <-chan amqp.Confirmation
	returns  <-chan amqp.Return
}

// next is the delivery tag the next publish will get.
func (t *confirmTracker) next() uint64 {
	return t.seq + 1
}

func (t *confirmTracker) published() {
	t.seq++
}

// wait waits for the confirm of tag. Confirms and returns of earlier
// publishes that gave up waiting are discarded.
func (t *confirmTracker) wait(ctx context.Context, tag uint64) error {
	returned := false

	for {
		select {
		case r, ok := <-t.returns:
			if !ok {
				return er.ErrChannelClosed
			}

			if returnTag(r) == tag {
				returned = true
			}
		case conf, ok := <-t.confirms:
			if !ok {
				return er.ErrChannelClosed
			}

			if conf.DeliveryTag < tag {
				continue
			} else if conf.DeliveryTag > tag {
				return fmt.Errorf("%w: got confirm %d while waiting for %d", ErrNotConfirmed, conf.DeliveryTag, tag)
			}

			if !conf.Ack {
				return ErrNotConfirmed
			}

			// The broker sends the return before the confirm.
			if returned || t.drainReturns(tag) {
				return ErrUnroutable
			}

			return nil
		case <-ctx.Done():
			return fmt.Errorf("could not get publisher confirm: %w", ctx.Err())
		}
	}
}

// drainReturns reads the buffered returns, reporting if one is for tag.
func (t *confirmTracker) drainReturns(tag uint64) bool {
	for {
		select {
		case r, ok := <-t.returns:
			if !ok {
				return false
			}

			if returnTag(r) == tag {
				return true
			}
		default:
			return false
		}
	}
}

func returnTag(r amqp.Return) uint64 {
	if n, ok := r.Headers[seqHeader].(int64); ok && n > 0 {
		return uint64(n)
	}

	return 0
}

// Receive implements the Receive method of the eventrelay.Receiver interface.
func (c *Channel) Receive(ctx context.Context) (*er.Delivery, error) {
	c.consumeOnce.Do(func() {
		c.consumeErr = c.startConsuming()
	})

	if c.consumeErr != nil {
		return nil, c.consumeErr
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d, ok := <-c.deliveries:
		if !ok {
			return nil, er.ErrChannelClosed
		}

		key, _ := d.Headers[keyHeader].(string)

		attempt := headerInt(d.Headers[attemptHeader])
		if d.Redelivered {
			// Redelivered by the broker after a consumer went away.
			attempt++
		}

		return &er.Delivery{
			Body:    d.Body,
			Key:     key,
			Attempt: attempt,
			Tag:     d,
		}, nil
	}
}

func (c *Channel) startConsuming() error {
	var err error
	if c.consume, err = c.conn.Channel(); err != nil {
		return fmt.Errorf("could not create the channel: %w", err)
	}

	if err := c.consume.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("could not set QoS: %w", err)
	}

	if c.deliveries, err = c.consume.Consume(
		c.queue,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("could not register the consumer: %w", err)
	}

	return nil
}

// Ack implements the Ack method of the eventrelay.Receiver interface.
func (c *Channel) Ack(ctx context.Context, d *er.Delivery) error {
	msg, ok := d.Tag.(amqp.Delivery)
	if !ok {
		return fmt.Errorf("invalid delivery tag: %T", d.Tag)
	}

	if err := msg.Ack(false); err != nil {
		return fmt.Errorf("could not ack: %w", err)
	}

	return nil
}

// Reject implements the Reject method of the eventrelay.Receiver interface.
// The broker only flags redeliveries, so a requeue publishes the message
// again with a higher attempt before acking the original.
func (c *Channel) Reject(ctx context.Context, d *er.Delivery, requeue bool) error {
	msg, ok := d.Tag.(amqp.Delivery)
	if !ok {
		return fmt.Errorf("invalid delivery tag: %T", d.Tag)
	}

	if !requeue {
		if err := msg.Reject(false); err != nil {
			return fmt.Errorf("could not reject: %w", err)
		}

		return nil
	}

	if err := c.publish(ctx, msg.MessageId, d.Key, d.Body, d.Attempt+1); err != nil {
		if nackErr := msg.Nack(false, true); nackErr != nil {
			return fmt.Errorf("could not requeue: %w (nack: %s)", err, nackErr)
		}

		return fmt.Errorf("could not requeue: %w", err)
	}

	if err := msg.Ack(false); err != nil {
		return fmt.Errorf("could not ack requeued message: %w", err)
	}

	return nil
}

// Close implements the Close method of the eventrelay.Channel interface.
func (c *Channel) Close() error {
	if c.consume != nil {
		c.consume.Close()
	}

	c.pub.Close()

	return c.conn.Close()
}

func headerInt(v interface{}) int {
	var n int

	switch t := v.(type) {
	case int32:
		n = int(t)
	case int64:
		n = int(t)
	case int:
		n = t
	case int16:
		n = int(t)
	case int8:
		n = int(t)
	}

	if n < 1 {
		return 1
	}

	return n
}
