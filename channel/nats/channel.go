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

// Package nats is a channel on a NATS JetStream stream with a durable pull
// consumer. Messages are published on one subject per partition key.
package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	er "github.com/looplab/eventrelay"
)

// DefaultAckWait is the time to wait for acks before redelivering a message.
var DefaultAckWait = 30 * time.Second

// Channel is a channel on a JetStream stream.
type Channel struct {
	stream   string
	durable  string
	conn     *nats.Conn
	connOpts []nats.Option
	js       nats.JetStreamContext
	sub      *nats.Subscription
	ackWait  time.Duration
	fetchMax time.Duration
}

// Option is an option setter used to configure creation.
type Option func(*Channel) error

// WithNATSOptions adds the NATS options to the underlying client.
func WithNATSOptions(opts ...nats.Option) Option {
	return func(c *Channel) error {
		c.connOpts = opts
		return nil
	}
}

// WithAckWait sets the time a delivery may stay unsettled before it is
// redelivered.
func WithAckWait(d time.Duration) Option {
	return func(c *Channel) error {
		if d <= 0 {
			return fmt.Errorf("invalid ack wait: %s", d)
		}

		c.ackWait = d

		return nil
	}
}

// NewChannel creates a Channel on a stream, consuming with a durable consumer.
func NewChannel(url, stream, durable string, options ...Option) (*Channel, error) {
	c := &Channel{
		stream:   stream,
		durable:  durable,
		ackWait:  DefaultAckWait,
		fetchMax: time.Second,
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

	if c.conn, err = nats.Connect(url, c.connOpts...); err != nil {
		return nil, fmt.Errorf("could not connect to NATS: %w", err)
	}

	if c.js, err = c.conn.JetStream(); err != nil {
		return nil, fmt.Errorf("could not create JetStream context: %w", err)
	}

	// Get or create the stream.
	if _, err := c.js.StreamInfo(stream); errors.Is(err, nats.ErrStreamNotFound) {
		if _, err := c.js.AddStream(&nats.StreamConfig{
			Name:     stream,
			Subjects: []string{stream + ".*"},
			Storage:  nats.FileStorage,
		}); err != nil {
			return nil, fmt.Errorf("could not create JetStream stream: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("could not get JetStream stream: %w", err)
	}

	return c, nil
}

// Send implements the Send method of the eventrelay.Sender interface. It
// returns when the stream has stored the message. The event ID is used for
// server side deduplication of retransmissions.
func (c *Channel) Send(ctx context.Context, m *er.Message) error {
	msg := nats.NewMsg(c.stream + "." + m.Key)
	msg.Data = m.Body

	opts := []nats.PubOpt{nats.Context(ctx)}
	if m.ID != "" {
		opts = append(opts, nats.MsgId(m.ID))
	}

	if _, err := c.js.PublishMsg(msg, opts...); err != nil {
		return fmt.Errorf("could not publish to JetStream: %w", err)
	}

	return nil
}

// Receive implements the Receive method of the eventrelay.Receiver interface.
func (c *Channel) Receive(ctx context.Context) (*er.Delivery, error) {
	if c.sub == nil {
		sub, err := c.js.PullSubscribe(c.stream+".*", c.durable,
			nats.BindStream(c.stream),
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.AckWait(c.ackWait),
			nats.DeliverAll(),
		)
		if err != nil {
			return nil, fmt.Errorf("could not subscribe to JetStream: %w", err)
		}

		c.sub = sub
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msgs, err := c.sub.Fetch(1, nats.MaxWait(c.fetchMax))
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			continue
		} else if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
			return nil, er.ErrChannelClosed
		} else if err != nil {
			return nil, fmt.Errorf("could not fetch from JetStream: %w", err)
		}

		if len(msgs) == 0 {
			continue
		}

		msg := msgs[0]

		attempt := 1
		if md, err := msg.Metadata(); err == nil && md.NumDelivered > 0 {
			attempt = int(md.NumDelivered)
		}

		return &er.Delivery{
			Body:    msg.Data,
			Key:     msg.Subject[len(c.stream)+1:],
			Attempt: attempt,
			Tag:     msg,
		}, nil
	}
}

// Ack implements the Ack method of the eventrelay.Receiver interface.
func (c *Channel) Ack(ctx context.Context, d *er.Delivery) error {
	msg, ok := d.Tag.(*nats.Msg)
	if !ok {
		return fmt.Errorf("invalid delivery tag: %T", d.Tag)
	}

	if err := msg.AckSync(nats.Context(ctx)); err != nil {
		return fmt.Errorf("could not ack JetStream message: %w", err)
	}

	return nil
}

// Reject implements the Reject method of the eventrelay.Receiver interface.
// Without requeue the message is terminated and never redelivered.
func (c *Channel) Reject(ctx context.Context, d *er.Delivery, requeue bool) error {
	msg, ok := d.Tag.(*nats.Msg)
	if !ok {
		return fmt.Errorf("invalid delivery tag: %T", d.Tag)
	}

	var err error
	if requeue {
		err = msg.Nak()
	} else {
		err = msg.Term()
	}

	if err != nil {
		return fmt.Errorf("could not reject JetStream message: %w", err)
	}

	return nil
}

// Close implements the Close method of the eventrelay.Channel interface.
func (c *Channel) Close() error {
	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			c.conn.Close()
			return fmt.Errorf("could not unsubscribe: %w", err)
		}
	}

	c.conn.Close()

	return nil
}
