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

// Package gcp is a channel on a Google Cloud Pub/Sub topic with message
// ordering enabled, so all messages with the same key are delivered in order.
package gcp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	er "github.com/looplab/eventrelay"
)

// DefaultAckDeadline is the default ack deadline of created subscriptions.
var DefaultAckDeadline = 30 * time.Second

const attemptAttribute = "attempt"

// Channel is a channel on a Pub/Sub topic and subscription.
type Channel struct {
	client      *pubsub.Client
	clientOpts  []option.ClientOption
	topic       *pubsub.Topic
	sub         *pubsub.Subscription
	subName     string
	ackDeadline time.Duration

	recvOnce sync.Once
	msgs     chan *pubsub.Message
	recvErr  chan error
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Option is an option setter used to configure creation.
type Option func(*Channel) error

// WithPubSubOptions adds the client options to the underlying client, for
// example the emulator endpoint.
func WithPubSubOptions(opts ...option.ClientOption) Option {
	return func(c *Channel) error {
		c.clientOpts = append(c.clientOpts, opts...)
		return nil
	}
}

// WithAckDeadline sets the ack deadline used when creating the subscription.
func WithAckDeadline(d time.Duration) Option {
	return func(c *Channel) error {
		if d < 10*time.Second || d > 600*time.Second {
			return fmt.Errorf("invalid ack deadline: %s", d)
		}

		c.ackDeadline = d

		return nil
	}
}

// NewChannel creates a Channel on a topic, consuming from the named
// subscription. Both are created if missing.
func NewChannel(projectID, topicName, subName string, options ...Option) (*Channel, error) {
	c := &Channel{
		subName:     subName,
		ackDeadline: DefaultAckDeadline,
		msgs:        make(chan *pubsub.Message),
		recvErr:     make(chan error, 1),
	}

	for _, option := range options {
		if option == nil {
			continue
		}

		if err := option(c); err != nil {
			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	ctx := context.Background()

	var err error
	if c.client, err = pubsub.NewClient(ctx, projectID, c.clientOpts...); err != nil {
		return nil, fmt.Errorf("could not create Pub/Sub client: %w", err)
	}

	// Get or create the topic.
	c.topic = c.client.Topic(topicName)
	if ok, err := c.topic.Exists(ctx); err != nil {
		return nil, fmt.Errorf("could not check Pub/Sub topic: %w", err)
	} else if !ok {
		if c.topic, err = c.client.CreateTopic(ctx, topicName); err != nil {
			return nil, fmt.Errorf("could not create Pub/Sub topic: %w", err)
		}
	}

	c.topic.EnableMessageOrdering = true

	// Get or create the subscription.
	c.sub = c.client.Subscription(subName)
	if ok, err := c.sub.Exists(ctx); err != nil {
		return nil, fmt.Errorf("could not check Pub/Sub subscription: %w", err)
	} else if !ok {
		if c.sub, err = c.client.CreateSubscription(ctx, subName,
			pubsub.SubscriptionConfig{
				Topic:                 c.topic,
				AckDeadline:           c.ackDeadline,
				EnableMessageOrdering: true,
			},
		); err != nil {
			return nil, fmt.Errorf("could not create Pub/Sub subscription: %w", err)
		}
	}

	return c, nil
}

// Send implements the Send method of the eventrelay.Sender interface. It
// returns when the server has assigned a message ID.
func (c *Channel) Send(ctx context.Context, m *er.Message) error {
	return c.publish(ctx, m.Key, m.Body, m.ID, 1)
}

func (c *Channel) publish(ctx context.Context, key string, body []byte, id string, attempt int) error {
	res := c.topic.Publish(ctx, &pubsub.Message{
		Data:        body,
		OrderingKey: key,
		Attributes: map[string]string{
			"event_id":       id,
			attemptAttribute: strconv.Itoa(attempt),
		},
	})

	if _, err := res.Get(ctx); err != nil {
		// Publishing for an ordering key is paused after a failure.
		c.topic.ResumePublish(key)

		return fmt.Errorf("could not publish to Pub/Sub: %w", err)
	}

	return nil
}

// Receive implements the Receive method of the eventrelay.Receiver interface.
func (c *Channel) Receive(ctx context.Context) (*er.Delivery, error) {
	c.recvOnce.Do(c.startReceiving)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-c.recvErr:
		return nil, err
	case msg, ok := <-c.msgs:
		if !ok {
			return nil, er.ErrChannelClosed
		}

		attempt := 1
		if msg.DeliveryAttempt != nil {
			attempt = *msg.DeliveryAttempt
		} else if n, err := strconv.Atoi(msg.Attributes[attemptAttribute]); err == nil && n > 0 {
			attempt = n
		}

		return &er.Delivery{
			Body:    msg.Data,
			Key:     msg.OrderingKey,
			Attempt: attempt,
			Tag:     msg,
		}, nil
	}
}

// startReceiving bridges the push style Receive of the client to the pull
// style Receive of the channel.
func (c *Channel) startReceiving() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		defer close(c.msgs)

		err := c.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
			select {
			case c.msgs <- msg:
			case <-ctx.Done():
				msg.Nack()
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			select {
			case c.recvErr <- fmt.Errorf("could not receive from Pub/Sub: %w", err):
			default:
				log.Printf("eventrelay: missed error in Pub/Sub channel: %s", err)
			}
		}
	}()
}

// Ack implements the Ack method of the eventrelay.Receiver interface.
func (c *Channel) Ack(ctx context.Context, d *er.Delivery) error {
	msg, ok := d.Tag.(*pubsub.Message)
	if !ok {
		return fmt.Errorf("invalid delivery tag: %T", d.Tag)
	}

	msg.Ack()

	return nil
}

// Reject implements the Reject method of the eventrelay.Receiver interface.
// Subscriptions without a dead letter policy do not count deliveries, so a
// requeue is done by publishing again with a higher attempt.
func (c *Channel) Reject(ctx context.Context, d *er.Delivery, requeue bool) error {
	msg, ok := d.Tag.(*pubsub.Message)
	if !ok {
		return fmt.Errorf("invalid delivery tag: %T", d.Tag)
	}

	if !requeue {
		msg.Ack()
		return nil
	}

	if msg.DeliveryAttempt != nil {
		msg.Nack()
		return nil
	}

	if err := c.publish(ctx, d.Key, d.Body, msg.Attributes["event_id"], d.Attempt+1); err != nil {
		msg.Nack()
		return fmt.Errorf("could not requeue: %w", err)
	}

	msg.Ack()

	return nil
}

// Close implements the Close method of the eventrelay.Channel interface.
func (c *Channel) Close() error {
	if c.cancel != nil {
		c.cancel()
	}

	c.wg.Wait()
	c.topic.Stop()

	return c.client.Close()
}
