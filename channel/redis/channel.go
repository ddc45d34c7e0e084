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

// Package redis is a channel on a Redis stream, consumed by a consumer
// group. Entries left pending by a crashed consumer are claimed by the
// remaining consumers once they have been idle long enough.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	er "github.com/looplab/eventrelay"
)

// DefaultClaimIdle is the default time a pending entry must be idle before
// another consumer claims it.
var DefaultClaimIdle = 30 * time.Second

const (
	idKey      = "id"
	keyKey     = "key"
	bodyKey    = "body"
	attemptKey = "attempt"
)

// Channel is a channel on a Redis stream.
type Channel struct {
	stream     string
	group      string
	consumer   string
	client     *redis.Client
	clientOpts *redis.Options
	claimIdle  time.Duration
	block      time.Duration

	lastClaim time.Time
	claimMu   sync.Mutex
}

// Option is an option setter used to configure creation.
type Option func(*Channel) error

// WithRedisOptions uses the Redis options for the underlying client, instead of the defaults.
func WithRedisOptions(opts *redis.Options) Option {
	return func(c *Channel) error {
		c.clientOpts = opts
		return nil
	}
}

// WithClaimIdle sets the idle time after which pending entries of other
// consumers are claimed.
func WithClaimIdle(d time.Duration) Option {
	return func(c *Channel) error {
		if d <= 0 {
			return fmt.Errorf("invalid claim idle time: %s", d)
		}

		c.claimIdle = d

		return nil
	}
}

// NewChannel creates a Channel on a stream for a consumer in a group.
func NewChannel(addr, stream, group, consumer string, options ...Option) (*Channel, error) {
	c := &Channel{
		stream:    stream,
		group:     group,
		consumer:  consumer,
		claimIdle: DefaultClaimIdle,
		block:     time.Second,
	}

	for _, option := range options {
		if option == nil {
			continue
		}

		if err := option(c); err != nil {
			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	// Default client options.
	if c.clientOpts == nil {
		c.clientOpts = &redis.Options{
			Addr: addr,
		}
	}

	ctx := context.Background()

	// Create client and check connection.
	c.client = redis.NewClient(c.clientOpts)
	if res, err := c.client.Ping(ctx).Result(); err != nil || res != "PONG" {
		return nil, fmt.Errorf("could not check Redis server: %w", err)
	}

	// Get or create the group, reading from the start of the stream.
	res, err := c.client.XGroupCreateMkStream(ctx, stream, group, "0").Result()
	if err != nil {
		// Ignore group exists non-errors.
		if !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("could not create consumer group: %w", err)
		}
	} else if res != "OK" {
		return nil, fmt.Errorf("could not create consumer group: %s", res)
	}

	return c, nil
}

// Send implements the Send method of the eventrelay.Sender interface. Redis
// has acknowledged the entry when XADD returns.
func (c *Channel) Send(ctx context.Context, m *er.Message) error {
	if _, err := c.client.XAdd(ctx, c.args(m.ID, m.Key, m.Body, 1)).Result(); err != nil {
		return fmt.Errorf("could not add to Redis stream: %w", err)
	}

	return nil
}

func (c *Channel) args(id, key string, body []byte, attempt int) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: c.stream,
		Values: map[string]interface{}{
			idKey:      id,
			keyKey:     key,
			bodyKey:    body,
			attemptKey: attempt,
		},
	}
}

// Receive implements the Receive method of the eventrelay.Receiver interface.
func (c *Channel) Receive(ctx context.Context) (*er.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if d, err := c.claim(ctx); err != nil {
			return nil, err
		} else if d != nil {
			return d, nil
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    1,
			Block:    c.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		} else if errors.Is(err, redis.ErrClosed) {
			return nil, er.ErrChannelClosed
		} else if err != nil {
			return nil, fmt.Errorf("could not read from Redis stream: %w", err)
		}

		for _, stream := range streams {
			if stream.Stream != c.stream {
				continue
			}

			for _, msg := range stream.Messages {
				return delivery(msg, 0), nil
			}
		}
	}
}

// claim takes over one entry that another consumer left pending for longer
// than the claim idle time. Claims are attempted at most twice per idle time.
func (c *Channel) claim(ctx context.Context) (*er.Delivery, error) {
	c.claimMu.Lock()
	defer c.claimMu.Unlock()

	if time.Since(c.lastClaim) < c.claimIdle/2 {
		return nil, nil
	}

	msgs, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  c.claimIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("could not claim pending Redis entries: %w", err)
	}

	if len(msgs) == 0 {
		c.lastClaim = time.Now()
		return nil, nil
	}

	// A claimed entry has been delivered at least once before.
	return delivery(msgs[0], 1), nil
}

func delivery(msg redis.XMessage, redelivered int) *er.Delivery {
	attempt := 1
	if s, ok := msg.Values[attemptKey].(string); ok {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			attempt = n
		}
	}

	key, _ := msg.Values[keyKey].(string)
	body, _ := msg.Values[bodyKey].(string)

	return &er.Delivery{
		Body:    []byte(body),
		Key:     key,
		Attempt: attempt + redelivered,
		Tag:     msg,
	}
}

// Ack implements the Ack method of the eventrelay.Receiver interface.
func (c *Channel) Ack(ctx context.Context, d *er.Delivery) error {
	msg, ok := d.Tag.(redis.XMessage)
	if !ok {
		return fmt.Errorf("invalid delivery tag: %T", d.Tag)
	}

	if _, err := c.client.XAck(ctx, c.stream, c.group, msg.ID).Result(); err != nil {
		return fmt.Errorf("could not ack Redis entry: %w", err)
	}

	return nil
}

// Reject implements the Reject method of the eventrelay.Receiver interface.
// A requeue adds the entry again with a higher attempt and acks the original
// in one transaction.
func (c *Channel) Reject(ctx context.Context, d *er.Delivery, requeue bool) error {
	msg, ok := d.Tag.(redis.XMessage)
	if !ok {
		return fmt.Errorf("invalid delivery tag: %T", d.Tag)
	}

	if !requeue {
		return c.Ack(ctx, d)
	}

	id, _ := msg.Values[idKey].(string)

	if _, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, c.args(id, d.Key, d.Body, d.Attempt+1))
		pipe.XAck(ctx, c.stream, c.group, msg.ID)

		return nil
	}); err != nil {
		return fmt.Errorf("could not requeue Redis entry: %w", err)
	}

	return nil
}

// Close implements the Close method of the eventrelay.Channel interface.
func (c *Channel) Close() error {
	return c.client.Close()
}
