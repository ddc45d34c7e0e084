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

// Package kafka is a channel on a Kafka topic. Messages are partitioned by
// key, so all events of one course stay in order on one partition.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	er "github.com/looplab/eventrelay"
)

const (
	attemptHeader = "x-attempt"
	eventIDHeader = "event_id"
)

// Channel is a channel on a Kafka topic, consumed by a consumer group.
type Channel struct {
	addr       string
	topic      string
	groupID    string
	partitions int

	writer *kafka.Writer

	reader     *kafka.Reader
	readerOnce sync.Once

	commits *commitTracker

	closed   chan struct{}
	closeMu  sync.Mutex
	isClosed bool
}

// Option is an option setter used to configure creation.
type Option func(*Channel) error

// WithPartitions sets the number of partitions used when creating the topic.
func WithPartitions(n int) Option {
	return func(c *Channel) error {
		if n < 1 {
			return fmt.Errorf("invalid number of partitions: %d", n)
		}

		c.partitions = n

		return nil
	}
}

// NewChannel creates a Channel on a topic. Consumers with the same group ID
// compete for the messages.
func NewChannel(addr, topic, groupID string, options ...Option) (*Channel, error) {
	c := &Channel{
		addr:       addr,
		topic:      topic,
		groupID:    groupID,
		partitions: 1,
		commits:    newCommitTracker(),
		closed:     make(chan struct{}),
	}

	for _, option := range options {
		if option == nil {
			continue
		}

		if err := option(c); err != nil {
			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	if err := c.createTopic(); err != nil {
		return nil, err
	}

	c.writer = &kafka.Writer{
		Addr:         kafka.TCP(addr),
		Topic:        topic,
		Balancer:     &kafka.Hash{},    // Same key, same partition.
		BatchSize:    1,                // Write every message without delay.
		RequiredAcks: kafka.RequireAll, // Durable on all in-sync replicas.
	}

	return c, nil
}

func (c *Channel) createTopic() error {
	client := &kafka.Client{
		Addr: kafka.TCP(c.addr),
	}

	var (
		resp *kafka.CreateTopicsResponse
		err  error
	)

	for i := 0; i < 10; i++ {
		resp, err = client.CreateTopics(context.Background(), &kafka.CreateTopicsRequest{
			Topics: []kafka.TopicConfig{{
				Topic:             c.topic,
				NumPartitions:     c.partitions,
				ReplicationFactor: 1,
			}},
		})
		if errors.Is(err, kafka.BrokerNotAvailable) {
			time.Sleep(5 * time.Second)
			continue
		} else if err != nil {
			return fmt.Errorf("error creating Kafka topic: %w", err)
		}

		break
	}

	if resp == nil {
		return fmt.Errorf("could not get/create Kafka topic in time: %w", err)
	}

	if topicErr, ok := resp.Errors[c.topic]; ok && topicErr != nil {
		if !errors.Is(topicErr, kafka.TopicAlreadyExists) {
			return fmt.Errorf("invalid Kafka topic: %w", topicErr)
		}
	}

	return nil
}

// Send implements the Send method of the eventrelay.Sender interface. It
// returns when all in-sync replicas have the message.
func (c *Channel) Send(ctx context.Context, m *er.Message) error {
	return c.write(ctx, m.Key, m.Body, m.ID, 1)
}

func (c *Channel) write(ctx context.Context, key string, body []byte, id string, attempt int) error {
	if c.closing() {
		return er.ErrChannelClosed
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: body,
		Headers: []kafka.Header{
			{Key: attemptHeader, Value: []byte(strconv.Itoa(attempt))},
		},
	}

	if id != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: eventIDHeader, Value: []byte(id)})
	}

	if err := c.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("could not write to Kafka: %w", err)
	}

	return nil
}

// Receive implements the Receive method of the eventrelay.Receiver interface.
func (c *Channel) Receive(ctx context.Context) (*er.Delivery, error) {
	if c.closing() {
		return nil, er.ErrChannelClosed
	}

	c.readerOnce.Do(func() {
		c.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:                []string{c.addr},
			Topic:                  c.topic,
			GroupID:                c.groupID,   // Send messages to only one consumer per group.
			MaxBytes:               100e3,       // 100KB
			MaxWait:                time.Second, // Allow to exit readloop in max 1s.
			PartitionWatchInterval: time.Second,
			WatchPartitionChanges:  true,
			StartOffset:            kafka.FirstOffset, // New groups start at the beginning.
		})
	})

	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		if c.closing() {
			return nil, er.ErrChannelClosed
		}

		return nil, fmt.Errorf("could not receive from Kafka: %w", err)
	}

	c.commits.fetched(msg)

	return &er.Delivery{
		Body:    msg.Value,
		Key:     string(msg.Key),
		Attempt: attemptOf(msg),
		Tag:     msg,
	}, nil
}

// Ack implements the Ack method of the eventrelay.Receiver interface.
func (c *Channel) Ack(ctx context.Context, d *er.Delivery) error {
	msg, ok := d.Tag.(kafka.Message)
	if !ok {
		return fmt.Errorf("invalid delivery tag: %T", d.Tag)
	}

	return c.done(ctx, msg)
}

// Reject implements the Reject method of the eventrelay.Receiver interface.
// Kafka has no negative acknowledgement, a requeue writes the message again
// at the end of its partition with a higher attempt.
func (c *Channel) Reject(ctx context.Context, d *er.Delivery, requeue bool) error {
	msg, ok := d.Tag.(kafka.Message)
	if !ok {
		return fmt.Errorf("invalid delivery tag: %T", d.Tag)
	}

	if requeue {
		if err := c.write(ctx, d.Key, d.Body, headerValue(msg, eventIDHeader), d.Attempt+1); err != nil {
			return fmt.Errorf("could not requeue: %w", err)
		}
	}

	return c.done(ctx, msg)
}

func (c *Channel) done(ctx context.Context, msg kafka.Message) error {
	commit, ok := c.commits.done(msg)
	if !ok {
		return nil
	}

	if err := c.reader.CommitMessages(ctx, commit); err != nil {
		return fmt.Errorf("could not commit Kafka offset: %w", err)
	}

	return nil
}

// Close implements the Close method of the eventrelay.Channel interface.
func (c *Channel) Close() error {
	c.closeMu.Lock()
	if c.isClosed {
		c.closeMu.Unlock()
		return nil
	}

	c.isClosed = true
	close(c.closed)
	c.closeMu.Unlock()

	if c.reader != nil {
		if err := c.reader.Close(); err != nil {
			log.Printf("eventrelay: failed to close Kafka reader: %s", err)
		}
	}

	if err := c.writer.Close(); err != nil {
		return fmt.Errorf("could not close Kafka writer: %w", err)
	}

	return nil
}

func (c *Channel) closing() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func attemptOf(msg kafka.Message) int {
	n, err := strconv.Atoi(headerValue(msg, attemptHeader))
	if err != nil || n < 1 {
		return 1
	}

	return n
}

func headerValue(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}

	return ""
}

// commitTracker keeps the fetched offsets per partition and only allows
// committing the prefix of offsets that are all settled. Offsets past an
// unsettled message are redelivered after a crash.
type commitTracker struct {
	mu         sync.Mutex
	partitions map[int]*partitionOffsets
}

type partitionOffsets struct {
	pending []kafka.Message
	settled map[int64]bool
}

func newCommitTracker() *commitTracker {
	return &commitTracker{
		partitions: map[int]*partitionOffsets{},
	}
}

func (t *commitTracker) fetched(msg kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.partitions[msg.Partition]
	if !ok {
		p = &partitionOffsets{settled: map[int64]bool{}}
		t.partitions[msg.Partition] = p
	}

	p.pending = append(p.pending, msg)
}

// done marks a message as settled and returns the message to commit, if the
// settled prefix grew.
func (t *commitTracker) done(msg kafka.Message) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.partitions[msg.Partition]
	if !ok {
		return kafka.Message{}, false
	}

	p.settled[msg.Offset] = true

	var (
		last  kafka.Message
		moved bool
	)

	for len(p.pending) > 0 && p.settled[p.pending[0].Offset] {
		last = p.pending[0]
		delete(p.settled, last.Offset)
		p.pending = p.pending[1:]
		moved = true
	}

	return last, moved
}
