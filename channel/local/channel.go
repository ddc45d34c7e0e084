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

// Package local is an in-process channel with the delivery semantics of a
// durable broker: competing consumers, manual acknowledgement, ack deadlines
// and redelivery with growing attempt counts. Streams live in a Broker that
// can be shared by the publishing and consuming side of a process.
package local

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	er "github.com/looplab/eventrelay"
)

// DefaultAckTimeout is the default time a delivery may stay unsettled before
// it is redelivered.
var DefaultAckTimeout = 30 * time.Second

// ErrUnknownDelivery is when settling a delivery that is not in flight, for
// example because its ack deadline passed.
var ErrUnknownDelivery = errors.New("delivery not in flight")

// Broker holds named streams shared by multiple channels.
type Broker struct {
	streams   map[string]*stream
	streamsMu sync.Mutex
}

// NewBroker creates a Broker.
func NewBroker() *Broker {
	return &Broker{
		streams: map[string]*stream{},
	}
}

func (b *Broker) stream(name string) *stream {
	b.streamsMu.Lock()
	defer b.streamsMu.Unlock()

	if s, ok := b.streams[name]; ok {
		return s
	}

	s := &stream{
		inflight: map[uint64]*entry{},
		signal:   make(chan struct{}),
	}
	b.streams[name] = s

	return s
}

// Ready returns the number of messages waiting to be delivered on a stream.
func (b *Broker) Ready(name string) int {
	s := b.stream(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.ready)
}

// InFlight returns the number of delivered but unsettled messages on a stream.
func (b *Broker) InFlight(name string) int {
	s := b.stream(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.inflight)
}

// Channel is a channel on one stream of a Broker.
type Channel struct {
	name       string
	stream     *stream
	ackTimeout time.Duration
	now        func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// Option is an option setter used to configure creation.
type Option func(*Channel) error

// WithAckTimeout sets the time a delivery may stay unsettled before it is
// redelivered. Zero disables the deadline.
func WithAckTimeout(d time.Duration) Option {
	return func(c *Channel) error {
		if d < 0 {
			return fmt.Errorf("invalid ack timeout: %s", d)
		}

		c.ackTimeout = d

		return nil
	}
}

// NewChannel creates a Channel on the named stream of the broker.
func NewChannel(b *Broker, name string, options ...Option) (*Channel, error) {
	if b == nil {
		b = NewBroker()
	}

	c := &Channel{
		name:       name,
		stream:     b.stream(name),
		ackTimeout: DefaultAckTimeout,
		now:        time.Now,
		done:       make(chan struct{}),
	}

	for _, option := range options {
		if err := option(c); err != nil {
			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	return c, nil
}

// Send implements the Send method of the eventrelay.Sender interface.
func (c *Channel) Send(ctx context.Context, m *er.Message) error {
	if c.isClosed() {
		return er.ErrChannelClosed
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	body := make([]byte, len(m.Body))
	copy(body, m.Body)

	c.stream.push(&entry{id: m.ID, key: m.Key, body: body})

	return nil
}

// Receive implements the Receive method of the eventrelay.Receiver interface.
func (c *Channel) Receive(ctx context.Context) (*er.Delivery, error) {
	for {
		if c.isClosed() {
			return nil, er.ErrChannelClosed
		}

		d, signal, wait := c.stream.pop(c, c.now())
		if d != nil {
			return d, nil
		}

		var (
			timer   *time.Timer
			timeout <-chan time.Time
		)

		if wait > 0 {
			timer = time.NewTimer(wait)
			timeout = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil, ctx.Err()
		case <-c.done:
			stopTimer(timer)
			return nil, er.ErrChannelClosed
		case <-signal:
			stopTimer(timer)
		case <-timeout:
		}
	}
}

// Ack implements the Ack method of the eventrelay.Receiver interface.
func (c *Channel) Ack(ctx context.Context, d *er.Delivery) error {
	_, err := c.stream.settle(d)

	return err
}

// Reject implements the Reject method of the eventrelay.Receiver interface.
func (c *Channel) Reject(ctx context.Context, d *er.Delivery, requeue bool) error {
	e, err := c.stream.settle(d)
	if err != nil {
		return err
	}

	if requeue {
		c.stream.requeue(e)
	}

	return nil
}

// Close implements the Close method of the eventrelay.Channel interface.
// Unsettled deliveries of this channel are redelivered to other consumers.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.stream.release(c)
	})

	return nil
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

type entry struct {
	id       string
	key      string
	body     []byte
	attempts int

	tag      uint64
	owner    *Channel
	deadline time.Time
}

type stream struct {
	mu       sync.Mutex
	ready    []*entry
	inflight map[uint64]*entry
	seq      uint64
	signal   chan struct{}
}

// notify wakes up all waiting receivers, must be called with the lock held.
func (s *stream) notify() {
	close(s.signal)
	s.signal = make(chan struct{})
}

func (s *stream) push(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ready = append(s.ready, e)
	s.notify()
}

// pop returns the next delivery, or a signal to wait on and the time until
// the next ack deadline.
func (s *stream) pop(c *Channel, now time.Time) (*er.Delivery, <-chan struct{}, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expire(now)

	if len(s.ready) == 0 {
		var wait time.Duration

		for _, e := range s.inflight {
			if e.deadline.IsZero() {
				continue
			}

			if d := e.deadline.Sub(now); wait == 0 || d < wait {
				wait = d
			}
		}

		if wait < 0 {
			wait = time.Millisecond
		}

		return nil, s.signal, wait
	}

	e := s.ready[0]
	s.ready = s.ready[1:]

	s.seq++
	e.tag = s.seq
	e.owner = c
	e.attempts++

	if c.ackTimeout > 0 {
		e.deadline = now.Add(c.ackTimeout)
	} else {
		e.deadline = time.Time{}
	}

	s.inflight[e.tag] = e

	return &er.Delivery{
		Body:    e.body,
		Key:     e.key,
		Attempt: e.attempts,
		Tag:     e.tag,
	}, nil, 0
}

func (s *stream) settle(d *er.Delivery) (*entry, error) {
	tag, ok := d.Tag.(uint64)
	if !ok {
		return nil, fmt.Errorf("invalid delivery tag: %v", d.Tag)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.inflight[tag]
	if !ok {
		return nil, ErrUnknownDelivery
	}

	delete(s.inflight, tag)

	return e, nil
}

func (s *stream) requeue(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ready = append([]*entry{e}, s.ready...)
	s.notify()
}

// expire moves deliveries past their deadline back to the head of the
// stream, in delivery order. Must be called with the lock held.
func (s *stream) expire(now time.Time) {
	s.requeueWhere(func(e *entry) bool {
		return !e.deadline.IsZero() && !now.Before(e.deadline)
	})
}

func (s *stream) release(c *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requeueWhere(func(e *entry) bool {
		return e.owner == c
	})
}

func (s *stream) requeueWhere(match func(*entry) bool) {
	var entries []*entry

	for tag, e := range s.inflight {
		if match(e) {
			entries = append(entries, e)
			delete(s.inflight, tag)
		}
	}

	if len(entries) == 0 {
		return
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].tag < entries[j].tag
	})

	s.ready = append(entries, s.ready...)
	s.notify()
}
