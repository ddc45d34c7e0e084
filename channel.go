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

package eventrelay

import (
	"context"
	"errors"
)

// ErrChannelClosed is returned when using a channel after it has been closed.
var ErrChannelClosed = errors.New("channel closed")

// Message is an encoded envelope ready to be sent.
type Message struct {
	// ID is the event ID, used by brokers that deduplicate on publish.
	ID string
	// Key is the partition key, messages with the same key keep their order.
	Key string
	// Body is the encoded envelope.
	Body []byte
}

// Delivery is a message as received from a channel. It must be either acked
// or rejected exactly once.
type Delivery struct {
	// Body is the encoded envelope.
	Body []byte
	// Key is the partition key of the message.
	Key string
	// Attempt is 1 for the first delivery and grows with every redelivery.
	Attempt int
	// Tag is the transport specific handle used to settle the delivery.
	Tag interface{}
}

// Sender sends messages on a channel.
type Sender interface {
	// Send returns only once the broker has durably accepted the message.
	Send(context.Context, *Message) error
}

// Receiver receives messages from a channel with manual acknowledgement.
// Unacknowledged deliveries are redelivered, to this or another consumer.
type Receiver interface {
	// Receive blocks until a delivery is available or the context is done.
	Receive(context.Context) (*Delivery, error)
	// Ack settles a delivery as done, it will not be delivered again.
	Ack(context.Context, *Delivery) error
	// Reject settles a delivery as failed. With requeue it will be delivered
	// again with a higher attempt, without it is dropped.
	Reject(ctx context.Context, d *Delivery, requeue bool) error
}

// Channel is a durable, point-to-point message channel.
type Channel interface {
	Sender
	Receiver

	// Close closes the channel. Outstanding deliveries are left for the
	// broker to redeliver.
	Close() error
}
