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

package channel

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kr/pretty"

	er "github.com/looplab/eventrelay"
)

// AcceptanceTest is the acceptance test that all implementations of Channel
// should pass. The sender and receiver must be two channels on the same
// destination, with no other consumers. It should manually be called from a
// test case in each implementation:
//
//	func TestChannel(t *testing.T) {
//	    sender := NewChannel(...)
//	    receiver := NewChannel(...)
//	    channel.AcceptanceTest(t, sender, receiver, time.Second)
//	}
func AcceptanceTest(t *testing.T, sender, receiver er.Channel, timeout time.Duration) {
	ctx := context.Background()

	// Messages with the same key arrive in order.
	for i := 0; i < 5; i++ {
		m := &er.Message{ID: fmt.Sprintf("order-%d", i), Key: "1", Body: []byte(fmt.Sprintf("m%d", i))}
		if err := sender.Send(ctx, m); err != nil {
			t.Fatal("there should be no error:", err)
		}
	}

	for i := 0; i < 5; i++ {
		d := receive(t, receiver, timeout)
		if d == nil {
			return
		}

		if string(d.Body) != fmt.Sprintf("m%d", i) {
			t.Error("the message should be received in order:", string(d.Body))
			t.Log(pretty.Sprint(d))
		}

		if d.Key != "1" {
			t.Error("the key should be correct:", d.Key)
		}

		if d.Attempt != 1 {
			t.Error("the first delivery should be attempt 1:", d.Attempt)
		}

		if err := receiver.Ack(ctx, d); err != nil {
			t.Error("there should be no error:", err)
		}
	}

	// Rejected messages with requeue are delivered again.
	if err := sender.Send(ctx, &er.Message{ID: "requeue", Key: "2", Body: []byte("requeue")}); err != nil {
		t.Fatal("there should be no error:", err)
	}

	d := receive(t, receiver, timeout)
	if d == nil {
		return
	}

	if err := receiver.Reject(ctx, d, true); err != nil {
		t.Error("there should be no error:", err)
	}

	d = receive(t, receiver, timeout)
	if d == nil {
		return
	}

	if string(d.Body) != "requeue" {
		t.Error("the requeued message should be redelivered:", string(d.Body))
	}

	if d.Attempt < 2 {
		t.Error("the redelivery should count the attempt:", d.Attempt)
	}

	if err := receiver.Ack(ctx, d); err != nil {
		t.Error("there should be no error:", err)
	}

	// Rejected messages without requeue are dropped.
	if err := sender.Send(ctx, &er.Message{ID: "drop", Key: "3", Body: []byte("drop")}); err != nil {
		t.Fatal("there should be no error:", err)
	}

	d = receive(t, receiver, timeout)
	if d == nil {
		return
	}

	if err := receiver.Reject(ctx, d, false); err != nil {
		t.Error("there should be no error:", err)
	}

	if err := sender.Send(ctx, &er.Message{ID: "after-drop", Key: "3", Body: []byte("after")}); err != nil {
		t.Fatal("there should be no error:", err)
	}

	d = receive(t, receiver, timeout)
	if d == nil {
		return
	}

	if string(d.Body) != "after" {
		t.Error("the dropped message should not be redelivered:", string(d.Body))
	}

	if err := receiver.Ack(ctx, d); err != nil {
		t.Error("there should be no error:", err)
	}

	// Receiving stops with the context.
	shortCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	if d, err := receiver.Receive(shortCtx); err == nil {
		t.Error("there should be an error when the context is done:", pretty.Sprint(d))
	}
}

func receive(t *testing.T, r er.Receiver, timeout time.Duration) *er.Delivery {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	d, err := r.Receive(ctx)
	if err != nil {
		t.Error("did not receive message in time:", err)
		return nil
	}

	return d
}
