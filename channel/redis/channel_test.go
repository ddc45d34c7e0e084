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

package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"testing"
	"time"

	er "github.com/looplab/eventrelay"
	"github.com/looplab/eventrelay/channel"
)

func TestChannelIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	// Connect to localhost if not running inside docker
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	stream := randomName(t, "course-events")

	sender, err := NewChannel(addr, stream, "progress", "sender")
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	defer sender.Close()

	receiver, err := NewChannel(addr, stream, "progress", "receiver")
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	defer receiver.Close()

	channel.AcceptanceTest(t, sender, receiver, 5*time.Second)
}

func TestClaimIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	ctx := context.Background()
	stream := randomName(t, "course-events")

	crashed, err := NewChannel(addr, stream, "progress", "crashed", WithClaimIdle(100*time.Millisecond))
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	survivor, err := NewChannel(addr, stream, "progress", "survivor", WithClaimIdle(100*time.Millisecond))
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	defer survivor.Close()

	if err := crashed.Send(ctx, &er.Message{ID: "1", Key: "1", Body: []byte("a")}); err != nil {
		t.Fatal("there should be no error:", err)
	}

	if _, err := crashed.Receive(ctx); err != nil {
		t.Fatal("there should be no error:", err)
	}

	crashed.Close()
	time.Sleep(200 * time.Millisecond)

	recvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	d, err := survivor.Receive(recvCtx)
	if err != nil {
		t.Fatal("the pending entry should be claimed:", err)
	}

	if string(d.Body) != "a" || d.Attempt != 2 {
		t.Error("the claimed entry should be a redelivery:", string(d.Body), d.Attempt)
	}

	if err := survivor.Ack(ctx, d); err != nil {
		t.Error("there should be no error:", err)
	}
}

func randomName(t *testing.T, prefix string) string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}

	return prefix + "-" + hex.EncodeToString(b)
}
