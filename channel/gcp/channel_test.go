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

package gcp

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"testing"
	"time"

	"github.com/looplab/eventrelay/channel"
)

func TestChannelIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	// Connect to localhost if not running inside docker
	if os.Getenv("PUBSUB_EMULATOR_HOST") == "" {
		os.Setenv("PUBSUB_EMULATOR_HOST", "localhost:8793")
	}

	// Get a random topic.
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}

	topic := "course-events-" + hex.EncodeToString(b)

	sender, err := NewChannel("project_id", topic, topic+"-progress")
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	defer sender.Close()

	receiver, err := NewChannel("project_id", topic, topic+"-progress")
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	defer receiver.Close()

	channel.AcceptanceTest(t, sender, receiver, 10*time.Second)
}

func TestInvalidAckDeadline(t *testing.T) {
	if _, err := NewChannel("project_id", "topic", "sub", WithAckDeadline(time.Second)); err == nil {
		t.Error("a too short ack deadline should be an error")
	}
}
