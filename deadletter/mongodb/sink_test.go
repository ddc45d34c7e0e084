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

package mongodb

import (
	"context"
	"testing"
	"time"

	er "github.com/looplab/eventrelay"
	"github.com/looplab/eventrelay/mongoutils"
)

func TestSinkIntegration(t *testing.T) {
	uri, db := mongoutils.TestURI(t)

	s, err := NewSink(uri, db)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	defer s.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	for i, reason := range []string{"poison", "handler failed"} {
		if err := s.DeadLetter(ctx, &er.DeadLetter{
			EventID:  "id",
			Key:      "7",
			Body:     []byte("body"),
			Reason:   reason,
			Attempt:  i + 1,
			FailedAt: now.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatal("there should be no error:", err)
		}
	}

	letters, err := s.FindByKey(ctx, "7")
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	if len(letters) != 2 {
		t.Fatal("there should be two dead letters:", len(letters))
	}

	if letters[0].Reason != "poison" || letters[1].Attempt != 2 || string(letters[1].Body) != "body" {
		t.Error("the dead letters should be correct:", letters[0], letters[1])
	}

	if !letters[0].FailedAt.Equal(now) {
		t.Error("the failure time should be kept:", letters[0].FailedAt)
	}
}

func TestWithCollectionName(t *testing.T) {
	s := &Sink{}
	if err := WithCollectionName("bad$name")(s); err == nil {
		t.Error("an invalid collection name should be an error")
	}

	if err := WithCollectionName("dlq")(s); err != nil || s.collectionName != "dlq" {
		t.Error("the collection name should be set:", err)
	}
}
