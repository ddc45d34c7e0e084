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

package codec

import (
	"context"
	"errors"
	"testing"
	"time"

	er "github.com/looplab/eventrelay"
	"github.com/looplab/eventrelay/mocks"
	"github.com/looplab/eventrelay/uuid"
)

// EnvelopeCodecAcceptanceTest is the acceptance test that all implementations
// of EnvelopeCodec should pass. It should manually be called from a test case
// in each implementation:
//
//	func TestEnvelopeCodec(t *testing.T) {
//	    c := &EnvelopeCodec{}
//	    expectedBytes := []byte("")
//	    codec.EnvelopeCodecAcceptanceTest(t, c, expectedBytes)
//	}
func EnvelopeCodecAcceptanceTest(t *testing.T, c er.EnvelopeCodec, expectedBytes []byte) {
	ctx := mocks.WithContextOne(context.Background(), "testval")
	id := uuid.MustParse("10a7ec0f-7f2b-46f5-bca1-877b6e33c9fd")
	timestamp := time.Date(2009, time.November, 10, 23, 0, 0, 0, time.UTC)

	created, err := er.NewEnvelopeAt(id, er.Created, 42, &er.Payload{
		Name:        "Distributed Systems",
		Description: "Messaging",
		Instructor:  "Grace",
	}, timestamp)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	// Marshaling.
	b, err := c.MarshalEnvelope(ctx, created)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	if expectedBytes != nil && string(b) != string(expectedBytes) {
		t.Error("the encoded bytes should be correct:", string(b))
	}

	// Unmarshaling.
	decoded, decodedContext, err := c.UnmarshalEnvelope(context.Background(), b)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	if err := mocks.CompareEnvelopes(decoded, created); err != nil {
		t.Error("the decoded envelope was incorrect:", err)
	}

	if val, ok := mocks.ContextOne(decodedContext); !ok || val != "testval" {
		t.Error("the decoded context was incorrect:", decodedContext)
	}

	// Deleted envelopes may be sent without a payload.
	deleted, err := er.NewEnvelopeAt(uuid.New(), er.Deleted, 42, nil, timestamp)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	b, err = c.MarshalEnvelope(context.Background(), deleted)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	decoded, _, err = c.UnmarshalEnvelope(context.Background(), b)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	if err := mocks.CompareEnvelopes(decoded, deleted); err != nil {
		t.Error("the decoded envelope was incorrect:", err)
	}

	// Invalid envelopes are not marshaled.
	if _, err := c.MarshalEnvelope(context.Background(), &er.Envelope{ID: id, Kind: er.Updated, SubjectID: 1, OccurredAt: timestamp}); !errors.Is(err, er.ErrMissingPayload) {
		t.Error("the error should be correct:", err)
	}

	if _, err := c.MarshalEnvelope(context.Background(), nil); !errors.Is(err, er.ErrMissingEnvelope) {
		t.Error("the error should be correct:", err)
	}

	// Garbage is not unmarshaled.
	if _, _, err := c.UnmarshalEnvelope(context.Background(), []byte("not an envelope")); err == nil {
		t.Error("there should be an error")
	}
}
