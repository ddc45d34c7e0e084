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

package bson

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	er "github.com/looplab/eventrelay"
	"github.com/looplab/eventrelay/codec"
)

func TestEnvelopeCodec(t *testing.T) {
	c := &EnvelopeCodec{}
	codec.EnvelopeCodecAcceptanceTest(t, c, nil)
}

func TestUnmarshalEnvelopeMissingFields(t *testing.T) {
	c := &EnvelopeCodec{}
	ts := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	cases := map[string]struct {
		doc bson.M
		err error
	}{
		"missing event ID": {
			doc: bson.M{"event_kind": "DELETED", "subject_id": int64(1), "occurred_at": ts},
			err: ErrMissingField,
		},
		"missing subject": {
			doc: bson.M{"event_id": "10a7ec0f-7f2b-46f5-bca1-877b6e33c9fd", "event_kind": "DELETED", "occurred_at": ts},
			err: ErrMissingField,
		},
		"missing payload": {
			doc: bson.M{"event_id": "10a7ec0f-7f2b-46f5-bca1-877b6e33c9fd", "event_kind": "UPDATED", "subject_id": int64(1), "occurred_at": ts},
			err: er.ErrMissingPayload,
		},
		"unknown kind": {
			doc: bson.M{"event_id": "10a7ec0f-7f2b-46f5-bca1-877b6e33c9fd", "event_kind": "MOVED", "subject_id": int64(1), "occurred_at": ts},
			err: er.ErrInvalidEventKind,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			b, err := bson.Marshal(tc.doc)
			if err != nil {
				t.Fatal("there should be no error:", err)
			}

			if _, _, err := c.UnmarshalEnvelope(context.Background(), b); !errors.Is(err, tc.err) {
				t.Error("the error should be correct:", err)
			}
		})
	}
}
