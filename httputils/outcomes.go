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

// Package httputils has HTTP handlers for observing a running relay.
package httputils

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"

	"github.com/looplab/eventrelay/dispatcher"
)

var upgrader = websocket.Upgrader{} // use default options

// OutcomeRecord is the JSON form of a dispatcher outcome.
type OutcomeRecord struct {
	EventID    string  `json:"eventId,omitempty"`
	Kind       string  `json:"eventKind,omitempty"`
	SubjectID  int64   `json:"subjectId,omitempty"`
	Key        string  `json:"key"`
	Attempt    int     `json:"attempt"`
	Result     string  `json:"result"`
	Error      string  `json:"error,omitempty"`
	DurationMS float64 `json:"durationMs"`
}

// NewOutcomeRecord converts an outcome to its JSON form.
func NewOutcomeRecord(o dispatcher.Outcome) OutcomeRecord {
	r := OutcomeRecord{
		Result:     o.Result.String(),
		DurationMS: float64(o.Duration.Microseconds()) / 1000,
	}

	if o.Envelope != nil {
		r.EventID = o.Envelope.ID.String()
		r.Kind = o.Envelope.Kind.String()
		r.SubjectID = o.Envelope.SubjectID
	}

	if o.Delivery != nil {
		r.Key = o.Delivery.Key
		r.Attempt = o.Delivery.Attempt
	}

	if o.Err != nil {
		r.Error = o.Err.Error()
	}

	return r
}

// OutcomeStream forwards dispatcher outcomes to websocket clients. Slow
// clients miss outcomes rather than blocking the dispatcher.
type OutcomeStream struct {
	subs   map[chan OutcomeRecord]struct{}
	subsMu sync.RWMutex
}

// NewOutcomeStream creates an OutcomeStream.
func NewOutcomeStream() *OutcomeStream {
	return &OutcomeStream{
		subs: map[chan OutcomeRecord]struct{}{},
	}
}

// Observe is a dispatcher observer.
func (s *OutcomeStream) Observe(o dispatcher.Outcome) {
	r := NewOutcomeRecord(o)

	s.subsMu.RLock()
	defer s.subsMu.RUnlock()

	for ch := range s.subs {
		select {
		case ch <- r:
		default:
			log.Printf("eventrelay: missed outcome for websocket client: %s", r.Result)
		}
	}
}

func (s *OutcomeStream) subscribe() chan OutcomeRecord {
	ch := make(chan OutcomeRecord, 10)

	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()

	return ch
}

func (s *OutcomeStream) unsubscribe(ch chan OutcomeRecord) {
	s.subsMu.Lock()
	delete(s.subs, ch)
	s.subsMu.Unlock()
}

// Handler is a websocket handler. Outcomes are sent as JSON text messages to
// all requests that have been upgraded to websockets.
func (s *OutcomeStream) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Print("upgrade:", err)
			return
		}
		defer c.Close()

		ch := s.subscribe()
		defer s.unsubscribe(ch)

		// Detect closed connections.
		closed := make(chan struct{})
		go func() {
			defer close(closed)

			for {
				if _, _, err := c.NextReader(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case rec := <-ch:
				b, err := json.Marshal(rec)
				if err != nil {
					log.Println("marshal:", err)
					continue
				}

				if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
					log.Println("write:", err)
					return
				}
			case <-closed:
				return
			case <-r.Context().Done():
				return
			}
		}
	})
}
