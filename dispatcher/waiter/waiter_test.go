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

package waiter

import (
	"context"
	"errors"
	"testing"
	"time"

	er "github.com/looplab/eventrelay"
	"github.com/looplab/eventrelay/dispatcher"
	"github.com/looplab/eventrelay/mocks"
)

func TestListen(t *testing.T) {
	w := NewWaiter()
	defer w.Close()

	l := w.Listen(ForSubject(2))
	defer l.Close()

	go func() {
		w.Observe(dispatcher.Outcome{Envelope: mocks.Envelope(er.Created, 1), Result: dispatcher.Applied})
		w.Observe(dispatcher.Outcome{Envelope: mocks.Envelope(er.Created, 2), Result: dispatcher.Applied})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	o, err := l.Wait(ctx)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	if o.Envelope.SubjectID != 2 {
		t.Error("the outcome should be for the listened subject:", o.Envelope)
	}
}

func TestWaitN(t *testing.T) {
	w := NewWaiter()
	defer w.Close()

	l := w.Listen(Applied)
	defer l.Close()

	go func() {
		for _, r := range []dispatcher.Result{
			dispatcher.Applied, dispatcher.Duplicate, dispatcher.Applied, dispatcher.Requeued,
		} {
			w.Observe(dispatcher.Outcome{Result: r})
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	outcomes, err := l.WaitN(ctx, 2)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	for _, o := range outcomes {
		if o.Result != dispatcher.Applied {
			t.Error("only applied outcomes should match:", o.Result)
		}
	}
}

func TestWaitTimeout(t *testing.T) {
	w := NewWaiter()
	defer w.Close()

	l := w.Listen(nil)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := l.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Error("the error should be correct:", err)
	}
}

func TestClose(t *testing.T) {
	w := NewWaiter()
	l := w.Listen(nil)

	l.Close()

	if _, err := l.Wait(context.Background()); !errors.Is(err, ErrClosed) {
		t.Error("a closed listener should return an error:", err)
	}

	other := w.Listen(nil)
	w.Close()
	w.Close()

	if _, err := other.Wait(context.Background()); !errors.Is(err, ErrClosed) {
		t.Error("closing the waiter should close the listeners:", err)
	}

	// Observing after close must not block.
	w.Observe(dispatcher.Outcome{Result: dispatcher.Applied})
	other.Close()
}

func TestSettled(t *testing.T) {
	testCases := map[dispatcher.Result]bool{
		dispatcher.Applied:          true,
		dispatcher.Duplicate:        true,
		dispatcher.Skipped:          true,
		dispatcher.Requeued:         false,
		dispatcher.DeadLettered:     true,
		dispatcher.Poisoned:         true,
		dispatcher.StoreUnavailable: false,
	}

	for r, settled := range testCases {
		if Settled(dispatcher.Outcome{Result: r}) != settled {
			t.Error("the settled state should be correct for:", r)
		}
	}
}
