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

package dispatcher

import (
	"context"
	"sync"
	"time"
)

// gracefulContext stays alive for a grace period after its parent is done, to
// let in-flight handlers finish and settle their deliveries.
type gracefulContext struct {
	context.Context

	doneCh chan struct{}
	errMu  sync.RWMutex
	err    error
}

// newGracefulContext creates a context that is done when the grace period has
// passed after ctx is done, or when cancel is called.
func newGracefulContext(ctx context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	g := &gracefulContext{
		Context: ctx,
		doneCh:  make(chan struct{}),
	}
	stopCh := make(chan struct{})

	go func() {
		defer func() {
			g.errMu.Lock()
			g.err = context.Canceled
			g.errMu.Unlock()
			close(g.doneCh)
		}()

		select {
		case <-ctx.Done():
			// Will trigger the graceful shutdown.
		case <-stopCh:
			return
		}

		t := time.NewTimer(grace)
		defer t.Stop()

		select {
		case <-t.C:
		case <-stopCh:
		}
	}()

	var once sync.Once

	cancel := func() {
		once.Do(func() { close(stopCh) })
	}

	return g, cancel
}

// Done implements the Done method of the context.Context interface.
func (g *gracefulContext) Done() <-chan struct{} {
	return g.doneCh
}

// Err implements the Err method of the context.Context interface.
func (g *gracefulContext) Err() error {
	g.errMu.RLock()
	defer g.errMu.RUnlock()

	return g.err
}

// Deadline implements the Deadline method of the context.Context interface.
func (g *gracefulContext) Deadline() (time.Time, bool) {
	return time.Time{}, false
}
