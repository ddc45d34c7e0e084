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

// Package pruner removes old delivery records on a cron schedule. It uses the
// cron syntax from https://github.com/gorhill/cronexpr.
package pruner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gorhill/cronexpr"

	er "github.com/looplab/eventrelay"
)

// ErrRetentionTooShort is returned when the retention does not exceed the
// redelivery window of the broker.
var ErrRetentionTooShort = errors.New("retention must exceed the redelivery window")

// Pruner deletes delivery records older than the retention window.
type Pruner struct {
	pruner           er.IdempotencyPruner
	retention        time.Duration
	redeliveryWindow time.Duration
	now              func() time.Time
	observer         func(int64)
	errCh            chan error
}

// Option is an option setter used to configure creation.
type Option func(*Pruner) error

// WithRedeliveryWindow sets the longest time the broker may redeliver a
// message. Records younger than that are never pruned.
func WithRedeliveryWindow(d time.Duration) Option {
	return func(p *Pruner) error {
		p.redeliveryWindow = d

		return nil
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pruner) error {
		if now == nil {
			return fmt.Errorf("missing clock")
		}

		p.now = now

		return nil
	}
}

// WithObserver is called with the number of records removed by each run.
func WithObserver(f func(removed int64)) Option {
	return func(p *Pruner) error {
		p.observer = f

		return nil
	}
}

// NewPruner creates a new Pruner.
func NewPruner(pruner er.IdempotencyPruner, retention time.Duration, options ...Option) (*Pruner, error) {
	if pruner == nil {
		return nil, fmt.Errorf("missing pruner")
	}

	p := &Pruner{
		pruner:    pruner,
		retention: retention,
		now:       time.Now,
		errCh:     make(chan error, 20),
	}

	for _, option := range options {
		if option == nil {
			continue
		}

		if err := option(p); err != nil {
			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	if p.retention <= 0 || p.retention <= p.redeliveryWindow {
		return nil, fmt.Errorf("%w: %s <= %s", ErrRetentionTooShort, p.retention, p.redeliveryWindow)
	}

	return p, nil
}

// PruneOnce removes all records applied before now minus the retention.
func (p *Pruner) PruneOnce(ctx context.Context) (int64, error) {
	before := p.now().Add(-p.retention)

	n, err := p.pruner.Prune(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("could not prune records before %s: %w", before.Format(time.RFC3339), err)
	}

	if p.observer != nil {
		p.observer(n)
	}

	return n, nil
}

// Schedule prunes on the times given by a line in the crontab format.
// Cancelling the context stops the schedule.
func (p *Pruner) Schedule(ctx context.Context, cronLine string) error {
	expr, err := cronexpr.Parse(cronLine)
	if err != nil {
		return fmt.Errorf("invalid cron line %q: %w", cronLine, err)
	}

	go func() {
		for {
			next := expr.Next(time.Now())
			if next.IsZero() {
				return
			}

			timer := time.NewTimer(time.Until(next))

			select {
			case <-timer.C:
				if _, err := p.PruneOnce(ctx); err != nil {
					select {
					case p.errCh <- err:
					default:
						log.Printf("eventrelay: missed error in pruner: %s", err)
					}
				}
			case <-ctx.Done():
				timer.Stop()

				return
			}
		}
	}()

	return nil
}

// Errors returns an error channel where async prune errors are sent.
func (p *Pruner) Errors() <-chan error {
	return p.errCh
}
