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

package pruner

import (
	"context"
	"errors"
	"testing"
	"time"

	er "github.com/looplab/eventrelay"
	"github.com/looplab/eventrelay/idempotency/memory"
	"github.com/looplab/eventrelay/uuid"
)

type failingPruner struct{}

func (failingPruner) Prune(ctx context.Context, before time.Time) (int64, error) {
	return 0, errors.New("db down")
}

func TestPruneOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2009, time.November, 10, 23, 0, 0, 0, time.UTC)
	store := memory.NewStore()

	oldID, newID := uuid.New(), uuid.New()
	if err := store.Insert(ctx, &er.DeliveryRecord{EventID: oldID, Kind: er.Created, SubjectID: 1, AppliedAt: now.Add(-48 * time.Hour)}); err != nil {
		t.Fatal("there should be no error:", err)
	}

	if err := store.Insert(ctx, &er.DeliveryRecord{EventID: newID, Kind: er.Created, SubjectID: 2, AppliedAt: now.Add(-time.Hour)}); err != nil {
		t.Fatal("there should be no error:", err)
	}

	p, err := NewPruner(store, 24*time.Hour, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	n, err := p.PruneOnce(ctx)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	if n != 1 {
		t.Error("one record should be pruned:", n)
	}

	if _, ok := store.Find(oldID); ok {
		t.Error("the old record should be pruned")
	}

	if _, ok := store.Find(newID); !ok {
		t.Error("the recent record should be kept")
	}
}

func TestNewPrunerRetention(t *testing.T) {
	store := memory.NewStore()

	if _, err := NewPruner(store, 0); !errors.Is(err, ErrRetentionTooShort) {
		t.Error("a zero retention should be an error:", err)
	}

	if _, err := NewPruner(store, time.Hour, WithRedeliveryWindow(2*time.Hour)); !errors.Is(err, ErrRetentionTooShort) {
		t.Error("a retention inside the redelivery window should be an error:", err)
	}

	if _, err := NewPruner(nil, time.Hour); err == nil {
		t.Error("a missing pruner should be an error")
	}

	if _, err := NewPruner(store, 3*time.Hour, WithRedeliveryWindow(2*time.Hour)); err != nil {
		t.Error("there should be no error:", err)
	}
}

func TestSchedule(t *testing.T) {
	store := memory.NewStore()
	runs := make(chan int64, 10)

	p, err := NewPruner(store, time.Hour, WithObserver(func(n int64) { runs <- n }))
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Schedule(ctx, "bad line"); err == nil {
		t.Error("an invalid cron line should be an error")
	}

	if err := store.Insert(ctx, &er.DeliveryRecord{EventID: uuid.New(), Kind: er.Created, SubjectID: 1, AppliedAt: time.Now().Add(-2 * time.Hour)}); err != nil {
		t.Fatal("there should be no error:", err)
	}

	// Every second.
	if err := p.Schedule(ctx, "* * * * * * *"); err != nil {
		t.Fatal("there should be no error:", err)
	}

	select {
	case n := <-runs:
		if n != 1 {
			t.Error("the first run should prune the old record:", n)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("the pruner should have run")
	}

	cancel()
	<-time.After(1500 * time.Millisecond)

	for len(runs) > 0 {
		<-runs
	}

	<-time.After(1500 * time.Millisecond)

	if len(runs) != 0 {
		t.Error("the pruner should stop after cancel")
	}
}

func TestScheduleErrors(t *testing.T) {
	p, err := NewPruner(failingPruner{}, time.Hour)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Schedule(ctx, "* * * * * * *"); err != nil {
		t.Fatal("there should be no error:", err)
	}

	select {
	case err := <-p.Errors():
		if err == nil {
			t.Error("there should be an error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("there should be an async error")
	}
}
