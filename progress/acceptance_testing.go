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

package progress

import (
	"context"
	"errors"
	"testing"
	"time"

	er "github.com/looplab/eventrelay"
)

// RepositoryAcceptanceTest is the acceptance test that all implementations of
// Repository should pass. It should manually be called from a test case in
// each implementation:
//
//	func TestRepo(t *testing.T) {
//	    repo := NewRepo()
//	    progress.RepositoryAcceptanceTest(t, repo)
//	}
func RepositoryAcceptanceTest(t *testing.T, repo Repository) {
	ctx := context.Background()
	at := time.Date(2009, time.November, 10, 23, 0, 0, 0, time.UTC)
	const id = 4242

	if _, err := repo.Find(ctx, id); !errors.Is(err, ErrTrackingNotFound) {
		t.Error("there should be no tracking:", err)
	}

	if err := repo.UpdateTracking(ctx, id, &er.Payload{Name: "x"}, at); !errors.Is(err, ErrTrackingNotFound) {
		t.Error("updating a missing tracking should be an error:", err)
	}

	if err := repo.ArchiveTracking(ctx, id, at); !errors.Is(err, ErrTrackingNotFound) {
		t.Error("archiving a missing tracking should be an error:", err)
	}

	p := &er.Payload{Name: "Distributed Systems", Description: "Messaging", Instructor: "Grace"}
	if err := repo.InitializeTracking(ctx, id, p, at); err != nil {
		t.Fatal("there should be no error:", err)
	}

	// Initializing again is a no-op.
	if err := repo.InitializeTracking(ctx, id, &er.Payload{Name: "other"}, at.Add(time.Hour)); err != nil {
		t.Error("there should be no error:", err)
	}

	tr, err := repo.Find(ctx, id)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	if tr.SubjectID != id || tr.State != Tracked || tr.Name != p.Name || tr.Instructor != p.Instructor || !tr.TrackedAt.Equal(at) {
		t.Error("the tracking should be initialized:", tr)
	}

	updated := at.Add(time.Minute)
	if err := repo.UpdateTracking(ctx, id, &er.Payload{Name: "Distributed Systems II", Description: "Consensus", Instructor: "Leslie"}, updated); err != nil {
		t.Error("there should be no error:", err)
	}

	if tr, err = repo.Find(ctx, id); err != nil {
		t.Fatal("there should be no error:", err)
	}

	if tr.Name != "Distributed Systems II" || tr.Instructor != "Leslie" || tr.Updates != 1 || !tr.UpdatedAt.Equal(updated) {
		t.Error("the tracking should be updated:", tr)
	}

	archived := at.Add(time.Hour)
	if err := repo.ArchiveTracking(ctx, id, archived); err != nil {
		t.Error("there should be no error:", err)
	}

	if tr, err = repo.Find(ctx, id); err != nil {
		t.Fatal("there should be no error:", err)
	}

	if tr.State != Archived || !tr.ArchivedAt.Equal(archived) || tr.Name != "Distributed Systems II" {
		t.Error("the tracking should be archived:", tr)
	}

	// Returned trackings are copies.
	tr.Name = "changed"
	if again, _ := repo.Find(ctx, id); again == nil || again.Name == "changed" {
		t.Error("the stored tracking should not change")
	}
}
