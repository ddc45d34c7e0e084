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

package httputils

import (
	"errors"
	"net/http"
	"path"
	"strconv"

	json "github.com/json-iterator/go"

	"github.com/looplab/eventrelay/progress"
)

// TrackingHandler returns the progress tracking of one course, using the last
// part of the path as the course ID.
func TrackingHandler(repo progress.Repository) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "unsupported method: "+r.Method, http.StatusMethodNotAllowed)
			return
		}

		_, idStr := path.Split(r.URL.Path)

		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil || id <= 0 {
			http.Error(w, "could not parse course ID", http.StatusBadRequest)
			return
		}

		t, err := repo.Find(r.Context(), id)
		if errors.Is(err, progress.ErrTrackingNotFound) {
			http.Error(w, "could not find tracking", http.StatusNotFound)
			return
		} else if err != nil {
			http.Error(w, "could not find tracking: "+err.Error(), http.StatusInternalServerError)
			return
		}

		b, err := json.Marshal(trackingRecord{Tracking: t, State: t.State.String()})
		if err != nil {
			http.Error(w, "could not encode result: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(b)
	})
}

type trackingRecord struct {
	*progress.Tracking
	State string `json:"state"`
}
