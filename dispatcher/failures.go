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
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/looplab/eventrelay/uuid"
)

// failureCounter counts handler failures per event, for the most recently
// failing events only.
type failureCounter struct {
	mu    sync.Mutex
	cache *lru.Cache[uuid.UUID, int]
}

func newFailureCounter(size int) (*failureCounter, error) {
	cache, err := lru.New[uuid.UUID, int](size)
	if err != nil {
		return nil, err
	}

	return &failureCounter{cache: cache}, nil
}

func (c *failureCounter) count(id uuid.UUID) int {
	n, _ := c.cache.Peek(id)

	return n
}

func (c *failureCounter) add(id uuid.UUID) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, _ := c.cache.Get(id)
	n++
	c.cache.Add(id, n)

	return n
}

func (c *failureCounter) forget(id uuid.UUID) {
	c.cache.Remove(id)
}
