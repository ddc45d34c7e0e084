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

// Package redis is an idempotency store on Redis. Records are keys set with
// SETNX and expire after the retention time.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	json "github.com/json-iterator/go"

	er "github.com/looplab/eventrelay"
	"github.com/looplab/eventrelay/uuid"
)

// DefaultRetention is the default time records are kept. It must be longer
// than the time the broker may redeliver a message.
var DefaultRetention = 7 * 24 * time.Hour

// Store is an idempotency store on Redis.
type Store struct {
	client     *redis.Client
	clientOpts *redis.Options
	prefix     string
	retention  time.Duration
}

// Option is an option setter used to configure creation.
type Option func(*Store) error

// WithRedisOptions uses the Redis options for the underlying client, instead of the defaults.
func WithRedisOptions(opts *redis.Options) Option {
	return func(s *Store) error {
		s.clientOpts = opts
		return nil
	}
}

// WithRetention sets the time records are kept.
func WithRetention(d time.Duration) Option {
	return func(s *Store) error {
		if d <= 0 {
			return fmt.Errorf("invalid retention: %s", d)
		}

		s.retention = d

		return nil
	}
}

// NewStore creates a Store using keys with the prefix.
func NewStore(addr, prefix string, options ...Option) (*Store, error) {
	s := &Store{
		prefix:    prefix,
		retention: DefaultRetention,
	}

	for _, option := range options {
		if option == nil {
			continue
		}

		if err := option(s); err != nil {
			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	// Default client options.
	if s.clientOpts == nil {
		s.clientOpts = &redis.Options{
			Addr: addr,
		}
	}

	// Create client and check connection.
	s.client = redis.NewClient(s.clientOpts)
	if res, err := s.client.Ping(context.Background()).Result(); err != nil || res != "PONG" {
		return nil, fmt.Errorf("could not check Redis server: %w", err)
	}

	return s, nil
}

type record struct {
	Kind           string    `json:"kind"`
	SubjectID      int64     `json:"subjectId"`
	AppliedAt      time.Time `json:"appliedAt"`
	OutcomeSummary string    `json:"outcome,omitempty"`
}

// Insert implements the Insert method of the eventrelay.IdempotencyStore interface.
func (s *Store) Insert(ctx context.Context, r *er.DeliveryRecord) error {
	b, err := json.Marshal(record{
		Kind:           r.Kind.String(),
		SubjectID:      r.SubjectID,
		AppliedAt:      r.AppliedAt,
		OutcomeSummary: r.OutcomeSummary,
	})
	if err != nil {
		return fmt.Errorf("could not marshal delivery record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(r.EventID), b, s.retention).Result()
	if err != nil {
		return fmt.Errorf("could not insert delivery record: %w", err)
	}

	if !ok {
		return er.ErrAlreadyApplied
	}

	return nil
}

// Remove implements the Remove method of the eventrelay.IdempotencyStore interface.
func (s *Store) Remove(ctx context.Context, id uuid.UUID) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("could not remove delivery record: %w", err)
	}

	return nil
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(id uuid.UUID) string {
	return s.prefix + ":applied:" + id.String()
}
