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

// Package mongodb is an idempotency store on MongoDB. The event ID is the
// document ID, so the unique _id index makes inserts atomic.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	er "github.com/looplab/eventrelay"
	"github.com/looplab/eventrelay/mongoutils"
	"github.com/looplab/eventrelay/uuid"
)

// Store is an idempotency store on a MongoDB collection.
type Store struct {
	client          *mongo.Client
	clientOwnership clientOwnership
	records         *mongo.Collection
	collectionName  string
	retention       time.Duration
}

type clientOwnership int

const (
	internalClient clientOwnership = iota
	externalClient
)

// Option is an option setter used to configure creation.
type Option func(*Store) error

// WithCollectionName uses a different name for the records collection.
func WithCollectionName(name string) Option {
	return func(s *Store) error {
		if err := mongoutils.CheckCollectionName(name); err != nil {
			return fmt.Errorf("records collection: %w", err)
		}

		s.collectionName = name

		return nil
	}
}

// WithRetention adds a TTL index that expires records after the retention.
func WithRetention(d time.Duration) Option {
	return func(s *Store) error {
		if d < time.Second {
			return fmt.Errorf("invalid retention: %s", d)
		}

		s.retention = d

		return nil
	}
}

// NewStore creates a new Store with a MongoDB URI: `mongodb://hostname`.
func NewStore(uri, dbName string, options ...Option) (*Store, error) {
	client, err := mongoutils.Connect(context.Background(), uri)
	if err != nil {
		return nil, err
	}

	return newStoreWithClient(client, internalClient, dbName, options...)
}

// NewStoreWithClient creates a new Store with a client.
func NewStoreWithClient(client *mongo.Client, dbName string, options ...Option) (*Store, error) {
	return newStoreWithClient(client, externalClient, dbName, options...)
}

func newStoreWithClient(client *mongo.Client, clientOwnership clientOwnership, dbName string, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("missing DB client")
	}

	if err := mongoutils.CheckDatabaseName(dbName); err != nil {
		return nil, err
	}

	s := &Store{
		client:          client,
		clientOwnership: clientOwnership,
		collectionName:  "delivery_records",
	}

	for _, option := range opts {
		if err := option(s); err != nil {
			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	s.records = client.Database(dbName).Collection(s.collectionName)

	ctx := context.Background()

	if s.retention > 0 {
		if _, err := s.records.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "applied_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(s.retention / time.Second)),
		}); err != nil {
			return nil, fmt.Errorf("could not ensure TTL index: %w", err)
		}
	} else {
		if _, err := s.records.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys: bson.D{{Key: "applied_at", Value: 1}},
		}); err != nil {
			return nil, fmt.Errorf("could not ensure applied_at index: %w", err)
		}
	}

	return s, nil
}

type record struct {
	EventID        string    `bson:"_id"`
	Kind           string    `bson:"kind"`
	SubjectID      int64     `bson:"subject_id"`
	AppliedAt      time.Time `bson:"applied_at"`
	OutcomeSummary string    `bson:"outcome,omitempty"`
}

// Insert implements the Insert method of the eventrelay.IdempotencyStore interface.
func (s *Store) Insert(ctx context.Context, r *er.DeliveryRecord) error {
	if _, err := s.records.InsertOne(ctx, record{
		EventID:        r.EventID.String(),
		Kind:           r.Kind.String(),
		SubjectID:      r.SubjectID,
		AppliedAt:      r.AppliedAt,
		OutcomeSummary: r.OutcomeSummary,
	}); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return er.ErrAlreadyApplied
		}

		return fmt.Errorf("could not insert delivery record: %w", err)
	}

	return nil
}

// Remove implements the Remove method of the eventrelay.IdempotencyStore interface.
func (s *Store) Remove(ctx context.Context, id uuid.UUID) error {
	if _, err := s.records.DeleteOne(ctx, bson.M{"_id": id.String()}); err != nil {
		return fmt.Errorf("could not remove delivery record: %w", err)
	}

	return nil
}

// Prune implements the Prune method of the eventrelay.IdempotencyPruner interface.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.records.DeleteMany(ctx, bson.M{"applied_at": bson.M{"$lt": before}})
	if err != nil {
		return 0, fmt.Errorf("could not prune delivery records: %w", err)
	}

	return res.DeletedCount, nil
}

// Find returns the record of an event, for inspection.
func (s *Store) Find(ctx context.Context, id uuid.UUID) (*er.DeliveryRecord, error) {
	var r record
	if err := s.records.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&r); errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("could not find delivery record: %w", err)
	}

	kind, err := er.ParseEventKind(r.Kind)
	if err != nil {
		return nil, err
	}

	return &er.DeliveryRecord{
		EventID:        id,
		Kind:           kind,
		SubjectID:      r.SubjectID,
		AppliedAt:      r.AppliedAt,
		OutcomeSummary: r.OutcomeSummary,
	}, nil
}

// Close closes the DB client if it was created by the store.
func (s *Store) Close() error {
	if s.clientOwnership == externalClient {
		return nil
	}

	return s.client.Disconnect(context.Background())
}
