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

// Package mongodb stores dead letters in a MongoDB collection for inspection
// and manual replay.
package mongodb

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	er "github.com/looplab/eventrelay"
	"github.com/looplab/eventrelay/mongoutils"
)

// Sink is a dead-letter sink on a MongoDB collection.
type Sink struct {
	client         *mongo.Client
	ownClient      bool
	letters        *mongo.Collection
	collectionName string
}

// Option is an option setter used to configure creation.
type Option func(*Sink) error

// WithCollectionName uses a different name for the dead-letter collection.
func WithCollectionName(name string) Option {
	return func(s *Sink) error {
		if err := mongoutils.CheckCollectionName(name); err != nil {
			return fmt.Errorf("dead letter collection: %w", err)
		}

		s.collectionName = name

		return nil
	}
}

// NewSink creates a new Sink with a MongoDB URI: `mongodb://hostname`.
func NewSink(uri, dbName string, options ...Option) (*Sink, error) {
	client, err := mongoutils.Connect(context.Background(), uri)
	if err != nil {
		return nil, err
	}

	s, err := newSinkWithClient(client, true, dbName, options...)
	if err != nil {
		_ = client.Disconnect(context.Background())

		return nil, err
	}

	return s, nil
}

// NewSinkWithClient creates a new Sink with a client.
func NewSinkWithClient(client *mongo.Client, dbName string, options ...Option) (*Sink, error) {
	return newSinkWithClient(client, false, dbName, options...)
}

func newSinkWithClient(client *mongo.Client, ownClient bool, dbName string, opts ...Option) (*Sink, error) {
	if client == nil {
		return nil, fmt.Errorf("missing DB client")
	}

	if err := mongoutils.CheckDatabaseName(dbName); err != nil {
		return nil, err
	}

	s := &Sink{
		client:         client,
		ownClient:      ownClient,
		collectionName: "dead_letters",
	}

	for _, option := range opts {
		if err := option(s); err != nil {
			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	s.letters = client.Database(dbName).Collection(s.collectionName)

	if _, err := s.letters.Indexes().CreateMany(context.Background(), []mongo.IndexModel{
		{Keys: bson.D{{Key: "failed_at", Value: 1}}},
		{Keys: bson.D{{Key: "key", Value: 1}}},
	}); err != nil {
		return nil, fmt.Errorf("could not ensure dead letter indexes: %w", err)
	}

	return s, nil
}

// DeadLetter implements the DeadLetter method of the eventrelay.DeadLetterSink interface.
func (s *Sink) DeadLetter(ctx context.Context, l *er.DeadLetter) error {
	if _, err := s.letters.InsertOne(ctx, l); err != nil {
		return fmt.Errorf("could not insert dead letter: %w", err)
	}

	return nil
}

// FindByKey returns the dead letters of a partition key, oldest first.
func (s *Sink) FindByKey(ctx context.Context, key string) ([]*er.DeadLetter, error) {
	cursor, err := s.letters.Find(ctx, bson.M{"key": key},
		options.Find().SetSort(bson.D{{Key: "failed_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("could not find dead letters: %w", err)
	}

	var letters []*er.DeadLetter
	if err := cursor.All(ctx, &letters); err != nil {
		return nil, fmt.Errorf("could not decode dead letters: %w", err)
	}

	return letters, nil
}

// Close closes the DB client if it was created by the sink.
func (s *Sink) Close() error {
	if !s.ownClient {
		return nil
	}

	return s.client.Disconnect(context.Background())
}
