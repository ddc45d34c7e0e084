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

// Package mongodb is a progress repository on MongoDB, with one document per
// course keyed by the course ID.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	er "github.com/looplab/eventrelay"
	"github.com/looplab/eventrelay/mongoutils"
	"github.com/looplab/eventrelay/progress"
)

// Repo is a progress repository on a MongoDB collection.
type Repo struct {
	client          *mongo.Client
	clientOwnership clientOwnership
	trackings       *mongo.Collection
	collectionName  string
}

type clientOwnership int

const (
	internalClient clientOwnership = iota
	externalClient
)

// Option is an option setter used to configure creation.
type Option func(*Repo) error

// WithCollectionName uses a different name for the tracking collection.
func WithCollectionName(name string) Option {
	return func(r *Repo) error {
		if err := mongoutils.CheckCollectionName(name); err != nil {
			return fmt.Errorf("tracking collection: %w", err)
		}

		r.collectionName = name

		return nil
	}
}

// NewRepo creates a new Repo with a MongoDB URI: `mongodb://hostname`.
func NewRepo(uri, dbName string, options ...Option) (*Repo, error) {
	client, err := mongoutils.Connect(context.Background(), uri)
	if err != nil {
		return nil, err
	}

	return newRepoWithClient(client, internalClient, dbName, options...)
}

// NewRepoWithClient creates a new Repo with a client.
func NewRepoWithClient(client *mongo.Client, dbName string, options ...Option) (*Repo, error) {
	return newRepoWithClient(client, externalClient, dbName, options...)
}

func newRepoWithClient(client *mongo.Client, clientOwnership clientOwnership, dbName string, options ...Option) (*Repo, error) {
	if client == nil {
		return nil, fmt.Errorf("missing DB client")
	}

	if err := mongoutils.CheckDatabaseName(dbName); err != nil {
		return nil, err
	}

	r := &Repo{
		client:          client,
		clientOwnership: clientOwnership,
		collectionName:  "progress",
	}

	for _, option := range options {
		if err := option(r); err != nil {
			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	r.trackings = client.Database(dbName).Collection(r.collectionName)

	return r, nil
}

// Find implements the Find method of the progress.Repository interface.
func (r *Repo) Find(ctx context.Context, subjectID int64) (*progress.Tracking, error) {
	t := &progress.Tracking{}
	if err := r.trackings.FindOne(ctx, bson.M{"_id": subjectID}).Decode(t); errors.Is(err, mongo.ErrNoDocuments) {
		return nil, progress.ErrTrackingNotFound
	} else if err != nil {
		return nil, fmt.Errorf("could not find tracking: %w", err)
	}

	return t, nil
}

// InitializeTracking implements the InitializeTracking method of the progress.Repository interface.
func (r *Repo) InitializeTracking(ctx context.Context, subjectID int64, p *er.Payload, at time.Time) error {
	t := &progress.Tracking{
		SubjectID: subjectID,
		State:     progress.Tracked,
		TrackedAt: at,
		UpdatedAt: at,
	}

	if p != nil {
		t.Name, t.Description, t.Instructor = p.Name, p.Description, p.Instructor
	}

	if _, err := r.trackings.InsertOne(ctx, t); mongo.IsDuplicateKeyError(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("could not initialize tracking: %w", err)
	}

	return nil
}

// UpdateTracking implements the UpdateTracking method of the progress.Repository interface.
func (r *Repo) UpdateTracking(ctx context.Context, subjectID int64, p *er.Payload, at time.Time) error {
	set := bson.M{"updated_at": at}
	if p != nil {
		set["name"] = p.Name
		set["description"] = p.Description
		set["instructor"] = p.Instructor
	}

	res, err := r.trackings.UpdateOne(ctx,
		bson.M{"_id": subjectID},
		bson.M{"$set": set, "$inc": bson.M{"updates": 1}},
	)
	if err != nil {
		return fmt.Errorf("could not update tracking: %w", err)
	}

	if res.MatchedCount == 0 {
		return progress.ErrTrackingNotFound
	}

	return nil
}

// ArchiveTracking implements the ArchiveTracking method of the progress.Repository interface.
func (r *Repo) ArchiveTracking(ctx context.Context, subjectID int64, at time.Time) error {
	res, err := r.trackings.UpdateOne(ctx,
		bson.M{"_id": subjectID},
		bson.M{"$set": bson.M{"state": progress.Archived, "archived_at": at}},
	)
	if err != nil {
		return fmt.Errorf("could not archive tracking: %w", err)
	}

	if res.MatchedCount == 0 {
		return progress.ErrTrackingNotFound
	}

	return nil
}

// Clear removes all trackings, useful in testing.
func (r *Repo) Clear(ctx context.Context) error {
	if err := r.trackings.Drop(ctx); err != nil {
		return fmt.Errorf("could not clear trackings: %w", err)
	}

	return nil
}

// Close closes the DB client if it was created by the repo.
func (r *Repo) Close() error {
	if r.clientOwnership == externalClient {
		return nil
	}

	return r.client.Disconnect(context.Background())
}
