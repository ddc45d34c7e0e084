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

// Package wiring builds the relay components selected by a config.
package wiring

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.mongodb.org/mongo-driver/v2/mongo"

	er "github.com/looplab/eventrelay"
	"github.com/looplab/eventrelay/channel/amqp"
	"github.com/looplab/eventrelay/channel/gcp"
	"github.com/looplab/eventrelay/channel/kafka"
	"github.com/looplab/eventrelay/channel/local"
	"github.com/looplab/eventrelay/channel/nats"
	"github.com/looplab/eventrelay/channel/redis"
	dlchannel "github.com/looplab/eventrelay/deadletter/channel"
	dlmemory "github.com/looplab/eventrelay/deadletter/memory"
	dlmongodb "github.com/looplab/eventrelay/deadletter/mongodb"
	idmemory "github.com/looplab/eventrelay/idempotency/memory"
	idmongodb "github.com/looplab/eventrelay/idempotency/mongodb"
	idpostgres "github.com/looplab/eventrelay/idempotency/postgres"
	idredis "github.com/looplab/eventrelay/idempotency/redis"
	"github.com/looplab/eventrelay/internal/config"
	"github.com/looplab/eventrelay/mongoutils"
	"github.com/looplab/eventrelay/progress"
	progmemory "github.com/looplab/eventrelay/progress/memory"
	progmongodb "github.com/looplab/eventrelay/progress/mongodb"
)

// ErrUnknownBackend is when a config names a backend that is not wired.
var ErrUnknownBackend = errors.New("unknown backend")

// Wiring creates components from a config and keeps track of what has to be
// closed on shutdown. A single MongoDB client is shared by all MongoDB
// backends.
type Wiring struct {
	cfg     *config.Config
	broker  *local.Broker
	mongo   *mongo.Client
	closers []io.Closer
}

// New creates a wiring for a config. The local broker is used by the local
// transport and is shared by all local channels.
func New(cfg *config.Config) *Wiring {
	return &Wiring{
		cfg:    cfg,
		broker: local.NewBroker(),
	}
}

// Broker returns the in-process broker used by the local transport.
func (w *Wiring) Broker() *local.Broker {
	return w.broker
}

// Channel creates a channel on the configured transport for a named stream.
// Consumer side names, like groups and queues, get a suffix for streams other
// than the main one so that each stream is consumed independently.
func (w *Wiring) Channel(name string) (er.Channel, error) {
	cfg := w.cfg
	suffix := ""
	if name != cfg.Stream {
		suffix = "-" + sanitize(name)
	}

	var (
		ch  er.Channel
		err error
	)

	switch cfg.Transport {
	case config.BackendLocal:
		ch, err = local.NewChannel(w.broker, name)
	case config.BackendKafka:
		ch, err = kafka.NewChannel(cfg.Kafka.Addr, name, cfg.Kafka.GroupID+suffix,
			kafka.WithPartitions(cfg.Kafka.Partitions))
	case config.BackendRedis:
		ch, err = redis.NewChannel(cfg.Redis.Addr, name, cfg.Redis.Group+suffix, cfg.Redis.Consumer,
			redis.WithClaimIdle(cfg.Redis.Claim))
	case config.BackendNATS:
		ch, err = nats.NewChannel(cfg.NATS.URL, sanitize(name), cfg.NATS.Durable+suffix,
			nats.WithAckWait(cfg.NATS.AckWait))
	case config.BackendGCP:
		ch, err = gcp.NewChannel(cfg.GCP.ProjectID, name, cfg.GCP.Subscription+suffix,
			gcp.WithAckDeadline(cfg.GCP.AckDeadline))
	case config.BackendAMQP:
		ch, err = amqp.NewChannel(cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AMQP.Queue+suffix,
			amqp.WithPrefetch(cfg.AMQP.Prefetch))
	default:
		return nil, fmt.Errorf("%w: transport %s", ErrUnknownBackend, cfg.Transport)
	}

	if err != nil {
		return nil, fmt.Errorf("could not create %s channel %s: %w", cfg.Transport, name, err)
	}

	w.closers = append(w.closers, ch)

	return ch, nil
}

// IdempotencyStore creates the configured idempotency store.
func (w *Wiring) IdempotencyStore(ctx context.Context) (er.IdempotencyStore, error) {
	cfg := w.cfg

	switch cfg.Idempotency.Backend {
	case config.BackendMemory:
		return idmemory.NewStore(), nil
	case config.BackendRedis:
		s, err := idredis.NewStore(cfg.Redis.Addr, cfg.Redis.Prefix,
			idredis.WithRetention(cfg.Idempotency.Retention))
		if err != nil {
			return nil, fmt.Errorf("could not create redis idempotency store: %w", err)
		}

		w.closers = append(w.closers, s)

		return s, nil
	case config.BackendMongoDB:
		client, err := w.mongoClient(ctx)
		if err != nil {
			return nil, err
		}

		s, err := idmongodb.NewStoreWithClient(client, cfg.MongoDB.Database,
			idmongodb.WithRetention(cfg.Idempotency.Retention))
		if err != nil {
			return nil, fmt.Errorf("could not create mongodb idempotency store: %w", err)
		}

		return s, nil
	case config.BackendPostgres:
		s, err := idpostgres.NewStore(cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("could not create postgres idempotency store: %w", err)
		}

		w.closers = append(w.closers, s)

		return s, nil
	default:
		return nil, fmt.Errorf("%w: idempotency %s", ErrUnknownBackend, cfg.Idempotency.Backend)
	}
}

// DeadLetterSink creates the configured dead-letter sink.
func (w *Wiring) DeadLetterSink(ctx context.Context) (er.DeadLetterSink, error) {
	cfg := w.cfg

	switch cfg.DeadLetter.Backend {
	case config.BackendMemory:
		return dlmemory.NewSink(), nil
	case config.BackendChannel:
		ch, err := w.Channel(cfg.DeadLetter.Destination)
		if err != nil {
			return nil, err
		}

		s, err := dlchannel.NewSink(ch)
		if err != nil {
			return nil, fmt.Errorf("could not create dead-letter sink: %w", err)
		}

		return s, nil
	case config.BackendMongoDB:
		client, err := w.mongoClient(ctx)
		if err != nil {
			return nil, err
		}

		s, err := dlmongodb.NewSinkWithClient(client, cfg.MongoDB.Database)
		if err != nil {
			return nil, fmt.Errorf("could not create mongodb dead-letter sink: %w", err)
		}

		return s, nil
	default:
		return nil, fmt.Errorf("%w: dead letter %s", ErrUnknownBackend, cfg.DeadLetter.Backend)
	}
}

// ProgressRepository creates the configured progress repository.
func (w *Wiring) ProgressRepository(ctx context.Context) (progress.Repository, error) {
	cfg := w.cfg

	switch cfg.Progress.Backend {
	case config.BackendMemory:
		return progmemory.NewRepo(), nil
	case config.BackendMongoDB:
		client, err := w.mongoClient(ctx)
		if err != nil {
			return nil, err
		}

		r, err := progmongodb.NewRepoWithClient(client, cfg.MongoDB.Database)
		if err != nil {
			return nil, fmt.Errorf("could not create mongodb progress repo: %w", err)
		}

		return r, nil
	default:
		return nil, fmt.Errorf("%w: progress %s", ErrUnknownBackend, cfg.Progress.Backend)
	}
}

// Close closes everything created by the wiring, newest first.
func (w *Wiring) Close(ctx context.Context) error {
	var errs []error

	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}

	w.closers = nil

	if w.mongo != nil {
		if err := w.mongo.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("could not disconnect from MongoDB: %w", err))
		}

		w.mongo = nil
	}

	return errors.Join(errs...)
}

func (w *Wiring) mongoClient(ctx context.Context) (*mongo.Client, error) {
	if w.mongo != nil {
		return w.mongo, nil
	}

	client, err := mongoutils.Connect(ctx, w.cfg.MongoDB.URI)
	if err != nil {
		return nil, err
	}

	w.mongo = client

	return client, nil
}

// sanitize makes a stream name usable where dots are not allowed, like NATS
// stream names and consumer group suffixes.
func sanitize(name string) string {
	return strings.ReplaceAll(name, ".", "-")
}
