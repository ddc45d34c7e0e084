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

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	er "github.com/looplab/eventrelay"
	"github.com/looplab/eventrelay/dispatcher"
	"github.com/looplab/eventrelay/httputils"
	"github.com/looplab/eventrelay/idempotency/pruner"
	"github.com/looplab/eventrelay/internal/config"
	"github.com/looplab/eventrelay/internal/wiring"
	"github.com/looplab/eventrelay/metrics"
	"github.com/looplab/eventrelay/progress"
	"github.com/looplab/eventrelay/tracing"
)

func newConsumeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Consume course events into the progress read model",
		Long: `Consume course events from the configured stream and apply them to
the progress read model. Metrics are served on /metrics, live delivery
outcomes on /ws/outcomes and course progress on /progress/<course ID>.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := a.config()
			if err != nil {
				return err
			}

			return a.consume(ctx, cfg)
		},
	}
}

func (a *app) consume(ctx context.Context, cfg *config.Config) error {
	tracer, err := a.tracer(cfg)
	if err != nil {
		return err
	}
	defer tracer.Close()

	w := wiring.New(cfg)
	defer func() {
		if err := w.Close(context.Background()); err != nil {
			log.Printf("eventrelay: could not close: %s", err)
		}
	}()

	ch, err := w.Channel(cfg.Stream)
	if err != nil {
		return err
	}

	store, err := w.IdempotencyStore(ctx)
	if err != nil {
		return err
	}

	deadLetters, err := w.DeadLetterSink(ctx)
	if err != nil {
		return err
	}

	repo, err := w.ProgressRepository(ctx)
	if err != nil {
		return err
	}

	m, err := metrics.NewMetrics(prometheus.NewRegistry())
	if err != nil {
		return err
	}

	outcomes := httputils.NewOutcomeStream()

	h, err := progress.NewHandler(repo, progress.WithAnomalyHook(m.ObserveAnomaly))
	if err != nil {
		return err
	}

	var handler er.EnvelopeHandler = h
	if cfg.Tracing.Enabled {
		handler = er.UseEnvelopeHandlerMiddleware(h, tracing.NewEnvelopeHandlerMiddleware())
	}

	d, err := dispatcher.NewDispatcher(store, deadLetters,
		dispatcher.WithMaxRetries(cfg.Dispatcher.MaxRetries),
		dispatcher.WithConcurrency(cfg.Dispatcher.Concurrency),
		dispatcher.WithShutdownGrace(cfg.Dispatcher.ShutdownGrace),
		dispatcher.WithSettleTimeout(cfg.Dispatcher.SettleTimeout),
		dispatcher.WithStoreBackoff(cfg.Dispatcher.StoreBackoffMin, cfg.Dispatcher.StoreBackoffMax),
		dispatcher.WithObserver(m.ObserveOutcome),
		dispatcher.WithObserver(outcomes.Observe),
	)
	if err != nil {
		return err
	}

	if err := d.AddHandler(handler); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	logErrors(ctx, "dispatcher", d.Errors())

	if p, ok := store.(er.IdempotencyPruner); ok {
		pr, err := pruner.NewPruner(p, cfg.Idempotency.Retention,
			pruner.WithRedeliveryWindow(cfg.Idempotency.RedeliveryWindow),
			pruner.WithObserver(m.ObservePruned),
		)
		if err != nil {
			return err
		}

		if err := pr.Schedule(ctx, cfg.Idempotency.PruneSchedule); err != nil {
			return err
		}

		logErrors(ctx, "pruner", pr.Errors())
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/ws/outcomes", outcomes.Handler())
	mux.Handle("/progress/", httputils.TrackingHandler(repo))

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		log.Printf("eventrelay: serving HTTP on %s", cfg.HTTP.Addr)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Dispatcher.ShutdownGrace)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		log.Printf("eventrelay: consuming %s over %s", cfg.Stream, cfg.Transport)

		return d.Run(ctx, ch)
	})

	err = g.Wait()

	log.Printf("eventrelay: stopped consuming %s", cfg.Stream)

	return err
}

func logErrors(ctx context.Context, name string, errCh <-chan error) {
	go func() {
		for {
			select {
			case err := <-errCh:
				log.Printf("eventrelay: %s: %s", name, err)
			case <-ctx.Done():
				return
			}
		}
	}()
}
