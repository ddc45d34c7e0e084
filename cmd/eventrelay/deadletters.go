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
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	er "github.com/looplab/eventrelay"
	dlchannel "github.com/looplab/eventrelay/deadletter/channel"
	"github.com/looplab/eventrelay/internal/config"
	"github.com/looplab/eventrelay/internal/wiring"
	"github.com/looplab/eventrelay/tracing"
)

type replayFlags struct {
	max           int
	idle          time.Duration
	includePoison bool
}

func newDeadLettersCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "Inspect and replay dead letters",
	}

	f := &replayFlags{}

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Send dead letters back to the event stream",
		Long: `Send dead letters from the dead-letter destination back to the event
stream, keeping their event IDs. Only the channel dead-letter backend can be
replayed. Dead letters that could not be decoded are kept unless
--include-poison is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := a.config()
			if err != nil {
				return err
			}

			n, err := a.replay(ctx, cfg, f)
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d dead letters\n", n)

			return err
		},
	}

	replayCmd.Flags().IntVar(&f.max, "max", 0, "Maximum number of dead letters to replay, 0 for all")
	replayCmd.Flags().DurationVar(&f.idle, "idle", 2*time.Second, "Stop when no dead letter arrives within this time")
	replayCmd.Flags().BoolVar(&f.includePoison, "include-poison", false, "Also replay dead letters that could not be decoded")

	cmd.AddCommand(replayCmd)

	return cmd
}

func (a *app) replay(ctx context.Context, cfg *config.Config, f *replayFlags) (int, error) {
	if cfg.DeadLetter.Backend != config.BackendChannel {
		return 0, fmt.Errorf("%w: cannot replay from dead letter backend %s",
			config.ErrInvalidConfig, cfg.DeadLetter.Backend)
	}

	tracer, err := a.tracer(cfg)
	if err != nil {
		return 0, err
	}
	defer tracer.Close()

	w := wiring.New(cfg)
	defer func() {
		if err := w.Close(context.Background()); err != nil {
			log.Printf("eventrelay: could not close: %s", err)
		}
	}()

	dlq, err := w.Channel(cfg.DeadLetter.Destination)
	if err != nil {
		return 0, err
	}

	events, err := w.Channel(cfg.Stream)
	if err != nil {
		return 0, err
	}

	var sender er.Sender = events
	if cfg.Tracing.Enabled {
		sender = tracing.NewSender(events)
	}

	return replayDeadLetters(ctx, dlq, sender, f)
}

// replayDeadLetters moves dead letters from r to s until r has been idle for
// the given time. A dead letter is acked only after it has been sent. Skipped
// dead letters are held until the end and then requeued.
func replayDeadLetters(ctx context.Context, r er.Receiver, s er.Sender, f *replayFlags) (int, error) {
	n := 0

	var skipped []*er.Delivery
	defer func() {
		for _, d := range skipped {
			if err := r.Reject(context.Background(), d, true); err != nil {
				log.Printf("eventrelay: could not requeue dead letter with key %q: %s", d.Key, err)
			}
		}
	}()

	for f.max <= 0 || n < f.max {
		receiveCtx, cancel := context.WithTimeout(ctx, f.idle)
		d, err := r.Receive(receiveCtx)
		cancel()

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
				errors.Is(err, er.ErrChannelClosed) {
				return n, ctx.Err()
			}

			return n, fmt.Errorf("could not receive dead letter: %w", err)
		}

		l, err := dlchannel.Decode(d.Body)
		if err != nil {
			log.Printf("eventrelay: dropping unreadable dead letter with key %q: %s", d.Key, err)

			if err := r.Reject(ctx, d, false); err != nil {
				return n, err
			}

			continue
		}

		if l.EventID == "" && !f.includePoison {
			skipped = append(skipped, d)

			continue
		}

		id := l.EventID
		if id == "" {
			id = fmt.Sprintf("%s-%d", l.Key, l.FailedAt.UnixNano())
		}

		if err := s.Send(ctx, &er.Message{ID: id, Key: l.Key, Body: l.Body}); err != nil {
			if rerr := r.Reject(ctx, d, true); rerr != nil {
				log.Printf("eventrelay: could not requeue dead letter %s: %s", id, rerr)
			}

			return n, fmt.Errorf("could not replay dead letter %s: %w", id, err)
		}

		if err := r.Ack(ctx, d); err != nil {
			return n, fmt.Errorf("could not ack dead letter %s: %w", id, err)
		}

		log.Printf("eventrelay: replayed dead letter %s (%s)", id, l.Reason)

		n++
	}

	return n, nil
}
