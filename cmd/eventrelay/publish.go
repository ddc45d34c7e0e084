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
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	er "github.com/looplab/eventrelay"
	"github.com/looplab/eventrelay/course"
	"github.com/looplab/eventrelay/internal/wiring"
	"github.com/looplab/eventrelay/publisher"
	"github.com/looplab/eventrelay/tracing"
)

type publishFlags struct {
	kind        string
	courseID    int64
	name        string
	description string
	instructor  string
	timeout     time.Duration
}

func newPublishCommand(a *app) *cobra.Command {
	f := &publishFlags{}

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a course lifecycle event",
		Example: `  eventrelay publish --kind CREATED --course 42 --name "Go 101" --instructor "R. Pike"
  eventrelay publish --kind DELETED --course 42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			id, err := a.publish(ctx, f)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), id)

			return nil
		},
	}

	cmd.Flags().StringVarP(&f.kind, "kind", "k", "", "Event kind: "+kindNames())
	cmd.Flags().Int64Var(&f.courseID, "course", 0, "Course ID")
	cmd.Flags().StringVar(&f.name, "name", "", "Course name")
	cmd.Flags().StringVar(&f.description, "description", "", "Course description")
	cmd.Flags().StringVar(&f.instructor, "instructor", "", "Course instructor")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 10*time.Second, "Time to wait for the broker to accept the event")

	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("course")

	return cmd
}

func (a *app) publish(ctx context.Context, f *publishFlags) (uuid.UUID, error) {
	kind, err := er.ParseEventKind(strings.ToUpper(f.kind))
	if err != nil {
		return uuid.Nil, err
	}

	cfg, err := a.config()
	if err != nil {
		return uuid.Nil, err
	}

	tracer, err := a.tracer(cfg)
	if err != nil {
		return uuid.Nil, err
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
		return uuid.Nil, err
	}

	var sender er.Sender = ch
	if cfg.Tracing.Enabled {
		sender = tracing.NewSender(ch)
	}

	p, err := publisher.NewPublisher(sender)
	if err != nil {
		return uuid.Nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	events := course.NewEvents(p)

	switch kind {
	case er.Created:
		return events.CourseCreated(ctx, f.courseID, f.name, f.description, f.instructor)
	case er.Updated:
		return events.CourseUpdated(ctx, f.courseID, f.name, f.description, f.instructor)
	default:
		return events.CourseDeleted(ctx, f.courseID, f.name, f.description, f.instructor)
	}
}

func kindNames() string {
	names := make([]string, 0, len(er.EventKinds()))
	for _, k := range er.EventKinds() {
		names = append(names, k.String())
	}

	return strings.Join(names, ", ")
}
