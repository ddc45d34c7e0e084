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

// Command eventrelay publishes course events and consumes them into the
// progress read model.
package main

import (
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/looplab/eventrelay/internal/config"
	"github.com/looplab/eventrelay/tracing"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type app struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "eventrelay",
		Short:         "Relay course events into learner progress",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Config file (YAML)")

	rootCmd.AddCommand(newPublishCommand(a))
	rootCmd.AddCommand(newConsumeCommand(a))
	rootCmd.AddCommand(newDeadLettersCommand(a))
	rootCmd.AddCommand(newConfigCommand(a))

	return rootCmd
}

func (a *app) config() (*config.Config, error) {
	return config.Load(a.configPath)
}

// tracer sets up the global tracer when enabled. The returned closer is
// always safe to close.
func (a *app) tracer(cfg *config.Config) (io.Closer, error) {
	if !cfg.Tracing.Enabled {
		return nopCloser{}, nil
	}

	closer, err := tracing.NewTracer(cfg.Tracing.ServiceName, cfg.Tracing.ZipkinHost,
		tracing.WithSamplingRate(cfg.Tracing.SamplingRate))
	if err != nil {
		return nil, err
	}

	tracing.RegisterContext()
	log.Printf("eventrelay: tracing to %s as %s", cfg.Tracing.ZipkinHost, cfg.Tracing.ServiceName)

	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
