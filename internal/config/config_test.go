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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, BackendLocal, cfg.Transport)
	assert.Equal(t, "course-events", cfg.Stream)
	assert.Equal(t, "course-events.dlq", cfg.DeadLetter.Destination)
	assert.Equal(t, 3, cfg.Dispatcher.MaxRetries)
	assert.Equal(t, 3, cfg.Dispatcher.Concurrency)
	assert.Equal(t, 10*time.Second, cfg.Dispatcher.ShutdownGrace)
	assert.Equal(t, 10*time.Second, cfg.Dispatcher.SettleTimeout)
	assert.Equal(t, 7*24*time.Hour, cfg.Idempotency.Retention)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.RedeliveryWindow)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("EVENTRELAY_TRANSPORT", BackendKafka)
	t.Setenv("EVENTRELAY_KAFKA_ADDR", "kafka:9092")
	t.Setenv("EVENTRELAY_DISPATCHER_MAX_RETRIES", "5")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, BackendKafka, cfg.Transport)
	assert.Equal(t, "kafka:9092", cfg.Kafka.Addr)
	assert.Equal(t, 5, cfg.Dispatcher.MaxRetries)
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eventrelay.yaml")
	data := []byte(`
transport: redis
redis:
  addr: redis:6379
  claim_idle: 1m
idempotency:
  backend: postgres
  retention: 72h
dispatcher:
  concurrency: 8
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendRedis, cfg.Transport)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, time.Minute, cfg.Redis.Claim)
	assert.Equal(t, BackendPostgres, cfg.Idempotency.Backend)
	assert.Equal(t, 72*time.Hour, cfg.Idempotency.Retention)
	assert.Equal(t, 8, cfg.Dispatcher.Concurrency)
	assert.Equal(t, "progress-service", cfg.Redis.Group)
}

func TestMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("there should be an error")
	}
}

func TestValidate(t *testing.T) {
	testCases := map[string]struct {
		modify func(*Config)
	}{
		"unknown transport": {
			func(c *Config) { c.Transport = "carrier-pigeon" },
		},
		"unknown idempotency backend": {
			func(c *Config) { c.Idempotency.Backend = BackendChannel },
		},
		"unknown dead letter backend": {
			func(c *Config) { c.DeadLetter.Backend = BackendPostgres },
		},
		"unknown progress backend": {
			func(c *Config) { c.Progress.Backend = BackendRedis },
		},
		"missing stream": {
			func(c *Config) { c.Stream = "" },
		},
		"dead letters on event stream": {
			func(c *Config) { c.DeadLetter.Destination = c.Stream },
		},
		"no workers": {
			func(c *Config) { c.Dispatcher.Concurrency = 0 },
		},
		"negative retries": {
			func(c *Config) { c.Dispatcher.MaxRetries = -1 },
		},
		"zero retries": {
			func(c *Config) { c.Dispatcher.MaxRetries = 0 },
		},
		"no settle timeout": {
			func(c *Config) { c.Dispatcher.SettleTimeout = 0 },
		},
		"retention within redelivery window": {
			func(c *Config) { c.Idempotency.Retention = c.Idempotency.RedeliveryWindow },
		},
		"sampling rate above one": {
			func(c *Config) { c.Tracing.SamplingRate = 1.5 },
		},
		"gcp without project": {
			func(c *Config) { c.Transport = BackendGCP },
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)

			tc.modify(cfg)

			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Error("the error should be correct:", err)
			}
		})
	}
}
