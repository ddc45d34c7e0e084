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

package tracing

import (
	"fmt"
	"io"
	"net"

	"github.com/opentracing/opentracing-go"
	jaeger "github.com/uber/jaeger-client-go"
	"github.com/uber/jaeger-client-go/transport/zipkin"
	zk "github.com/uber/jaeger-client-go/zipkin"
)

// ZipkinPort is the port of the Zipkin compatible span collector.
const ZipkinPort = "9411"

// TracerOption is an option setter used to configure the tracer.
type TracerOption func(*tracerConfig) error

type tracerConfig struct {
	sampler jaeger.Sampler
}

// WithSamplingRate samples a fraction of the traces, between 0 and 1. All
// traces are sampled by default.
func WithSamplingRate(rate float64) TracerOption {
	return func(c *tracerConfig) error {
		s, err := jaeger.NewProbabilisticSampler(rate)
		if err != nil {
			return fmt.Errorf("invalid sampling rate: %w", err)
		}

		c.sampler = s

		return nil
	}
}

// NewTracer sets a Jaeger tracer reporting to a Zipkin collector as the
// global tracer. Spans cross the broker in envelope metadata, see
// RegisterContext. The returned io.Closer flushes the reporter.
func NewTracer(serviceName, zipkinHost string, options ...TracerOption) (io.Closer, error) {
	c := &tracerConfig{
		sampler: jaeger.NewConstSampler(true),
	}

	for _, option := range options {
		if err := option(c); err != nil {
			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	endpoint := "http://" + net.JoinHostPort(zipkinHost, ZipkinPort) + "/api/v1/spans"

	transport, err := zipkin.NewHTTPTransport(endpoint)
	if err != nil {
		return nil, fmt.Errorf("could not create Zipkin transport for %s: %w", endpoint, err)
	}

	// Zipkin clients share the span ID between the sending and handling side.
	propagator := zk.NewZipkinB3HTTPHeaderPropagator()

	tracer, closer := jaeger.NewTracer(
		serviceName,
		c.sampler,
		jaeger.NewRemoteReporter(transport),
		jaeger.TracerOptions.Injector(opentracing.HTTPHeaders, propagator),
		jaeger.TracerOptions.Extractor(opentracing.HTTPHeaders, propagator),
		jaeger.TracerOptions.Injector(opentracing.TextMap, propagator),
		jaeger.TracerOptions.Extractor(opentracing.TextMap, propagator),
		jaeger.TracerOptions.ZipkinSharedRPCSpan(true),
		jaeger.TracerOptions.Gen128Bit(true),
	)
	opentracing.SetGlobalTracer(tracer)

	return closer, nil
}
