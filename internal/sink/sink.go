// Package sink defines the destination of flushed tenant buffers.
//
// A Sink receives one call per tenant flush with that tenant's metrics in
// push order. Implementations live in subpackages: influxdb (line protocol
// over HTTP), kafka, mqtt and s3.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"logsnarf/internal/metric"
	"logsnarf/internal/sink/encoding"
)

// Sink writes a tenant's flushed metrics downstream.
type Sink interface {
	Write(ctx context.Context, token string, metrics []metric.Metric) error
}

// Func adapts a function to the Sink interface.
type Func func(ctx context.Context, token string, metrics []metric.Metric) error

func (f Func) Write(ctx context.Context, token string, metrics []metric.Metric) error {
	return f(ctx, token, metrics)
}

// Discard drops every batch.
var Discard Sink = Func(func(context.Context, string, []metric.Metric) error { return nil })

// Named pairs a sink with a name used in error messages.
type Named struct {
	Name string
	Sink Sink
}

// Multi fans each batch out to every child sink. All children are written
// even when some fail; failures are joined.
type Multi struct {
	sinks []Named
}

// NewMulti returns a fan-out sink over sinks.
func NewMulti(sinks ...Named) *Multi {
	return &Multi{sinks: sinks}
}

// Len returns the number of child sinks.
func (m *Multi) Len() int { return len(m.sinks) }

func (m *Multi) Write(ctx context.Context, token string, metrics []metric.Metric) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Sink.Write(ctx, token, metrics); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Writer encodes each batch and writes it to w. Writes are serialized.
type Writer struct {
	mu  sync.Mutex
	w   io.Writer
	enc encoding.Encoder
}

// NewWriter returns a sink writing batches encoded with enc to w.
func NewWriter(w io.Writer, enc encoding.Encoder) *Writer {
	return &Writer{w: w, enc: enc}
}

func (s *Writer) Write(_ context.Context, _ string, metrics []metric.Metric) error {
	body, err := s.enc.Encode(metrics)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(body)
	return err
}
