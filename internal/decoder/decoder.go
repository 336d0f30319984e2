// Package decoder matches log records against known log shapes and projects
// their key=value pairs into metrics.
//
// A Registry holds an ordered list of Decoders. Select returns the first
// decoder whose predicate holds, so registration order breaks ties between
// overlapping predicates. Decode turns the record's message into a metric:
// configured tag keys are copied verbatim, configured field keys are typed
// with metric.TypeValue.
package decoder

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"logsnarf/internal/logline"
	"logsnarf/internal/metric"
	"logsnarf/internal/tokenizer"
)

var (
	// ErrMissingKey is returned by Decode in strict mode when a configured
	// key is absent from the message.
	ErrMissingKey = errors.New("configured key missing from message")
	// ErrBadTimestamp is returned by Decode when the record timestamp is not RFC 3339.
	ErrBadTimestamp = errors.New("malformed record timestamp")
)

// samplePrefix is stripped from field keys in the produced metric.
const samplePrefix = "sample#"

// Decoder describes one recognized log shape.
type Decoder struct {
	Name   string
	Tags   []string
	Fields []string
	Match  Predicate
}

// Registry is an immutable, ordered decoder list.
type Registry struct {
	decoders []Decoder
	strict   bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithStrict makes Decode fail when a configured tag or field key is
// missing from the message instead of omitting it.
func WithStrict(strict bool) Option {
	return func(r *Registry) { r.strict = strict }
}

// NewRegistry validates decoders and returns a registry preserving their order.
func NewRegistry(decoders []Decoder, opts ...Option) (*Registry, error) {
	seen := make(map[string]struct{}, len(decoders))
	for i, d := range decoders {
		if d.Name == "" {
			return nil, fmt.Errorf("decoder %d: empty name", i)
		}
		if _, dup := seen[d.Name]; dup {
			return nil, fmt.Errorf("decoder %q: duplicate name", d.Name)
		}
		seen[d.Name] = struct{}{}
		for _, c := range d.Match {
			if err := c.validate(); err != nil {
				return nil, fmt.Errorf("decoder %q: %w", d.Name, err)
			}
		}
	}

	r := &Registry{decoders: make([]Decoder, len(decoders))}
	for i, d := range decoders {
		r.decoders[i] = Decoder{
			Name:   d.Name,
			Tags:   slices.Clone(d.Tags),
			Fields: slices.Clone(d.Fields),
			Match:  slices.Clone(d.Match),
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Decoders returns a copy of the registered decoders in order.
func (r *Registry) Decoders() []Decoder {
	return slices.Clone(r.decoders)
}

// Strict reports whether missing keys fail decoding.
func (r *Registry) Strict() bool { return r.strict }

// Select returns the first decoder whose predicate matches rec.
func (r *Registry) Select(rec logline.Record) (*Decoder, bool) {
	for i := range r.decoders {
		if r.decoders[i].Match.Match(rec) {
			return &r.decoders[i], true
		}
	}
	return nil, false
}

// Decode builds a metric named after d from rec's message.
//
// Keys missing from the message are skipped, or fail with ErrMissingKey in
// strict mode. A result with no fields is still returned; encoders that
// cannot carry it drop it. A timestamp that does not parse fails with
// ErrBadTimestamp.
func (r *Registry) Decode(d *Decoder, rec logline.Record) (m metric.Metric, ok bool, err error) {
	ts, err := time.Parse(time.RFC3339Nano, rec.Timestamp)
	if err != nil {
		return metric.Metric{}, false, fmt.Errorf("%w: %q", ErrBadTimestamp, rec.Timestamp)
	}

	pairs := tokenizer.ParseKV(rec.Message)

	tags := make(map[string]string, len(d.Tags))
	for _, k := range d.Tags {
		v, present := pairs[k]
		if !present {
			if r.strict {
				return metric.Metric{}, false, fmt.Errorf("decoder %s: tag %q: %w", d.Name, k, ErrMissingKey)
			}
			continue
		}
		tags[k] = v
	}

	fields := make(map[string]metric.FieldValue, len(d.Fields))
	for _, k := range d.Fields {
		v, present := pairs[k]
		if !present {
			if r.strict {
				return metric.Metric{}, false, fmt.Errorf("decoder %s: field %q: %w", d.Name, k, ErrMissingKey)
			}
			continue
		}
		fields[strings.TrimPrefix(k, samplePrefix)] = metric.TypeValue(v)
	}

	return metric.New(ts.UTC(), d.Name, tags, fields), true, nil
}
