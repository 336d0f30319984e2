// Package pipeline turns drain payloads into metrics and hands them to the
// metric store.
//
// Each line is parsed into a log record, matched against the decoder
// registry, and decoded. Bad and oversized lines are counted and skipped;
// only reader failures, cancellation and store failures abort a run.
package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"logsnarf/internal/decoder"
	"logsnarf/internal/logging"
	"logsnarf/internal/logline"
	"logsnarf/internal/metric"
)

// MaxLineSize is the longest line Ingest decodes.
const MaxLineSize = 1 << 20

const readBufferSize = 64 << 10

var errLineTooLong = errors.New("line too long")

// Pusher receives the metrics decoded from one payload.
type Pusher interface {
	Push(token string, metrics []metric.Metric) error
}

// Config configures a Pipeline.
type Config struct {
	Registry *decoder.Registry
	Store    Pusher
	Logger   *slog.Logger
}

// Stats counts what happened to the lines of one payload.
type Stats struct {
	Lines     int `json:"lines"`
	Bytes     int `json:"bytes"`
	Records   int `json:"records"`
	Metrics   int `json:"metrics"`
	Skipped   int `json:"skipped"`
	Unmatched int `json:"unmatched"`
	Errors    int `json:"errors"`
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Lines += o.Lines
	s.Bytes += o.Bytes
	s.Records += o.Records
	s.Metrics += o.Metrics
	s.Skipped += o.Skipped
	s.Unmatched += o.Unmatched
	s.Errors += o.Errors
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	registry *decoder.Registry
	store    Pusher
	logger   *slog.Logger
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		registry: cfg.Registry,
		store:    cfg.Store,
		logger:   logging.Default(cfg.Logger).With("component", "pipeline"),
	}
}

// Ingest decodes every line of r and pushes the resulting metrics for token
// in a single call. A line longer than MaxLineSize is counted as skipped.
func (p *Pipeline) Ingest(ctx context.Context, token string, r io.Reader) (Stats, error) {
	var st Stats
	var out []metric.Metric

	br := bufio.NewReaderSize(r, readBufferSize)
	var buf []byte
	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		line, err := readLine(br, buf[:0])
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, errLineTooLong) {
			st.Lines++
			st.Skipped++
			p.logger.Debug("line too long", "token", token, "max", MaxLineSize)
			continue
		}
		if err != nil {
			return st, fmt.Errorf("read payload: %w", err)
		}
		buf = line
		st.Lines++
		st.Bytes += len(line)
		line = bytes.TrimSuffix(line, []byte{'\r'})

		m, ok := p.decodeLine(token, line, &st)
		if ok {
			out = append(out, m)
		}
	}

	st.Metrics = len(out)
	if len(out) == 0 {
		return st, nil
	}
	if err := p.store.Push(token, out); err != nil {
		return st, fmt.Errorf("push %d metrics: %w", len(out), err)
	}
	return st, nil
}

// readLine appends the next line of br to buf and returns it without its
// newline. An oversized line is consumed through its newline and reported as
// errLineTooLong. io.EOF is returned only when no bytes remain.
func readLine(br *bufio.Reader, buf []byte) ([]byte, error) {
	tooLong := false
	for {
		frag, err := br.ReadSlice('\n')
		if !tooLong {
			buf = append(buf, frag...)
			if len(bytes.TrimSuffix(buf, []byte{'\n'})) > MaxLineSize {
				tooLong = true
				buf = buf[:0]
			}
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if tooLong {
				return nil, errLineTooLong
			}
			if len(buf) == 0 {
				return nil, io.EOF
			}
			return buf, nil
		case err != nil:
			return nil, err
		}
		if tooLong {
			return nil, errLineTooLong
		}
		return buf[:len(buf)-1], nil
	}
}

// IngestBytes is Ingest over an in-memory payload.
func (p *Pipeline) IngestBytes(ctx context.Context, token string, data []byte) (Stats, error) {
	return p.Ingest(ctx, token, bytes.NewReader(data))
}

func (p *Pipeline) decodeLine(token string, line []byte, st *Stats) (metric.Metric, bool) {
	rec, ok, err := logline.Parse(line)
	if err != nil {
		st.Errors++
		p.logger.Debug("bad line", "token", token, "error", err)
		return metric.Metric{}, false
	}
	if !ok {
		st.Skipped++
		return metric.Metric{}, false
	}
	st.Records++

	d, ok := p.registry.Select(rec)
	if !ok {
		st.Unmatched++
		return metric.Metric{}, false
	}
	m, ok, err := p.registry.Decode(d, rec)
	if err != nil {
		st.Errors++
		p.logger.Debug("decode failed", "token", token, "decoder", d.Name, "error", err)
		return metric.Metric{}, false
	}
	return m, ok
}
