// Package metricstore buffers metrics per tenant and flushes each tenant's
// buffer to a sink once its deadline passes.
//
// A tenant's deadline is fixed when its buffer goes from empty to pending:
// later pushes append without moving it, so no metric waits longer than the
// configured timeout. Deadlines are kept in a btree ordered by
// (deadline, token) and a single goroutine sleeps until the earliest one.
package metricstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"github.com/jonboulle/clockwork"

	"logsnarf/internal/logging"
	"logsnarf/internal/metric"
	"logsnarf/internal/notify"
	"logsnarf/internal/sink"
)

// ErrClosed is returned by Push after Shutdown.
var ErrClosed = errors.New("metric store closed")

const (
	DefaultTimeout      = 10 * time.Second
	DefaultWriteTimeout = 30 * time.Second
)

// Config configures a Store.
type Config struct {
	Sink sink.Sink

	// Timeout is the maximum time a metric stays buffered. Default 10s.
	Timeout time.Duration

	// MaxPending flushes a tenant early once its buffer holds this many
	// metrics. Zero disables the limit.
	MaxPending int

	// WriteTimeout bounds each sink write. Default 30s.
	WriteTimeout time.Duration

	// Clock defaults to the real clock.
	Clock clockwork.Clock

	// OnError is called for sink failures of deadline-driven flushes.
	OnError func(token string, err error)

	Logger *slog.Logger
}

// Entry is one scheduled flush.
type Entry struct {
	Deadline time.Time
	Token    string
}

func entryLess(a, b Entry) bool {
	if !a.Deadline.Equal(b.Deadline) {
		return a.Deadline.Before(b.Deadline)
	}
	return a.Token < b.Token
}

// Stats is a snapshot of store counters.
type Stats struct {
	Tenants  int    // tenants with a pending buffer
	Pending  int    // metrics buffered across all tenants
	Flushes  uint64 // sink writes attempted
	Flushed  uint64 // metrics handed to the sink
	Failures uint64 // sink writes that failed
}

type batch struct {
	token   string
	metrics []metric.Metric
}

// Store is a per-tenant, deadline-scheduled metric buffer.
type Store struct {
	sink         sink.Sink
	timeout      time.Duration
	writeTimeout time.Duration
	maxPending   int
	clock        clockwork.Clock
	onError      func(string, error)
	logger       *slog.Logger

	mu        sync.Mutex
	buffers   map[string][]metric.Metric
	schedule  *btree.BTreeG[Entry]
	deadlines map[string]time.Time
	closed    bool

	// deliverMu serializes drain-and-write so batches of one tenant reach
	// the sink in drain order.
	deliverMu sync.Mutex

	wake *notify.Signal
	done chan struct{}

	flushes  atomic.Uint64
	flushed  atomic.Uint64
	failures atomic.Uint64

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a Store and starts its flush loop. Call Shutdown to stop it.
func New(cfg Config) *Store {
	if cfg.Sink == nil {
		cfg.Sink = sink.Discard
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	s := &Store{
		sink:         cfg.Sink,
		timeout:      cfg.Timeout,
		writeTimeout: cfg.WriteTimeout,
		maxPending:   cfg.MaxPending,
		clock:        cfg.Clock,
		onError:      cfg.OnError,
		logger:       logging.Default(cfg.Logger).With("component", "metricstore"),
		buffers:      make(map[string][]metric.Metric),
		schedule:     btree.NewG(16, entryLess),
		deadlines:    make(map[string]time.Time),
		wake:         notify.NewSignal(),
		done:         make(chan struct{}),
	}
	go s.run()
	return s
}

// Push appends metrics to the token's buffer. The first push into an empty
// buffer schedules its flush at now+Timeout.
func (s *Store) Push(token string, metrics []metric.Metric) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if len(metrics) == 0 {
		s.mu.Unlock()
		return nil
	}

	buf, pending := s.buffers[token]
	s.buffers[token] = append(buf, metrics...)

	wake := false
	now := s.clock.Now()
	if !pending {
		wake = s.scheduleLocked(token, now.Add(s.timeout))
	}
	if s.maxPending > 0 && len(s.buffers[token]) >= s.maxPending && s.deadlines[token].After(now) {
		s.scheduleLocked(token, now)
		wake = true
	}
	s.mu.Unlock()

	if wake {
		s.wake.Notify()
	}
	return nil
}

// scheduleLocked sets the token's deadline and reports whether it is now
// the earliest one.
func (s *Store) scheduleLocked(token string, deadline time.Time) bool {
	if old, ok := s.deadlines[token]; ok {
		s.schedule.Delete(Entry{Deadline: old, Token: token})
	}
	e := Entry{Deadline: deadline, Token: token}
	s.deadlines[token] = deadline
	s.schedule.ReplaceOrInsert(e)
	first, _ := s.schedule.Min()
	return !entryLess(first, e)
}

// takeLocked removes the token's buffer and schedule entry.
func (s *Store) takeLocked(token string) (batch, bool) {
	metrics, ok := s.buffers[token]
	if !ok {
		return batch{}, false
	}
	delete(s.buffers, token)
	if d, ok := s.deadlines[token]; ok {
		s.schedule.Delete(Entry{Deadline: d, Token: token})
		delete(s.deadlines, token)
	}
	return batch{token: token, metrics: metrics}, true
}

// Flush writes the token's buffer to the sink now. The buffer is cleared
// even if the write fails.
func (s *Store) Flush(ctx context.Context, token string) error {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	b, ok := s.takeLocked(token)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.deliver(ctx, b)
}

// FlushAll writes every pending buffer in deadline order and joins the
// failures.
func (s *Store) FlushAll(ctx context.Context) error {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	batches := s.drainLocked(func(Entry) bool { return true })
	s.mu.Unlock()

	var errs []error
	for _, b := range batches {
		if err := s.deliver(ctx, b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// drainLocked takes buffers from the front of the schedule while keep holds.
func (s *Store) drainLocked(keep func(Entry) bool) []batch {
	var batches []batch
	for {
		e, ok := s.schedule.Min()
		if !ok || !keep(e) {
			return batches
		}
		if b, ok := s.takeLocked(e.Token); ok {
			batches = append(batches, b)
		} else {
			s.schedule.Delete(e)
		}
	}
}

func (s *Store) deliver(ctx context.Context, b batch) error {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	s.flushes.Add(1)
	start := s.clock.Now()
	if err := s.sink.Write(ctx, b.token, b.metrics); err != nil {
		s.failures.Add(1)
		return fmt.Errorf("flush %d metrics for %s: %w", len(b.metrics), b.token, err)
	}
	s.flushed.Add(uint64(len(b.metrics)))
	s.logger.Debug("flushed", "token", b.token, "metrics", len(b.metrics), "elapsed", s.clock.Since(start))
	return nil
}

func (s *Store) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		wake := s.wake.C()
		closed := s.closed
		next, scheduled := s.schedule.Min()
		s.mu.Unlock()

		if closed {
			return
		}
		if !scheduled {
			<-wake
			continue
		}
		if d := next.Deadline.Sub(s.clock.Now()); d > 0 {
			timer := s.clock.NewTimer(d)
			select {
			case <-timer.Chan():
			case <-wake:
				timer.Stop()
				continue
			}
		}
		s.flushDue()
	}
}

func (s *Store) flushDue() {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	now := s.clock.Now()
	s.mu.Lock()
	batches := s.drainLocked(func(e Entry) bool { return !e.Deadline.After(now) })
	s.mu.Unlock()

	for _, b := range batches {
		if err := s.deliver(context.Background(), b); err != nil {
			s.logger.Warn("flush failed", "token", b.token, "error", err)
			if s.onError != nil {
				s.onError(b.token, err)
			}
		}
	}
}

// Shutdown stops the flush loop and flushes every pending buffer. Only the
// first call does any work; later calls return its result.
//
// If ctx ends while the loop is still inside a sink write, Shutdown returns
// the context error at once and the remaining buffers are flushed in the
// background as soon as that write returns.
func (s *Store) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.wake.Notify()

		select {
		case <-s.done:
		case <-ctx.Done():
			s.shutdownErr = fmt.Errorf("wait for flush loop: %w", ctx.Err())
			go s.lateFlush()
			return
		}
		s.shutdownErr = s.FlushAll(ctx)
	})
	return s.shutdownErr
}

func (s *Store) lateFlush() {
	<-s.done
	if err := s.FlushAll(context.Background()); err != nil {
		s.logger.Warn("flush after shutdown timeout failed", "error", err)
		return
	}
	s.logger.Info("flushed remaining buffers after shutdown timeout")
}

// Pending returns the number of buffered metrics per token.
func (s *Store) Pending() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.buffers))
	for token, buf := range s.buffers {
		out[token] = len(buf)
	}
	return out
}

// Scheduled returns the flush schedule in deadline order.
func (s *Store) Scheduled() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, s.schedule.Len())
	s.schedule.Ascend(func(e Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	st := Stats{Tenants: len(s.buffers)}
	for _, buf := range s.buffers {
		st.Pending += len(buf)
	}
	s.mu.Unlock()
	st.Flushes = s.flushes.Load()
	st.Flushed = s.flushed.Load()
	st.Failures = s.failures.Load()
	return st
}
