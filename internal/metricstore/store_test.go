package metricstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"logsnarf/internal/metric"
)

type flushCall struct {
	token   string
	metrics []metric.Metric
}

// recordingSink records every write and publishes it on calls.
type recordingSink struct {
	mu     sync.Mutex
	writes []flushCall
	err    error
	calls  chan flushCall
}

func newRecordingSink() *recordingSink {
	return &recordingSink{calls: make(chan flushCall, 64)}
}

func (s *recordingSink) Write(_ context.Context, token string, metrics []metric.Metric) error {
	c := flushCall{token: token, metrics: metrics}
	s.mu.Lock()
	s.writes = append(s.writes, c)
	err := s.err
	s.mu.Unlock()
	s.calls <- c
	return err
}

func (s *recordingSink) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func (s *recordingSink) next(t *testing.T) flushCall {
	t.Helper()
	select {
	case c := <-s.calls:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sink write")
		return flushCall{}
	}
}

func metrics(names ...string) []metric.Metric {
	out := make([]metric.Metric, len(names))
	for i, n := range names {
		out[i] = metric.New(time.Unix(0, 0), n, nil, map[string]metric.FieldValue{"v": metric.Int(int64(i), "")})
	}
	return out
}

func names(ms []metric.Metric) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Name
	}
	return out
}

func newTestStore(t *testing.T, cfg Config) (*Store, *recordingSink, *clockwork.FakeClock) {
	t.Helper()
	rs := newRecordingSink()
	clock := clockwork.NewFakeClock()
	cfg.Sink = rs
	cfg.Clock = clock
	s := New(cfg)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s, rs, clock
}

func waitTimer(t *testing.T, clock *clockwork.FakeClock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("flush loop never armed its timer: %v", err)
	}
}

func TestFlushAfterTimeout(t *testing.T) {
	s, rs, clock := newTestStore(t, Config{Timeout: 10 * time.Second})

	if err := s.Push("tok", metrics("a", "b")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	waitTimer(t, clock)

	clock.Advance(9 * time.Second)
	if rs.count() != 0 {
		t.Fatal("flushed before deadline")
	}
	clock.Advance(time.Second)

	c := rs.next(t)
	if c.token != "tok" || len(c.metrics) != 2 {
		t.Errorf("got %s with %d metrics", c.token, len(c.metrics))
	}
	if got := s.Pending(); len(got) != 0 {
		t.Errorf("Pending after flush = %v", got)
	}
}

func TestLaterPushKeepsDeadline(t *testing.T) {
	s, rs, clock := newTestStore(t, Config{Timeout: 10 * time.Second})
	start := clock.Now()

	if err := s.Push("tok", metrics("a")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	waitTimer(t, clock)
	clock.Advance(5 * time.Second)

	if err := s.Push("tok", metrics("b", "c")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	sched := s.Scheduled()
	if len(sched) != 1 || !sched[0].Deadline.Equal(start.Add(10*time.Second)) {
		t.Fatalf("Scheduled = %+v, want deadline at start+10s", sched)
	}
	if got := s.Pending()["tok"]; got != 3 {
		t.Errorf("Pending = %d, want 3", got)
	}

	clock.Advance(5 * time.Second)
	c := rs.next(t)
	if got := names(c.metrics); len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("flushed %v, want [a b c] in push order", got)
	}
}

func TestFlushOrderAcrossTenants(t *testing.T) {
	s, rs, clock := newTestStore(t, Config{Timeout: 10 * time.Second})

	if err := s.Push("first", metrics("a")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	waitTimer(t, clock)
	clock.Advance(3 * time.Second)
	if err := s.Push("second", metrics("b")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	clock.Advance(7 * time.Second)
	if c := rs.next(t); c.token != "first" {
		t.Fatalf("first flush = %s", c.token)
	}
	if got := s.Pending(); got["second"] != 1 {
		t.Fatalf("second should still be pending: %v", got)
	}

	waitTimer(t, clock)
	clock.Advance(3 * time.Second)
	if c := rs.next(t); c.token != "second" {
		t.Fatalf("second flush = %s", c.token)
	}
}

func TestPushAfterFlushStartsNewDeadline(t *testing.T) {
	s, rs, clock := newTestStore(t, Config{Timeout: 10 * time.Second})

	if err := s.Push("tok", metrics("a")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := s.Flush(context.Background(), "tok"); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	rs.next(t)
	if len(s.Scheduled()) != 0 {
		t.Fatalf("schedule not cleared: %+v", s.Scheduled())
	}

	clock.Advance(4 * time.Second)
	if err := s.Push("tok", metrics("b")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	sched := s.Scheduled()
	if len(sched) != 1 || !sched[0].Deadline.Equal(clock.Now().Add(10*time.Second)) {
		t.Errorf("Scheduled = %+v, want now+10s", sched)
	}
}

func TestMaxPendingFlushesEarly(t *testing.T) {
	s, rs, _ := newTestStore(t, Config{Timeout: time.Hour, MaxPending: 3})

	if err := s.Push("tok", metrics("a", "b")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := s.Push("tok", metrics("c")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	c := rs.next(t)
	if len(c.metrics) != 3 {
		t.Errorf("flushed %d metrics, want 3", len(c.metrics))
	}
}

func TestEmptyPushIsNoop(t *testing.T) {
	s, _, _ := newTestStore(t, Config{})
	if err := s.Push("tok", nil); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(s.Pending()) != 0 || len(s.Scheduled()) != 0 {
		t.Errorf("empty push created state: %v %v", s.Pending(), s.Scheduled())
	}
}

func TestFlushUnknownToken(t *testing.T) {
	s, rs, _ := newTestStore(t, Config{})
	if err := s.Flush(context.Background(), "nobody"); err != nil {
		t.Errorf("Flush: %v", err)
	}
	if rs.count() != 0 {
		t.Error("sink called for empty tenant")
	}
}

func TestFlushFailureClearsBuffer(t *testing.T) {
	s, rs, _ := newTestStore(t, Config{})
	boom := errors.New("boom")
	rs.setErr(boom)

	if err := s.Push("tok", metrics("a")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	err := s.Flush(context.Background(), "tok")
	if !errors.Is(err, boom) {
		t.Fatalf("Flush err = %v, want boom", err)
	}
	if len(s.Pending()) != 0 {
		t.Error("buffer kept after failed flush")
	}
	st := s.Stats()
	if st.Flushes != 1 || st.Failures != 1 || st.Flushed != 0 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestLoopReportsErrors(t *testing.T) {
	errs := make(chan string, 1)
	s, rs, clock := newTestStore(t, Config{
		Timeout: time.Second,
		OnError: func(token string, err error) { errs <- token },
	})
	rs.setErr(errors.New("unavailable"))

	if err := s.Push("tok", metrics("a")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	waitTimer(t, clock)
	clock.Advance(time.Second)

	select {
	case token := <-errs:
		if token != "tok" {
			t.Errorf("OnError token = %q", token)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnError not called")
	}
}

func TestFlushAllJoinsErrors(t *testing.T) {
	s, rs, _ := newTestStore(t, Config{})
	rs.setErr(errors.New("down"))

	for _, tok := range []string{"a", "b"} {
		if err := s.Push(tok, metrics("m")); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	err := s.FlushAll(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) || len(joined.Unwrap()) != 2 {
		t.Errorf("FlushAll err = %v, want two joined errors", err)
	}
}

func TestShutdownFlushesAndCloses(t *testing.T) {
	s, rs, _ := newTestStore(t, Config{Timeout: time.Hour})

	for _, tok := range []string{"a", "b", "c"} {
		if err := s.Push(tok, metrics("m")); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if rs.count() != 3 {
		t.Errorf("got %d flushes, want 3", rs.count())
	}
	if err := s.Push("a", metrics("late")); !errors.Is(err, ErrClosed) {
		t.Errorf("Push after Shutdown = %v, want ErrClosed", err)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
	if rs.count() != 3 {
		t.Errorf("second Shutdown flushed again: %d", rs.count())
	}
}

func TestConcurrentPush(t *testing.T) {
	s, rs, _ := newTestStore(t, Config{Timeout: time.Hour})

	var wg sync.WaitGroup
	for i := range 8 {
		token := string(rune('a' + i))
		wg.Go(func() {
			for range 50 {
				if err := s.Push(token, metrics(token)); err != nil {
					t.Errorf("Push: %v", err)
					return
				}
			}
		})
	}
	wg.Wait()

	st := s.Stats()
	if st.Tenants != 8 || st.Pending != 400 {
		t.Fatalf("Stats = %+v, want 8 tenants and 400 pending", st)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	total := 0
	seen := make(map[string]bool)
	for range rs.count() {
		c := rs.next(t)
		if seen[c.token] {
			t.Errorf("tenant %s flushed twice", c.token)
		}
		seen[c.token] = true
		for _, m := range c.metrics {
			if m.Name != c.token {
				t.Errorf("flush for %s carried a metric of %s", c.token, m.Name)
			}
		}
		total += len(c.metrics)
	}
	if total != 400 || len(seen) != 8 {
		t.Errorf("flushed %d metrics for %d tenants, want 400 for 8", total, len(seen))
	}
}

// gatedSink blocks every write until release is closed.
type gatedSink struct {
	entered chan string
	release chan struct{}
}

func (s *gatedSink) Write(_ context.Context, token string, _ []metric.Metric) error {
	s.entered <- token
	<-s.release
	return nil
}

func TestShutdownTimeoutStillFlushes(t *testing.T) {
	gs := &gatedSink{entered: make(chan string, 4), release: make(chan struct{})}
	clock := clockwork.NewFakeClock()
	s := New(Config{Sink: gs, Clock: clock, Timeout: 10 * time.Second})

	if err := s.Push("a", metrics("a")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	waitTimer(t, clock)
	clock.Advance(10 * time.Second)
	select {
	case tok := <-gs.entered:
		if tok != "a" {
			t.Fatalf("first write for %s, want a", tok)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop never flushed a")
	}

	// The loop is now stuck inside the write for a.
	if err := s.Push("b", metrics("b")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Shutdown = %v, want context.Canceled", err)
	}

	close(gs.release)
	select {
	case tok := <-gs.entered:
		if tok != "b" {
			t.Errorf("late write for %s, want b", tok)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending buffer dropped after shutdown timeout")
	}
}
