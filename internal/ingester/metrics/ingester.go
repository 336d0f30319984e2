// Package metrics provides a self-monitoring ingester that feeds process
// and metric store statistics back into the metric store as a regular
// tenant, so they reach the same sinks as drain metrics.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"logsnarf/internal/logging"
	"logsnarf/internal/metric"
	"logsnarf/internal/metricstore"
	"logsnarf/internal/sysmetrics"
)

// Measurement is the name of the emitted metric.
const Measurement = "logsnarf"

const defaultInterval = 30 * time.Second

// StatsSource provides metric store counters.
type StatsSource interface {
	Stats() metricstore.Stats
}

// Pusher receives the emitted metric.
type Pusher interface {
	Push(token string, metrics []metric.Metric) error
}

// Config holds self-monitoring configuration.
type Config struct {
	// Token is the tenant the metrics are filed under.
	Token    string
	Instance string
	Interval time.Duration

	Store  Pusher
	Source StatsSource
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Ingester emits one metric per interval.
type Ingester struct {
	token    string
	instance string
	interval time.Duration
	store    Pusher
	src      StatsSource
	sampler  *sysmetrics.Sampler
	clock    clockwork.Clock
	logger   *slog.Logger
}

// New validates cfg and creates the ingester.
func New(cfg Config) (*Ingester, error) {
	if cfg.Token == "" {
		return nil, errors.New("metrics ingester: token is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("metrics ingester: store is required")
	}
	if cfg.Interval < 0 {
		return nil, errors.New("metrics ingester: interval must be positive")
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Ingester{
		token:    cfg.Token,
		instance: cfg.Instance,
		interval: cfg.Interval,
		store:    cfg.Store,
		src:      cfg.Source,
		sampler:  sysmetrics.NewSampler(),
		clock:    cfg.Clock,
		logger:   logging.Default(cfg.Logger).With("component", "ingester", "type", "metrics"),
	}, nil
}

// Run emits one metric per interval until ctx is cancelled or the store
// closes.
func (m *Ingester) Run(ctx context.Context) error {
	m.logger.Info("started", "interval", m.interval, "token", m.token)

	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.Chan():
			err := m.store.Push(m.token, []metric.Metric{m.collect(now)})
			if errors.Is(err, metricstore.ErrClosed) {
				return nil
			}
			if err != nil {
				m.logger.Warn("push self metrics", "error", err)
			}
		}
	}
}

func (m *Ingester) collect(now time.Time) metric.Metric {
	snap := m.sampler.Sample()
	fields := map[string]metric.FieldValue{
		"cpu_percent":       metric.Float(snap.CPUPercent, ""),
		"heap_alloc_bytes":  metric.Int(int64(snap.HeapAlloc), ""),
		"heap_inuse_bytes":  metric.Int(int64(snap.HeapInuse), ""),
		"stack_inuse_bytes": metric.Int(int64(snap.StackInuse), ""),
		"sys_bytes":         metric.Int(int64(snap.Sys), ""),
		"num_gc":            metric.Int(int64(snap.NumGC), ""),
		"num_goroutine":     metric.Int(int64(snap.Goroutines), ""),
	}
	if m.src != nil {
		st := m.src.Stats()
		fields["tenants"] = metric.Int(int64(st.Tenants), "")
		fields["pending"] = metric.Int(int64(st.Pending), "")
		fields["flushes"] = metric.Int(int64(st.Flushes), "")
		fields["flushed"] = metric.Int(int64(st.Flushed), "")
		fields["flush_failures"] = metric.Int(int64(st.Failures), "")
	}
	var tags map[string]string
	if m.instance != "" {
		tags = map[string]string{"instance": m.instance}
	}
	return metric.New(now, Measurement, tags, fields)
}
