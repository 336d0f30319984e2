package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"logsnarf/internal/config"
	"logsnarf/internal/credentials"
	"logsnarf/internal/decoder"
	ingesthttp "logsnarf/internal/ingester/http"
	ingestkafka "logsnarf/internal/ingester/kafka"
	ingestmetrics "logsnarf/internal/ingester/metrics"
	ingestsyslog "logsnarf/internal/ingester/syslog"
	"logsnarf/internal/metricstore"
	"logsnarf/internal/pipeline"
	"logsnarf/internal/ratelimit"
	"logsnarf/internal/scheduler"
	"logsnarf/internal/sink"
	"logsnarf/internal/sink/encoding"
	"logsnarf/internal/sink/influxdb"
	sinkkafka "logsnarf/internal/sink/kafka"
	sinkmqtt "logsnarf/internal/sink/mqtt"
	sinks3 "logsnarf/internal/sink/s3"
)

// shutdownTimeout bounds the final flush of all buffers.
const shutdownTimeout = time.Minute

// limiterIdle is how long a token's rate limiter survives without requests.
const limiterIdle = 10 * time.Minute

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the drain ingress and flush metrics to the configured sinks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return run(ctx, cfg, logger)
		},
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting logsnarf", "version", version, "instance", cfg.Instance)

	backend, closeCreds, err := openCredentials(ctx, cfg.Credentials, logger)
	if err != nil {
		return err
	}
	defer closeCreds()
	creds := credentials.NewCache(backend, credentials.CacheConfig{
		TTL:    cfg.Credentials.TTL,
		Logger: logger,
	})

	out, closeSinks, err := buildSinks(ctx, cfg, creds, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	table, err := cfg.DecoderTable()
	if err != nil {
		return err
	}
	registry, err := decoder.NewRegistry(table, decoder.WithStrict(cfg.Decoders.Strict))
	if err != nil {
		return fmt.Errorf("build decoder registry: %w", err)
	}

	store := metricstore.New(metricstore.Config{
		Sink:         out,
		Timeout:      cfg.Buffer.Timeout,
		MaxPending:   cfg.Buffer.MaxPending,
		WriteTimeout: cfg.Buffer.WriteTimeout,
		Logger:       logger,
	})
	// Every fallible constructor runs before any goroutine starts, so an
	// early return only has the store to stop.
	abort := func(err error) error {
		return errors.Join(err, store.Shutdown(context.Background()))
	}
	pipe := pipeline.New(pipeline.Config{Registry: registry, Store: store, Logger: logger})
	limiter := ratelimit.New(cfg.HTTP.Rate, cfg.HTTP.Burst)

	var ingress, support []func(context.Context) error

	if cfg.HTTP.Enabled {
		srv, err := ingesthttp.New(ingesthttp.Config{
			Addr:               cfg.HTTP.Addr,
			Pipeline:           pipe,
			Limiter:            limiter,
			Resolver:           creds,
			RequireCredentials: cfg.HTTP.RequireCredentials,
			MaxBody:            cfg.HTTP.MaxBody,
			Logger:             logger,
		})
		if err != nil {
			return abort(err)
		}
		ingress = append(ingress, srv.Run)
	}
	if cfg.Syslog.Enabled() {
		srv, err := ingestsyslog.New(ingestsyslog.Config{
			TCPAddr:  cfg.Syslog.TCPAddr,
			UDPAddr:  cfg.Syslog.UDPAddr,
			Token:    cfg.Syslog.Token,
			Pipeline: pipe,
			Logger:   logger,
		})
		if err != nil {
			return abort(err)
		}
		ingress = append(ingress, srv.Run)
	}
	if cfg.Kafka.Enabled() {
		consumer, err := ingestkafka.New(ingestkafka.Config{
			Conn:     cfg.KafkaConn(),
			Topic:    cfg.Kafka.Topic,
			Group:    cfg.Kafka.Group,
			Token:    cfg.Kafka.Token,
			Pipeline: pipe,
			Logger:   logger,
		})
		if err != nil {
			return abort(err)
		}
		ingress = append(ingress, consumer.Run)
	}
	if len(ingress) == 0 {
		return abort(errors.New("no ingress configured: enable http, syslog or kafka"))
	}
	if f, ok := backend.(*credentials.File); ok {
		support = append(support, f.Watch, func(ctx context.Context) error {
			return creds.PurgeOn(ctx, f.Changed)
		})
	}
	if cfg.Stats.Token != "" {
		self, err := ingestmetrics.New(ingestmetrics.Config{
			Token:    cfg.Stats.Token,
			Instance: cfg.Instance,
			Interval: cfg.Stats.Interval,
			Store:    store,
			Source:   store,
			Logger:   logger,
		})
		if err != nil {
			return abort(err)
		}
		support = append(support, self.Run)
	}

	sched, err := scheduler.New(scheduler.Config{Logger: logger})
	if err != nil {
		return abort(err)
	}
	if err := sched.Add(maintenanceJobs(cfg, creds, limiter, store, logger)...); err != nil {
		return abort(errors.Join(err, sched.Stop()))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, fn := range append(ingress, support...) {
		g.Go(func() error { return fn(gctx) })
	}
	sched.Start()

	runErr := g.Wait()

	if err := sched.Stop(); err != nil {
		logger.Warn("scheduler stop", "error", err)
	}

	logger.Info("flushing buffers", "tenants", len(store.Pending()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := store.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("final flush: %w", err))
	}
	st := store.Stats()
	logger.Info("shutdown complete", "flushes", st.Flushes, "flushed", st.Flushed, "failures", st.Failures)
	return runErr
}

// openCredentials returns the configured credential backend and its closer.
func openCredentials(ctx context.Context, cfg config.CredentialsConfig, logger *slog.Logger) (credentials.Resolver, func(), error) {
	noop := func() {}
	switch cfg.Source {
	case "file":
		f, err := credentials.OpenFile(cfg.File, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("credentials loaded", "source", "file", "tenants", f.Len())
		return f, noop, nil
	case "postgres":
		pg, err := credentials.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return nil, nil, err
			}
			logger.Info("credentials schema migrated")
		}
		return pg, pg.Close, nil
	default:
		return credentials.NewMemory(cfg.Static...), noop, nil
	}
}

// buildSinks creates every enabled sink behind one fan-out sink.
func buildSinks(ctx context.Context, cfg *config.Config, creds credentials.Resolver, logger *slog.Logger) (sink.Sink, func(), error) {
	var named []sink.Named
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	fail := func(err error) (sink.Sink, func(), error) {
		closeAll()
		return nil, nil, err
	}

	sc := cfg.Sinks
	if sc.InfluxDB.Enabled {
		named = append(named, sink.Named{Name: "influxdb", Sink: influxdb.New(influxdb.Config{
			Resolver: creds,
			Timeout:  sc.InfluxDB.Timeout,
			Gzip:     sc.InfluxDB.Gzip,
			Logger:   logger,
		})})
	}
	if sc.Kafka.Enabled {
		enc, err := encoding.ByName(sc.Kafka.Encoding)
		if err != nil {
			return fail(fmt.Errorf("kafka sink: %w", err))
		}
		k, err := sinkkafka.New(sinkkafka.Config{
			Conn:    sc.Kafka.KafkaConn(cfg.Instance),
			Topic:   sc.Kafka.Topic,
			Encoder: enc,
			Logger:  logger,
		})
		if err != nil {
			return fail(err)
		}
		named = append(named, sink.Named{Name: "kafka", Sink: k})
		closers = append(closers, k.Close)
	}
	if sc.MQTT.Enabled {
		enc, err := encoding.ByName(sc.MQTT.Encoding)
		if err != nil {
			return fail(fmt.Errorf("mqtt sink: %w", err))
		}
		m, err := sinkmqtt.New(sinkmqtt.Config{
			Broker:      sc.MQTT.Broker,
			ClientID:    cfg.Instance,
			TopicPrefix: sc.MQTT.TopicPrefix,
			QoS:         byte(sc.MQTT.QoS),
			Username:    sc.MQTT.Username,
			Password:    sc.MQTT.Password,
			Encoder:     enc,
			Logger:      logger,
		})
		if err != nil {
			return fail(err)
		}
		named = append(named, sink.Named{Name: "mqtt", Sink: m})
		closers = append(closers, m.Close)
	}
	if sc.S3.Enabled {
		s, err := sinks3.New(ctx, sinks3.Config{
			Bucket:    sc.S3.Bucket,
			Region:    sc.S3.Region,
			Endpoint:  sc.S3.Endpoint,
			AccessKey: sc.S3.AccessKey,
			SecretKey: sc.S3.SecretKey,
			PathStyle: sc.S3.PathStyle,
			Prefix:    sc.S3.Prefix,
			Instance:  cfg.Instance,
			Logger:    logger,
		})
		if err != nil {
			return fail(err)
		}
		named = append(named, sink.Named{Name: "s3", Sink: s})
	}

	if len(named) == 0 {
		logger.Warn("no sinks enabled, metrics will be discarded")
		return sink.Discard, closeAll, nil
	}
	names := make([]string, len(named))
	for i, n := range named {
		names[i] = n.Name
	}
	logger.Info("sinks enabled", "sinks", names)
	return sink.NewMulti(named...), closeAll, nil
}

// maintenanceJobs lists the periodic jobs of serve. A job whose schedule is
// empty is disabled.
func maintenanceJobs(cfg *config.Config, creds *credentials.Cache, limiter *ratelimit.Limiter, store *metricstore.Store, logger *slog.Logger) []scheduler.Job {
	cleanup := cfg.HTTP.LimiterCleanup
	if !limiter.Enabled() {
		cleanup = ""
	}
	return []scheduler.Job{
		{Name: "credentials-sweep", Cron: cfg.Credentials.Sweep, Run: func() { creds.Sweep() }},
		{Name: "limiter-cleanup", Cron: cleanup, Run: func() { limiter.Cleanup(limiterIdle) }},
		{Name: "stats-report", Cron: cfg.Stats.Report, Run: func() {
			st := store.Stats()
			logger.Info("metric store",
				"tenants", st.Tenants,
				"pending", st.Pending,
				"flushes", st.Flushes,
				"flushed", st.Flushed,
				"failures", st.Failures,
				"credentials_cached", creds.Len(),
			)
		}},
	}
}
