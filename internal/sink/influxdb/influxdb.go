// Package influxdb writes metrics to InfluxDB 1.x over its HTTP write API.
//
// Each tenant's endpoint comes from its credentials: the credential URL
// names the server and database, and its userinfo becomes Basic auth.
package influxdb

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/valyala/fasthttp"

	"logsnarf/internal/credentials"
	"logsnarf/internal/logging"
	"logsnarf/internal/metric"
	"logsnarf/internal/sink/encoding"
)

// DefaultDatabase is used when the credential URL has no path.
const DefaultDatabase = "logsnarf"

const defaultTimeout = 10 * time.Second

// Config configures a Sink.
type Config struct {
	Resolver credentials.Resolver
	Timeout  time.Duration
	Gzip     bool
	Logger   *slog.Logger
}

// Sink posts line protocol to each tenant's InfluxDB.
type Sink struct {
	resolver credentials.Resolver
	timeout  time.Duration
	gzip     bool
	client   *fasthttp.Client
	logger   *slog.Logger
}

// New creates a Sink.
func New(cfg Config) *Sink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Sink{
		resolver: cfg.Resolver,
		timeout:  cfg.Timeout,
		gzip:     cfg.Gzip,
		client: &fasthttp.Client{
			MaxConnsPerHost:     64,
			MaxIdleConnDuration: 30 * time.Second,
			ReadTimeout:         cfg.Timeout,
			WriteTimeout:        cfg.Timeout,
		},
		logger: logging.Default(cfg.Logger).With("component", "influxdb"),
	}
}

// endpoint is a resolved write target.
type endpoint struct {
	url  string
	auth string // Authorization header value, empty without userinfo
}

// writeEndpoint derives the write URL from a credential URL: same scheme,
// host and port, path /write, db from the last path segment, microsecond
// precision.
func writeEndpoint(raw string) (endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return endpoint{}, fmt.Errorf("parse credential url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return endpoint{}, fmt.Errorf("credential url scheme %q: want http or https", u.Scheme)
	}
	if u.Host == "" {
		return endpoint{}, fmt.Errorf("credential url %q has no host", u.Redacted())
	}

	db := DefaultDatabase
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	if last := segs[len(segs)-1]; last != "" {
		db = last
	}

	w := url.URL{
		Scheme:   u.Scheme,
		Host:     u.Host,
		Path:     "/write",
		RawQuery: url.Values{"db": {db}, "precision": {"u"}}.Encode(),
	}
	ep := endpoint{url: w.String()}
	if u.User != nil {
		pass, _ := u.User.Password()
		ep.auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(u.User.Username()+":"+pass))
	}
	return ep, nil
}

func (s *Sink) Write(ctx context.Context, token string, metrics []metric.Metric) error {
	creds, err := s.resolver.Lookup(ctx, token)
	if err != nil {
		return fmt.Errorf("resolve credentials: %w", err)
	}
	if creds.Type != credentials.TypeInfluxDBv1 {
		return fmt.Errorf("tenant %s type %q: %w", creds.Name, creds.Type, credentials.ErrUnsupportedType)
	}
	ep, err := writeEndpoint(creds.Secrets.URL)
	if err != nil {
		return err
	}

	body, err := encoding.LineProtocol{}.Encode(metrics)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	if s.gzip {
		if body, err = compress(body); err != nil {
			return err
		}
	}
	return s.post(ctx, ep, body, len(metrics), creds.Name)
}

func (s *Sink) post(ctx context.Context, ep endpoint, body []byte, n int, tenant string) error {
	timeout := s.timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(ep.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType(encoding.LineProtocol{}.ContentType())
	if ep.auth != "" {
		req.Header.Set("Authorization", ep.auth)
	}
	if s.gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
	req.SetBody(body)

	start := time.Now()
	if err := s.client.DoTimeout(req, resp, timeout); err != nil {
		return fmt.Errorf("post to influxdb: %w", err)
	}
	if code := resp.StatusCode(); code < 200 || code > 299 {
		return fmt.Errorf("influxdb returned status %d: %s", code, bytes.TrimSpace(resp.Body()))
	}
	s.logger.Debug("wrote metrics", "tenant", tenant, "metrics", n, "bytes", len(body), "elapsed", time.Since(start))
	return nil
}

func compress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("gzip body: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip body: %w", err)
	}
	return buf.Bytes(), nil
}
