package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"logsnarf/internal/credentials"
	"logsnarf/internal/decoder"
	"logsnarf/internal/metric"
	"logsnarf/internal/metricstore"
	"logsnarf/internal/pipeline"
	"logsnarf/internal/ratelimit"
)

const drainBody = `<158>1 2019-11-25T18:28:00.089034+00:00 host heroku router - at=info method=GET path="/" dyno=web.1 connect=1ms service=12ms status=200 bytes=1234
<190>1 2019-11-25T18:28:04+00:00 host app web.1 - Completed 200 OK in 12ms
`

type pushRecorder struct {
	mu     sync.Mutex
	tokens []string
	counts []int
	err    error
}

func (p *pushRecorder) Push(token string, metrics []metric.Metric) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.tokens = append(p.tokens, token)
	p.counts = append(p.counts, len(metrics))
	return nil
}

func (p *pushRecorder) pushes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.tokens...)
}

func newTestServer(t *testing.T, store *pushRecorder, mutate func(*Config)) *Server {
	t.Helper()
	reg, err := decoder.NewRegistry(decoder.Defaults())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	cfg := Config{
		Addr:     "127.0.0.1:0",
		Pipeline: pipeline.New(pipeline.Config{Registry: reg, Store: store}),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func post(s *Server, path string, body io.Reader, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, body)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestDrainPushesMetrics(t *testing.T) {
	store := &pushRecorder{}
	s := newTestServer(t, store, nil)

	for _, path := range []string{"/drain/d.acme", "/logs/d.acme", "/ingress/d.acme"} {
		rec := post(s, path, strings.NewReader(drainBody), nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d: %s", path, rec.Code, rec.Body)
		}
		var st pipeline.Stats
		if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
			t.Fatalf("%s: decode stats: %v", path, err)
		}
		if st.Lines != 2 || st.Metrics != 1 || st.Unmatched != 1 {
			t.Errorf("%s: stats = %+v", path, st)
		}
		if rec.Header().Get("X-Request-Id") == "" {
			t.Errorf("%s: missing request id", path)
		}
	}
	if got := store.pushes(); len(got) != 3 || got[0] != "d.acme" {
		t.Errorf("pushes = %v", got)
	}
}

func TestDrainCompressedBody(t *testing.T) {
	store := &pushRecorder{}
	s := newTestServer(t, store, nil)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte(drainBody))
	_ = zw.Close()

	rec := post(s, "/drain/tok", &buf, map[string]string{"Content-Encoding": "gzip"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	if len(store.pushes()) != 1 {
		t.Errorf("pushes = %v", store.pushes())
	}
}

func TestDrainRateLimit(t *testing.T) {
	store := &pushRecorder{}
	s := newTestServer(t, store, func(c *Config) {
		c.Limiter = ratelimit.New(0.001, 1)
	})

	if rec := post(s, "/drain/a", strings.NewReader(drainBody), nil); rec.Code != http.StatusOK {
		t.Fatalf("first request status %d", rec.Code)
	}
	rec := post(s, "/drain/a", strings.NewReader(drainBody), nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	if rec := post(s, "/drain/b", strings.NewReader(drainBody), nil); rec.Code != http.StatusOK {
		t.Errorf("other token status %d", rec.Code)
	}
}

type failingResolver struct{}

func (failingResolver) Lookup(context.Context, string) (credentials.Credentials, error) {
	return credentials.Credentials{}, errors.New("db down")
}

func TestDrainCredentials(t *testing.T) {
	store := &pushRecorder{}
	s := newTestServer(t, store, func(c *Config) {
		c.RequireCredentials = true
		c.Resolver = credentials.NewMemory(credentials.Credentials{Token: "known", Type: credentials.TypeInfluxDBv1})
	})

	if rec := post(s, "/drain/unknown", strings.NewReader(drainBody), nil); rec.Code != http.StatusForbidden {
		t.Errorf("unknown token status %d, want 403", rec.Code)
	}
	if rec := post(s, "/drain/known", strings.NewReader(drainBody), nil); rec.Code != http.StatusOK {
		t.Errorf("known token status %d", rec.Code)
	}
	if got := store.pushes(); len(got) != 1 || got[0] != "known" {
		t.Errorf("pushes = %v", got)
	}

	s = newTestServer(t, store, func(c *Config) {
		c.RequireCredentials = true
		c.Resolver = failingResolver{}
	})
	if rec := post(s, "/drain/known", strings.NewReader(drainBody), nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("backend failure status %d, want 503", rec.Code)
	}
}

func TestDrainErrors(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   string
		header map[string]string
		max    int64
		err    error
		want   int
	}{
		{name: "bad encoding", path: "/drain/t", body: "not gzip", header: map[string]string{"Content-Encoding": "gzip"}, want: http.StatusBadRequest},
		{name: "unsupported encoding", path: "/drain/t", body: drainBody, header: map[string]string{"Content-Encoding": "lzma"}, want: http.StatusBadRequest},
		{name: "too large", path: "/drain/t", body: drainBody, max: 16, want: http.StatusRequestEntityTooLarge},
		{name: "store closed", path: "/drain/t", body: drainBody, err: metricstore.ErrClosed, want: http.StatusServiceUnavailable},
		{name: "no token", path: "/drain/", body: drainBody, want: http.StatusNotFound},
		{name: "unknown route", path: "/push/t", body: drainBody, want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &pushRecorder{err: tt.err}
			s := newTestServer(t, store, func(c *Config) { c.MaxBody = tt.max })
			rec := post(s, tt.path, strings.NewReader(tt.body), tt.header)
			if rec.Code != tt.want {
				t.Errorf("status %d, want %d: %s", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error without pipeline")
	}
	reg, _ := decoder.NewRegistry(decoder.Defaults())
	p := pipeline.New(pipeline.Config{Registry: reg, Store: &pushRecorder{}})
	if _, err := New(Config{Pipeline: p, RequireCredentials: true}); err == nil {
		t.Error("expected error without resolver")
	}
}

func TestRunServesAndStops(t *testing.T) {
	store := &pushRecorder{}
	s := newTestServer(t, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for s.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get("http://" + s.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
}
