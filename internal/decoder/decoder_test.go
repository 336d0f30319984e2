package decoder

import (
	"errors"
	"testing"
	"time"

	"logsnarf/internal/logline"
	"logsnarf/internal/metric"
)

const (
	routerLine   = `302 <158>1 2019-11-25T18:28:00.089034+00:00 host heroku router - at=info method=GET path="/admin/sidekiq_queue_stats" host=example.herokuapp.com request_id=abc fwd="52.90.232.237,70.132.60.79" dyno=web.1 connect=1ms service=12ms status=200 bytes=1234 protocol=https`
	dynoLoadLine = `<45>1 2019-11-25T18:28:01.123456+00:00 host heroku web.1 - source=web.1 dyno=heroku.1234.abcd sample#load_avg_1m=0.01 sample#load_avg_5m=0.02 sample#load_avg_15m=0.03`
	postgresLine = `<134>1 2019-11-25T18:28:02+00:00 host app heroku-postgres - source=DATABASE addon=postgresql-curved-12345 sample#current_transaction=1 sample#db_size=9437287bytes sample#tables=3 sample#active-connections=5 sample#index-cache-hit-rate=0.99 sample#memory-total=4045992kB`
	redisLine    = `<134>1 2019-11-25T18:28:03+00:00 host app heroku-redis - addon=redis-flat-123 sample#active-connections=2 sample#hit-rate=0.5 sample#evicted-keys=0`
	appLine      = `<190>1 2019-11-25T18:28:04+00:00 host app web.1 - Completed 200 OK in 12ms`
)

func mustParse(t *testing.T, line string) logline.Record {
	t.Helper()
	rec, ok, err := logline.ParseString(line)
	if err != nil || !ok {
		t.Fatalf("parse %q: ok=%v err=%v", line, ok, err)
	}
	return rec
}

func mustRegistry(t *testing.T, decoders []Decoder, opts ...Option) *Registry {
	t.Helper()
	r, err := NewRegistry(decoders, opts...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestPredicateMatch(t *testing.T) {
	rec := logline.Record{
		Timestamp: "2019-11-25T18:28:00Z",
		Hostname:  "host",
		AppName:   "heroku",
		ProcID:    "router",
		Message:   "at=info method=GET",
	}
	tests := []struct {
		name string
		p    Predicate
		want bool
	}{
		{"empty matches everything", nil, true},
		{"equals app", Predicate{Equals(AttrAppName, "heroku")}, true},
		{"equals is exact", Predicate{Equals(AttrAppName, "hero")}, false},
		{"contains message", Predicate{Contains(AttrMessage, "method=GET")}, true},
		{"all clauses must hold", Predicate{Equals(AttrAppName, "heroku"), Equals(AttrProcID, "web.1")}, false},
		{"both hold", Predicate{Equals(AttrAppName, "heroku"), Equals(AttrProcID, "router")}, true},
		{"absent msgid never matches", Predicate{Equals(AttrMsgID, "")}, false},
		{"hostname contains", Predicate{Contains(AttrHostname, "os")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.Match(rec); got != tt.want {
				t.Errorf("%s: Match = %v, want %v", tt.p, got, tt.want)
			}
		})
	}
}

func TestSelectFirstMatchWins(t *testing.T) {
	r := mustRegistry(t, []Decoder{
		{Name: "first", Fields: []string{"a"}, Match: Predicate{Equals(AttrAppName, "heroku")}},
		{Name: "second", Fields: []string{"a"}, Match: Predicate{Equals(AttrProcID, "router")}},
	})
	d, ok := r.Select(mustParse(t, routerLine))
	if !ok {
		t.Fatal("expected a match")
	}
	if d.Name != "first" {
		t.Errorf("Select = %q, want first", d.Name)
	}
}

func TestSelectDefaults(t *testing.T) {
	r := mustRegistry(t, Defaults())
	tests := []struct {
		line string
		want string
	}{
		{routerLine, "heroku_router"},
		{dynoLoadLine, "heroku_dyno_load"},
		{postgresLine, "heroku_postgres"},
		{redisLine, "heroku_redis"},
		{appLine, ""},
	}
	for _, tt := range tests {
		d, ok := r.Select(mustParse(t, tt.line))
		got := ""
		if ok {
			got = d.Name
		}
		if got != tt.want {
			t.Errorf("Select(%.40q) = %q, want %q", tt.line, got, tt.want)
		}
	}
}

func TestDecodeRouter(t *testing.T) {
	r := mustRegistry(t, Defaults())
	rec := mustParse(t, routerLine)
	d, _ := r.Select(rec)

	m, ok, err := r.Decode(d, rec)
	if err != nil || !ok {
		t.Fatalf("Decode: ok=%v err=%v", ok, err)
	}
	if m.Name != "heroku_router" {
		t.Errorf("Name = %q", m.Name)
	}
	want := time.Date(2019, 11, 25, 18, 28, 0, 89034000, time.UTC)
	if !m.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", m.Timestamp, want)
	}

	tags := map[string]string{
		"method":   "GET",
		"host":     "example.herokuapp.com",
		"dyno":     "web.1",
		"status":   "200",
		"protocol": "https",
	}
	if len(m.Tags) != len(tags) {
		t.Errorf("got %d tags, want %d", len(m.Tags), len(tags))
	}
	for k, v := range tags {
		if got, ok := m.Tag(k); !ok || got != v {
			t.Errorf("tag %s = %q (%v), want %q", k, got, ok, v)
		}
	}

	fields := map[string]metric.FieldValue{
		"connect": metric.Int(1, "ms"),
		"service": metric.Int(12, "ms"),
		"bytes":   metric.Int(1234, ""),
	}
	for k, v := range fields {
		if got, ok := m.Field(k); !ok || got != v {
			t.Errorf("field %s = %+v (%v), want %+v", k, got, ok, v)
		}
	}
	if _, ok := m.Tag("path"); ok {
		t.Error("unconfigured key path should not become a tag")
	}
}

func TestDecodeStripsSamplePrefix(t *testing.T) {
	r := mustRegistry(t, Defaults())
	rec := mustParse(t, postgresLine)
	d, _ := r.Select(rec)

	m, ok, err := r.Decode(d, rec)
	if err != nil || !ok {
		t.Fatalf("Decode: ok=%v err=%v", ok, err)
	}
	if v, ok := m.Field("db_size"); !ok || v != metric.Int(9437287, "bytes") {
		t.Errorf("db_size = %+v, %v", v, ok)
	}
	if v, ok := m.Field("index-cache-hit-rate"); !ok || v != metric.Float(0.99, "") {
		t.Errorf("index-cache-hit-rate = %+v, %v", v, ok)
	}
	if _, ok := m.Field("sample#db_size"); ok {
		t.Error("prefixed key should not be present")
	}
	if _, ok := m.Field("current_transaction"); ok {
		t.Error("unconfigured field should not be present")
	}
	if len(m.Fields) != 5 {
		t.Errorf("got %d fields, want 5 (missing keys omitted)", len(m.Fields))
	}
	if v, _ := m.Tag("addon"); v != "postgresql-curved-12345" {
		t.Errorf("addon = %q", v)
	}
}

func TestDecodeStrict(t *testing.T) {
	decoders := []Decoder{{
		Name:   "load",
		Tags:   []string{"source"},
		Fields: []string{"sample#load_avg_1m", "sample#load_avg_5m", "sample#missing"},
	}}
	rec := mustParse(t, dynoLoadLine)

	permissive := mustRegistry(t, decoders)
	m, ok, err := permissive.Decode(&decoders[0], rec)
	if err != nil || !ok {
		t.Fatalf("permissive Decode: ok=%v err=%v", ok, err)
	}
	if len(m.Fields) != 2 {
		t.Errorf("permissive: got %d fields, want 2", len(m.Fields))
	}

	strict := mustRegistry(t, decoders, WithStrict(true))
	if !strict.Strict() {
		t.Fatal("Strict() = false")
	}
	_, ok, err = strict.Decode(&decoders[0], rec)
	if ok || !errors.Is(err, ErrMissingKey) {
		t.Errorf("strict Decode: ok=%v err=%v, want ErrMissingKey", ok, err)
	}
}

func TestDecodeBadTimestamp(t *testing.T) {
	r := mustRegistry(t, Defaults())
	rec := mustParse(t, `<158>1 yesterday host heroku router - method=GET connect=1ms`)
	d, ok := r.Select(rec)
	if !ok {
		t.Fatal("expected router decoder")
	}
	_, ok, err := r.Decode(d, rec)
	if ok || !errors.Is(err, ErrBadTimestamp) {
		t.Errorf("ok=%v err=%v, want ErrBadTimestamp", ok, err)
	}
}

func TestDecodeNoFields(t *testing.T) {
	r := mustRegistry(t, Defaults())
	rec := mustParse(t, `<158>1 2019-11-25T18:28:00Z host heroku router - at=error code=H12 method=GET`)
	d, _ := r.Select(rec)
	m, ok, err := r.Decode(d, rec)
	if err != nil || !ok {
		t.Fatalf("Decode: ok=%v err=%v", ok, err)
	}
	if m.Name != "heroku_router" || len(m.Fields) != 0 {
		t.Errorf("metric = %+v, want heroku_router without fields", m)
	}
	if v, ok := m.Tag("method"); !ok || v != "GET" {
		t.Errorf("method tag = %q, %v", v, ok)
	}
}

func TestNewRegistryValidation(t *testing.T) {
	tests := []struct {
		name     string
		decoders []Decoder
	}{
		{"empty name", []Decoder{{Fields: []string{"a"}}}},
		{"duplicate", []Decoder{{Name: "x"}, {Name: "x"}}},
		{"bad attribute", []Decoder{{Name: "x", Match: Predicate{{Attr: 99, Op: OpEquals}}}}},
		{"bad op", []Decoder{{Name: "x", Match: Predicate{{Attr: AttrAppName, Op: 9}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRegistry(tt.decoders); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRegistryIsolatedFromInput(t *testing.T) {
	decoders := []Decoder{{Name: "a", Fields: []string{"x"}}}
	r := mustRegistry(t, decoders)
	decoders[0].Fields[0] = "mutated"
	if got := r.Decoders()[0].Fields[0]; got != "x" {
		t.Errorf("registry shares caller slice: %q", got)
	}
}

func TestBuildSpecs(t *testing.T) {
	specs := Specs(Defaults())
	built, err := Build(specs)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defaults := Defaults()
	if len(built) != len(defaults) {
		t.Fatalf("got %d decoders, want %d", len(built), len(defaults))
	}
	for i := range built {
		if built[i].Name != defaults[i].Name || built[i].Match.String() != defaults[i].Match.String() {
			t.Errorf("decoder %d: got %s [%s], want %s [%s]",
				i, built[i].Name, built[i].Match, defaults[i].Name, defaults[i].Match)
		}
	}

	_, err = Build([]Spec{{Name: "x", Fields: []string{"a"}, Match: []ClauseSpec{{Attr: "pid", Op: "equals"}}}})
	if err == nil {
		t.Error("expected unknown attribute error")
	}
	_, err = Build([]Spec{{Name: "x", Fields: []string{"a"}, Match: []ClauseSpec{{Attr: "proc_id", Op: "like"}}}})
	if err == nil {
		t.Error("expected unknown op error")
	}
}
