// Package encoding serializes metric batches for sinks.
package encoding

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"logsnarf/internal/metric"
)

// Encoder serializes a batch of metrics.
type Encoder interface {
	Encode(metrics []metric.Metric) ([]byte, error)
	ContentType() string
}

// ByName returns the encoder registered under name: "line", "json" or "msgpack".
func ByName(name string) (Encoder, error) {
	switch name {
	case "line", "influx", "":
		return LineProtocol{}, nil
	case "json":
		return JSON{}, nil
	case "msgpack":
		return Msgpack{}, nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", name)
	}
}

// LineProtocol encodes InfluxDB v1 line protocol with microsecond timestamps.
type LineProtocol struct{}

func (LineProtocol) ContentType() string { return "text/plain; charset=utf-8" }

// Encode skips metrics without fields, which line protocol cannot express.
func (LineProtocol) Encode(metrics []metric.Metric) ([]byte, error) {
	var buf bytes.Buffer
	for _, m := range metrics {
		if len(m.Fields) == 0 {
			continue
		}
		if err := AppendPoint(&buf, m); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

var (
	measurementEscaper = strings.NewReplacer(",", `\,`, " ", `\ `)
	keyEscaper         = strings.NewReplacer(",", `\,`, "=", `\=`, " ", `\ `)
	stringEscaper      = strings.NewReplacer(`"`, `\"`)
)

// AppendPoint writes one line-protocol point, newline terminated. Units are
// not representable and are dropped.
func AppendPoint(buf *bytes.Buffer, m metric.Metric) error {
	if len(m.Fields) == 0 {
		return fmt.Errorf("metric %q has no fields", m.Name)
	}
	buf.WriteString(measurementEscaper.Replace(m.Name))
	for _, t := range m.Tags {
		buf.WriteByte(',')
		buf.WriteString(keyEscaper.Replace(t.Key))
		buf.WriteByte('=')
		buf.WriteString(keyEscaper.Replace(t.Value))
	}
	for i, f := range m.Fields {
		if i == 0 {
			buf.WriteByte(' ')
		} else {
			buf.WriteByte(',')
		}
		buf.WriteString(keyEscaper.Replace(f.Key))
		buf.WriteByte('=')
		appendFieldValue(buf, f.Value)
	}
	buf.WriteByte(' ')
	buf.WriteString(strconv.FormatInt(m.Timestamp.UnixMicro(), 10))
	buf.WriteByte('\n')
	return nil
}

func appendFieldValue(buf *bytes.Buffer, v metric.FieldValue) {
	switch v.Kind {
	case metric.KindBool:
		if v.Bool {
			buf.WriteByte('t')
		} else {
			buf.WriteByte('f')
		}
	case metric.KindInt:
		buf.WriteString(strconv.FormatInt(v.Int, 10))
		buf.WriteByte('i')
	case metric.KindFloat:
		buf.WriteString(strconv.FormatFloat(v.Float, 'f', -1, 64))
	default:
		buf.WriteByte('"')
		buf.WriteString(stringEscaper.Replace(v.Text))
		buf.WriteByte('"')
	}
}

// Document is the structured form of a metric used by the JSON and msgpack
// encoders.
type Document struct {
	Timestamp time.Time           `json:"timestamp" msgpack:"timestamp"`
	Name      string              `json:"name" msgpack:"name"`
	Tags      map[string]string   `json:"tags" msgpack:"tags"`
	Fields    map[string]FieldDoc `json:"fields" msgpack:"fields"`
}

// FieldDoc is a typed field value with its optional unit.
type FieldDoc struct {
	Type  string `json:"type" msgpack:"type"`
	Value any    `json:"value" msgpack:"value"`
	Unit  string `json:"unit,omitempty" msgpack:"unit,omitempty"`
}

// NewDocument converts m to its structured form.
func NewDocument(m metric.Metric) Document {
	d := Document{
		Timestamp: m.Timestamp.UTC(),
		Name:      m.Name,
		Tags:      make(map[string]string, len(m.Tags)),
		Fields:    make(map[string]FieldDoc, len(m.Fields)),
	}
	for _, t := range m.Tags {
		d.Tags[t.Key] = t.Value
	}
	for _, f := range m.Fields {
		d.Fields[f.Key] = FieldDoc{Type: f.Value.Kind.String(), Value: f.Value.Any(), Unit: f.Value.Unit}
	}
	return d
}

// JSON encodes one JSON document per line.
type JSON struct{}

func (JSON) ContentType() string { return "application/x-ndjson" }

func (JSON) Encode(metrics []metric.Metric) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, m := range metrics {
		if err := enc.Encode(NewDocument(m)); err != nil {
			return nil, fmt.Errorf("encode %s: %w", m.Name, err)
		}
	}
	return buf.Bytes(), nil
}

// Msgpack encodes the batch as a msgpack array of documents.
type Msgpack struct{}

func (Msgpack) ContentType() string { return "application/msgpack" }

func (Msgpack) Encode(metrics []metric.Metric) ([]byte, error) {
	docs := make([]Document, len(metrics))
	for i, m := range metrics {
		docs[i] = NewDocument(m)
	}
	return msgpack.Marshal(docs)
}
