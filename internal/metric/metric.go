// Package metric defines the typed measurements produced by decoding log
// records and the rules for inferring field types from raw strings.
package metric

import (
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Kind identifies which variant a FieldValue holds.
type Kind uint8

const (
	KindBool Kind = iota + 1
	KindInt
	KindFloat
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

// FieldValue is a typed field value. Only the member matching Kind is
// meaningful. Unit is set for KindInt and KindFloat values that carried an
// alphabetic suffix; empty means no unit.
type FieldValue struct {
	Kind  Kind
	Bool  bool
	Int   int64
	Float float64
	Text  string
	Unit  string
}

func Bool(v bool) FieldValue                 { return FieldValue{Kind: KindBool, Bool: v} }
func Int(v int64, unit string) FieldValue     { return FieldValue{Kind: KindInt, Int: v, Unit: unit} }
func Float(v float64, unit string) FieldValue { return FieldValue{Kind: KindFloat, Float: v, Unit: unit} }
func Text(v string) FieldValue                { return FieldValue{Kind: KindText, Text: v} }

// String renders the value without its unit.
func (v FieldValue) String() string {
	switch v.Kind {
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'f', -1, 64)
	default:
		return v.Text
	}
}

// Any returns the value as a plain Go value for generic encoders.
func (v FieldValue) Any() any {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	default:
		return v.Text
	}
}

// TypeValue classifies raw. The first rule that applies wins:
//
//  1. "true" or "false" exactly: Bool.
//  2. Split at the first letter into a number and a unit suffix. If the
//     number is a base-10 integer: Int.
//  3. Same split, number is a float literal: Float.
//  4. Anything else: Text, verbatim.
//
// So "42" is Int(42), "42.0" is Float(42), "7widgets" is Int(7, "widgets")
// and "1.2.3" and "1_000" are Text.
func TypeValue(raw string) FieldValue {
	switch raw {
	case "true":
		return Bool(true)
	case "false":
		return Bool(false)
	}

	num, unit := splitUnit(raw)
	// ParseFloat accepts digit separators; drains never use them.
	if strings.Contains(num, "_") {
		return Text(raw)
	}
	if i, err := strconv.ParseInt(num, 10, 64); err == nil {
		return Int(i, unit)
	}
	if f, err := strconv.ParseFloat(num, 64); err == nil {
		return Float(f, unit)
	}
	return Text(raw)
}

// splitUnit splits s at its first letter.
func splitUnit(s string) (num, unit string) {
	i := strings.IndexFunc(s, unicode.IsLetter)
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i:]
}

// Tag is one metric tag.
type Tag struct {
	Key   string
	Value string
}

// Field is one metric field.
type Field struct {
	Key   string
	Value FieldValue
}

// Metric is a timestamped, named measurement. Tags and Fields are sorted by
// key and hold at most one entry per key.
type Metric struct {
	Timestamp time.Time
	Name      string
	Tags      []Tag
	Fields    []Field
}

// New builds a Metric from unordered tag and field maps.
func New(ts time.Time, name string, tags map[string]string, fields map[string]FieldValue) Metric {
	m := Metric{
		Timestamp: ts,
		Name:      name,
		Tags:      make([]Tag, 0, len(tags)),
		Fields:    make([]Field, 0, len(fields)),
	}
	for k, v := range tags {
		m.Tags = append(m.Tags, Tag{Key: k, Value: v})
	}
	for k, v := range fields {
		m.Fields = append(m.Fields, Field{Key: k, Value: v})
	}
	slices.SortFunc(m.Tags, func(a, b Tag) int { return strings.Compare(a.Key, b.Key) })
	slices.SortFunc(m.Fields, func(a, b Field) int { return strings.Compare(a.Key, b.Key) })
	return m
}

// Tag returns the value of the named tag.
func (m Metric) Tag(key string) (string, bool) {
	i, ok := slices.BinarySearchFunc(m.Tags, key, func(t Tag, k string) int { return strings.Compare(t.Key, k) })
	if !ok {
		return "", false
	}
	return m.Tags[i].Value, true
}

// Field returns the value of the named field.
func (m Metric) Field(key string) (FieldValue, bool) {
	i, ok := slices.BinarySearchFunc(m.Fields, key, func(f Field, k string) int { return strings.Compare(f.Key, k) })
	if !ok {
		return FieldValue{}, false
	}
	return m.Fields[i].Value, true
}
