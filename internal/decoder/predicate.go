package decoder

import (
	"fmt"
	"strings"

	"logsnarf/internal/logline"
)

// Attribute names a Record field a clause can test.
type Attribute uint8

const (
	AttrTimestamp Attribute = iota + 1
	AttrHostname
	AttrAppName
	AttrProcID
	AttrMsgID
	AttrMessage
)

var attributeNames = map[Attribute]string{
	AttrTimestamp: "timestamp",
	AttrHostname:  "hostname",
	AttrAppName:   "app_name",
	AttrProcID:    "proc_id",
	AttrMsgID:     "msg_id",
	AttrMessage:   "message",
}

func (a Attribute) String() string {
	if s, ok := attributeNames[a]; ok {
		return s
	}
	return fmt.Sprintf("Attribute(%d)", uint8(a))
}

// ParseAttribute maps a configuration name to an Attribute.
func ParseAttribute(s string) (Attribute, error) {
	for a, name := range attributeNames {
		if name == s {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown attribute %q", s)
}

// Op is a clause comparison.
type Op uint8

const (
	OpEquals Op = iota + 1
	OpContains
)

func (o Op) String() string {
	switch o {
	case OpEquals:
		return "equals"
	case OpContains:
		return "contains"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// ParseOp maps a configuration name to an Op.
func ParseOp(s string) (Op, error) {
	switch s {
	case "equals", "eq", "=":
		return OpEquals, nil
	case "contains":
		return OpContains, nil
	default:
		return 0, fmt.Errorf("unknown op %q", s)
	}
}

// Clause tests one attribute of a record.
type Clause struct {
	Attr  Attribute
	Op    Op
	Value string
}

// Equals is shorthand for an OpEquals clause.
func Equals(a Attribute, v string) Clause { return Clause{Attr: a, Op: OpEquals, Value: v} }

// Contains is shorthand for an OpContains clause.
func Contains(a Attribute, v string) Clause { return Clause{Attr: a, Op: OpContains, Value: v} }

func (c Clause) String() string {
	return fmt.Sprintf("%s %s %q", c.Attr, c.Op, c.Value)
}

// Match evaluates the clause against rec. An absent msg_id never matches.
func (c Clause) Match(rec logline.Record) bool {
	var v string
	switch c.Attr {
	case AttrTimestamp:
		v = rec.Timestamp
	case AttrHostname:
		v = rec.Hostname
	case AttrAppName:
		v = rec.AppName
	case AttrProcID:
		v = rec.ProcID
	case AttrMsgID:
		if !rec.HasMsgID {
			return false
		}
		v = rec.MsgID
	case AttrMessage:
		v = rec.Message
	default:
		return false
	}
	switch c.Op {
	case OpEquals:
		return v == c.Value
	case OpContains:
		return strings.Contains(v, c.Value)
	default:
		return false
	}
}

func (c Clause) validate() error {
	if _, ok := attributeNames[c.Attr]; !ok {
		return fmt.Errorf("clause %s: unknown attribute", c)
	}
	if c.Op != OpEquals && c.Op != OpContains {
		return fmt.Errorf("clause %s: unknown op", c)
	}
	return nil
}

// Predicate is a conjunction of clauses. The empty predicate matches every record.
type Predicate []Clause

// Match reports whether every clause holds for rec.
func (p Predicate) Match(rec logline.Record) bool {
	for _, c := range p {
		if !c.Match(rec) {
			return false
		}
	}
	return true
}

func (p Predicate) String() string {
	parts := make([]string, len(p))
	for i, c := range p {
		parts[i] = c.String()
	}
	return strings.Join(parts, " and ")
}
