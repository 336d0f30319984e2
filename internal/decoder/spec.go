package decoder

import "fmt"

// Spec is the configuration form of a Decoder.
type Spec struct {
	Name   string       `koanf:"name" yaml:"name" validate:"required"`
	Tags   []string     `koanf:"tags" yaml:"tags"`
	Fields []string     `koanf:"fields" yaml:"fields" validate:"required,min=1"`
	Match  []ClauseSpec `koanf:"match" yaml:"match" validate:"dive"`
}

// ClauseSpec is the configuration form of a Clause.
type ClauseSpec struct {
	Attr  string `koanf:"attr" yaml:"attr" validate:"required"`
	Op    string `koanf:"op" yaml:"op" validate:"required"`
	Value string `koanf:"value" yaml:"value"`
}

// Build converts specs into decoders, preserving order.
func Build(specs []Spec) ([]Decoder, error) {
	decoders := make([]Decoder, 0, len(specs))
	for _, s := range specs {
		d := Decoder{Name: s.Name, Tags: s.Tags, Fields: s.Fields}
		for _, cs := range s.Match {
			attr, err := ParseAttribute(cs.Attr)
			if err != nil {
				return nil, fmt.Errorf("decoder %q: %w", s.Name, err)
			}
			op, err := ParseOp(cs.Op)
			if err != nil {
				return nil, fmt.Errorf("decoder %q: %w", s.Name, err)
			}
			d.Match = append(d.Match, Clause{Attr: attr, Op: op, Value: cs.Value})
		}
		decoders = append(decoders, d)
	}
	return decoders, nil
}

// Specs converts decoders back into their configuration form.
func Specs(decoders []Decoder) []Spec {
	specs := make([]Spec, 0, len(decoders))
	for _, d := range decoders {
		s := Spec{Name: d.Name, Tags: d.Tags, Fields: d.Fields}
		for _, c := range d.Match {
			s.Match = append(s.Match, ClauseSpec{Attr: c.Attr.String(), Op: c.Op.String(), Value: c.Value})
		}
		specs = append(specs, s)
	}
	return specs
}
