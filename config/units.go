package config

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sarchlab/gpuproxy/sim"
	"gopkg.in/yaml.v3"
)

// Size is a byte count. In YAML it may be written as a plain number or with
// a unit, such as "4GiB" or "64 B".
type Size uint64

// UnmarshalYAML parses a size.
func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	v, err := humanize.ParseBytes(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: size %q: %w", node.Line, node.Value, err)
	}

	*s = Size(v)

	return nil
}

// MarshalYAML writes the size with a binary unit.
func (s Size) MarshalYAML() (interface{}, error) {
	return strings.ReplaceAll(humanize.IBytes(uint64(s)), " ", ""), nil
}

// Frequency is a clock frequency. In YAML it is written with an SI unit,
// such as "1GHz" or "800 MHz".
type Frequency sim.Freq

// UnmarshalYAML parses a frequency.
func (f *Frequency) UnmarshalYAML(node *yaml.Node) error {
	v, unit, err := humanize.ParseSI(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: frequency %q: %w",
			node.Line, node.Value, err)
	}

	if unit != "" && unit != "Hz" {
		return fmt.Errorf("line %d: frequency %q: unit must be Hz",
			node.Line, node.Value)
	}

	*f = Frequency(v)

	return nil
}

// MarshalYAML writes the frequency with an SI prefix.
func (f Frequency) MarshalYAML() (interface{}, error) {
	return strings.ReplaceAll(humanize.SI(float64(f), "Hz"), " ", ""), nil
}

// Freq converts the frequency for the simulator.
func (f Frequency) Freq() sim.Freq {
	return sim.Freq(f)
}
