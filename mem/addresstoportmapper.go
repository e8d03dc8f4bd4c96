package mem

import (
	"log"
	"sort"

	"github.com/sarchlab/gpuproxy/sim"
)

// AddressToPortMapper helps a component to find the low module that
// should serve a certain address.
type AddressToPortMapper interface {
	Find(address uint64) sim.RemotePort
}

// SinglePortMapper is used when a unit is connected with only one
// low module
type SinglePortMapper struct {
	Port sim.RemotePort
}

// Find simply returns the solo unit that it connects to
func (f *SinglePortMapper) Find(_ uint64) sim.RemotePort {
	return f.Port
}

// AddressRange is a half-open range of addresses [Start, Start+Size).
type AddressRange struct {
	Start uint64
	Size  uint64
}

// Contains tells if the address falls inside the range.
func (r AddressRange) Contains(address uint64) bool {
	return address >= r.Start && address-r.Start < r.Size
}

// Overlaps tells if two ranges share at least one byte.
func (r AddressRange) Overlaps(o AddressRange) bool {
	if r.Size == 0 || o.Size == 0 {
		return false
	}

	return r.Start < o.Start+o.Size && o.Start < r.Start+r.Size
}

type mappedRange struct {
	AddressRange
	port sim.RemotePort
}

// RangeAddressPortMapper routes a few address ranges to dedicated ports and
// every other address to a default port. It is used to carve memory-mapped
// registers out of a flat memory space.
type RangeAddressPortMapper struct {
	ranges      []mappedRange
	DefaultPort sim.RemotePort
}

// NewRangeAddressPortMapper creates a mapper that sends unmapped addresses to
// defaultPort.
func NewRangeAddressPortMapper(
	defaultPort sim.RemotePort,
) *RangeAddressPortMapper {
	return &RangeAddressPortMapper{DefaultPort: defaultPort}
}

// AddRange maps the range to the port. Ranges must not overlap.
func (m *RangeAddressPortMapper) AddRange(r AddressRange, port sim.RemotePort) {
	for _, existing := range m.ranges {
		if existing.Overlaps(r) {
			log.Panicf("range [0x%x, 0x%x) overlaps [0x%x, 0x%x)",
				r.Start, r.Start+r.Size,
				existing.Start, existing.Start+existing.Size)
		}
	}

	m.ranges = append(m.ranges, mappedRange{AddressRange: r, port: port})
	sort.Slice(m.ranges, func(i, j int) bool {
		return m.ranges[i].Start < m.ranges[j].Start
	})
}

// Find returns the port that serves the address.
func (m *RangeAddressPortMapper) Find(address uint64) sim.RemotePort {
	for _, r := range m.ranges {
		if r.Contains(address) {
			return r.port
		}
	}

	return m.DefaultPort
}
