package sim

import (
	"log"
	"sort"
	"strings"
)

// A PortOwner exposes named ports.
type PortOwner interface {
	AddPort(name string, port Port)
	GetPortByName(name string) Port
	Ports() []Port
}

// PortOwnerBase keeps ports by name.
type PortOwnerBase struct {
	ports map[string]Port
}

// NewPortOwnerBase creates a PortOwnerBase without ports.
func NewPortOwnerBase() *PortOwnerBase {
	return &PortOwnerBase{ports: make(map[string]Port)}
}

// AddPort registers a port. Names must be unique.
func (po *PortOwnerBase) AddPort(name string, port Port) {
	if _, found := po.ports[name]; found {
		log.Panicf("port %s already exists", name)
	}

	po.ports[name] = port
}

// GetPortByName returns the named port and panics if there is none.
func (po *PortOwnerBase) GetPortByName(name string) Port {
	port, found := po.ports[name]
	if !found {
		log.Panicf("port %s not found, available ports: %s",
			name, strings.Join(po.portNames(), ", "))
	}

	return port
}

// Ports returns the ports ordered by name.
func (po *PortOwnerBase) Ports() []Port {
	names := po.portNames()
	list := make([]Port, 0, len(names))

	for _, n := range names {
		list = append(list, po.ports[n])
	}

	return list
}

func (po *PortOwnerBase) portNames() []string {
	names := make([]string, 0, len(po.ports))
	for n := range po.ports {
		names = append(names, n)
	}

	sort.Strings(names)

	return names
}
