// Package directconnection provides a connection that delivers messages
// between ports without latency.
package directconnection

import (
	"log"

	"github.com/sarchlab/gpuproxy/sim"
)

// Comp moves messages from the outgoing buffer of one port into the
// incoming buffer of another in the same cycle. A port whose destination is
// full keeps its head message and blocks until the destination frees a slot.
type Comp struct {
	*sim.TickingComponent

	ports []sim.Port
	byDst map[sim.RemotePort]sim.Port

	// first is the port served first in the next tick. It rotates so that
	// no port starves the others of a shared destination.
	first int
}

// PlugIn connects a port. A port can be plugged in only once.
func (c *Comp) PlugIn(port sim.Port) {
	c.Lock()
	defer c.Unlock()

	if _, found := c.byDst[port.AsRemote()]; found {
		log.Panicf("port %s already connected to %s", port.Name(), c.Name())
	}

	c.ports = append(c.ports, port)
	c.byDst[port.AsRemote()] = port

	port.SetConnection(c)
}

// Unplug disconnects a port that was plugged in.
func (c *Comp) Unplug(port sim.Port) {
	c.Lock()
	defer c.Unlock()

	if _, found := c.byDst[port.AsRemote()]; !found {
		log.Panicf("port %s is not connected to %s", port.Name(), c.Name())
	}

	delete(c.byDst, port.AsRemote())

	for i, p := range c.ports {
		if p == port {
			c.ports = append(c.ports[:i], c.ports[i+1:]...)
			break
		}
	}

	c.first = 0
}

// NotifyAvailable is called when p has room again. The other ports may be
// waiting on it.
func (c *Comp) NotifyAvailable(p sim.Port) {
	for _, port := range c.ports {
		if port != p {
			port.NotifyAvailable()
		}
	}

	c.TickNow()
}

// NotifySend is called when a port has something to deliver.
func (c *Comp) NotifySend() {
	c.TickNow()
}

// Tick drains every port as far as the destinations allow.
func (c *Comp) Tick() bool {
	n := len(c.ports)
	if n == 0 {
		return false
	}

	progress := false
	for i := 0; i < n; i++ {
		progress = c.drain(c.ports[(c.first+i)%n]) || progress
	}

	c.first = (c.first + 1) % n

	return progress
}

func (c *Comp) drain(src sim.Port) bool {
	moved := false

	for msg := src.PeekOutgoing(); msg != nil; msg = src.PeekOutgoing() {
		dst, found := c.byDst[msg.Meta().Dst]
		if !found {
			log.Panicf("%s: no port %s to deliver msg %s to",
				c.Name(), msg.Meta().Dst, msg.Meta().ID)
		}

		if dst.Deliver(msg) != nil {
			break
		}

		src.RetrieveOutgoing()
		moved = true
	}

	return moved
}
