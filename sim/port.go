package sim

import (
	"log"
	"sync"
)

// Port hook positions. Send fires when a component queues a message and
// Recvd fires when a connection delivers one.
var (
	HookPosPortMsgSend  = &HookPos{Name: "Port Msg Send"}
	HookPosPortMsgRecvd = &HookPos{Name: "Port Msg Recv"}
)

// A RemotePort names a port on the other side of a connection.
type RemotePort string

// A Port sits between a component and a connection. It buffers messages in
// both directions.
type Port interface {
	Named
	Hookable

	AsRemote() RemotePort

	SetConnection(conn Connection)
	Component() Component

	// Connection side.
	Deliver(msg Msg) *SendError
	NotifyAvailable()
	RetrieveOutgoing() Msg
	PeekOutgoing() Msg

	// Component side.
	CanSend() bool
	Send(msg Msg) *SendError
	RetrieveIncoming() Msg
}

type defaultPort struct {
	HookableBase

	lock sync.Mutex
	name string
	comp Component
	conn Connection

	incoming Buffer
	outgoing Buffer
}

// NewPort creates a port owned by comp with the given buffer capacities.
func NewPort(
	comp Component,
	incomingCap, outgoingCap int,
	name string,
) Port {
	return &defaultPort{
		name:     name,
		comp:     comp,
		incoming: NewBuffer(name+".IncomingBuf", incomingCap),
		outgoing: NewBuffer(name+".OutgoingBuf", outgoingCap),
	}
}

func (p *defaultPort) Name() string {
	return p.name
}

func (p *defaultPort) AsRemote() RemotePort {
	return RemotePort(p.name)
}

func (p *defaultPort) Component() Component {
	return p.comp
}

// SetConnection plugs the port into conn. A port has one connection for its
// whole life.
func (p *defaultPort) SetConnection(conn Connection) {
	if p.conn != nil {
		log.Panicf("port %s is already connected to %s, cannot connect to %s",
			p.name, p.conn.Name(), conn.Name())
	}

	p.conn = conn
}

func (p *defaultPort) CanSend() bool {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.outgoing.CanPush()
}

// Send queues msg for the connection. The connection is only notified when
// the outgoing buffer goes from empty to non-empty.
func (p *defaultPort) Send(msg Msg) *SendError {
	p.msgMustBeValid(msg)

	p.lock.Lock()

	if !p.outgoing.CanPush() {
		p.lock.Unlock()
		return NewSendError()
	}

	wasEmpty := p.outgoing.Size() == 0
	p.outgoing.Push(msg)
	p.InvokeHook(HookCtx{Domain: p, Pos: HookPosPortMsgSend, Item: msg})

	p.lock.Unlock()

	if wasEmpty {
		p.conn.NotifySend()
	}

	return nil
}

// Deliver hands msg to the port. The owner is only notified when the
// incoming buffer goes from empty to non-empty.
func (p *defaultPort) Deliver(msg Msg) *SendError {
	p.lock.Lock()

	if !p.incoming.CanPush() {
		p.lock.Unlock()
		return NewSendError()
	}

	wasEmpty := p.incoming.Size() == 0
	p.InvokeHook(HookCtx{Domain: p, Pos: HookPosPortMsgRecvd, Item: msg})
	p.incoming.Push(msg)

	p.lock.Unlock()

	if p.comp != nil && wasEmpty {
		p.comp.NotifyRecv(p)
	}

	return nil
}

// RetrieveIncoming takes the oldest delivered message, or nil. Freeing a
// slot in a full buffer tells the connection to retry.
func (p *defaultPort) RetrieveIncoming() Msg {
	p.lock.Lock()

	item := p.incoming.Pop()
	wasFull := item != nil && p.incoming.Size() == p.incoming.Capacity()-1

	p.lock.Unlock()

	if item == nil {
		return nil
	}

	if wasFull {
		p.conn.NotifyAvailable(p)
	}

	return item.(Msg)
}

// RetrieveOutgoing takes the oldest queued message, or nil. Freeing a slot
// in a full buffer tells the owner it can send again.
func (p *defaultPort) RetrieveOutgoing() Msg {
	p.lock.Lock()

	item := p.outgoing.Pop()
	wasFull := item != nil && p.outgoing.Size() == p.outgoing.Capacity()-1

	p.lock.Unlock()

	if item == nil {
		return nil
	}

	if wasFull && p.comp != nil {
		p.comp.NotifyPortFree(p)
	}

	return item.(Msg)
}

func (p *defaultPort) PeekOutgoing() Msg {
	p.lock.Lock()
	defer p.lock.Unlock()

	item := p.outgoing.Peek()
	if item == nil {
		return nil
	}

	return item.(Msg)
}

// NotifyAvailable is called by the connection once it can take messages
// again.
func (p *defaultPort) NotifyAvailable() {
	if p.comp != nil {
		p.comp.NotifyPortFree(p)
	}
}

func (p *defaultPort) msgMustBeValid(msg Msg) {
	meta := msg.Meta()

	switch {
	case string(meta.Src) != p.name:
		log.Panicf("port %s is not the src of msg %s", p.name, meta.ID)
	case meta.Dst == "":
		log.Panicf("msg %s has no dst", meta.ID)
	case meta.Src == meta.Dst:
		log.Panicf("msg %s is sent back to its src", meta.ID)
	}
}
