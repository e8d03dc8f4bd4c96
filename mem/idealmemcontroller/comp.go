// Package idealmemcontroller provides a memory controller that responds to
// every request after a fixed latency.
package idealmemcontroller

import (
	"log"
	"reflect"
	"sync"

	"github.com/sarchlab/gpuproxy/mem"
	"github.com/sarchlab/gpuproxy/sim"
)

type readRespondEvent struct {
	*sim.EventBase
	req *mem.ReadReq
}

func newReadRespondEvent(time sim.VTimeInSec, handler sim.Handler,
	req *mem.ReadReq,
) *readRespondEvent {
	return &readRespondEvent{sim.NewEventBase(time, handler), req}
}

type writeRespondEvent struct {
	*sim.EventBase
	req *mem.WriteReq
}

func newWriteRespondEvent(time sim.VTimeInSec, handler sim.Handler,
	req *mem.WriteReq,
) *writeRespondEvent {
	return &writeRespondEvent{sim.NewEventBase(time, handler), req}
}

// An Comp is an ideal memory controller that can perform read and write.
// It always responds to a request in a fixed number of cycles. There is no
// limitation on the concurrency of this unit. Posted writes are applied but
// never acknowledged.
type Comp struct {
	*sim.TickingComponent
	sim.MiddlewareHolder

	topPort sim.Port
	Storage *mem.Storage
	Latency int
	width   int

	statsLock    sync.Mutex
	numReads     uint64
	numWrites    uint64
	bytesRead    uint64
	bytesWritten uint64
}

// Handle defines how the Comp handles event
func (c *Comp) Handle(e sim.Event) error {
	switch e := e.(type) {
	case *readRespondEvent:
		return c.handleReadRespondEvent(e)
	case *writeRespondEvent:
		return c.handleWriteRespondEvent(e)
	case sim.TickEvent:
		return c.TickingComponent.Handle(e)
	default:
		log.Panicf("cannot handle event of %s", reflect.TypeOf(e))
	}

	return nil
}

// Tick takes new requests from the top port.
func (c *Comp) Tick() bool {
	return c.MiddlewareHolder.Tick()
}

// TopPort returns the port that receives memory requests.
func (c *Comp) TopPort() sim.Port {
	return c.topPort
}

// Stats returns the number of requests and bytes served so far.
func (c *Comp) Stats() map[string]float64 {
	c.statsLock.Lock()
	defer c.statsLock.Unlock()

	return map[string]float64{
		"reads":         float64(c.numReads),
		"writes":        float64(c.numWrites),
		"bytes_read":    float64(c.bytesRead),
		"bytes_written": float64(c.bytesWritten),
	}
}

func (c *Comp) handleReadRespondEvent(e *readRespondEvent) error {
	now := e.Time()
	req := e.req

	data, err := c.Storage.Read(req.Address, req.AccessByteSize)
	if err != nil {
		log.Panic(err)
	}

	rsp := mem.DataReadyRspBuilder{}.
		WithSrc(c.topPort.AsRemote()).
		WithDst(req.Src).
		WithRspTo(req.ID).
		WithData(data).
		Build()

	networkErr := c.topPort.Send(rsp)
	if networkErr != nil {
		retry := newReadRespondEvent(c.Freq.NextTick(now), c, req)
		c.Engine.Schedule(retry)

		return nil
	}

	c.statsLock.Lock()
	c.numReads++
	c.bytesRead += req.AccessByteSize
	c.statsLock.Unlock()

	c.traceComplete(req)
	c.TickLater()

	return nil
}

func (c *Comp) handleWriteRespondEvent(e *writeRespondEvent) error {
	now := e.Time()
	req := e.req

	if !req.Posted {
		rsp := mem.WriteDoneRspBuilder{}.
			WithSrc(c.topPort.AsRemote()).
			WithDst(req.Src).
			WithRspTo(req.ID).
			Build()

		networkErr := c.topPort.Send(rsp)
		if networkErr != nil {
			retry := newWriteRespondEvent(c.Freq.NextTick(now), c, req)
			c.Engine.Schedule(retry)

			return nil
		}
	}

	c.applyWrite(req)

	c.statsLock.Lock()
	c.numWrites++
	c.bytesWritten += uint64(len(req.Data))
	c.statsLock.Unlock()

	c.traceComplete(req)
	c.TickLater()

	return nil
}

func (c *Comp) applyWrite(req *mem.WriteReq) {
	if req.DirtyMask == nil {
		err := c.Storage.Write(req.Address, req.Data)
		if err != nil {
			log.Panic(err)
		}

		return
	}

	data, err := c.Storage.Read(req.Address, uint64(len(req.Data)))
	if err != nil {
		log.Panic(err)
	}

	for i := 0; i < len(req.Data); i++ {
		if req.DirtyMask[i] {
			data[i] = req.Data[i]
		}
	}

	err = c.Storage.Write(req.Address, data)
	if err != nil {
		log.Panic(err)
	}
}
