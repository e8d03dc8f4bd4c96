// Package proxy implements the command proxy that receives GPU runtime calls
// through a memory-mapped command register and forwards them to a
// functional GPU model.
package proxy

import (
	"log"
	"sync"

	"github.com/sarchlab/gpuproxy/callpacket"
	"github.com/sarchlab/gpuproxy/dma"
	"github.com/sarchlab/gpuproxy/mem"
	"github.com/sarchlab/gpuproxy/sim"
	"github.com/sarchlab/gpuproxy/tracing"
	"github.com/sarchlab/gpuproxy/transaction"
	"go.uber.org/zap"
)

// KindStats summarizes the calls of one kind.
type KindStats struct {
	Count     uint64
	Errors    uint64
	Latencies []float64
}

// Stats summarizes what the proxy has done.
type Stats struct {
	Calls         map[callpacket.CallKind]KindStats
	PendingCalls  int
	ReturnWrites  uint64
	CacheReads    uint64
	CacheWrites   uint64
	PendingByKind map[transaction.Kind]int
	DMA           dma.Stats
}

// Comp is the command proxy.
type Comp struct {
	*sim.TickingComponent
	sim.MiddlewareHolder

	mmioPort   sim.Port
	memPort    sim.Port
	cachePorts []sim.Port

	cmdRegister  mem.AddressRange
	returnBase   uint64
	memMapper    mem.AddressToPortMapper
	gpuMemMapper mem.AddressToPortMapper
	tracker      *transaction.Tracker
	dma          *dma.Engine
	model        FunctionalModel
	logger       *zap.Logger

	cpuCores         map[sim.RemotePort]int
	calls            []*call
	returnWritten    []bool
	pendingMMIOReads []*mem.ReadReq

	toMMIO []sim.Msg
	toMem  []memOp

	statsLock   sync.Mutex
	kindStats   map[callpacket.CallKind]*KindStats
	numReturns  uint64
	cacheReads  uint64
	cacheWrites uint64
}

// Tick runs the middlewares in order.
func (c *Comp) Tick() bool {
	return c.MiddlewareHolder.Tick()
}

// MMIOPort returns the port that the command register is accessed through.
func (c *Comp) MMIOPort() sim.Port {
	return c.mmioPort
}

// MemPort returns the port that accesses simulated memory.
func (c *Comp) MemPort() sim.Port {
	return c.memPort
}

// GPUCachePort returns the cache link of a GPU core.
func (c *Comp) GPUCachePort(core int) sim.Port {
	return c.cachePorts[core]
}

// NumGPUCachePorts returns the number of cache links.
func (c *Comp) NumGPUCachePorts() int {
	return len(c.cachePorts)
}

// CommandRegister returns the address range of the command register.
func (c *Comp) CommandRegister() mem.AddressRange {
	return c.cmdRegister
}

// ReturnPacketAddress returns where the return packets of a CPU core are
// written.
func (c *Comp) ReturnPacketAddress(cpuCore int) uint64 {
	return c.returnBase + uint64(cpuCore)*callpacket.ReturnSize
}

// Tracker returns the transaction tracker of the proxy.
func (c *Comp) Tracker() *transaction.Tracker {
	return c.tracker
}

// DMA returns the DMA engine of the proxy.
func (c *Comp) DMA() *dma.Engine {
	return c.dma
}

// CallState returns the state of the current call of a CPU core, and false
// if the core has no call in progress.
func (c *Comp) CallState(cpuCore int) (CallState, bool) {
	c.Lock()
	defer c.Unlock()

	if cpuCore < 0 || cpuCore >= len(c.calls) || c.calls[cpuCore] == nil {
		return ResponseSent, false
	}

	return c.calls[cpuCore].state, true
}

// Stats returns a snapshot of the proxy statistics.
func (c *Comp) Stats() Stats {
	c.statsLock.Lock()
	defer c.statsLock.Unlock()

	s := Stats{
		Calls:         make(map[callpacket.CallKind]KindStats),
		ReturnWrites:  c.numReturns,
		CacheReads:    c.cacheReads,
		CacheWrites:   c.cacheWrites,
		PendingByKind: c.tracker.PendingByKind(),
		DMA:           c.dma.Stats(),
	}

	for k, ks := range c.kindStats {
		copied := *ks
		copied.Latencies = append([]float64(nil), ks.Latencies...)
		s.Calls[k] = copied
	}

	c.Lock()
	for _, cl := range c.calls {
		if cl != nil {
			s.PendingCalls++
		}
	}
	c.Unlock()

	return s
}

func (c *Comp) cpuCoreOf(src sim.RemotePort) int {
	if core, found := c.cpuCores[src]; found {
		return core
	}

	core := len(c.cpuCores)
	if core >= len(c.calls) {
		log.Panicf("%s: %s would be cpu core %d, only %d supported",
			c.Name(), src, core, len(c.calls))
	}

	c.cpuCores[src] = core

	return core
}

func (c *Comp) enqueueMem(req mem.AccessReq, ctx transaction.Context) {
	c.toMem = append(c.toMem, memOp{req: req, ctx: ctx})
}

func (c *Comp) enqueueMMIO(msg sim.Msg) {
	c.toMMIO = append(c.toMMIO, msg)
}

func (c *Comp) writeReturn(
	cl *call,
	ret callpacket.ReturnPacket,
	then func(),
) {
	buf, err := callpacket.EncodeReturn(ret)
	if err != nil {
		log.Panicf("%s: %s: %v", c.Name(), cl, err)
	}

	req := mem.WriteReqBuilder{}.
		WithSrc(c.memPort.AsRemote()).
		WithDst(c.memMapper.Find(c.ReturnPacketAddress(cl.cpuCore))).
		WithAddress(c.ReturnPacketAddress(cl.cpuCore)).
		WithData(buf).
		Build()

	c.enqueueMem(req, &returnWriteCtx{call: cl, then: then})
}

func (c *Comp) onReturnWritten(ctx *returnWriteCtx) {
	c.returnWritten[ctx.call.cpuCore] = true

	c.statsLock.Lock()
	c.numReturns++
	c.statsLock.Unlock()

	if ctx.then != nil {
		ctx.then()
	}
}

// respond releases the held acknowledgement of the call.
func (c *Comp) respond(cl *call, code callpacket.ErrorCode) {
	if !cl.trigger.Posted {
		rsp := mem.WriteDoneRspBuilder{}.
			WithSrc(c.mmioPort.AsRemote()).
			WithDst(cl.trigger.Src).
			WithRspTo(cl.trigger.ID).
			Build()
		c.enqueueMMIO(rsp)
	}

	c.Lock()
	cl.state = ResponseSent
	c.calls[cl.cpuCore] = nil
	c.Unlock()

	now := c.CurrentTime()
	c.recordCall(cl, code, now)

	tracing.TraceReqComplete(cl.trigger, c)
	c.InvokeHook(sim.HookCtx{
		Domain: c,
		Pos:    HookPosCallDone,
		Item: CallRecord{
			ID:        cl.trigger.ID,
			CPUCore:   cl.cpuCore,
			Kind:      cl.kind(),
			Error:     code,
			StartTime: cl.startTime,
			EndTime:   now,
		},
	})

	c.logger.Info("call completed",
		zap.Stringer("kind", cl.kind()),
		zap.Int("cpu_core", cl.cpuCore),
		zap.Stringer("error", code),
		zap.Float64("latency", float64(now-cl.startTime)))
}

func (c *Comp) recordCall(
	cl *call,
	code callpacket.ErrorCode,
	now sim.VTimeInSec,
) {
	c.statsLock.Lock()
	defer c.statsLock.Unlock()

	ks, found := c.kindStats[cl.kind()]
	if !found {
		ks = &KindStats{}
		c.kindStats[cl.kind()] = ks
	}

	ks.Count++
	if code != callpacket.Success {
		ks.Errors++
	}

	ks.Latencies = append(ks.Latencies, float64(now-cl.startTime))
}
