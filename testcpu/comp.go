// Package testcpu provides a CPU that replays a CUDA API trace through the
// command register of a proxy and verifies the device-to-host copies.
package testcpu

import (
	"encoding/binary"
	"fmt"
	"log"
	"reflect"
	"sync"

	"github.com/sarchlab/gpuproxy/callpacket"
	"github.com/sarchlab/gpuproxy/functional"
	"github.com/sarchlab/gpuproxy/mem"
	"github.com/sarchlab/gpuproxy/sim"
	"github.com/sarchlab/gpuproxy/tracing"
	"go.uber.org/zap"
)

// NativeBuffers gives the CPU buffers in the functional model's native
// memory, for calls whose operands do not live in simulated memory.
type NativeBuffers interface {
	AllocNative(size uint64) (uint64, error)
	FreeNative(addr uint64) error
	ReadNative(addr, size uint64) ([]byte, error)
	WriteNative(addr uint64, data []byte) error
}

// Verification is the result of checking one device-to-host copy.
type Verification struct {
	DPtr    string
	Total   uint64
	Correct uint64
	Ratio   float64
}

// Stats summarizes a replay.
type Stats struct {
	Calls         uint64
	FailedCalls   uint64
	Verifications []Verification
	Finished      bool
}

// CallTaskKind is the tracing task kind of a runtime call issued by the CPU.
const CallTaskKind = "cuda_call"

type phase int

const (
	phaseIdle phase = iota
	phaseStageData
	phaseWritePacket
	phaseCommand
	phaseReadRegister
	phaseReadReturn
	phaseReadBack
)

// Comp is the trace-driven test CPU.
type Comp struct {
	*sim.TickingComponent
	sim.MiddlewareHolder

	port   sim.Port
	mapper mem.AddressToPortMapper
	logger *zap.Logger
	native NativeBuffers
	dumper *Dumper

	cmdRegister     uint64
	scratch         uint64
	heap            *functional.Allocator
	simulatedMemory bool
	fatBinary       string

	ops     []Op
	calls   []*hostCall
	current *hostCall
	kind    callpacket.CallKind
	phase   phase
	toSend  sim.Msg
	waitFor string
	taskID  string

	pendingPacket []byte

	fatBinaryHandle uint64
	dptrs           map[string]uint64
	dptrSlots       map[string]uint64
	nextSlot        uint64
	functions       map[string]uint64

	statsLock sync.Mutex
	stats     Stats
	err       error
}

// Tick runs the CPU.
func (c *Comp) Tick() bool {
	return c.MiddlewareHolder.Tick()
}

// Port returns the port that the CPU issues memory requests through.
func (c *Comp) Port() sim.Port {
	return c.port
}

// Start schedules the first tick.
func (c *Comp) Start() {
	c.TickLater()
}

// Stats returns a snapshot of the replay statistics.
func (c *Comp) Stats() Stats {
	c.statsLock.Lock()
	defer c.statsLock.Unlock()

	s := c.stats
	s.Verifications = append([]Verification(nil), c.stats.Verifications...)

	return s
}

// Err returns the error that stopped the replay, if any.
func (c *Comp) Err() error {
	c.statsLock.Lock()
	defer c.statsLock.Unlock()

	return c.err
}

type cpuMiddleware struct {
	*Comp
}

func (m *cpuMiddleware) Tick() bool {
	madeProgress := m.send()
	madeProgress = m.receive() || madeProgress
	madeProgress = m.startNextCall() || madeProgress

	return madeProgress
}

func (m *cpuMiddleware) send() bool {
	if m.toSend == nil {
		return false
	}

	if err := m.port.Send(m.toSend); err != nil {
		return false
	}

	m.waitFor = m.toSend.Meta().ID
	m.toSend = nil

	return true
}

func (c *Comp) write(addr uint64, data []byte) {
	c.toSend = mem.WriteReqBuilder{}.
		WithSrc(c.port.AsRemote()).
		WithDst(c.mapper.Find(addr)).
		WithAddress(addr).
		WithData(data).
		Build()
}

func (c *Comp) read(addr, size uint64) {
	c.toSend = mem.ReadReqBuilder{}.
		WithSrc(c.port.AsRemote()).
		WithDst(c.mapper.Find(addr)).
		WithAddress(addr).
		WithByteSize(size).
		Build()
}

func (m *cpuMiddleware) startNextCall() bool {
	if m.current != nil || m.stats.Finished {
		return false
	}

	for len(m.calls) == 0 && len(m.ops) > 0 {
		m.calls = m.expand(m.ops[0])
		m.ops = m.ops[1:]
	}

	if len(m.calls) == 0 {
		m.finish(nil)
		return true
	}

	hc := m.calls[0]
	m.calls = m.calls[1:]

	packet, err := hc.build()
	if err != nil {
		m.finish(err)
		return true
	}

	buf, err := callpacket.Encode(packet)
	if err != nil {
		m.finish(fmt.Errorf("encoding %s: %w", packet.Kind(), err))
		return true
	}

	m.current = hc
	m.kind = packet.Kind()
	m.taskID = sim.GetIDGenerator().Generate()
	tracing.StartTask(m.taskID, "", m.Comp, CallTaskKind, m.kind.String(), nil)

	if hc.stage != nil {
		m.phase = phaseStageData
		m.write(hc.stageAddr, hc.stage)
		m.pendingPacket = buf

		return true
	}

	m.phase = phaseWritePacket
	m.write(m.scratch, buf)

	return true
}

func (c *Comp) finish(err error) {
	c.statsLock.Lock()
	c.stats.Finished = true
	c.err = err
	calls, failed := c.stats.Calls, c.stats.FailedCalls
	c.statsLock.Unlock()

	if err != nil {
		c.logger.Error("trace replay stopped", zap.Error(err))
		return
	}

	c.logger.Info("trace replay completed",
		zap.Uint64("calls", calls),
		zap.Uint64("failed_calls", failed))
}

func (m *cpuMiddleware) receive() bool {
	msg := m.port.RetrieveIncoming()
	if msg == nil {
		return false
	}

	switch rsp := msg.(type) {
	case *mem.WriteDoneRsp:
		m.mustAnswer(rsp.RespondTo, msg)
		m.onWriteDone()
	case *mem.DataReadyRsp:
		m.mustAnswer(rsp.RespondTo, msg)
		m.onDataReady(rsp.Data)
	default:
		log.Panicf("%s: cannot handle message of type %s",
			m.Name(), reflect.TypeOf(msg))
	}

	return true
}

func (c *Comp) mustAnswer(rspTo string, msg sim.Msg) {
	if rspTo != c.waitFor {
		log.Panicf("%s: response %s to %s, waiting for %s",
			c.Name(), msg.Meta().ID, rspTo, c.waitFor)
	}

	c.waitFor = ""
}

func (c *Comp) onWriteDone() {
	switch c.phase {
	case phaseStageData:
		c.phase = phaseWritePacket
		c.write(c.scratch, c.pendingPacket)
		c.pendingPacket = nil
	case phaseWritePacket:
		data := make([]byte, 8)
		binary.LittleEndian.PutUint64(data, c.scratch)

		c.phase = phaseCommand
		c.write(c.cmdRegister, data)
	case phaseCommand:
		c.phase = phaseReadRegister
		c.read(c.cmdRegister, 8)
	default:
		log.Panicf("%s: unexpected write response in phase %d",
			c.Name(), c.phase)
	}
}

func (c *Comp) onDataReady(data []byte) {
	switch c.phase {
	case phaseReadRegister:
		if len(data) < 8 {
			log.Panicf("%s: register read returned %d bytes", c.Name(), len(data))
		}

		c.phase = phaseReadReturn
		c.read(binary.LittleEndian.Uint64(data), callpacket.ReturnSize)
	case phaseReadReturn:
		c.onReturnPacket(data)
	case phaseReadBack:
		c.verify(c.current.check, data)
		c.endCall()
	default:
		log.Panicf("%s: unexpected data response in phase %d",
			c.Name(), c.phase)
	}
}

func (c *Comp) onReturnPacket(data []byte) {
	ret, err := callpacket.DecodeReturn(data)
	if err != nil {
		log.Panicf("%s: return packet of %s: %v", c.Name(), c.kind, err)
	}

	if !ret.Done {
		log.Panicf("%s: %s acknowledged before completion", c.Name(), c.kind)
	}

	c.statsLock.Lock()
	c.stats.Calls++
	if ret.Error != callpacket.Success {
		c.stats.FailedCalls++
	}
	c.statsLock.Unlock()

	if ret.Error != callpacket.Success {
		c.logger.Warn("call failed",
			zap.Stringer("kind", c.kind), zap.Stringer("error", ret.Error))
	}

	hc := c.current
	if hc.onReturn != nil {
		hc.onReturn(ret)
	}

	check := hc.check
	switch {
	case check == nil:
		c.endCall()
	case check.native:
		data, err := check.readBack()
		if err != nil {
			log.Panicf("%s: reading back 0x%x: %v", c.Name(), check.addr, err)
		}

		c.verify(check, data)
		c.endCall()
	default:
		c.phase = phaseReadBack
		c.read(check.addr, check.op.Size)
	}
}

func (c *Comp) endCall() {
	if check := c.current.check; check != nil && check.release != nil {
		check.release()
	}

	tracing.EndTask(c.taskID, c)

	c.current = nil
	c.phase = phaseIdle
	c.TickLater()
}

func (c *Comp) mustAllocHeap(size uint64) uint64 {
	addr, err := c.heap.Alloc(max(size, 1))
	if err != nil {
		log.Panicf("%s: simulated heap: %v", c.Name(), err)
	}

	return addr
}

func (c *Comp) freeHeap(addr uint64) {
	if err := c.heap.Free(addr); err != nil {
		log.Panicf("%s: simulated heap: %v", c.Name(), err)
	}
}

func (c *Comp) freeNative(addr uint64) {
	if err := c.native.FreeNative(addr); err != nil {
		log.Panicf("%s: native buffer: %v", c.Name(), err)
	}
}
