package proxy

import (
	"encoding/binary"
	"log"
	"reflect"

	"github.com/sarchlab/gpuproxy/callpacket"
	"github.com/sarchlab/gpuproxy/dma"
	"github.com/sarchlab/gpuproxy/mem"
	"github.com/sarchlab/gpuproxy/sim"
	"github.com/sarchlab/gpuproxy/tracing"
)

// sendMiddleware drains the outgoing queues.
type sendMiddleware struct {
	*Comp
}

func (m *sendMiddleware) Tick() bool {
	madeProgress := false

	for len(m.toMMIO) > 0 {
		if err := m.mmioPort.Send(m.toMMIO[0]); err != nil {
			break
		}

		m.toMMIO = m.toMMIO[1:]
		madeProgress = true
	}

	for len(m.toMem) > 0 {
		op := m.toMem[0]
		if err := m.memPort.Send(op.req); err != nil {
			break
		}

		if _, err := m.tracker.Begin(op.req.Meta().ID, op.ctx); err != nil {
			log.Panicf("%s: %v", m.Name(), err)
		}

		m.toMem = m.toMem[1:]
		madeProgress = true
	}

	return madeProgress
}

// mmioMiddleware serves the command register.
type mmioMiddleware struct {
	*Comp
}

func (m *mmioMiddleware) Tick() bool {
	madeProgress := m.answerReads()
	madeProgress = m.acceptRequest() || madeProgress

	return madeProgress
}

func (m *mmioMiddleware) acceptRequest() bool {
	msg := m.mmioPort.RetrieveIncoming()
	if msg == nil {
		return false
	}

	switch req := msg.(type) {
	case *mem.WriteReq:
		m.mustTargetCommandRegister(req.Address, req.GetByteSize())
		m.handleCommandWrite(req)
	case *mem.ReadReq:
		m.mustTargetCommandRegister(req.Address, req.AccessByteSize)
		m.pendingMMIOReads = append(m.pendingMMIOReads, req)
	default:
		log.Panicf("%s: cannot handle mmio message of type %s",
			m.Name(), reflect.TypeOf(msg))
	}

	return true
}

func (m *mmioMiddleware) mustTargetCommandRegister(addr, size uint64) {
	if addr != m.cmdRegister.Start || size > m.cmdRegister.Size {
		log.Panicf("%s: unsupported mmio access of %d bytes at 0x%x",
			m.Name(), size, addr)
	}
}

func (m *mmioMiddleware) handleCommandWrite(req *mem.WriteReq) {
	var packetAddr uint64

	switch len(req.Data) {
	case 4:
		packetAddr = uint64(binary.LittleEndian.Uint32(req.Data))
	case 8:
		packetAddr = binary.LittleEndian.Uint64(req.Data)
	default:
		log.Panicf("%s: command register write of %d bytes, want 4 or 8",
			m.Name(), len(req.Data))
	}

	core := m.cpuCoreOf(req.Src)
	if prev := m.calls[core]; prev != nil {
		log.Panicf("%s: cpu core %d issued call %s while %s is pending",
			m.Name(), core, req.ID, prev)
	}

	cl := &call{
		taskID:     tracing.MsgIDAtReceiver(req, m.Comp),
		cpuCore:    core,
		trigger:    req,
		packetAddr: packetAddr,
		state:      AwaitingPacketRead,
		startTime:  m.CurrentTime(),
	}

	m.Lock()
	m.calls[core] = cl
	m.Unlock()

	m.returnWritten[core] = false

	tracing.TraceReqReceive(req, m.Comp)

	read := mem.ReadReqBuilder{}.
		WithSrc(m.memPort.AsRemote()).
		WithDst(m.memMapper.Find(packetAddr)).
		WithAddress(packetAddr).
		WithByteSize(callpacket.RequestSize).
		Build()
	m.enqueueMem(read, &packetReadCtx{call: cl})
}

// answerReads returns the return-packet address to the cores whose return
// packet has been written.
func (m *mmioMiddleware) answerReads() bool {
	madeProgress := false
	waiting := m.pendingMMIOReads[:0]

	for _, req := range m.pendingMMIOReads {
		core := m.cpuCoreOf(req.Src)
		if !m.returnWritten[core] {
			waiting = append(waiting, req)
			continue
		}

		data := make([]byte, 8)
		binary.LittleEndian.PutUint64(data, m.ReturnPacketAddress(core))

		rsp := mem.DataReadyRspBuilder{}.
			WithSrc(m.mmioPort.AsRemote()).
			WithDst(req.Src).
			WithRspTo(req.ID).
			WithData(data[:min(req.AccessByteSize, 8)]).
			Build()
		m.enqueueMMIO(rsp)
		madeProgress = true
	}

	m.pendingMMIOReads = waiting

	return madeProgress
}

// memMiddleware processes the responses from simulated memory.
type memMiddleware struct {
	*Comp
}

func (m *memMiddleware) Tick() bool {
	msg := m.memPort.RetrieveIncoming()
	if msg == nil {
		return false
	}

	var (
		rspTo string
		data  []byte
	)

	switch rsp := msg.(type) {
	case *mem.DataReadyRsp:
		rspTo = rsp.RespondTo
		data = rsp.Data
	case *mem.WriteDoneRsp:
		rspTo = rsp.RespondTo
	default:
		log.Panicf("%s: cannot handle memory message of type %s",
			m.Name(), reflect.TypeOf(msg))
	}

	ctx, err := m.tracker.Resolve(rspTo)
	if err != nil {
		log.Panicf("%s: response %s: %v", m.Name(), msg.Meta().ID, err)
	}

	switch ctx := ctx.(type) {
	case *packetReadCtx:
		m.onPacketRead(ctx.call, data)
	case *returnWriteCtx:
		m.onReturnWritten(ctx)
	case *dma.StepContext:
		if err := m.dma.CompleteStep(ctx, data); err != nil {
			log.Panicf("%s: transaction %s: %v", m.Name(), rspTo, err)
		}
	default:
		log.Panicf("%s: transaction %s of kind %s answered on the memory port",
			m.Name(), rspTo, ctx.TransactionKind())
	}

	return true
}

// cacheMiddleware routes the responses of the GPU cache links back to the
// functional model.
type cacheMiddleware struct {
	*Comp
}

func (m *cacheMiddleware) Tick() bool {
	madeProgress := false

	for core, port := range m.cachePorts {
		msg := port.RetrieveIncoming()
		if msg == nil {
			continue
		}

		m.handleCacheRsp(core, msg)
		madeProgress = true
	}

	return madeProgress
}

func (m *cacheMiddleware) handleCacheRsp(core int, msg sim.Msg) {
	var (
		rspTo string
		data  []byte
	)

	switch rsp := msg.(type) {
	case *mem.DataReadyRsp:
		rspTo = rsp.RespondTo
		data = rsp.Data
	case *mem.WriteDoneRsp:
		rspTo = rsp.RespondTo
	default:
		log.Panicf("%s: cannot handle cache message of type %s",
			m.Name(), reflect.TypeOf(msg))
	}

	resolved, err := m.tracker.Resolve(rspTo)
	if err != nil {
		log.Panicf("%s: cache response %s: %v", m.Name(), msg.Meta().ID, err)
	}

	ctx, ok := resolved.(*cacheCtx)
	if !ok || ctx.core != core {
		log.Panicf("%s: transaction %s of kind %s answered on cache link %d",
			m.Name(), rspTo, resolved.TransactionKind(), core)
	}

	if err := m.tracker.CoreRelease(core); err != nil {
		log.Panicf("%s: %v", m.Name(), err)
	}

	m.model.CacheReply(core, ctx.token, data)
}
