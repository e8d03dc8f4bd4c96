package idealmemcontroller

import (
	"log"
	"reflect"

	"github.com/sarchlab/gpuproxy/mem"
	"github.com/sarchlab/gpuproxy/sim"
	"github.com/sarchlab/gpuproxy/tracing"
)

type memMiddleware struct {
	*Comp
}

// Tick accepts up to width requests and schedules their responses.
func (m *memMiddleware) Tick() bool {
	madeProgress := false

	for i := 0; i < m.width; i++ {
		msg := m.topPort.RetrieveIncoming()
		if msg == nil {
			break
		}

		tracing.TraceReqReceive(msg, m.Comp)

		switch msg := msg.(type) {
		case *mem.ReadReq:
			m.handleReadReq(msg)
		case *mem.WriteReq:
			m.handleWriteReq(msg)
		default:
			log.Panicf("cannot handle request of type %s",
				reflect.TypeOf(msg))
		}

		madeProgress = true
	}

	return madeProgress
}

func (m *memMiddleware) respondTime() sim.VTimeInSec {
	return m.Freq.NCyclesLater(m.Latency, m.CurrentTime())
}

func (m *memMiddleware) handleReadReq(req *mem.ReadReq) {
	m.Engine.Schedule(newReadRespondEvent(m.respondTime(), m.Comp, req))
}

func (m *memMiddleware) handleWriteReq(req *mem.WriteReq) {
	m.Engine.Schedule(newWriteRespondEvent(m.respondTime(), m.Comp, req))
}

func (c *Comp) traceComplete(req sim.Msg) {
	tracing.TraceReqComplete(req, c)
}
