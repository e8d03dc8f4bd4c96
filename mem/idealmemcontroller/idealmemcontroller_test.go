package idealmemcontroller

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/gpuproxy/mem"
	"github.com/sarchlab/gpuproxy/sim"
	"github.com/sarchlab/gpuproxy/sim/directconnection"
)

type requester struct {
	*sim.TickingComponent

	port    sim.Port
	toSend  []sim.Msg
	rsps    []sim.Msg
	rspTime []sim.VTimeInSec
}

func newRequester(engine sim.Engine) *requester {
	r := &requester{}
	r.TickingComponent = sim.NewTickingComponent(
		"Requester", engine, 1*sim.GHz, r)
	r.port = sim.NewPort(r, 4, 4, "Requester.Port")
	r.AddPort("Port", r.port)

	return r
}

func (r *requester) Tick() bool {
	madeProgress := false

	for {
		msg := r.port.RetrieveIncoming()
		if msg == nil {
			break
		}

		r.rsps = append(r.rsps, msg)
		r.rspTime = append(r.rspTime, r.CurrentTime())
		madeProgress = true
	}

	for len(r.toSend) > 0 {
		if r.port.Send(r.toSend[0]) != nil {
			break
		}

		r.toSend = r.toSend[1:]
		madeProgress = true
	}

	return madeProgress
}

var _ = Describe("Ideal Memory Controller", func() {
	var (
		engine        *sim.SerialEngine
		memController *Comp
		agent         *requester
	)

	BeforeEach(func() {
		engine = sim.NewSerialEngine()
		memController = MakeBuilder().
			WithEngine(engine).
			WithNewStorage(1 * mem.MB).
			WithLatency(10).
			Build("MemCtrl")
		agent = newRequester(engine)

		conn := directconnection.MakeBuilder().
			WithEngine(engine).
			Build("Conn")
		conn.PlugIn(agent.port)
		conn.PlugIn(memController.TopPort())
	})

	write := func(addr uint64, data []byte) *mem.WriteReq {
		return mem.WriteReqBuilder{}.
			WithSrc(agent.port.AsRemote()).
			WithDst(memController.TopPort().AsRemote()).
			WithAddress(addr).
			WithData(data).
			Build()
	}

	read := func(addr, size uint64) *mem.ReadReq {
		return mem.ReadReqBuilder{}.
			WithSrc(agent.port.AsRemote()).
			WithDst(memController.TopPort().AsRemote()).
			WithAddress(addr).
			WithByteSize(size).
			Build()
	}

	It("should respond to a read after the latency", func() {
		Expect(memController.Storage.Write(0x40, []byte{1, 2, 3, 4})).
			To(Succeed())

		req := read(0x40, 4)
		agent.toSend = []sim.Msg{req}
		agent.TickLater()

		Expect(engine.Run()).To(Succeed())

		Expect(agent.rsps).To(HaveLen(1))
		rsp := agent.rsps[0].(*mem.DataReadyRsp)
		Expect(rsp.RespondTo).To(Equal(req.ID))
		Expect(rsp.Data).To(Equal([]byte{1, 2, 3, 4}))
		Expect(agent.rspTime[0]).To(BeNumerically(">=", 10e-9))
	})

	It("should write data and acknowledge", func() {
		req := write(0x100, []byte{9, 8, 7})
		agent.toSend = []sim.Msg{req}
		agent.TickLater()

		Expect(engine.Run()).To(Succeed())

		Expect(agent.rsps).To(HaveLen(1))
		Expect(agent.rsps[0].(*mem.WriteDoneRsp).RespondTo).To(Equal(req.ID))
		Expect(memController.Storage.Read(0x100, 3)).
			To(Equal([]byte{9, 8, 7}))
	})

	It("should apply the dirty mask", func() {
		Expect(memController.Storage.Write(0, []byte{1, 1, 1})).To(Succeed())

		req := write(0, []byte{5, 5, 5})
		req.DirtyMask = []bool{true, false, true}
		agent.toSend = []sim.Msg{req}
		agent.TickLater()

		Expect(engine.Run()).To(Succeed())
		Expect(memController.Storage.Read(0, 3)).To(Equal([]byte{5, 1, 5}))
	})

	It("should not acknowledge posted writes", func() {
		req := mem.WriteReqBuilder{}.
			WithSrc(agent.port.AsRemote()).
			WithDst(memController.TopPort().AsRemote()).
			WithAddress(0x200).
			WithData([]byte{42}).
			AsPosted().
			Build()
		agent.toSend = []sim.Msg{req}
		agent.TickLater()

		Expect(engine.Run()).To(Succeed())

		Expect(agent.rsps).To(BeEmpty())
		Expect(memController.Storage.Read(0x200, 1)).To(Equal([]byte{42}))
		Expect(memController.Stats()["writes"]).To(Equal(1.0))
	})

	It("should serve many requests", func() {
		for i := 0; i < 20; i++ {
			agent.toSend = append(agent.toSend,
				write(uint64(i*64), []byte{byte(i)}))
		}
		agent.TickLater()

		Expect(engine.Run()).To(Succeed())

		Expect(agent.rsps).To(HaveLen(20))
		Expect(memController.Stats()["bytes_written"]).To(Equal(20.0))
	})
})
