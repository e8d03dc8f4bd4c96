package proxy

import (
	"encoding/binary"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/gpuproxy/callpacket"
	"github.com/sarchlab/gpuproxy/mem"
	"github.com/sarchlab/gpuproxy/mem/idealmemcontroller"
	"github.com/sarchlab/gpuproxy/sim"
	"github.com/sarchlab/gpuproxy/sim/directconnection"
)

type cpuAgent struct {
	*sim.TickingComponent

	port    sim.Port
	toSend  []sim.Msg
	rsps    []sim.Msg
	rspTime []sim.VTimeInSec
}

func newCPUAgent(engine sim.Engine, name string) *cpuAgent {
	a := &cpuAgent{}
	a.TickingComponent = sim.NewTickingComponent(name, engine, 1*sim.GHz, a)
	a.port = sim.NewPort(a, 16, 16, name+".Port")
	a.AddPort("Port", a.port)

	return a
}

func (a *cpuAgent) Tick() bool {
	madeProgress := false

	for {
		msg := a.port.RetrieveIncoming()
		if msg == nil {
			break
		}

		a.rsps = append(a.rsps, msg)
		a.rspTime = append(a.rspTime, a.CurrentTime())
		madeProgress = true
	}

	for len(a.toSend) > 0 {
		if a.port.Send(a.toSend[0]) != nil {
			break
		}

		a.toSend = a.toSend[1:]
		madeProgress = true
	}

	return madeProgress
}

func (a *cpuAgent) send(msg sim.Msg) {
	a.toSend = append(a.toSend, msg)
	a.TickLater()
}

// rspTo returns the response to a request and when it arrived.
func (a *cpuAgent) rspTo(id string) (sim.Msg, sim.VTimeInSec, bool) {
	for i, msg := range a.rsps {
		switch rsp := msg.(type) {
		case *mem.WriteDoneRsp:
			if rsp.RespondTo == id {
				return msg, a.rspTime[i], true
			}
		case *mem.DataReadyRsp:
			if rsp.RespondTo == id {
				return msg, a.rspTime[i], true
			}
		}
	}

	return nil, 0, false
}

type timedMsg struct {
	msg  sim.Msg
	time sim.VTimeInSec
}

// portRecorder records what a port sends and receives.
type portRecorder struct {
	engine sim.Engine
	sent   []timedMsg
	recvd  []timedMsg
}

func (r *portRecorder) Func(ctx sim.HookCtx) {
	msg, ok := ctx.Item.(sim.Msg)
	if !ok {
		return
	}

	entry := timedMsg{msg: msg, time: r.engine.CurrentTime()}

	switch ctx.Pos {
	case sim.HookPosPortMsgSend:
		r.sent = append(r.sent, entry)
	case sim.HookPosPortMsgRecvd:
		r.recvd = append(r.recvd, entry)
	}
}

type callRecorder struct {
	records []CallRecord
}

func (r *callRecorder) Func(ctx sim.HookCtx) {
	if ctx.Pos == HookPosCallDone {
		r.records = append(r.records, ctx.Item.(CallRecord))
	}
}

func pattern(size int, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = seed + byte(i)
	}

	return data
}

var _ = Describe("Proxy", func() {
	var (
		engine    *sim.SerialEngine
		cpuMem    *idealmemcontroller.Comp
		gpuMem    *idealmemcontroller.Comp
		model     *stubModel
		proxyComp *Comp
		cpu0      *cpuAgent
		cpu1      *cpuAgent
		memRec    *portRecorder
	)

	BeforeEach(func() {
		engine = sim.NewSerialEngine()
		cpuMem = idealmemcontroller.MakeBuilder().
			WithEngine(engine).
			WithNewStorage(1 * mem.GB).
			WithLatency(10).
			Build("CPUMem")
		gpuMem = idealmemcontroller.MakeBuilder().
			WithEngine(engine).
			WithNewStorage(16 * mem.MB).
			WithLatency(20).
			Build("GPUMem")
		model = newStubModel()

		proxyComp = MakeBuilder().
			WithEngine(engine).
			WithModel(model).
			WithNumCPUCores(2).
			WithMaxCacheTransactions(2).
			WithMemoryMapper(&mem.SinglePortMapper{
				Port: cpuMem.TopPort().AsRemote(),
			}).
			WithGPUMemoryMapper(&mem.SinglePortMapper{
				Port: gpuMem.TopPort().AsRemote(),
			}).
			Build("Proxy")

		cpu0 = newCPUAgent(engine, "CPU0")
		cpu1 = newCPUAgent(engine, "CPU1")

		conn := directconnection.MakeBuilder().
			WithEngine(engine).
			Build("Conn")
		conn.PlugIn(cpu0.port)
		conn.PlugIn(cpu1.port)
		conn.PlugIn(cpuMem.TopPort())
		conn.PlugIn(proxyComp.MMIOPort())
		conn.PlugIn(proxyComp.MemPort())

		gpuConn := directconnection.MakeBuilder().
			WithEngine(engine).
			Build("GPUConn")
		gpuConn.PlugIn(proxyComp.GPUCachePort(0))
		gpuConn.PlugIn(gpuMem.TopPort())

		memRec = &portRecorder{engine: engine}
		proxyComp.MemPort().AcceptHook(memRec)
	})

	placePacket := func(addr uint64, p callpacket.CallPacket) {
		buf, err := callpacket.Encode(p)
		Expect(err).NotTo(HaveOccurred())
		Expect(cpuMem.Storage.Write(addr, buf)).To(Succeed())
	}

	commandWrite := func(cpu *cpuAgent, packetAddr uint64) mem.WriteReqBuilder {
		data := make([]byte, 8)
		binary.LittleEndian.PutUint64(data, packetAddr)

		return mem.WriteReqBuilder{}.
			WithSrc(cpu.port.AsRemote()).
			WithDst(proxyComp.MMIOPort().AsRemote()).
			WithAddress(DefaultCommandRegister).
			WithData(data)
	}

	issue := func(
		cpu *cpuAgent,
		packetAddr uint64,
		p callpacket.CallPacket,
	) *mem.WriteReq {
		placePacket(packetAddr, p)
		req := commandWrite(cpu, packetAddr).Build()
		cpu.send(req)

		return req
	}

	readRegister := func(cpu *cpuAgent) *mem.ReadReq {
		req := mem.ReadReqBuilder{}.
			WithSrc(cpu.port.AsRemote()).
			WithDst(proxyComp.MMIOPort().AsRemote()).
			WithAddress(DefaultCommandRegister).
			WithByteSize(8).
			Build()
		cpu.send(req)

		return req
	}

	returnPacket := func(core int) callpacket.ReturnPacket {
		buf, err := cpuMem.Storage.Read(
			proxyComp.ReturnPacketAddress(core), callpacket.ReturnSize)
		Expect(err).NotTo(HaveOccurred())

		ret, err := callpacket.DecodeReturn(buf)
		Expect(err).NotTo(HaveOccurred())

		return ret
	}

	returnWrites := func(core int) []timedMsg {
		var writes []timedMsg

		for _, e := range memRec.sent {
			w, ok := e.msg.(*mem.WriteReq)
			if ok && w.Address == proxyComp.ReturnPacketAddress(core) {
				writes = append(writes, e)
			}
		}

		return writes
	}

	decodeWrite := func(e timedMsg) callpacket.ReturnPacket {
		ret, err := callpacket.DecodeReturn(e.msg.(*mem.WriteReq).Data)
		Expect(err).NotTo(HaveOccurred())

		return ret
	}

	It("should serve an immediate call and acknowledge it", func() {
		calls := &callRecorder{}
		proxyComp.AcceptHook(calls)

		trigger := issue(cpu0, 0x2000, callpacket.CallPacket{
			Call: callpacket.MallocRequest{DevPtr: 0x4000, Size: 100},
		})

		Expect(engine.Run()).To(Succeed())

		_, _, acked := cpu0.rspTo(trigger.ID)
		Expect(acked).To(BeTrue())
		Expect(returnPacket(0)).To(Equal(callpacket.ReturnPacket{
			Error: callpacket.Success,
			Done:  true,
			Result: callpacket.MallocResult{
				Address:       0x100000,
				DevPtrAddress: 0x4000,
			},
		}))

		Expect(calls.records).To(HaveLen(1))
		Expect(calls.records[0].ID).To(Equal(trigger.ID))
		Expect(calls.records[0].Kind).To(Equal(callpacket.Malloc))
		Expect(calls.records[0].CPUCore).To(Equal(0))
		Expect(calls.records[0].EndTime).
			To(BeNumerically(">", calls.records[0].StartTime))

		_, busy := proxyComp.CallState(0)
		Expect(busy).To(BeFalse())
		Expect(proxyComp.Stats().Calls[callpacket.Malloc].Count).
			To(Equal(uint64(1)))
		Expect(proxyComp.Tracker().Pending()).To(Equal(0))
	})

	It("should return the error code of a failed call", func() {
		trigger := issue(cpu0, 0x2000, callpacket.CallPacket{
			Call: callpacket.FreeRequest{Address: 0xdead00},
		})

		Expect(engine.Run()).To(Succeed())

		_, _, acked := cpu0.rspTo(trigger.ID)
		Expect(acked).To(BeTrue())

		ret := returnPacket(0)
		Expect(ret.Error).To(Equal(callpacket.ErrorInvalidDevicePointer))
		Expect(ret.Done).To(BeTrue())
		Expect(proxyComp.Stats().Calls[callpacket.Free].Errors).
			To(Equal(uint64(1)))
	})

	It("should answer the register read with the return packet address", func() {
		trigger := issue(cpu0, 0x2000, callpacket.CallPacket{
			Call: callpacket.GetLastErrorRequest{},
		})
		read := readRegister(cpu0)

		Expect(engine.Run()).To(Succeed())

		_, _, acked := cpu0.rspTo(trigger.ID)
		Expect(acked).To(BeTrue())

		rsp, readTime, answered := cpu0.rspTo(read.ID)
		Expect(answered).To(BeTrue())
		Expect(binary.LittleEndian.Uint64(rsp.(*mem.DataReadyRsp).Data)).
			To(Equal(proxyComp.ReturnPacketAddress(0)))

		var writtenAt sim.VTimeInSec
		for _, e := range memRec.recvd {
			if _, ok := e.msg.(*mem.WriteDoneRsp); ok {
				writtenAt = e.time
			}
		}
		Expect(readTime).To(BeNumerically(">=", writtenAt))
	})

	It("should not acknowledge a posted command write", func() {
		trigger := commandWrite(cpu0, 0x2000).AsPosted().Build()
		placePacket(0x2000, callpacket.CallPacket{
			Call: callpacket.MallocRequest{DevPtr: 0x4000, Size: 64},
		})
		cpu0.send(trigger)

		Expect(engine.Run()).To(Succeed())

		_, _, acked := cpu0.rspTo(trigger.ID)
		Expect(acked).To(BeFalse())
		Expect(returnPacket(0).Done).To(BeTrue())
	})

	It("should hold a register read until the return packet of the new call is written",
		func() {
			first := commandWrite(cpu0, 0x2000).AsPosted().Build()
			placePacket(0x2000, callpacket.CallPacket{
				Call: callpacket.MallocRequest{DevPtr: 0x4000, Size: 64},
			})
			cpu0.send(first)
			Expect(engine.Run()).To(Succeed())
			Expect(returnWrites(0)).To(HaveLen(1))

			second := commandWrite(cpu0, 0x2100).AsPosted().Build()
			placePacket(0x2100, callpacket.CallPacket{
				Call: callpacket.MallocRequest{DevPtr: 0x4008, Size: 64},
			})
			cpu0.send(second)
			read := readRegister(cpu0)
			Expect(engine.Run()).To(Succeed())

			writes := returnWrites(0)
			Expect(writes).To(HaveLen(2))

			_, readTime, answered := cpu0.rspTo(read.ID)
			Expect(answered).To(BeTrue())
			Expect(readTime).To(BeNumerically(">", writes[1].time))
			Expect(returnPacket(0).Result).To(Equal(callpacket.MallocResult{
				Address:       0x100100,
				DevPtrAddress: 0x4008,
			}))
		})

	It("should copy from simulated memory to the device in aligned steps",
		func() {
			data := pattern(200, 7)
			Expect(cpuMem.Storage.Write(0x1010, data)).To(Succeed())
			devAddr, _ := model.Malloc(256)

			trigger := issue(cpu0, 0x2000, callpacket.CallPacket{
				SimulatedMemory: true,
				Call: callpacket.MemcpyRequest{
					Dst:       devAddr,
					Src:       0x1010,
					Count:     200,
					Direction: callpacket.HostToDevice,
					Payload:   0x1010,
				},
			})

			Expect(engine.Run()).To(Succeed())

			var (
				stepSizes  []uint64
				stepIDs    = make(map[string]bool)
				lastStepAt sim.VTimeInSec
			)

			for _, e := range memRec.sent {
				r, ok := e.msg.(*mem.ReadReq)
				if ok && r.Address >= 0x1010 && r.Address < 0x1010+200 {
					stepSizes = append(stepSizes, r.AccessByteSize)
					stepIDs[r.ID] = true
				}
			}

			for _, e := range memRec.recvd {
				rsp, ok := e.msg.(*mem.DataReadyRsp)
				if ok && stepIDs[rsp.RespondTo] {
					lastStepAt = e.time
				}
			}

			Expect(stepSizes).To(Equal([]uint64{48, 64, 64, 24}))

			writes := returnWrites(0)
			Expect(writes).To(HaveLen(2))
			Expect(decodeWrite(writes[0]).Done).To(BeFalse())
			Expect(decodeWrite(writes[1]).Done).To(BeTrue())
			Expect(writes[1].time).To(BeNumerically(">", lastStepAt))

			_, ackAt, acked := cpu0.rspTo(trigger.ID)
			Expect(acked).To(BeTrue())
			Expect(ackAt).To(BeNumerically(">", writes[1].time))

			Expect(returnPacket(0)).To(Equal(callpacket.ReturnPacket{
				Error: callpacket.Success,
				Done:  true,
				Result: callpacket.MemcpyResult{
					Direction: callpacket.HostToDevice,
					Size:      200,
					SimData:   0x1010,
					RealData:  0x1010,
				},
			}))

			onDevice, err := model.device.Read(devAddr, 200)
			Expect(err).NotTo(HaveOccurred())
			Expect(onDevice).To(Equal(data))
			Expect(model.liveNative).To(BeEmpty())

			stats := proxyComp.Stats()
			Expect(stats.DMA.JobsDone).To(Equal(uint64(1)))
			Expect(stats.DMA.BytesMoved).To(Equal(uint64(200)))
			Expect(stats.ReturnWrites).To(Equal(uint64(2)))
		})

	It("should copy from the device to simulated memory", func() {
		data := pattern(100, 3)
		devAddr, _ := model.Malloc(128)
		Expect(model.device.Write(devAddr, data)).To(Succeed())

		trigger := issue(cpu0, 0x2000, callpacket.CallPacket{
			SimulatedMemory: true,
			Call: callpacket.MemcpyRequest{
				Src:       devAddr,
				Count:     100,
				Direction: callpacket.DeviceToHost,
				Payload:   0x3000,
			},
		})

		Expect(engine.Run()).To(Succeed())

		_, _, acked := cpu0.rspTo(trigger.ID)
		Expect(acked).To(BeTrue())

		inMemory, err := cpuMem.Storage.Read(0x3000, 100)
		Expect(err).NotTo(HaveOccurred())
		Expect(inMemory).To(Equal(data))

		ret := returnPacket(0)
		Expect(ret.Done).To(BeTrue())
		Expect(ret.Result).To(Equal(callpacket.MemcpyResult{
			Direction: callpacket.DeviceToHost,
			Size:      100,
			SimData:   0x3000,
			RealData:  devAddr,
		}))
		Expect(model.liveNative).To(BeEmpty())
	})

	It("should wait for the model on a copy outside simulated memory", func() {
		data := pattern(64, 1)
		src, _ := model.Malloc(64)
		dst, _ := model.Malloc(64)
		Expect(model.device.Write(src, data)).To(Succeed())
		model.copyDelay = 50

		trigger := issue(cpu0, 0x2000, callpacket.CallPacket{
			Call: callpacket.MemcpyRequest{
				Dst:       dst,
				Src:       src,
				Count:     64,
				Direction: callpacket.DeviceToDevice,
			},
		})

		Expect(engine.Run()).To(Succeed())

		writes := returnWrites(0)
		Expect(writes).To(HaveLen(2))
		Expect(decodeWrite(writes[0]).Done).To(BeFalse())
		Expect(decodeWrite(writes[1]).Done).To(BeTrue())
		Expect(writes[1].time - writes[0].time).
			To(BeNumerically(">=", sim.VTimeInSec(49e-9)))

		_, _, acked := cpu0.rspTo(trigger.ID)
		Expect(acked).To(BeTrue())
		Expect(proxyComp.Stats().DMA.JobsAdmitted).To(BeZero())

		copied, err := model.device.Read(dst, 64)
		Expect(err).NotTo(HaveOccurred())
		Expect(copied).To(Equal(data))
	})

	for _, dir := range []callpacket.Direction{
		callpacket.HostToDevice, callpacket.DeviceToHost,
	} {
		dir := dir

		It("should complete an empty "+dir.String()+" copy through the DMA path",
			func() {
				trigger := issue(cpu0, 0x2000, callpacket.CallPacket{
					SimulatedMemory: true,
					Call: callpacket.MemcpyRequest{
						Dst:       0x100000,
						Src:       0x100000,
						Count:     0,
						Direction: dir,
						Payload:   0x3000,
					},
				})

				Expect(engine.Run()).To(Succeed())

				_, _, acked := cpu0.rspTo(trigger.ID)
				Expect(acked).To(BeTrue())

				ret := returnPacket(0)
				Expect(ret.Error).To(Equal(callpacket.Success))
				Expect(ret.Done).To(BeTrue())
				Expect(proxyComp.Stats().DMA.JobsDone).To(Equal(uint64(1)))
				Expect(model.liveNative).To(BeEmpty())
			})
	}

	It("should report a failed staging allocation", func() {
		model.failStaging = true

		trigger := issue(cpu0, 0x2000, callpacket.CallPacket{
			SimulatedMemory: true,
			Call: callpacket.MemcpyRequest{
				Dst:       0x100000,
				Count:     64,
				Direction: callpacket.HostToDevice,
				Payload:   0x1000,
			},
		})

		Expect(engine.Run()).To(Succeed())

		_, _, acked := cpu0.rspTo(trigger.ID)
		Expect(acked).To(BeTrue())
		Expect(returnPacket(0).Error).
			To(Equal(callpacket.ErrorMemoryAllocation))
		Expect(returnPacket(0).Done).To(BeTrue())
	})

	It("should keep the calls of two cpu cores apart", func() {
		t0 := issue(cpu0, 0x2000, callpacket.CallPacket{
			Call: callpacket.MallocRequest{DevPtr: 0x4000, Size: 64},
		})
		t1 := issue(cpu1, 0x2200, callpacket.CallPacket{
			Call: callpacket.MaxActiveBlocksRequest{BlockSize: 128},
		})

		Expect(engine.Run()).To(Succeed())

		_, _, acked0 := cpu0.rspTo(t0.ID)
		_, _, acked1 := cpu1.rspTo(t1.ID)
		Expect(acked0).To(BeTrue())
		Expect(acked1).To(BeTrue())

		Expect(returnPacket(0).Kind()).To(Equal(callpacket.Malloc))
		Expect(returnPacket(1).Result).
			To(Equal(callpacket.MaxActiveBlocksResult{NumBlocks: 8}))
	})

	It("should bound the cache traffic of a core", func() {
		lines := pattern(640, 9)
		Expect(gpuMem.Storage.Write(0x100000, lines)).To(Succeed())

		issue(cpu0, 0x2000, callpacket.CallPacket{
			Call: callpacket.LaunchRequest{HostFunction: 1},
		})

		Expect(engine.Run()).To(Succeed())

		Expect(model.cacheReplies).To(HaveLen(10))
		for i := uint64(0); i < 10; i++ {
			Expect(model.cacheReplies[0x100000+i*64]).
				To(Equal(lines[i*64 : (i+1)*64]))
		}

		Expect(model.maxInFlight).To(Equal(2))
		Expect(proxyComp.Stats().CacheReads).To(Equal(uint64(10)))
		Expect(proxyComp.Tracker().CoreInFlight(0)).To(Equal(0))
		Expect(proxyComp.Tracker().Pending()).To(Equal(0))
	})

	It("should panic on a packet of unknown kind", func() {
		cpu0.send(commandWrite(cpu0, 0x2000).Build())

		Expect(func() { _ = engine.Run() }).To(Panic())
	})

	It("should panic if a core issues a call while one is pending", func() {
		model.copyDelay = 100
		src, _ := model.Malloc(64)
		dst, _ := model.Malloc(64)

		issue(cpu0, 0x2000, callpacket.CallPacket{
			Call: callpacket.MemcpyRequest{
				Dst:       dst,
				Src:       src,
				Count:     64,
				Direction: callpacket.DeviceToDevice,
			},
		})
		cpu0.send(commandWrite(cpu0, 0x2000).Build())

		Expect(func() { _ = engine.Run() }).To(Panic())
	})

	It("should panic when two copies overlap in simulated memory", func() {
		devAddr, _ := model.Malloc(512)

		for i, cpu := range []*cpuAgent{cpu0, cpu1} {
			issue(cpu, 0x2000+uint64(i)*0x200, callpacket.CallPacket{
				SimulatedMemory: true,
				Call: callpacket.MemcpyRequest{
					Dst:       devAddr,
					Src:       0x1000,
					Count:     256,
					Direction: callpacket.HostToDevice,
					Payload:   0x1000,
				},
			})
		}

		Expect(func() { _ = engine.Run() }).To(Panic())
	})

	It("should panic on an access outside the command register", func() {
		req := commandWrite(cpu0, 0x2000).
			WithAddress(DefaultCommandRegister + 8).
			Build()
		cpu0.send(req)

		Expect(func() { _ = engine.Run() }).To(Panic())
	})
})

var _ = Describe("Builder", func() {
	It("should refuse to build without a model", func() {
		Expect(func() {
			MakeBuilder().
				WithEngine(sim.NewSerialEngine()).
				WithMemoryMapper(&mem.SinglePortMapper{Port: "Mem"}).
				WithGPUMemoryMapper(&mem.SinglePortMapper{Port: "GPUMem"}).
				Build("Proxy")
		}).To(Panic())
	})

	It("should place the return packets of the cores side by side", func() {
		p := MakeBuilder().
			WithEngine(sim.NewSerialEngine()).
			WithModel(newStubModel()).
			WithNumCPUCores(4).
			WithNumGPUCores(3).
			WithReturnPacketBase(0x8000).
			WithMemoryMapper(&mem.SinglePortMapper{Port: "Mem"}).
			WithGPUMemoryMapper(&mem.SinglePortMapper{Port: "GPUMem"}).
			Build("Proxy")

		Expect(p.ReturnPacketAddress(0)).To(Equal(uint64(0x8000)))
		Expect(p.ReturnPacketAddress(3)).
			To(Equal(uint64(0x8000 + 3*callpacket.ReturnSize)))
		Expect(p.NumGPUCachePorts()).To(Equal(3))
		Expect(p.Tracker().NumCores()).To(Equal(3))
		Expect(p.CommandRegister()).To(Equal(mem.AddressRange{
			Start: DefaultCommandRegister,
			Size:  8,
		}))
	})
})
