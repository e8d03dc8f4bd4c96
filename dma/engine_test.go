package dma_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/gpuproxy/dma"
	"github.com/sarchlab/gpuproxy/mem"
	"github.com/sarchlab/gpuproxy/sim"
	"github.com/sarchlab/gpuproxy/transaction"
	"go.uber.org/mock/gomock"
)

type storageNative struct {
	*mem.Storage
}

func (n storageNative) ReadNative(addr, size uint64) ([]byte, error) {
	return n.Read(addr, size)
}

func (n storageNative) WriteNative(addr uint64, data []byte) error {
	return n.Write(addr, data)
}

func pattern(size int, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = seed + byte(i)
	}

	return data
}

var _ = Describe("Engine", func() {
	var (
		mockCtrl *gomock.Controller
		port     *MockPort
		tracker  *transaction.Tracker
		native   storageNative
		engine   *dma.Engine
		sent     []sim.Msg
		canSend  bool
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		port = NewMockPort(mockCtrl)
		tracker = transaction.NewTracker(1, 8)
		native = storageNative{mem.NewStorage(1 * mem.MB)}
		sent = nil
		canSend = true

		port.EXPECT().AsRemote().Return(sim.RemotePort("Proxy.Mem")).AnyTimes()
		port.EXPECT().CanSend().DoAndReturn(func() bool {
			return canSend
		}).AnyTimes()
		port.EXPECT().Send(gomock.Any()).DoAndReturn(
			func(msg sim.Msg) *sim.SendError {
				sent = append(sent, msg)
				return nil
			}).AnyTimes()

		engine = dma.MakeBuilder().
			WithTracker(tracker).
			WithNativeMemory(native).
			WithPort(port).
			WithAddressMapper(&mem.SinglePortMapper{Port: "Memory.Top"}).
			WithNumSlots(2).
			Build("DMA")
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	tickUntilIdle := func() {
		for engine.Tick() {
		}
	}

	resolve := func(msg sim.Msg) *dma.StepContext {
		ctx, err := tracker.Resolve(msg.Meta().ID)
		Expect(err).NotTo(HaveOccurred())

		step, ok := ctx.(*dma.StepContext)
		Expect(ok).To(BeTrue())

		return step
	}

	It("should be idle with no jobs", func() {
		Expect(engine.Tick()).To(BeFalse())
		Expect(sent).To(BeEmpty())
	})

	It("should split a simulated-to-functional copy on line boundaries", func() {
		doneCount := 0
		job, err := engine.Admit(dma.JobSpec{
			Direction:   dma.SimulatedToFunctional,
			SimAddress:  0x1010,
			FuncAddress: 0x8000,
			Size:        200,
		}, func(j *dma.Job) { doneCount++ })
		Expect(err).NotTo(HaveOccurred())

		tickUntilIdle()

		Expect(sent).To(HaveLen(4))
		expected := []struct{ addr, size uint64 }{
			{0x1010, 48}, {0x1040, 64}, {0x1080, 64}, {0x10c0, 24},
		}
		for i, msg := range sent {
			read, ok := msg.(*mem.ReadReq)
			Expect(ok).To(BeTrue())
			Expect(read.Address).To(Equal(expected[i].addr))
			Expect(read.AccessByteSize).To(Equal(expected[i].size))
			Expect(read.Dst).To(Equal(sim.RemotePort("Memory.Top")))
			Expect(read.Src).To(Equal(sim.RemotePort("Proxy.Mem")))
		}

		Expect(job.Status).To(Equal(dma.Draining))
		Expect(job.InFlight).To(Equal(4))
		Expect(tracker.PendingByKind()[transaction.DMAStep]).To(Equal(4))

		source := pattern(200, 7)
		offset := 0
		for i, msg := range sent {
			step := resolve(msg)
			size := int(step.Size)
			Expect(engine.CompleteStep(step, source[offset:offset+size])).
				To(Succeed())
			offset += size

			if i < len(sent)-1 {
				Expect(doneCount).To(Equal(0))
			}
		}

		Expect(doneCount).To(Equal(1))
		Expect(job.Status).To(Equal(dma.Done))
		Expect(job.Offset).To(Equal(uint64(200)))
		Expect(job.StepsIssued).To(Equal(4))
		Expect(engine.LiveJobs()).To(BeEmpty())

		data, err := native.Read(0x8000, 200)
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal(source))

		stats := engine.Stats()
		Expect(stats.BytesMoved).To(Equal(uint64(200)))
		Expect(stats.JobsDone).To(Equal(uint64(1)))
		Expect(stats.LiveJobs).To(Equal(0))
	})

	It("should write native data into simulated memory", func() {
		source := pattern(130, 1)
		Expect(native.Write(0x4000, source)).To(Succeed())

		done := false
		_, err := engine.Admit(dma.JobSpec{
			Direction:   dma.FunctionalToSimulated,
			SimAddress:  0x2000,
			FuncAddress: 0x4000,
			Size:        130,
		}, func(*dma.Job) { done = true })
		Expect(err).NotTo(HaveOccurred())

		tickUntilIdle()

		Expect(sent).To(HaveLen(3))
		var written []byte
		for _, msg := range sent {
			write, ok := msg.(*mem.WriteReq)
			Expect(ok).To(BeTrue())
			Expect(write.Address).To(Equal(0x2000 + uint64(len(written))))
			written = append(written, write.Data...)
		}
		Expect(written).To(Equal(source))

		for _, msg := range sent {
			Expect(engine.CompleteStep(resolve(msg), nil)).To(Succeed())
		}
		Expect(done).To(BeTrue())
	})

	It("should reject overlapping jobs before issuing them", func() {
		_, err := engine.Admit(dma.JobSpec{
			SimAddress: 0x1000, FuncAddress: 0x8000, Size: 256,
		}, nil)
		Expect(err).NotTo(HaveOccurred())

		_, err = engine.Admit(dma.JobSpec{
			SimAddress: 0x9000, FuncAddress: 0x80f0, Size: 64,
		}, nil)
		Expect(err).To(MatchError(dma.ErrOverlap))

		_, err = engine.Admit(dma.JobSpec{
			SimAddress: 0x10ff, FuncAddress: 0xa000, Size: 1,
		}, nil)
		Expect(err).To(MatchError(dma.ErrOverlap))

		tickUntilIdle()

		Expect(engine.LiveJobs()).To(HaveLen(1))
		for _, msg := range sent {
			Expect(msg.(*mem.ReadReq).Address).To(BeNumerically("<", 0x1100))
		}
	})

	It("should accept adjacent jobs", func() {
		_, err := engine.Admit(dma.JobSpec{
			SimAddress: 0x1000, FuncAddress: 0x8000, Size: 64,
		}, nil)
		Expect(err).NotTo(HaveOccurred())

		_, err = engine.Admit(dma.JobSpec{
			SimAddress: 0x1040, FuncAddress: 0x8040, Size: 64,
		}, nil)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should complete zero-byte jobs on the next tick", func() {
		done := 0
		_, err := engine.Admit(dma.JobSpec{SimAddress: 0x1000, Size: 0},
			func(*dma.Job) { done++ })
		Expect(err).NotTo(HaveOccurred())
		Expect(done).To(Equal(0))

		Expect(engine.Tick()).To(BeTrue())
		Expect(done).To(Equal(1))
		Expect(sent).To(BeEmpty())
		Expect(engine.Tick()).To(BeFalse())
	})

	It("should cap the steps in flight per job", func() {
		engine = dma.MakeBuilder().
			WithTracker(tracker).
			WithNativeMemory(native).
			WithPort(port).
			WithAddressMapper(&mem.SinglePortMapper{Port: "Memory.Top"}).
			WithMaxInFlightPerJob(2).
			Build("DMA")

		_, err := engine.Admit(dma.JobSpec{
			SimAddress: 0x0, FuncAddress: 0x0, Size: 512,
		}, nil)
		Expect(err).NotTo(HaveOccurred())

		tickUntilIdle()
		Expect(sent).To(HaveLen(2))

		Expect(engine.CompleteStep(resolve(sent[0]), pattern(64, 0))).
			To(Succeed())
		tickUntilIdle()
		Expect(sent).To(HaveLen(3))
	})

	It("should not issue when the port is busy", func() {
		canSend = false
		_, err := engine.Admit(dma.JobSpec{Size: 64}, nil)
		Expect(err).NotTo(HaveOccurred())

		Expect(engine.Tick()).To(BeTrue())
		Expect(engine.Tick()).To(BeFalse())
		Expect(sent).To(BeEmpty())

		canSend = true
		Expect(engine.Tick()).To(BeTrue())
		Expect(sent).To(HaveLen(1))
	})

	It("should run at most one job per slot", func() {
		for i := uint64(0); i < 3; i++ {
			_, err := engine.Admit(dma.JobSpec{
				SimAddress: i * 0x100, FuncAddress: i * 0x100, Size: 64,
			}, nil)
			Expect(err).NotTo(HaveOccurred())
		}

		tickUntilIdle()
		Expect(sent).To(HaveLen(2))

		Expect(engine.CompleteStep(resolve(sent[0]), pattern(64, 0))).
			To(Succeed())
		tickUntilIdle()
		Expect(sent).To(HaveLen(3))
		Expect(sent[2].(*mem.ReadReq).Address).To(Equal(uint64(0x200)))
	})

	It("should reject data of the wrong size", func() {
		_, err := engine.Admit(dma.JobSpec{Size: 64}, nil)
		Expect(err).NotTo(HaveOccurred())
		tickUntilIdle()

		err = engine.CompleteStep(resolve(sent[0]), make([]byte, 10))
		Expect(err).To(MatchError(dma.ErrDataSize))
	})

	It("should reject steps of finished jobs", func() {
		_, err := engine.Admit(dma.JobSpec{Size: 64}, nil)
		Expect(err).NotTo(HaveOccurred())
		tickUntilIdle()

		step := resolve(sent[0])
		Expect(engine.CompleteStep(step, pattern(64, 0))).To(Succeed())
		Expect(engine.CompleteStep(step, pattern(64, 0))).
			To(MatchError(dma.ErrJobFinished))
	})
})
