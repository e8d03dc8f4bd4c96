package functional

import (
	"encoding/binary"
	"math"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/gpuproxy/callpacket"
	"github.com/sarchlab/gpuproxy/proxy"
	"github.com/sarchlab/gpuproxy/sim"
)

type hostReq struct {
	core  int
	token uint64
	addr  uint64
	write bool
}

// fakeHost answers every cache request on the next delivery.
type fakeHost struct {
	bound    int
	inFlight []int
	maxSeen  int
	pending  []hostReq
	issued   []hostReq
}

func newFakeHost(links, bound int) *fakeHost {
	return &fakeHost{bound: bound, inFlight: make([]int, links)}
}

func (h *fakeHost) NumCacheLinks() int {
	return len(h.inFlight)
}

func (h *fakeHost) CacheFull(core int) bool {
	return h.inFlight[core] >= h.bound
}

func (h *fakeHost) issue(r hostReq) error {
	if h.CacheFull(r.core) {
		return proxy.ErrCacheBusy
	}

	h.inFlight[r.core]++
	h.maxSeen = max(h.maxSeen, h.inFlight[r.core])
	h.pending = append(h.pending, r)
	h.issued = append(h.issued, r)

	return nil
}

func (h *fakeHost) IssueCacheRead(core int, addr, _, token uint64) error {
	return h.issue(hostReq{core: core, token: token, addr: addr})
}

func (h *fakeHost) IssueCacheWrite(
	core int,
	addr uint64,
	_ []byte,
	token uint64,
) error {
	return h.issue(hostReq{core: core, token: token, addr: addr, write: true})
}

func (h *fakeHost) CurrentTime() sim.VTimeInSec {
	return 0
}

func (h *fakeHost) deliver(m *Model) {
	pending := h.pending
	h.pending = nil

	for _, r := range pending {
		h.inFlight[r.core]--
		m.CacheReply(r.core, r.token, nil)
	}
}

func floatBytes(values ...float32) []byte {
	buf := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}

	return buf
}

func le64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)

	return buf
}

func le32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)

	return buf
}

var _ = Describe("Model", func() {
	var (
		model *Model
		host  *fakeHost
	)

	BeforeEach(func() {
		model = MakeBuilder().
			WithDeviceMemory(0x1000_0000, 16<<20).
			WithNativeMemory(0x1_0000, 16<<20).
			Build("GPU")
		host = newFakeHost(2, 2)
		model.Attach(host)
	})

	run := func() {
		for i := 0; i < 10000 && !model.Idle(); i++ {
			model.Tick()
			host.deliver(model)
		}

		Expect(model.Idle()).To(BeTrue())
	}

	toDevice := func(data []byte) uint64 {
		staging, err := model.AllocNative(uint64(len(data)))
		Expect(err).NotTo(HaveOccurred())
		Expect(model.WriteNative(staging, data)).To(Succeed())

		dev, code := model.Malloc(uint64(len(data)))
		Expect(code).To(Equal(callpacket.Success))

		model.Memcpy(dev, staging, uint64(len(data)),
			callpacket.HostToDevice, func(callpacket.ErrorCode) {})

		return dev
	}

	registerVectorAdd := func() {
		fatBin, code := model.RegisterFatBinary("vectorAdd.cubin")
		Expect(code).To(Equal(callpacket.Success))
		Expect(model.RegisterFunction(fatBin, 0, "_Z9vectorAddPKfS0_Pfi")).
			To(Equal(callpacket.Success))
	}

	It("should allocate aligned device memory", func() {
		a, code := model.Malloc(10)
		Expect(code).To(Equal(callpacket.Success))
		Expect(a).To(Equal(uint64(0x1000_0000)))

		b, _ := model.Malloc(10)
		Expect(b).To(Equal(uint64(0x1000_0100)))

		Expect(model.Free(a)).To(Equal(callpacket.Success))
		Expect(model.Stats().DeviceInUse).To(Equal(uint64(256)))
	})

	It("should report a bad free through the last error", func() {
		Expect(model.Free(0x1234)).
			To(Equal(callpacket.ErrorInvalidDevicePointer))
		Expect(model.GetLastError()).
			To(Equal(callpacket.ErrorInvalidDevicePointer))
		Expect(model.GetLastError()).To(Equal(callpacket.Success))
		Expect(model.Free(0)).To(Equal(callpacket.Success))
	})

	It("should run vector add and time its memory traffic", func() {
		registerVectorAdd()

		a := toDevice(floatBytes(1, 2, 3, 4, 5, 6, 7, 8))
		b := toDevice(floatBytes(10, 20, 30, 40, 50, 60, 70, 80))
		c, _ := model.Malloc(32)

		Expect(model.ConfigureCall(
			callpacket.Dim3{X: 1, Y: 1, Z: 1},
			callpacket.Dim3{X: 8, Y: 1, Z: 1}, 0, 0)).
			To(Equal(callpacket.Success))
		Expect(model.SetArgument(0, le64(a), 8, 0)).To(Equal(callpacket.Success))
		Expect(model.SetArgument(0, le64(b), 8, 8)).To(Equal(callpacket.Success))
		Expect(model.SetArgument(0, le64(c), 8, 16)).To(Equal(callpacket.Success))
		Expect(model.SetArgument(0, le32(8), 4, 24)).To(Equal(callpacket.Success))
		Expect(model.Launch(0)).To(Equal(callpacket.Success))

		run()

		out, err := model.Device().Read(c, 32)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal(floatBytes(11, 22, 33, 44, 55, 66, 77, 88)))

		stats := model.Stats()
		Expect(stats.Kernels).To(Equal(uint64(1)))
		Expect(stats.CacheWrites).To(Equal(uint64(3)))
		Expect(stats.CacheReads).To(Equal(uint64(2)))
		Expect(host.maxSeen).To(BeNumerically("<=", 2))
		Expect(model.GetLastError()).To(Equal(callpacket.Success))
	})

	It("should spread traffic over the links", func() {
		dev, _ := model.Malloc(1024)
		src, _ := model.AllocNative(1024)

		model.Memcpy(dev, src, 1024, callpacket.HostToDevice,
			func(callpacket.ErrorCode) {})
		run()

		perCore := make([]int, 2)
		for _, r := range host.issued {
			Expect(r.write).To(BeTrue())
			perCore[r.core]++
		}

		Expect(perCore).To(Equal([]int{8, 8}))
	})

	It("should complete a host-to-host copy on the next tick", func() {
		src, _ := model.AllocNative(16)
		dst, _ := model.AllocNative(16)
		Expect(model.WriteNative(src, []byte("sixteen bytes!!!"))).To(Succeed())

		var code *callpacket.ErrorCode
		model.Memcpy(dst, src, 16, callpacket.HostToHost,
			func(c callpacket.ErrorCode) { code = &c })

		Expect(code).To(BeNil())
		model.Tick()
		Expect(code).NotTo(BeNil())
		Expect(*code).To(Equal(callpacket.Success))
		Expect(host.issued).To(BeEmpty())

		data, _ := model.ReadNative(dst, 16)
		Expect(string(data)).To(Equal("sixteen bytes!!!"))
	})

	It("should fail a copy outside allocated memory", func() {
		src, _ := model.AllocNative(16)

		var code callpacket.ErrorCode
		model.Memcpy(0x1000_0000, src, 16, callpacket.HostToDevice,
			func(c callpacket.ErrorCode) { code = c })
		run()

		Expect(code).To(Equal(callpacket.ErrorInvalidValue))
		Expect(model.GetLastError()).To(Equal(callpacket.ErrorInvalidValue))
	})

	It("should run operations in order", func() {
		registerVectorAdd()

		a := toDevice(floatBytes(1, 1, 1, 1))
		native, _ := model.AllocNative(16)

		model.ConfigureCall(callpacket.Dim3{X: 1, Y: 1, Z: 1},
			callpacket.Dim3{X: 4, Y: 1, Z: 1}, 0, 0)
		model.SetArgument(0, le64(a), 8, 0)
		model.SetArgument(0, le64(a), 8, 8)
		model.SetArgument(0, le64(a), 8, 16)
		model.SetArgument(0, le32(4), 4, 24)
		Expect(model.Launch(0)).To(Equal(callpacket.Success))

		done := false
		model.Memcpy(native, a, 16, callpacket.DeviceToHost,
			func(callpacket.ErrorCode) { done = true })
		run()

		Expect(done).To(BeTrue())
		data, _ := model.ReadNative(native, 16)
		Expect(data).To(Equal(floatBytes(2, 2, 2, 2)))
	})

	It("should reject a launch that is not configured", func() {
		registerVectorAdd()

		Expect(model.SetArgument(0, le64(0), 8, 0)).
			To(Equal(callpacket.ErrorInvalidValue))
		Expect(model.Launch(0)).To(Equal(callpacket.ErrorInvalidValue))
		Expect(model.Launch(42)).
			To(Equal(callpacket.ErrorInvalidDeviceFunction))
	})

	It("should reject arguments outside the argument buffer", func() {
		registerVectorAdd()

		model.ConfigureCall(callpacket.Dim3{X: 1, Y: 1, Z: 1},
			callpacket.Dim3{X: 4, Y: 1, Z: 1}, 0, 0)

		Expect(model.SetArgument(0, le64(0), 8, ^uint64(0)-3)).
			To(Equal(callpacket.ErrorInvalidValue))
		Expect(model.SetArgument(0, le64(0), 8, 1<<40)).
			To(Equal(callpacket.ErrorInvalidValue))
		Expect(model.SetArgument(0, le64(0), 8, MaxArgumentBytes-4)).
			To(Equal(callpacket.ErrorInvalidValue))
		Expect(model.GetLastError()).To(Equal(callpacket.ErrorInvalidValue))

		Expect(model.SetArgument(0, le64(0), 8, MaxArgumentBytes-8)).
			To(Equal(callpacket.Success))
	})

	It("should reject a launch with missing arguments", func() {
		registerVectorAdd()

		model.ConfigureCall(callpacket.Dim3{X: 1, Y: 1, Z: 1},
			callpacket.Dim3{X: 4, Y: 1, Z: 1}, 0, 0)
		model.SetArgument(0, le64(0), 8, 0)

		Expect(model.Launch(0)).To(Equal(callpacket.ErrorInvalidValue))
	})

	It("should report a kernel fault as a launch failure", func() {
		registerVectorAdd()

		model.ConfigureCall(callpacket.Dim3{X: 1, Y: 1, Z: 1},
			callpacket.Dim3{X: 4, Y: 1, Z: 1}, 0, 0)
		model.SetArgument(0, le64(0), 8, 0)
		model.SetArgument(0, le64(0), 8, 8)
		model.SetArgument(0, le64(0), 8, 16)
		model.SetArgument(0, le32(math.MaxUint32), 4, 24)
		Expect(model.Launch(0)).To(Equal(callpacket.Success))

		run()

		Expect(model.GetLastError()).To(Equal(callpacket.ErrorLaunchFailure))
		Expect(model.Stats().FailedLaunch).To(Equal(uint64(1)))
	})

	It("should answer occupancy and parameter queries", func() {
		registerVectorAdd()

		n, code := model.MaxActiveBlocks(0, 256, 0, 0)
		Expect(code).To(Equal(callpacket.Success))
		Expect(n).To(Equal(int32(8)))

		n, _ = model.MaxActiveBlocks(0, 32, 0, 0)
		Expect(n).To(Equal(int32(32)))

		n, _ = model.MaxActiveBlocks(0, 32, 48*1024, 0)
		Expect(n).To(Equal(int32(2)))

		_, code = model.MaxActiveBlocks(0, 0, 0, 0)
		Expect(code).To(Equal(callpacket.ErrorInvalidValue))

		size, align, code := model.ParamConfig(0, 3)
		Expect(code).To(Equal(callpacket.Success))
		Expect(size).To(Equal(uint64(4)))
		Expect(align).To(Equal(uint64(4)))

		_, _, code = model.ParamConfig(0, 4)
		Expect(code).To(Equal(callpacket.ErrorInvalidValue))

		_, _, code = model.ParamConfig(7, 0)
		Expect(code).To(Equal(callpacket.ErrorInvalidDeviceFunction))
	})

	It("should register variables once", func() {
		fatBin, _ := model.RegisterFatBinary("app.cubin")
		req := callpacket.RegisterVarRequest{
			FatBinaryHandle: fatBin,
			DeviceName:      "counter",
			Size:            4,
		}

		Expect(model.RegisterVar(req)).To(Equal(callpacket.Success))
		first, found := model.VarAddress("counter")
		Expect(found).To(BeTrue())

		Expect(model.RegisterVar(req)).To(Equal(callpacket.Success))
		second, _ := model.VarAddress("counter")
		Expect(second).To(Equal(first))

		req.FatBinaryHandle = 99
		req.DeviceName = "other"
		Expect(model.RegisterVar(req)).To(Equal(callpacket.ErrorInvalidValue))
	})

	It("should use the fat binary override", func() {
		model = MakeBuilder().WithFatBinaryOverride("override.cubin").Build("GPU")

		handle, code := model.RegisterFatBinary("")
		Expect(code).To(Equal(callpacket.Success))
		Expect(handle).To(Equal(uint64(1)))
	})
})
