package callpacket

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Call kinds", func() {
	It("should list every kind once", func() {
		kinds := AllKinds()

		Expect(kinds).To(HaveLen(12))
		Expect(kinds[0]).To(Equal(RegisterFatBinary))
		Expect(kinds[len(kinds)-1]).To(Equal(ParamConfig))

		for _, k := range kinds {
			Expect(k.Valid()).To(BeTrue())
			Expect(k.String()).NotTo(HavePrefix("CallKind("))
		}
	})

	It("should only block on copies", func() {
		for _, k := range AllKinds() {
			Expect(k.Blocking()).To(Equal(k == Memcpy), k.String())
		}
	})

	It("should name unknown kinds", func() {
		Expect(CallKind(0).Valid()).To(BeFalse())
		Expect(CallKind(77).String()).To(Equal("CallKind(77)"))
	})
})

var _ = Describe("Classify", func() {
	DescribeTable("memcpy dispositions",
		func(simulated bool, dir Direction, want Disposition) {
			p := CallPacket{
				SimulatedMemory: simulated,
				Call:            MemcpyRequest{Direction: dir, Count: 64},
			}
			Expect(Classify(p)).To(Equal(want))
		},
		Entry("H2D from simulated memory", true, HostToDevice, AwaitDMA),
		Entry("D2H into simulated memory", true, DeviceToHost, AwaitDMA),
		Entry("D2D", true, DeviceToDevice, AwaitModel),
		Entry("H2H", true, HostToHost, AwaitModel),
		Entry("H2D from native memory", false, HostToDevice, AwaitModel),
		Entry("D2H into native memory", false, DeviceToHost, AwaitModel),
	)

	It("should complete non-blocking calls immediately", func() {
		calls := []Request{
			MallocRequest{}, FreeRequest{}, LaunchRequest{},
			ConfigureCallRequest{}, SetArgumentRequest{},
			GetLastErrorRequest{}, RegisterFatBinaryRequest{},
		}

		for _, c := range calls {
			Expect(Classify(CallPacket{SimulatedMemory: true, Call: c})).
				To(Equal(Immediate))
		}
	})
})
