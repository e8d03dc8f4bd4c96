package sim

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Buffer", func() {
	var buf Buffer

	BeforeEach(func() {
		buf = NewBuffer("Comp.Buf", 2)
	})

	It("should keep elements in order", func() {
		buf.Push("a")
		buf.Push("b")

		Expect(buf.Size()).To(Equal(2))
		Expect(buf.Peek()).To(Equal("a"))
		Expect(buf.Pop()).To(Equal("a"))
		Expect(buf.Pop()).To(Equal("b"))
		Expect(buf.Pop()).To(BeNil())
		Expect(buf.Peek()).To(BeNil())
	})

	It("should refuse to grow past its capacity", func() {
		Expect(buf.Capacity()).To(Equal(2))

		buf.Push(1)
		Expect(buf.CanPush()).To(BeTrue())

		buf.Push(2)
		Expect(buf.CanPush()).To(BeFalse())
		Expect(func() { buf.Push(3) }).To(Panic())

		buf.Pop()
		Expect(buf.CanPush()).To(BeTrue())
	})

	It("should drop everything on clear", func() {
		buf.Push(1)
		buf.Clear()

		Expect(buf.Size()).To(BeZero())
		Expect(buf.CanPush()).To(BeTrue())
	})

	It("should reject an invalid name", func() {
		Expect(func() { NewBuffer("comp.buf", 1) }).To(Panic())
	})
})
