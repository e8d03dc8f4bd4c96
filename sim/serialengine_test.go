package sim

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("SerialEngine", func() {
	var (
		engine *SerialEngine
	)

	BeforeEach(func() {
		engine = NewSerialEngine()
	})

	It("should run events in time order", func() {
		handler := &recordingHandler{}
		evt1 := newTestEvent(4.0, handler)
		evt2 := newTestEvent(2.0, handler)
		evt3 := newTestEvent(3.0, handler)
		evt4 := newTestEvent(5.0, handler)

		handler.onEvent = func(e Event) {
			if e == Event(evt2) {
				engine.Schedule(evt3)
				engine.Schedule(evt4)
			}
		}

		engine.Schedule(evt1)
		engine.Schedule(evt2)

		Expect(engine.Run()).To(Succeed())
		Expect(handler.handled).To(Equal([]Event{evt2, evt3, evt1, evt4}))
		Expect(engine.CurrentTime()).To(Equal(VTimeInSec(5.0)))
	})

	It("should run secondary events after primary events", func() {
		handler := &recordingHandler{}
		evt1 := newTestEvent(2.0, handler)
		evt1.secondary = true
		evt2 := newTestEvent(2.0, handler)
		evt3 := newTestEvent(3.0, handler)

		engine.Schedule(evt1)
		engine.Schedule(evt2)
		engine.Schedule(evt3)

		Expect(engine.Run()).To(Succeed())
		Expect(handler.handled).To(Equal([]Event{evt2, evt1, evt3}))
	})

	It("should panic when scheduling into the past", func() {
		handler := &recordingHandler{}
		handler.onEvent = func(e Event) {
			engine.Schedule(newTestEvent(1.0, handler))
		}

		engine.Schedule(newTestEvent(2.0, handler))

		Expect(func() { _ = engine.Run() }).To(Panic())
	})

	It("should call simulation end handlers", func() {
		called := false
		engine.RegisterSimulationEndHandler(endHandlerFunc(
			func(now VTimeInSec) { called = true }))

		engine.Finished()

		Expect(called).To(BeTrue())
	})
})

type endHandlerFunc func(now VTimeInSec)

func (f endHandlerFunc) Handle(now VTimeInSec) {
	f(now)
}
