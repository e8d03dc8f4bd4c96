package monitoring

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/gpuproxy/sim"
)

type sampleStruct struct {
	field1 int
	field2 string
	field3 *sampleStruct
	field4 []sampleStruct
}

type sampleComponent struct {
	*sim.ComponentBase

	buffer sim.Buffer
}

func (c *sampleComponent) Handle(_ sim.Event) error {
	return nil
}

func (c *sampleComponent) NotifyRecv(_ sim.Port) {}

func (c *sampleComponent) NotifyPortFree(_ sim.Port) {}

func newSampleComponent() *sampleComponent {
	c := &sampleComponent{
		ComponentBase: sim.NewComponentBase("Comp"),
		buffer:        sim.NewBuffer("Comp.Buf", 10),
	}

	c.AddPort("Port1", sim.NewPort(c, 2, 2, "Comp.Port1"))

	return c
}

func get(h http.Handler, url string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))

	return rec
}

var _ = Describe("Monitor", func() {
	var (
		m *Monitor
	)

	BeforeEach(func() {
		m = NewMonitor()
	})

	It("should register components and internal buffers", func() {
		c := newSampleComponent()
		m.RegisterComponent(c)

		Expect(m.components).To(HaveLen(1))
		Expect(m.buffers).To(HaveLen(3))
	})

	It("should list components", func() {
		m.RegisterComponent(newSampleComponent())

		rec := get(m.Handler(), "/api/list_components")

		var names []string
		Expect(json.Unmarshal(rec.Body.Bytes(), &names)).To(Succeed())
		Expect(names).To(Equal([]string{"Comp"}))
	})

	It("should answer 404 for unknown components", func() {
		rec := get(m.Handler(), "/api/component/Nope")

		Expect(rec.Code).To(Equal(http.StatusNotFound))
	})

	It("should select the fullest buffers", func() {
		c := newSampleComponent()
		c.buffer.Push(1)
		c.buffer.Push(2)
		c.buffer.Push(3)
		m.RegisterComponent(c)

		rec := get(m.Handler(), "/api/hangdetector/buffers?sort=level&limit=1")

		var levels []bufferLevel
		Expect(json.Unmarshal(rec.Body.Bytes(), &levels)).To(Succeed())
		Expect(levels).To(Equal([]bufferLevel{{"Comp.Buf", 3, 10}}))
	})

	It("should reject bad buffer queries", func() {
		rec := get(m.Handler(), "/api/hangdetector/buffers?sort=name")

		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("should return every buffer when no limit is given", func() {
		m.RegisterComponent(newSampleComponent())

		Expect(m.sortAndSelectBuffers("percent", 0, 1)).To(HaveLen(2))
		Expect(m.sortAndSelectBuffers("percent", 0, 5)).To(BeEmpty())
	})

	It("should expose registered metrics", func() {
		calls := 0.0
		m.RegisterCounter("calls_total", "Calls.", func() float64 { return calls })
		calls = 7

		rec := get(m.Handler(), "/metrics")
		body, err := io.ReadAll(rec.Body)

		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(ContainSubstring("gpuproxy_calls_total 7"))
	})

	It("should walk int fields", func() {
		s := &sampleStruct{
			field1: 1,
		}

		elem, err := m.walkFields(s, "field1")

		Expect(err).To(BeNil())
		Expect(elem.Kind()).To(Equal(reflect.Int))
		Expect(elem.Int()).To(Equal(int64(1)))
	})

	It("should walk string fields", func() {
		s := &sampleStruct{
			field2: "abc",
		}

		elem, err := m.walkFields(s, "field2")

		Expect(err).To(BeNil())
		Expect(elem.Kind()).To(Equal(reflect.String))
		Expect(elem.String()).To(Equal("abc"))
	})

	It("should walk recursively", func() {
		s := &sampleStruct{
			field3: &sampleStruct{
				field1: 1,
			},
		}

		elem, err := m.walkFields(s, "field3.field1")

		Expect(err).To(BeNil())
		Expect(elem.Int()).To(Equal(int64(1)))
	})

	It("should walk slice recursively", func() {
		s := &sampleStruct{
			field4: []sampleStruct{{
				field4: []sampleStruct{
					{field1: 1},
				},
			}, {}},
		}

		elem, err := m.walkFields(s, "field4.0.field4.0.field1")

		Expect(err).To(BeNil())
		Expect(elem.Int()).To(Equal(int64(1)))
	})

	It("should report a bad slice index", func() {
		s := &sampleStruct{field4: []sampleStruct{{}}}

		_, err := m.walkFields(s, "field4.x")

		Expect(err).To(MatchError(fieldFormatError{}))
	})

	It("should track progress bars", func() {
		bar := m.CreateProgressBar("Calls", 10)
		bar.IncrementInProgress(2)
		bar.MoveInProgressToFinished(1)

		Expect(bar.Finished).To(Equal(uint64(1)))
		Expect(bar.InProgress).To(Equal(uint64(1)))
		Expect(bar.Done()).To(BeFalse())

		m.CompleteProgressBar(bar)
		Expect(m.progressBars).To(BeEmpty())
	})
})
