package simulation

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/gpuproxy/sim"
	"github.com/sarchlab/gpuproxy/tracing"
)

type sampleComponent struct {
	*sim.TickingComponent
}

func (c *sampleComponent) Tick() bool {
	return false
}

func newSampleComponent(engine sim.Engine, name string) *sampleComponent {
	c := &sampleComponent{}
	c.TickingComponent = sim.NewTickingComponent(name, engine, 1*sim.GHz, c)
	c.AddPort("Top", sim.NewPort(c, 1, 1, name+".TopPort"))

	return c
}

var _ = Describe("Simulation", func() {
	var (
		simulation *Simulation
		comp       *sampleComponent
	)

	BeforeEach(func() {
		simulation = MakeBuilder().
			WithoutMonitoring().
			WithoutRecording().
			Build()
		comp = newSampleComponent(simulation.GetEngine(), "Comp")
	})

	AfterEach(func() {
		simulation.Terminate()
	})

	It("should register a component", func() {
		simulation.RegisterComponent(comp)

		Expect(simulation.GetComponentByName("Comp")).To(BeIdenticalTo(comp))
		Expect(simulation.GetPortByName("Comp.TopPort")).
			To(BeIdenticalTo(comp.GetPortByName("Top")))
		Expect(simulation.GetComponentByName("Other")).To(BeNil())
	})

	It("should return all registered components", func() {
		simulation.RegisterComponent(comp)

		comps := simulation.Components()
		Expect(comps).To(HaveLen(1))
		Expect(comps[0]).To(BeIdenticalTo(comp))
	})

	It("should refuse duplicated names", func() {
		simulation.RegisterComponent(comp)

		Expect(func() {
			simulation.RegisterComponent(comp)
		}).To(Panic())
	})

	It("should not start a monitor when monitoring is off", func() {
		Expect(simulation.GetMonitor()).To(BeNil())
		Expect(simulation.StartMonitor()).To(BeEmpty())
	})

	It("should refuse monitor options without monitoring", func() {
		Expect(func() {
			MakeBuilder().WithoutMonitoring().WithMonitorPort(8080).Build()
		}).To(Panic())
	})

	Context("with recording", func() {
		var (
			recorded *Simulation
			path     string
		)

		BeforeEach(func() {
			path = filepath.Join(GinkgoT().TempDir(), "run")
			recorded = MakeBuilder().
				WithoutMonitoring().
				WithOutputFileName(path).
				Build()
		})

		It("should trace the tasks of registered components", func() {
			c := newSampleComponent(recorded.GetEngine(), "Traced")
			recorded.RegisterComponent(c)

			tracing.StartTask("t1", "", c, "call", "Malloc", nil)
			tracing.EndTask("t1", c)
			recorded.Terminate()

			Expect(recorded.GetDataRecorder().ListTables()).
				To(ContainElement("trace"))

			_, err := os.Stat(path + ".sqlite3")
			Expect(err).NotTo(HaveOccurred())
		})
	})
})
