// Package simulation bundles the engine with the services a run needs: the
// trace database, the task tracer, and the monitor.
package simulation

import (
	"github.com/sarchlab/gpuproxy/datarecording"
	"github.com/sarchlab/gpuproxy/monitoring"
	"github.com/sarchlab/gpuproxy/sim"
	"github.com/sarchlab/gpuproxy/tracing"
)

// A Simulation provides the service requires to define a simulation.
type Simulation struct {
	id     string
	engine sim.Engine

	dataRecorder datarecording.DataRecorder
	monitor      *monitoring.Monitor
	visTracer    *tracing.DBTracer

	components    []sim.Component
	compNameIndex map[string]int
	ports         []sim.Port
	portNameIndex map[string]int
}

// ID returns the unique ID of the simulation.
func (s *Simulation) ID() string {
	return s.id
}

// GetEngine returns the engine used in the simulation.
func (s *Simulation) GetEngine() sim.Engine {
	return s.engine
}

// GetDataRecorder returns the data recorder used in the simulation. It is nil
// if recording is disabled.
func (s *Simulation) GetDataRecorder() datarecording.DataRecorder {
	return s.dataRecorder
}

// GetMonitor returns the monitor used in the simulation. It is nil if
// monitoring is disabled.
func (s *Simulation) GetMonitor() *monitoring.Monitor {
	return s.monitor
}

// GetVisTracer returns the tracer used in the simulation. It is nil if
// recording is disabled.
func (s *Simulation) GetVisTracer() *tracing.DBTracer {
	return s.visTracer
}

// RegisterComponent registers a component with the simulation. Every task
// the component reports is traced into the database.
func (s *Simulation) RegisterComponent(c sim.Component) {
	compName := c.Name()
	if _, found := s.compNameIndex[compName]; found {
		panic("component " + compName + " already registered")
	}

	s.components = append(s.components, c)
	s.compNameIndex[compName] = len(s.components) - 1

	for _, p := range c.Ports() {
		s.registerPort(p)
	}

	if h, ok := c.(tracing.NamedHookable); ok && s.visTracer != nil {
		tracing.CollectTrace(h, s.visTracer)
	}

	if s.monitor != nil {
		s.monitor.RegisterComponent(c)
	}
}

func (s *Simulation) registerPort(p sim.Port) {
	portName := p.Name()
	if _, found := s.portNameIndex[portName]; found {
		panic("port " + portName + " already registered")
	}

	s.ports = append(s.ports, p)
	s.portNameIndex[portName] = len(s.ports) - 1
}

// Components returns all the registered components.
func (s *Simulation) Components() []sim.Component {
	return append([]sim.Component(nil), s.components...)
}

// GetComponentByName returns the component with the given name, or nil.
func (s *Simulation) GetComponentByName(name string) sim.Component {
	i, found := s.compNameIndex[name]
	if !found {
		return nil
	}

	return s.components[i]
}

// GetPortByName returns the port with the given name, or nil.
func (s *Simulation) GetPortByName(name string) sim.Port {
	i, found := s.portNameIndex[name]
	if !found {
		return nil
	}

	return s.ports[i]
}

// StartMonitor starts the monitoring server and returns its URL. It returns
// an empty string when monitoring is disabled.
func (s *Simulation) StartMonitor() string {
	if s.monitor == nil {
		return ""
	}

	return s.monitor.StartServer()
}

// Terminate stores unfinished tasks and closes the database.
func (s *Simulation) Terminate() {
	if s.visTracer != nil {
		s.visTracer.Terminate()
	}

	if s.dataRecorder != nil {
		s.dataRecorder.Close()
	}
}
