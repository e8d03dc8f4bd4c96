package simulation

import (
	"github.com/rs/xid"
	"github.com/sarchlab/gpuproxy/datarecording"
	"github.com/sarchlab/gpuproxy/monitoring"
	"github.com/sarchlab/gpuproxy/sim"
	"github.com/sarchlab/gpuproxy/tracing"
)

// Builder can be used to build a simulation.
type Builder struct {
	monitorOn      bool
	monitorPort    int
	openBrowser    bool
	recordOn       bool
	outputFileName string
}

// MakeBuilder creates a new builder.
func MakeBuilder() Builder {
	return Builder{
		monitorOn: true,
		recordOn:  true,
	}
}

// WithoutMonitoring sets the simulation to not use monitoring.
func (b Builder) WithoutMonitoring() Builder {
	b.monitorOn = false
	return b
}

// WithoutRecording sets the simulation to not write a trace database.
func (b Builder) WithoutRecording() Builder {
	b.recordOn = false
	return b
}

// WithOutputFileName sets the custom output file name for the data recorder.
// The ".sqlite3" suffix is appended.
func (b Builder) WithOutputFileName(filename string) Builder {
	b.outputFileName = filename
	return b
}

// WithMonitorPort sets the port number for the monitoring server.
func (b Builder) WithMonitorPort(port int) Builder {
	b.monitorPort = port
	return b
}

// WithBrowser opens the monitor page once the server starts.
func (b Builder) WithBrowser() Builder {
	b.openBrowser = true
	return b
}

func (b Builder) parametersMustBeValid() {
	if !b.monitorOn && (b.monitorPort != 0 || b.openBrowser) {
		panic("monitor options cannot be set when monitoring is disabled")
	}

	if !b.recordOn && b.outputFileName != "" {
		panic("output file cannot be set when recording is disabled")
	}
}

// Build builds the simulation. The monitoring server, if enabled, is not
// started until StartMonitor is called, so that components can be registered
// first.
func (b Builder) Build() *Simulation {
	b.parametersMustBeValid()

	s := &Simulation{
		id:            xid.New().String(),
		compNameIndex: make(map[string]int),
		portNameIndex: make(map[string]int),
	}

	s.engine = sim.NewSerialEngine()

	if b.recordOn {
		outputPath := b.outputFileName
		if outputPath == "" {
			outputPath = "gpuproxy_sim_" + s.id
		}

		s.dataRecorder = datarecording.New(outputPath)
		s.visTracer = tracing.NewDBTracer(s.engine, s.dataRecorder)
	}

	if b.monitorOn {
		s.monitor = monitoring.NewMonitor()
		if b.monitorPort > 0 {
			s.monitor.WithPortNumber(b.monitorPort)
		}

		if b.openBrowser {
			s.monitor.WithBrowser()
		}

		s.monitor.RegisterEngine(s.engine)
	}

	return s
}
