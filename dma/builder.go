package dma

import (
	"github.com/sarchlab/gpuproxy/mem"
	"github.com/sarchlab/gpuproxy/transaction"
	"go.uber.org/zap"
)

// A Builder can build DMA engines.
type Builder struct {
	tracker     *transaction.Tracker
	native      NativeMemory
	port        Port
	mapper      mem.AddressToPortMapper
	numSlots    int
	stepSize    uint64
	maxInFlight int
	logger      *zap.Logger
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		numSlots:    1,
		stepSize:    mem.AlignmentGranularity,
		maxInFlight: 16,
		logger:      zap.NewNop(),
	}
}

// WithTracker sets the tracker that the steps are registered with.
func (b Builder) WithTracker(t *transaction.Tracker) Builder {
	b.tracker = t
	return b
}

// WithNativeMemory sets the memory of the functional model.
func (b Builder) WithNativeMemory(n NativeMemory) Builder {
	b.native = n
	return b
}

// WithPort sets the port that the steps are sent from.
func (b Builder) WithPort(p Port) Builder {
	b.port = p
	return b
}

// WithAddressMapper sets how simulated addresses map to memory ports.
func (b Builder) WithAddressMapper(m mem.AddressToPortMapper) Builder {
	b.mapper = m
	return b
}

// WithNumSlots sets the number of jobs that run at the same time.
func (b Builder) WithNumSlots(n int) Builder {
	b.numSlots = n
	return b
}

// WithStepSize sets the largest size of one step.
func (b Builder) WithStepSize(s uint64) Builder {
	b.stepSize = s
	return b
}

// WithMaxInFlightPerJob sets how many steps of a job can be in flight.
func (b Builder) WithMaxInFlightPerJob(n int) Builder {
	b.maxInFlight = n
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l *zap.Logger) Builder {
	b.logger = l
	return b
}

// Build creates the engine.
func (b Builder) Build(name string) *Engine {
	b.mustBeComplete()

	return &Engine{
		name:        name,
		tracker:     b.tracker,
		native:      b.native,
		port:        b.port,
		mapper:      b.mapper,
		stepSize:    b.stepSize,
		maxInFlight: b.maxInFlight,
		logger:      b.logger.Named(name),
		slots:       make([]*Job, b.numSlots),
	}
}

func (b Builder) mustBeComplete() {
	switch {
	case b.tracker == nil:
		panic("dma engine needs a tracker")
	case b.native == nil:
		panic("dma engine needs native memory")
	case b.port == nil:
		panic("dma engine needs a port")
	case b.mapper == nil:
		panic("dma engine needs an address mapper")
	case b.numSlots <= 0:
		panic("dma engine needs at least one slot")
	case b.stepSize == 0:
		panic("step size must be positive")
	case b.maxInFlight <= 0:
		panic("in-flight cap must be positive")
	}
}
