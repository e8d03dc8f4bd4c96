package testcpu

import (
	"github.com/sarchlab/gpuproxy/functional"
	"github.com/sarchlab/gpuproxy/mem"
	"github.com/sarchlab/gpuproxy/proxy"
	"github.com/sarchlab/gpuproxy/sim"
	"go.uber.org/zap"
)

// A Builder can build test CPUs.
type Builder struct {
	engine          sim.Engine
	freq            sim.Freq
	logger          *zap.Logger
	mapper          mem.AddressToPortMapper
	native          NativeBuffers
	dumper          *Dumper
	ops             []Op
	fatBinary       string
	cmdRegister     uint64
	scratch         uint64
	slotBase        uint64
	heapBase        uint64
	heapSize        uint64
	simulatedMemory bool
	bufSize         int
}

// MakeBuilder returns a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		freq:            1 * sim.GHz,
		logger:          zap.NewNop(),
		cmdRegister:     proxy.DefaultCommandRegister,
		scratch:         0x1000,
		slotBase:        0x2000,
		heapBase:        0x10_0000,
		heapSize:        0x0E00_0000,
		simulatedMemory: true,
		bufSize:         4,
	}
}

// WithEngine sets the engine.
func (b Builder) WithEngine(engine sim.Engine) Builder {
	b.engine = engine
	return b
}

// WithFreq sets the frequency.
func (b Builder) WithFreq(freq sim.Freq) Builder {
	b.freq = freq
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(logger *zap.Logger) Builder {
	b.logger = logger
	return b
}

// WithAddressMapper sets how addresses map to the command register and to
// memory.
func (b Builder) WithAddressMapper(m mem.AddressToPortMapper) Builder {
	b.mapper = m
	return b
}

// WithNativeBuffers sets where the CPU keeps buffers that are not in
// simulated memory.
func (b Builder) WithNativeBuffers(n NativeBuffers) Builder {
	b.native = n
	return b
}

// WithDumper makes the CPU dump every device-to-host copy.
func (b Builder) WithDumper(d *Dumper) Builder {
	b.dumper = d
	return b
}

// WithTrace sets the operations to replay.
func (b Builder) WithTrace(ops []Op) Builder {
	b.ops = ops
	return b
}

// WithFatBinary sets the file name registered before the trace.
func (b Builder) WithFatBinary(fileName string) Builder {
	b.fatBinary = fileName
	return b
}

// WithCommandRegister sets the address of the proxy's command register.
func (b Builder) WithCommandRegister(addr uint64) Builder {
	b.cmdRegister = addr
	return b
}

// WithScratchAddress sets where call packets are written.
func (b Builder) WithScratchAddress(addr uint64) Builder {
	b.scratch = addr
	return b
}

// WithHeap sets the simulated memory range for copy buffers.
func (b Builder) WithHeap(base, size uint64) Builder {
	b.heapBase = base
	b.heapSize = size
	return b
}

// WithSimulatedMemory selects whether copy buffers live in simulated memory
// or in the model's native memory.
func (b Builder) WithSimulatedMemory(simulated bool) Builder {
	b.simulatedMemory = simulated
	return b
}

// Build creates a test CPU.
func (b Builder) Build(name string) *Comp {
	switch {
	case b.engine == nil:
		panic("test cpu needs an engine")
	case b.mapper == nil:
		panic("test cpu needs an address mapper")
	case !b.simulatedMemory && b.native == nil:
		panic("test cpu needs native buffers when not using simulated memory")
	}

	c := &Comp{
		mapper:          b.mapper,
		logger:          b.logger.Named(name),
		native:          b.native,
		dumper:          b.dumper,
		cmdRegister:     b.cmdRegister,
		scratch:         b.scratch,
		heap:            functional.NewAllocator(b.heapBase, b.heapSize, 64),
		simulatedMemory: b.simulatedMemory,
		fatBinary:       b.fatBinary,
		dptrs:           make(map[string]uint64),
		dptrSlots:       make(map[string]uint64),
		nextSlot:        b.slotBase,
		functions:       make(map[string]uint64),
	}

	c.TickingComponent = sim.NewTickingComponent(name, b.engine, b.freq, c)
	c.AddMiddleware(&cpuMiddleware{Comp: c})

	c.port = sim.NewPort(c, b.bufSize, b.bufSize, name+".Mem")
	c.AddPort("Mem", c.port)

	c.calls = []*hostCall{c.fatBinaryCall()}
	c.ops = b.ops

	return c
}
