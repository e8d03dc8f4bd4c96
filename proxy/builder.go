package proxy

import (
	"fmt"

	"github.com/sarchlab/gpuproxy/callpacket"
	"github.com/sarchlab/gpuproxy/dma"
	"github.com/sarchlab/gpuproxy/mem"
	"github.com/sarchlab/gpuproxy/sim"
	"github.com/sarchlab/gpuproxy/transaction"
	"go.uber.org/zap"
)

// DefaultCommandRegister is where the command register is mapped unless
// configured otherwise.
const DefaultCommandRegister uint64 = 0xFFFF_1000

// A Builder can build command proxies.
type Builder struct {
	engine sim.Engine
	freq   sim.Freq
	model  FunctionalModel
	logger *zap.Logger

	cmdRegister    mem.AddressRange
	returnBase     uint64
	numCPUCores    int
	numGPUCores    int
	maxCacheTrans  int
	memMapper      mem.AddressToPortMapper
	gpuMemMapper   mem.AddressToPortMapper
	dmaSlots       int
	dmaStepSize    uint64
	dmaMaxInFlight int
	bufSize        int
}

// MakeBuilder returns a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		freq:   1 * sim.GHz,
		logger: zap.NewNop(),
		cmdRegister: mem.AddressRange{
			Start: DefaultCommandRegister,
			Size:  8,
		},
		returnBase:     0x0F00_0000,
		numCPUCores:    1,
		numGPUCores:    1,
		maxCacheTrans:  512,
		dmaSlots:       1,
		dmaStepSize:    mem.AlignmentGranularity,
		dmaMaxInFlight: 16,
		bufSize:        64,
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

// WithModel sets the functional model that executes the calls.
func (b Builder) WithModel(model FunctionalModel) Builder {
	b.model = model
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(logger *zap.Logger) Builder {
	b.logger = logger
	return b
}

// WithCommandRegister sets the address and size of the command register.
func (b Builder) WithCommandRegister(addr, size uint64) Builder {
	b.cmdRegister = mem.AddressRange{Start: addr, Size: size}
	return b
}

// WithReturnPacketBase sets where the return packets are written. Each CPU
// core owns one packet-sized slot from the base.
func (b Builder) WithReturnPacketBase(addr uint64) Builder {
	b.returnBase = addr
	return b
}

// WithNumCPUCores sets how many CPU cores may issue calls.
func (b Builder) WithNumCPUCores(n int) Builder {
	b.numCPUCores = n
	return b
}

// WithNumGPUCores sets the number of GPU cache links.
func (b Builder) WithNumGPUCores(n int) Builder {
	b.numGPUCores = n
	return b
}

// WithMaxCacheTransactions sets the in-flight bound of each cache link.
func (b Builder) WithMaxCacheTransactions(n int) Builder {
	b.maxCacheTrans = n
	return b
}

// WithMemoryMapper sets how simulated addresses map to memory ports.
func (b Builder) WithMemoryMapper(m mem.AddressToPortMapper) Builder {
	b.memMapper = m
	return b
}

// WithGPUMemoryMapper sets how device addresses map to GPU memory ports.
func (b Builder) WithGPUMemoryMapper(m mem.AddressToPortMapper) Builder {
	b.gpuMemMapper = m
	return b
}

// WithDMASlots sets the number of DMA jobs that run at the same time.
func (b Builder) WithDMASlots(n int) Builder {
	b.dmaSlots = n
	return b
}

// WithDMAStepSize sets the largest DMA step.
func (b Builder) WithDMAStepSize(s uint64) Builder {
	b.dmaStepSize = s
	return b
}

// WithDMAMaxInFlight sets how many steps of a DMA job can be in flight.
func (b Builder) WithDMAMaxInFlight(n int) Builder {
	b.dmaMaxInFlight = n
	return b
}

// WithBufferSize sets the buffer size of every port.
func (b Builder) WithBufferSize(n int) Builder {
	b.bufSize = n
	return b
}

// Build creates a proxy and attaches the functional model to it.
func (b Builder) Build(name string) *Comp {
	b.mustBeComplete()

	c := &Comp{
		cmdRegister:   b.cmdRegister,
		returnBase:    b.returnBase,
		memMapper:     b.memMapper,
		gpuMemMapper:  b.gpuMemMapper,
		model:         b.model,
		logger:        b.logger.Named(name),
		tracker:       transaction.NewTracker(b.numGPUCores, b.maxCacheTrans),
		cpuCores:      make(map[sim.RemotePort]int),
		calls:         make([]*call, b.numCPUCores),
		returnWritten: make([]bool, b.numCPUCores),
		kindStats:     make(map[callpacket.CallKind]*KindStats),
	}

	c.TickingComponent = sim.NewTickingComponent(name, b.engine, b.freq, c)

	c.mmioPort = sim.NewPort(c, b.bufSize, b.bufSize, name+".MMIO")
	c.AddPort("MMIO", c.mmioPort)

	c.memPort = sim.NewPort(c, b.bufSize, b.bufSize, name+".Mem")
	c.AddPort("Mem", c.memPort)

	for i := 0; i < b.numGPUCores; i++ {
		portName := fmt.Sprintf("GPUCache[%d]", i)
		port := sim.NewPort(c, b.bufSize, b.bufSize, name+"."+portName)
		c.cachePorts = append(c.cachePorts, port)
		c.AddPort(portName, port)
	}

	c.dma = dma.MakeBuilder().
		WithTracker(c.tracker).
		WithNativeMemory(b.model).
		WithPort(c.memPort).
		WithAddressMapper(b.memMapper).
		WithNumSlots(b.dmaSlots).
		WithStepSize(b.dmaStepSize).
		WithMaxInFlightPerJob(b.dmaMaxInFlight).
		WithLogger(c.logger).
		Build(name + ".DMA")

	c.AddMiddleware(&sendMiddleware{Comp: c})
	c.AddMiddleware(&mmioMiddleware{Comp: c})
	c.AddMiddleware(&memMiddleware{Comp: c})
	c.AddMiddleware(&cacheMiddleware{Comp: c})
	c.AddMiddleware(c.dma)
	c.AddMiddleware(b.model)

	b.model.Attach(cacheHost{comp: c})

	return c
}

func (b Builder) mustBeComplete() {
	switch {
	case b.engine == nil:
		panic("proxy needs an engine")
	case b.model == nil:
		panic("proxy needs a functional model")
	case b.memMapper == nil:
		panic("proxy needs a memory mapper")
	case b.gpuMemMapper == nil && b.numGPUCores > 0:
		panic("proxy needs a gpu memory mapper")
	case b.numCPUCores <= 0:
		panic("proxy needs at least one cpu core")
	case b.cmdRegister.Size < 4:
		panic("command register must hold at least 4 bytes")
	}
}
