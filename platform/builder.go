package platform

import (
	"path/filepath"

	"github.com/sarchlab/gpuproxy/config"
	"github.com/sarchlab/gpuproxy/functional"
	"github.com/sarchlab/gpuproxy/mem"
	"github.com/sarchlab/gpuproxy/mem/idealmemcontroller"
	"github.com/sarchlab/gpuproxy/proxy"
	"github.com/sarchlab/gpuproxy/sim"
	"github.com/sarchlab/gpuproxy/sim/directconnection"
	"github.com/sarchlab/gpuproxy/simulation"
	"github.com/sarchlab/gpuproxy/testcpu"
	"github.com/sarchlab/gpuproxy/tracing"
	"go.uber.org/zap"
)

const defaultFatBinary = "a.out"

// Builder builds a platform.
type Builder struct {
	cfg        *config.Config
	engine     sim.Engine
	simulation *simulation.Simulation
	logger     *zap.Logger
	ops        []testcpu.Op
	dumper     *testcpu.Dumper
	kernels    []functional.Kernel
}

// MakeBuilder creates a builder with the default configuration.
func MakeBuilder() Builder {
	return Builder{
		cfg:    config.Default(),
		logger: zap.NewNop(),
	}
}

// WithConfig sets the configuration.
func (b Builder) WithConfig(cfg *config.Config) Builder {
	b.cfg = cfg
	return b
}

// WithEngine sets the engine. It is not needed when a simulation is given.
func (b Builder) WithEngine(engine sim.Engine) Builder {
	b.engine = engine
	return b
}

// WithSimulation registers the platform with a simulation, which provides
// the engine, the trace database, and the monitor.
func (b Builder) WithSimulation(s *simulation.Simulation) Builder {
	b.simulation = s
	b.engine = s.GetEngine()

	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(logger *zap.Logger) Builder {
	b.logger = logger
	return b
}

// WithTrace sets the operations that the CPU replays.
func (b Builder) WithTrace(ops []testcpu.Op) Builder {
	b.ops = ops
	return b
}

// WithDumper makes the CPU dump what device-to-host copies return.
func (b Builder) WithDumper(d *testcpu.Dumper) Builder {
	b.dumper = d
	return b
}

// WithKernels adds kernels to the functional model.
func (b Builder) WithKernels(kernels ...functional.Kernel) Builder {
	b.kernels = append(append([]functional.Kernel(nil), b.kernels...),
		kernels...)

	return b
}

// Build creates the platform.
func (b Builder) Build(name string) *Platform {
	if b.engine == nil {
		panic("platform needs an engine")
	}

	cfg := b.cfg
	p := &Platform{
		Domain:   sim.NewDomain(name),
		Engine:   b.engine,
		numCalls: testcpu.CountCalls(b.ops),
	}

	p.CPUMemory = b.buildMemory(sim.BuildName(name, "CPUMem"), cfg.Memory)
	p.GPUMemory = b.buildMemory(sim.BuildName(name, "GPUMem"), cfg.GPU.Memory)
	p.Model = b.buildModel(sim.BuildName(name, "Model"))
	p.Proxy = b.buildProxy(sim.BuildName(name, "Proxy"), p)
	p.CPU = b.buildCPU(sim.BuildName(name, "CPU"), p)

	p.callTimer = tracing.NewAverageTimeTracer(b.engine,
		tracing.KindIs(testcpu.CallTaskKind))
	tracing.CollectTrace(p.CPU, p.callTimer)

	p.CPUConn = directconnection.MakeBuilder().
		WithEngine(b.engine).
		Build(sim.BuildName(name, "CPUConn"))
	p.CPUConn.PlugIn(p.CPU.Port())
	p.CPUConn.PlugIn(p.CPUMemory.TopPort())
	p.CPUConn.PlugIn(p.Proxy.MMIOPort())
	p.CPUConn.PlugIn(p.Proxy.MemPort())

	p.GPUConn = directconnection.MakeBuilder().
		WithEngine(b.engine).
		Build(sim.BuildName(name, "GPUConn"))
	for i := 0; i < p.Proxy.NumGPUCachePorts(); i++ {
		p.GPUConn.PlugIn(p.Proxy.GPUCachePort(i))
	}
	p.GPUConn.PlugIn(p.GPUMemory.TopPort())

	p.AddPort("CPU", p.CPU.Port())
	p.AddPort("MMIO", p.Proxy.MMIOPort())
	p.AddPort("CPUMemory", p.CPUMemory.TopPort())
	p.AddPort("GPUMemory", p.GPUMemory.TopPort())

	if b.logger.Core().Enabled(zap.DebugLevel) {
		msgLogger := sim.NewPortMsgLogger(b.logger.Named("msg"), b.engine)
		for _, port := range []sim.Port{
			p.CPU.Port(), p.Proxy.MMIOPort(), p.Proxy.MemPort(),
		} {
			port.AcceptHook(msgLogger)
		}
	}

	if b.simulation != nil {
		b.registerWithSimulation(p)
	}

	return p
}

func (b Builder) buildMemory(
	name string,
	cfg config.MemoryConfig,
) *idealmemcontroller.Comp {
	return idealmemcontroller.MakeBuilder().
		WithEngine(b.engine).
		WithFreq(cfg.Freq.Freq()).
		WithWidth(cfg.Width).
		WithLatency(cfg.Latency).
		WithNewStorage(uint64(cfg.Capacity)).
		Build(name)
}

func (b Builder) buildModel(name string) *functional.Model {
	gpu := b.cfg.GPU

	return functional.MakeBuilder().
		WithLogger(b.logger).
		WithDeviceMemory(gpu.DeviceBase, uint64(gpu.DeviceSize)).
		WithNativeMemory(gpu.NativeBase, uint64(gpu.NativeSize)).
		WithCacheLineSize(uint64(gpu.CacheLineSize)).
		WithFatBinaryOverride(b.cfg.Trace.CUDAExecutable).
		WithKernels(b.kernels...).
		Build(name)
}

func (b Builder) buildProxy(name string, p *Platform) *proxy.Comp {
	cfg := b.cfg

	return proxy.MakeBuilder().
		WithEngine(b.engine).
		WithFreq(cfg.Proxy.Freq.Freq()).
		WithModel(p.Model).
		WithLogger(b.logger).
		WithCommandRegister(cfg.Proxy.CommandRegister,
			cfg.Proxy.CommandRegisterSize).
		WithReturnPacketBase(cfg.Proxy.ReturnPacketBase).
		WithNumCPUCores(1).
		WithNumGPUCores(cfg.GPU.Cores).
		WithMaxCacheTransactions(cfg.GPU.MaxCacheTransactions).
		WithMemoryMapper(&mem.SinglePortMapper{
			Port: p.CPUMemory.TopPort().AsRemote(),
		}).
		WithGPUMemoryMapper(&mem.SinglePortMapper{
			Port: p.GPUMemory.TopPort().AsRemote(),
		}).
		WithDMASlots(cfg.Proxy.DMASlots).
		WithDMAStepSize(uint64(cfg.Proxy.DMAStepSize)).
		WithDMAMaxInFlight(cfg.Proxy.DMAMaxInFlight).
		WithBufferSize(cfg.Proxy.BufferSize).
		Build(name)
}

func (b Builder) buildCPU(name string, p *Platform) *testcpu.Comp {
	cfg := b.cfg

	mapper := mem.NewRangeAddressPortMapper(p.CPUMemory.TopPort().AsRemote())
	mapper.AddRange(p.Proxy.CommandRegister(), p.Proxy.MMIOPort().AsRemote())

	fatBinary := defaultFatBinary
	if cfg.Trace.File != "" {
		fatBinary = filepath.Base(cfg.Trace.File)
	}

	return testcpu.MakeBuilder().
		WithEngine(b.engine).
		WithFreq(cfg.CPU.Freq.Freq()).
		WithLogger(b.logger).
		WithAddressMapper(mapper).
		WithNativeBuffers(p.Model).
		WithDumper(b.dumper).
		WithTrace(b.ops).
		WithFatBinary(fatBinary).
		WithCommandRegister(cfg.Proxy.CommandRegister).
		WithScratchAddress(cfg.CPU.ScratchAddress).
		WithHeap(cfg.CPU.HeapBase, uint64(cfg.CPU.HeapSize)).
		WithSimulatedMemory(cfg.CPU.SimulatedMemory).
		Build(name)
}

func (b Builder) registerWithSimulation(p *Platform) {
	s := b.simulation

	for _, c := range []sim.Component{
		p.CPU, p.CPUMemory, p.Proxy, p.GPUMemory, p.CPUConn, p.GPUConn,
	} {
		s.RegisterComponent(c)
	}

	if r := s.GetDataRecorder(); r != nil {
		attachCallRecorder(p.Proxy, r)
	}

	if m := s.GetMonitor(); m != nil {
		m.RegisterCollector(p.Collector())
		attachProgressBar(p, m)
	}
}
