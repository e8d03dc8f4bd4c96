package functional

import (
	"github.com/sarchlab/gpuproxy/callpacket"
	"github.com/sarchlab/gpuproxy/mem"
	"go.uber.org/zap"
)

// A Builder can build functional models.
type Builder struct {
	logger            *zap.Logger
	deviceBase        uint64
	deviceSize        uint64
	deviceAlign       uint64
	nativeBase        uint64
	nativeSize        uint64
	lineSize          uint64
	kernels           []Kernel
	fatBinaryOverride string
}

// MakeBuilder returns a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		logger:      zap.NewNop(),
		deviceBase:  0x1000_0000,
		deviceSize:  1 * mem.GB,
		deviceAlign: 256,
		nativeBase:  0x1_0000,
		nativeSize:  1 * mem.GB,
		lineSize:    64,
		kernels:     BuiltinKernels(),
	}
}

// WithLogger sets the logger.
func (b Builder) WithLogger(logger *zap.Logger) Builder {
	b.logger = logger
	return b
}

// WithDeviceMemory sets the device address range.
func (b Builder) WithDeviceMemory(base, size uint64) Builder {
	b.deviceBase = base
	b.deviceSize = size
	return b
}

// WithDeviceAlignment sets the alignment of device allocations.
func (b Builder) WithDeviceAlignment(align uint64) Builder {
	b.deviceAlign = align
	return b
}

// WithNativeMemory sets the native (host) address range of the model.
func (b Builder) WithNativeMemory(base, size uint64) Builder {
	b.nativeBase = base
	b.nativeSize = size
	return b
}

// WithCacheLineSize sets the granularity of the cache traffic.
func (b Builder) WithCacheLineSize(size uint64) Builder {
	b.lineSize = size
	return b
}

// WithKernels adds kernels to the built-in ones.
func (b Builder) WithKernels(kernels ...Kernel) Builder {
	b.kernels = append(append([]Kernel(nil), b.kernels...), kernels...)
	return b
}

// WithFatBinaryOverride makes every fat binary registration use the given
// file name.
func (b Builder) WithFatBinaryOverride(fileName string) Builder {
	b.fatBinaryOverride = fileName
	return b
}

// Build creates a model.
func (b Builder) Build(name string) *Model {
	if b.lineSize == 0 {
		panic("cache line size must not be zero")
	}

	return &Model{
		logger:            b.logger.Named(name),
		device:            mem.NewStorage(b.deviceBase + b.deviceSize),
		native:            mem.NewStorage(b.nativeBase + b.nativeSize),
		deviceAlloc:       NewAllocator(b.deviceBase, b.deviceSize, b.deviceAlign),
		nativeAlloc:       NewAllocator(b.nativeBase, b.nativeSize, 64),
		lineSize:          b.lineSize,
		kernels:           b.kernels,
		fatBinaryOverride: b.fatBinaryOverride,
		fatBinaries:       make(map[uint64]string),
		functions:         make(map[uint64]function),
		vars:              make(map[string]deviceVar),
		outstanding:       make(map[uint64]*operation),
		lastError:         callpacket.Success,
	}
}
