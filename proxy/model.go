package proxy

import (
	"errors"

	"github.com/sarchlab/gpuproxy/callpacket"
	"github.com/sarchlab/gpuproxy/dma"
	"github.com/sarchlab/gpuproxy/sim"
)

// ErrCacheBusy is returned when a cache link cannot take a request in the
// current cycle.
var ErrCacheBusy = errors.New("gpu cache link busy")

// FunctionalModel executes the GPU runtime calls. The proxy owns the timing;
// the model owns the semantics.
type FunctionalModel interface {
	dma.NativeMemory

	// Attach hands the model the host it issues cache traffic through. It is
	// called once, when the proxy is built.
	Attach(host Host)

	RegisterFatBinary(fileName string) (uint64, callpacket.ErrorCode)
	RegisterFunction(
		fatBinary, hostFunction uint64,
		deviceFunction string,
	) callpacket.ErrorCode
	RegisterVar(req callpacket.RegisterVarRequest) callpacket.ErrorCode
	ConfigureCall(
		grid, block callpacket.Dim3,
		sharedMem, stream uint64,
	) callpacket.ErrorCode
	SetArgument(arg uint64, value []byte, size, offset uint64) callpacket.ErrorCode
	Launch(hostFunction uint64) callpacket.ErrorCode
	Malloc(size uint64) (uint64, callpacket.ErrorCode)
	Free(addr uint64) callpacket.ErrorCode
	GetLastError() callpacket.ErrorCode
	MaxActiveBlocks(
		hostFunction uint64,
		blockSize int32,
		dynamicSharedMem uint64,
		flags uint32,
	) (int32, callpacket.ErrorCode)
	ParamConfig(
		hostFunction uint64,
		index uint32,
	) (size, alignment uint64, code callpacket.ErrorCode)

	// Memcpy starts a copy. Host-side addresses are native addresses. Done
	// is called exactly once, from within Tick, when the copy completes.
	Memcpy(
		dst, src, count uint64,
		dir callpacket.Direction,
		done func(callpacket.ErrorCode),
	)

	AllocNative(size uint64) (uint64, error)
	FreeNative(addr uint64) error

	// CacheReply delivers the response of a cache request issued through the
	// host. Data is nil for writes.
	CacheReply(core int, token uint64, data []byte)

	// Tick advances the model by one cycle of the proxy.
	Tick() bool
}

// Host is what the proxy offers to the functional model.
type Host interface {
	NumCacheLinks() int
	CacheFull(core int) bool
	IssueCacheRead(core int, addr, size, token uint64) error
	IssueCacheWrite(core int, addr uint64, data []byte, token uint64) error
	CurrentTime() sim.VTimeInSec
}
