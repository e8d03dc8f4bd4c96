// Package functional provides a reference functional GPU model. It keeps
// device and native memory, runs a small set of built-in kernels, and
// reports the memory traffic of copies and kernels through the cache links
// of the proxy it is attached to.
package functional

import (
	"errors"
	"fmt"

	"github.com/sarchlab/gpuproxy/callpacket"
	"github.com/sarchlab/gpuproxy/mem"
	"github.com/sarchlab/gpuproxy/proxy"
	"go.uber.org/zap"
)

type function struct {
	fatBinary uint64
	name      string
	kernel    *Kernel
}

type deviceVar struct {
	req     callpacket.RegisterVarRequest
	address uint64
}

type launchConfig struct {
	grid, block callpacket.Dim3
	sharedMem   uint64
	stream      uint64
	args        []byte
}

// Stats summarizes what the model has executed.
type Stats struct {
	Kernels      uint64
	FailedLaunch uint64
	Copies       uint64
	BytesCopied  uint64
	CacheReads   uint64
	CacheWrites  uint64
	DeviceInUse  uint64
	NativeInUse  uint64
}

// Model is the reference functional GPU model.
type Model struct {
	logger *zap.Logger
	host   proxy.Host

	device      *mem.Storage
	native      *mem.Storage
	deviceAlloc *Allocator
	nativeAlloc *Allocator

	kernels           []Kernel
	fatBinaryOverride string
	fatBinaries       map[uint64]string
	functions         map[uint64]function
	vars              map[string]deviceVar
	config            *launchConfig
	lastError         callpacket.ErrorCode

	lineSize    uint64
	stream      []*operation
	current     *operation
	nextCore    int
	nextToken   uint64
	outstanding map[uint64]*operation

	stats Stats
}

// Attach sets the host that carries the cache traffic of the model.
func (m *Model) Attach(host proxy.Host) {
	m.host = host
}

// Device returns the device memory.
func (m *Model) Device() *mem.Storage {
	return m.device
}

// Stats returns a snapshot of the model statistics.
func (m *Model) Stats() Stats {
	s := m.stats
	s.DeviceInUse = m.deviceAlloc.InUse()
	s.NativeInUse = m.nativeAlloc.InUse()

	return s
}

// Idle tells if the model has no pending work.
func (m *Model) Idle() bool {
	return m.current == nil && len(m.stream) == 0
}

// ReadNative reads the native memory of the model.
func (m *Model) ReadNative(addr, size uint64) ([]byte, error) {
	return m.native.Read(addr, size)
}

// WriteNative writes the native memory of the model.
func (m *Model) WriteNative(addr uint64, data []byte) error {
	return m.native.Write(addr, data)
}

// AllocNative reserves a native buffer.
func (m *Model) AllocNative(size uint64) (uint64, error) {
	return m.nativeAlloc.Alloc(size)
}

// FreeNative releases a native buffer.
func (m *Model) FreeNative(addr uint64) error {
	return m.nativeAlloc.Free(addr)
}

// RegisterFatBinary records a binary and returns its handle.
func (m *Model) RegisterFatBinary(fileName string) (uint64, callpacket.ErrorCode) {
	if m.fatBinaryOverride != "" {
		fileName = m.fatBinaryOverride
	}

	if fileName == "" {
		return 0, m.fail(callpacket.ErrorInvalidValue)
	}

	handle := uint64(len(m.fatBinaries) + 1)
	m.fatBinaries[handle] = fileName

	m.logger.Debug("fat binary registered",
		zap.String("file", fileName), zap.Uint64("handle", handle))

	return handle, callpacket.Success
}

// RegisterFunction binds a host function handle to a device function.
func (m *Model) RegisterFunction(
	fatBinary, hostFunction uint64,
	deviceFunction string,
) callpacket.ErrorCode {
	if _, found := m.fatBinaries[fatBinary]; !found {
		return m.fail(callpacket.ErrorInvalidValue)
	}

	if prev, found := m.functions[hostFunction]; found &&
		prev.name != deviceFunction {
		return m.fail(callpacket.ErrorInvalidValue)
	}

	fn := function{fatBinary: fatBinary, name: deviceFunction}

	if k, found := findKernel(m.kernels, deviceFunction); found {
		fn.kernel = &k
	} else {
		m.logger.Warn("no implementation for device function, "+
			"launches will only be timed",
			zap.String("function", deviceFunction))
	}

	m.functions[hostFunction] = fn

	return callpacket.Success
}

// RegisterVar reserves device memory for a global variable.
func (m *Model) RegisterVar(req callpacket.RegisterVarRequest) callpacket.ErrorCode {
	if _, found := m.fatBinaries[req.FatBinaryHandle]; !found {
		return m.fail(callpacket.ErrorInvalidValue)
	}

	if _, found := m.vars[req.DeviceName]; found {
		return callpacket.Success
	}

	addr, err := m.deviceAlloc.Alloc(max(req.Size, 1))
	if err != nil {
		return m.fail(callpacket.ErrorMemoryAllocation)
	}

	m.vars[req.DeviceName] = deviceVar{req: req, address: addr}

	return callpacket.Success
}

// VarAddress returns the device address of a registered variable.
func (m *Model) VarAddress(deviceName string) (uint64, bool) {
	v, found := m.vars[deviceName]
	return v.address, found
}

// ConfigureCall starts the configuration of a launch.
func (m *Model) ConfigureCall(
	grid, block callpacket.Dim3,
	sharedMem, stream uint64,
) callpacket.ErrorCode {
	if emptyDim(grid) || emptyDim(block) {
		return m.fail(callpacket.ErrorInvalidValue)
	}

	m.config = &launchConfig{
		grid:      grid,
		block:     block,
		sharedMem: sharedMem,
		stream:    stream,
	}

	return callpacket.Success
}

func emptyDim(d callpacket.Dim3) bool {
	return d.X == 0 || d.Y == 0 || d.Z == 0
}

// MaxArgumentBytes bounds the argument buffer of one launch.
const MaxArgumentBytes = 4096

// SetArgument places an argument of the configured launch. The argument
// must end within MaxArgumentBytes.
func (m *Model) SetArgument(
	_ uint64,
	value []byte,
	size, offset uint64,
) callpacket.ErrorCode {
	if m.config == nil || uint64(len(value)) < size {
		return m.fail(callpacket.ErrorInvalidValue)
	}

	if offset > MaxArgumentBytes || size > MaxArgumentBytes-offset {
		return m.fail(callpacket.ErrorInvalidValue)
	}

	if end := offset + size; end > uint64(len(m.config.args)) {
		grown := make([]byte, end)
		copy(grown, m.config.args)
		m.config.args = grown
	}

	copy(m.config.args[offset:], value[:size])

	return callpacket.Success
}

// Launch queues the configured kernel.
func (m *Model) Launch(hostFunction uint64) callpacket.ErrorCode {
	fn, found := m.functions[hostFunction]
	if !found {
		return m.fail(callpacket.ErrorInvalidDeviceFunction)
	}

	if m.config == nil {
		return m.fail(callpacket.ErrorInvalidValue)
	}

	cfg := m.config
	m.config = nil

	launch := &Launch{
		Grid:      cfg.grid,
		Block:     cfg.block,
		SharedMem: cfg.sharedMem,
		Device:    m.device,
	}

	if fn.kernel != nil {
		args, err := splitArgs(fn.kernel.Params, cfg.args)
		if err != nil {
			m.logger.Warn("cannot launch",
				zap.String("function", fn.name), zap.Error(err))
			return m.fail(callpacket.ErrorInvalidValue)
		}

		launch.Args = args
	}

	m.enqueue(&operation{
		name:    fn.name,
		prepare: func() ([]lineAccess, error) { return m.runKernel(fn, launch) },
		onError: callpacket.ErrorLaunchFailure,
	})

	return callpacket.Success
}

func splitArgs(params []Param, buf []byte) ([][]byte, error) {
	offsets := argOffsets(params)
	args := make([][]byte, len(params))

	for i, p := range params {
		end := offsets[i] + p.Size
		if end > uint64(len(buf)) {
			return nil, fmt.Errorf("%w: argument %d not set", ErrBadArguments, i)
		}

		args[i] = buf[offsets[i]:end]
	}

	return args, nil
}

func (m *Model) runKernel(fn function, launch *Launch) ([]lineAccess, error) {
	m.stats.Kernels++

	if fn.kernel == nil {
		return nil, nil
	}

	accesses, err := fn.kernel.Run(launch)
	if err != nil {
		m.stats.FailedLaunch++
		return nil, err
	}

	var lines []lineAccess
	for _, a := range accesses {
		lines = append(lines, m.lines(a.Address, a.Size, a.Write)...)
	}

	return lines, nil
}

// Malloc allocates device memory.
func (m *Model) Malloc(size uint64) (uint64, callpacket.ErrorCode) {
	if size == 0 {
		return 0, callpacket.Success
	}

	addr, err := m.deviceAlloc.Alloc(size)
	if err != nil {
		m.logger.Warn("device allocation failed", zap.Error(err))
		return 0, m.fail(callpacket.ErrorMemoryAllocation)
	}

	return addr, callpacket.Success
}

// Free releases device memory. Freeing address zero does nothing.
func (m *Model) Free(addr uint64) callpacket.ErrorCode {
	if addr == 0 {
		return callpacket.Success
	}

	if err := m.deviceAlloc.Free(addr); err != nil {
		return m.fail(callpacket.ErrorInvalidDevicePointer)
	}

	return callpacket.Success
}

// GetLastError returns the last error and resets it.
func (m *Model) GetLastError() callpacket.ErrorCode {
	code := m.lastError
	m.lastError = callpacket.Success

	return code
}

// Occupancy limits of one streaming multiprocessor.
const (
	maxBlocksPerSM  = 32
	maxWarpsPerSM   = 64
	warpSize        = 32
	sharedMemPerSM  = 96 * 1024
	maxThreadsBlock = 1024
)

// MaxActiveBlocks returns how many blocks of a kernel fit on one
// multiprocessor at the same time.
func (m *Model) MaxActiveBlocks(
	hostFunction uint64,
	blockSize int32,
	dynamicSharedMem uint64,
	_ uint32,
) (int32, callpacket.ErrorCode) {
	if _, found := m.functions[hostFunction]; !found {
		return 0, m.fail(callpacket.ErrorInvalidDeviceFunction)
	}

	if blockSize <= 0 || blockSize > maxThreadsBlock {
		return 0, m.fail(callpacket.ErrorInvalidValue)
	}

	warps := (int(blockSize) + warpSize - 1) / warpSize
	blocks := min(maxBlocksPerSM, maxWarpsPerSM/warps)

	if dynamicSharedMem > 0 {
		blocks = min(blocks, int(sharedMemPerSM/dynamicSharedMem))
	}

	return int32(blocks), callpacket.Success
}

// ParamConfig returns the size and alignment of a kernel parameter.
func (m *Model) ParamConfig(
	hostFunction uint64,
	index uint32,
) (size, alignment uint64, code callpacket.ErrorCode) {
	fn, found := m.functions[hostFunction]
	if !found || fn.kernel == nil {
		return 0, 0, m.fail(callpacket.ErrorInvalidDeviceFunction)
	}

	if int(index) >= len(fn.kernel.Params) {
		return 0, 0, m.fail(callpacket.ErrorInvalidValue)
	}

	p := fn.kernel.Params[index]

	return p.Size, p.Alignment, callpacket.Success
}

// errBadRange marks a copy operand outside any allocation.
var errBadRange = errors.New("copy operand outside allocated memory")

// Memcpy queues a copy. Done is called from Tick when the copy and its
// memory traffic complete.
func (m *Model) Memcpy(
	dst, src, count uint64,
	dir callpacket.Direction,
	done func(callpacket.ErrorCode),
) {
	m.enqueue(&operation{
		name:    "memcpy " + dir.String(),
		prepare: func() ([]lineAccess, error) { return m.copy(dst, src, count, dir) },
		onError: callpacket.ErrorInvalidValue,
		done:    done,
	})
}

func (m *Model) spaces(
	dir callpacket.Direction,
) (from, to *mem.Storage, fromAlloc, toAlloc *Allocator) {
	from, fromAlloc = m.native, m.nativeAlloc
	to, toAlloc = m.native, m.nativeAlloc

	if dir == callpacket.DeviceToHost || dir == callpacket.DeviceToDevice {
		from, fromAlloc = m.device, m.deviceAlloc
	}

	if dir == callpacket.HostToDevice || dir == callpacket.DeviceToDevice {
		to, toAlloc = m.device, m.deviceAlloc
	}

	return from, to, fromAlloc, toAlloc
}

func (m *Model) copy(
	dst, src, count uint64,
	dir callpacket.Direction,
) ([]lineAccess, error) {
	if dir > callpacket.DeviceToDevice {
		return nil, fmt.Errorf("unknown direction %s", dir)
	}

	if count == 0 {
		return nil, nil
	}

	from, to, fromAlloc, toAlloc := m.spaces(dir)
	if !fromAlloc.Contains(src, count) {
		return nil, fmt.Errorf("%w: source 0x%x", errBadRange, src)
	}

	if !toAlloc.Contains(dst, count) {
		return nil, fmt.Errorf("%w: destination 0x%x", errBadRange, dst)
	}

	data, err := from.Read(src, count)
	if err != nil {
		return nil, err
	}

	if err := to.Write(dst, data); err != nil {
		return nil, err
	}

	m.stats.Copies++
	m.stats.BytesCopied += count

	var lines []lineAccess
	if dir == callpacket.DeviceToHost || dir == callpacket.DeviceToDevice {
		lines = append(lines, m.lines(src, count, false)...)
	}

	if dir == callpacket.HostToDevice || dir == callpacket.DeviceToDevice {
		lines = append(lines, m.lines(dst, count, true)...)
	}

	return lines, nil
}

// fail records an error code as the last error and returns it.
func (m *Model) fail(code callpacket.ErrorCode) callpacket.ErrorCode {
	m.lastError = code
	return code
}
