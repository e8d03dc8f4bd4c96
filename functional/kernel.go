package functional

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/sarchlab/gpuproxy/callpacket"
	"github.com/sarchlab/gpuproxy/mem"
)

// ErrBadArguments is returned when a kernel cannot run with the arguments
// it was given.
var ErrBadArguments = errors.New("bad kernel arguments")

// Param is the size and alignment of one kernel parameter.
type Param struct {
	Size      uint64
	Alignment uint64
}

// Access is a range of device memory that a kernel touches.
type Access struct {
	Address uint64
	Size    uint64
	Write   bool
}

// A Kernel is a device function that the model knows how to run.
type Kernel struct {
	Name   string
	Params []Param
	Run    func(l *Launch) ([]Access, error)
}

// Launch is one kernel invocation.
type Launch struct {
	Grid, Block callpacket.Dim3
	SharedMem   uint64
	Args        [][]byte
	Device      *mem.Storage
}

// NumThreads returns the number of threads in the launch.
func (l *Launch) NumThreads() uint64 {
	return uint64(l.Grid.X) * uint64(l.Grid.Y) * uint64(l.Grid.Z) *
		uint64(l.Block.X) * uint64(l.Block.Y) * uint64(l.Block.Z)
}

// Ptr reads argument i as a device pointer.
func (l *Launch) Ptr(i int) uint64 {
	return binary.LittleEndian.Uint64(l.Args[i])
}

// Int32 reads argument i as a 32-bit integer.
func (l *Launch) Int32(i int) int32 {
	return int32(binary.LittleEndian.Uint32(l.Args[i]))
}

// Float32 reads argument i as a single-precision float.
func (l *Launch) Float32(i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(l.Args[i]))
}

func (l *Launch) readFloats(addr uint64, n uint64) ([]float32, error) {
	buf, err := l.Device.Read(addr, n*4)
	if err != nil {
		return nil, err
	}

	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}

	return out, nil
}

func (l *Launch) writeFloats(addr uint64, values []float32) error {
	buf := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}

	return l.Device.Write(addr, buf)
}

var (
	ptrParam   = Param{Size: 8, Alignment: 8}
	int32Param = Param{Size: 4, Alignment: 4}
	floatParam = Param{Size: 4, Alignment: 4}
)

// BuiltinKernels returns the kernels that every model can run.
func BuiltinKernels() []Kernel {
	return []Kernel{
		{
			Name:   "vectorAdd",
			Params: []Param{ptrParam, ptrParam, ptrParam, int32Param},
			Run:    runVectorAdd,
		},
		{
			Name:   "saxpy",
			Params: []Param{int32Param, floatParam, ptrParam, ptrParam},
			Run:    runSaxpy,
		},
	}
}

// elements returns how many elements a launch of n requested elements
// covers.
func elements(l *Launch, n int32) (uint64, error) {
	if n < 0 {
		return 0, fmt.Errorf("%w: %d elements", ErrBadArguments, n)
	}

	return min(uint64(n), l.NumThreads()), nil
}

// vectorAdd(const float *a, const float *b, float *c, int n)
func runVectorAdd(l *Launch) ([]Access, error) {
	a, b, c := l.Ptr(0), l.Ptr(1), l.Ptr(2)

	n, err := elements(l, l.Int32(3))
	if err != nil || n == 0 {
		return nil, err
	}

	x, err := l.readFloats(a, n)
	if err != nil {
		return nil, fmt.Errorf("%w: a: %v", ErrBadArguments, err)
	}

	y, err := l.readFloats(b, n)
	if err != nil {
		return nil, fmt.Errorf("%w: b: %v", ErrBadArguments, err)
	}

	for i := range x {
		x[i] += y[i]
	}

	if err := l.writeFloats(c, x); err != nil {
		return nil, fmt.Errorf("%w: c: %v", ErrBadArguments, err)
	}

	return []Access{
		{Address: a, Size: n * 4},
		{Address: b, Size: n * 4},
		{Address: c, Size: n * 4, Write: true},
	}, nil
}

// saxpy(int n, float alpha, const float *x, float *y)
func runSaxpy(l *Launch) ([]Access, error) {
	alpha, xAddr, yAddr := l.Float32(1), l.Ptr(2), l.Ptr(3)

	n, err := elements(l, l.Int32(0))
	if err != nil || n == 0 {
		return nil, err
	}

	x, err := l.readFloats(xAddr, n)
	if err != nil {
		return nil, fmt.Errorf("%w: x: %v", ErrBadArguments, err)
	}

	y, err := l.readFloats(yAddr, n)
	if err != nil {
		return nil, fmt.Errorf("%w: y: %v", ErrBadArguments, err)
	}

	for i := range y {
		y[i] += alpha * x[i]
	}

	if err := l.writeFloats(yAddr, y); err != nil {
		return nil, fmt.Errorf("%w: y: %v", ErrBadArguments, err)
	}

	return []Access{
		{Address: xAddr, Size: n * 4},
		{Address: yAddr, Size: n * 4},
		{Address: yAddr, Size: n * 4, Write: true},
	}, nil
}

// findKernel matches a device function name, which may be mangled, against
// the known kernels.
func findKernel(kernels []Kernel, deviceFunction string) (Kernel, bool) {
	for _, k := range kernels {
		if deviceFunction == k.Name ||
			strings.Contains(deviceFunction, k.Name) {
			return k, true
		}
	}

	return Kernel{}, false
}

// argOffsets returns where each parameter starts in the argument buffer.
func argOffsets(params []Param) []uint64 {
	offsets := make([]uint64, len(params))
	offset := uint64(0)

	for i, p := range params {
		offset = roundUp(offset, max(p.Alignment, 1))
		offsets[i] = offset
		offset += p.Size
	}

	return offsets
}
