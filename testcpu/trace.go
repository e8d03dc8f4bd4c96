package testcpu

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sarchlab/gpuproxy/callpacket"
)

// ErrBadTrace is returned for trace lines that cannot be replayed.
var ErrBadTrace = errors.New("bad trace")

// An Op is one line of a CUDA API trace. Only the types in this package
// implement it.
type Op interface {
	isOp()
}

// MemAlloc allocates device memory and names the pointer.
type MemAlloc struct {
	DPtr string
	Size uint64
}

// Memcpy copies between a named device pointer and host data. For
// host-to-device copies Data is the source; for device-to-host copies it is
// the expected result.
type Memcpy struct {
	Direction callpacket.Direction
	DPtr      string
	Size      uint64
	DataFile  string
	Data      []byte
}

// KernelArg is one argument of a launch. Value is a device pointer name, a
// floating-point literal, or an integer literal.
type KernelArg struct {
	Value string
	Size  uint64
}

// KernelLaunch launches a kernel.
type KernelLaunch struct {
	Name        string
	PTXName     string
	Grid, Block callpacket.Dim3
	SharedBytes uint64
	Args        []KernelArg
}

// Free releases a named device pointer.
type Free struct {
	DPtr string
}

func (MemAlloc) isOp()     {}
func (Memcpy) isOp()       {}
func (KernelLaunch) isOp() {}
func (Free) isOp()         {}

// LoadTrace parses a trace file. Data files are resolved relative to the
// directory of the trace.
func LoadTrace(path string) ([]Op, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ParseTrace(f, filepath.Dir(path))
}

// ParseTrace parses a trace. Lines look like
//
//	memalloc: dptr: d_a, size: 1024
//	memcpyH2D: device_ptr: d_a, size: 1024, data_file: a.bin
//	kernel launch: name: vecAdd, ptx_name: _Z6vecAdd, gdx: 4, ..., args: d_a/8/...
//	free: dptr: d_a
func ParseTrace(r io.Reader, baseDir string) ([]Op, error) {
	var ops []Op

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		op, err := parseLine(line, baseDir)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}

		ops = append(ops, op)
	}

	return ops, scanner.Err()
}

func parseLine(line, baseDir string) (Op, error) {
	callType, rest, found := strings.Cut(line, ":")
	if !found {
		return nil, fmt.Errorf("%w: no call type in %q", ErrBadTrace, line)
	}

	p := params{}
	for _, field := range strings.Split(rest, ",") {
		key, value, _ := strings.Cut(field, ":")
		p[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	switch {
	case strings.Contains(callType, "memalloc"):
		return parseMemAlloc(p)
	case strings.Contains(callType, "memcpyH2D"):
		return parseMemcpy(p, callpacket.HostToDevice, baseDir)
	case strings.Contains(callType, "memcpyD2H"):
		return parseMemcpy(p, callpacket.DeviceToHost, baseDir)
	case strings.Contains(callType, "kernel launch"):
		return parseLaunch(p)
	case strings.Contains(callType, "free"):
		dptr, err := p.str("dptr")
		return Free{DPtr: dptr}, err
	default:
		return nil, fmt.Errorf("%w: unknown call type %q", ErrBadTrace, callType)
	}
}

type params map[string]string

func (p params) str(key string) (string, error) {
	v, found := p[key]
	if !found || v == "" {
		return "", fmt.Errorf("%w: missing %q", ErrBadTrace, key)
	}

	return v, nil
}

func (p params) uint(key string) (uint64, error) {
	s, err := p.str(key)
	if err != nil {
		return 0, err
	}

	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrBadTrace, key, err)
	}

	return v, nil
}

func (p params) dim3(x, y, z string) (callpacket.Dim3, error) {
	var (
		d    callpacket.Dim3
		errs []error
	)

	for _, f := range []struct {
		key string
		dst *uint32
	}{{x, &d.X}, {y, &d.Y}, {z, &d.Z}} {
		v, err := p.uint(f.key)
		errs = append(errs, err)
		*f.dst = uint32(v)
	}

	return d, errors.Join(errs...)
}

func parseMemAlloc(p params) (Op, error) {
	dptr, err := p.str("dptr")
	if err != nil {
		return nil, err
	}

	size, err := p.uint("size")
	if err != nil {
		return nil, err
	}

	return MemAlloc{DPtr: dptr, Size: size}, nil
}

func parseMemcpy(
	p params,
	dir callpacket.Direction,
	baseDir string,
) (Op, error) {
	dptr, err := p.str("device_ptr")
	if err != nil {
		return nil, err
	}

	size, err := p.uint("size")
	if err != nil {
		return nil, err
	}

	dataFile, err := p.str("data_file")
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(baseDir, dataFile))
	if err != nil {
		return nil, fmt.Errorf("%w: data file: %v", ErrBadTrace, err)
	}

	if uint64(len(data)) < size {
		return nil, fmt.Errorf("%w: data file %s has %d bytes, want %d",
			ErrBadTrace, dataFile, len(data), size)
	}

	return Memcpy{
		Direction: dir,
		DPtr:      dptr,
		Size:      size,
		DataFile:  dataFile,
		Data:      data[:size],
	}, nil
}

func parseLaunch(p params) (Op, error) {
	var (
		op   KernelLaunch
		errs []error
		err  error
	)

	op.Name, err = p.str("name")
	errs = append(errs, err)
	op.PTXName, err = p.str("ptx_name")
	errs = append(errs, err)
	op.Grid, err = p.dim3("gdx", "gdy", "gdz")
	errs = append(errs, err)
	op.Block, err = p.dim3("bdx", "bdy", "bdz")
	errs = append(errs, err)
	op.SharedBytes, err = p.uint("sharedBytes")
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	op.Args, err = parseArgs(p["args"])
	if err != nil {
		return nil, err
	}

	return op, nil
}

// parseArgs splits "value/size/value/size/".
func parseArgs(s string) ([]KernelArg, error) {
	fields := strings.Split(strings.TrimSuffix(s, "/"), "/")
	if len(fields) == 1 && fields[0] == "" {
		return nil, nil
	}

	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("%w: argument %q has no size",
			ErrBadTrace, fields[len(fields)-1])
	}

	args := make([]KernelArg, 0, len(fields)/2)

	for i := 0; i < len(fields); i += 2 {
		size, err := strconv.ParseUint(strings.TrimSpace(fields[i+1]), 10, 64)
		if err != nil || size == 0 || size > 8 {
			return nil, fmt.Errorf("%w: bad size %q for argument %q",
				ErrBadTrace, fields[i+1], fields[i])
		}

		args = append(args, KernelArg{
			Value: strings.TrimSpace(fields[i]),
			Size:  size,
		})
	}

	return args, nil
}

// CountCalls returns how many runtime calls replaying ops issues, including
// the fat binary registration that precedes them.
func CountCalls(ops []Op) int {
	n := 1
	registered := make(map[string]bool)

	for _, op := range ops {
		launch, ok := op.(KernelLaunch)
		if !ok {
			n++
			continue
		}

		if !registered[launch.Name] {
			registered[launch.Name] = true
			n++
		}

		n += 2 + len(launch.Args)
	}

	return n
}
