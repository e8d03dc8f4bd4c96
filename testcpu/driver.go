package testcpu

import (
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"

	"github.com/sarchlab/gpuproxy/callpacket"
)

// A hostCall is one call packet together with what the CPU does around it.
type hostCall struct {
	build func() (callpacket.CallPacket, error)

	// stage, when set, is written to simulated memory before the packet.
	stageAddr uint64
	stage     []byte

	onReturn func(ret callpacket.ReturnPacket)

	// check, when set, is the D2H copy whose result is verified.
	check *d2hCheck
}

type d2hCheck struct {
	op       Memcpy
	addr     uint64
	native   bool
	readBack func() ([]byte, error)
	release  func()
}

// expand turns a trace operation into calls. It runs right before the first
// of those calls is issued, so it sees the results of earlier calls.
func (c *Comp) expand(op Op) []*hostCall {
	switch op := op.(type) {
	case MemAlloc:
		return []*hostCall{c.mallocCall(op)}
	case Memcpy:
		if op.Direction == callpacket.HostToDevice {
			return []*hostCall{c.h2dCall(op)}
		}

		return []*hostCall{c.d2hCall(op)}
	case KernelLaunch:
		return c.launchCalls(op)
	case Free:
		return []*hostCall{c.freeCall(op)}
	default:
		log.Panicf("%s: unknown trace operation %T", c.Name(), op)
	}

	return nil
}

func (c *Comp) fatBinaryCall() *hostCall {
	return &hostCall{
		build: func() (callpacket.CallPacket, error) {
			return callpacket.CallPacket{
				Call: callpacket.RegisterFatBinaryRequest{FileName: c.fatBinary},
			}, nil
		},
		onReturn: func(ret callpacket.ReturnPacket) {
			if r, ok := ret.Result.(callpacket.RegisterFatBinaryResult); ok {
				c.fatBinaryHandle = r.Handle
			}
		},
	}
}

func (c *Comp) mallocCall(op MemAlloc) *hostCall {
	slot, found := c.dptrSlots[op.DPtr]
	if !found {
		slot = c.nextSlot
		c.nextSlot += 8
		c.dptrSlots[op.DPtr] = slot
	}

	return &hostCall{
		build: func() (callpacket.CallPacket, error) {
			return callpacket.CallPacket{
				Call: callpacket.MallocRequest{DevPtr: slot, Size: op.Size},
			}, nil
		},
		onReturn: func(ret callpacket.ReturnPacket) {
			if r, ok := ret.Result.(callpacket.MallocResult); ok {
				c.dptrs[op.DPtr] = r.Address
			}
		},
	}
}

func (c *Comp) devicePointer(name string) (uint64, error) {
	addr, found := c.dptrs[name]
	if !found {
		return 0, fmt.Errorf("%w: device pointer %q not allocated",
			ErrBadTrace, name)
	}

	return addr, nil
}

func (c *Comp) h2dCall(op Memcpy) *hostCall {
	hc := &hostCall{}

	if c.simulatedMemory {
		addr := c.mustAllocHeap(op.Size)
		hc.stageAddr = addr
		hc.stage = op.Data
		hc.build = func() (callpacket.CallPacket, error) {
			dptr, err := c.devicePointer(op.DPtr)

			return callpacket.CallPacket{
				SimulatedMemory: true,
				Call: callpacket.MemcpyRequest{
					Dst:       dptr,
					Src:       addr,
					Count:     op.Size,
					Direction: callpacket.HostToDevice,
					Payload:   addr,
				},
			}, err
		}
		hc.onReturn = func(callpacket.ReturnPacket) { c.freeHeap(addr) }

		return hc
	}

	var buf uint64

	hc.build = func() (callpacket.CallPacket, error) {
		dptr, err := c.devicePointer(op.DPtr)
		if err != nil {
			return callpacket.CallPacket{}, err
		}

		buf, err = c.native.AllocNative(op.Size)
		if err != nil {
			return callpacket.CallPacket{}, err
		}

		if err := c.native.WriteNative(buf, op.Data); err != nil {
			return callpacket.CallPacket{}, err
		}

		return callpacket.CallPacket{
			Call: callpacket.MemcpyRequest{
				Dst:       dptr,
				Src:       buf,
				Count:     op.Size,
				Direction: callpacket.HostToDevice,
			},
		}, nil
	}
	hc.onReturn = func(callpacket.ReturnPacket) { c.freeNative(buf) }

	return hc
}

func (c *Comp) d2hCall(op Memcpy) *hostCall {
	hc := &hostCall{check: &d2hCheck{op: op}}

	if c.simulatedMemory {
		addr := c.mustAllocHeap(op.Size)
		hc.check.addr = addr
		hc.check.release = func() { c.freeHeap(addr) }
		hc.build = func() (callpacket.CallPacket, error) {
			dptr, err := c.devicePointer(op.DPtr)

			return callpacket.CallPacket{
				SimulatedMemory: true,
				Call: callpacket.MemcpyRequest{
					Dst:       addr,
					Src:       dptr,
					Count:     op.Size,
					Direction: callpacket.DeviceToHost,
					Payload:   addr,
				},
			}, err
		}

		return hc
	}

	hc.check.native = true
	hc.build = func() (callpacket.CallPacket, error) {
		dptr, err := c.devicePointer(op.DPtr)
		if err != nil {
			return callpacket.CallPacket{}, err
		}

		buf, err := c.native.AllocNative(op.Size)
		if err != nil {
			return callpacket.CallPacket{}, err
		}

		hc.check.addr = buf
		hc.check.readBack = func() ([]byte, error) {
			return c.native.ReadNative(buf, op.Size)
		}
		hc.check.release = func() { c.freeNative(buf) }

		return callpacket.CallPacket{
			Call: callpacket.MemcpyRequest{
				Dst:       buf,
				Src:       dptr,
				Count:     op.Size,
				Direction: callpacket.DeviceToHost,
			},
		}, nil
	}

	return hc
}

func (c *Comp) freeCall(op Free) *hostCall {
	return &hostCall{
		build: func() (callpacket.CallPacket, error) {
			dptr, err := c.devicePointer(op.DPtr)

			return callpacket.CallPacket{
				Call: callpacket.FreeRequest{Address: dptr},
			}, err
		},
		onReturn: func(callpacket.ReturnPacket) { delete(c.dptrs, op.DPtr) },
	}
}

// launchCalls registers the function on first use, then configures the
// call, places every argument, and launches.
func (c *Comp) launchCalls(op KernelLaunch) []*hostCall {
	var calls []*hostCall

	hostFun, found := c.functions[op.Name]
	if !found {
		hostFun = uint64(len(c.functions))
		c.functions[op.Name] = hostFun

		calls = append(calls, c.packetCall(func() (callpacket.CallPacket, error) {
			return callpacket.CallPacket{
				Call: callpacket.RegisterFunctionRequest{
					FatBinaryHandle: c.fatBinaryHandle,
					HostFunction:    hostFun,
					DeviceFunction:  op.PTXName,
				},
			}, nil
		}))
	}

	calls = append(calls, c.packetCall(func() (callpacket.CallPacket, error) {
		return callpacket.CallPacket{
			Call: callpacket.ConfigureCallRequest{
				Grid:      op.Grid,
				Block:     op.Block,
				SharedMem: op.SharedBytes,
			},
		}, nil
	}))

	offset := uint64(0)
	for _, arg := range op.Args {
		offset = (offset + arg.Size - 1) / arg.Size * arg.Size
		argOffset := offset
		offset += arg.Size

		calls = append(calls, c.packetCall(func() (callpacket.CallPacket, error) {
			value, err := c.encodeArg(arg)

			return callpacket.CallPacket{
				Call: callpacket.SetArgumentRequest{
					Value:  value,
					Size:   arg.Size,
					Offset: argOffset,
				},
			}, err
		}))
	}

	calls = append(calls, c.packetCall(func() (callpacket.CallPacket, error) {
		return callpacket.CallPacket{
			Call: callpacket.LaunchRequest{HostFunction: hostFun},
		}, nil
	}))

	return calls
}

func (c *Comp) packetCall(
	build func() (callpacket.CallPacket, error),
) *hostCall {
	return &hostCall{build: build}
}

// encodeArg turns a trace argument into its little-endian bytes.
func (c *Comp) encodeArg(arg KernelArg) ([]byte, error) {
	buf := make([]byte, 8)

	switch {
	case strings.Contains(arg.Value, "dptr"):
		addr, err := c.devicePointer(arg.Value)
		if err != nil {
			return nil, err
		}

		binary.LittleEndian.PutUint64(buf, addr)
	case strings.Contains(arg.Value, "."):
		f, err := strconv.ParseFloat(arg.Value, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadTrace, err)
		}

		switch arg.Size {
		case 8:
			binary.LittleEndian.PutUint64(buf, math.Float64bits(f))
		case 4:
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(f)))
		default:
			return nil, fmt.Errorf("%w: no %d-byte float format for %q",
				ErrBadTrace, arg.Size, arg.Value)
		}
	default:
		v, err := strconv.ParseInt(arg.Value, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadTrace, err)
		}

		binary.LittleEndian.PutUint64(buf, uint64(v))
	}

	return buf[:arg.Size], nil
}
