package callpacket

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Fixed sizes of the encoded packets.
const (
	RequestSize = 320
	ReturnSize  = 64
)

const (
	requestPayloadOffset = 8
	returnPayloadOffset  = 16
)

// Errors reported by the codec.
var (
	ErrSizeMismatch  = errors.New("packet size mismatch")
	ErrUnknownKind   = errors.New("unknown call kind")
	ErrInvalidPacket = errors.New("invalid packet")
)

var le = binary.LittleEndian

// Encode serializes a call packet into exactly RequestSize bytes.
func Encode(p CallPacket) ([]byte, error) {
	if p.Call == nil {
		return nil, fmt.Errorf("%w: no call", ErrInvalidPacket)
	}

	buf := make([]byte, RequestSize)
	le.PutUint32(buf[0:4], uint32(p.Call.Kind()))
	if p.SimulatedMemory {
		buf[4] = 1
	}

	b := buf[requestPayloadOffset:]

	switch c := p.Call.(type) {
	case RegisterFatBinaryRequest:
		if err := putString(b[0:256], c.FileName); err != nil {
			return nil, err
		}
	case RegisterFunctionRequest:
		le.PutUint64(b[0:8], c.FatBinaryHandle)
		le.PutUint64(b[8:16], c.HostFunction)
		if err := putString(b[16:272], c.DeviceFunction); err != nil {
			return nil, err
		}
	case MemcpyRequest:
		le.PutUint64(b[0:8], c.Dst)
		le.PutUint64(b[8:16], c.Src)
		le.PutUint64(b[16:24], c.Count)
		le.PutUint32(b[24:28], uint32(c.Direction))
		le.PutUint64(b[32:40], c.Payload)
	case ConfigureCallRequest:
		putDim3(b[0:12], c.Grid)
		putDim3(b[12:24], c.Block)
		le.PutUint64(b[24:32], c.SharedMem)
		le.PutUint64(b[32:40], c.Stream)
	case SetArgumentRequest:
		if len(c.Value) > MaxValueLength {
			return nil, fmt.Errorf("%w: argument value of %d bytes",
				ErrInvalidPacket, len(c.Value))
		}
		le.PutUint64(b[0:8], c.Arg)
		le.PutUint64(b[8:16], c.Size)
		le.PutUint64(b[16:24], c.Offset)
		le.PutUint32(b[24:28], uint32(len(c.Value)))
		copy(b[32:32+MaxValueLength], c.Value)
	case LaunchRequest:
		le.PutUint64(b[0:8], c.HostFunction)
	case FreeRequest:
		le.PutUint64(b[0:8], c.Address)
	case GetLastErrorRequest:
	case MallocRequest:
		le.PutUint64(b[0:8], c.DevPtr)
		le.PutUint64(b[8:16], c.Size)
	case RegisterVarRequest:
		le.PutUint64(b[0:8], c.FatBinaryHandle)
		le.PutUint64(b[8:16], c.HostVar)
		if err := putString(b[16:272], c.DeviceName); err != nil {
			return nil, err
		}
		le.PutUint32(b[272:276], uint32(c.Ext))
		le.PutUint64(b[280:288], c.Size)
		le.PutUint32(b[288:292], uint32(c.Constant))
		le.PutUint32(b[292:296], uint32(c.Global))
	case MaxActiveBlocksRequest:
		le.PutUint64(b[0:8], c.HostFunction)
		le.PutUint32(b[8:12], uint32(c.BlockSize))
		le.PutUint64(b[16:24], c.DynamicSharedMem)
		le.PutUint32(b[24:28], c.Flags)
	case ParamConfigRequest:
		le.PutUint64(b[0:8], c.HostFunction)
		le.PutUint32(b[8:12], c.Index)
	}

	return buf, nil
}

// Decode parses a call packet. Bytes beyond RequestSize are ignored.
func Decode(buf []byte) (CallPacket, error) {
	if len(buf) < RequestSize {
		return CallPacket{}, fmt.Errorf("%w: got %d bytes, want %d",
			ErrSizeMismatch, len(buf), RequestSize)
	}

	p := CallPacket{SimulatedMemory: buf[4] != 0}
	kind := CallKind(le.Uint32(buf[0:4]))
	b := buf[requestPayloadOffset:RequestSize]

	switch kind {
	case RegisterFatBinary:
		p.Call = RegisterFatBinaryRequest{FileName: getString(b[0:256])}
	case RegisterFunction:
		p.Call = RegisterFunctionRequest{
			FatBinaryHandle: le.Uint64(b[0:8]),
			HostFunction:    le.Uint64(b[8:16]),
			DeviceFunction:  getString(b[16:272]),
		}
	case Memcpy:
		p.Call = MemcpyRequest{
			Dst:       le.Uint64(b[0:8]),
			Src:       le.Uint64(b[8:16]),
			Count:     le.Uint64(b[16:24]),
			Direction: Direction(le.Uint32(b[24:28])),
			Payload:   le.Uint64(b[32:40]),
		}
	case ConfigureCall:
		p.Call = ConfigureCallRequest{
			Grid:      getDim3(b[0:12]),
			Block:     getDim3(b[12:24]),
			SharedMem: le.Uint64(b[24:32]),
			Stream:    le.Uint64(b[32:40]),
		}
	case SetArgument:
		n := le.Uint32(b[24:28])
		if n > MaxValueLength {
			return CallPacket{}, fmt.Errorf("%w: argument value of %d bytes",
				ErrInvalidPacket, n)
		}

		var value []byte
		if n > 0 {
			value = make([]byte, n)
			copy(value, b[32:32+n])
		}

		p.Call = SetArgumentRequest{
			Arg:    le.Uint64(b[0:8]),
			Size:   le.Uint64(b[8:16]),
			Offset: le.Uint64(b[16:24]),
			Value:  value,
		}
	case Launch:
		p.Call = LaunchRequest{HostFunction: le.Uint64(b[0:8])}
	case Free:
		p.Call = FreeRequest{Address: le.Uint64(b[0:8])}
	case GetLastError:
		p.Call = GetLastErrorRequest{}
	case Malloc:
		p.Call = MallocRequest{
			DevPtr: le.Uint64(b[0:8]),
			Size:   le.Uint64(b[8:16]),
		}
	case RegisterVar:
		p.Call = RegisterVarRequest{
			FatBinaryHandle: le.Uint64(b[0:8]),
			HostVar:         le.Uint64(b[8:16]),
			DeviceName:      getString(b[16:272]),
			Ext:             int32(le.Uint32(b[272:276])),
			Size:            le.Uint64(b[280:288]),
			Constant:        int32(le.Uint32(b[288:292])),
			Global:          int32(le.Uint32(b[292:296])),
		}
	case MaxActiveBlocks:
		p.Call = MaxActiveBlocksRequest{
			HostFunction:     le.Uint64(b[0:8]),
			BlockSize:        int32(le.Uint32(b[8:12])),
			DynamicSharedMem: le.Uint64(b[16:24]),
			Flags:            le.Uint32(b[24:28]),
		}
	case ParamConfig:
		p.Call = ParamConfigRequest{
			HostFunction: le.Uint64(b[0:8]),
			Index:        le.Uint32(b[8:12]),
		}
	default:
		return CallPacket{}, fmt.Errorf("%w: %d", ErrUnknownKind, uint32(kind))
	}

	return p, nil
}

// EncodeReturn serializes a return packet into exactly ReturnSize bytes.
func EncodeReturn(p ReturnPacket) ([]byte, error) {
	if p.Result == nil {
		return nil, fmt.Errorf("%w: no result", ErrInvalidPacket)
	}

	kind := p.Result.Kind()
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint32(kind))
	}

	if _, isEmpty := p.Result.(EmptyResult); isEmpty && hasPayload(kind) {
		return nil, fmt.Errorf("%w: %s needs a result payload",
			ErrInvalidPacket, kind)
	}

	buf := make([]byte, ReturnSize)
	le.PutUint32(buf[0:4], uint32(kind))
	le.PutUint32(buf[4:8], uint32(p.Error))
	if p.Done {
		buf[8] = 1
	}

	b := buf[returnPayloadOffset:]

	switch r := p.Result.(type) {
	case RegisterFatBinaryResult:
		le.PutUint64(b[0:8], r.Handle)
	case MallocResult:
		le.PutUint64(b[0:8], r.Address)
		le.PutUint64(b[8:16], r.DevPtrAddress)
	case MemcpyResult:
		le.PutUint32(b[0:4], uint32(r.Direction))
		le.PutUint64(b[8:16], r.Size)
		le.PutUint64(b[16:24], r.SimData)
		le.PutUint64(b[24:32], r.RealData)
	case MaxActiveBlocksResult:
		le.PutUint32(b[0:4], uint32(r.NumBlocks))
	case ParamConfigResult:
		le.PutUint64(b[0:8], r.Size)
		le.PutUint64(b[8:16], r.Alignment)
	case EmptyResult:
	}

	return buf, nil
}

// DecodeReturn parses a return packet. Bytes beyond ReturnSize are ignored.
func DecodeReturn(buf []byte) (ReturnPacket, error) {
	if len(buf) < ReturnSize {
		return ReturnPacket{}, fmt.Errorf("%w: got %d bytes, want %d",
			ErrSizeMismatch, len(buf), ReturnSize)
	}

	kind := CallKind(le.Uint32(buf[0:4]))
	if !kind.Valid() {
		return ReturnPacket{}, fmt.Errorf("%w: %d", ErrUnknownKind, uint32(kind))
	}

	p := ReturnPacket{
		Error: ErrorCode(le.Uint32(buf[4:8])),
		Done:  buf[8] != 0,
	}
	b := buf[returnPayloadOffset:ReturnSize]

	switch kind {
	case RegisterFatBinary:
		p.Result = RegisterFatBinaryResult{Handle: le.Uint64(b[0:8])}
	case Malloc:
		p.Result = MallocResult{
			Address:       le.Uint64(b[0:8]),
			DevPtrAddress: le.Uint64(b[8:16]),
		}
	case Memcpy:
		p.Result = MemcpyResult{
			Direction: Direction(le.Uint32(b[0:4])),
			Size:      le.Uint64(b[8:16]),
			SimData:   le.Uint64(b[16:24]),
			RealData:  le.Uint64(b[24:32]),
		}
	case MaxActiveBlocks:
		p.Result = MaxActiveBlocksResult{NumBlocks: int32(le.Uint32(b[0:4]))}
	case ParamConfig:
		p.Result = ParamConfigResult{
			Size:      le.Uint64(b[0:8]),
			Alignment: le.Uint64(b[8:16]),
		}
	default:
		p.Result = EmptyResult{CallKind: kind}
	}

	return p, nil
}

func putString(dst []byte, s string) error {
	if len(s) > len(dst) {
		return fmt.Errorf("%w: %d-byte name exceeds %d bytes",
			ErrInvalidPacket, len(s), len(dst))
	}

	if bytes.IndexByte([]byte(s), 0) >= 0 {
		return fmt.Errorf("%w: name contains NUL", ErrInvalidPacket)
	}

	copy(dst, s)

	return nil
}

func getString(src []byte) string {
	if n := bytes.IndexByte(src, 0); n >= 0 {
		return string(src[:n])
	}

	return string(src)
}

func putDim3(dst []byte, d Dim3) {
	le.PutUint32(dst[0:4], d.X)
	le.PutUint32(dst[4:8], d.Y)
	le.PutUint32(dst[8:12], d.Z)
}

func getDim3(src []byte) Dim3 {
	return Dim3{
		X: le.Uint32(src[0:4]),
		Y: le.Uint32(src[4:8]),
		Z: le.Uint32(src[8:12]),
	}
}
