// Package callpacket defines the GPU runtime calls that a CPU issues through
// the command register, and their fixed-layout wire encoding.
package callpacket

import "fmt"

// CallKind identifies a GPU runtime call.
type CallKind uint32

// The call kinds. The zero value is not a valid kind.
const (
	RegisterFatBinary CallKind = iota + 1
	RegisterFunction
	Memcpy
	ConfigureCall
	SetArgument
	Launch
	Free
	GetLastError
	Malloc
	RegisterVar
	MaxActiveBlocks
	ParamConfig
)

type kindInfo struct {
	name     string
	blocking bool
}

var kindTable = map[CallKind]kindInfo{
	RegisterFatBinary: {name: "RegisterFatBinary"},
	RegisterFunction:  {name: "RegisterFunction"},
	Memcpy:            {name: "Memcpy", blocking: true},
	ConfigureCall:     {name: "ConfigureCall"},
	SetArgument:       {name: "SetArgument"},
	Launch:            {name: "Launch"},
	Free:              {name: "Free"},
	GetLastError:      {name: "GetLastError"},
	Malloc:            {name: "Malloc"},
	RegisterVar:       {name: "RegisterVar"},
	MaxActiveBlocks:   {name: "MaxActiveBlocks"},
	ParamConfig:       {name: "ParamConfig"},
}

// AllKinds returns every valid call kind in discriminant order.
func AllKinds() []CallKind {
	kinds := make([]CallKind, 0, len(kindTable))
	for k := RegisterFatBinary; k <= ParamConfig; k++ {
		kinds = append(kinds, k)
	}

	return kinds
}

// Valid tells if the kind is a known call kind.
func (k CallKind) Valid() bool {
	_, ok := kindTable[k]
	return ok
}

// String returns the name of the call kind.
func (k CallKind) String() string {
	info, ok := kindTable[k]
	if !ok {
		return fmt.Sprintf("CallKind(%d)", uint32(k))
	}

	return info.name
}

// Blocking tells if the CPU must stay stalled until the call fully
// completes. The acknowledgement of the command-register write is held for
// blocking calls until their return packet is marked done.
func (k CallKind) Blocking() bool {
	return kindTable[k].blocking
}

// Direction is the direction of a memory copy.
type Direction uint32

// The copy directions.
const (
	HostToHost Direction = iota
	HostToDevice
	DeviceToHost
	DeviceToDevice
)

func (d Direction) String() string {
	switch d {
	case HostToHost:
		return "HostToHost"
	case HostToDevice:
		return "HostToDevice"
	case DeviceToHost:
		return "DeviceToHost"
	case DeviceToDevice:
		return "DeviceToDevice"
	default:
		return fmt.Sprintf("Direction(%d)", uint32(d))
	}
}

// ErrorCode is the status that the functional model reports for a call.
type ErrorCode uint32

// Commonly used error codes.
const (
	Success                    ErrorCode = 0
	ErrorMemoryAllocation      ErrorCode = 2
	ErrorInvalidValue          ErrorCode = 11
	ErrorInvalidDevicePointer  ErrorCode = 17
	ErrorInvalidDeviceFunction ErrorCode = 98
	ErrorLaunchFailure         ErrorCode = 719
)

func (e ErrorCode) String() string {
	switch e {
	case Success:
		return "Success"
	case ErrorMemoryAllocation:
		return "ErrorMemoryAllocation"
	case ErrorInvalidValue:
		return "ErrorInvalidValue"
	case ErrorInvalidDevicePointer:
		return "ErrorInvalidDevicePointer"
	case ErrorInvalidDeviceFunction:
		return "ErrorInvalidDeviceFunction"
	case ErrorLaunchFailure:
		return "ErrorLaunchFailure"
	default:
		return fmt.Sprintf("ErrorCode(%d)", uint32(e))
	}
}
