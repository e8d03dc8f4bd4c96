package callpacket

// Limits of the variable-sized fields.
const (
	MaxNameLength  = 256
	MaxValueLength = 200
)

// A CallPacket is one GPU runtime call written by the CPU.
type CallPacket struct {
	// SimulatedMemory tells if the host-side operands of the call live in
	// simulated memory rather than in the functional model's memory.
	SimulatedMemory bool
	Call            Request
}

// Kind returns the kind of the carried call, or zero when there is none.
func (p CallPacket) Kind() CallKind {
	if p.Call == nil {
		return 0
	}

	return p.Call.Kind()
}

// Request is the payload of a call packet. Only the types in this package
// implement it.
type Request interface {
	Kind() CallKind
	isRequest()
}

// Dim3 is a three-dimensional size of a grid or a block.
type Dim3 struct {
	X, Y, Z uint32
}

// RegisterFatBinaryRequest registers the binary that holds the kernels.
type RegisterFatBinaryRequest struct {
	FileName string
}

// RegisterFunctionRequest binds a host function handle to a kernel name.
type RegisterFunctionRequest struct {
	FatBinaryHandle uint64
	HostFunction    uint64
	DeviceFunction  string
}

// MemcpyRequest copies Count bytes from Src to Dst. When the packet uses
// simulated memory, Payload is the simulated address of the host-side
// buffer.
type MemcpyRequest struct {
	Dst, Src, Count uint64
	Direction       Direction
	Payload         uint64
}

// ConfigureCallRequest sets up the launch geometry of the next kernel.
type ConfigureCallRequest struct {
	Grid, Block Dim3
	SharedMem   uint64
	Stream      uint64
}

// SetArgumentRequest places one kernel argument.
type SetArgumentRequest struct {
	Arg uint64

	// Value is carried with its length. An empty value is encoded the same
	// as a nil one and always decodes as nil.
	Value  []byte
	Size   uint64
	Offset uint64
}

// LaunchRequest launches the configured kernel.
type LaunchRequest struct {
	HostFunction uint64
}

// FreeRequest releases a device allocation.
type FreeRequest struct {
	Address uint64
}

// GetLastErrorRequest queries the last error.
type GetLastErrorRequest struct{}

// MallocRequest allocates Size bytes of device memory. DevPtr is the address
// where the CPU keeps the resulting pointer.
type MallocRequest struct {
	DevPtr uint64
	Size   uint64
}

// RegisterVarRequest registers a device global variable.
type RegisterVarRequest struct {
	FatBinaryHandle uint64
	HostVar         uint64
	DeviceName      string
	Ext             int32
	Size            uint64
	Constant        int32
	Global          int32
}

// MaxActiveBlocksRequest queries the occupancy of a kernel.
type MaxActiveBlocksRequest struct {
	HostFunction     uint64
	BlockSize        int32
	DynamicSharedMem uint64
	Flags            uint32
}

// ParamConfigRequest queries the size and alignment of a kernel argument.
type ParamConfigRequest struct {
	HostFunction uint64
	Index        uint32
}

func (RegisterFatBinaryRequest) Kind() CallKind { return RegisterFatBinary }
func (RegisterFunctionRequest) Kind() CallKind  { return RegisterFunction }
func (MemcpyRequest) Kind() CallKind            { return Memcpy }
func (ConfigureCallRequest) Kind() CallKind     { return ConfigureCall }
func (SetArgumentRequest) Kind() CallKind       { return SetArgument }
func (LaunchRequest) Kind() CallKind            { return Launch }
func (FreeRequest) Kind() CallKind              { return Free }
func (GetLastErrorRequest) Kind() CallKind      { return GetLastError }
func (MallocRequest) Kind() CallKind            { return Malloc }
func (RegisterVarRequest) Kind() CallKind       { return RegisterVar }
func (MaxActiveBlocksRequest) Kind() CallKind   { return MaxActiveBlocks }
func (ParamConfigRequest) Kind() CallKind       { return ParamConfig }

func (RegisterFatBinaryRequest) isRequest() {}
func (RegisterFunctionRequest) isRequest()  {}
func (MemcpyRequest) isRequest()            {}
func (ConfigureCallRequest) isRequest()     {}
func (SetArgumentRequest) isRequest()       {}
func (LaunchRequest) isRequest()            {}
func (FreeRequest) isRequest()              {}
func (GetLastErrorRequest) isRequest()      {}
func (MallocRequest) isRequest()            {}
func (RegisterVarRequest) isRequest()       {}
func (MaxActiveBlocksRequest) isRequest()   {}
func (ParamConfigRequest) isRequest()       {}
