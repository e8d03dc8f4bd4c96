package callpacket

// A ReturnPacket is what the proxy writes back for a call. Done stays false
// while a blocking call is accepted but not yet complete.
type ReturnPacket struct {
	Error  ErrorCode
	Done   bool
	Result Result
}

// Kind returns the kind of the call that the packet answers.
func (p ReturnPacket) Kind() CallKind {
	if p.Result == nil {
		return 0
	}

	return p.Result.Kind()
}

// Result is the kind-specific part of a return packet. Only the types in
// this package implement it.
type Result interface {
	Kind() CallKind
	isResult()
}

// RegisterFatBinaryResult carries the handle of a registered binary.
type RegisterFatBinaryResult struct {
	Handle uint64
}

// MallocResult carries the allocated device address and where the CPU keeps
// the pointer.
type MallocResult struct {
	Address       uint64
	DevPtrAddress uint64
}

// MemcpyResult describes a copy. SimData is the caller-side buffer: the
// simulated host buffer when the copy uses simulated memory, the destination
// otherwise. RealData is the source of the copy.
type MemcpyResult struct {
	Direction Direction
	Size      uint64
	SimData   uint64
	RealData  uint64
}

// MaxActiveBlocksResult carries the occupancy query answer.
type MaxActiveBlocksResult struct {
	NumBlocks int32
}

// ParamConfigResult carries the size and alignment of a kernel argument.
type ParamConfigResult struct {
	Size      uint64
	Alignment uint64
}

// EmptyResult answers the calls that return nothing but a status.
type EmptyResult struct {
	CallKind CallKind
}

func (RegisterFatBinaryResult) Kind() CallKind { return RegisterFatBinary }
func (MallocResult) Kind() CallKind            { return Malloc }
func (MemcpyResult) Kind() CallKind            { return Memcpy }
func (MaxActiveBlocksResult) Kind() CallKind   { return MaxActiveBlocks }
func (ParamConfigResult) Kind() CallKind       { return ParamConfig }
func (r EmptyResult) Kind() CallKind           { return r.CallKind }

func (RegisterFatBinaryResult) isResult() {}
func (MallocResult) isResult()            {}
func (MemcpyResult) isResult()            {}
func (MaxActiveBlocksResult) isResult()   {}
func (ParamConfigResult) isResult()       {}
func (EmptyResult) isResult()             {}

// hasPayload tells if the kind has a result payload. The other kinds are
// answered with an EmptyResult.
func hasPayload(k CallKind) bool {
	switch k {
	case RegisterFatBinary, Malloc, Memcpy, MaxActiveBlocks, ParamConfig:
		return true
	default:
		return false
	}
}
