package proxy

import (
	"fmt"

	"github.com/sarchlab/gpuproxy/callpacket"
	"github.com/sarchlab/gpuproxy/dma"
	"github.com/sarchlab/gpuproxy/mem"
	"github.com/sarchlab/gpuproxy/sim"
	"github.com/sarchlab/gpuproxy/transaction"
)

// CallState is the progress of a call.
type CallState int

// The call states.
const (
	AwaitingPacketRead CallState = iota
	Dispatched
	ImmediateComplete
	AwaitingDMAOrCallback
	ResponseSent
)

func (s CallState) String() string {
	switch s {
	case AwaitingPacketRead:
		return "AwaitingPacketRead"
	case Dispatched:
		return "Dispatched"
	case ImmediateComplete:
		return "ImmediateComplete"
	case AwaitingDMAOrCallback:
		return "AwaitingDMAOrCallback"
	case ResponseSent:
		return "ResponseSent"
	default:
		return fmt.Sprintf("CallState(%d)", int(s))
	}
}

// A call is one GPU runtime call from a CPU core, from the command-register
// write until the acknowledgement.
type call struct {
	taskID      string
	cpuCore     int
	trigger     *mem.WriteReq
	packetAddr  uint64
	packet      callpacket.CallPacket
	disposition callpacket.Disposition
	state       CallState
	startTime   sim.VTimeInSec

	staging    uint64
	hasStaging bool
}

func (c *call) kind() callpacket.CallKind {
	return c.packet.Kind()
}

func (c *call) String() string {
	return fmt.Sprintf("call %s (%s, cpu core %d, %s)",
		c.trigger.ID, c.kind(), c.cpuCore, c.state)
}

// CallRecord is the item of the HookPosCallDone hook.
type CallRecord struct {
	ID        string
	CPUCore   int
	Kind      callpacket.CallKind
	Error     callpacket.ErrorCode
	StartTime sim.VTimeInSec
	EndTime   sim.VTimeInSec
}

// HookPosCallDone marks when a call is acknowledged.
var HookPosCallDone = &sim.HookPos{Name: "Proxy Call Done"}

type packetReadCtx struct {
	call *call
}

func (*packetReadCtx) TransactionKind() transaction.Kind {
	return transaction.ReadCallPacket
}

type returnWriteCtx struct {
	call *call
	then func()
}

func (*returnWriteCtx) TransactionKind() transaction.Kind {
	return transaction.WriteReturnPacket
}

type cacheCtx struct {
	kind  transaction.Kind
	core  int
	token uint64
}

func (c *cacheCtx) TransactionKind() transaction.Kind {
	return c.kind
}

type memOp struct {
	req mem.AccessReq
	ctx transaction.Context
}

var _ transaction.Context = (*dma.StepContext)(nil)
