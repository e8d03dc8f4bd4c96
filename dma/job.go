package dma

import (
	"fmt"

	"github.com/sarchlab/gpuproxy/mem"
	"github.com/sarchlab/gpuproxy/transaction"
)

// Direction tells which way a job moves data.
type Direction int

// The job directions.
const (
	// SimulatedToFunctional reads simulated memory and stores the data into
	// the functional model's native memory.
	SimulatedToFunctional Direction = iota

	// FunctionalToSimulated reads native memory and writes the data into
	// simulated memory.
	FunctionalToSimulated
)

func (d Direction) String() string {
	switch d {
	case SimulatedToFunctional:
		return "SimulatedToFunctional"
	case FunctionalToSimulated:
		return "FunctionalToSimulated"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Status is the progress of a job.
type Status int

// The job statuses. A queued job is Busy but does not yet own a slot.
const (
	Busy Status = iota
	Draining
	Done
)

func (s Status) String() string {
	switch s {
	case Busy:
		return "Busy"
	case Draining:
		return "Draining"
	case Done:
		return "Done"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// JobSpec describes the copy that a job performs.
type JobSpec struct {
	Direction Direction

	// SimAddress is the base address in simulated memory.
	SimAddress uint64

	// FuncAddress is the base address in the functional model's native
	// memory.
	FuncAddress uint64

	Size uint64

	// ParentTaskID links the job to the task that requested it when tracing.
	ParentTaskID string
}

// A Job is one admitted copy between simulated and native memory.
type Job struct {
	JobSpec

	ID          string
	StepSize    uint64
	Offset      uint64
	InFlight    int
	Status      Status
	StepsIssued int

	slot   int
	onDone func(*Job)
}

// Slotted tells if the job owns a slot in the engine.
func (j *Job) Slotted() bool {
	return j.slot >= 0
}

func (j *Job) simRange() mem.AddressRange {
	return mem.AddressRange{Start: j.SimAddress, Size: j.Size}
}

func (j *Job) funcRange() mem.AddressRange {
	return mem.AddressRange{Start: j.FuncAddress, Size: j.Size}
}

func (j *Job) String() string {
	return fmt.Sprintf("job %s (%s, sim 0x%x, func 0x%x, %d bytes)",
		j.ID, j.Direction, j.SimAddress, j.FuncAddress, j.Size)
}

// A StepContext is attached to the transaction of one step of a job.
type StepContext struct {
	job    *Job
	Req    mem.AccessReq
	Offset uint64
	Size   uint64
}

// TransactionKind marks the step as a DMA transaction.
func (c *StepContext) TransactionKind() transaction.Kind {
	return transaction.DMAStep
}

// Job returns the job that the step belongs to.
func (c *StepContext) Job() *Job {
	return c.job
}
