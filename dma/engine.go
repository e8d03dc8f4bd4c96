// Package dma moves data between simulated memory and the native memory of
// the functional GPU model in chunks that never cross an alignment boundary.
package dma

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/sarchlab/gpuproxy/mem"
	"github.com/sarchlab/gpuproxy/sim"
	"github.com/sarchlab/gpuproxy/tracing"
	"github.com/sarchlab/gpuproxy/transaction"
	"go.uber.org/zap"
)

// Errors reported by the engine.
var (
	ErrOverlap      = errors.New("dma job overlaps a live job")
	ErrJobFinished  = errors.New("dma job already finished")
	ErrDataSize     = errors.New("dma step data size mismatch")
	ErrNativeAccess = errors.New("native memory access failed")
)

// A Port is where the engine sends its steps.
type Port interface {
	AsRemote() sim.RemotePort
	CanSend() bool
	Send(msg sim.Msg) *sim.SendError
}

// NativeMemory is the address space of the functional model.
type NativeMemory interface {
	ReadNative(addr, size uint64) ([]byte, error)
	WriteNative(addr uint64, data []byte) error
}

// Stats summarizes what the engine has done.
type Stats struct {
	JobsAdmitted uint64
	JobsDone     uint64
	StepsIssued  uint64
	BytesMoved   uint64
	LiveJobs     int
}

// Engine executes DMA jobs. It does not own a port; it sends its steps
// through the port of the component that ticks it, and that component hands
// the responses back with CompleteStep.
type Engine struct {
	sim.HookableBase

	name        string
	tracker     *transaction.Tracker
	native      NativeMemory
	port        Port
	mapper      mem.AddressToPortMapper
	stepSize    uint64
	maxInFlight int
	logger      *zap.Logger

	queue []*Job
	slots []*Job

	statsLock sync.Mutex
	stats     Stats
}

// Name returns the name of the engine.
func (e *Engine) Name() string {
	return e.name
}

// Admit queues a job. The continuation is called exactly once, after the
// last step of the job completes.
func (e *Engine) Admit(spec JobSpec, onDone func(*Job)) (*Job, error) {
	job := &Job{
		JobSpec:  spec,
		ID:       sim.GetIDGenerator().Generate(),
		StepSize: e.stepSize,
		Status:   Busy,
		slot:     -1,
		onDone:   onDone,
	}

	if other := e.overlappingJob(job); other != nil {
		return nil, fmt.Errorf("%w: %s overlaps %s", ErrOverlap, job, other)
	}

	e.queue = append(e.queue, job)

	e.statsLock.Lock()
	e.stats.JobsAdmitted++
	e.stats.LiveJobs++
	e.statsLock.Unlock()

	tracing.StartTask(job.ID, spec.ParentTaskID, e,
		"dma", spec.Direction.String(), job)
	e.logger.Debug("dma job admitted",
		zap.String("job", job.ID),
		zap.Stringer("direction", spec.Direction),
		zap.Uint64("sim_addr", spec.SimAddress),
		zap.Uint64("func_addr", spec.FuncAddress),
		zap.Uint64("size", spec.Size))

	return job, nil
}

func (e *Engine) overlappingJob(job *Job) *Job {
	for _, other := range e.liveJobs() {
		if other.simRange().Overlaps(job.simRange()) ||
			other.funcRange().Overlaps(job.funcRange()) {
			return other
		}
	}

	return nil
}

func (e *Engine) liveJobs() []*Job {
	jobs := make([]*Job, 0, len(e.queue)+len(e.slots))

	for _, j := range e.slots {
		if j != nil {
			jobs = append(jobs, j)
		}
	}

	return append(jobs, e.queue...)
}

// LiveJobs returns the jobs that are queued or running.
func (e *Engine) LiveJobs() []*Job {
	return e.liveJobs()
}

// Tick fills free slots and issues at most one step for every running job.
// It returns false when nothing happened.
func (e *Engine) Tick() bool {
	madeProgress := e.fillSlots()

	for _, job := range e.slots {
		if job == nil {
			continue
		}

		madeProgress = e.issueStep(job) || madeProgress
		madeProgress = e.finishIfDrained(job) || madeProgress
	}

	return madeProgress
}

func (e *Engine) fillSlots() bool {
	madeProgress := false

	for i := range e.slots {
		if len(e.queue) == 0 {
			break
		}

		if e.slots[i] != nil {
			continue
		}

		job := e.queue[0]
		e.queue = e.queue[1:]
		job.slot = i
		e.slots[i] = job
		madeProgress = true
	}

	return madeProgress
}

func (e *Engine) issueStep(job *Job) bool {
	if job.Status != Busy {
		return false
	}

	if job.Offset == job.Size {
		job.Status = Draining
		return true
	}

	if job.InFlight >= e.maxInFlight || !e.port.CanSend() {
		return false
	}

	simAddr := job.SimAddress + job.Offset
	size := min(
		mem.NextChunkSize(simAddr, job.Size-job.Offset,
			mem.AlignmentGranularity),
		e.stepSize,
	)

	req := e.buildStepReq(job, simAddr, size)
	if err := e.port.Send(req); err != nil {
		return false
	}

	ctx := &StepContext{job: job, Req: req, Offset: job.Offset, Size: size}
	if _, err := e.tracker.Begin(req.Meta().ID, ctx); err != nil {
		log.Panicf("dma %s: %v", job, err)
	}

	job.Offset += size
	job.InFlight++
	job.StepsIssued++

	if job.Offset == job.Size {
		job.Status = Draining
	}

	e.statsLock.Lock()
	e.stats.StepsIssued++
	e.statsLock.Unlock()

	tracing.TraceReqInitiate(req, e, job.ID)
	e.logger.Debug("dma step issued",
		zap.String("job", job.ID),
		zap.String("req", req.Meta().ID),
		zap.Uint64("addr", simAddr),
		zap.Uint64("size", size))

	return true
}

func (e *Engine) buildStepReq(job *Job, simAddr, size uint64) mem.AccessReq {
	if job.Direction == SimulatedToFunctional {
		return mem.ReadReqBuilder{}.
			WithSrc(e.port.AsRemote()).
			WithDst(e.mapper.Find(simAddr)).
			WithAddress(simAddr).
			WithByteSize(size).
			Build()
	}

	data, err := e.native.ReadNative(job.FuncAddress+job.Offset, size)
	if err != nil {
		log.Panicf("dma %s: %v: %v", job, ErrNativeAccess, err)
	}

	return mem.WriteReqBuilder{}.
		WithSrc(e.port.AsRemote()).
		WithDst(e.mapper.Find(simAddr)).
		WithAddress(simAddr).
		WithData(data).
		Build()
}

// CompleteStep applies the response of a step whose transaction has been
// resolved. Data is the read data of a SimulatedToFunctional step and is
// ignored otherwise.
func (e *Engine) CompleteStep(ctx *StepContext, data []byte) error {
	job := ctx.job
	if job.Status == Done {
		return fmt.Errorf("%w: %s", ErrJobFinished, job)
	}

	if job.Direction == SimulatedToFunctional {
		if uint64(len(data)) != ctx.Size {
			return fmt.Errorf("%w: %s got %d bytes for a %d-byte step",
				ErrDataSize, job, len(data), ctx.Size)
		}

		err := e.native.WriteNative(job.FuncAddress+ctx.Offset, data)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrNativeAccess, job, err)
		}
	}

	job.InFlight--

	e.statsLock.Lock()
	e.stats.BytesMoved += ctx.Size
	e.statsLock.Unlock()

	tracing.TraceReqFinalize(ctx.Req, e)
	e.finishIfDrained(job)

	return nil
}

func (e *Engine) finishIfDrained(job *Job) bool {
	if job.Status != Draining || job.InFlight > 0 {
		return false
	}

	job.Status = Done
	e.slots[job.slot] = nil
	job.slot = -1

	e.statsLock.Lock()
	e.stats.JobsDone++
	e.stats.LiveJobs--
	e.statsLock.Unlock()

	tracing.EndTask(job.ID, e)
	e.logger.Debug("dma job done",
		zap.String("job", job.ID),
		zap.Int("steps", job.StepsIssued))

	if job.onDone != nil {
		job.onDone(job)
	}

	return true
}

// Stats returns a snapshot of the engine statistics.
func (e *Engine) Stats() Stats {
	e.statsLock.Lock()
	defer e.statsLock.Unlock()

	return e.stats
}
