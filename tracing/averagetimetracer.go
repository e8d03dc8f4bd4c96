package tracing

import (
	"sync"

	"github.com/sarchlab/gpuproxy/sim"
)

// AverageTimeTracer keeps the running mean duration of the tasks that pass
// its filter. Overlapping tasks are measured independently.
type AverageTimeTracer struct {
	timeTeller sim.TimeTeller
	filter     TaskFilter

	lock     sync.Mutex
	mean     sim.VTimeInSec
	count    uint64
	inflight map[string]sim.VTimeInSec
}

// NewAverageTimeTracer creates a tracer that times the tasks selected by
// filter.
func NewAverageTimeTracer(
	timeTeller sim.TimeTeller,
	filter TaskFilter,
) *AverageTimeTracer {
	return &AverageTimeTracer{
		timeTeller: timeTeller,
		filter:     filter,
		inflight:   make(map[string]sim.VTimeInSec),
	}
}

// AverageTime returns the mean duration of the completed tasks, or zero if
// none has completed.
func (t *AverageTimeTracer) AverageTime() sim.VTimeInSec {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.mean
}

// TotalCount returns the number of completed tasks.
func (t *AverageTimeTracer) TotalCount() uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.count
}

// StartTask remembers when a selected task starts.
func (t *AverageTimeTracer) StartTask(task Task) {
	if !t.filter(task) {
		return
	}

	now := t.timeTeller.CurrentTime()

	t.lock.Lock()
	t.inflight[task.ID] = now
	t.lock.Unlock()
}

// StepTask is ignored.
func (t *AverageTimeTracer) StepTask(_ Task) {}

// EndTask folds the duration of a selected task into the mean. Tasks that
// were never started through this tracer are ignored.
func (t *AverageTimeTracer) EndTask(task Task) {
	now := t.timeTeller.CurrentTime()

	t.lock.Lock()
	defer t.lock.Unlock()

	start, ok := t.inflight[task.ID]
	if !ok {
		return
	}

	delete(t.inflight, task.ID)

	t.count++
	t.mean += (now - start - t.mean) / sim.VTimeInSec(t.count)
}
