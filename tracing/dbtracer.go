package tracing

import (
	"sync"

	"github.com/sarchlab/gpuproxy/datarecording"
	"github.com/sarchlab/gpuproxy/sim"
)

const taskTableName = "trace"

type taskTableEntry struct {
	ID        string
	ParentID  string
	Kind      string
	What      string
	Location  string
	StartTime float64
	EndTime   float64
}

// DBTracer is a tracer that stores completed tasks into a data recorder.
// Tasks that are still running when the tracer terminates are stored with the
// termination time as the end time.
type DBTracer struct {
	lock       sync.Mutex
	timeTeller sim.TimeTeller
	backend    datarecording.DataRecorder

	startTime, endTime sim.VTimeInSec

	tracingTasks map[string]Task
}

// NewDBTracer creates a new DBTracer.
func NewDBTracer(
	timeTeller sim.TimeTeller,
	dataRecorder datarecording.DataRecorder,
) *DBTracer {
	dataRecorder.CreateTable(taskTableName, taskTableEntry{})

	t := &DBTracer{
		timeTeller:   timeTeller,
		backend:      dataRecorder,
		tracingTasks: make(map[string]Task),
	}

	return t
}

// SetTimeRange limits the tracer to the tasks that overlap with
// [startTime, endTime]. A zero bound means unlimited.
func (t *DBTracer) SetTimeRange(startTime, endTime sim.VTimeInSec) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.startTime = startTime
	t.endTime = endTime
}

// StartTask marks the start of a task.
func (t *DBTracer) StartTask(task Task) {
	t.lock.Lock()
	defer t.lock.Unlock()

	task.StartTime = t.timeTeller.CurrentTime()
	if t.endTime > 0 && task.StartTime > t.endTime {
		return
	}

	t.tracingTasks[task.ID] = task
}

// StepTask marks a step of a task.
func (t *DBTracer) StepTask(task Task) {
	t.lock.Lock()
	defer t.lock.Unlock()

	originalTask, ok := t.tracingTasks[task.ID]
	if !ok {
		return
	}

	for _, step := range task.Steps {
		step.Time = t.timeTeller.CurrentTime()
		originalTask.Steps = append(originalTask.Steps, step)
	}

	t.tracingTasks[task.ID] = originalTask
}

// EndTask marks the end of a task.
func (t *DBTracer) EndTask(task Task) {
	t.lock.Lock()
	defer t.lock.Unlock()

	originalTask, ok := t.tracingTasks[task.ID]
	if !ok {
		return
	}

	delete(t.tracingTasks, task.ID)

	originalTask.EndTime = t.timeTeller.CurrentTime()
	if t.startTime > 0 && originalTask.EndTime < t.startTime {
		return
	}

	t.write(originalTask)
}

// Terminate stores the unfinished tasks and flushes the recorder.
func (t *DBTracer) Terminate() {
	t.lock.Lock()
	defer t.lock.Unlock()

	now := t.timeTeller.CurrentTime()
	for _, task := range t.tracingTasks {
		task.EndTime = now
		t.write(task)
	}

	t.tracingTasks = make(map[string]Task)
	t.backend.Flush()
}

func (t *DBTracer) write(task Task) {
	t.backend.InsertData(taskTableName, taskTableEntry{
		ID:        task.ID,
		ParentID:  task.ParentID,
		Kind:      task.Kind,
		What:      task.What,
		Location:  task.Where,
		StartTime: float64(task.StartTime),
		EndTime:   float64(task.EndTime),
	})
}
