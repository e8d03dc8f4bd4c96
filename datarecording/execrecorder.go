package datarecording

import (
	"os"
	"strings"
	"time"
)

type execInfo struct {
	Property string
	Value    string
}

const execTableName = "exec_info"

// execRecorder records how the program was launched.
type execRecorder struct {
	recorder DataRecorder
	entries  []execInfo
}

func newExecRecorder(recorder DataRecorder) *execRecorder {
	e := &execRecorder{recorder: recorder}
	recorder.CreateTable(execTableName, execInfo{})

	return e
}

// Start collects the start time, the command, and the working directory.
func (e *execRecorder) Start() {
	startTime := time.Now().Format("2006-01-02 15:04:05.000000000")
	e.entries = append(e.entries, execInfo{"Start Time", startTime})

	cmd := strings.Join(os.Args, " ")
	e.entries = append(e.entries, execInfo{"Command", cmd})

	cwd, err := os.Getwd()
	if err != nil {
		panic(err)
	}

	e.entries = append(e.entries, execInfo{"Working Directory", cwd})
}

// End writes the collected entries along with the end time.
func (e *execRecorder) End() {
	for _, entry := range e.entries {
		e.recorder.InsertData(execTableName, entry)
	}

	endTime := time.Now().Format("2006-01-02 15:04:05.000000000")
	e.recorder.InsertData(execTableName, execInfo{"End Time", endTime})

	e.entries = nil
}
