package platform

import (
	"github.com/sarchlab/gpuproxy/datarecording"
	"github.com/sarchlab/gpuproxy/monitoring"
	"github.com/sarchlab/gpuproxy/proxy"
	"github.com/sarchlab/gpuproxy/sim"
)

// CallTableName is the table that holds one row per runtime call.
const CallTableName = "api_call"

type callEntry struct {
	ID        string
	CPUCore   int
	Kind      string
	Blocking  bool
	Error     string
	StartTime float64
	EndTime   float64
}

// callRecorder writes every acknowledged call into the trace database.
type callRecorder struct {
	recorder datarecording.DataRecorder
}

func attachCallRecorder(p *proxy.Comp, r datarecording.DataRecorder) {
	r.CreateTable(CallTableName, callEntry{})
	p.AcceptHook(&callRecorder{recorder: r})
}

func (h *callRecorder) Func(ctx sim.HookCtx) {
	if ctx.Pos != proxy.HookPosCallDone {
		return
	}

	rec := ctx.Item.(proxy.CallRecord)
	h.recorder.InsertData(CallTableName, callEntry{
		ID:        rec.ID,
		CPUCore:   rec.CPUCore,
		Kind:      rec.Kind.String(),
		Blocking:  rec.Kind.Blocking(),
		Error:     rec.Error.String(),
		StartTime: float64(rec.StartTime),
		EndTime:   float64(rec.EndTime),
	})
}

// progressHook advances a progress bar as calls are acknowledged.
type progressHook struct {
	monitor *monitoring.Monitor
	bar     *monitoring.ProgressBar
}

func attachProgressBar(p *Platform, m *monitoring.Monitor) {
	p.Proxy.AcceptHook(&progressHook{
		monitor: m,
		bar:     m.CreateProgressBar("Runtime calls", uint64(p.NumCalls())),
	})
}

func (h *progressHook) Func(ctx sim.HookCtx) {
	if ctx.Pos != proxy.HookPosCallDone {
		return
	}

	h.bar.IncrementFinished(1)

	if h.bar.Done() {
		h.monitor.CompleteProgressBar(h.bar)
	}
}
