// Package platform assembles a trace-driven CPU, its memory, the command
// proxy, and a functional GPU model into one simulated system.
package platform

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sarchlab/gpuproxy/callpacket"
	"github.com/sarchlab/gpuproxy/dma"
	"github.com/sarchlab/gpuproxy/functional"
	"github.com/sarchlab/gpuproxy/mem/idealmemcontroller"
	"github.com/sarchlab/gpuproxy/proxy"
	"github.com/sarchlab/gpuproxy/sim"
	"github.com/sarchlab/gpuproxy/sim/directconnection"
	"github.com/sarchlab/gpuproxy/testcpu"
	"github.com/sarchlab/gpuproxy/tracing"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ErrIncomplete is returned when the simulation runs out of events before
// the CPU finishes its trace.
var ErrIncomplete = errors.New("trace replay did not complete")

// Platform is a whole simulated system.
type Platform struct {
	*sim.Domain

	Engine    sim.Engine
	CPU       *testcpu.Comp
	CPUMemory *idealmemcontroller.Comp
	GPUMemory *idealmemcontroller.Comp
	Proxy     *proxy.Comp
	Model     *functional.Model
	CPUConn   *directconnection.Comp
	GPUConn   *directconnection.Comp

	numCalls  int
	callTimer *tracing.AverageTimeTracer
}

// NumCalls returns how many runtime calls the CPU is going to issue.
func (p *Platform) NumCalls() int {
	return p.numCalls
}

// Run replays the trace until the CPU finishes.
func (p *Platform) Run() error {
	p.CPU.Start()

	if err := p.Engine.Run(); err != nil {
		return fmt.Errorf("running simulation: %w", err)
	}

	p.Engine.Finished()

	if err := p.CPU.Err(); err != nil {
		return err
	}

	if !p.CPU.Stats().Finished {
		return fmt.Errorf("%w: stopped after %d calls",
			ErrIncomplete, p.CPU.Stats().Calls)
	}

	return nil
}

// KindReport summarizes the calls of one kind.
type KindReport struct {
	Kind          callpacket.CallKind
	Count         uint64
	Errors        uint64
	MeanLatency   float64
	StdDevLatency float64
	MaxLatency    float64
}

// Report summarizes a finished run.
type Report struct {
	SimTime       sim.VTimeInSec
	MeanCallTime  sim.VTimeInSec
	Calls         []KindReport
	CPUCalls      uint64
	FailedCalls   uint64
	ReturnWrites  uint64
	CacheReads    uint64
	CacheWrites   uint64
	DMA           dma.Stats
	Model         functional.Stats
	Verifications []testcpu.Verification
}

// Verified tells if every device-to-host copy matched its expected data.
func (r Report) Verified() bool {
	for _, v := range r.Verifications {
		if v.Correct != v.Total {
			return false
		}
	}

	return true
}

// Report collects the statistics of the components.
func (p *Platform) Report() Report {
	proxyStats := p.Proxy.Stats()
	cpuStats := p.CPU.Stats()

	r := Report{
		SimTime:       p.Engine.CurrentTime(),
		MeanCallTime:  p.callTimer.AverageTime(),
		CPUCalls:      cpuStats.Calls,
		FailedCalls:   cpuStats.FailedCalls,
		ReturnWrites:  proxyStats.ReturnWrites,
		CacheReads:    proxyStats.CacheReads,
		CacheWrites:   proxyStats.CacheWrites,
		DMA:           proxyStats.DMA,
		Model:         p.Model.Stats(),
		Verifications: cpuStats.Verifications,
	}

	for kind, ks := range proxyStats.Calls {
		r.Calls = append(r.Calls, summarize(kind, ks))
	}

	sort.Slice(r.Calls, func(i, j int) bool {
		return r.Calls[i].Kind < r.Calls[j].Kind
	})

	return r
}

func summarize(kind callpacket.CallKind, ks proxy.KindStats) KindReport {
	kr := KindReport{
		Kind:   kind,
		Count:  ks.Count,
		Errors: ks.Errors,
	}

	switch len(ks.Latencies) {
	case 0:
	case 1:
		kr.MeanLatency = ks.Latencies[0]
		kr.MaxLatency = ks.Latencies[0]
	default:
		kr.MeanLatency, kr.StdDevLatency = stat.MeanStdDev(ks.Latencies, nil)
		kr.MaxLatency = floats.Max(ks.Latencies)
	}

	return kr
}
