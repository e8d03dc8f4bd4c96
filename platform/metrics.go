package platform

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sarchlab/gpuproxy/mem/idealmemcontroller"
)

const metricsNamespace = "gpuproxy"

func desc(name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", name), help, labels, nil)
}

// collector exposes the statistics of a platform to Prometheus.
type collector struct {
	p *Platform

	calls          *prometheus.Desc
	callErrors     *prometheus.Desc
	pendingCalls   *prometheus.Desc
	pendingTrans   *prometheus.Desc
	returnWrites   *prometheus.Desc
	cacheAccesses  *prometheus.Desc
	dmaBytes       *prometheus.Desc
	dmaLiveJobs    *prometheus.Desc
	deviceInUse    *prometheus.Desc
	kernels        *prometheus.Desc
	cpuCalls       *prometheus.Desc
	cpuFailedCalls *prometheus.Desc
	memory         *prometheus.Desc
}

// Collector returns a Prometheus collector over the platform statistics.
func (p *Platform) Collector() prometheus.Collector {
	return newCollector(p)
}

func newCollector(p *Platform) *collector {
	return &collector{
		p: p,
		calls: desc("proxy_calls_total",
			"Runtime calls acknowledged by the proxy.", "kind"),
		callErrors: desc("proxy_call_errors_total",
			"Runtime calls that returned an error code.", "kind"),
		pendingCalls: desc("proxy_pending_calls",
			"Calls received but not yet acknowledged."),
		pendingTrans: desc("proxy_pending_transactions",
			"Outstanding memory transactions of the proxy.", "kind"),
		returnWrites: desc("proxy_return_writes_total",
			"Return packets written to CPU memory."),
		cacheAccesses: desc("proxy_cache_accesses_total",
			"Accesses issued on the GPU cache links.", "op"),
		dmaBytes: desc("dma_bytes_total",
			"Bytes moved by the DMA engine."),
		dmaLiveJobs: desc("dma_live_jobs",
			"DMA jobs admitted and not yet done."),
		deviceInUse: desc("model_device_memory_bytes",
			"Device memory allocated in the functional model."),
		kernels: desc("model_kernels_total",
			"Kernels executed by the functional model."),
		cpuCalls: desc("cpu_calls_total",
			"Runtime calls completed by the CPU."),
		cpuFailedCalls: desc("cpu_failed_calls_total",
			"Runtime calls that the CPU saw fail."),
		memory: desc("memory_total",
			"Requests and bytes served by a memory controller.",
			"memory", "stat"),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.calls, c.callErrors, c.pendingCalls, c.pendingTrans,
		c.returnWrites, c.cacheAccesses, c.dmaBytes, c.dmaLiveJobs,
		c.deviceInUse, c.kernels, c.cpuCalls, c.cpuFailedCalls, c.memory,
	} {
		ch <- d
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	proxyStats := c.p.Proxy.Stats()
	cpuStats := c.p.CPU.Stats()
	modelStats := c.p.Model.Stats()

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(
			d, prometheus.CounterValue, float64(v), labels...)
	}

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(
			d, prometheus.GaugeValue, v, labels...)
	}

	for kind, ks := range proxyStats.Calls {
		counter(c.calls, ks.Count, kind.String())
		counter(c.callErrors, ks.Errors, kind.String())
	}

	for kind, n := range proxyStats.PendingByKind {
		gauge(c.pendingTrans, float64(n), kind.String())
	}

	gauge(c.pendingCalls, float64(proxyStats.PendingCalls))
	counter(c.returnWrites, proxyStats.ReturnWrites)
	counter(c.cacheAccesses, proxyStats.CacheReads, "read")
	counter(c.cacheAccesses, proxyStats.CacheWrites, "write")
	counter(c.dmaBytes, proxyStats.DMA.BytesMoved)
	gauge(c.dmaLiveJobs, float64(proxyStats.DMA.LiveJobs))
	gauge(c.deviceInUse, float64(modelStats.DeviceInUse))
	counter(c.kernels, modelStats.Kernels)
	counter(c.cpuCalls, cpuStats.Calls)
	counter(c.cpuFailedCalls, cpuStats.FailedCalls)

	for _, m := range []*idealmemcontroller.Comp{c.p.CPUMemory, c.p.GPUMemory} {
		for stat, v := range m.Stats() {
			ch <- prometheus.MustNewConstMetric(
				c.memory, prometheus.CounterValue, v, m.Name(), stat)
		}
	}
}
