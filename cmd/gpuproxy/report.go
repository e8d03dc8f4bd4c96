package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/sarchlab/gpuproxy/platform"
)

func seconds(v float64) string {
	return humanize.SIWithDigits(v, 2, "s")
}

func writeReport(w io.Writer, r platform.Report) {
	fmt.Fprintf(w, "Simulated time: %s\n", seconds(float64(r.SimTime)))
	fmt.Fprintf(w, "Runtime calls:  %d (%d failed)\n", r.CPUCalls, r.FailedCalls)
	fmt.Fprintf(w, "Mean call time: %s\n", seconds(float64(r.MeanCallTime)))
	fmt.Fprintf(w, "DMA:            %s in %d jobs\n",
		humanize.IBytes(r.DMA.BytesMoved), r.DMA.JobsDone)
	fmt.Fprintf(w, "Cache traffic:  %s reads, %s writes\n",
		humanize.Comma(int64(r.CacheReads)), humanize.Comma(int64(r.CacheWrites)))
	fmt.Fprintf(w, "Kernels:        %d\n", r.Model.Kernels)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "%-18s %6s %6s %12s %12s %12s\n",
		"CALL", "COUNT", "ERRORS", "MEAN", "STDDEV", "MAX")
	for _, c := range r.Calls {
		fmt.Fprintf(w, "%-18s %6d %6d %12s %12s %12s\n",
			c.Kind, c.Count, c.Errors,
			seconds(c.MeanLatency), seconds(c.StdDevLatency),
			seconds(c.MaxLatency))
	}

	if len(r.Verifications) == 0 {
		return
	}

	fmt.Fprintln(w)
	for _, v := range r.Verifications {
		fmt.Fprintf(w, "Verification %-12s %s/%s bytes correct (%.2f%%)\n",
			v.DPtr, humanize.Comma(int64(v.Correct)),
			humanize.Comma(int64(v.Total)), v.Ratio*100)
	}
}
