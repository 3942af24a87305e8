package utils

import (
	"fmt"
	"io"
	"os"
	"time"
)

// Verbose controls whether progress and timing statistics are printed.
// Set to false to suppress output.
var Verbose = true

// Output is the writer where progress and timing statistics are printed.
// Defaults to os.Stdout.
var Output io.Writer = os.Stdout

// Logf prints one progress line to Output when Verbose is set.
func Logf(format string, args ...interface{}) {
	if !Verbose {
		return
	}
	fmt.Fprintf(Output, format+"\n", args...)
}

// TimingStats holds timing information for different pipeline stages
type TimingStats struct {
	TotalTime      time.Duration
	ProtocolTime   time.Duration
	SynthesisTime  time.Duration
	FitTime        time.Duration
	EvaluateTime   time.Duration
	LoadTime       time.Duration
	PredictTime    time.Duration
	CorrectionTime time.Duration
	SaveTime       time.Duration
}

// PrintTimingStats prints detailed timing statistics.
// Respects the Verbose flag - does nothing if Verbose is false.
func PrintTimingStats(stats *TimingStats, attempts int) {
	if !Verbose {
		return
	}
	fmt.Fprintln(Output, "\n=== TIMING STATISTICS ===")
	fmt.Fprintf(Output, "Total time: %v\n", stats.TotalTime)
	if attempts > 0 {
		fmt.Fprintf(Output, "Training attempts: %d\n", attempts)
		fmt.Fprintf(Output, "Average time per attempt: %v\n", (stats.SynthesisTime+stats.FitTime+stats.EvaluateTime)/time.Duration(attempts))
	}
	fmt.Fprintln(Output, "\nBreakdown by stage:")
	printShare("Protocol parsing", stats.ProtocolTime, stats.TotalTime)
	printShare("Synthetic data", stats.SynthesisTime, stats.TotalTime)
	printShare("Fitting", stats.FitTime, stats.TotalTime)
	printShare("Evaluation", stats.EvaluateTime, stats.TotalTime)
	printShare("Volume loading", stats.LoadTime, stats.TotalTime)
	printShare("Prediction", stats.PredictTime, stats.TotalTime)
	printShare("Correction", stats.CorrectionTime, stats.TotalTime)
	printShare("Saving", stats.SaveTime, stats.TotalTime)
}

func printShare(name string, d, total time.Duration) {
	if d == 0 {
		return
	}
	pct := 0.0
	if total > 0 {
		pct = float64(d) / float64(total) * 100
	}
	fmt.Fprintf(Output, "  %s: %v (%.1f%%)\n", name, d, pct)
}

// DurationUS converts any time.Duration to micro-seconds as float64
func DurationUS(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1_000.0
}
