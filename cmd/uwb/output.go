package main

import (
	"fmt"
	"io"
	"math"

	"github.com/fatih/color"

	"github.com/banshee-data/uwb.locator/internal/uwb/calibration"
	"github.com/banshee-data/uwb.locator/internal/uwb/pipeline"
)

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}

func good(format string, a ...interface{}) string {
	return color.New(color.Bold, color.FgGreen).Sprintf(format, a...)
}

func bad(format string, a ...interface{}) string {
	return color.New(color.Bold, color.FgRed).Sprintf(format, a...)
}

func checkmark(ok bool) string {
	if ok {
		return good("✔")
	}
	return bad("✘")
}

func printPipelineStats(w io.Writer, st pipeline.Stats) {
	fmt.Fprintf(w, "\n%s\n", bold("Pipeline"))
	fmt.Fprintf(w, "  frames:   %d\n", st.Frames)
	fmt.Fprintf(w, "  samples:  %d (ignored %d, negative %d)\n", st.Samples, st.Ignored, st.Negative)
	dropped := fmt.Sprint(st.Queue.Dropped)
	if st.Queue.Dropped > 0 {
		dropped = bad("%d", st.Queue.Dropped)
	}
	fmt.Fprintf(w, "  queue:    %d pushed, %d delivered, %s dropped\n", st.Queue.Pushed, st.Queue.Sent, dropped)
	if st.Retries > 0 {
		fmt.Fprintf(w, "  retries:  %s\n", bad("%d", st.Retries))
	}
}

func printSummaries(w io.Writer, summaries []pipeline.Summary) {
	fmt.Fprintf(w, "\n%s\n", bold("Distance statistics (cm)"))
	if len(summaries) == 0 {
		fmt.Fprintln(w, "  no samples")
		return
	}
	fmt.Fprintf(w, "  %-8s %7s %9s %9s %9s %9s %9s %9s\n", "anchor", "n", "mean", "stddev", "min", "q1", "median", "q3")
	for _, s := range summaries {
		fmt.Fprintf(w, "  %-8s %7d %9.2f %9.2f %9.2f %9.2f %9.2f %9.2f\n",
			s.Anchor, s.Count, s.Mean, s.StdDev, s.Min, s.Q1, s.Median, s.Q3)
	}
}

func printTriangStats(w io.Writer, st pipeline.TriangStats, last pipeline.Fix, ok bool) {
	fmt.Fprintf(w, "\n%s\n", bold("Positioning"))
	fmt.Fprintf(w, "  solved:        %s\n", good("%d", st.Solved))
	fmt.Fprintf(w, "  insufficient:  %d\n", st.Insufficient)
	fmt.Fprintf(w, "  degenerate:    %d\n", st.Degenerate)
	fmt.Fprintf(w, "  no solution:   %d\n", st.NoSolution)
	if !ok {
		fmt.Fprintf(w, "  last fix:      %s\n", bad("none"))
		return
	}
	fmt.Fprintf(w, "  last fix:      %s via %s, residual %.1f cm at %s\n",
		bold("%s", last.Point), last.Method, last.Residual, last.Time.Format("15:04:05.000"))
	if last.Alternative != nil {
		fmt.Fprintf(w, "  mirror:        %s\n", last.Alternative)
	}
	if last.IllConditioned {
		fmt.Fprintf(w, "  %s anchor geometry is ill-conditioned\n", bad("!"))
	}
}

func printCalibration(w io.Writer, st calibration.State, tolerance float64) {
	fmt.Fprintf(w, "\n%s\n", bold("Antenna delay calibration"))
	fmt.Fprintf(w, "  %-4s %8s %10s %10s %6s %6s\n", "iter", "delay", "mean cm", "error cm", "n", "")
	for _, e := range st.History {
		fmt.Fprintf(w, "  %-4d %8d %10.2f %+10.2f %6d %6s\n",
			e.Iteration, e.Delay, e.Mean, e.Error, e.Samples, checkmark(math.Abs(e.Error) <= tolerance))
	}
	switch st.Status {
	case calibration.StatusConverged:
		fmt.Fprintf(w, "  %s converged at delay %s after %d iterations\n",
			checkmark(true), good("%d (0x%04X)", st.Delay, st.Delay), st.Iteration)
	case calibration.StatusAborted:
		fmt.Fprintf(w, "  %s aborted at delay %d after %d iterations\n", checkmark(false), st.Delay, st.Iteration)
	default:
		fmt.Fprintf(w, "  %s at delay %d\n", st.Status, st.Delay)
	}
}
