package benchmark

import (
	"fmt"
	"io"
	"time"

	"mmiotest/memory"
	"mmiotest/validator"
)

// BenchmarkStats tracks how much traffic a run pushed through the window
type BenchmarkStats struct {
	Up            bool
	StartTime     time.Time
	Trials        uint64
	Mismatches    uint64
	BytesWritten  uint64
	BytesRead     uint64
	DistinctSlots map[uint64]struct{}
}

// NewBenchmarkStats creates a new BenchmarkStats instance
func NewBenchmarkStats(up bool) *BenchmarkStats {
	return &BenchmarkStats{
		StartTime:     time.Now(),
		Up:            up,
		DistinctSlots: make(map[uint64]struct{}),
	}
}

// Observe records one round trip, one word stored and one word loaded
func (bs *BenchmarkStats) Observe(t validator.Trial) {
	if !bs.Up {
		return
	}

	bs.Trials++
	bs.BytesWritten += memory.WordSize
	bs.BytesRead += memory.WordSize
	bs.DistinctSlots[t.Address] = struct{}{}
	if !t.Passed() {
		bs.Mismatches++
	}
}

// PrintStats outputs the current performance statistics
func (bs *BenchmarkStats) PrintStats(w io.Writer) {
	if !bs.Up {
		return
	}

	elapsed := time.Since(bs.StartTime)

	fmt.Fprintln(w, "\n--- Region Validator Statistics ---")
	fmt.Fprintf(w, "Running time: %v\n", elapsed)
	fmt.Fprintf(w, "Trials: %d (%d distinct addresses, %d mismatches)\n", bs.Trials, len(bs.DistinctSlots), bs.Mismatches)
	fmt.Fprintf(w, "Bytes written: %d, bytes read: %d\n", bs.BytesWritten, bs.BytesRead)

	if seconds := elapsed.Seconds(); seconds > 0 && bs.Trials > 0 {
		fmt.Fprintf(w, "Round trips: %.0f/s (%.2f ns per trial)\n",
			float64(bs.Trials)/seconds, float64(elapsed.Nanoseconds())/float64(bs.Trials))
	}
}

// Timer provides a simple way to time code blocks
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// StopAndPrint ends the timer and prints the elapsed time
func (t *Timer) StopAndPrint(w io.Writer) time.Duration {
	elapsed := time.Since(t.start)
	fmt.Fprintf(w, "[BENCHMARK] %s took %v\n", t.name, elapsed)
	return elapsed
}
