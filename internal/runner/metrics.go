package runner

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/metocean/bob-the-builder/internal/task"
)

// Stats accumulates per-session counters reported when the worker stops.
type Stats struct {
	mu sync.Mutex

	Started  int64
	Finished map[task.State]int64
	Canceled int64
	Skipped  int64

	PeakRSSBytes uint64

	// Latencies in milliseconds
	QueueWaitLatencies []int64
	BuildLatencies     []int64
	SweepLatencies     []int64
}

func (s *Stats) RecordStart(queueWait time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Started++
	s.QueueWaitLatencies = append(s.QueueWaitLatencies, queueWait.Milliseconds())
	buildsStarted.Inc()
	queueWaitTime.Observe(queueWait.Seconds())
}

func (s *Stats) RecordFinish(state task.State, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Finished == nil {
		s.Finished = map[task.State]int64{}
	}
	s.Finished[state]++
	s.BuildLatencies = append(s.BuildLatencies, elapsed.Milliseconds())
	buildsFinished.WithLabelValues(string(state)).Inc()
	buildDuration.WithLabelValues(string(state)).Observe(elapsed.Seconds())
}

func (s *Stats) RecordCancel(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Canceled++
	buildCancellations.WithLabelValues(reason).Inc()
}

func (s *Stats) RecordSkip() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Skipped++
}

func (s *Stats) RecordSweep(elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SweepLatencies = append(s.SweepLatencies, elapsed.Milliseconds())
	sweepDuration.Observe(elapsed.Seconds())
}

// RecordBuildMemory publishes the running build's resident set size and
// keeps the session peak.
func (s *Stats) RecordBuildMemory(rss uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PeakRSSBytes = max(s.PeakRSSBytes, rss)
	buildRSS.Set(float64(rss))
}

func (s *Stats) EndBuildMemory() {
	buildRSS.Set(0)
}

// Report logs a summary of the session.
func (s *Stats) Report(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()

	finished := map[string]int64{}
	for state, count := range s.Finished {
		finished[string(state)] = count
	}
	logger.Info("Worker session summary",
		"started", s.Started,
		"finished", finished,
		"canceled", s.Canceled,
		"skipped", s.Skipped,
		"peak_build_rss_bytes", s.PeakRSSBytes,
		"queue_wait_ms", summarize(s.QueueWaitLatencies),
		"build_ms", summarize(s.BuildLatencies),
		"sweep_ms", summarize(s.SweepLatencies),
	)
}

func summarize(latencies []int64) map[string]int64 {
	if len(latencies) == 0 {
		return nil
	}
	sorted := append([]int64(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return map[string]int64{
		"p50": sorted[len(sorted)*50/100],
		"p95": sorted[len(sorted)*95/100],
		"p99": sorted[len(sorted)*99/100],
	}
}
