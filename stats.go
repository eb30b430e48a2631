package main

import (
	"math"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// PipelineStats collects per-frame processing latency for the run summary
// and the status overlay.
type PipelineStats struct {
	mu         sync.Mutex
	started    time.Time
	latencies  []float64 // milliseconds
	frames     int64
	skipped    int64
	fpsWindow  []time.Time
	windowSize int
}

// Summary is the end-of-run report.
type Summary struct {
	Frames      int64
	Skipped     int64
	Elapsed     time.Duration
	MeanLatency time.Duration
	StdDev      time.Duration
	P95Latency  time.Duration
	AverageFPS  float64
}

// NewPipelineStats creates a new pipeline statistics tracker
func NewPipelineStats() *PipelineStats {
	return &PipelineStats{started: time.Now(), windowSize: 30}
}

// Observe records one processed frame.
func (s *PipelineStats) Observe(latency time.Duration) {
	s.observeAt(time.Now(), latency)
}

func (s *PipelineStats) observeAt(now time.Time, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frames++
	s.latencies = append(s.latencies, float64(latency)/float64(time.Millisecond))
	s.fpsWindow = append(s.fpsWindow, now)
	if len(s.fpsWindow) > s.windowSize {
		s.fpsWindow = s.fpsWindow[len(s.fpsWindow)-s.windowSize:]
	}
}

// Skip records a frame that could not be processed.
func (s *PipelineStats) Skip() {
	s.mu.Lock()
	s.skipped++
	s.mu.Unlock()
}

// FPS is the recent throughput over the sliding window.
func (s *PipelineStats) FPS() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.fpsWindow) < 2 {
		return 0
	}
	span := s.fpsWindow[len(s.fpsWindow)-1].Sub(s.fpsWindow[0])
	if span <= 0 {
		return 0
	}
	return float64(len(s.fpsWindow)-1) / span.Seconds()
}

// Summary computes the run report.
func (s *PipelineStats) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := Summary{
		Frames:  s.frames,
		Skipped: s.skipped,
		Elapsed: time.Since(s.started),
	}
	if len(s.latencies) == 0 {
		return sum
	}

	mean, std := stat.MeanStdDev(s.latencies, nil)
	sorted := append([]float64(nil), s.latencies...)
	sort.Float64s(sorted)
	p95 := stat.Quantile(0.95, stat.Empirical, sorted, nil)

	sum.MeanLatency = msToDuration(mean)
	sum.StdDev = msToDuration(std)
	sum.P95Latency = msToDuration(p95)
	if mean > 0 {
		sum.AverageFPS = 1000 / mean
	}
	return sum
}

func msToDuration(ms float64) time.Duration {
	// a single sample has an undefined std dev
	if math.IsNaN(ms) {
		return 0
	}
	return time.Duration(ms * float64(time.Millisecond))
}
