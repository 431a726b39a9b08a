package conversation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/callbridge/media-bridge/internal/metrics"
)

// Stage names recorded on a LatencyBudget.
const (
	StageSTT      = "stt"
	StageLLMTTFT  = "llm_ttft"
	StageLLMTotal = "llm_total"
	StageTTSTTFB  = "tts_ttfb"
)

// LatencyBudget tracks one interaction's stage latencies against a target,
// starting from the moment the caller's speech ended.
type LatencyBudget struct {
	targetMs int64

	mu       sync.Mutex
	start    time.Time
	stages   map[string]int64
	finished bool
	report   Report
}

// NewLatencyBudget creates a budget with the given target in milliseconds
// (default 1500 if targetMs <= 0).
func NewLatencyBudget(targetMs int64) *LatencyBudget {
	if targetMs <= 0 {
		targetMs = 1500
	}
	return &LatencyBudget{targetMs: targetMs, stages: make(map[string]int64)}
}

// Start marks the moment the user's speech ended. If at is the zero value,
// time.Now() is used.
func (b *LatencyBudget) Start(at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if at.IsZero() {
		at = time.Now()
	}
	b.start = at
}

// RecordStage records one stage's duration.
func (b *LatencyBudget) RecordStage(name string, durationMs int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stages[name] = durationMs
	metrics.StageDuration.WithLabelValues(name).Observe(float64(durationMs) / 1000)
}

// Report is a read-only view of a budget's current state.
type Report struct {
	ElapsedMs  int64
	Stages     map[string]int64
	TargetMs   int64
	OverBudget bool
}

// Finish computes total monotonic elapsed time, emits a metric
// observation, and logs at WARN if elapsed exceeds the target (with the
// stage breakdown) or INFO otherwise. Idempotent: only the first call
// observes and logs; later calls return the cached Report.
func (b *LatencyBudget) Finish() Report {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finished {
		return b.report
	}

	elapsed := time.Since(b.start).Milliseconds()
	metrics.E2EDuration.Observe(float64(elapsed) / 1000)

	over := elapsed > b.targetMs
	if over {
		slog.Warn("conversation: latency budget exceeded",
			"elapsed_ms", elapsed, "target_ms", b.targetMs, "stages", b.stages)
	} else {
		slog.Info("conversation: turn latency", "elapsed_ms", elapsed, "stages", b.stages)
	}

	b.report = Report{
		ElapsedMs:  elapsed,
		Stages:     copyStages(b.stages),
		TargetMs:   b.targetMs,
		OverBudget: over,
	}
	b.finished = true
	return b.report
}

// IsOverBudget reports whether elapsed time so far already exceeds target.
func (b *LatencyBudget) IsOverBudget() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Since(b.start).Milliseconds() > b.targetMs
}

func copyStages(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
