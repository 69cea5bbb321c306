package collector

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/hdwhite1980/opsis-agent-sub000/internal/signal"
)

// SelfSource samples the agent's own process: goroutine count and heap
// in use. The readings are informational, so they train the baseline
// profiler without ever reaching the decision engine, and a runaway
// agent shows up in its own telemetry.
type SelfSource struct {
	every time.Duration
}

// NewSelfSource builds the self-monitoring source.
func NewSelfSource(every time.Duration) *SelfSource {
	return &SelfSource{every: every}
}

func (s *SelfSource) Name() string            { return "self" }
func (s *SelfSource) Interval() time.Duration { return s.every }

func (s *SelfSource) Collect(_ context.Context) ([]signal.Signal, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	heapMB := float64(ms.HeapAlloc) / (1 << 20)
	goroutines := runtime.NumGoroutine()

	return []signal.Signal{
		signal.NewSystemSignal(signal.CategoryMetric, "agent_heap_mb", "",
			signal.SeverityInfo, heapMB, 0,
			fmt.Sprintf("agent heap %.1f MiB", heapMB)),
		signal.NewSystemSignal(signal.CategoryMetric, "agent_goroutines", "",
			signal.SeverityInfo, float64(goroutines), 0,
			fmt.Sprintf("agent running %d goroutines", goroutines)),
	}, nil
}
