// Package collector drives the monitoring sources. Each registered
// source runs on its own timer; whatever it observes arrives at the
// pipeline intake as normalized signals. Concrete OS adapters plug in
// as Sources; the package ships the agent's self-telemetry source as
// the reference implementation.
package collector

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hdwhite1980/opsis-agent-sub000/internal/logging"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/metrics"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/signal"
)

// Source produces signals for one monitoring category. Collect runs the
// OS queries and must respect the context; the runner bounds each pass
// so a hung query cannot stack passes behind it.
type Source interface {
	Name() string
	Interval() time.Duration // 0 means the runner default
	Collect(ctx context.Context) ([]signal.Signal, error)
}

// Sink accepts collected signals. *pipeline.Pipeline satisfies it.
type Sink interface {
	Ingest(sig signal.Signal) bool
}

// Func adapts a plain function into a Source.
type Func struct {
	SourceName string
	Every      time.Duration
	CollectFn  func(ctx context.Context) ([]signal.Signal, error)
}

func (f Func) Name() string            { return f.SourceName }
func (f Func) Interval() time.Duration { return f.Every }

func (f Func) Collect(ctx context.Context) ([]signal.Signal, error) {
	return f.CollectFn(ctx)
}

// Runner owns the collection tasks: one goroutine per source, each on
// its own ticker, started together by Run and drained before Run
// returns.
type Runner struct {
	sink    Sink
	def     time.Duration
	sources []Source
	log     zerolog.Logger
}

// NewRunner builds a runner delivering to sink. defaultInterval applies
// to sources that do not name their own.
func NewRunner(sink Sink, defaultInterval time.Duration) *Runner {
	if defaultInterval <= 0 {
		defaultInterval = time.Minute
	}
	return &Runner{
		sink: sink,
		def:  defaultInterval,
		log:  logging.WithComponent("collector"),
	}
}

// Register adds a source. Call before Run; the source list is fixed
// once the tasks start.
func (r *Runner) Register(src Source) {
	r.sources = append(r.sources, src)
}

// Sources returns the registered source names in start order.
func (r *Runner) Sources() []string {
	names := make([]string, len(r.sources))
	for i, src := range r.sources {
		names[i] = src.Name()
	}
	return names
}

// Run starts every source task and blocks until ctx ends and all of
// them have stopped. Each task makes one pass immediately, then on its
// ticker.
func (r *Runner) Run(ctx context.Context) error {
	if len(r.sources) == 0 {
		r.log.Warn().Msg("no sources registered")
		<-ctx.Done()
		return nil
	}

	var wg sync.WaitGroup
	for _, src := range r.sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			r.runSource(ctx, src)
		}(src)
	}
	r.log.Info().Strs("sources", r.Sources()).Msg("collectors started")

	wg.Wait()
	r.log.Info().Msg("collectors stopped")
	return nil
}

func (r *Runner) runSource(ctx context.Context, src Source) {
	interval := src.Interval()
	if interval <= 0 {
		interval = r.def
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.collect(ctx, src, interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.collect(ctx, src, interval)
		}
	}
}

// collect runs one pass. A pass may not outlive its own period.
func (r *Runner) collect(ctx context.Context, src Source, interval time.Duration) {
	passCtx, cancel := context.WithTimeout(ctx, interval)
	defer cancel()

	sigs, err := src.Collect(passCtx)
	if err != nil {
		metrics.CollectorPasses.WithLabelValues(src.Name(), "error").Inc()
		r.log.Warn().Err(err).Str("source", src.Name()).Msg("collect pass failed")
		return
	}
	metrics.CollectorPasses.WithLabelValues(src.Name(), "ok").Inc()

	for _, sig := range sigs {
		r.sink.Ingest(sig)
	}
}
