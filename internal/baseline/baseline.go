// Package baseline learns the normal operating range of each metric and
// answers whether a fresh sample is out of character for the device and
// the hour of day. It is a noise gate, not an alerting system: until a
// metric has enough history the answer is always "insufficient data" and
// the caller must let the signal through.
package baseline

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Verdict is the profiler's answer for one sample.
type Verdict int

const (
	InsufficientData Verdict = iota
	WithinNormal
	Anomalous
)

func (v Verdict) String() string {
	switch v {
	case Anomalous:
		return "anomalous"
	case WithinNormal:
		return "within_normal"
	default:
		return "insufficient_data"
	}
}

const (
	hoursPerDay         = 24
	maxSamplesPerBucket = 64
	lowQuantile         = 0.05
	highQuantile        = 0.95
)

type hourBucket struct {
	Samples []float64 `json:"samples"`
	next    int
}

func (b *hourBucket) push(v float64) {
	if len(b.Samples) < maxSamplesPerBucket {
		b.Samples = append(b.Samples, v)
		return
	}
	b.Samples[b.next] = v
	b.next = (b.next + 1) % maxSamplesPerBucket
}

type series struct {
	Hours [hoursPerDay]*hourBucket `json:"hours"`
}

// Profiler keeps rolling per-metric sample history bucketed by hour of
// day. Mutations happen on the pipeline domain; the mutex exists so
// snapshot readers can observe a consistent view.
type Profiler struct {
	mu sync.RWMutex

	metrics       map[string]*series
	minBuckets    int     // distinct ready hour buckets before bands apply
	minSamples    int     // samples a bucket needs before it is ready
	marginPercent float64 // widening applied to the quantile band
}

// New returns an empty profiler. minBuckets distinct hour buckets, each
// holding minSamples or more, must exist for a metric before it stops
// answering InsufficientData.
func New(minBuckets, minSamples, marginPercent int) *Profiler {
	if minBuckets <= 0 || minBuckets > hoursPerDay {
		minBuckets = hoursPerDay
	}
	if minSamples <= 0 {
		minSamples = 4
	}
	return &Profiler{
		metrics:       make(map[string]*series),
		minBuckets:    minBuckets,
		minSamples:    minSamples,
		marginPercent: float64(marginPercent),
	}
}

// Record feeds one sample into the metric's history. Samples are recorded
// for every observation, gated or not, so the profile keeps learning even
// while signals are suppressed.
func (p *Profiler) Record(key string, value float64, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.metrics[key]
	if s == nil {
		s = &series{}
		p.metrics[key] = s
	}
	h := at.Hour()
	if s.Hours[h] == nil {
		s.Hours[h] = &hourBucket{}
	}
	s.Hours[h].push(value)
}

// Check classifies value against the metric's learned band for the
// sample's hour of day.
func (p *Profiler) Check(key string, value float64, at time.Time) Verdict {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := p.metrics[key]
	if s == nil {
		return InsufficientData
	}

	ready := 0
	for _, b := range s.Hours {
		if b != nil && len(b.Samples) >= p.minSamples {
			ready++
		}
	}
	if ready < p.minBuckets {
		return InsufficientData
	}

	b := s.Hours[at.Hour()]
	if b == nil || len(b.Samples) < p.minSamples {
		return InsufficientData
	}

	lo := quantile(b.Samples, lowQuantile)
	hi := quantile(b.Samples, highQuantile)
	margin := (hi - lo) * p.marginPercent / 100
	if margin == 0 {
		// Flat history still tolerates a sliver of drift.
		margin = math.Abs(hi) * p.marginPercent / 100
	}
	if value < lo-margin || value > hi+margin {
		return Anomalous
	}
	return WithinNormal
}

// Deviations reports which of the given metric keys currently sit outside
// their learned band. Used to annotate escalation payloads.
func (p *Profiler) Deviations(samples map[string]float64, at time.Time) map[string]bool {
	out := make(map[string]bool, len(samples))
	for key, v := range samples {
		out[key] = p.Check(key, v, at) == Anomalous
	}
	return out
}

// quantile returns the q-th quantile of values using linear interpolation.
func quantile(values []float64, q float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}
