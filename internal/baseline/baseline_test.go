package baseline

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fill seeds every hour bucket with enough samples around center.
func fill(p *Profiler, key string, center float64) {
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	for hour := 0; hour < 24; hour++ {
		at := base.Add(time.Duration(hour) * time.Hour)
		for i := 0; i < 8; i++ {
			p.Record(key, center+float64(i%5), at)
		}
	}
}

func TestInsufficientDataUntilTrained(t *testing.T) {
	p := New(24, 4, 10)
	at := time.Date(2025, 3, 2, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, InsufficientData, p.Check("metric-cpu-usage", 99, at))

	// A few buckets of history is still not a profile.
	for hour := 0; hour < 6; hour++ {
		ts := time.Date(2025, 3, 1, hour, 0, 0, 0, time.UTC)
		for i := 0; i < 8; i++ {
			p.Record("metric-cpu-usage", 40, ts)
		}
	}
	assert.Equal(t, InsufficientData, p.Check("metric-cpu-usage", 99, at))
}

func TestAnomalousOutsideBand(t *testing.T) {
	p := New(24, 4, 10)
	fill(p, "metric-cpu-usage", 40)
	at := time.Date(2025, 3, 2, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, WithinNormal, p.Check("metric-cpu-usage", 42, at))
	assert.Equal(t, Anomalous, p.Check("metric-cpu-usage", 97, at))
	assert.Equal(t, Anomalous, p.Check("metric-cpu-usage", 2, at))
}

func TestPerProcessSeriesIndependent(t *testing.T) {
	p := New(24, 4, 10)
	fill(p, "process:chrome:memory", 60)

	at := time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, Anomalous, p.Check("process:chrome:memory", 95, at))
	assert.Equal(t, InsufficientData, p.Check("process:outlook:memory", 95, at))
}

func TestDeviations(t *testing.T) {
	p := New(24, 4, 10)
	fill(p, "metric-cpu-usage", 40)
	fill(p, "metric-memory-usage", 55)
	at := time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC)

	flags := p.Deviations(map[string]float64{
		"metric-cpu-usage":    99,
		"metric-memory-usage": 56,
	}, at)
	assert.True(t, flags["metric-cpu-usage"])
	assert.False(t, flags["metric-memory-usage"])
}

func TestSaveLoadKeepsProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "baseline.json")

	p := New(24, 4, 10)
	fill(p, "metric-cpu-usage", 40)
	require.NoError(t, p.Save(path))

	restored := New(24, 4, 10)
	require.NoError(t, restored.Load(path))

	at := time.Date(2025, 3, 2, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, Anomalous, restored.Check("metric-cpu-usage", 97, at))
	assert.Equal(t, WithinNormal, restored.Check("metric-cpu-usage", 41, at))
}

func TestBucketRingCaps(t *testing.T) {
	p := New(1, 4, 10)
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < maxSamplesPerBucket*3; i++ {
		p.Record("metric-cpu-usage", float64(i%10), at)
	}
	s := p.metrics["metric-cpu-usage"]
	assert.Len(t, s.Hours[10].Samples, maxSamplesPerBucket)
}
