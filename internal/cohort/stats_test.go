package cohort

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/karte/internal/model"
)

func testSnapshot() model.MetricSnapshot {
	return model.MetricSnapshot{
		PatientCount:     1200,
		AdmissionCount:   1500,
		ReadmitRate:      0.18,
		Readmit30dRate:   0.15,
		Readmit7dRate:    0.05,
		MortalityRate:    0.12,
		LOSMean:          6.4,
		LOSMedian:        5.0,
		LOSStddev:        4.2,
		LongStayRate:     0.30,
		ICUAdmissionRate: 1.0,
		EREntryRate:      0.55,
	}
}

func TestBootstrapSeedDeterministic(t *testing.T) {
	base := model.DefaultCohortParams()
	sim := base
	sim.AgeThreshold = 75

	d1, s1 := bootstrapSeed(base, sim)
	d2, s2 := bootstrapSeed(base, sim)
	assert.Equal(t, d1, d2)
	assert.Equal(t, s1, s2)

	d3, _ := bootstrapSeed(base, base)
	assert.NotEqual(t, d1, d3)
}

func TestConfidenceReproducible(t *testing.T) {
	base := testSnapshot()
	sim := testSnapshot()
	sim.ReadmitRate = 0.14
	sim.LOSMean = 5.1

	digest, seed := bootstrapSeed(model.DefaultCohortParams(), model.DefaultCohortParams())
	p1 := confidencePayload(base, sim, digest, rand.New(rand.NewSource(seed)))
	p2 := confidencePayload(base, sim, digest, rand.New(rand.NewSource(seed)))

	require.Equal(t, p1, p2)
	assert.Equal(t, digest, p1.Seed)
}

func TestConfidenceIdenticalArmsNotSignificant(t *testing.T) {
	snap := testSnapshot()
	digest, seed := bootstrapSeed(model.DefaultCohortParams(), model.DefaultCohortParams())
	payload := confidencePayload(snap, snap, digest, rand.New(rand.NewSource(seed)))

	require.NotEmpty(t, payload.Metrics)
	for _, m := range payload.Metrics {
		assert.False(t, m.Significant, "metric %s", m.Metric)
		assert.Zero(t, m.Delta, "metric %s", m.Metric)
		assert.GreaterOrEqual(t, m.PValue, 0.9, "metric %s", m.Metric)
	}
}

func TestConfidenceMetricOrder(t *testing.T) {
	snap := testSnapshot()
	digest, seed := bootstrapSeed(model.DefaultCohortParams(), model.DefaultCohortParams())
	payload := confidencePayload(snap, snap, digest, rand.New(rand.NewSource(seed)))

	want := []string{
		"readmit_rate", "readmit_30d_rate", "readmit_7d_rate",
		"mortality_rate", "long_stay_rate", "icu_admission_rate",
		"er_entry_rate", "los_mean",
	}
	got := make([]string, len(payload.Metrics))
	for i, m := range payload.Metrics {
		got[i] = m.Metric
	}
	assert.Equal(t, want, got)
}

func TestConfidenceDetectsLargeShift(t *testing.T) {
	base := testSnapshot()
	base.AdmissionCount = 5000
	base.ReadmitRate = 0.10
	sim := base
	sim.ReadmitRate = 0.20

	digest, seed := bootstrapSeed(model.DefaultCohortParams(), model.DefaultCohortParams())
	payload := confidencePayload(base, sim, digest, rand.New(rand.NewSource(seed)))

	var readmit model.MetricConfidence
	for _, m := range payload.Metrics {
		if m.Metric == "readmit_rate" {
			readmit = m
		}
	}
	require.Equal(t, "readmit_rate", readmit.Metric)
	assert.InDelta(t, 0.10, readmit.Delta, 1e-9)
	assert.Less(t, readmit.PValue, 0.05)
	assert.True(t, readmit.Significant)
	assert.Greater(t, readmit.EffectSize, 0.0)
	assert.Less(t, readmit.BootstrapCI95[0], readmit.BootstrapCI95[1])
}

func TestProportionConfidenceCIBracketsDelta(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	m := proportionConfidence("readmit_rate", 0.15, 2000, 0.18, 2000, rng)

	assert.LessOrEqual(t, m.CI95[0], m.Delta)
	assert.GreaterOrEqual(t, m.CI95[1], m.Delta)
	assert.InDelta(t, 0.03, m.Delta, 1e-9)
}

func TestMeanConfidenceZeroSpread(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	m := meanConfidence("los_mean", 6.0, 0, 1000, 6.0, 0, 1000, rng)

	assert.Zero(t, m.Delta)
	assert.False(t, m.Significant)
}

func TestNormalSF(t *testing.T) {
	assert.InDelta(t, 0.5, normalSF(0), 1e-12)
	assert.InDelta(t, 0.025, normalSF(1.959964), 1e-4)
	assert.InDelta(t, 0.975, normalSF(-1.959964), 1e-4)
}

func TestPercentileCI(t *testing.T) {
	samples := make([]float64, 1000)
	for i := range samples {
		samples[i] = float64(i)
	}
	ci := percentileCI(samples)
	assert.Less(t, ci[0], ci[1])
	assert.InDelta(t, 25, ci[0], 5)
	assert.InDelta(t, 975, ci[1], 5)
}

func TestBetaSampleRange(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		v := betaSample(rng, 3, 17)
		require.False(t, math.IsNaN(v))
		require.GreaterOrEqual(t, v, 0.0)
		require.LessOrEqual(t, v, 1.0)
	}
}

func TestSignificantRequiresBothSignals(t *testing.T) {
	assert.True(t, significant(0.01, [2]float64{0.02, 0.08}))
	assert.False(t, significant(0.20, [2]float64{0.02, 0.08}))
	assert.False(t, significant(0.01, [2]float64{-0.01, 0.08}))
	assert.False(t, significant(1.0, [2]float64{0, 0}))
}
