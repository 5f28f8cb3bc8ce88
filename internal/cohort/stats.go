package cohort

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"math"
	"math/rand"

	"github.com/montanaflynn/stats"

	"github.com/ashita-ai/karte/internal/model"
)

const (
	bootstrapIters = 800
	zCrit          = 1.959964 // two-sided 95%
)

// bootstrapSeed derives the RNG seed from the JSON forms of both parameter
// sets, so repeating the same comparison replays the same draws. Returns
// the full hex digest (reported in the payload) and the int64 source seed
// (first 8 digest bytes).
func bootstrapSeed(baseline, simulated model.CohortParams) (string, int64) {
	h := sha256.New()
	bj, _ := json.Marshal(baseline)
	sj, _ := json.Marshal(simulated)
	h.Write(bj)
	h.Write(sj)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum), int64(binary.BigEndian.Uint64(sum[:8]))
}

// confidencePayload compares every reported metric between the two arms.
// The metric order is fixed: the bootstrap draws are consumed sequentially
// from one seeded source, so reordering would change every interval.
func confidencePayload(base, sim model.MetricSnapshot, digest string, rng *rand.Rand) model.ConfidencePayload {
	n1, n2 := base.AdmissionCount, sim.AdmissionCount

	out := model.ConfidencePayload{Seed: digest}
	addP := func(name string, p1, p2 float64) {
		out.Metrics = append(out.Metrics, proportionConfidence(name, p1, n1, p2, n2, rng))
	}
	addP("readmit_rate", base.ReadmitRate, sim.ReadmitRate)
	addP("readmit_30d_rate", base.Readmit30dRate, sim.Readmit30dRate)
	addP("readmit_7d_rate", base.Readmit7dRate, sim.Readmit7dRate)
	addP("mortality_rate", base.MortalityRate, sim.MortalityRate)
	addP("long_stay_rate", base.LongStayRate, sim.LongStayRate)
	addP("icu_admission_rate", base.ICUAdmissionRate, sim.ICUAdmissionRate)
	addP("er_entry_rate", base.EREntryRate, sim.EREntryRate)
	out.Metrics = append(out.Metrics, meanConfidence("los_mean",
		base.LOSMean, base.LOSStddev, n1, sim.LOSMean, sim.LOSStddev, n2, rng))
	return out
}

// proportionConfidence builds the uncertainty report for one rate: Wald CI
// on the delta, pooled two-proportion z-test, Cohen's h, and a parametric
// Beta bootstrap (posterior with a uniform prior per arm).
func proportionConfidence(metric string, p1 float64, n1 int, p2 float64, n2 int, rng *rand.Rand) model.MetricConfidence {
	mc := model.MetricConfidence{
		Metric:   metric,
		Baseline: p1, Simulated: p2,
		Delta:  p2 - p1,
		PValue: 1,
	}
	if n1 <= 0 || n2 <= 0 {
		return mc
	}
	f1, f2 := float64(n1), float64(n2)
	p1, p2 = clamp01(p1), clamp01(p2)

	se := math.Sqrt(p1*(1-p1)/f1 + p2*(1-p2)/f2)
	mc.CI95 = [2]float64{mc.Delta - zCrit*se, mc.Delta + zCrit*se}

	x1, x2 := p1*f1, p2*f2
	pool := (x1 + x2) / (f1 + f2)
	if poolVar := pool * (1 - pool) * (1/f1 + 1/f2); poolVar > 0 {
		z := mc.Delta / math.Sqrt(poolVar)
		mc.PValue = 2 * normalSF(math.Abs(z))
	}
	mc.EffectSize = 2*math.Asin(math.Sqrt(p2)) - 2*math.Asin(math.Sqrt(p1))

	deltas := make([]float64, bootstrapIters)
	for i := range deltas {
		b1 := betaSample(rng, x1+1, f1-x1+1)
		b2 := betaSample(rng, x2+1, f2-x2+1)
		deltas[i] = b2 - b1
	}
	mc.BootstrapCI95 = percentileCI(deltas)
	mc.Significant = significant(mc.PValue, mc.CI95)
	return mc
}

// meanConfidence is the mean-valued counterpart used for the LOS mean:
// Welch-style CI with a normal critical value, Cohen's d on the pooled SD,
// and a Gaussian-noise bootstrap over each arm's sampling distribution.
func meanConfidence(metric string, m1, sd1 float64, n1 int, m2, sd2 float64, n2 int, rng *rand.Rand) model.MetricConfidence {
	mc := model.MetricConfidence{
		Metric:   metric,
		Baseline: m1, Simulated: m2,
		Delta:  m2 - m1,
		PValue: 1,
	}
	if n1 <= 1 || n2 <= 1 {
		return mc
	}
	f1, f2 := float64(n1), float64(n2)

	se := math.Sqrt(sd1*sd1/f1 + sd2*sd2/f2)
	mc.CI95 = [2]float64{mc.Delta - zCrit*se, mc.Delta + zCrit*se}
	if se > 0 {
		mc.PValue = 2 * normalSF(math.Abs(mc.Delta/se))
	}

	if pooledVar := ((f1-1)*sd1*sd1 + (f2-1)*sd2*sd2) / (f1 + f2 - 2); pooledVar > 0 {
		mc.EffectSize = mc.Delta / math.Sqrt(pooledVar)
	}

	deltas := make([]float64, bootstrapIters)
	for i := range deltas {
		b1 := m1 + sd1/math.Sqrt(f1)*rng.NormFloat64()
		b2 := m2 + sd2/math.Sqrt(f2)*rng.NormFloat64()
		deltas[i] = b2 - b1
	}
	mc.BootstrapCI95 = percentileCI(deltas)
	mc.Significant = significant(mc.PValue, mc.CI95)
	return mc
}

// significant requires both the test and the interval to agree; a
// zero-width CI at zero (identical arms) stays non-significant.
func significant(pValue float64, ci [2]float64) bool {
	return pValue < 0.05 && (ci[0] > 0 || ci[1] < 0)
}

func percentileCI(samples []float64) [2]float64 {
	lo, errLo := stats.Percentile(samples, 2.5)
	hi, errHi := stats.Percentile(samples, 97.5)
	if errLo != nil || errHi != nil {
		return [2]float64{}
	}
	return [2]float64{lo, hi}
}

// normalSF is the standard normal survival function P(Z > z).
func normalSF(z float64) float64 {
	return 0.5 * math.Erfc(z/math.Sqrt2)
}

func clamp01(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}

// betaSample draws Beta(a, b) via two Gamma draws.
func betaSample(rng *rand.Rand, a, b float64) float64 {
	x := gammaSample(rng, a)
	y := gammaSample(rng, b)
	if x+y == 0 {
		return 0
	}
	return x / (x + y)
}

// gammaSample draws Gamma(shape, 1) with Marsaglia-Tsang squeeze; shapes
// below one use the standard boost through shape+1.
func gammaSample(rng *rand.Rand, shape float64) float64 {
	if shape <= 0 {
		return 0
	}
	if shape < 1 {
		u := rng.Float64()
		for u == 0 {
			u = rng.Float64()
		}
		return gammaSample(rng, shape+1) * math.Pow(u, 1/shape)
	}
	d := shape - 1.0/3.0
	c := 1 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}
