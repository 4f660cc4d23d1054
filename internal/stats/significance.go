// Package stats implements the two-proportion z-test used to decide whether
// a leading variant's click-through advantage is statistically meaningful.
package stats

import "math"

// minSampleSize is the per-variant impression floor below which the normal
// approximation of the z-test is unreliable.
const minSampleSize = 30

// Confidence runs a one-sided two-proportion z-test of the hypothesis that
// variant A's click-through rate exceeds variant B's. It returns a confidence
// level in [0, 1), bucketed at the conventional critical values, or 0 when
// either sample is too small or A is not ahead.
func Confidence(impressionsA, clicksA, impressionsB, clicksB int64) float64 {
	if impressionsA < minSampleSize || impressionsB < minSampleSize {
		return 0
	}

	pA := float64(clicksA) / float64(impressionsA)
	pB := float64(clicksB) / float64(impressionsB)
	if pA == pB {
		return 0
	}

	// Pooled proportion under the null hypothesis pA == pB
	pooled := float64(clicksA+clicksB) / float64(impressionsA+impressionsB)
	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(impressionsA) + 1/float64(impressionsB)))
	if se == 0 {
		return 0
	}

	z := (pA - pB) / se
	if z <= 0 {
		return 0
	}

	switch {
	case z >= 2.576:
		return 0.995
	case z >= 1.96:
		return 0.975
	case z >= 1.645:
		return 0.95
	case z >= 1.28:
		return 0.90
	default:
		// Linear interpolation below the first critical value
		return 0.5 + z/1.28*0.40
	}
}
