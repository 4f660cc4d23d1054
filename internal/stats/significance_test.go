package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfidence(t *testing.T) {
	tests := []struct {
		name         string
		impressionsA int64
		clicksA      int64
		impressionsB int64
		clicksB      int64
		want         float64
	}{
		{
			name:         "sample A too small",
			impressionsA: 29, clicksA: 10,
			impressionsB: 1000, clicksB: 40,
			want: 0,
		},
		{
			name:         "sample B too small",
			impressionsA: 1000, clicksA: 50,
			impressionsB: 10, clicksB: 1,
			want: 0,
		},
		{
			name:         "equal proportions",
			impressionsA: 1000, clicksA: 50,
			impressionsB: 1000, clicksB: 50,
			want: 0,
		},
		{
			name:         "A behind B",
			impressionsA: 1000, clicksA: 40,
			impressionsB: 1000, clicksB: 50,
			want: 0,
		},
		{
			name:         "both variants with zero clicks",
			impressionsA: 500, clicksA: 0,
			impressionsB: 500, clicksB: 0,
			want: 0,
		},
		{
			name:         "strong lead reaches highest bucket",
			impressionsA: 10000, clicksA: 700,
			impressionsB: 10000, clicksB: 500,
			want: 0.995,
		},
		{
			name:         "modest lead below first critical value",
			impressionsA: 1000, clicksA: 50,
			impressionsB: 1000, clicksB: 40,
			// z ~ 1.05 for these counts, interpolated bucket
			want: 0.5 + 1.0482845147168869/1.28*0.40,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Confidence(tt.impressionsA, tt.clicksA, tt.impressionsB, tt.clicksB)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestConfidenceBuckets(t *testing.T) {
	// Growing the lead while holding sample size moves the result through
	// the buckets monotonically.
	var last float64
	for _, clicksA := range []int64{42, 45, 50, 60, 80} {
		got := Confidence(1000, clicksA, 1000, 40)
		assert.GreaterOrEqual(t, got, last, "confidence should not decrease as the lead grows")
		last = got
	}
	assert.Equal(t, 0.995, last)
}

func TestConfidenceIsOneSided(t *testing.T) {
	ahead := Confidence(1000, 80, 1000, 40)
	behind := Confidence(1000, 40, 1000, 80)

	assert.Greater(t, ahead, 0.9)
	assert.Zero(t, behind)
}
