package hll

import (
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/axiomhq/hyperloglog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlpha(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0.673, alphaFor(16))
	assert.Equal(t, 0.697, alphaFor(32))
	assert.Equal(t, 0.709, alphaFor(64))
	assert.InDelta(t, 0.7213/(1+1.079/4096), alphaFor(4096), 1e-15)
}

func TestEstimateAccuracy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		lgK int
		n   int
	}{
		{12, 50},
		{12, 1000},
		{12, 100_000},
		{14, 20_000},
		{8, 5_000},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("lgK=%d/n=%d", tt.lgK, tt.n), func(t *testing.T) {
			t.Parallel()

			s := New(tt.lgK)
			ref := hyperloglog.New()
			for _, k := range keys("key", tt.n) {
				s.Update(k)
				ref.Insert(k)
			}

			// Four standard errors of the estimator.
			tolerance := 4 * 1.04 / math.Sqrt(float64(s.K()))
			got := s.Estimate()
			assert.InEpsilon(t, float64(tt.n), got, tolerance, "lgK=%d n=%d", tt.lgK, tt.n)

			// An independent implementation must land in the same
			// neighbourhood.
			refEst := float64(ref.Estimate())
			assert.InEpsilon(t, refEst, got, tolerance+0.05, "reference=%v", refEst)
		})
	}
}

func TestEstimateAccuracyLargeN(t *testing.T) {
	t.Parallel()
	if testing.Short() {
		t.Skip("two million updates")
	}

	const n = 2_000_000

	s := NewDefault()
	rng := rand.New(rand.NewPCG(42, 1042))
	for range n {
		s.UpdateHash(rng.Uint64())
	}
	require.True(t, s.IsDense())

	// Three standard errors at the default precision.
	tolerance := 3 * 1.04 / math.Sqrt(float64(s.K()))
	assert.InEpsilon(t, float64(n), s.Estimate(), tolerance)
}

func TestEstimateLinearCounting(t *testing.T) {
	t.Parallel()

	// With z empty registers out of k, the small-range estimate is
	// k*ln(k/z) exactly.
	s := New(10)
	s.ToDense()
	for i := range 100 {
		s.denseData[i*3] = 1
	}
	k := float64(s.K())
	assert.InDelta(t, k*math.Log(k/(k-100)), s.Estimate(), 1e-9)
}

func TestEstimateLargeRangeCorrection(t *testing.T) {
	t.Parallel()

	s := New(12)
	s.ToDense()
	for i := range s.denseData {
		s.denseData[i] = 18
	}

	k := float64(s.K())
	raw := alphaFor(s.K()) * k * k / (k * math.Ldexp(1, -18))
	require.Greater(t, raw, twoPow32/30)
	require.Less(t, raw, twoPow32)

	got := s.Estimate()
	assert.False(t, math.IsInf(got, 0) || math.IsNaN(got))
	assert.Greater(t, got, raw)
	assert.InDelta(t, -twoPow32*math.Log(1-raw/twoPow32), got, 1e-3)
}

func TestEstimateSaturated(t *testing.T) {
	t.Parallel()

	// Past the 32-bit hash space the correction is undefined; the raw
	// estimate is returned instead of NaN.
	s := New(4)
	s.ToDense()
	for i := range s.denseData {
		s.denseData[i] = maxValue
	}

	got := s.Estimate()
	assert.False(t, math.IsInf(got, 0) || math.IsNaN(got))
	assert.Greater(t, got, twoPow32)
}

func TestEstimateMonotonic(t *testing.T) {
	t.Parallel()

	regimes := []struct {
		name string
		from int
		to   int
	}{
		// Linear counting: every estimate stays below 2.5k.
		{"small range", 0, 1500},
		// Raw estimator well past 2.5k.
		{"raw range", 20_000, 40_000},
	}

	for _, r := range regimes {
		t.Run(r.name, func(t *testing.T) {
			t.Parallel()

			s := New(10)
			ks := keys("mono", r.to)
			for _, k := range ks[:r.from] {
				s.Update(k)
			}

			prev := s.Estimate()
			for _, k := range ks[r.from:] {
				s.Update(k)
				cur := s.Estimate()
				require.GreaterOrEqual(t, cur, prev)
				prev = cur
			}
		})
	}
}

func TestEstimateRepresentationIndependent(t *testing.T) {
	t.Parallel()

	s := NewDefault()
	for _, k := range keys("repr", 256) {
		s.Update(k)
	}
	require.True(t, s.IsSparse())

	sparseEst := s.Estimate()
	s.ToDense()
	assert.Equal(t, sparseEst, s.Estimate())
}

func TestDenseHistoZeroBlocks(t *testing.T) {
	t.Parallel()

	data := make([]byte, 37)
	data[9] = 3
	data[36] = 5

	h := getDenseHisto(data)
	assert.Equal(t, 35, h[0])
	assert.Equal(t, 1, h[3])
	assert.Equal(t, 1, h[5])
}
