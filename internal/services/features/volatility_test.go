package features

import (
	"testing"
	"time"

	"PolyPulse/internal/domain/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zigzag(n int, start time.Time, amp func(i int) float64) []models.Candle {
	out := make([]models.Candle, 0, n)
	price := 100.0
	for i := 0; i < n; i++ {
		if i > 0 {
			if i%2 == 1 {
				price *= 1 + amp(i)
			} else {
				price /= 1 + amp(i)
			}
		}
		out = append(out, models.Candle{Bucket: start.Add(time.Duration(i) * time.Minute), Close: price})
	}
	return out
}

func TestComputeLogReturns(t *testing.T) {
	assert.Nil(t, ComputeLogReturns(nil))
	r := ComputeLogReturns([]models.Candle{{Close: 100}, {Close: 0}, {Close: 110}})
	require.Len(t, r, 2)
	assert.Equal(t, 0.0, r[0])
	assert.Equal(t, 0.0, r[1])
}

func TestVolatilityRatio(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	steady := zigzag(61, start, func(int) float64 { return 0.01 })
	ratio, ok := VolatilityRatio(steady, 10, 60, "1m")
	require.True(t, ok)
	assert.InDelta(t, 1.0, ratio, 0.06)

	spike := zigzag(61, start, func(i int) float64 {
		if i > 50 {
			return 0.05
		}
		return 0.01
	})
	ratio, ok = VolatilityRatio(spike, 10, 60, "1m")
	require.True(t, ok)
	assert.Greater(t, ratio, 2.0)

	flat := zigzag(61, start, func(int) float64 { return 0 })
	_, ok = VolatilityRatio(flat, 10, 60, "1m")
	assert.False(t, ok)

	_, ok = VolatilityRatio(steady[:5], 10, 60, "1m")
	assert.False(t, ok)
}
