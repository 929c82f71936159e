package backoff

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponential(t *testing.T) {
	tests := []struct {
		name    string
		base    time.Duration
		attempt int
		want    time.Duration
	}{
		{"attempt zero", time.Second, 0, time.Second},
		{"doubles", time.Second, 1, 2 * time.Second},
		{"third attempt", 500 * time.Millisecond, 3, 4 * time.Second},
		{"negative attempt treated as zero", time.Second, -5, time.Second},
		{"zero base", 0, 4, 0},
		{"overflow clamps", time.Hour, 62, time.Duration(math.MaxInt64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Exponential(tt.base, tt.attempt))
		})
	}
}

func TestFullJitterBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := FullJitter(time.Second)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, time.Second)
	}

	assert.Equal(t, time.Duration(0), FullJitter(0))
	assert.Equal(t, time.Duration(0), FullJitter(-time.Second))
}

func TestExponentialWithJitterBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := ExponentialWithJitter(time.Second, 2)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, 4*time.Second)
	}
}

func TestPolicyNext(t *testing.T) {
	p := Policy{Base: time.Second, Cap: 30 * time.Second}

	for attempt := 0; attempt < 10; attempt++ {
		d := p.Next(attempt)
		assert.Greater(t, d, time.Duration(0), "attempt %d must yield a strictly positive delay", attempt)
		assert.LessOrEqual(t, d, 30*time.Second, "attempt %d must respect the cap", attempt)
	}

	// Attempt 0 jitters within [base/2, base).
	for i := 0; i < 50; i++ {
		d := p.Next(0)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.Less(t, d, time.Second)
	}
}
