package positioning

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChooseSampling(t *testing.T) {
	cases := []struct {
		name     string
		level    float64
		known    bool
		wantHigh bool
		wantAge  time.Duration
	}{
		{"unobservable battery", 0, false, true, 0},
		{"full battery", 1, true, true, 0},
		{"just above threshold", 0.21, true, true, 0},
		{"at threshold", 0.2, true, false, 30 * time.Second},
		{"nearly empty", 0.05, true, false, 30 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := ChooseSampling(tc.level, tc.known)
			assert.Equal(t, tc.wantHigh, s.EnableHighAccuracy)
			assert.Equal(t, tc.wantAge, s.MaxReadingAge)
		})
	}
}

func TestConfigWithSamplingKeepsTimeout(t *testing.T) {
	cfg := DefaultConfig().WithSampling(Sampling{EnableHighAccuracy: false, MaxReadingAge: time.Minute})
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.False(t, cfg.EnableHighAccuracy)
	assert.Equal(t, time.Minute, cfg.MaxReadingAge)
}
