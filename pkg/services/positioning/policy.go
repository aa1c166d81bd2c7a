package positioning

import "time"

const (
	// LowBatteryThreshold is the level at or below which sampling degrades.
	LowBatteryThreshold = 0.2
	// LowPowerMaxReadingAge is the cached-fix age accepted on low battery.
	LowPowerMaxReadingAge = 30 * time.Second
)

// Sampling is the accuracy/staleness pair chosen by the battery policy.
type Sampling struct {
	EnableHighAccuracy bool
	MaxReadingAge      time.Duration
}

// ChooseSampling picks sampling parameters from the remaining battery level.
// known is false when the power state cannot be observed, which is treated
// like a healthy battery.
func ChooseSampling(level float64, known bool) Sampling {
	if !known || level > LowBatteryThreshold {
		return Sampling{EnableHighAccuracy: true, MaxReadingAge: 0}
	}
	return Sampling{EnableHighAccuracy: false, MaxReadingAge: LowPowerMaxReadingAge}
}

// WithSampling returns a copy of c using the given sampling parameters.
func (c Config) WithSampling(s Sampling) Config {
	c.EnableHighAccuracy = s.EnableHighAccuracy
	c.MaxReadingAge = s.MaxReadingAge
	return c
}
