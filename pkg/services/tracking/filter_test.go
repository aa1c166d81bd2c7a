package tracking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"constellation-tracker/pkg/ontology"
)

func at(lat, lon float64, ts time.Time) ontology.PositionReading {
	return ontology.PositionReading{
		OwnerID:   "owner-1",
		Latitude:  lat,
		Longitude: lon,
		Accuracy:  5,
		Timestamp: ts,
		Source:    ontology.SourceForeground,
	}
}

func TestFilterAccept(t *testing.T) {
	f := Filter{MinTime: DefaultMinTime, MinDistance: DefaultMinDistance}
	t0 := time.UnixMilli(1715003456000)
	last := at(-6.2, 106.8, t0)

	tests := []struct {
		name      string
		candidate ontology.PositionReading
		last      *ontology.PositionReading
		lastAt    time.Time
		want      bool
	}{
		{
			name:      "first reading is always kept",
			candidate: at(-6.2, 106.8, t0),
			want:      true,
		},
		{
			name:      "far enough and late enough",
			candidate: at(-6.201, 106.8, t0.Add(40*time.Second)),
			last:      &last,
			lastAt:    t0,
			want:      true,
		},
		{
			name:      "too soon",
			candidate: at(-6.201, 106.8, t0.Add(5*time.Second)),
			last:      &last,
			lastAt:    t0,
			want:      false,
		},
		{
			name:      "too close",
			candidate: at(-6.20002, 106.8, t0.Add(40*time.Second)),
			last:      &last,
			lastAt:    t0,
			want:      false,
		},
		{
			name:      "one millisecond short of min time",
			candidate: at(-6.201, 106.8, t0.Add(DefaultMinTime-time.Millisecond)),
			last:      &last,
			lastAt:    t0,
			want:      false,
		},
		{
			name:      "exactly min time",
			candidate: at(-6.201, 106.8, t0.Add(DefaultMinTime)),
			last:      &last,
			lastAt:    t0,
			want:      true,
		},
		{
			name:      "candidate older than last accepted",
			candidate: at(-6.3, 106.8, t0.Add(-time.Minute)),
			last:      &last,
			lastAt:    t0,
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.Accept(tt.candidate, tt.last, tt.lastAt))
		})
	}
}
