package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func squareZone() *Zone {
	return &Zone{Points: []Point{{X: 10, Y: 10}, {X: 30, Y: 10}, {X: 30, Y: 30}, {X: 10, Y: 30}}}
}

func TestZoneContains(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		zone *Zone
		x, y float64
		want bool
	}{
		{"center of square", squareZone(), 20, 20, true},
		{"outside square", squareZone(), 50, 50, false},
		{"outside on one axis", squareZone(), 20, 50, false},
		{"nil zone", nil, 20, 20, false},
		{"empty zone", &Zone{}, 20, 20, false},
		{"degenerate two points", &Zone{Points: []Point{{X: 0, Y: 0}, {X: 10, Y: 10}}}, 5, 5, false},
		{
			"concave polygon notch",
			&Zone{Points: []Point{{X: 0, Y: 0}, {X: 40, Y: 0}, {X: 40, Y: 40}, {X: 20, Y: 10}, {X: 0, Y: 40}}},
			20, 30,
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.zone.Contains(tt.x, tt.y))
		})
	}
}

func TestZoneNear(t *testing.T) {
	t.Parallel()

	zone := squareZone()

	t.Run("inside is near", func(t *testing.T) {
		t.Parallel()
		assert.True(t, zone.Near(20, 20, 0))
	})

	t.Run("within tolerance of a vertex", func(t *testing.T) {
		t.Parallel()
		assert.True(t, zone.Near(33, 30, 5))
	})

	t.Run("beyond tolerance", func(t *testing.T) {
		t.Parallel()
		assert.False(t, zone.Near(40, 40, 5))
	})

	t.Run("nil zone is never near", func(t *testing.T) {
		t.Parallel()
		var z *Zone
		assert.False(t, z.Near(20, 20, 100))
	})

	t.Run("single point zone matches by distance only", func(t *testing.T) {
		t.Parallel()
		z := &Zone{Points: []Point{{X: 50, Y: 50}}}
		assert.True(t, z.Near(52, 50, 3))
		assert.False(t, z.Near(60, 50, 3))
	})
}
