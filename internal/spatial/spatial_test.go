package spatial

import (
	"math"
	"testing"

	"github.com/dkeye/Office/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestDistance(t *testing.T) {
	assert.InDelta(t, 5.0, Distance(domain.Position{X: 10, Y: 10}, domain.Position{X: 15, Y: 10}), 1e-9)
	assert.InDelta(t, 60.0, Distance(domain.Position{X: 10, Y: 10}, domain.Position{X: 70, Y: 10}), 1e-9)
	assert.InDelta(t, 5.0, Distance(domain.Position{X: 0, Y: 0}, domain.Position{X: 3, Y: 4}), 1e-9)
}

func TestVolumeBounds(t *testing.T) {
	const threshold, maxDistance = 25.0, 50.0

	for d := 0.0; d <= threshold; d += 0.5 {
		assert.Equal(t, 1.0, Volume(d, threshold, maxDistance), "d=%v", d)
	}
	for d := maxDistance; d <= 200; d += 2.5 {
		assert.Equal(t, 0.0, Volume(d, threshold, maxDistance), "d=%v", d)
	}
	assert.InDelta(t, 0.5, Volume(37.5, threshold, maxDistance), 1e-9)
	assert.Equal(t, 0.0, Volume(math.Inf(1), threshold, maxDistance))
}

func TestVolumeMonotonic(t *testing.T) {
	const threshold, maxDistance = 25.0, 50.0
	prev := Volume(threshold, threshold, maxDistance)
	for d := threshold; d <= maxDistance; d += 0.25 {
		v := Volume(d, threshold, maxDistance)
		assert.LessOrEqual(t, v, prev, "d=%v", d)
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
		prev = v
	}
}

func TestVolumeDegenerateBounds(t *testing.T) {
	assert.Equal(t, 1.0, Volume(10, 10, 10))
	assert.Equal(t, 0.0, Volume(10.01, 10, 10))
}

func TestRoomsModel(t *testing.T) {
	m := Rooms{Rooms: []Room{
		{Name: "kitchen", X0: 0, Y0: 0, X1: 50, Y1: 50},
		{Name: "lounge", X0: 50.01, Y0: 0, X1: 100, Y1: 50},
	}}
	kitchenA := domain.Position{X: 5, Y: 5}
	kitchenB := domain.Position{X: 45, Y: 45}
	lounge := domain.Position{X: 80, Y: 10}
	hallway := domain.Position{X: 80, Y: 90}

	assert.Equal(t, 0.0, m.Distance(kitchenA, kitchenB))
	assert.Equal(t, 1.0, VolumeAt(m, m.Distance(kitchenA, kitchenB)))
	assert.True(t, math.IsInf(m.Distance(kitchenA, lounge), 1))
	assert.Equal(t, 0.0, VolumeAt(m, m.Distance(kitchenA, lounge)))
	assert.True(t, math.IsInf(m.Distance(hallway, hallway), 1), "outside any room nobody is near")
}

func TestEuclideanModel(t *testing.T) {
	m := NewEuclidean(25, 50)
	d := m.Distance(domain.Position{X: 10, Y: 10}, domain.Position{X: 15, Y: 10})
	assert.InDelta(t, 5.0, d, 1e-9)
	assert.Equal(t, 1.0, VolumeAt(m, d))
}
