// Package spatial maps avatar positions to distances and playback volume.
package spatial

import (
	"math"

	"github.com/dkeye/Office/internal/domain"
)

const (
	DefaultThreshold   = 25.0
	DefaultMaxDistance = 50.0
)

// Distance is the Euclidean distance between two positions.
func Distance(a, b domain.Position) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// Volume maps a distance to a gain multiplier: full volume up to threshold,
// silence from maxDistance on and a linear falloff in between.
func Volume(distance, threshold, maxDistance float64) float64 {
	if distance <= threshold {
		return 1
	}
	if distance >= maxDistance {
		return 0
	}
	return 1 - (distance-threshold)/(maxDistance-threshold)
}

// Model is the proximity metric used by the controller.
type Model interface {
	Distance(a, b domain.Position) float64
	Threshold() float64
	MaxDistance() float64
}

// VolumeAt applies Volume with the model's bounds.
func VolumeAt(m Model, distance float64) float64 {
	return Volume(distance, m.Threshold(), m.MaxDistance())
}

// Euclidean is the continuous floor-plane model.
type Euclidean struct {
	ProximityThreshold float64
	Max                float64
}

func NewEuclidean(threshold, maxDistance float64) Euclidean {
	return Euclidean{ProximityThreshold: threshold, Max: maxDistance}
}

func (e Euclidean) Distance(a, b domain.Position) float64 { return Distance(a, b) }
func (e Euclidean) Threshold() float64                    { return e.ProximityThreshold }
func (e Euclidean) MaxDistance() float64                  { return e.Max }

// Room is a named rectangle on the floor plane, inclusive of its edges.
type Room struct {
	Name string  `mapstructure:"name"`
	X0   float64 `mapstructure:"x0"`
	Y0   float64 `mapstructure:"y0"`
	X1   float64 `mapstructure:"x1"`
	Y1   float64 `mapstructure:"y1"`
}

func (r Room) Contains(p domain.Position) bool {
	return p.X >= math.Min(r.X0, r.X1) && p.X <= math.Max(r.X0, r.X1) &&
		p.Y >= math.Min(r.Y0, r.Y1) && p.Y <= math.Max(r.Y0, r.Y1)
}

// Rooms collapses distance to 0 inside the same room and +Inf otherwise,
// so the same Volume contract yields "same room hears everything".
type Rooms struct {
	Rooms []Room
}

// RoomOf returns the first room containing p.
func (r Rooms) RoomOf(p domain.Position) (string, bool) {
	for _, room := range r.Rooms {
		if room.Contains(p) {
			return room.Name, true
		}
	}
	return "", false
}

func (r Rooms) Distance(a, b domain.Position) float64 {
	ra, okA := r.RoomOf(a)
	rb, okB := r.RoomOf(b)
	if okA && okB && ra == rb {
		return 0
	}
	return math.Inf(1)
}

func (r Rooms) Threshold() float64   { return 0 }
func (r Rooms) MaxDistance() float64 { return math.MaxFloat64 }
