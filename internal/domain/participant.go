package domain

import "math"

const (
	PlaneMin = 0.0
	PlaneMax = 100.0
)

// Position is a point on the normalized [0,100] floor plane.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Clamp keeps the position on the floor plane. NaN coordinates become 0.
func (p Position) Clamp() Position {
	return Position{X: clampAxis(p.X), Y: clampAxis(p.Y)}
}

func clampAxis(v float64) float64 {
	if math.IsNaN(v) {
		return PlaneMin
	}
	return math.Max(PlaneMin, math.Min(PlaneMax, v))
}

// Participant is one avatar in an office.
// No transport or lifecycle logic here.
type Participant struct {
	User
	Position     Position `json:"position"`
	VoiceEnabled bool     `json:"voiceEnabled"`
	Status       string   `json:"status,omitempty"`
}
