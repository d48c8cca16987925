// Package audio holds the inbound audio path of a media session: the
// loudness meter feeding speaking detection and the gain-controlled output.
package audio

import (
	"math"
	"sync/atomic"

	"github.com/dkeye/Office/internal/core"
	"github.com/pion/rtp"
)

const (
	maxDBov = 127
	// Opus DTX and comfort-noise frames are at most a few bytes.
	silentPayloadLen = 3
	fullPayloadLen   = 60
	meterSmoothing   = 0.5
)

// Meter tracks the loudness of one inbound stream as a value in [0,1].
// Observe is called by the single pump goroutine, Level from anywhere.
type Meter struct {
	extID  uint8
	hasExt bool
	level  atomic.Uint64
}

// NewMeter decides once whether levels come from the RFC 6464 header
// extension or from the payload-size estimate.
func NewMeter(track core.RemoteTrack) *Meter {
	m := &Meter{}
	if track != nil {
		m.extID, m.hasExt = track.AudioLevelExtension()
	}
	return m
}

// UsesHeaderExtension reports which level source was selected.
func (m *Meter) UsesHeaderExtension() bool { return m.hasExt }

func (m *Meter) Observe(pkt *rtp.Packet) {
	if pkt == nil {
		return
	}
	sample, ok := m.sample(pkt)
	if !ok {
		return
	}
	prev := m.Level()
	m.store(meterSmoothing*sample + (1-meterSmoothing)*prev)
}

func (m *Meter) sample(pkt *rtp.Packet) (float64, bool) {
	if m.hasExt {
		if raw := pkt.GetExtension(m.extID); raw != nil {
			var ext rtp.AudioLevelExtension
			if err := ext.Unmarshal(raw); err == nil {
				return Loudness(ext.Level), true
			}
		}
	}
	return payloadLoudness(len(pkt.Payload)), true
}

// Level returns the smoothed loudness.
func (m *Meter) Level() float64 {
	return math.Float64frombits(m.level.Load())
}

// Reset drops the accumulated level, e.g. when the stream stops.
func (m *Meter) Reset() { m.store(0) }

func (m *Meter) store(v float64) { m.level.Store(math.Float64bits(v)) }

// Loudness maps an RFC 6464 level (0 loudest, 127 silence, -dBov) to [0,1].
func Loudness(dBov uint8) float64 {
	if dBov > maxDBov {
		dBov = maxDBov
	}
	return float64(maxDBov-dBov) / maxDBov
}

func payloadLoudness(n int) float64 {
	if n <= silentPayloadLen {
		return 0
	}
	return math.Min(1, float64(n-silentPayloadLen)/float64(fullPayloadLen-silentPayloadLen))
}
