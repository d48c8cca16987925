package audio

import (
	"errors"
	"math"
	"sync/atomic"

	"github.com/dkeye/Office/internal/domain"
	"github.com/pion/rtp"
)

var ErrOutputClosed = errors.New("audio output closed")

// PacketWriter receives inbound RTP, e.g. a *webrtc.TrackLocalStaticRTP.
type PacketWriter interface {
	WriteRTP(*rtp.Packet) error
}

// Channel is one input of a gain-capable playback mixer.
type Channel interface {
	PacketWriter
	SetGain(float64)
	Close() error
}

// Mixer is the optional playback engine of the host process.
type Mixer interface {
	Attach(peer domain.PeerID) (Channel, error)
}

const (
	StrategyMixer = "mixer"
	StrategyGate  = "gate"
)

// Output is the audio output path of one session's inbound stream.
type Output interface {
	PacketWriter
	SetGain(float64)
	Gain() float64
	Strategy() string
	Close() error
}

// NewOutput picks the output strategy once for the session's lifetime: a
// mixer channel when the host has a mixer that accepts the stream, and a
// gate on the fallback writer otherwise. Both start silent.
func NewOutput(peer domain.PeerID, mixer Mixer, fallback PacketWriter) Output {
	if mixer != nil {
		if ch, err := mixer.Attach(peer); err == nil && ch != nil {
			out := &mixerOutput{ch: ch}
			out.SetGain(0)
			return out
		}
	}
	return &gateOutput{w: fallback}
}

// Clamp bounds a gain to [0,1]; NaN is treated as silence.
func Clamp(g float64) float64 {
	if math.IsNaN(g) {
		return 0
	}
	return math.Max(0, math.Min(1, g))
}

type mixerOutput struct {
	ch     Channel
	gain   atomic.Uint64
	closed atomic.Bool
}

func (o *mixerOutput) SetGain(g float64) {
	g = Clamp(g)
	o.gain.Store(math.Float64bits(g))
	o.ch.SetGain(g)
}

func (o *mixerOutput) Gain() float64    { return math.Float64frombits(o.gain.Load()) }
func (o *mixerOutput) Strategy() string { return StrategyMixer }

func (o *mixerOutput) WriteRTP(pkt *rtp.Packet) error {
	if o.closed.Load() {
		return ErrOutputClosed
	}
	return o.ch.WriteRTP(pkt)
}

func (o *mixerOutput) Close() error {
	if o.closed.Swap(true) {
		return nil
	}
	return o.ch.Close()
}

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// gateOutput cannot scale samples; it forwards packets while the gain is
// above zero and mutes the stream at zero.
type gateOutput struct {
	w     PacketWriter
	gain  atomic.Uint64
	state atomic.Int32
}

func (o *gateOutput) GetState() TrackState { return TrackState(o.state.Load()) }

func (o *gateOutput) SetGain(g float64) {
	g = Clamp(g)
	o.gain.Store(math.Float64bits(g))
	if o.GetState() == TrackStateDelete {
		return
	}
	if g == 0 {
		o.state.Store(int32(TrackStateMuted))
	} else {
		o.state.Store(int32(TrackStateOk))
	}
}

func (o *gateOutput) Gain() float64    { return math.Float64frombits(o.gain.Load()) }
func (o *gateOutput) Strategy() string { return StrategyGate }

func (o *gateOutput) WriteRTP(pkt *rtp.Packet) error {
	switch o.GetState() {
	case TrackStateDelete:
		return ErrOutputClosed
	case TrackStateOk:
		if o.Gain() > 0 && o.w != nil {
			return o.w.WriteRTP(pkt)
		}
	}
	return nil
}

func (o *gateOutput) Close() error {
	o.state.Store(int32(TrackStateDelete))
	return nil
}

type discard struct{}

func (discard) WriteRTP(*rtp.Packet) error { return nil }

// Discard is the gate sink of hosts without playback.
var Discard PacketWriter = discard{}
