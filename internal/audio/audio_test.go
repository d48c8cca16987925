package audio

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/dkeye/Office/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrack struct {
	extID  uint8
	hasExt bool
	pkts   []*rtp.Packet
}

func (t *fakeTrack) ID() string                         { return "audio" }
func (t *fakeTrack) StreamID() string                   { return "stream" }
func (t *fakeTrack) Kind() webrtc.RTPCodecType          { return webrtc.RTPCodecTypeAudio }
func (t *fakeTrack) AudioLevelExtension() (uint8, bool) { return t.extID, t.hasExt }
func (t *fakeTrack) ReadRTP() (*rtp.Packet, error) {
	if len(t.pkts) == 0 {
		return nil, io.EOF
	}
	p := t.pkts[0]
	t.pkts = t.pkts[1:]
	return p, nil
}

func levelPacket(t *testing.T, id uint8, dBov uint8) *rtp.Packet {
	t.Helper()
	raw, err := rtp.AudioLevelExtension{Level: dBov, Voice: true}.Marshal()
	require.NoError(t, err)
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 111}, Payload: []byte{1, 2, 3}}
	require.NoError(t, pkt.SetExtension(id, raw))
	return pkt
}

func TestLoudness(t *testing.T) {
	assert.Equal(t, 1.0, Loudness(0))
	assert.Equal(t, 0.0, Loudness(127))
	assert.Equal(t, 0.0, Loudness(200))
	assert.Greater(t, Loudness(30), Loudness(90))
}

func TestMeterUsesHeaderExtension(t *testing.T) {
	m := NewMeter(&fakeTrack{extID: 1, hasExt: true})
	require.True(t, m.UsesHeaderExtension())

	for range 10 {
		m.Observe(levelPacket(t, 1, 20))
	}
	assert.InDelta(t, Loudness(20), m.Level(), 0.01)

	for range 20 {
		m.Observe(levelPacket(t, 1, 127))
	}
	assert.Less(t, m.Level(), 0.01)
}

func TestMeterFallsBackToPayloadSize(t *testing.T) {
	m := NewMeter(&fakeTrack{})
	require.False(t, m.UsesHeaderExtension())

	for range 10 {
		m.Observe(&rtp.Packet{Payload: make([]byte, 80)})
	}
	assert.InDelta(t, 1.0, m.Level(), 0.01)

	for range 20 {
		m.Observe(&rtp.Packet{Payload: []byte{0xf8, 0xff, 0xfe}})
	}
	assert.Less(t, m.Level(), 0.01)
}

type recordWriter struct {
	mu sync.Mutex
	n  int
}

func (w *recordWriter) WriteRTP(*rtp.Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.n++
	return nil
}

func (w *recordWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

type fakeChannel struct {
	recordWriter
	gain   float64
	closed int
}

func (c *fakeChannel) SetGain(g float64) { c.gain = g }
func (c *fakeChannel) Close() error      { c.closed++; return nil }

type fakeMixer struct {
	ch  *fakeChannel
	err error
}

func (m *fakeMixer) Attach(domain.PeerID) (Channel, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.ch, nil
}

func TestNewOutputSelectsMixer(t *testing.T) {
	ch := &fakeChannel{gain: 1}
	out := NewOutput("p2", &fakeMixer{ch: ch}, nil)
	require.Equal(t, StrategyMixer, out.Strategy())
	assert.Equal(t, 0.0, ch.gain, "outputs start silent")

	out.SetGain(1.7)
	assert.Equal(t, 1.0, out.Gain())
	assert.Equal(t, 1.0, ch.gain)

	require.NoError(t, out.WriteRTP(&rtp.Packet{}))
	assert.Equal(t, 1, ch.count())

	require.NoError(t, out.Close())
	require.NoError(t, out.Close())
	assert.Equal(t, 1, ch.closed)
	assert.ErrorIs(t, out.WriteRTP(&rtp.Packet{}), ErrOutputClosed)
}

func TestNewOutputFallsBackToGate(t *testing.T) {
	w := &recordWriter{}
	out := NewOutput("p2", &fakeMixer{err: errors.New("no device")}, w)
	require.Equal(t, StrategyGate, out.Strategy())

	require.NoError(t, out.WriteRTP(&rtp.Packet{}))
	assert.Equal(t, 0, w.count(), "silent gate drops packets")

	out.SetGain(0.4)
	require.NoError(t, out.WriteRTP(&rtp.Packet{}))
	assert.Equal(t, 1, w.count())

	out.SetGain(-3)
	assert.Equal(t, 0.0, out.Gain())
	require.NoError(t, out.WriteRTP(&rtp.Packet{}))
	assert.Equal(t, 1, w.count())

	require.NoError(t, out.Close())
	out.SetGain(1)
	assert.ErrorIs(t, out.WriteRTP(&rtp.Packet{}), ErrOutputClosed)
}

func TestPumpFeedsMeterAndOutput(t *testing.T) {
	track := &fakeTrack{}
	for range 5 {
		track.pkts = append(track.pkts, &rtp.Packet{Payload: make([]byte, 80)})
	}
	w := &recordWriter{}
	out := NewOutput("p2", nil, w)
	out.SetGain(1)
	meter := NewMeter(track)
	logger := zerolog.Nop()

	Pump(context.Background(), track, meter, out, &logger)

	assert.Equal(t, 5, w.count())
	assert.Equal(t, 0.0, meter.Level(), "level resets once the stream ends")
}

func TestPumpStopsOnCancelledContext(t *testing.T) {
	track := &fakeTrack{pkts: []*rtp.Packet{{Payload: make([]byte, 80)}}}
	w := &recordWriter{}
	out := NewOutput("p2", nil, w)
	out.SetGain(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	logger := zerolog.Nop()

	Pump(ctx, track, NewMeter(track), out, &logger)

	assert.Equal(t, 0, w.count())
	assert.Len(t, track.pkts, 1)
}
