package rtc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Office/internal/core"
	"github.com/dkeye/Office/internal/voice"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportStateMapping(t *testing.T) {
	assert.Equal(t, core.TransportConnected, transportState(webrtc.PeerConnectionStateConnected))
	assert.Equal(t, core.TransportFailed, transportState(webrtc.PeerConnectionStateFailed))
	assert.Equal(t, core.TransportClosed, transportState(webrtc.PeerConnectionStateClosed))
	assert.Equal(t, core.TransportNew, transportState(webrtc.PeerConnectionStateNew))
}

// TestLoopbackNegotiation connects two local peer connections over host
// candidates and checks that audio flows with the level extension.
func TestLoopbackNegotiation(t *testing.T) {
	if testing.Short() {
		t.Skip("network negotiation")
	}
	f, err := NewFactory(nil)
	require.NoError(t, err)
	f.config = webrtc.Configuration{}

	a, err := f.NewConnection("b")
	require.NoError(t, err)
	defer a.Close()
	b, err := f.NewConnection("a")
	require.NoError(t, err)
	defer b.Close()

	vs := voice.NewState(voice.SilenceSource{})
	require.NoError(t, vs.Enable(context.Background()))
	defer vs.Disable()
	for _, tr := range vs.Tracks() {
		require.NoError(t, a.AddLocalTrack(tr))
	}

	toB := &trickle{conn: b}
	toA := &trickle{conn: a}
	a.OnICECandidate(toB.add)
	b.OnICECandidate(toA.add)

	var (
		mu        sync.Mutex
		connected bool
		track     core.RemoteTrack
	)
	b.OnStateChange(func(s core.TransportState) {
		mu.Lock()
		defer mu.Unlock()
		if s == core.TransportConnected {
			connected = true
		}
	})
	b.OnTrack(func(rt core.RemoteTrack) {
		mu.Lock()
		defer mu.Unlock()
		track = rt
	})

	offer, err := a.CreateOffer()
	require.NoError(t, err)
	answer, err := b.ApplyOfferAndCreateAnswer(offer)
	require.NoError(t, err)
	require.NoError(t, a.ApplyAnswer(answer))
	toA.open()
	toB.open()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connected && track != nil
	}, 10*time.Second, 20*time.Millisecond)

	mu.Lock()
	rt := track
	mu.Unlock()
	assert.Equal(t, webrtc.RTPCodecTypeAudio, rt.Kind())
	_, hasLevel := rt.AudioLevelExtension()
	assert.True(t, hasLevel)
}

// trickle holds candidates until the receiving side has both descriptions.
type trickle struct {
	mu      sync.Mutex
	conn    core.MediaConnection
	ready   bool
	pending []webrtc.ICECandidateInit
}

func (tr *trickle) add(c webrtc.ICECandidateInit) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if !tr.ready {
		tr.pending = append(tr.pending, c)
		return
	}
	_ = tr.conn.AddICECandidate(c)
}

func (tr *trickle) open() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.ready = true
	for _, c := range tr.pending {
		_ = tr.conn.AddICECandidate(c)
	}
	tr.pending = nil
}
