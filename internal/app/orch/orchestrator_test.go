package orch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Office/internal/call"
	"github.com/dkeye/Office/internal/core"
	"github.com/dkeye/Office/internal/core/coretest"
	"github.com/dkeye/Office/internal/domain"
	"github.com/dkeye/Office/internal/media"
	"github.com/dkeye/Office/internal/voice"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	poll    = 10 * time.Millisecond
)

type agent struct {
	o       *Orchestrator
	voice   *voice.State
	factory *coretest.Factory

	mu     sync.Mutex
	events []Event
}

func (a *agent) record(ev Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
}

func (a *agent) saw(kind EventKind, text string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ev := range a.events {
		if ev.Kind == kind && ev.Text == text {
			return true
		}
	}
	return false
}

type office struct {
	bus *coretest.Bus
	net *coretest.Network
}

func newOffice() *office {
	return &office{bus: coretest.NewBus(), net: coretest.NewNetwork()}
}

func (of *office) join(t *testing.T, id domain.PeerID, x, y float64, autoAccept bool) *agent {
	t.Helper()
	a := &agent{
		voice:   voice.NewState(voice.SilenceSource{}),
		factory: of.net.Factory(id),
	}
	a.o = New(Config{
		Self:             id,
		Name:             string(id),
		Start:            domain.Position{X: x, Y: y},
		VoiceOnJoin:      true,
		Signal:           of.bus.Client(id),
		Factory:          a.factory,
		Voice:            a.voice,
		Tick:             20 * time.Millisecond,
		ActivityInterval: 5 * time.Millisecond,
		AutoAccept:       autoAccept,
		OnEvent:          a.record,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.o.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return a
}

func (a *agent) sessionWith(peer domain.PeerID) (media.Session, bool) {
	return a.o.Session(peer)
}

func connectedWith(a *agent, peer domain.PeerID, purpose media.Purpose, gain float64) func() bool {
	return func() bool {
		s, ok := a.sessionWith(peer)
		return ok && s.State == media.Connected && s.Purposes.Has(purpose) && s.CurrentGain == gain
	}
}

func noSessionWith(a *agent, peer domain.PeerID) func() bool {
	return func() bool {
		_, ok := a.sessionWith(peer)
		return !ok
	}
}

func TestNearbyParticipantsConnectAtFullVolume(t *testing.T) {
	of := newOffice()
	p1 := of.join(t, "p1", 10, 10, false)
	p2 := of.join(t, "p2", 15, 10, false)

	require.Eventually(t, connectedWith(p1, "p2", media.Proximity, 1.0), waitFor, poll)
	require.Eventually(t, connectedWith(p2, "p1", media.Proximity, 1.0), waitFor, poll)

	s1, _ := p1.sessionWith("p2")
	s2, _ := p2.sessionWith("p1")
	assert.Equal(t, media.Initiator, s1.Role)
	assert.Equal(t, media.Responder, s2.Role)
	assert.Equal(t, 1, p1.factory.Count())
	assert.Equal(t, 1, p2.factory.Count())
	assert.Equal(t, []domain.PeerID{"p2"}, p1.o.InRange())

	// walking out of range closes both sides
	require.NoError(t, p2.o.Move(domain.Position{X: 70, Y: 10}))
	require.Eventually(t, noSessionWith(p1, "p2"), waitFor, poll)
	require.Eventually(t, noSessionWith(p2, "p1"), waitFor, poll)
	assert.True(t, p1.factory.Last("p2").Closed())
}

func TestDirectInviteIgnoresDistance(t *testing.T) {
	of := newOffice()
	p1 := of.join(t, "p1", 10, 10, false)
	p2 := of.join(t, "p2", 90, 10, false)

	require.Eventually(t, func() bool {
		ps, err := p1.o.Participants()
		return err == nil && len(ps) == 2
	}, waitFor, poll)
	assert.Empty(t, p1.o.InRange())

	require.NoError(t, p1.o.Invite("p2"))
	require.Eventually(t, func() bool { return p2.o.CallState("p1") == call.InviteReceived }, waitFor, poll)
	require.NoError(t, p2.o.Accept("p1"))

	require.Eventually(t, connectedWith(p1, "p2", media.DirectInvite, 1.0), waitFor, poll)
	require.Eventually(t, connectedWith(p2, "p1", media.DirectInvite, 1.0), waitFor, poll)
	assert.Equal(t, call.Active, p1.o.CallState("p2"))
	require.Eventually(t, func() bool { return p2.o.CallState("p1") == call.Active }, waitFor, poll)

	// proximity ticks leave the call alone
	time.Sleep(100 * time.Millisecond)
	s, ok := p1.sessionWith("p2")
	require.True(t, ok)
	assert.False(t, s.Purposes.Has(media.Proximity))

	require.NoError(t, p2.o.End("p1"))
	require.Eventually(t, noSessionWith(p1, "p2"), waitFor, poll)
	require.Eventually(t, noSessionWith(p2, "p1"), waitFor, poll)
	assert.True(t, p1.saw(EventCall, "ended"))
}

func TestRejectedInvite(t *testing.T) {
	of := newOffice()
	p1 := of.join(t, "p1", 10, 10, false)
	p2 := of.join(t, "p2", 90, 90, false)

	require.Eventually(t, func() bool {
		ps, err := p2.o.Participants()
		return err == nil && len(ps) == 2
	}, waitFor, poll)
	require.NoError(t, p1.o.Invite("p2"))
	require.Eventually(t, func() bool { return p2.o.CallState("p1") == call.InviteReceived }, waitFor, poll)
	require.NoError(t, p2.o.Reject("p1"))

	require.Eventually(t, func() bool { return p1.saw(EventCall, "declined") }, waitFor, poll)
	assert.Equal(t, call.NoCall, p1.o.CallState("p2"))
	assert.Equal(t, 0, p1.factory.Count())
}

func TestVoiceOffClosesProximityAndStopsCaptureOnce(t *testing.T) {
	of := newOffice()
	p1 := of.join(t, "p1", 10, 10, false)
	p2 := of.join(t, "p2", 15, 10, false)
	p3 := of.join(t, "p3", 12, 12, false)

	require.Eventually(t, connectedWith(p1, "p2", media.Proximity, 1.0), waitFor, poll)
	require.Eventually(t, connectedWith(p1, "p3", media.Proximity, 1.0), waitFor, poll)
	stream := p1.voice.Stream()
	require.NotNil(t, stream)

	require.NoError(t, p1.o.SetVoice(context.Background(), false))
	sessions, err := p1.o.Sessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.Equal(t, 1, stream.Stops())
	assert.Equal(t, 0, stream.Refs())

	require.Eventually(t, noSessionWith(p2, "p1"), waitFor, poll)
	require.Eventually(t, noSessionWith(p3, "p1"), waitFor, poll)
	// p2 and p3 still hear each other
	require.Eventually(t, connectedWith(p2, "p3", media.Proximity, 1.0), waitFor, poll)

	require.NoError(t, p1.o.SetVoice(context.Background(), true))
	require.Eventually(t, connectedWith(p1, "p2", media.Proximity, 1.0), waitFor, poll)
	assert.Equal(t, 1, stream.Stops())
}

func TestSpeakingDetection(t *testing.T) {
	of := newOffice()
	p1 := of.join(t, "p1", 10, 10, false)
	of.join(t, "p2", 15, 10, false)
	require.Eventually(t, connectedWith(p1, "p2", media.Proximity, 1.0), waitFor, poll)

	var track *coretest.Track
	require.Eventually(t, func() bool {
		track = p1.factory.Last("p2").RemoteTrack()
		return track != nil
	}, waitFor, poll)

	packet := func(size int) *rtp.Packet {
		return &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 111}, Payload: make([]byte, size)}
	}
	require.Eventually(t, func() bool {
		track.Push(packet(120))
		return len(p1.o.Speaking()) == 1
	}, waitFor, poll)
	assert.Equal(t, []domain.PeerID{"p2"}, p1.o.Speaking())

	require.Eventually(t, func() bool {
		track.Push(packet(2))
		return len(p1.o.Speaking()) == 0
	}, waitFor, poll)
	assert.True(t, p1.saw(EventSpeaking, "speaking"))
	assert.True(t, p1.saw(EventSpeaking, "stopped speaking"))
}

func TestLeavingOfficeClosesSession(t *testing.T) {
	of := newOffice()
	p1 := of.join(t, "p1", 10, 10, false)

	other := newAgentWithCancel(t, of, "p2", 15, 10)
	require.Eventually(t, connectedWith(p1, "p2", media.Proximity, 1.0), waitFor, poll)

	other()
	require.Eventually(t, noSessionWith(p1, "p2"), waitFor, poll)
}

// newAgentWithCancel joins a participant and returns a func that makes it
// leave the office.
func newAgentWithCancel(t *testing.T, of *office, id domain.PeerID, x, y float64) func() {
	t.Helper()
	a := &agent{voice: voice.NewState(voice.SilenceSource{}), factory: of.net.Factory(id)}
	a.o = New(Config{
		Self:        id,
		Name:        string(id),
		Start:       domain.Position{X: x, Y: y},
		VoiceOnJoin: true,
		Signal:      of.bus.Client(id),
		Factory:     a.factory,
		Voice:       a.voice,
		Tick:        20 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.o.Run(ctx) }()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(stop)
	return stop
}

// rawPeer is a bare relay client that speaks the wire protocol by hand.
func (of *office) rawPeer(t *testing.T, id domain.PeerID) *coretest.BusClient {
	t.Helper()
	c := of.bus.Client(id)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func sendRaw(t *testing.T, c *coretest.BusClient, kind core.MessageKind, to domain.PeerID, payload any) {
	t.Helper()
	msg, err := core.NewMessage(kind, to, payload)
	require.NoError(t, err)
	require.NoError(t, c.Send(msg))
}

func TestOfferFromPeerOutOfRangeIsClosed(t *testing.T) {
	of := newOffice()
	p1 := of.join(t, "p1", 10, 10, false)

	far := of.rawPeer(t, "p9")
	sendRaw(t, far, core.KindJoin, "", core.JoinPayload{Name: "p9", X: 90, Y: 10, Voice: true})
	require.Eventually(t, func() bool {
		ps, err := p1.o.Participants()
		return err == nil && len(ps) == 2
	}, waitFor, poll)

	sendRaw(t, far, core.KindOffer, "p1", core.DescriptionPayload{SDP: "v=0", Purpose: "proximity"})
	require.Eventually(t, func() bool { return p1.factory.Count() == 1 }, waitFor, poll)
	require.Eventually(t, noSessionWith(p1, "p9"), waitFor, poll)
	assert.True(t, p1.factory.Last("p9").Closed())
}

func TestOfferFromPeerMissingFromRosterIsClosed(t *testing.T) {
	of := newOffice()
	p1 := of.join(t, "p1", 10, 10, false)

	ghost := of.rawPeer(t, "p8")
	sendRaw(t, ghost, core.KindOffer, "p1", core.DescriptionPayload{SDP: "v=0", Purpose: "proximity"})
	require.Eventually(t, func() bool { return p1.factory.Count() == 1 }, waitFor, poll)
	require.Eventually(t, noSessionWith(p1, "p8"), waitFor, poll)
	assert.True(t, p1.factory.Last("p8").Closed())
}
