package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/dkeye/Office/internal/core"
	"github.com/dkeye/Office/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Message
	full   bool
	closed bool
}

func (f *fakeConn) TrySend(fr core.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return errors.New("backpressure")
	}
	var m core.Message
	if err := json.Unmarshal(fr, &m); err != nil {
		return err
	}
	f.frames = append(f.frames, m)
	return nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeConn) of(kind core.MessageKind) []core.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.Message
	for _, m := range f.frames {
		if m.Type == kind {
			out = append(out, m)
		}
	}
	return out
}

type fakePresence struct {
	mu      sync.Mutex
	entries map[domain.OfficeName]map[domain.PeerID]domain.Participant
}

func newFakePresence() *fakePresence {
	return &fakePresence{entries: make(map[domain.OfficeName]map[domain.PeerID]domain.Participant)}
}

func (f *fakePresence) Put(_ context.Context, office domain.OfficeName, p domain.Participant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entries[office] == nil {
		f.entries[office] = make(map[domain.PeerID]domain.Participant)
	}
	f.entries[office][p.ID] = p
	return nil
}

func (f *fakePresence) Remove(_ context.Context, office domain.OfficeName, id domain.PeerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries[office], id)
	return nil
}

func (f *fakePresence) Clear(_ context.Context, office domain.OfficeName) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, office)
	return nil
}

func (f *fakePresence) count(office domain.OfficeName) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries[office])
}

type harness struct {
	orch      *Orchestrator
	presence  *fakePresence
	conns     map[core.SessionID]*fakeConn
	cancelled map[core.SessionID]bool
}

func newHarness() *harness {
	p := newFakePresence()
	return &harness{
		orch: &Orchestrator{
			Registry: NewRegistry(),
			Offices:  NewOfficeManager(),
			Policy:   SimplePolicy{},
			Presence: p,
		},
		presence:  p,
		conns:     make(map[core.SessionID]*fakeConn),
		cancelled: make(map[core.SessionID]bool),
	}
}

func (h *harness) connect(sid core.SessionID) *fakeConn {
	conn := &fakeConn{}
	sess := core.NewMemberSession(domain.Participant{}).UpdateSignal(conn)
	h.orch.Attach(context.Background(), sid, sess, func() { h.cancelled[sid] = true })
	h.conns[sid] = conn
	return conn
}

func (h *harness) join(t *testing.T, sid core.SessionID, x, y float64) core.WelcomePayload {
	t.Helper()
	w, err := h.orch.Join(context.Background(), sid, core.JoinPayload{Name: string(sid), X: x, Y: y, Voice: true})
	require.NoError(t, err)
	return w
}

func TestJoinSendsWelcomeAndAnnounces(t *testing.T) {
	h := newHarness()
	a := h.connect("a")
	b := h.connect("b")

	wa := h.join(t, "a", 10, 10)
	assert.Equal(t, domain.DefaultOffice, wa.Office)
	assert.Empty(t, wa.Participants)
	require.Len(t, a.of(core.KindWelcome), 1)

	wb := h.join(t, "b", 200, -5)
	require.Len(t, wb.Participants, 1)
	assert.Equal(t, domain.PeerID("a"), wb.Participants[0].ID)
	assert.Equal(t, 100.0, wb.Self.X)
	assert.Equal(t, 0.0, wb.Self.Y)

	joined := a.of(core.KindParticipantJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, domain.PeerID("b"), joined[0].From)
	assert.Empty(t, b.of(core.KindParticipantJoined))
	assert.Equal(t, 2, h.presence.count(domain.DefaultOffice))
}

func TestJoinRejectsEmptyName(t *testing.T) {
	h := newHarness()
	h.connect("a")
	_, err := h.orch.Join(context.Background(), "a", core.JoinPayload{})
	assert.ErrorIs(t, err, domain.ErrUsernameEmpty)

	_, err = h.orch.Join(context.Background(), "ghost", core.JoinPayload{Name: "x"})
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestMoveClampsAndBroadcasts(t *testing.T) {
	h := newHarness()
	a := h.connect("a")
	h.connect("b")
	h.join(t, "a", 10, 10)
	h.join(t, "b", 20, 20)

	meta, err := h.orch.Move(context.Background(), "b", domain.Position{X: 150, Y: 30})
	require.NoError(t, err)
	assert.Equal(t, domain.Position{X: 100, Y: 30}, meta.Position)

	moved := a.of(core.KindParticipantMoved)
	require.Len(t, moved, 1)
	var pp core.ParticipantPayload
	require.NoError(t, moved[0].Decode(&pp))
	assert.Equal(t, 100.0, pp.X)

	_, err = h.orch.Move(context.Background(), "nobody", domain.Position{})
	assert.ErrorIs(t, err, ErrNotJoined)
}

func TestVoiceStatusBroadcast(t *testing.T) {
	h := newHarness()
	a := h.connect("a")
	h.connect("b")
	h.join(t, "a", 10, 10)
	h.join(t, "b", 20, 20)

	require.NoError(t, h.orch.SetVoice(context.Background(), "b", false))
	vs := a.of(core.KindVoiceStatus)
	require.Len(t, vs, 1)
	var p core.VoiceStatusPayload
	require.NoError(t, vs[0].Decode(&p))
	assert.Equal(t, domain.PeerID("b"), p.ID)
	assert.False(t, p.Enabled)
}

func TestRouteStampsSenderAndStaysInOffice(t *testing.T) {
	h := newHarness()
	h.connect("a")
	b := h.connect("b")
	h.connect("c")
	h.join(t, "a", 10, 10)
	h.join(t, "b", 20, 20)
	_, err := h.orch.Join(context.Background(), "c", core.JoinPayload{Name: "c", Office: "other"})
	require.NoError(t, err)

	msg, err := core.NewMessage(core.KindOffer, "b", core.DescriptionPayload{SDP: "v=0", Purpose: "proximity"})
	require.NoError(t, err)
	msg.From = "spoofed"
	require.NoError(t, h.orch.Route(context.Background(), "a", msg))

	offers := b.of(core.KindOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, domain.PeerID("a"), offers[0].From)

	msg.To = "c"
	assert.ErrorIs(t, h.orch.Route(context.Background(), "a", msg), ErrUnknownPeer)
	msg.To = "a"
	assert.ErrorIs(t, h.orch.Route(context.Background(), "a", msg), ErrSelfAddressed)
	assert.ErrorIs(t, h.orch.Route(context.Background(), "a", core.Message{Type: core.KindMove, To: "b"}), ErrNotAddressed)
}

func TestDisconnectAnnouncesLeft(t *testing.T) {
	h := newHarness()
	a := h.connect("a")
	h.connect("b")
	h.join(t, "a", 10, 10)
	h.join(t, "b", 20, 20)

	sess, ok := h.orch.Registry.GetSession("b")
	require.True(t, ok)
	h.orch.OnDisconnect(context.Background(), "b", sess)

	left := a.of(core.KindParticipantLeft)
	require.Len(t, left, 1)
	var lp core.LeftPayload
	require.NoError(t, left[0].Decode(&lp))
	assert.Equal(t, domain.PeerID("b"), lp.ID)
	_, ok = h.orch.Registry.GetSession("b")
	assert.False(t, ok)
	assert.Equal(t, 1, h.presence.count(domain.DefaultOffice))
}

func TestReconnectReplacesPreviousConnection(t *testing.T) {
	h := newHarness()
	a := h.connect("a")
	h.connect("b")
	h.join(t, "a", 10, 10)
	h.join(t, "b", 20, 20)
	old, _ := h.orch.Registry.GetSession("b")

	h.connect("b")
	assert.True(t, h.cancelled["b"])
	assert.Len(t, a.of(core.KindParticipantLeft), 1)
	h.join(t, "b", 30, 30)

	// the stale connection's disconnect must not evict the new one
	h.orch.OnDisconnect(context.Background(), "b", old)
	ps, ok := h.orch.Participants(domain.DefaultOffice)
	require.True(t, ok)
	assert.Len(t, ps, 2)
	assert.Len(t, a.of(core.KindParticipantLeft), 1)
}

func TestSlowMemberIsKicked(t *testing.T) {
	h := newHarness()
	a := h.connect("a")
	h.connect("b")
	h.join(t, "a", 10, 10)
	h.join(t, "b", 20, 20)

	a.mu.Lock()
	a.full = true
	a.mu.Unlock()
	_, err := h.orch.Move(context.Background(), "b", domain.Position{X: 5, Y: 5})
	require.NoError(t, err)

	assert.True(t, h.cancelled["a"])
	ps, _ := h.orch.Participants(domain.DefaultOffice)
	require.Len(t, ps, 1)
	assert.Equal(t, domain.PeerID("b"), ps[0].ID)
}

func TestEvictOffice(t *testing.T) {
	h := newHarness()
	h.connect("a")
	h.connect("b")
	h.join(t, "a", 10, 10)
	h.join(t, "b", 20, 20)

	h.orch.EvictOffice(context.Background(), domain.DefaultOffice)
	assert.True(t, h.cancelled["a"])
	assert.True(t, h.cancelled["b"])
	_, ok := h.orch.Participants(domain.DefaultOffice)
	assert.False(t, ok)
	assert.Equal(t, 0, h.presence.count(domain.DefaultOffice))
	assert.Empty(t, h.orch.Offices.List())
}

func TestRejoinMovesBetweenOffices(t *testing.T) {
	h := newHarness()
	a := h.connect("a")
	h.connect("b")
	h.join(t, "a", 10, 10)
	h.join(t, "b", 20, 20)

	_, err := h.orch.Join(context.Background(), "b", core.JoinPayload{Name: "b", Office: "annex"})
	require.NoError(t, err)
	assert.Len(t, a.of(core.KindParticipantLeft), 1)

	infos := h.orch.Offices.List()
	require.Len(t, infos, 2)
	assert.Equal(t, domain.OfficeName("annex"), infos[0].Name)
	assert.Equal(t, 1, infos[0].MemberCount)
}

func TestDropPolicyKeepsSlowMember(t *testing.T) {
	h := newHarness()
	policy, err := PolicyFor("drop")
	require.NoError(t, err)
	h.orch.Policy = policy
	a := h.connect("a")
	h.connect("b")
	h.join(t, "a", 10, 10)
	h.join(t, "b", 20, 20)

	a.mu.Lock()
	a.full = true
	a.mu.Unlock()
	_, err = h.orch.Move(context.Background(), "b", domain.Position{X: 5, Y: 5})
	require.NoError(t, err)
	assert.False(t, h.cancelled["a"])
	ps, _ := h.orch.Participants(domain.DefaultOffice)
	assert.Len(t, ps, 2)

	_, err = PolicyFor("bogus")
	assert.Error(t, err)
}
