package roster

import (
	"testing"

	"github.com/dkeye/Office/internal/core"
	"github.com/dkeye/Office/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func message(t *testing.T, kind core.MessageKind, from domain.PeerID, payload any) core.Message {
	t.Helper()
	m, err := core.NewMessage(kind, "", payload)
	require.NoError(t, err)
	m.From = from
	return m
}

func TestRosterFeed(t *testing.T) {
	r := New()
	assert.False(t, r.Joined())

	_, ok := r.Apply(message(t, core.KindWelcome, "", core.WelcomePayload{
		Office: "main",
		Self:   core.ParticipantPayload{ID: "a", Name: "Ann", X: 10, Y: 10, VoiceEnabled: true},
		Participants: []core.ParticipantPayload{
			{ID: "b", Name: "Bob", X: 15, Y: 10},
		},
	}))
	require.True(t, ok)
	assert.True(t, r.Joined())
	assert.Equal(t, domain.OfficeName("main"), r.Office())
	assert.Equal(t, domain.PeerID("a"), r.Self().ID)
	assert.Equal(t, 1, r.Len())

	ch, ok := r.Apply(message(t, core.KindParticipantJoined, "c", core.ParticipantPayload{ID: "c", Name: "Cid", X: 50, Y: 80}))
	require.True(t, ok)
	assert.Equal(t, Change{Kind: core.KindParticipantJoined, Peer: "c"}, ch)

	_, ok = r.Apply(message(t, core.KindParticipantMoved, "b", core.ParticipantPayload{ID: "b", Name: "Bob", X: 70, Y: 10}))
	require.True(t, ok)
	b, _ := r.Get("b")
	assert.Equal(t, domain.Position{X: 70, Y: 10}, b.Position)

	_, ok = r.Apply(message(t, core.KindVoiceStatus, "b", core.VoiceStatusPayload{Enabled: true}))
	require.True(t, ok)
	b, _ = r.Get("b")
	assert.True(t, b.VoiceEnabled)

	_, ok = r.Apply(message(t, core.KindParticipantLeft, "c", core.LeftPayload{ID: "c"}))
	require.True(t, ok)
	_, ok = r.Apply(message(t, core.KindParticipantLeft, "c", core.LeftPayload{ID: "c"}))
	assert.False(t, ok)

	others := r.Others()
	require.Len(t, others, 1)
	assert.Equal(t, domain.PeerID("b"), others[0].ID)
}

func TestRosterIgnoresAddressedAndBroken(t *testing.T) {
	r := New()
	_, ok := r.Apply(core.Message{Type: core.KindOffer, From: "b"})
	assert.False(t, ok)
	_, ok = r.Apply(core.Message{Type: core.KindParticipantJoined, Payload: []byte("{")})
	assert.False(t, ok)
}

func TestSelfPositionIsClamped(t *testing.T) {
	r := New()
	r.SetSelfPosition(domain.Position{X: 140, Y: -3})
	assert.Equal(t, domain.Position{X: 100, Y: 0}, r.Self().Position)
}
