// Package roster is the agent's view of who is in the office and where.
package roster

import (
	"sort"

	"github.com/dkeye/Office/internal/core"
	"github.com/dkeye/Office/internal/domain"
	"github.com/rs/zerolog/log"
)

// Change describes what an applied message did.
type Change struct {
	Kind core.MessageKind
	Peer domain.PeerID
}

// Roster is not safe for concurrent use.
type Roster struct {
	office  domain.OfficeName
	self    domain.Participant
	joined  bool
	members map[domain.PeerID]domain.Participant
}

func New() *Roster {
	return &Roster{members: make(map[domain.PeerID]domain.Participant)}
}

// Apply folds a roster message into the snapshot. Messages that are not
// roster updates, or that cannot be decoded, report false.
func (r *Roster) Apply(msg core.Message) (Change, bool) {
	switch msg.Type {
	case core.KindWelcome:
		var wp core.WelcomePayload
		if err := msg.Decode(&wp); err != nil {
			log.Warn().Str("module", "roster").Err(err).Msg("bad welcome")
			return Change{}, false
		}
		r.office = wp.Office
		r.self = wp.Self.Participant()
		r.joined = true
		clear(r.members)
		for _, p := range wp.Participants {
			if p.ID != r.self.ID {
				r.members[p.ID] = p.Participant()
			}
		}
		return Change{Kind: msg.Type, Peer: r.self.ID}, true

	case core.KindParticipantJoined, core.KindParticipantMoved:
		var pp core.ParticipantPayload
		if err := msg.Decode(&pp); err != nil || pp.ID == "" {
			return Change{}, false
		}
		if pp.ID == r.self.ID {
			r.self.Position = domain.Position{X: pp.X, Y: pp.Y}
			return Change{Kind: msg.Type, Peer: pp.ID}, true
		}
		r.members[pp.ID] = pp.Participant()
		return Change{Kind: msg.Type, Peer: pp.ID}, true

	case core.KindParticipantLeft:
		var lp core.LeftPayload
		if err := msg.Decode(&lp); err != nil {
			return Change{}, false
		}
		if _, ok := r.members[lp.ID]; !ok {
			return Change{}, false
		}
		delete(r.members, lp.ID)
		return Change{Kind: msg.Type, Peer: lp.ID}, true

	case core.KindVoiceStatus:
		var vp core.VoiceStatusPayload
		if err := msg.Decode(&vp); err != nil {
			return Change{}, false
		}
		id := vp.ID
		if id == "" {
			id = msg.From
		}
		p, ok := r.members[id]
		if !ok {
			return Change{}, false
		}
		p.VoiceEnabled = vp.Enabled
		r.members[id] = p
		return Change{Kind: msg.Type, Peer: id}, true
	}
	return Change{}, false
}

func (r *Roster) Joined() bool              { return r.joined }
func (r *Roster) Office() domain.OfficeName { return r.office }
func (r *Roster) Self() domain.Participant  { return r.self }

// SetSelfPosition records a local move before the relay echoes it.
func (r *Roster) SetSelfPosition(p domain.Position) { r.self.Position = p.Clamp() }

func (r *Roster) SetSelfVoice(enabled bool) { r.self.VoiceEnabled = enabled }

func (r *Roster) Get(id domain.PeerID) (domain.Participant, bool) {
	p, ok := r.members[id]
	return p, ok
}

// Others returns every participant but self, sorted by id.
func (r *Roster) Others() []domain.Participant {
	out := make([]domain.Participant, 0, len(r.members))
	for _, p := range r.members {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Roster) Len() int { return len(r.members) }
