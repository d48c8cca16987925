package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Office/internal/core"
	"github.com/dkeye/Office/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoSession     = errors.New("no signal session")
	ErrNotJoined     = errors.New("not joined to an office")
	ErrUnknownPeer   = errors.New("peer is not in this office")
	ErrSelfAddressed = errors.New("message addressed to self")
	ErrNotAddressed  = errors.New("message kind is not relayed")
)

// Orchestrator is the relay: it owns office membership and fans roster
// updates and addressed signaling out over member connections.
type Orchestrator struct {
	Registry *Registry
	Offices  core.OfficeManager
	Policy   Policy
	Presence Presence

	// mu orders membership changes so a joiner's welcome snapshot and
	// the participant_joined fanout agree.
	mu sync.Mutex
}

func (o *Orchestrator) presence() Presence {
	if o.Presence == nil {
		return NopPresence{}
	}
	return o.Presence
}

// Attach binds a new connection for sid. A previous connection of the
// same client leaves its office first.
func (o *Orchestrator) Attach(ctx context.Context, sid core.SessionID, sess core.MemberSession, cancel context.CancelFunc) {
	if prev, ok := o.Registry.GetSession(sid); ok {
		o.leave(ctx, sid, prev)
	}
	o.Registry.BindSignal(sid, sess, cancel)
}

// Join places sid in the requested office and sends it the welcome.
// Joining while already in an office leaves that office first.
func (o *Orchestrator) Join(ctx context.Context, sid core.SessionID, p core.JoinPayload) (core.WelcomePayload, error) {
	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		return core.WelcomePayload{}, ErrNoSession
	}
	user, err := domain.NewUser(domain.PeerID(sid), p.Name)
	if err != nil {
		return core.WelcomePayload{}, err
	}
	name := domain.OfficeName(p.Office)
	if name == "" {
		name = domain.DefaultOffice
	}
	o.leave(ctx, sid, sess)

	meta := sess.Update(func(m *domain.Participant) {
		m.User = *user
		m.Position = domain.Position{X: p.X, Y: p.Y}.Clamp()
		m.VoiceEnabled = p.Voice
	})
	office := o.Offices.GetOrCreate(name)

	o.mu.Lock()
	others := office.MembersSnapshot()
	welcome := core.WelcomePayload{
		Office:       name,
		Self:         core.PayloadOf(meta),
		Participants: make([]core.ParticipantPayload, 0, len(others)),
	}
	for _, m := range others {
		welcome.Participants = append(welcome.Participants, core.PayloadOf(m))
	}
	if err := o.unicast(sess, core.KindWelcome, "", welcome); err != nil {
		o.mu.Unlock()
		return core.WelcomePayload{}, err
	}
	office.AddMember(sid, sess)
	o.Registry.UpdateOffice(sid, name)
	o.mu.Unlock()

	o.mirror(ctx, name, meta)
	log.Info().Str("module", "app.orchestrator").Str("sid", string(sid)).Str("office", string(name)).Int("others", len(others)).Msg("joined")
	o.broadcast(ctx, office, sid, core.KindParticipantJoined, meta.ID, core.PayloadOf(meta))
	return welcome, nil
}

// Move updates the position of sid and announces it. Coordinates are
// clamped to the floor plane.
func (o *Orchestrator) Move(ctx context.Context, sid core.SessionID, pos domain.Position) (domain.Participant, error) {
	name, sess, ok := o.Registry.OfficeOf(sid)
	if !ok {
		return domain.Participant{}, ErrNotJoined
	}
	office, ok := o.Offices.Get(name)
	if !ok {
		return domain.Participant{}, ErrNotJoined
	}
	meta := sess.Update(func(m *domain.Participant) { m.Position = pos.Clamp() })
	o.mirror(ctx, name, meta)
	o.broadcast(ctx, office, sid, core.KindParticipantMoved, meta.ID, core.PayloadOf(meta))
	return meta, nil
}

func (o *Orchestrator) SetVoice(ctx context.Context, sid core.SessionID, enabled bool) error {
	name, sess, ok := o.Registry.OfficeOf(sid)
	if !ok {
		return ErrNotJoined
	}
	office, ok := o.Offices.Get(name)
	if !ok {
		return ErrNotJoined
	}
	meta := sess.Update(func(m *domain.Participant) { m.VoiceEnabled = enabled })
	o.mirror(ctx, name, meta)
	o.broadcast(ctx, office, sid, core.KindVoiceStatus, meta.ID, core.VoiceStatusPayload{ID: meta.ID, Enabled: enabled})
	return nil
}

// Route relays an addressed message to another member of the sender's
// office. The sender id is stamped here and never taken from the client.
func (o *Orchestrator) Route(ctx context.Context, sid core.SessionID, msg core.Message) error {
	if !msg.Type.Addressed() {
		return ErrNotAddressed
	}
	name, sess, ok := o.Registry.OfficeOf(sid)
	if !ok {
		return ErrNotJoined
	}
	office, ok := o.Offices.Get(name)
	if !ok {
		return ErrNotJoined
	}
	from := sess.Meta().ID
	if msg.To == from {
		return ErrSelfAddressed
	}
	target, ok := office.Member(msg.To)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, msg.To)
	}
	msg.From = from
	msg.To = ""
	frame, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	sc := target.Signal()
	if sc == nil {
		return ErrNoSession
	}
	if err := sc.TrySend(frame); err != nil {
		o.handleDropped(ctx, office, []core.MemberSession{target})
		return err
	}
	log.Debug().Str("module", "app.orchestrator").Str("type", string(msg.Type)).Str("from", string(from)).Str("to", string(target.Meta().ID)).Msg("relayed")
	return nil
}

// Leave takes sid out of its office but keeps the connection.
func (o *Orchestrator) Leave(ctx context.Context, sid core.SessionID) {
	if sess, ok := o.Registry.GetSession(sid); ok {
		o.leave(ctx, sid, sess)
	}
}

// OnDisconnect is called by the transport once a connection is gone.
func (o *Orchestrator) OnDisconnect(ctx context.Context, sid core.SessionID, sess core.MemberSession) {
	o.leave(ctx, sid, sess)
	o.Registry.Unbind(sid, sess)
}

// KickBySID removes sid from its office and closes its connection.
func (o *Orchestrator) KickBySID(ctx context.Context, sid core.SessionID) {
	if sess, ok := o.Registry.GetSession(sid); ok {
		o.leave(ctx, sid, sess)
	}
	o.Registry.Cancel(sid)
}

func (o *Orchestrator) EvictOffice(ctx context.Context, name domain.OfficeName) {
	for _, snap := range o.Registry.MembersOfOffice(name) {
		o.KickBySID(ctx, snap.SID)
	}
	o.Offices.StopOffice(name)
	if err := o.presence().Clear(ctx, name); err != nil {
		log.Warn().Str("module", "app.orchestrator").Err(err).Str("office", string(name)).Msg("presence clear")
	}
}

func (o *Orchestrator) Participants(name domain.OfficeName) ([]domain.Participant, bool) {
	office, ok := o.Offices.Get(name)
	if !ok {
		return nil, false
	}
	return office.MembersSnapshot(), true
}

// leave is a no-op unless sess is the member currently bound to sid.
func (o *Orchestrator) leave(ctx context.Context, sid core.SessionID, sess core.MemberSession) {
	o.mu.Lock()
	name, cur, ok := o.Registry.OfficeOf(sid)
	if !ok || cur != sess {
		o.mu.Unlock()
		return
	}
	office, ok := o.Offices.Get(name)
	o.Registry.RemoveOffice(sid)
	if !ok {
		o.mu.Unlock()
		return
	}
	office.RemoveMember(sid)
	o.mu.Unlock()

	id := sess.Meta().ID
	if err := o.presence().Remove(ctx, name, id); err != nil {
		log.Warn().Str("module", "app.orchestrator").Err(err).Str("office", string(name)).Msg("presence remove")
	}
	log.Info().Str("module", "app.orchestrator").Str("sid", string(sid)).Str("office", string(name)).Msg("left")
	o.broadcast(ctx, office, sid, core.KindParticipantLeft, id, core.LeftPayload{ID: id})
}

func (o *Orchestrator) mirror(ctx context.Context, name domain.OfficeName, p domain.Participant) {
	if err := o.presence().Put(ctx, name, p); err != nil {
		log.Warn().Str("module", "app.orchestrator").Err(err).Str("office", string(name)).Msg("presence put")
	}
}

func (o *Orchestrator) unicast(sess core.MemberSession, kind core.MessageKind, from domain.PeerID, payload any) error {
	frame, err := encode(kind, from, payload)
	if err != nil {
		return err
	}
	sc := sess.Signal()
	if sc == nil {
		return ErrNoSession
	}
	return sc.TrySend(frame)
}

func (o *Orchestrator) broadcast(ctx context.Context, office core.OfficeService, sid core.SessionID, kind core.MessageKind, from domain.PeerID, payload any) {
	frame, err := encode(kind, from, payload)
	if err != nil {
		log.Error().Str("module", "app.orchestrator").Err(err).Str("type", string(kind)).Msg("encode")
		return
	}
	res := office.Broadcast(sid, frame)
	o.handleDropped(ctx, office, res.Dropped)
}

func (o *Orchestrator) handleDropped(ctx context.Context, office core.OfficeService, dropped []core.MemberSession) {
	if o.Policy == nil {
		return
	}
	for _, slow := range dropped {
		switch o.Policy.OnBackPressure(office, slow) {
		case KickMember:
			if sid, ok := o.Registry.SIDOf(slow); ok {
				log.Warn().Str("module", "app.orchestrator").Str("sid", string(sid)).Msg("kicking slow member")
				o.KickBySID(ctx, sid)
			}
		case MarkSlow, DropFrame, NoAction:
		}
	}
}

func encode(kind core.MessageKind, from domain.PeerID, payload any) (core.Frame, error) {
	msg, err := core.NewMessage(kind, "", payload)
	if err != nil {
		return nil, err
	}
	msg.From = from
	return json.Marshal(msg)
}
