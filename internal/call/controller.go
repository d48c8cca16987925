// Package call is the explicit invite/accept state machine for direct calls
// that ignore distance.
package call

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dkeye/Office/internal/core"
	"github.com/dkeye/Office/internal/domain"
	"github.com/dkeye/Office/internal/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrLocalMediaUnavailable = errors.New("local media unavailable")
	ErrCallInProgress        = errors.New("call already in progress")
	ErrNoInvite              = errors.New("no pending invite")
	ErrNoCall                = errors.New("no call with peer")
)

type State int

const (
	NoCall State = iota
	InviteSent
	InviteReceived
	Active
	Ended
)

func (s State) String() string {
	switch s {
	case NoCall:
		return "no-call"
	case InviteSent:
		return "invite-sent"
	case InviteReceived:
		return "invite-received"
	case Active:
		return "active"
	case Ended:
		return "ended"
	}
	return "unknown"
}

type EventKind int

const (
	IncomingCall EventKind = iota
	CallActive
	CallDeclined
	CallEnded
	CallFailed
)

func (k EventKind) String() string {
	switch k {
	case IncomingCall:
		return "incoming"
	case CallActive:
		return "active"
	case CallDeclined:
		return "declined"
	case CallEnded:
		return "ended"
	case CallFailed:
		return "failed"
	}
	return "unknown"
}

type Event struct {
	Kind EventKind
	Peer domain.PeerID
	Err  error
}

// Sessions is the part of media.Manager the controller drives.
type Sessions interface {
	Session(peer domain.PeerID) (media.Session, bool)
	CreateOutboundSession(peer domain.PeerID, purpose media.Purpose) (media.SessionID, error)
	CloseSession(peer domain.PeerID)
	SetGain(peer domain.PeerID, gain float64)
	Claim(peer domain.PeerID, purpose media.Purpose) bool
	Release(peer domain.PeerID, purpose media.Purpose)
}

type Config struct {
	Local        domain.PeerID
	Sessions     Sessions
	Signal       media.Sender
	VoiceEnabled func() bool
	Emit         func(Event)
	AutoAccept   bool
}

type call struct {
	state    State
	inviter  bool
	accepted bool
}

// Controller is not safe for concurrent use; it runs on the event loop.
type Controller struct {
	cfg    Config
	calls  map[domain.PeerID]*call
	logger zerolog.Logger
}

func NewController(cfg Config) *Controller {
	if cfg.Emit == nil {
		cfg.Emit = func(Event) {}
	}
	if cfg.VoiceEnabled == nil {
		cfg.VoiceEnabled = func() bool { return false }
	}
	return &Controller{
		cfg:    cfg,
		calls:  make(map[domain.PeerID]*call),
		logger: log.With().Str("module", "call").Logger(),
	}
}

// State returns the call state with peer.
func (c *Controller) State(peer domain.PeerID) State {
	if cl, ok := c.calls[peer]; ok {
		return cl.state
	}
	return NoCall
}

// Calls lists peers with a call that is not NoCall.
func (c *Controller) Calls() map[domain.PeerID]State {
	out := make(map[domain.PeerID]State, len(c.calls))
	for peer, cl := range c.calls {
		out[peer] = cl.state
	}
	return out
}

// Peers returns the peers with a call, sorted.
func (c *Controller) Peers() []domain.PeerID {
	out := make([]domain.PeerID, 0, len(c.calls))
	for peer := range c.calls {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ExpectsOffer reports whether an inbound DirectInvite offer from peer
// belongs to an accepted call.
func (c *Controller) ExpectsOffer(peer domain.PeerID) bool {
	cl, ok := c.calls[peer]
	return ok && cl.accepted && !cl.inviter
}

func (c *Controller) Invite(peer domain.PeerID) error {
	if !c.cfg.VoiceEnabled() {
		return ErrLocalMediaUnavailable
	}
	if c.State(peer) != NoCall {
		return ErrCallInProgress
	}
	if err := c.send(core.KindInvite, peer, core.InvitePayload{}); err != nil {
		return err
	}
	c.calls[peer] = &call{state: InviteSent, inviter: true}
	c.logger.Info().Str("peer", string(peer)).Msg("invite sent")
	return nil
}

func (c *Controller) Accept(peer domain.PeerID) error {
	cl, ok := c.calls[peer]
	if !ok || cl.state != InviteReceived {
		return ErrNoInvite
	}
	if !c.cfg.VoiceEnabled() {
		return ErrLocalMediaUnavailable
	}
	if err := c.send(core.KindAccept, peer, nil); err != nil {
		return err
	}
	cl.accepted = true
	if c.cfg.Sessions.Claim(peer, media.DirectInvite) {
		c.activateIfConnected(peer)
	}
	c.logger.Info().Str("peer", string(peer)).Msg("invite accepted")
	return nil
}

func (c *Controller) Reject(peer domain.PeerID) error {
	cl, ok := c.calls[peer]
	if !ok || cl.state != InviteReceived {
		return ErrNoInvite
	}
	delete(c.calls, peer)
	return c.send(core.KindReject, peer, nil)
}

// End hangs up. The session survives while proximity still claims it.
func (c *Controller) End(peer domain.PeerID) error {
	if _, ok := c.calls[peer]; !ok {
		return ErrNoCall
	}
	err := c.send(core.KindEnd, peer, nil)
	c.finish(peer, Event{Kind: CallEnded, Peer: peer})
	return err
}

// EndAll hangs up every call, e.g. when local voice goes away.
func (c *Controller) EndAll() {
	for _, peer := range c.Peers() {
		if err := c.End(peer); err != nil {
			c.logger.Debug().Err(err).Str("peer", string(peer)).Msg("end call")
		}
	}
}

// HandleMessage applies an inbound invite, accept, reject or end.
func (c *Controller) HandleMessage(msg core.Message) {
	peer := msg.From
	switch msg.Type {
	case core.KindInvite:
		c.onInvite(peer)
	case core.KindAccept:
		c.onAccept(peer)
	case core.KindReject:
		cl, ok := c.calls[peer]
		if !ok || cl.state != InviteSent {
			c.logger.Debug().Str("peer", string(peer)).Msg("stale reject")
			return
		}
		delete(c.calls, peer)
		c.cfg.Emit(Event{Kind: CallDeclined, Peer: peer})
	case core.KindEnd:
		c.onEnd(peer)
	}
}

func (c *Controller) onInvite(peer domain.PeerID) {
	if cl, ok := c.calls[peer]; ok {
		if cl.state != InviteSent || c.cfg.Local.Less(peer) {
			c.logger.Debug().Str("peer", string(peer)).Str("state", cl.state.String()).Msg("invite ignored")
			return
		}
		// both sides invited; the smaller id stays the inviter
	}
	c.calls[peer] = &call{state: InviteReceived}
	c.cfg.Emit(Event{Kind: IncomingCall, Peer: peer})
	if c.cfg.AutoAccept {
		if err := c.Accept(peer); err != nil {
			c.logger.Warn().Err(err).Str("peer", string(peer)).Msg("auto accept")
		}
	}
}

func (c *Controller) onAccept(peer domain.PeerID) {
	cl, ok := c.calls[peer]
	if !ok || cl.state != InviteSent {
		c.logger.Debug().Str("peer", string(peer)).Msg("stale accept")
		return
	}
	cl.accepted = true
	if c.cfg.Sessions.Claim(peer, media.DirectInvite) {
		c.activateIfConnected(peer)
		return
	}
	if _, err := c.cfg.Sessions.CreateOutboundSession(peer, media.DirectInvite); err != nil {
		c.fail(peer, err)
	}
}

func (c *Controller) onEnd(peer domain.PeerID) {
	if s, ok := c.cfg.Sessions.Session(peer); ok && s.State == media.Failed {
		c.cfg.Sessions.CloseSession(peer)
	}
	if _, ok := c.calls[peer]; !ok {
		return
	}
	c.finish(peer, Event{Kind: CallEnded, Peer: peer})
}

// SessionStateChanged is fed from the media listener.
func (c *Controller) SessionStateChanged(s media.Session) {
	cl, ok := c.calls[s.PeerID]
	if !ok || !cl.accepted {
		return
	}
	switch s.State {
	case media.Connected:
		c.activateIfConnected(s.PeerID)
	case media.Failed:
		if s.Purposes.Has(media.DirectInvite) {
			_ = c.send(core.KindEnd, s.PeerID, nil)
			c.fail(s.PeerID, fmt.Errorf("%w: call with %s", media.ErrNegotiationFailed, s.PeerID))
		}
	}
}

// SessionClosed ends an active call whose session went away.
func (c *Controller) SessionClosed(s media.Session) {
	cl, ok := c.calls[s.PeerID]
	if !ok || !cl.accepted {
		return
	}
	delete(c.calls, s.PeerID)
	c.cfg.Emit(Event{Kind: CallEnded, Peer: s.PeerID})
}

// PeerLeft ends any call with a participant who left the office.
func (c *Controller) PeerLeft(peer domain.PeerID) {
	if _, ok := c.calls[peer]; ok {
		c.finish(peer, Event{Kind: CallEnded, Peer: peer})
	}
}

func (c *Controller) activateIfConnected(peer domain.PeerID) {
	cl, ok := c.calls[peer]
	if !ok || cl.state == Active {
		return
	}
	s, ok := c.cfg.Sessions.Session(peer)
	if !ok || s.State != media.Connected || !s.Purposes.Has(media.DirectInvite) {
		return
	}
	cl.state = Active
	c.cfg.Sessions.SetGain(peer, 1)
	c.logger.Info().Str("peer", string(peer)).Msg("call active")
	c.cfg.Emit(Event{Kind: CallActive, Peer: peer})
}

func (c *Controller) fail(peer domain.PeerID, err error) {
	c.logger.Error().Err(err).Str("peer", string(peer)).Msg("call failed")
	c.finish(peer, Event{Kind: CallFailed, Peer: peer, Err: err})
}

// finish passes through Ended and resets to NoCall.
func (c *Controller) finish(peer domain.PeerID, ev Event) {
	if cl, ok := c.calls[peer]; ok {
		cl.state = Ended
	}
	delete(c.calls, peer)
	c.cfg.Sessions.Release(peer, media.DirectInvite)
	c.cfg.Emit(ev)
}

func (c *Controller) send(kind core.MessageKind, peer domain.PeerID, payload any) error {
	msg, err := core.NewMessage(kind, peer, payload)
	if err != nil {
		return err
	}
	if err := c.cfg.Signal.Send(msg); err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	return nil
}
