// Package proximity opens, tunes and drops voice sessions from avatar
// distance.
package proximity

import (
	"errors"
	"fmt"
	"math"

	"github.com/dkeye/Office/internal/domain"
	"github.com/dkeye/Office/internal/media"
	"github.com/dkeye/Office/internal/spatial"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultGainDelta = 0.1

var ErrPersistentFailure = errors.New("proximity session failed after retry")

// Sessions is the part of media.Manager the controller drives.
type Sessions interface {
	Session(peer domain.PeerID) (media.Session, bool)
	Sessions() []media.Session
	CreateOutboundSession(peer domain.PeerID, purpose media.Purpose) (media.SessionID, error)
	CloseSession(peer domain.PeerID)
	SetGain(peer domain.PeerID, gain float64)
	Claim(peer domain.PeerID, purpose media.Purpose) bool
	Release(peer domain.PeerID, purpose media.Purpose)
}

// Input is the world as seen by one reconciliation pass.
type Input struct {
	Self         domain.Participant
	VoiceEnabled bool
	Peers        []domain.Participant
}

type Controller struct {
	local     domain.PeerID
	model     spatial.Model
	sessions  Sessions
	gainDelta float64
	// OnPersistentFailure is called once per peer when a retried session
	// fails again.
	OnPersistentFailure func(peer domain.PeerID, err error)

	failures map[domain.PeerID]int
	counted  map[media.SessionID]bool
	logger   zerolog.Logger
}

func NewController(local domain.PeerID, model spatial.Model, sessions Sessions, gainDelta float64) *Controller {
	if gainDelta <= 0 {
		gainDelta = DefaultGainDelta
	}
	return &Controller{
		local:     local,
		model:     model,
		sessions:  sessions,
		gainDelta: gainDelta,
		failures:  make(map[domain.PeerID]int),
		counted:   make(map[media.SessionID]bool),
		logger:    log.With().Str("module", "proximity").Logger(),
	}
}

// Initiates reports whether this side sends the offer to peer.
func (c *Controller) Initiates(peer domain.PeerID) bool { return c.local.Less(peer) }

// Reconcile brings the Proximity sessions in line with the positions in in.
// DirectInvite sessions are only ever claimed or released, never closed or
// re-gained.
func (c *Controller) Reconcile(in Input) {
	if !in.VoiceEnabled {
		for _, s := range c.sessions.Sessions() {
			if s.Purposes.Has(media.Proximity) {
				c.drop(s.PeerID)
			}
		}
		clear(c.failures)
		c.prune()
		return
	}

	seen := make(map[domain.PeerID]bool, len(in.Peers))
	for _, p := range in.Peers {
		if p.ID == c.local {
			continue
		}
		seen[p.ID] = true
		if !p.VoiceEnabled {
			c.leaveRange(p.ID)
			continue
		}
		d := c.model.Distance(in.Self.Position, p.Position)
		switch {
		case d >= c.model.MaxDistance():
			c.leaveRange(p.ID)
		case d <= c.model.Threshold():
			c.inRange(p.ID, d)
		default:
			c.tune(p.ID, d)
		}
	}
	for _, s := range c.sessions.Sessions() {
		if !seen[s.PeerID] && s.Purposes.Has(media.Proximity) {
			c.drop(s.PeerID)
		}
	}
	for peer := range c.failures {
		if !seen[peer] {
			delete(c.failures, peer)
		}
	}
	c.prune()
}

// UsersInRange lists voice-enabled peers within the proximity threshold.
func (c *Controller) UsersInRange(in Input) []domain.PeerID {
	var out []domain.PeerID
	for _, p := range in.Peers {
		if p.ID == in.Self.ID || !p.VoiceEnabled {
			continue
		}
		if c.model.Distance(in.Self.Position, p.Position) <= c.model.Threshold() {
			out = append(out, p.ID)
		}
	}
	return out
}

func (c *Controller) inRange(peer domain.PeerID, d float64) {
	s, ok := c.sessions.Session(peer)
	if !ok {
		if c.Initiates(peer) && c.failures[peer] < 2 {
			c.open(peer)
		}
		return
	}
	if s.State == media.Failed {
		c.retry(s)
		return
	}
	if !s.Purposes.Has(media.Proximity) {
		c.sessions.Claim(peer, media.Proximity)
		return
	}
	c.tune(peer, d)
}

func (c *Controller) retry(s media.Session) {
	if s.Purposes.Has(media.DirectInvite) {
		return
	}
	if !c.counted[s.ID] {
		c.counted[s.ID] = true
		c.failures[s.PeerID]++
	}
	c.sessions.CloseSession(s.PeerID)
	switch n := c.failures[s.PeerID]; {
	case n == 1:
		if c.Initiates(s.PeerID) {
			c.logger.Info().Str("peer", string(s.PeerID)).Msg("retrying failed session")
			c.open(s.PeerID)
		}
	case n == 2:
		c.failures[s.PeerID]++
		err := fmt.Errorf("%w: %s", ErrPersistentFailure, s.PeerID)
		c.logger.Error().Err(err).Str("peer", string(s.PeerID)).Msg("giving up until peer leaves range")
		if c.OnPersistentFailure != nil {
			c.OnPersistentFailure(s.PeerID, err)
		}
	}
}

func (c *Controller) open(peer domain.PeerID) {
	if _, err := c.sessions.CreateOutboundSession(peer, media.Proximity); err != nil {
		c.logger.Warn().Err(err).Str("peer", string(peer)).Msg("open proximity session")
	}
}

// tune updates the gain of a connected Proximity session when the change
// from its live gain is worth applying. The live gain may have been set by
// a direct call that shared the session.
func (c *Controller) tune(peer domain.PeerID, d float64) {
	s, ok := c.sessions.Session(peer)
	if !ok || s.State != media.Connected || !s.Purposes.Has(media.Proximity) || s.Purposes.Has(media.DirectInvite) {
		return
	}
	vol := spatial.VolumeAt(c.model, d)
	if !c.worthChanging(s.CurrentGain, vol) {
		return
	}
	c.sessions.SetGain(peer, vol)
}

func (c *Controller) worthChanging(last, next float64) bool {
	if last == next {
		return false
	}
	if next == 0 || next == 1 {
		return true
	}
	return math.Abs(next-last) > c.gainDelta
}

func (c *Controller) leaveRange(peer domain.PeerID) {
	delete(c.failures, peer)
	if s, ok := c.sessions.Session(peer); ok && s.Purposes.Has(media.Proximity) {
		c.drop(peer)
	}
}

func (c *Controller) drop(peer domain.PeerID) {
	c.logger.Debug().Str("peer", string(peer)).Msg("releasing proximity claim")
	c.sessions.Release(peer, media.Proximity)
}

func (c *Controller) prune() {
	live := make(map[media.SessionID]bool)
	for _, s := range c.sessions.Sessions() {
		live[s.ID] = true
	}
	for id := range c.counted {
		if !live[id] {
			delete(c.counted, id)
		}
	}
}
