// Package media keeps the registry of per-peer media sessions and drives
// each session through its negotiation state machine.
package media

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dkeye/Office/internal/domain"
)

var (
	ErrAlreadyConnected  = errors.New("session already exists")
	ErrNoLocalMedia      = errors.New("no local media")
	ErrNegotiationFailed = errors.New("negotiation failed")
	ErrStaleSignal       = errors.New("stale signal")
)

// Purpose is why a session exists. A session may serve several at once.
type Purpose uint8

const (
	Proximity Purpose = 1 << iota
	DirectInvite
)

func (p Purpose) String() string {
	switch p {
	case Proximity:
		return "proximity"
	case DirectInvite:
		return "direct"
	}
	return "unknown"
}

// ParsePurpose reads the wire form. Unknown values map to Proximity.
func ParsePurpose(s string) Purpose {
	if s == DirectInvite.String() {
		return DirectInvite
	}
	return Proximity
}

// Purposes is the set of purposes a session currently serves.
type Purposes uint8

func (ps Purposes) Has(p Purpose) bool      { return ps&Purposes(p) != 0 }
func (ps Purposes) With(p Purpose) Purposes { return ps | Purposes(p) }
func (ps Purposes) Without(p Purpose) Purposes {
	return ps &^ Purposes(p)
}
func (ps Purposes) Empty() bool { return ps == 0 }

func (ps Purposes) String() string {
	var names []string
	for _, p := range []Purpose{Proximity, DirectInvite} {
		if ps.Has(p) {
			names = append(names, p.String())
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "+")
}

type Role int

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

type State int

const (
	Idle State = iota
	OfferSent
	AnswerSent
	Connected
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case OfferSent:
		return "offer-sent"
	case AnswerSent:
		return "answer-sent"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Terminal states never become Connected again.
func (s State) Terminal() bool { return s == Failed || s == Closed }

// Negotiating states are subject to the negotiation timeout.
func (s State) Negotiating() bool { return s == OfferSent || s == AnswerSent }

type SessionID string

// RemoteStream describes the inbound media of a session.
type RemoteStream struct {
	TrackID  string
	StreamID string
	Video    bool
	// Output is the strategy chosen for the audio path.
	Output string
	Level  LevelSource
}

// LevelSource exposes the current inbound loudness in [0,1].
type LevelSource interface {
	Level() float64
}

// Session is a read-only snapshot of a registry entry.
type Session struct {
	ID                  SessionID
	PeerID              domain.PeerID
	Role                Role
	State               State
	Purposes            Purposes
	LocalTracksAttached bool
	RemoteStream        *RemoteStream
	CurrentGain         float64
	CreatedAt           time.Time
}

// Listener receives session events. Calls happen on the event loop.
type Listener interface {
	SessionStateChanged(s Session)
	// RemoteStreamStarted passes the session context; it is cancelled when
	// the session closes or fails.
	RemoteStreamStarted(ctx context.Context, peer domain.PeerID, rs RemoteStream)
	SessionClosed(s Session)
	SessionError(peer domain.PeerID, err error)
}

type nopListener struct{}

func (nopListener) SessionStateChanged(Session)                                      {}
func (nopListener) RemoteStreamStarted(context.Context, domain.PeerID, RemoteStream) {}
func (nopListener) SessionClosed(Session)                                            {}
func (nopListener) SessionError(domain.PeerID, error)                                {}
