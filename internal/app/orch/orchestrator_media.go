package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/Office/internal/activity"
	"github.com/dkeye/Office/internal/call"
	"github.com/dkeye/Office/internal/domain"
	"github.com/dkeye/Office/internal/media"
)

// SessionStateChanged implements media.Listener.
func (o *Orchestrator) SessionStateChanged(s media.Session) {
	o.calls.SessionStateChanged(s)
	if s.State == media.Connected {
		o.scheduleReconcile()
	}
	o.cfg.OnEvent(Event{
		Kind: EventSession,
		Peer: s.PeerID,
		Text: fmt.Sprintf("%s (%s, %s)", s.State, s.Role, s.Purposes),
	})
}

// RemoteStreamStarted implements media.Listener. The sampler lives as long
// as the session context.
func (o *Orchestrator) RemoteStreamStarted(ctx context.Context, peer domain.PeerID, rs media.RemoteStream) {
	if rs.Level == nil {
		return
	}
	o.activity.Attach(ctx, peer, rs.Level)
	o.logger.Debug().Str("peer", string(peer)).Str("output", rs.Output).Msg("speaking detection attached")
}

// SessionClosed implements media.Listener.
func (o *Orchestrator) SessionClosed(s media.Session) {
	o.activity.Detach(s.PeerID)
	o.calls.SessionClosed(s)
	o.cfg.OnEvent(Event{Kind: EventSession, Peer: s.PeerID, Text: "closed"})
}

// SessionError implements media.Listener.
func (o *Orchestrator) SessionError(peer domain.PeerID, err error) {
	o.scheduleReconcile()
	o.cfg.OnEvent(Event{Kind: EventError, Peer: peer, Text: "session error", Err: err})
}

func (o *Orchestrator) onSpeaking(ev activity.Event) {
	if o.speaking[ev.Peer] == ev.Speaking {
		return
	}
	if ev.Speaking {
		o.speaking[ev.Peer] = true
	} else {
		delete(o.speaking, ev.Peer)
	}
	text := "stopped speaking"
	if ev.Speaking {
		text = "speaking"
	}
	o.cfg.OnEvent(Event{Kind: EventSpeaking, Peer: ev.Peer, Text: text})
}

func (o *Orchestrator) onCallEvent(ev call.Event) {
	o.cfg.OnEvent(Event{Kind: EventCall, Peer: ev.Peer, Text: ev.Kind.String(), Err: ev.Err})
}
