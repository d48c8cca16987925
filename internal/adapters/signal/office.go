package signal

import (
	"context"
	"errors"

	"github.com/dkeye/Office/internal/app"
	"github.com/dkeye/Office/internal/core"
	"github.com/dkeye/Office/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleJoin(ctx context.Context, sid core.SessionID, conn *WsSignalConn, msg core.Message) {
	var p core.JoinPayload
	if err := msg.Decode(&p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.sendError(conn, "bad_payload")
		return
	}
	if len(p.Office) > domain.MaxOfficeNameLen {
		ctl.sendError(conn, "invalid_office")
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("office", p.Office).Msg("join")
	if _, err := ctl.Orch.Join(ctx, sid, p); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("join rejected")
		switch {
		case errors.Is(err, domain.ErrUsernameEmpty), errors.Is(err, domain.ErrUsernameTooLong):
			ctl.sendError(conn, "invalid_name")
		default:
			ctl.sendError(conn, "join_failed")
		}
	}
}

func (ctl *SignalWSController) handleMove(ctx context.Context, sid core.SessionID, conn *WsSignalConn, msg core.Message) {
	var p core.MovePayload
	if err := msg.Decode(&p); err != nil {
		ctl.sendError(conn, "bad_payload")
		return
	}
	if ctl.Moves != nil && !ctl.Moves.Allow(domain.PeerID(sid)) {
		log.Debug().Str("module", "signal").Str("sid", string(sid)).Msg("move rate limited")
		ctl.sendError(conn, "rate_limited")
		return
	}
	if _, err := ctl.Orch.Move(ctx, sid, domain.Position{X: p.X, Y: p.Y}); err != nil {
		ctl.sendOrchError(conn, err)
	}
}

func (ctl *SignalWSController) handleVoiceStatus(ctx context.Context, sid core.SessionID, conn *WsSignalConn, msg core.Message) {
	var p core.VoiceStatusPayload
	if err := msg.Decode(&p); err != nil {
		ctl.sendError(conn, "bad_payload")
		return
	}
	if err := ctl.Orch.SetVoice(ctx, sid, p.Enabled); err != nil {
		ctl.sendOrchError(conn, err)
	}
}

func (ctl *SignalWSController) sendOrchError(conn *WsSignalConn, err error) {
	switch {
	case errors.Is(err, app.ErrNotJoined):
		ctl.sendError(conn, "not_joined")
	case errors.Is(err, app.ErrUnknownPeer):
		ctl.sendError(conn, "unknown_peer")
	case errors.Is(err, app.ErrSelfAddressed):
		ctl.sendError(conn, "self_addressed")
	default:
		ctl.sendError(conn, "internal")
	}
}
