package signal

import (
	"context"

	"github.com/dkeye/Office/internal/core"
	"github.com/rs/zerolog/log"
)

// handleAddressed forwards offers, answers, candidates and call control
// to another participant of the same office.
func (ctl *SignalWSController) handleAddressed(ctx context.Context, sid core.SessionID, conn *WsSignalConn, msg core.Message) {
	if msg.To == "" {
		ctl.sendError(conn, "missing_to")
		return
	}
	if err := ctl.Orch.Route(ctx, sid, msg); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("type", string(msg.Type)).Str("to", string(msg.To)).Msg("relay failed")
		ctl.sendOrchError(conn, err)
	}
}
