package signal

import "github.com/dkeye/Office/internal/core"

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	ctl.sendJSON(conn, core.Message{Type: core.KindPong})
}
