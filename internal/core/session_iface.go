package core

import "github.com/dkeye/Office/internal/domain"

// SessionID identifies one relay websocket (the client token cookie).
type SessionID string

// MemberSession binds a participant and its transport endpoint.
// This is what an office stores and fans out to.
type MemberSession interface {
	Meta() domain.Participant
	Signal() SignalConnection
	UpdateSignal(SignalConnection) MemberSession
	// Update mutates participant meta under the session lock.
	Update(func(*domain.Participant)) domain.Participant
}
