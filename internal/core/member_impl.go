package core

import (
	"sync"

	"github.com/dkeye/Office/internal/domain"
)

// memberSession implements MemberSession by pairing meta + transport.
type memberSession struct {
	mu     sync.RWMutex
	meta   domain.Participant
	signal SignalConnection
}

func NewMemberSession(meta domain.Participant) MemberSession {
	return &memberSession{meta: meta}
}

func (m *memberSession) Meta() domain.Participant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.meta
}

func (m *memberSession) Signal() SignalConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.signal
}

func (m *memberSession) UpdateSignal(sc SignalConnection) MemberSession {
	m.mu.Lock()
	m.signal = sc
	m.mu.Unlock()
	return m
}

func (m *memberSession) Update(fn func(*domain.Participant)) domain.Participant {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.meta)
	return m.meta
}
