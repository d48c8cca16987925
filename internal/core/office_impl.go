package core

import (
	"sort"
	"sync"

	"github.com/dkeye/Office/internal/domain"
	"github.com/rs/zerolog/log"
)

// officeImpl is a threadsafe in-memory office.
// It never closes adapter-owned resources.
type officeImpl struct {
	office *domain.Office
	mu     sync.RWMutex
	bySID  map[SessionID]MemberSession
	byPeer map[domain.PeerID]SessionID
}

func NewOfficeService(office *domain.Office) OfficeService {
	return &officeImpl{
		office: office,
		bySID:  make(map[SessionID]MemberSession),
		byPeer: make(map[domain.PeerID]SessionID),
	}
}

func (o *officeImpl) Office() *domain.Office { return o.office }

func (o *officeImpl) MemberCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.bySID)
}

func (o *officeImpl) AddMember(sid SessionID, ms MemberSession) {
	id := ms.Meta().ID
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bySID[sid] = ms
	o.byPeer[id] = sid
	log.Info().Str("module", "core.office").Str("sid", string(sid)).Str("peer", string(id)).Msg("member added")
}

func (o *officeImpl) RemoveMember(sid SessionID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ms, ok := o.bySID[sid]; ok {
		delete(o.byPeer, ms.Meta().ID)
	}
	delete(o.bySID, sid)
	log.Info().Str("module", "core.office").Str("sid", string(sid)).Msg("member removed")
}

func (o *officeImpl) Member(id domain.PeerID) (MemberSession, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	sid, ok := o.byPeer[id]
	if !ok {
		return nil, false
	}
	ms, ok := o.bySID[sid]
	return ms, ok
}

func (o *officeImpl) Broadcast(from SessionID, data Frame) PublishResult {
	o.mu.RLock()
	defer o.mu.RUnlock()
	res := PublishResult{}
	for sid, m := range o.bySID {
		if sid == from {
			continue
		}
		sc := m.Signal()
		if sc == nil {
			continue
		}
		if err := sc.TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.office").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (o *officeImpl) MembersSnapshot() []domain.Participant {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]domain.Participant, 0, len(o.bySID))
	for _, ms := range o.bySID {
		out = append(out, ms.Meta())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
