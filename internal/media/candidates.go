package media

import (
	"time"

	"github.com/dkeye/Office/internal/domain"
	"github.com/pion/webrtc/v4"
)

type pendingCandidate struct {
	init webrtc.ICECandidateInit
	at   time.Time
}

// candidateBuffer holds remote candidates that arrived before the session
// they belong to had a remote description.
type candidateBuffer struct {
	limit  int
	ttl    time.Duration
	byPeer map[domain.PeerID][]pendingCandidate
}

func newCandidateBuffer(limit int, ttl time.Duration) *candidateBuffer {
	return &candidateBuffer{limit: limit, ttl: ttl, byPeer: make(map[domain.PeerID][]pendingCandidate)}
}

func (b *candidateBuffer) push(peer domain.PeerID, c webrtc.ICECandidateInit, now time.Time) {
	q := append(b.byPeer[peer], pendingCandidate{init: c, at: now})
	if len(q) > b.limit {
		q = q[len(q)-b.limit:]
	}
	b.byPeer[peer] = q
}

// take removes and returns the unexpired candidates of peer.
func (b *candidateBuffer) take(peer domain.PeerID, now time.Time) []webrtc.ICECandidateInit {
	q := b.byPeer[peer]
	delete(b.byPeer, peer)
	out := make([]webrtc.ICECandidateInit, 0, len(q))
	for _, c := range q {
		if now.Sub(c.at) <= b.ttl {
			out = append(out, c.init)
		}
	}
	return out
}

func (b *candidateBuffer) drop(peer domain.PeerID) { delete(b.byPeer, peer) }

func (b *candidateBuffer) len(peer domain.PeerID) int { return len(b.byPeer[peer]) }

func (b *candidateBuffer) prune(now time.Time) {
	for peer, q := range b.byPeer {
		i := 0
		for i < len(q) && now.Sub(q[i].at) > b.ttl {
			i++
		}
		if i == len(q) {
			delete(b.byPeer, peer)
		} else if i > 0 {
			b.byPeer[peer] = q[i:]
		}
	}
}
