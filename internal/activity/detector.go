// Package activity turns inbound loudness into speaking transitions.
package activity

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Office/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	DefaultInterval  = 50 * time.Millisecond
	DefaultThreshold = 0.5
)

// LevelSource exposes the current loudness of a stream in [0,1].
type LevelSource interface {
	Level() float64
}

// Event is a speaking transition of one peer.
type Event struct {
	Peer     domain.PeerID
	Speaking bool
}

type sampler struct{ cancel context.CancelFunc }

// Detector runs one sampler per attached stream and reports transitions
// only. Emit is called from sampler goroutines.
type Detector struct {
	interval  time.Duration
	threshold float64
	emit      func(Event)

	mu       sync.Mutex
	samplers map[domain.PeerID]*sampler
	wg       sync.WaitGroup
}

func New(interval time.Duration, threshold float64, emit func(Event)) *Detector {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Detector{
		interval:  interval,
		threshold: threshold,
		emit:      emit,
		samplers:  make(map[domain.PeerID]*sampler),
	}
}

// Attach starts sampling src for peer until ctx is done or Detach is
// called. A previous sampler of the same peer is stopped.
func (d *Detector) Attach(ctx context.Context, peer domain.PeerID, src LevelSource) {
	ctx, cancel := context.WithCancel(ctx)
	s := &sampler{cancel: cancel}
	d.mu.Lock()
	if prev, ok := d.samplers[peer]; ok {
		prev.cancel()
	}
	d.samplers[peer] = s
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.sample(ctx, peer, src)
		cancel()
		d.mu.Lock()
		if d.samplers[peer] == s {
			delete(d.samplers, peer)
		}
		d.mu.Unlock()
	}()
}

// Detach stops the sampler of peer. It emits a final non-speaking event if
// the peer was speaking.
func (d *Detector) Detach(peer domain.PeerID) {
	d.mu.Lock()
	s, ok := d.samplers[peer]
	delete(d.samplers, peer)
	d.mu.Unlock()
	if ok {
		s.cancel()
	}
}

// Close stops every sampler and waits for them to exit.
func (d *Detector) Close() {
	d.mu.Lock()
	for peer, s := range d.samplers {
		s.cancel()
		delete(d.samplers, peer)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Detector) sample(ctx context.Context, peer domain.PeerID, src LevelSource) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	speaking := false
	for {
		select {
		case <-ctx.Done():
			if speaking {
				d.emit(Event{Peer: peer, Speaking: false})
			}
			return
		case <-ticker.C:
			now := src.Level() > d.threshold
			if now != speaking {
				speaking = now
				log.Debug().Str("module", "activity").Str("peer", string(peer)).Bool("speaking", now).Msg("speaking changed")
				d.emit(Event{Peer: peer, Speaking: now})
			}
		}
	}
}
