// Package voice owns the local capture stream. It is the only component
// allowed to start or stop capture; sessions only borrow track references.
package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrDeviceUnavailable = errors.New("capture device unavailable")

// Capture is what a Source hands back once the device is running.
type Capture struct {
	Tracks []webrtc.TrackLocal
	// Stop releases the device. It is called exactly once.
	Stop func()
}

// Source acquires a capture device. Implementations write samples until
// ctx is done and consult muted before every audio sample.
type Source interface {
	Start(ctx context.Context, muted func() bool) (Capture, error)
}

// Stream is one enablement of local capture.
type Stream struct {
	capture Capture
	cancel  context.CancelFunc

	once  sync.Once
	stops atomic.Int32
	refs  atomic.Int32
}

// Tracks returns the shared local tracks.
func (s *Stream) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, len(s.capture.Tracks))
	copy(out, s.capture.Tracks)
	return out
}

// Acquire records a session using the tracks.
func (s *Stream) Acquire() { s.refs.Add(1) }

// Release drops a session reference. It never stops the device.
func (s *Stream) Release() {
	if s.refs.Add(-1) < 0 {
		s.refs.Store(0)
	}
}

func (s *Stream) Refs() int  { return int(s.refs.Load()) }
func (s *Stream) Stops() int { return int(s.stops.Load()) }

func (s *Stream) stop() {
	s.once.Do(func() {
		s.cancel()
		if s.capture.Stop != nil {
			s.capture.Stop()
		}
		s.stops.Add(1)
		log.Info().Str("module", "voice").Int("refs", s.Refs()).Msg("capture stopped")
	})
}

// State is the process-wide voice toggle.
type State struct {
	source Source

	mu     sync.Mutex
	stream *Stream
	muted  atomic.Bool
}

func NewState(source Source) *State {
	return &State{source: source}
}

// Enable acquires the capture device. It is a no-op when already enabled.
func (s *State) Enable(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		return nil
	}
	if s.source == nil {
		return fmt.Errorf("%w: no capture source configured", ErrDeviceUnavailable)
	}
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	capture, err := s.source.Start(streamCtx, s.muted.Load)
	if err != nil {
		cancel()
		if !errors.Is(err, ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
		}
		return err
	}
	s.stream = &Stream{capture: capture, cancel: cancel}
	log.Info().Str("module", "voice").Int("tracks", len(capture.Tracks)).Msg("capture started")
	return nil
}

// Disable stops the capture stream. Safe to call repeatedly.
func (s *State) Disable() {
	s.mu.Lock()
	st := s.stream
	s.stream = nil
	s.mu.Unlock()
	if st != nil {
		st.stop()
	}
}

func (s *State) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream != nil
}

// Stream returns the current capture stream, nil when voice is off.
func (s *State) Stream() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

func (s *State) Muted() bool     { return s.muted.Load() }
func (s *State) SetMuted(m bool) { s.muted.Store(m) }
func (s *State) ToggleMute() bool {
	for {
		cur := s.muted.Load()
		if s.muted.CompareAndSwap(cur, !cur) {
			return !cur
		}
	}
}

// Tracks returns the local tracks of the running stream, nil when voice is off.
func (s *State) Tracks() []webrtc.TrackLocal {
	if st := s.Stream(); st != nil {
		return st.Tracks()
	}
	return nil
}
