package media

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dkeye/Office/internal/audio"
	"github.com/dkeye/Office/internal/core"
	"github.com/dkeye/Office/internal/domain"
	"github.com/dkeye/Office/internal/voice"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultNegotiationTimeout = 15 * time.Second
	DefaultCandidateLimit     = 32
	DefaultCandidateTTL       = 10 * time.Second
)

// Sender delivers addressed signaling messages.
type Sender interface {
	Send(core.Message) error
}

type Config struct {
	Local    domain.PeerID
	Factory  core.MediaFactory
	Voice    *voice.State
	Signal   Sender
	Listener Listener
	// Post schedules fn on the event loop. Transport callbacks arrive on
	// pion goroutines and are always posted.
	Post func(fn func())
	// Mixer is optional; without it inbound audio goes through a gate on Sink.
	Mixer audio.Mixer
	Sink  func(peer domain.PeerID) audio.PacketWriter

	NegotiationTimeout time.Duration
	CandidateLimit     int
	CandidateTTL       time.Duration
	Now                func() time.Time
}

type session struct {
	Session

	conn       core.MediaConnection
	ctx        context.Context
	cancel     context.CancelFunc
	stream     *voice.Stream
	output     audio.Output
	hasRemote  bool
	stateSince time.Time
	released   bool
}

func (s *session) snapshot() Session {
	out := s.Session
	if s.RemoteStream != nil {
		rs := *s.RemoteStream
		out.RemoteStream = &rs
	}
	return out
}

// Manager is the MediaSessionManager. It is not safe for concurrent use;
// every method must run on the event loop.
type Manager struct {
	cfg      Config
	sessions map[domain.PeerID]*session
	pending  *candidateBuffer
	logger   zerolog.Logger
}

func NewManager(cfg Config) *Manager {
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = DefaultCandidateLimit
	}
	if cfg.CandidateTTL <= 0 {
		cfg.CandidateTTL = DefaultCandidateTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Post == nil {
		cfg.Post = func(fn func()) { fn() }
	}
	if cfg.Listener == nil {
		cfg.Listener = nopListener{}
	}
	if cfg.Sink == nil {
		cfg.Sink = func(domain.PeerID) audio.PacketWriter { return audio.Discard }
	}
	return &Manager{
		cfg:      cfg,
		sessions: make(map[domain.PeerID]*session),
		pending:  newCandidateBuffer(cfg.CandidateLimit, cfg.CandidateTTL),
		logger:   log.With().Str("module", "media").Logger(),
	}
}

// Session returns a snapshot of the session with peer.
func (m *Manager) Session(peer domain.PeerID) (Session, bool) {
	s, ok := m.sessions[peer]
	if !ok {
		return Session{}, false
	}
	return s.snapshot(), true
}

// Sessions returns snapshots sorted by peer id.
func (m *Manager) Sessions() []Session {
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// CreateOutboundSession opens a session as initiator and sends the offer.
func (m *Manager) CreateOutboundSession(peer domain.PeerID, purpose Purpose) (SessionID, error) {
	if s, ok := m.sessions[peer]; ok {
		if !s.State.Terminal() {
			m.logger.Warn().Str("peer", string(peer)).Str("state", s.State.String()).Msg("outbound session refused")
			return s.ID, ErrAlreadyConnected
		}
		m.teardown(s, true)
	}
	m.pending.drop(peer)

	s, err := m.newSession(peer, Initiator, Purposes(0).With(purpose))
	if err != nil {
		return "", err
	}
	offer, err := s.conn.CreateOffer()
	if err != nil {
		m.discard(s)
		return "", fmt.Errorf("%w: create offer: %w", ErrNegotiationFailed, err)
	}
	if err := m.send(core.KindOffer, peer, core.DescriptionPayload{SDP: offer.SDP, Purpose: purpose.String()}); err != nil {
		m.discard(s)
		return "", fmt.Errorf("%w: send offer: %w", ErrNegotiationFailed, err)
	}
	m.sessions[peer] = s
	m.setState(s, OfferSent)
	m.logger.Info().Str("peer", string(peer)).Str("purpose", purpose.String()).Msg("offer sent")
	return s.ID, nil
}

// AcceptInboundOffer answers a remote offer. On glare the smaller id keeps
// its own offer and the remote one is refused.
func (m *Manager) AcceptInboundOffer(peer domain.PeerID, offer webrtc.SessionDescription, purpose Purpose) error {
	if m.cfg.Voice == nil || m.cfg.Voice.Stream() == nil {
		return ErrNoLocalMedia
	}
	purposes := Purposes(0).With(purpose)
	if s, ok := m.sessions[peer]; ok {
		if s.State == OfferSent && m.cfg.Local.Less(peer) {
			m.logger.Warn().Str("peer", string(peer)).Msg("glare: keeping local offer")
			return ErrAlreadyConnected
		}
		if !s.State.Terminal() {
			purposes |= s.Purposes
		}
		m.teardown(s, false)
	}
	m.pending.drop(peer)

	s, err := m.newSession(peer, Responder, purposes)
	if err != nil {
		return err
	}
	answer, err := s.conn.ApplyOfferAndCreateAnswer(offer)
	if err != nil {
		m.discard(s)
		return fmt.Errorf("%w: apply offer: %w", ErrNegotiationFailed, err)
	}
	if err := m.send(core.KindAnswer, peer, core.DescriptionPayload{SDP: answer.SDP, Purpose: purpose.String()}); err != nil {
		m.discard(s)
		return fmt.Errorf("%w: send answer: %w", ErrNegotiationFailed, err)
	}
	m.sessions[peer] = s
	s.hasRemote = true
	m.setState(s, AnswerSent)
	m.logger.Info().Str("peer", string(peer)).Str("purposes", s.Purposes.String()).Msg("answer sent")
	return nil
}

// ApplyRemoteAnswer completes a session this side initiated.
func (m *Manager) ApplyRemoteAnswer(peer domain.PeerID, answer webrtc.SessionDescription) error {
	s, ok := m.sessions[peer]
	if !ok || s.State != OfferSent {
		m.logger.Debug().Str("peer", string(peer)).Msg("stale answer")
		return ErrStaleSignal
	}
	if err := s.conn.ApplyAnswer(answer); err != nil {
		err = fmt.Errorf("%w: apply answer: %w", ErrNegotiationFailed, err)
		m.fail(s, err)
		return err
	}
	s.hasRemote = true
	m.flushCandidates(s)
	m.setState(s, Connected)
	return nil
}

// ApplyRemoteICECandidate forwards c to the session, or buffers it until the
// session has a remote description. It never creates a session.
func (m *Manager) ApplyRemoteICECandidate(peer domain.PeerID, c webrtc.ICECandidateInit) {
	s, ok := m.sessions[peer]
	if !ok || !s.hasRemote {
		m.pending.push(peer, c, m.cfg.Now())
		m.logger.Debug().Str("peer", string(peer)).Msg("candidate buffered")
		return
	}
	if s.State.Terminal() {
		return
	}
	if err := s.conn.AddICECandidate(c); err != nil {
		m.logger.Debug().Err(err).Str("peer", string(peer)).Msg("add ice candidate")
	}
}

// CloseSession tears down the session with peer. Closing an absent session
// is a no-op.
func (m *Manager) CloseSession(peer domain.PeerID) {
	if s, ok := m.sessions[peer]; ok {
		m.teardown(s, true)
	}
	m.pending.drop(peer)
}

// CloseAll tears down every session.
func (m *Manager) CloseAll() {
	for peer := range m.sessions {
		m.CloseSession(peer)
	}
}

// SetGain applies a clamped gain to a Connected session.
func (m *Manager) SetGain(peer domain.PeerID, gain float64) {
	s, ok := m.sessions[peer]
	if !ok || s.State != Connected {
		return
	}
	s.CurrentGain = audio.Clamp(gain)
	if s.output != nil {
		s.output.SetGain(s.CurrentGain)
	}
}

// Claim adds purpose to a live session. It reports false when there is none.
func (m *Manager) Claim(peer domain.PeerID, purpose Purpose) bool {
	s, ok := m.sessions[peer]
	if !ok || s.State.Terminal() {
		return false
	}
	s.Purposes = s.Purposes.With(purpose)
	return true
}

// Release drops purpose and closes the session once nothing claims it.
func (m *Manager) Release(peer domain.PeerID, purpose Purpose) {
	s, ok := m.sessions[peer]
	if !ok {
		return
	}
	s.Purposes = s.Purposes.Without(purpose)
	if s.Purposes.Empty() {
		m.logger.Info().Str("peer", string(peer)).Msg("last purpose released")
		m.teardown(s, true)
	}
}

// CheckTimeouts fails sessions stuck in negotiation and prunes expired
// candidates. The event loop calls it on every tick.
func (m *Manager) CheckTimeouts() {
	now := m.cfg.Now()
	for _, s := range m.sessions {
		if s.State.Negotiating() && now.Sub(s.stateSince) > m.cfg.NegotiationTimeout {
			m.fail(s, fmt.Errorf("%w: timed out in %s", ErrNegotiationFailed, s.State))
		}
	}
	m.pending.prune(now)
}

// PendingCandidates is the number of buffered candidates for peer.
func (m *Manager) PendingCandidates(peer domain.PeerID) int { return m.pending.len(peer) }

func (m *Manager) newSession(peer domain.PeerID, role Role, purposes Purposes) (*session, error) {
	conn, err := m.cfg.Factory.NewConnection(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: new connection: %w", ErrNegotiationFailed, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	now := m.cfg.Now()
	s := &session{
		Session: Session{
			ID:        SessionID(uuid.NewString()),
			PeerID:    peer,
			Role:      role,
			State:     Idle,
			Purposes:  purposes,
			CreatedAt: now,
		},
		conn:       conn,
		ctx:        ctx,
		cancel:     cancel,
		stateSince: now,
	}
	if m.cfg.Voice != nil {
		if st := m.cfg.Voice.Stream(); st != nil {
			for _, t := range st.Tracks() {
				if err := conn.AddLocalTrack(t); err != nil {
					cancel()
					conn.Close()
					return nil, fmt.Errorf("%w: add local track: %w", ErrNegotiationFailed, err)
				}
			}
			st.Acquire()
			s.stream = st
			s.LocalTracksAttached = true
		}
	}
	m.wire(s)
	return s, nil
}

// wire binds transport callbacks to s. Callbacks for a session that is no
// longer the registry entry are dropped.
func (m *Manager) wire(s *session) {
	peer := s.PeerID
	current := func() bool { return m.sessions[peer] == s && s.ctx.Err() == nil }

	s.conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		m.cfg.Post(func() {
			if !current() {
				return
			}
			if err := m.send(core.KindICECandidate, peer, c); err != nil {
				m.logger.Debug().Err(err).Str("peer", string(peer)).Msg("send candidate")
			}
		})
	})
	s.conn.OnStateChange(func(ts core.TransportState) {
		m.cfg.Post(func() {
			if !current() {
				return
			}
			m.logger.Debug().Str("peer", string(peer)).Str("transport", ts.String()).Msg("transport state")
			switch ts {
			case core.TransportConnected:
				if s.State == AnswerSent || s.State == OfferSent {
					m.setState(s, Connected)
				}
			case core.TransportFailed, core.TransportClosed:
				m.fail(s, fmt.Errorf("%w: transport %s", ErrNegotiationFailed, ts))
			}
		})
	})
	s.conn.OnTrack(func(t core.RemoteTrack) {
		m.cfg.Post(func() {
			if !current() {
				return
			}
			m.startRemote(s, t)
		})
	})
}

func (m *Manager) startRemote(s *session, t core.RemoteTrack) {
	logger := m.logger.With().Str("peer", string(s.PeerID)).Str("track", t.ID()).Logger()
	if s.RemoteStream == nil {
		s.RemoteStream = &RemoteStream{TrackID: t.ID(), StreamID: t.StreamID()}
	}
	if t.Kind() != webrtc.RTPCodecTypeAudio {
		s.RemoteStream.Video = true
		go drain(s.ctx, t)
		logger.Info().Msg("remote video started")
		return
	}
	if s.output == nil {
		s.output = audio.NewOutput(s.PeerID, m.cfg.Mixer, m.cfg.Sink(s.PeerID))
		s.output.SetGain(s.CurrentGain)
	}
	meter := audio.NewMeter(t)
	s.RemoteStream.TrackID = t.ID()
	s.RemoteStream.Output = s.output.Strategy()
	s.RemoteStream.Level = meter
	go audio.Pump(s.ctx, t, meter, s.output, &logger)
	logger.Info().Str("output", s.output.Strategy()).Bool("audio_level_ext", meter.UsesHeaderExtension()).Msg("remote audio started")
	m.cfg.Listener.SessionStateChanged(s.snapshot())
	m.cfg.Listener.RemoteStreamStarted(s.ctx, s.PeerID, *s.RemoteStream)
}

func drain(ctx context.Context, t core.RemoteTrack) {
	for ctx.Err() == nil {
		if _, err := t.ReadRTP(); err != nil {
			return
		}
	}
}

func (m *Manager) flushCandidates(s *session) {
	for _, c := range m.pending.take(s.PeerID, m.cfg.Now()) {
		if err := s.conn.AddICECandidate(c); err != nil {
			m.logger.Debug().Err(err).Str("peer", string(s.PeerID)).Msg("replay ice candidate")
		}
	}
}

func (m *Manager) setState(s *session, st State) {
	if s.State == st {
		return
	}
	s.State = st
	s.stateSince = m.cfg.Now()
	m.cfg.Listener.SessionStateChanged(s.snapshot())
}

// fail moves s to Failed and releases its resources. The entry stays in the
// registry so controllers can decide about a retry.
func (m *Manager) fail(s *session, err error) {
	if s.State.Terminal() {
		return
	}
	m.logger.Error().Err(err).Str("peer", string(s.PeerID)).Str("state", s.State.String()).Msg("session failed")
	m.release(s)
	s.State = Failed
	s.stateSince = m.cfg.Now()
	m.cfg.Listener.SessionStateChanged(s.snapshot())
	m.cfg.Listener.SessionError(s.PeerID, err)
}

func (m *Manager) release(s *session) {
	if s.released {
		return
	}
	s.released = true
	s.cancel()
	if s.output != nil {
		_ = s.output.Close()
	}
	s.conn.Close()
	if s.stream != nil {
		s.stream.Release()
		s.stream = nil
	}
}

// discard drops a session that never made it into the registry.
func (m *Manager) discard(s *session) { m.release(s) }

func (m *Manager) teardown(s *session, notify bool) {
	m.release(s)
	if m.sessions[s.PeerID] == s {
		delete(m.sessions, s.PeerID)
	}
	s.State = Closed
	m.logger.Info().Str("peer", string(s.PeerID)).Str("session", string(s.ID)).Msg("session closed")
	if notify {
		m.cfg.Listener.SessionClosed(s.snapshot())
	}
}

func (m *Manager) send(kind core.MessageKind, peer domain.PeerID, payload any) error {
	if m.cfg.Signal == nil {
		return errors.New("no signaling client")
	}
	msg, err := core.NewMessage(kind, peer, payload)
	if err != nil {
		return err
	}
	return m.cfg.Signal.Send(msg)
}
