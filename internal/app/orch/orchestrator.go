// Package orch is the participant event loop. Signaling messages, transport
// callbacks, speaking transitions, user commands and timers are all posted
// to one goroutine, which is the only one touching the session registry.
package orch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dkeye/Office/internal/activity"
	"github.com/dkeye/Office/internal/audio"
	"github.com/dkeye/Office/internal/call"
	"github.com/dkeye/Office/internal/core"
	"github.com/dkeye/Office/internal/domain"
	"github.com/dkeye/Office/internal/media"
	"github.com/dkeye/Office/internal/proximity"
	"github.com/dkeye/Office/internal/roster"
	"github.com/dkeye/Office/internal/spatial"
	"github.com/dkeye/Office/internal/voice"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrStopped      = errors.New("orchestrator stopped")
	ErrSignalClosed = errors.New("signaling closed")
)

const (
	DefaultTick = 2 * time.Second
	postBuffer  = 256
)

type Config struct {
	Self   domain.PeerID
	Name   string
	Office domain.OfficeName
	Start  domain.Position
	// VoiceOnJoin enables capture before joining.
	VoiceOnJoin bool

	Signal  core.SignalingClient
	Factory core.MediaFactory
	Voice   *voice.State
	Model   spatial.Model
	Mixer   audio.Mixer

	GainDelta          float64
	Tick               time.Duration
	NegotiationTimeout time.Duration
	ActivityInterval   time.Duration
	ActivityThreshold  float64
	AutoAccept         bool

	// OnEvent receives user-facing notifications on the loop goroutine.
	OnEvent func(Event)
}

type EventKind string

const (
	EventRoster   EventKind = "roster"
	EventSession  EventKind = "session"
	EventSpeaking EventKind = "speaking"
	EventCall     EventKind = "call"
	EventError    EventKind = "error"
)

type Event struct {
	Kind EventKind
	Peer domain.PeerID
	Text string
	Err  error
}

type Orchestrator struct {
	cfg Config

	posts    chan func()
	stopping chan struct{}
	done     chan struct{}

	media    *media.Manager
	prox     *proximity.Controller
	calls    *call.Controller
	roster   *roster.Roster
	activity *activity.Detector
	speaking map[domain.PeerID]bool

	reconcilePending bool
	logger           zerolog.Logger
}

func New(cfg Config) *Orchestrator {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Office == "" {
		cfg.Office = domain.DefaultOffice
	}
	if cfg.Model == nil {
		cfg.Model = spatial.NewEuclidean(spatial.DefaultThreshold, spatial.DefaultMaxDistance)
	}
	if cfg.ActivityThreshold <= 0 {
		cfg.ActivityThreshold = activity.DefaultThreshold
	}
	if cfg.OnEvent == nil {
		cfg.OnEvent = func(Event) {}
	}
	o := &Orchestrator{
		cfg:      cfg,
		posts:    make(chan func(), postBuffer),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
		roster:   roster.New(),
		speaking: make(map[domain.PeerID]bool),
		logger:   log.With().Str("module", "orch").Str("self", string(cfg.Self)).Logger(),
	}
	o.media = media.NewManager(media.Config{
		Local:              cfg.Self,
		Factory:            cfg.Factory,
		Voice:              cfg.Voice,
		Signal:             cfg.Signal,
		Listener:           o,
		Post:               func(fn func()) { o.Post(fn) },
		Mixer:              cfg.Mixer,
		NegotiationTimeout: cfg.NegotiationTimeout,
	})
	o.prox = proximity.NewController(cfg.Self, cfg.Model, o.media, cfg.GainDelta)
	o.prox.OnPersistentFailure = func(peer domain.PeerID, err error) {
		o.cfg.OnEvent(Event{Kind: EventError, Peer: peer, Text: "voice connection failed", Err: err})
	}
	o.calls = call.NewController(call.Config{
		Local:        cfg.Self,
		Sessions:     o.media,
		Signal:       cfg.Signal,
		VoiceEnabled: cfg.Voice.Enabled,
		Emit:         o.onCallEvent,
		AutoAccept:   cfg.AutoAccept,
	})
	o.activity = activity.New(cfg.ActivityInterval, cfg.ActivityThreshold, func(ev activity.Event) {
		o.Post(func() { o.onSpeaking(ev) })
	})
	return o
}

// Post schedules fn on the loop. It reports false once the loop is stopping.
func (o *Orchestrator) Post(fn func()) bool {
	select {
	case <-o.stopping:
		return false
	default:
	}
	select {
	case o.posts <- fn:
		return true
	case <-o.stopping:
		return false
	}
}

// do runs fn on the loop and waits for its result.
func (o *Orchestrator) do(fn func() error) error {
	errc := make(chan error, 1)
	if !o.Post(func() { errc <- fn() }) {
		return ErrStopped
	}
	select {
	case err := <-errc:
		return err
	case <-o.done:
		return ErrStopped
	}
}

// Run connects, joins the office and serves the loop until ctx is done or
// signaling goes away. Teardown closes every session and stops capture.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.done)
	defer o.teardown()

	if err := o.cfg.Signal.Connect(ctx); err != nil {
		return fmt.Errorf("connect signaling: %w", err)
	}
	if o.cfg.VoiceOnJoin {
		if err := o.cfg.Voice.Enable(ctx); err != nil {
			o.cfg.OnEvent(Event{Kind: EventError, Text: "voice unavailable", Err: err})
		}
	}
	pos := o.cfg.Start.Clamp()
	o.roster.SetSelfPosition(pos)
	o.roster.SetSelfVoice(o.cfg.Voice.Enabled())
	if err := o.send(core.KindJoin, "", core.JoinPayload{
		Name:   o.cfg.Name,
		Office: string(o.cfg.Office),
		X:      pos.X,
		Y:      pos.Y,
		Voice:  o.cfg.Voice.Enabled(),
	}); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	o.logger.Info().Str("office", string(o.cfg.Office)).Msg("joining")

	ticker := time.NewTicker(o.cfg.Tick)
	defer ticker.Stop()
	inbound := o.cfg.Signal.Inbound()
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-o.posts:
			fn()
		case msg, ok := <-inbound:
			if !ok {
				return ErrSignalClosed
			}
			o.handleMessage(msg)
		case <-ticker.C:
			o.media.CheckTimeouts()
			o.reconcilePending = true
		}
		if o.reconcilePending && len(o.posts) == 0 && len(inbound) == 0 {
			o.reconcile()
		}
	}
}

func (o *Orchestrator) teardown() {
	close(o.stopping)
	o.calls.EndAll()
	o.media.CloseAll()
	o.activity.Close()
	o.cfg.Voice.Disable()
	if err := o.cfg.Signal.Close(); err != nil {
		o.logger.Debug().Err(err).Msg("close signaling")
	}
	o.logger.Info().Msg("stopped")
}

// Move sets the local avatar position.
func (o *Orchestrator) Move(pos domain.Position) error {
	return o.do(func() error {
		pos = pos.Clamp()
		o.roster.SetSelfPosition(pos)
		o.scheduleReconcile()
		return o.send(core.KindMove, "", core.MovePayload{X: pos.X, Y: pos.Y})
	})
}

// SetVoice turns local capture on or off. A device failure leaves voice off.
func (o *Orchestrator) SetVoice(ctx context.Context, on bool) error {
	return o.do(func() error {
		if on == o.cfg.Voice.Enabled() {
			return nil
		}
		if on {
			if err := o.cfg.Voice.Enable(ctx); err != nil {
				return err
			}
		} else {
			o.calls.EndAll()
			o.roster.SetSelfVoice(false)
			o.reconcile()
			o.cfg.Voice.Disable()
		}
		o.roster.SetSelfVoice(on)
		o.scheduleReconcile()
		return o.send(core.KindVoiceStatus, "", core.VoiceStatusPayload{ID: o.cfg.Self, Enabled: on})
	})
}

// ToggleMute flips the local mute flag and returns the new value.
func (o *Orchestrator) ToggleMute() bool { return o.cfg.Voice.ToggleMute() }

func (o *Orchestrator) Invite(peer domain.PeerID) error {
	return o.do(func() error { return o.calls.Invite(peer) })
}

func (o *Orchestrator) Accept(peer domain.PeerID) error {
	return o.do(func() error { return o.calls.Accept(peer) })
}

func (o *Orchestrator) Reject(peer domain.PeerID) error {
	return o.do(func() error { return o.calls.Reject(peer) })
}

func (o *Orchestrator) End(peer domain.PeerID) error {
	return o.do(func() error { return o.calls.End(peer) })
}

// Participants returns self followed by the other participants.
func (o *Orchestrator) Participants() ([]domain.Participant, error) {
	var out []domain.Participant
	err := o.do(func() error {
		out = append([]domain.Participant{o.roster.Self()}, o.roster.Others()...)
		return nil
	})
	return out, err
}

func (o *Orchestrator) Sessions() ([]media.Session, error) {
	var out []media.Session
	err := o.do(func() error {
		out = o.media.Sessions()
		return nil
	})
	return out, err
}

func (o *Orchestrator) Session(peer domain.PeerID) (media.Session, bool) {
	var (
		s  media.Session
		ok bool
	)
	_ = o.do(func() error {
		s, ok = o.media.Session(peer)
		return nil
	})
	return s, ok
}

func (o *Orchestrator) CallState(peer domain.PeerID) call.State {
	st := call.NoCall
	_ = o.do(func() error {
		st = o.calls.State(peer)
		return nil
	})
	return st
}

// Speaking returns the peers currently speaking, sorted.
func (o *Orchestrator) Speaking() []domain.PeerID {
	var out []domain.PeerID
	_ = o.do(func() error {
		for peer, on := range o.speaking {
			if on {
				out = append(out, peer)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// InRange lists voice-enabled peers within the proximity threshold.
func (o *Orchestrator) InRange() []domain.PeerID {
	var out []domain.PeerID
	_ = o.do(func() error {
		out = o.prox.UsersInRange(o.proximityInput())
		return nil
	})
	return out
}

func (o *Orchestrator) send(kind core.MessageKind, to domain.PeerID, payload any) error {
	msg, err := core.NewMessage(kind, to, payload)
	if err != nil {
		return err
	}
	return o.cfg.Signal.Send(msg)
}
