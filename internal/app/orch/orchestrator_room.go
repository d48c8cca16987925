package orch

import (
	"errors"

	"github.com/dkeye/Office/internal/core"
	"github.com/dkeye/Office/internal/media"
	"github.com/dkeye/Office/internal/proximity"
)

func (o *Orchestrator) handleMessage(msg core.Message) {
	logger := o.logger.With().Str("type", string(msg.Type)).Str("peer", string(msg.From)).Logger()
	switch msg.Type {
	case core.KindWelcome, core.KindParticipantJoined, core.KindParticipantMoved,
		core.KindParticipantLeft, core.KindVoiceStatus:
		ch, ok := o.roster.Apply(msg)
		if !ok {
			return
		}
		if ch.Kind == core.KindParticipantLeft {
			o.calls.PeerLeft(ch.Peer)
		}
		if ch.Kind != core.KindParticipantMoved {
			o.cfg.OnEvent(Event{Kind: EventRoster, Peer: ch.Peer, Text: string(ch.Kind)})
		}
		o.scheduleReconcile()

	case core.KindOffer:
		var dp core.DescriptionPayload
		if err := msg.Decode(&dp); err != nil {
			logger.Warn().Err(err).Msg("bad offer")
			return
		}
		purpose := media.ParsePurpose(dp.Purpose)
		if purpose == media.DirectInvite && !o.calls.ExpectsOffer(msg.From) {
			if _, ok := o.media.Session(msg.From); !ok {
				logger.Warn().Msg("unsolicited direct offer")
				return
			}
		}
		err := o.media.AcceptInboundOffer(msg.From, dp.Offer(), purpose)
		switch {
		case err == nil:
		case errors.Is(err, media.ErrAlreadyConnected):
			// our own offer won the glare; it now serves both purposes
			o.media.Claim(msg.From, purpose)
			logger.Warn().Err(err).Msg("offer refused")
		case errors.Is(err, media.ErrNoLocalMedia):
			logger.Info().Msg("offer refused: voice off")
		default:
			logger.Error().Err(err).Msg("accept offer")
		}
		// the peer may have left range while the offer was in flight
		o.scheduleReconcile()

	case core.KindAnswer:
		var dp core.DescriptionPayload
		if err := msg.Decode(&dp); err != nil {
			logger.Warn().Err(err).Msg("bad answer")
			return
		}
		if err := o.media.ApplyRemoteAnswer(msg.From, dp.Answer()); err != nil && !errors.Is(err, media.ErrStaleSignal) {
			logger.Error().Err(err).Msg("apply answer")
		}

	case core.KindICECandidate:
		var cp core.CandidatePayload
		if err := msg.Decode(&cp); err != nil {
			logger.Debug().Err(err).Msg("bad candidate")
			return
		}
		o.media.ApplyRemoteICECandidate(msg.From, cp)

	case core.KindInvite, core.KindAccept, core.KindReject, core.KindEnd:
		o.calls.HandleMessage(msg)

	case core.KindError:
		var ep core.ErrorPayload
		_ = msg.Decode(&ep)
		logger.Warn().Str("error", ep.Error).Msg("relay error")
		o.cfg.OnEvent(Event{Kind: EventError, Text: ep.Error})

	case core.KindPong:
	default:
		logger.Debug().Msg("unhandled message")
	}
}

func (o *Orchestrator) scheduleReconcile() { o.reconcilePending = true }

func (o *Orchestrator) proximityInput() proximity.Input {
	return proximity.Input{
		Self:         o.roster.Self(),
		VoiceEnabled: o.cfg.Voice.Enabled() && o.roster.Self().VoiceEnabled,
		Peers:        o.roster.Others(),
	}
}

func (o *Orchestrator) reconcile() {
	o.reconcilePending = false
	if !o.roster.Joined() {
		return
	}
	o.prox.Reconcile(o.proximityInput())
}
