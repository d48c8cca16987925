package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/Office/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Frame is a raw encoded signaling message.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

type MessageKind string

// Addressed kinds travel from one participant to another through the relay.
const (
	KindOffer        MessageKind = "offer"
	KindAnswer       MessageKind = "answer"
	KindICECandidate MessageKind = "ice-candidate"
	KindInvite       MessageKind = "invite"
	KindAccept       MessageKind = "accept"
	KindReject       MessageKind = "reject"
	KindEnd          MessageKind = "end"
)

// Roster and lifecycle kinds are exchanged with the relay itself.
const (
	KindJoin              MessageKind = "join"
	KindWelcome           MessageKind = "welcome"
	KindParticipantJoined MessageKind = "participant_joined"
	KindParticipantLeft   MessageKind = "participant_left"
	KindParticipantMoved  MessageKind = "participant_moved"
	KindVoiceStatus       MessageKind = "voice_status"
	KindMove              MessageKind = "move"
	KindPing              MessageKind = "ping"
	KindPong              MessageKind = "pong"
	KindError             MessageKind = "error"
)

// Addressed reports whether messages of this kind are relayed peer to peer.
func (k MessageKind) Addressed() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate, KindInvite, KindAccept, KindReject, KindEnd:
		return true
	}
	return false
}

// Message is the signaling envelope. Outbound messages carry To, inbound
// messages carry From; the relay fills From and never trusts the sender.
type Message struct {
	Type    MessageKind     `json:"type"`
	From    domain.PeerID   `json:"from,omitempty"`
	To      domain.PeerID   `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage marshals payload into an envelope of the given kind.
func NewMessage(kind MessageKind, to domain.PeerID, payload any) (Message, error) {
	msg := Message{Type: kind, To: to}
	if payload == nil {
		return msg, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	msg.Payload = b
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%s: bad payload: %w", m.Type, err)
	}
	return nil
}

// DescriptionPayload carries an SDP offer or answer.
type DescriptionPayload struct {
	SDP     string `json:"sdp"`
	Purpose string `json:"purpose"`
}

func (p DescriptionPayload) Offer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}
}

func (p DescriptionPayload) Answer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}
}

// CandidatePayload is webrtc.ICECandidateInit on the wire.
type CandidatePayload = webrtc.ICECandidateInit

type InvitePayload struct {
	Video bool `json:"video"`
}

type ParticipantPayload struct {
	ID           domain.PeerID `json:"id"`
	Name         string        `json:"name"`
	X            float64       `json:"x"`
	Y            float64       `json:"y"`
	VoiceEnabled bool          `json:"voiceEnabled"`
}

func (p ParticipantPayload) Participant() domain.Participant {
	return domain.Participant{
		User:         domain.User{ID: p.ID, Username: p.Name},
		Position:     domain.Position{X: p.X, Y: p.Y},
		VoiceEnabled: p.VoiceEnabled,
	}
}

func PayloadOf(p domain.Participant) ParticipantPayload {
	return ParticipantPayload{
		ID:           p.ID,
		Name:         p.Username,
		X:            p.Position.X,
		Y:            p.Position.Y,
		VoiceEnabled: p.VoiceEnabled,
	}
}

type JoinPayload struct {
	Name   string  `json:"name"`
	Office string  `json:"office,omitempty"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Voice  bool    `json:"voice"`
}

type WelcomePayload struct {
	Office       domain.OfficeName    `json:"office"`
	Self         ParticipantPayload   `json:"self"`
	Participants []ParticipantPayload `json:"participants"`
}

type MovePayload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type LeftPayload struct {
	ID domain.PeerID `json:"id"`
}

type VoiceStatusPayload struct {
	ID      domain.PeerID `json:"id,omitempty"`
	Enabled bool          `json:"enabled"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

// SignalingClient is the participant side of the relay: an addressed,
// ordered-per-sender message channel plus the roster feed.
type SignalingClient interface {
	Connect(ctx context.Context) error
	Send(Message) error
	Inbound() <-chan Message
	Close() error
}
