package core

import (
	"github.com/dkeye/Office/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// TransportState is the coarse transport lifecycle reported by a connection.
type TransportState int

const (
	TransportNew TransportState = iota
	TransportConnecting
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportNew:
		return "new"
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	}
	return "unknown"
}

// RemoteTrack is the inbound media of a session.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, error)
	// AudioLevelExtension returns the negotiated RFC 6464 header extension id.
	AudioLevelExtension() (uint8, bool)
}

// MediaConnection is one peer-to-peer transport. Callbacks may fire on any
// goroutine; the owner is responsible for serializing them.
type MediaConnection interface {
	// CreateOffer creates an offer and applies it as local description.
	CreateOffer() (webrtc.SessionDescription, error)
	ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(answer webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// AddLocalTrack attaches a local track to the underlying PeerConnection.
	AddLocalTrack(track webrtc.TrackLocal) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(RemoteTrack))
	OnStateChange(func(TransportState))
	// Close should stop all underlying media resources.
	Close()
}

type MediaFactory interface {
	NewConnection(peer domain.PeerID) (MediaConnection, error)
}
