// Package coretest provides in-memory fakes of the core transports for
// package and end-to-end tests.
package coretest

import (
	"errors"
	"io"
	"sync"

	"github.com/dkeye/Office/internal/core"
	"github.com/dkeye/Office/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Track is a remote track fed from a channel.
type Track struct {
	TrackID string
	Codec   webrtc.RTPCodecType
	ExtID   uint8
	HasExt  bool

	packets chan *rtp.Packet
	once    sync.Once
}

func NewTrack(id string, kind webrtc.RTPCodecType) *Track {
	return &Track{TrackID: id, Codec: kind, packets: make(chan *rtp.Packet, 64)}
}

func (t *Track) ID() string                         { return t.TrackID }
func (t *Track) StreamID() string                   { return "stream-" + t.TrackID }
func (t *Track) Kind() webrtc.RTPCodecType          { return t.Codec }
func (t *Track) AudioLevelExtension() (uint8, bool) { return t.ExtID, t.HasExt }

func (t *Track) ReadRTP() (*rtp.Packet, error) {
	pkt, ok := <-t.packets
	if !ok {
		return nil, io.EOF
	}
	return pkt, nil
}

// Push queues a packet; it is dropped once the track has ended.
func (t *Track) Push(pkt *rtp.Packet) {
	defer func() { _ = recover() }()
	select {
	case t.packets <- pkt:
	default:
	}
}

func (t *Track) End() { t.once.Do(func() { close(t.packets) }) }

// Conn records every call made on a MediaConnection.
type Conn struct {
	Local, Peer domain.PeerID

	mu          sync.Mutex
	offers      int
	remote      *webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	tracks      []webrtc.TrackLocal
	closed      bool
	remoteTrack *Track

	FailOffer  error
	FailAnswer error

	onICE   func(webrtc.ICECandidateInit)
	onTrack func(core.RemoteTrack)
	onState func(core.TransportState)

	net *Network
}

func (c *Conn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailOffer != nil {
		return webrtc.SessionDescription{}, c.FailOffer
	}
	c.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer " + string(c.Local)}, nil
}

func (c *Conn) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailAnswer != nil {
		return webrtc.SessionDescription{}, c.FailAnswer
	}
	c.remote = &offer
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer " + string(c.Local)}, nil
}

func (c *Conn) ApplyAnswer(answer webrtc.SessionDescription) error {
	c.mu.Lock()
	if answer.Type != webrtc.SDPTypeAnswer {
		c.mu.Unlock()
		return errors.New("not an answer")
	}
	c.remote = &answer
	c.mu.Unlock()
	if c.net != nil {
		c.net.answered(c)
	}
	return nil
}

func (c *Conn) AddICECandidate(init webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return errors.New("no remote description")
	}
	c.candidates = append(c.candidates, init)
	return nil
}

func (c *Conn) AddLocalTrack(t webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks = append(c.tracks, t)
	return nil
}

func (c *Conn) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = f
	c.mu.Unlock()
}
func (c *Conn) OnTrack(f func(core.RemoteTrack))          { c.mu.Lock(); c.onTrack = f; c.mu.Unlock() }
func (c *Conn) OnStateChange(f func(core.TransportState)) { c.mu.Lock(); c.onState = f; c.mu.Unlock() }

func (c *Conn) Close() {
	c.mu.Lock()
	c.closed = true
	t := c.remoteTrack
	c.mu.Unlock()
	if t != nil {
		t.End()
	}
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Offers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers
}

func (c *Conn) HasRemote() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote != nil
}

func (c *Conn) Candidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

func (c *Conn) LocalTracks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tracks)
}

// EmitState invokes the transport state callback as pion would.
func (c *Conn) EmitState(s core.TransportState) {
	c.mu.Lock()
	f := c.onState
	c.mu.Unlock()
	if f != nil {
		f(s)
	}
}

func (c *Conn) EmitCandidate(init webrtc.ICECandidateInit) {
	c.mu.Lock()
	f := c.onICE
	c.mu.Unlock()
	if f != nil {
		f(init)
	}
}

// EmitTrack delivers t as the remote track of this connection.
func (c *Conn) EmitTrack(t *Track) {
	c.mu.Lock()
	c.remoteTrack = t
	f := c.onTrack
	c.mu.Unlock()
	if f != nil {
		f(t)
	}
}

// Factory hands out Conns and keeps every one it created.
type Factory struct {
	Local domain.PeerID
	Err   error

	mu    sync.Mutex
	conns []*Conn
	net   *Network
}

func (f *Factory) NewConnection(peer domain.PeerID) (core.MediaConnection, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	c := &Conn{Local: f.Local, Peer: peer, net: f.net}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

// Last returns the most recent connection to peer.
func (f *Factory) Last(peer domain.PeerID) *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.conns) - 1; i >= 0; i-- {
		if f.conns[i].Peer == peer {
			return f.conns[i]
		}
	}
	return nil
}

func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// Network pairs the factories of several participants. Once an initiator
// applies an answer, both ends report connected and receive each other's
// audio track.
type Network struct {
	mu        sync.Mutex
	factories map[domain.PeerID]*Factory
}

func NewNetwork() *Network {
	return &Network{factories: make(map[domain.PeerID]*Factory)}
}

func (n *Network) Factory(local domain.PeerID) *Factory {
	n.mu.Lock()
	defer n.mu.Unlock()
	f := &Factory{Local: local, net: n}
	n.factories[local] = f
	return f
}

func (n *Network) answered(initiator *Conn) {
	n.mu.Lock()
	f := n.factories[initiator.Peer]
	n.mu.Unlock()
	if f == nil {
		return
	}
	responder := f.Last(initiator.Local)
	if responder == nil || !responder.HasRemote() || responder.Closed() {
		return
	}
	go func() {
		for _, c := range []*Conn{initiator, responder} {
			c.EmitState(core.TransportConnected)
			c.EmitTrack(NewTrack("audio-"+string(c.Peer), webrtc.RTPCodecTypeAudio))
		}
	}()
}

// RemoteTrack returns the track last delivered through EmitTrack.
func (c *Conn) RemoteTrack() *Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteTrack
}
