package coretest

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/dkeye/Office/internal/core"
	"github.com/dkeye/Office/internal/domain"
)

var ErrClientClosed = errors.New("signaling client closed")

// Recorder is a SignalingClient that only records outbound messages.
type Recorder struct {
	mu   sync.Mutex
	sent []core.Message
	in   chan core.Message
	Err  error
}

func NewRecorder() *Recorder { return &Recorder{in: make(chan core.Message, 64)} }

func (r *Recorder) Connect(context.Context) error { return nil }
func (r *Recorder) Inbound() <-chan core.Message  { return r.in }
func (r *Recorder) Close() error                  { return nil }

func (r *Recorder) Send(m core.Message) error {
	if r.Err != nil {
		return r.Err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, m)
	return nil
}

// Sent returns recorded messages of the given kind.
func (r *Recorder) Sent(kind core.MessageKind) []core.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.Message
	for _, m := range r.sent {
		if m.Type == kind {
			out = append(out, m)
		}
	}
	return out
}

// Bus is an in-memory office relay. It delivers addressed messages in
// order per sender and keeps a roster like the relay server does.
type Bus struct {
	mu      sync.Mutex
	clients map[domain.PeerID]*BusClient
	roster  map[domain.PeerID]core.ParticipantPayload
}

func NewBus() *Bus {
	return &Bus{
		clients: make(map[domain.PeerID]*BusClient),
		roster:  make(map[domain.PeerID]core.ParticipantPayload),
	}
}

// Client returns a SignalingClient identified as id.
func (b *Bus) Client(id domain.PeerID) *BusClient {
	return &BusClient{id: id, bus: b, in: make(chan core.Message, 256)}
}

type BusClient struct {
	id     domain.PeerID
	bus    *Bus
	in     chan core.Message
	mu     sync.Mutex
	closed bool
}

func (c *BusClient) Connect(context.Context) error {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	c.bus.clients[c.id] = c
	return nil
}

func (c *BusClient) Inbound() <-chan core.Message { return c.in }

func (c *BusClient) Send(m core.Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClientClosed
	}
	m.From = c.id
	c.bus.route(m)
	return nil
}

func (c *BusClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.bus.leave(c.id)
	return nil
}

func (c *BusClient) deliver(m core.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.in <- m
}

func (b *Bus) route(m core.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m.Type.Addressed() {
		if to, ok := b.clients[m.To]; ok {
			to.deliver(m)
		}
		return
	}
	switch m.Type {
	case core.KindJoin:
		var jp core.JoinPayload
		if m.Decode(&jp) != nil {
			return
		}
		self := core.ParticipantPayload{ID: m.From, Name: jp.Name, X: jp.X, Y: jp.Y, VoiceEnabled: jp.Voice}
		others := make([]core.ParticipantPayload, 0, len(b.roster))
		for _, p := range b.roster {
			others = append(others, p)
		}
		sort.Slice(others, func(i, j int) bool { return others[i].ID < others[j].ID })
		b.roster[m.From] = self
		b.unicast(m.From, core.KindWelcome, core.WelcomePayload{Office: domain.DefaultOffice, Self: self, Participants: others})
		b.broadcast(m.From, core.KindParticipantJoined, self)
	case core.KindMove:
		var mp core.MovePayload
		p, ok := b.roster[m.From]
		if !ok || m.Decode(&mp) != nil {
			return
		}
		pos := domain.Position{X: mp.X, Y: mp.Y}.Clamp()
		p.X, p.Y = pos.X, pos.Y
		b.roster[m.From] = p
		b.broadcast(m.From, core.KindParticipantMoved, p)
	case core.KindVoiceStatus:
		var vp core.VoiceStatusPayload
		p, ok := b.roster[m.From]
		if !ok || m.Decode(&vp) != nil {
			return
		}
		p.VoiceEnabled = vp.Enabled
		b.roster[m.From] = p
		b.broadcast(m.From, core.KindVoiceStatus, core.VoiceStatusPayload{ID: m.From, Enabled: vp.Enabled})
	}
}

func (b *Bus) leave(id domain.PeerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, id)
	if _, ok := b.roster[id]; !ok {
		return
	}
	delete(b.roster, id)
	b.broadcast(id, core.KindParticipantLeft, core.LeftPayload{ID: id})
}

func (b *Bus) unicast(to domain.PeerID, kind core.MessageKind, payload any) {
	c, ok := b.clients[to]
	if !ok {
		return
	}
	raw, _ := json.Marshal(payload)
	c.deliver(core.Message{Type: kind, To: to, Payload: raw})
}

func (b *Bus) broadcast(from domain.PeerID, kind core.MessageKind, payload any) {
	raw, _ := json.Marshal(payload)
	for id, c := range b.clients {
		if id == from {
			continue
		}
		c.deliver(core.Message{Type: kind, From: from, Payload: raw})
	}
}
