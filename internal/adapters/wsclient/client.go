// Package wsclient is the participant side of the relay websocket.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Office/internal/core"
	"github.com/dkeye/Office/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

// TokenCookie carries the client token; the relay uses it as participant id.
const TokenCookie = "ct"

const (
	writeWait       = 5 * time.Second
	defaultPing     = 30 * time.Second
	defaultSendSize = 64
)

type Client struct {
	url        string
	self       domain.PeerID
	pingPeriod time.Duration
	dialer     *websocket.Dialer

	conn *websocket.Conn
	send chan []byte
	in   chan core.Message
	done chan struct{}

	mu     sync.RWMutex
	closed bool
	logger zerolog.Logger
}

var _ core.SignalingClient = (*Client)(nil)

func New(url string, self domain.PeerID, pingPeriod time.Duration) *Client {
	if pingPeriod <= 0 {
		pingPeriod = defaultPing
	}
	return &Client{
		url:        url,
		self:       self,
		pingPeriod: pingPeriod,
		dialer:     websocket.DefaultDialer,
		send:       make(chan []byte, defaultSendSize),
		in:         make(chan core.Message, defaultSendSize),
		done:       make(chan struct{}),
		logger:     log.With().Str("module", "wsclient").Str("self", string(self)).Logger(),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	header := http.Header{}
	header.Add("Cookie", (&http.Cookie{Name: TokenCookie, Value: string(c.self)}).String())
	conn, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return err
	}
	c.conn = conn
	c.logger.Info().Str("url", c.url).Msg("connected")
	go c.writePump()
	go c.readPump()
	return nil
}

func (c *Client) Inbound() <-chan core.Message { return c.in }

// Send queues msg without blocking.
func (c *Client) Send(msg core.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- b:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(writeWait))
	return c.conn.Close()
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Error().Err(err).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Warn().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		close(c.in)
		c.logger.Info().Msg("readPump closing")
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Error().Err(err).Msg("readPump read error")
			}
			return
		}
		var msg core.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("bad json")
			continue
		}
		select {
		case c.in <- msg:
		case <-c.done:
			return
		}
	}
}
