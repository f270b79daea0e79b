// Package wsconn is the websocket signaling connection used by the headless
// client.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Wyydra/callroom/internal/client"
	"github.com/Wyydra/callroom/internal/core/domain"
	"github.com/Wyydra/callroom/internal/signaling"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrConnClosed = errors.New("signaling connection closed")

const (
	writeWait = 10 * time.Second
	readWait  = 90 * time.Second
)

type Options struct {
	Msgpack bool
	Header  http.Header
}

// Conn correlates requests with responses by id and turns notifications
// into domain events.
type Conn struct {
	ws     *websocket.Conn
	codec  signaling.Codec
	nextID atomic.Uint64

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan signaling.Message
	err     error

	events    chan domain.Event
	done      chan struct{}
	closeOnce sync.Once
}

var _ client.Signaler = (*Conn)(nil)

func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	d := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if opts.Msgpack {
		d.Subprotocols = []string{signaling.SubprotocolMsgpack}
	}
	ws, resp, err := d.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Conn{
		ws:      ws,
		codec:   signaling.CodecFor(ws.Subprotocol()),
		pending: make(map[uint64]chan signaling.Message),
		events:  make(chan domain.Event, 32),
		done:    make(chan struct{}),
	}
	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(readWait))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	go c.readLoop()
	return c, nil
}

func (c *Conn) Codec() signaling.Codec { return c.codec }

func (c *Conn) Events() <-chan domain.Event { return c.events }

func (c *Conn) Request(ctx context.Context, t signaling.Type, payload, out any) error {
	id := c.nextID.Add(1)
	m, err := signaling.NewMessage(c.codec, id, t, payload)
	if err != nil {
		return err
	}
	frame, err := c.codec.Encode(m)
	if err != nil {
		return err
	}

	reply := make(chan signaling.Message, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return c.err
	}
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(c.codec.FrameType(), frame); err != nil {
		return err
	}

	select {
	case resp := <-reply:
		if resp.Error != nil {
			return resp.Error
		}
		if out != nil {
			return signaling.DecodeData(c.codec, resp, out)
		}
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) write(frameType int, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(frameType, frame); err != nil {
		c.shutdown(err)
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.events)
	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readWait))

		m, err := c.codec.Decode(frame)
		if err != nil {
			log.Warn().Err(err).Msg("Dropping undecodable frame")
			continue
		}
		if !m.IsNotification() {
			c.mu.Lock()
			reply, ok := c.pending[m.ID]
			c.mu.Unlock()
			if ok {
				reply <- m
			}
			continue
		}

		ev, ok := c.event(m)
		if !ok {
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) event(m signaling.Message) (domain.Event, bool) {
	switch m.Type {
	case signaling.TypeNewProducer:
		var info domain.ProducerInfo
		if err := signaling.DecodeData(c.codec, m, &info); err != nil {
			log.Warn().Err(err).Msg("Bad newProducer notification")
			return domain.Event{}, false
		}
		return domain.NewProducerEvent(info), true
	case signaling.TypeProducerClosed:
		var pc domain.ProducerClosed
		if err := signaling.DecodeData(c.codec, m, &pc); err != nil {
			log.Warn().Err(err).Msg("Bad producerClosed notification")
			return domain.Event{}, false
		}
		return domain.ProducerClosedEvent(pc.ProducerID), true
	case signaling.TypeError:
		log.Warn().Interface("error", m.Error).Msg("Server rejected a frame")
	}
	return domain.Event{}, false
}

func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = fmt.Errorf("%w: %v", ErrConnClosed, cause)
		c.mu.Unlock()
		close(c.done)
		_ = c.ws.Close()
	})
}

// Close sends a close frame and releases the socket.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown(errors.New("closed by client"))
	return nil
}
