package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/Wyydra/callroom/internal/core/domain"
	"github.com/Wyydra/callroom/internal/core/port"
	"github.com/Wyydra/callroom/internal/signaling"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var ErrSendQueueFull = errors.New("send queue full")

const sendQueueSize = 64

// Client is a peer's websocket connection. Every write goes through the send
// queue and the single writer goroutine.
type Client struct {
	id        domain.PeerID
	conn      *websocket.Conn
	codec     signaling.Codec
	writeWait time.Duration
	pingEvery time.Duration
	log       zerolog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

var _ port.Client = (*Client)(nil)

func NewClient(id domain.PeerID, conn *websocket.Conn, codec signaling.Codec, writeWait, pongWait time.Duration, l zerolog.Logger) *Client {
	return &Client{
		id:        id,
		conn:      conn,
		codec:     codec,
		writeWait: writeWait,
		pingEvery: pongWait * 9 / 10,
		log:       l,
		send:      make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
	}
}

func (c *Client) ID() domain.PeerID      { return c.id }
func (c *Client) Codec() signaling.Codec { return c.codec }
func (c *Client) Done() <-chan struct{}  { return c.done }
func (c *Client) Conn() *websocket.Conn  { return c.conn }

// Send queues a server notification.
func (c *Client) Send(event domain.Event) error {
	m, err := signaling.NewMessage(c.codec, 0, signaling.Type(event.Type), event.Data)
	if err != nil {
		return err
	}
	return c.Write(m)
}

// Write queues m. A full queue means the peer stopped reading; the
// connection is closed rather than stalling the room.
func (c *Client) Write(m signaling.Message) error {
	frame, err := c.codec.Encode(m)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return domain.ErrPeerClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return domain.ErrPeerClosed
	default:
		c.log.Warn().Msg("Send queue full, closing connection")
		_ = c.Close()
		return ErrSendQueueFull
	}
}

// WritePump drains the send queue and keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.pingEvery)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(c.codec.FrameType(), frame); err != nil {
				c.log.Debug().Err(err).Msg("Write failed")
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Close stops the writer, which closes the socket and unblocks the reader.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
