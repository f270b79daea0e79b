package pion

import (
	"fmt"
	"sync"

	"github.com/Wyydra/callroom/internal/core/domain"
	"github.com/Wyydra/callroom/internal/core/port"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Consumer sends one producer's stream to a peer's receive transport.
type Consumer struct {
	id        domain.ConsumerID
	producer  *Producer
	transport *Transport
	sender    *webrtc.RTPSender
	params    domain.RtpParameters
	log       zerolog.Logger

	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	onClose []func(error)
}

var _ port.Consumer = (*Consumer)(nil)

func newConsumer(p *Producer, t *Transport, sender *webrtc.RTPSender) *Consumer {
	id := domain.NewConsumerID()
	params := domain.RtpParameters{
		MID:    id.String(),
		Codecs: []domain.CodecParameters{p.codec.parameters()},
	}
	for _, enc := range sender.GetParameters().Encodings {
		params.Encodings = append(params.Encodings, domain.Encoding{SSRC: uint32(enc.SSRC)})
	}
	return &Consumer{
		id:        id,
		producer:  p,
		transport: t,
		sender:    sender,
		params:    params,
		log:       t.log.With().Str("consumer_id", id.String()).Str("producer_id", p.id.String()).Logger(),
		done:      make(chan struct{}),
	}
}

func (c *Consumer) ID() domain.ConsumerID               { return c.id }
func (c *Consumer) ProducerID() domain.ProducerID       { return c.producer.id }
func (c *Consumer) Kind() domain.Kind                   { return c.producer.kind }
func (c *Consumer) RtpParameters() domain.RtpParameters { return c.params }

// run starts sending after the receive transport connects and relays key
// frame requests from the receiving peer back to the producer.
func (c *Consumer) run(connected <-chan struct{}) {
	select {
	case <-connected:
	case <-c.done:
		return
	}

	if err := c.sender.Send(c.sender.GetParameters()); err != nil {
		c.closeWith(fmt.Errorf("start sender: %w", err))
		return
	}
	c.producer.requestKeyFrame()

	for {
		packets, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.producer.requestKeyFrame()
			}
		}
	}
}

func (c *Consumer) OnClose(fn func(error)) {
	c.mu.Lock()
	if !c.closed {
		c.onClose = append(c.onClose, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn(nil)
}

func (c *Consumer) Close() error {
	return c.closeWith(nil)
}

func (c *Consumer) closeWith(cause error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	handlers := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	err := c.sender.Stop()
	c.producer.detach(c.id)
	c.transport.removeConsumer(c.id)
	if cause != nil {
		c.log.Warn().Err(cause).Msg("Consumer closed by engine")
	} else {
		c.log.Debug().Msg("Consumer closed")
	}
	for _, fn := range handlers {
		fn(cause)
	}
	return err
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
