package pion

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/Wyydra/callroom/internal/core/domain"
	"github.com/Wyydra/callroom/internal/core/port"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	errNoTrack     = errors.New("receiver has no track")
	errStreamEnded = errors.New("inbound stream ended")
)

// Producer receives one inbound RTP stream and fans it out through a local
// track that every consumer's sender is bound to.
type Producer struct {
	id        domain.ProducerID
	kind      domain.Kind
	params    domain.RtpParameters
	codec     routerCodec
	ssrc      uint32
	transport *Transport
	receiver  *webrtc.RTPReceiver
	local     *webrtc.TrackLocalStaticRTP
	log       zerolog.Logger

	mu        sync.Mutex
	closed    bool
	done      chan struct{}
	onClose   []func(error)
	consumers map[domain.ConsumerID]*Consumer
}

var _ port.Producer = (*Producer)(nil)

func newProducer(id domain.ProducerID, req domain.ProduceRequest, rc routerCodec, t *Transport, receiver *webrtc.RTPReceiver, local *webrtc.TrackLocalStaticRTP) *Producer {
	return &Producer{
		id:        id,
		kind:      req.Kind,
		params:    req.RtpParameters,
		codec:     rc,
		ssrc:      req.RtpParameters.Encodings[0].SSRC,
		transport: t,
		receiver:  receiver,
		local:     local,
		log:       t.log.With().Str("producer_id", id.String()).Logger(),
		done:      make(chan struct{}),
		consumers: make(map[domain.ConsumerID]*Consumer),
	}
}

func (p *Producer) ID() domain.ProducerID               { return p.id }
func (p *Producer) Kind() domain.Kind                   { return p.kind }
func (p *Producer) RtpParameters() domain.RtpParameters { return p.params }

// forward starts receiving once the transport is connected and copies every
// packet into the fan-out track until the producer or the stream ends.
func (p *Producer) forward(connected <-chan struct{}) {
	select {
	case <-connected:
	case <-p.done:
		return
	}

	err := p.receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(p.ssrc),
				PayloadType: p.codec.params.PayloadType,
			},
		}},
	})
	if err != nil {
		p.closeWith(fmt.Errorf("start receiver: %w", err))
		return
	}

	track := p.receiver.Track()
	if track == nil {
		p.closeWith(errNoTrack)
		return
	}
	for {
		var pkt *rtp.Packet
		pkt, _, err = track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errStreamEnded
			}
			p.closeWith(err)
			return
		}
		if err := p.local.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			p.log.Debug().Err(err).Msg("Failed to forward packet")
		}
	}
}

func (p *Producer) attach(c *Consumer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.consumers[c.id] = c
	return true
}

func (p *Producer) detach(id domain.ConsumerID) {
	p.mu.Lock()
	delete(p.consumers, id)
	p.mu.Unlock()
}

func (p *Producer) requestKeyFrame() {
	if p.kind != domain.KindVideo {
		return
	}
	p.transport.requestKeyFrame(p.ssrc)
}

func (p *Producer) OnClose(fn func(error)) {
	p.mu.Lock()
	if !p.closed {
		p.onClose = append(p.onClose, fn)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	fn(nil)
}

// Close stops the receiver and closes every consumer bound to it.
func (p *Producer) Close() error {
	return p.closeWith(nil)
}

// closeWith runs once. A non-nil cause means the engine ended the stream.
func (p *Producer) closeWith(cause error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.consumers = nil
	handlers := p.onClose
	p.onClose = nil
	p.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	err := p.receiver.Stop()
	p.transport.removeProducer(p.id)
	p.transport.router.removeProducer(p.id)
	if cause != nil {
		p.log.Warn().Err(cause).Msg("Producer closed by engine")
	} else {
		p.log.Debug().Msg("Producer closed")
	}
	for _, fn := range handlers {
		fn(cause)
	}
	return err
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
