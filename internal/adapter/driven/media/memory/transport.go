package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/Wyydra/callroom/internal/core/domain"
	"github.com/Wyydra/callroom/internal/core/port"
	"github.com/google/uuid"
)

type Transport struct {
	id     domain.TransportID
	dir    domain.Direction
	router *Router
	params domain.TransportParams

	mu        sync.Mutex
	closed    bool
	connected bool
	onClose   []func(error)
	producers map[domain.ProducerID]*Producer
	consumers map[domain.ConsumerID]*Consumer
}

var _ port.Transport = (*Transport)(nil)

func newTransport(r *Router, dir domain.Direction) *Transport {
	id := domain.NewTransportID()
	return &Transport{
		id:     id,
		dir:    dir,
		router: r,
		params: domain.TransportParams{
			ID: id,
			IceParameters: domain.IceParameters{
				UsernameFragment: uuid.NewString()[:8],
				Password:         uuid.NewString(),
				IceLite:          true,
			},
			IceCandidates: []domain.IceCandidate{{
				Foundation: "memory", Priority: 1, IP: "127.0.0.1", Port: 9, Protocol: "udp", Type: "host",
			}},
			DtlsParameters: domain.DtlsParameters{
				Role:         "auto",
				Fingerprints: []domain.DtlsFingerprint{{Algorithm: "sha-256", Value: "00"}},
			},
		},
		producers: make(map[domain.ProducerID]*Producer),
		consumers: make(map[domain.ConsumerID]*Consumer),
	}
}

func (t *Transport) ID() domain.TransportID         { return t.id }
func (t *Transport) Direction() domain.Direction    { return t.dir }
func (t *Transport) Params() domain.TransportParams { return t.params }

func (t *Transport) Connect(ctx context.Context, params domain.ConnectParams) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return domain.ErrTransportClosed
	}
	if t.connected {
		return fmt.Errorf("transport %s already connected", t.id)
	}
	t.connected = true
	return nil
}

// Fail closes the transport as if the network path broke.
func (t *Transport) Fail(cause error) { t.closeWith(cause) }

func (t *Transport) Produce(ctx context.Context, req domain.ProduceRequest) (port.Producer, error) {
	if t.dir != domain.DirectionSend {
		return nil, domain.ErrInvalidDirection
	}
	codec, err := codecFor(req.Kind, req.RtpParameters)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, domain.ErrTransportClosed
	}
	p := &Producer{
		id:        domain.NewProducerID(),
		kind:      req.Kind,
		params:    req.RtpParameters,
		codec:     codec,
		transport: t,
		consumers: make(map[domain.ConsumerID]*Consumer),
	}
	t.producers[p.id] = p
	t.mu.Unlock()

	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RtpCapabilities) (port.Consumer, error) {
	if t.dir != domain.DirectionRecv {
		return nil, domain.ErrInvalidDirection
	}
	p := t.router.lookupProducer(producerID)
	if p == nil {
		return nil, domain.ErrProducerNotFound
	}
	if _, ok := caps.Lookup(p.codec); !ok {
		return nil, domain.ErrIncompatibleCapabilities
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, domain.ErrTransportClosed
	}
	c := &Consumer{
		id:        domain.NewConsumerID(),
		producer:  p,
		transport: t,
		params: domain.RtpParameters{
			Codecs: []domain.CodecParameters{{
				MimeType:    p.codec.MimeType,
				PayloadType: p.codec.PreferredPayloadType,
				ClockRate:   p.codec.ClockRate,
				Channels:    p.codec.Channels,
				SDPFmtpLine: p.codec.SDPFmtpLine,
			}},
			Encodings: []domain.Encoding{{SSRC: uuid.New().ID()}},
		},
	}
	c.params.MID = c.id.String()
	if !p.attach(c) {
		return nil, domain.ErrProducerClosed
	}
	t.consumers[c.id] = c
	return c, nil
}

func (t *Transport) OnClose(fn func(error)) {
	t.mu.Lock()
	if !t.closed {
		t.onClose = append(t.onClose, fn)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	fn(nil)
}

func (t *Transport) Close() error {
	t.closeWith(nil)
	return nil
}

func (t *Transport) closeWith(cause error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	handlers := t.onClose
	t.onClose = nil
	t.mu.Unlock()

	for _, p := range producers {
		_ = p.Close()
	}
	for _, c := range consumers {
		_ = c.Close()
	}
	t.router.mu.Lock()
	delete(t.router.transports, t.id)
	t.router.mu.Unlock()

	for _, fn := range handlers {
		fn(cause)
	}
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
