package pion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/callroom/internal/core/domain"
	"github.com/Wyydra/callroom/internal/core/port"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	errMissingIceParameters = errors.New("connect requires remote ice parameters")
	errAlreadyConnected     = errors.New("transport already connected")
	errGatherTimeout        = errors.New("ice gathering timed out")
	errDTLSFailed           = errors.New("dtls transport failed")
)

// Transport is an ICE-lite + DTLS path between one peer and the engine. It
// owns the producers and consumers created on it.
type Transport struct {
	id     domain.TransportID
	dir    domain.Direction
	router *Router
	log    zerolog.Logger

	gatherer     *webrtc.ICEGatherer
	gatherDone   chan struct{}
	gatherOnce   sync.Once
	ice          *webrtc.ICETransport
	dtls         *webrtc.DTLSTransport
	params       domain.TransportParams
	connected    chan struct{}
	connectStart sync.Once

	mu        sync.Mutex
	closed    bool
	onClose   []func(error)
	producers map[domain.ProducerID]*Producer
	consumers map[domain.ConsumerID]*Consumer
}

var _ port.Transport = (*Transport)(nil)

func newTransport(r *Router, dir domain.Direction) (*Transport, error) {
	gatherer, err := r.engine.api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}

	id := domain.NewTransportID()
	t := &Transport{
		id:         id,
		dir:        dir,
		router:     r,
		log:        log.With().Str("transport_id", id.String()).Str("direction", string(dir)).Logger(),
		gatherer:   gatherer,
		gatherDone: make(chan struct{}),
		connected:  make(chan struct{}),
		producers:  make(map[domain.ProducerID]*Producer),
		consumers:  make(map[domain.ConsumerID]*Consumer),
	}
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			t.gatherOnce.Do(func() { close(t.gatherDone) })
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("ice gather: %w", err)
	}
	return t, nil
}

func (t *Transport) awaitGathering(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.gatherDone:
		return nil
	case <-timer.C:
		return errGatherTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) setup() error {
	api := t.router.engine.api

	candidates, err := t.gatherer.GetLocalCandidates()
	if err != nil {
		return fmt.Errorf("local candidates: %w", err)
	}
	iceParams, err := t.gatherer.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("local ice parameters: %w", err)
	}

	ice := api.NewICETransport(t.gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		return fmt.Errorf("dtls transport: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("local dtls parameters: %w", err)
	}

	dtls.OnStateChange(func(state webrtc.DTLSTransportState) {
		t.log.Debug().Str("state", state.String()).Msg("DTLS state changed")
		switch state {
		case webrtc.DTLSTransportStateFailed:
			t.closeWith(errDTLSFailed)
		case webrtc.DTLSTransportStateClosed:
			t.closeWith(nil)
		}
	})

	t.mu.Lock()
	t.ice = ice
	t.dtls = dtls
	t.params = domain.TransportParams{
		ID: t.id,
		IceParameters: domain.IceParameters{
			UsernameFragment: iceParams.UsernameFragment,
			Password:         iceParams.Password,
			IceLite:          true,
		},
		IceCandidates:  iceCandidates(candidates),
		DtlsParameters: dtlsParameters(dtlsParams),
	}
	t.mu.Unlock()
	return nil
}

func (t *Transport) ID() domain.TransportID      { return t.id }
func (t *Transport) Direction() domain.Direction { return t.dir }

func (t *Transport) Params() domain.TransportParams {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.params
}

// Connect acknowledges at once and runs the ICE and DTLS handshakes in the
// background. Failures surface through OnClose.
func (t *Transport) Connect(ctx context.Context, params domain.ConnectParams) error {
	if t.Closed() {
		return domain.ErrTransportClosed
	}
	if params.IceParameters.UsernameFragment == "" || params.IceParameters.Password == "" {
		return errMissingIceParameters
	}

	started := false
	t.connectStart.Do(func() { started = true })
	if !started {
		return errAlreadyConnected
	}

	remoteICE := webrtc.ICEParameters{
		UsernameFragment: params.IceParameters.UsernameFragment,
		Password:         params.IceParameters.Password,
	}
	remoteDTLS := remoteDTLS(params.DtlsParameters)

	go func() {
		role := webrtc.ICERoleControlled
		if err := t.ice.Start(t.gatherer, remoteICE, &role); err != nil {
			t.closeWith(fmt.Errorf("ice start: %w", err))
			return
		}
		if err := t.dtls.Start(remoteDTLS); err != nil {
			t.closeWith(fmt.Errorf("dtls start: %w", err))
			return
		}
		t.log.Debug().Msg("Transport connected")
		close(t.connected)
	}()
	return nil
}

func (t *Transport) Produce(ctx context.Context, req domain.ProduceRequest) (port.Producer, error) {
	if t.dir != domain.DirectionSend {
		return nil, domain.ErrInvalidDirection
	}
	codec, ok := req.RtpParameters.PrimaryCodec()
	if !ok || len(req.RtpParameters.Encodings) == 0 {
		return nil, fmt.Errorf("%w: rtp parameters need a codec and an encoding", domain.ErrIncompatibleCapabilities)
	}
	rc, ok := lookupCodec(req.Kind, codec)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a router codec", domain.ErrIncompatibleCapabilities, codec.MimeType)
	}

	var p *Producer
	err := t.router.worker.do(ctx, func() error {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.closed {
			return domain.ErrTransportClosed
		}

		receiver, err := t.router.engine.api.NewRTPReceiver(pionKind(req.Kind), t.dtls)
		if err != nil {
			return fmt.Errorf("rtp receiver: %w", err)
		}
		id := domain.NewProducerID()
		local, err := webrtc.NewTrackLocalStaticRTP(rc.params.RTPCodecCapability, id.String(), t.id.String())
		if err != nil {
			_ = receiver.Stop()
			return fmt.Errorf("forward track: %w", err)
		}

		p = newProducer(id, req, rc, t, receiver, local)
		t.producers[id] = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	t.router.addProducer(p)
	go p.forward(t.connected)
	p.log.Debug().Str("kind", string(req.Kind)).Msg("Producer created")
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RtpCapabilities) (port.Consumer, error) {
	if t.dir != domain.DirectionRecv {
		return nil, domain.ErrInvalidDirection
	}
	p := t.router.producer(producerID)
	if p == nil {
		return nil, domain.ErrProducerNotFound
	}
	if _, ok := caps.Lookup(p.codec.capability()); !ok {
		return nil, domain.ErrIncompatibleCapabilities
	}

	var c *Consumer
	err := t.router.worker.do(ctx, func() error {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.closed {
			return domain.ErrTransportClosed
		}
		if p.Closed() {
			return domain.ErrProducerClosed
		}

		sender, err := t.router.engine.api.NewRTPSender(p.local, t.dtls)
		if err != nil {
			return fmt.Errorf("rtp sender: %w", err)
		}
		c = newConsumer(p, t, sender)
		if !p.attach(c) {
			_ = sender.Stop()
			return domain.ErrProducerClosed
		}
		t.consumers[c.id] = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	go c.run(t.connected)
	c.log.Debug().Msg("Consumer created")
	return c, nil
}

// requestKeyFrame asks the sending peer for a key frame on ssrc.
func (t *Transport) requestKeyFrame(ssrc uint32) {
	select {
	case <-t.connected:
	default:
		return
	}
	if _, err := t.dtls.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
		t.log.Debug().Err(err).Msg("Failed to send PLI")
	}
}

func (t *Transport) removeProducer(id domain.ProducerID) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

func (t *Transport) removeConsumer(id domain.ConsumerID) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
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

// closeWith closes owned producers and consumers, then the network path,
// then runs the close handlers. Only the first call has an effect.
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
	ice, dtls := t.ice, t.dtls
	t.mu.Unlock()

	for _, p := range producers {
		_ = p.Close()
	}
	for _, c := range consumers {
		_ = c.Close()
	}
	if dtls != nil {
		_ = dtls.Stop()
	}
	if ice != nil {
		_ = ice.Stop()
	}
	_ = t.gatherer.Close()
	t.router.removeTransport(t.id)

	if cause != nil {
		t.log.Warn().Err(cause).Msg("Transport closed")
	} else {
		t.log.Debug().Msg("Transport closed")
	}
	for _, fn := range handlers {
		fn(cause)
	}
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
