// Package memory is a signaling-only media engine. It keeps the full
// router, transport, producer and consumer object graph with the same close
// cascades as the pion engine but moves no media. The server runs it with
// RTC_ENGINE=memory for signaling load tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Wyydra/callroom/internal/core/domain"
	"github.com/Wyydra/callroom/internal/core/port"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var capabilities = domain.RtpCapabilities{Codecs: []domain.CodecCapability{
	{Kind: domain.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PreferredPayloadType: 111, SDPFmtpLine: "minptime=10;useinbandfec=1"},
	{Kind: domain.KindVideo, MimeType: "video/VP8", ClockRate: 90000, PreferredPayloadType: 96},
}}

// Capabilities is the codec set of every memory router.
func Capabilities() domain.RtpCapabilities { return capabilities }

type Engine struct {
	mu      sync.Mutex
	closed  bool
	routers map[string]*Router
	died    chan error
	dieOnce sync.Once
}

var _ port.MediaEngine = (*Engine)(nil)

func NewEngine() *Engine {
	return &Engine{
		routers: make(map[string]*Router),
		died:    make(chan error, 1),
	}
}

func (e *Engine) CreateRouter(ctx context.Context) (port.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, domain.ErrEngineUnavailable
	}
	r := &Router{
		id:         uuid.New().String(),
		engine:     e,
		transports: make(map[domain.TransportID]*Transport),
		producers:  make(map[domain.ProducerID]*Producer),
	}
	e.routers[r.id] = r
	log.Debug().Str("router_id", r.id).Msg("Router created")
	return r, nil
}

func (e *Engine) Died() <-chan error { return e.died }

// Kill simulates a crashed engine: every router is closed and Died fires.
func (e *Engine) Kill(cause error) {
	e.dieOnce.Do(func() {
		_ = e.Close()
		e.died <- cause
	})
}

// Routers reports the number of open routers.
func (e *Engine) Routers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.routers)
}

func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	routers := make([]*Router, 0, len(e.routers))
	for _, r := range e.routers {
		routers = append(routers, r)
	}
	e.mu.Unlock()

	var errs []error
	for _, r := range routers {
		errs = append(errs, r.Close())
	}
	return errors.Join(errs...)
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	delete(e.routers, id)
	e.mu.Unlock()
}

type Router struct {
	id     string
	engine *Engine

	mu         sync.Mutex
	closed     bool
	transports map[domain.TransportID]*Transport
	producers  map[domain.ProducerID]*Producer
}

var _ port.Router = (*Router)(nil)

func (r *Router) ID() string                             { return r.id }
func (r *Router) RtpCapabilities() domain.RtpCapabilities { return capabilities }

func (r *Router) CanConsume(producerID domain.ProducerID, caps domain.RtpCapabilities) bool {
	r.mu.Lock()
	p, ok := r.producers[producerID]
	r.mu.Unlock()
	if !ok || p.Closed() {
		return false
	}
	_, ok = caps.Lookup(p.codec)
	return ok
}

func (r *Router) CreateTransport(ctx context.Context, dir domain.Direction) (port.Transport, error) {
	if !dir.Valid() {
		return nil, domain.ErrInvalidDirection
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, domain.ErrRouterClosed
	}
	t := newTransport(r, dir)
	r.transports[t.id] = t
	return t, nil
}

func (r *Router) lookupProducer(id domain.ProducerID) *Producer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.producers[id]
}

func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.Unlock()

	for _, t := range transports {
		t.closeWith(domain.ErrRouterClosed)
	}
	r.engine.forget(r.id)
	log.Debug().Str("router_id", r.id).Msg("Router closed")
	return nil
}

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func codecFor(kind domain.Kind, params domain.RtpParameters) (domain.CodecCapability, error) {
	codec, ok := params.PrimaryCodec()
	if !ok {
		return domain.CodecCapability{}, fmt.Errorf("%w: no codec", domain.ErrIncompatibleCapabilities)
	}
	want := domain.CodecCapability{Kind: kind, MimeType: codec.MimeType, ClockRate: codec.ClockRate, Channels: codec.Channels}
	for _, c := range capabilities.Codecs {
		if c.Kind == kind && c.Matches(want) {
			return c, nil
		}
	}
	return domain.CodecCapability{}, fmt.Errorf("%w: %s is not a router codec", domain.ErrIncompatibleCapabilities, codec.MimeType)
}
