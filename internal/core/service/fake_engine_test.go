package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Wyydra/callroom/internal/core/domain"
	"github.com/Wyydra/callroom/internal/core/port"
)

// fakeEngine models router/transport/producer/consumer ownership in memory.
type fakeEngine struct {
	mu         sync.Mutex
	seq        atomic.Int64
	routers    []*fakeRouter
	transports atomic.Int64
	createErr  error
	died       chan error

	// beforeConsume runs inside Transport.Consume, without the fake's lock.
	beforeConsume func(producerID domain.ProducerID)
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{died: make(chan error, 1)}
}

func (e *fakeEngine) nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, e.seq.Add(1))
}

func (e *fakeEngine) CreateRouter(ctx context.Context) (port.Router, error) {
	if e.createErr != nil {
		return nil, e.createErr
	}
	r := &fakeRouter{
		engine:    e,
		id:        e.nextID("router"),
		producers: make(map[domain.ProducerID]*fakeProducer),
	}
	e.mu.Lock()
	e.routers = append(e.routers, r)
	e.mu.Unlock()
	return r, nil
}

func (e *fakeEngine) Died() <-chan error { return e.died }
func (e *fakeEngine) Close() error       { return nil }

func (e *fakeEngine) openRouters() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, r := range e.routers {
		if !r.closed {
			n++
		}
	}
	return n
}

var testCaps = domain.RtpCapabilities{Codecs: []domain.CodecCapability{
	{Kind: domain.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PreferredPayloadType: 111},
	{Kind: domain.KindVideo, MimeType: "video/VP8", ClockRate: 90000, PreferredPayloadType: 96},
}}

type fakeRouter struct {
	engine    *fakeEngine
	id        string
	closed    bool
	producers map[domain.ProducerID]*fakeProducer
}

func (r *fakeRouter) ID() string                              { return r.id }
func (r *fakeRouter) RtpCapabilities() domain.RtpCapabilities { return testCaps }

func (r *fakeRouter) CanConsume(id domain.ProducerID, caps domain.RtpCapabilities) bool {
	r.engine.mu.Lock()
	defer r.engine.mu.Unlock()
	p, ok := r.producers[id]
	if !ok || p.closed {
		return false
	}
	for _, c := range caps.Codecs {
		if c.Kind == p.kind {
			return true
		}
	}
	return false
}

func (r *fakeRouter) CreateTransport(ctx context.Context, dir domain.Direction) (port.Transport, error) {
	r.engine.mu.Lock()
	defer r.engine.mu.Unlock()
	if r.closed {
		return nil, domain.ErrRouterClosed
	}
	r.engine.transports.Add(1)
	return &fakeTransport{router: r, id: domain.TransportID(r.engine.nextID("transport")), dir: dir}, nil
}

func (r *fakeRouter) Close() error {
	r.engine.mu.Lock()
	defer r.engine.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeRouter) Closed() bool {
	r.engine.mu.Lock()
	defer r.engine.mu.Unlock()
	return r.closed
}

type fakeTransport struct {
	router    *fakeRouter
	id        domain.TransportID
	dir       domain.Direction
	closed    bool
	connected bool
	onClose   []func(error)
	producers []*fakeProducer
	consumers []*fakeConsumer
}

func (t *fakeTransport) ID() domain.TransportID      { return t.id }
func (t *fakeTransport) Direction() domain.Direction { return t.dir }

func (t *fakeTransport) Params() domain.TransportParams {
	return domain.TransportParams{ID: t.id, IceParameters: domain.IceParameters{UsernameFragment: "u", Password: "p", IceLite: true}}
}

func (t *fakeTransport) Connect(ctx context.Context, params domain.ConnectParams) error {
	t.router.engine.mu.Lock()
	defer t.router.engine.mu.Unlock()
	if t.closed {
		return domain.ErrTransportClosed
	}
	t.connected = true
	return nil
}

func (t *fakeTransport) Produce(ctx context.Context, req domain.ProduceRequest) (port.Producer, error) {
	e := t.router.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if t.closed {
		return nil, domain.ErrTransportClosed
	}
	p := &fakeProducer{engine: e, transport: t, id: domain.ProducerID(e.nextID("producer")), kind: req.Kind, params: req.RtpParameters}
	t.producers = append(t.producers, p)
	t.router.producers[p.id] = p
	return p, nil
}

func (t *fakeTransport) Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RtpCapabilities) (port.Consumer, error) {
	e := t.router.engine
	if e.beforeConsume != nil {
		e.beforeConsume(producerID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if t.closed {
		return nil, domain.ErrTransportClosed
	}
	p, ok := t.router.producers[producerID]
	if !ok {
		return nil, domain.ErrProducerNotFound
	}
	c := &fakeConsumer{engine: e, id: domain.ConsumerID(e.nextID("consumer")), producer: p}
	if p.closed {
		c.closed = true
	} else {
		p.consumers = append(p.consumers, c)
	}
	t.consumers = append(t.consumers, c)
	return c, nil
}

func (t *fakeTransport) Close() error {
	t.fail(nil)
	return nil
}

// fail simulates the engine closing the transport on its own.
func (t *fakeTransport) fail(err error) {
	t.router.engine.mu.Lock()
	notify := t.closeLocked(err)
	t.router.engine.mu.Unlock()
	runAll(notify)
}

func (t *fakeTransport) closeLocked(cause error) []func() {
	if t.closed {
		return nil
	}
	t.closed = true
	var notify []func()
	for _, p := range t.producers {
		notify = append(notify, p.closeLocked(cause)...)
	}
	for _, c := range t.consumers {
		notify = append(notify, c.closeLocked(cause)...)
	}
	return append(notify, bind(t.onClose, cause)...)
}

func (t *fakeTransport) Closed() bool {
	t.router.engine.mu.Lock()
	defer t.router.engine.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) OnClose(fn func(error)) {
	t.router.engine.mu.Lock()
	if !t.closed {
		t.onClose = append(t.onClose, fn)
		t.router.engine.mu.Unlock()
		return
	}
	t.router.engine.mu.Unlock()
	fn(nil)
}

func bind(handlers []func(error), cause error) []func() {
	out := make([]func(), 0, len(handlers))
	for _, fn := range handlers {
		out = append(out, func() { fn(cause) })
	}
	return out
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

type fakeProducer struct {
	engine    *fakeEngine
	transport *fakeTransport
	id        domain.ProducerID
	kind      domain.Kind
	params    domain.RtpParameters
	closed    bool
	onClose   []func(error)
	consumers []*fakeConsumer
}

func (p *fakeProducer) ID() domain.ProducerID               { return p.id }
func (p *fakeProducer) Kind() domain.Kind                   { return p.kind }
func (p *fakeProducer) RtpParameters() domain.RtpParameters { return p.params }

func (p *fakeProducer) Close() error {
	p.fail(nil)
	return nil
}

// fail simulates the engine closing the producer on its own.
func (p *fakeProducer) fail(err error) {
	p.engine.mu.Lock()
	notify := p.closeLocked(err)
	p.engine.mu.Unlock()
	runAll(notify)
}

func (p *fakeProducer) closeLocked(cause error) []func() {
	if p.closed {
		return nil
	}
	p.closed = true
	var notify []func()
	for _, c := range p.consumers {
		notify = append(notify, c.closeLocked(nil)...)
	}
	return append(notify, bind(p.onClose, cause)...)
}

func (p *fakeProducer) OnClose(fn func(error)) {
	p.engine.mu.Lock()
	if !p.closed {
		p.onClose = append(p.onClose, fn)
		p.engine.mu.Unlock()
		return
	}
	p.engine.mu.Unlock()
	fn(nil)
}

func (p *fakeProducer) Closed() bool {
	p.engine.mu.Lock()
	defer p.engine.mu.Unlock()
	return p.closed
}

type fakeConsumer struct {
	engine   *fakeEngine
	id       domain.ConsumerID
	producer *fakeProducer
	closed   bool
	onClose  []func(error)
}

func (c *fakeConsumer) ID() domain.ConsumerID               { return c.id }
func (c *fakeConsumer) ProducerID() domain.ProducerID       { return c.producer.id }
func (c *fakeConsumer) Kind() domain.Kind                   { return c.producer.kind }
func (c *fakeConsumer) RtpParameters() domain.RtpParameters { return c.producer.params }

func (c *fakeConsumer) Close() error {
	c.fail(nil)
	return nil
}

// fail simulates the engine closing the consumer on its own.
func (c *fakeConsumer) fail(err error) {
	c.engine.mu.Lock()
	notify := c.closeLocked(err)
	c.engine.mu.Unlock()
	runAll(notify)
}

func (c *fakeConsumer) closeLocked(cause error) []func() {
	if c.closed {
		return nil
	}
	c.closed = true
	return bind(c.onClose, cause)
}

func (c *fakeConsumer) OnClose(fn func(error)) {
	c.engine.mu.Lock()
	if !c.closed {
		c.onClose = append(c.onClose, fn)
		c.engine.mu.Unlock()
		return
	}
	c.engine.mu.Unlock()
	fn(nil)
}

func (c *fakeConsumer) Closed() bool {
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()
	return c.closed
}

// recordingGateway keeps every notification per peer.
type recordingGateway struct {
	mu     sync.Mutex
	events map[domain.PeerID][]domain.Event
}

func newRecordingGateway() *recordingGateway {
	return &recordingGateway{events: make(map[domain.PeerID][]domain.Event)}
}

func (g *recordingGateway) Notify(ctx context.Context, peerID domain.PeerID, event domain.Event) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events[peerID] = append(g.events[peerID], event)
	return nil
}

func (g *recordingGateway) count(peerID domain.PeerID, typ domain.EventType) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, ev := range g.events[peerID] {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (g *recordingGateway) closedIDs(peerID domain.PeerID) map[domain.ProducerID]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make(map[domain.ProducerID]int)
	for _, ev := range g.events[peerID] {
		if ev.Type == domain.EventProducerClosed {
			ids[ev.Data.(domain.ProducerClosed).ProducerID]++
		}
	}
	return ids
}
