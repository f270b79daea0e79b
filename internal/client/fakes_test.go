package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Wyydra/callroom/internal/core/domain"
	"github.com/Wyydra/callroom/internal/signaling"
)

var testCaps = domain.RtpCapabilities{Codecs: []domain.CodecCapability{
	{Kind: domain.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PreferredPayloadType: 111},
	{Kind: domain.KindVideo, MimeType: "video/VP8", ClockRate: 90000, PreferredPayloadType: 96},
}}

type fakeSignaler struct {
	mu       sync.Mutex
	calls    []signaling.Type
	payloads []any
	errs     map[signaling.Type]error
	existing []domain.ProducerInfo
	seq      int
	closed   bool
	events   chan domain.Event
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{
		errs:   make(map[signaling.Type]error),
		events: make(chan domain.Event, 16),
	}
}

func (f *fakeSignaler) Request(ctx context.Context, t signaling.Type, payload, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return errors.New("connection closed")
	}
	f.calls = append(f.calls, t)
	f.payloads = append(f.payloads, payload)
	if err := f.errs[t]; err != nil {
		f.mu.Unlock()
		return err
	}
	f.seq++
	var resp any = signaling.Empty{}
	switch t {
	case signaling.TypeJoinRoom:
		resp = signaling.JoinRoomResponse{RtpCapabilities: testCaps, Producers: f.existing}
	case signaling.TypeCreateTransport, signaling.TypeCreateRecvTransport:
		resp = domain.TransportParams{ID: domain.TransportID(fmt.Sprintf("t-%d", f.seq))}
	case signaling.TypeTransportProduce:
		resp = signaling.ProduceResponse{ID: domain.ProducerID(fmt.Sprintf("local-%d", f.seq))}
	case signaling.TypeConsume:
		req := payload.(signaling.ConsumeRequest)
		resp = domain.ConsumerInfo{ID: domain.ConsumerID("c-" + req.ProducerID), ProducerID: req.ProducerID}
	}
	f.mu.Unlock()

	if out == nil {
		return nil
	}
	data, err := signaling.JSON.Marshal(resp)
	if err != nil {
		return err
	}
	return signaling.JSON.Unmarshal(data, out)
}

func (f *fakeSignaler) Events() <-chan domain.Event { return f.events }

func (f *fakeSignaler) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeSignaler) count(t signaling.Type) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == t {
			n++
		}
	}
	return n
}

func (f *fakeSignaler) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// push delivers a notification as the server would.
func (f *fakeSignaler) push(ev domain.Event) { f.events <- ev }

type fakeDevice struct {
	loadDelay time.Duration
	// never keeps Load blocked until its context ends.
	never  bool
	loaded atomic.Bool

	mu         sync.Mutex
	transports []*fakeTransport
}

func (d *fakeDevice) Load(ctx context.Context, caps domain.RtpCapabilities) error {
	if d.never {
		<-ctx.Done()
		return ctx.Err()
	}
	select {
	case <-time.After(d.loadDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	d.loaded.Store(true)
	return nil
}

func (d *fakeDevice) Loaded() bool                             { return d.loaded.Load() }
func (d *fakeDevice) RtpCapabilities() domain.RtpCapabilities { return testCaps }

func (d *fakeDevice) newTransport(params domain.TransportParams) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := &fakeTransport{params: params}
	d.transports = append(d.transports, t)
	return t
}

func (d *fakeDevice) CreateSendTransport(p domain.TransportParams) (SendTransport, error) {
	return d.newTransport(p), nil
}

func (d *fakeDevice) CreateRecvTransport(p domain.TransportParams) (RecvTransport, error) {
	return d.newTransport(p), nil
}

func (d *fakeDevice) openTransports() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, t := range d.transports {
		if !t.closed.Load() {
			n++
		}
	}
	return n
}

type fakeTransport struct {
	params  domain.TransportParams
	started atomic.Bool
	closed  atomic.Bool
}

func (t *fakeTransport) ConnectParams() domain.ConnectParams { return domain.ConnectParams{} }
func (t *fakeTransport) Start(context.Context) error        { t.started.Store(true); return nil }
func (t *fakeTransport) Close() error                       { t.closed.Store(true); return nil }

func (t *fakeTransport) Produce(_ context.Context, track LocalTrack) (LocalProducer, error) {
	return &fakeProducer{}, nil
}

func (t *fakeTransport) Consume(_ context.Context, c domain.ConsumerInfo) (RemoteTrack, error) {
	return &fakeRemote{info: c}, nil
}

type fakeProducer struct{ closed atomic.Bool }

func (p *fakeProducer) RtpParameters() domain.RtpParameters { return domain.RtpParameters{} }
func (p *fakeProducer) Close() error                        { p.closed.Store(true); return nil }

type fakeRemote struct {
	info   domain.ConsumerInfo
	closed atomic.Bool
}

func (r *fakeRemote) Consumer() domain.ConsumerInfo { return r.info }
func (r *fakeRemote) Close() error                  { r.closed.Store(true); return nil }

type fakeTrack struct {
	kind    domain.Kind
	ended   chan struct{}
	stopped atomic.Bool
}

func (t *fakeTrack) Kind() domain.Kind      { return t.kind }
func (t *fakeTrack) Ended() <-chan struct{} { return t.ended }
func (t *fakeTrack) Stop()                  { t.stopped.Store(true) }

type fakeCapture struct {
	mu     sync.Mutex
	errs   map[domain.MediaTag]error
	gates  map[domain.MediaTag]chan struct{}
	tracks map[domain.MediaTag][]*fakeTrack
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{
		errs:   make(map[domain.MediaTag]error),
		gates:  make(map[domain.MediaTag]chan struct{}),
		tracks: make(map[domain.MediaTag][]*fakeTrack),
	}
}

// Acquire honours a gate for tag, if any, but like a browser prompt it still
// delivers the track after the caller gave up.
func (c *fakeCapture) Acquire(ctx context.Context, tag domain.MediaTag) (LocalTrack, error) {
	c.mu.Lock()
	err, gate := c.errs[tag], c.gates[tag]
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if gate != nil {
		<-gate
	}
	t := &fakeTrack{kind: tag.Kind(), ended: make(chan struct{})}
	c.mu.Lock()
	c.tracks[tag] = append(c.tracks[tag], t)
	c.mu.Unlock()
	return t, nil
}

func (c *fakeCapture) last(tag domain.MediaTag) *fakeTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.tracks[tag]
	if len(ts) == 0 {
		return nil
	}
	return ts[len(ts)-1]
}
