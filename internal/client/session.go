// Package client is the peer side of a call: it joins a room, produces local
// media and consumes every remote producer announced by the server.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/callroom/internal/core/domain"
	"github.com/Wyydra/callroom/internal/signaling"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRetryInterval = 500 * time.Millisecond
	DefaultRetryAttempts = 10
)

type MediaState int

const (
	Idle MediaState = iota
	Acquiring
	Producing
)

func (s MediaState) String() string {
	switch s {
	case Acquiring:
		return "acquiring"
	case Producing:
		return "producing"
	default:
		return "idle"
	}
}

// Hooks observe the session. They run on session goroutines and must not
// call Leave synchronously.
type Hooks struct {
	OnLocalState    func(tag domain.MediaTag, state MediaState)
	OnRemoteTrack   func(producer domain.ProducerInfo, track RemoteTrack)
	OnRemoteClosed  func(producerID domain.ProducerID)
	OnRemoteScreen  func(active bool)
	OnConsumeMissed func(producer domain.ProducerInfo, err error)
	OnDisconnected  func()
}

type Option func(*Session)

func WithRetry(interval time.Duration, attempts int) Option {
	return func(s *Session) {
		s.retryInterval = interval
		s.retryAttempts = attempts
	}
}

func WithHooks(h Hooks) Option {
	return func(s *Session) { s.hooks = h }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

type localMedia struct {
	state    MediaState
	gen      uint64
	cancel   context.CancelFunc
	track    LocalTrack
	producer LocalProducer
	id       domain.ProducerID
}

type remoteMedia struct {
	info  domain.ProducerInfo
	track RemoteTrack
}

type retryTask struct {
	cancel context.CancelFunc
}

// Session is one peer's negotiation state machine.
type Session struct {
	sig     Signaler
	device  Device
	capture CaptureDevices
	hooks   Hooks
	log     zerolog.Logger

	retryInterval time.Duration
	retryAttempts int

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup

	sendMu sync.Mutex
	recvMu sync.Mutex

	// loadErr is written once before loaded is closed.
	loadErr error

	mu      sync.Mutex
	joined  bool
	joining bool
	closed  bool
	loaded  chan struct{}
	room    domain.RoomID
	media   map[domain.MediaTag]*localMedia
	remote  map[domain.ProducerID]*remoteMedia
	retries map[domain.ProducerID]*retryTask
	send    SendTransport
	recv    RecvTransport
}

func NewSession(sig Signaler, device Device, capture CaptureDevices, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		sig:           sig,
		device:        device,
		capture:       capture,
		log:           log.Logger,
		retryInterval: DefaultRetryInterval,
		retryAttempts: DefaultRetryAttempts,
		ctx:           ctx,
		cancel:        cancel,
		loaded:        make(chan struct{}),
		media: map[domain.MediaTag]*localMedia{
			domain.TagCamera: {},
			domain.TagScreen: {},
			domain.TagMic:    {},
		},
		remote:  make(map[domain.ProducerID]*remoteMedia),
		retries: make(map[domain.ProducerID]*retryTask),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Join enters roomID. Device capabilities load in the background; remote
// producers that show up before that are retried.
func (s *Session) Join(ctx context.Context, roomID domain.RoomID) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.joined {
		s.mu.Unlock()
		return fmt.Errorf("already joined %s", s.room)
	}
	if s.joining {
		s.mu.Unlock()
		return errJoinInProgress
	}
	s.joining = true
	s.mu.Unlock()

	var resp signaling.JoinRoomResponse
	err := s.sig.Request(ctx, signaling.TypeJoinRoom, signaling.JoinRoomRequest{RoomID: roomID}, &resp)

	s.mu.Lock()
	s.joining = false
	if err == nil && s.closed {
		err = ErrClosed
	}
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("join room %s: %w", roomID, err)
	}
	s.joined = true
	s.room = roomID
	s.log = s.log.With().Str("room_id", roomID.String()).Logger()
	s.mu.Unlock()

	s.log.Info().Int("producers", len(resp.Producers)).Msg("Joined room")

	go s.run()
	s.goTask(func() { s.loadDevice(resp.RtpCapabilities) })
	for _, p := range resp.Producers {
		s.scheduleConsume(p)
	}
	return nil
}

func (s *Session) loadDevice(caps domain.RtpCapabilities) {
	err := s.device.Load(s.ctx, caps)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load device capabilities")
		s.loadErr = fmt.Errorf("load device: %w", err)
	} else {
		s.log.Debug().Msg("Device loaded")
	}
	close(s.loaded)
}

// waitLoaded blocks until the device load attempt has finished.
func (s *Session) waitLoaded(ctx context.Context) error {
	select {
	case <-s.loaded:
		return s.loadErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) run() {
	for ev := range s.sig.Events() {
		switch ev.Type {
		case domain.EventNewProducer:
			if info, ok := ev.Data.(domain.ProducerInfo); ok {
				s.scheduleConsume(info)
			}
		case domain.EventProducerClosed:
			if pc, ok := ev.Data.(domain.ProducerClosed); ok {
				s.remoteClosed(pc.ProducerID)
			}
		}
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		s.log.Warn().Msg("Signaling connection lost")
		if s.hooks.OnDisconnected != nil {
			s.hooks.OnDisconnected()
		}
		_ = s.Leave(context.Background())
	}
}

// State reports the local state for tag.
func (s *Session) State(tag domain.MediaTag) MediaState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.media[tag]; ok {
		return m.state
	}
	return Idle
}

// RemoteProducers lists the producers currently rendered.
func (s *Session) RemoteProducers() []domain.ProducerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ProducerInfo, 0, len(s.remote))
	for _, r := range s.remote {
		out = append(out, r.info)
	}
	return out
}

// PendingRetries is the number of consume attempts waiting for a retry.
func (s *Session) PendingRetries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.retries)
}

// Leave hangs up. It is safe from any state and any number of times.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()

	var tracks []LocalTrack
	var producers []LocalProducer
	for tag, m := range s.media {
		if m.cancel != nil {
			m.cancel()
		}
		if m.track != nil {
			tracks = append(tracks, m.track)
		}
		if m.producer != nil {
			producers = append(producers, m.producer)
		}
		s.media[tag] = &localMedia{gen: m.gen + 1}
	}
	remotes := make([]RemoteTrack, 0, len(s.remote))
	for id, r := range s.remote {
		remotes = append(remotes, r.track)
		delete(s.remote, id)
	}
	s.retries = make(map[domain.ProducerID]*retryTask)
	send, recv := s.send, s.recv
	s.send, s.recv = nil, nil
	joined := s.joined
	s.mu.Unlock()

	for _, t := range tracks {
		t.Stop()
	}
	for _, p := range producers {
		_ = p.Close()
	}
	for _, r := range remotes {
		_ = r.Close()
	}
	if send != nil {
		_ = send.Close()
	}
	if recv != nil {
		_ = recv.Close()
	}

	if joined {
		leaveCtx, cancel := context.WithTimeout(ctx, time.Second)
		if err := s.sig.Request(leaveCtx, signaling.TypeLeaveRoom, nil, nil); err != nil {
			s.log.Debug().Err(err).Msg("leaveRoom not acknowledged")
		}
		cancel()
	}
	err := s.sig.Close()
	s.tasks.Wait()
	s.log.Info().Msg("Left room")
	return err
}

// goTask runs fn as a task Leave waits for. It refuses once the session is
// closed.
func (s *Session) goTask(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.tasks.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.tasks.Done()
		fn()
	}()
	return true
}
