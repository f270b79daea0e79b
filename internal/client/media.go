package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Wyydra/callroom/internal/core/domain"
	"github.com/Wyydra/callroom/internal/signaling"
)

// exclusive returns the tag that cannot produce at the same time as tag.
func exclusive(tag domain.MediaTag) (domain.MediaTag, bool) {
	switch tag {
	case domain.TagCamera:
		return domain.TagScreen, true
	case domain.TagScreen:
		return domain.TagCamera, true
	}
	return "", false
}

// Start acquires local media for tag and produces it. Camera and screen
// replace each other; mic is independent. Starting a tag that is already
// acquiring or producing is a no-op.
func (s *Session) Start(ctx context.Context, tag domain.MediaTag) error {
	if !tag.Valid() {
		return domain.ErrInvalidTag
	}
	if other, ok := exclusive(tag); ok {
		if err := s.Stop(ctx, other); err != nil {
			s.log.Warn().Err(err).Str("media_tag", string(other)).Msg("Failed to stop exclusive media")
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.joined {
		s.mu.Unlock()
		return domain.ErrNotJoined
	}
	m := s.media[tag]
	if m.state != Idle {
		s.mu.Unlock()
		return nil
	}
	actx, cancel := context.WithCancel(s.ctx)
	m.gen++
	gen := m.gen
	m.state = Acquiring
	m.cancel = cancel
	s.mu.Unlock()
	s.notifyLocal(tag, Acquiring)

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := s.start(actx, tag, gen)
	if err != nil {
		s.reset(tag, gen)
		if actx.Err() != nil && !errors.Is(err, ErrPermissionDenied) && !errors.Is(err, ErrNoDevice) {
			err = ErrCancelled
		}
		s.log.Warn().Err(err).Str("media_tag", string(tag)).Msg("Failed to start media")
	}
	return err
}

func (s *Session) start(ctx context.Context, tag domain.MediaTag, gen uint64) error {
	track, err := s.capture.Acquire(ctx, tag)
	if err != nil {
		return captureError(err)
	}
	if !s.holdTrack(tag, gen, track) {
		// Torn down while the capture prompt was open.
		track.Stop()
		return ErrCancelled
	}

	if err := s.waitLoaded(ctx); err != nil {
		return err
	}
	send, err := s.ensureSendTransport(ctx)
	if err != nil {
		return err
	}
	producer, err := send.Produce(ctx, track)
	if err != nil {
		return fmt.Errorf("local produce: %w", err)
	}

	var resp signaling.ProduceResponse
	req := domain.ProduceRequest{Kind: track.Kind(), RtpParameters: producer.RtpParameters(), Tag: tag}
	if err := s.sig.Request(ctx, signaling.TypeTransportProduce, req, &resp); err != nil {
		_ = producer.Close()
		return fmt.Errorf("produce %s: %w", tag, err)
	}

	s.mu.Lock()
	m := s.media[tag]
	if s.closed || m.gen != gen {
		s.mu.Unlock()
		_ = producer.Close()
		s.closeRemoteProducer(resp.ID)
		return ErrCancelled
	}
	m.state = Producing
	m.producer = producer
	m.id = resp.ID
	s.mu.Unlock()

	s.log.Info().Str("media_tag", string(tag)).Str("producer_id", resp.ID.String()).Msg("Producing")
	s.notifyLocal(tag, Producing)
	if tag == domain.TagScreen {
		s.goTask(func() { s.watchEnded(tag, gen, track) })
	}
	return nil
}

// holdTrack records an acquired track unless the attempt was superseded.
func (s *Session) holdTrack(tag domain.MediaTag, gen uint64, track LocalTrack) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.media[tag]
	if s.closed || m.gen != gen {
		return false
	}
	m.track = track
	return true
}

// reset returns tag to Idle after a failed attempt, stopping its track.
func (s *Session) reset(tag domain.MediaTag, gen uint64) {
	s.mu.Lock()
	m := s.media[tag]
	if m.gen != gen {
		s.mu.Unlock()
		return
	}
	track := m.track
	if m.cancel != nil {
		m.cancel()
	}
	s.media[tag] = &localMedia{gen: m.gen}
	s.mu.Unlock()

	if track != nil {
		track.Stop()
	}
	s.notifyLocal(tag, Idle)
}

// Stop ends local media for tag: an acquisition in flight is cancelled, a
// running producer is closed on both ends.
func (s *Session) Stop(ctx context.Context, tag domain.MediaTag) error {
	s.mu.Lock()
	m, ok := s.media[tag]
	if !ok || m.state == Idle {
		s.mu.Unlock()
		return nil
	}
	prev := m.state
	if m.cancel != nil {
		m.cancel()
	}
	s.media[tag] = &localMedia{gen: m.gen + 1}
	s.mu.Unlock()

	if m.track != nil {
		m.track.Stop()
	}
	s.notifyLocal(tag, Idle)
	if prev != Producing {
		return nil
	}

	_ = m.producer.Close()
	s.log.Info().Str("media_tag", string(tag)).Str("producer_id", m.id.String()).Msg("Stopped producing")
	err := s.sig.Request(ctx, signaling.TypeCloseProducer, signaling.CloseProducerRequest{ProducerID: m.id}, nil)
	if errors.Is(err, domain.ErrProducerNotFound) {
		return nil
	}
	return err
}

func (s *Session) closeRemoteProducer(id domain.ProducerID) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.sig.Request(ctx, signaling.TypeCloseProducer, signaling.CloseProducerRequest{ProducerID: id}, nil); err != nil {
		s.log.Debug().Err(err).Str("producer_id", id.String()).Msg("closeProducer after cancel failed")
	}
}

// watchEnded runs the stop path when a screen share ends outside the app.
func (s *Session) watchEnded(tag domain.MediaTag, gen uint64, track LocalTrack) {
	select {
	case <-track.Ended():
	case <-s.ctx.Done():
		return
	}

	s.mu.Lock()
	m := s.media[tag]
	current := m.gen == gen && m.state == Producing
	s.mu.Unlock()
	if !current {
		return
	}
	s.log.Info().Str("media_tag", string(tag)).Msg("Track ended by source")
	if err := s.Stop(s.ctx, tag); err != nil {
		s.log.Warn().Err(err).Msg("Failed to stop ended track")
	}
}

func (s *Session) notifyLocal(tag domain.MediaTag, state MediaState) {
	if s.hooks.OnLocalState != nil {
		s.hooks.OnLocalState(tag, state)
	}
}
