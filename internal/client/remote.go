package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Wyydra/callroom/internal/core/domain"
	"github.com/Wyydra/callroom/internal/signaling"
)

// scheduleConsume starts a consume task for a remote producer. The task
// retries while device capabilities are still loading, at most
// retryAttempts times, and is cancelled by producerClosed or Leave.
func (s *Session) scheduleConsume(info domain.ProducerInfo) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, ok := s.remote[info.ProducerID]; ok {
		s.mu.Unlock()
		return
	}
	if _, ok := s.retries[info.ProducerID]; ok {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	task := &retryTask{cancel: cancel}
	s.retries[info.ProducerID] = task
	s.tasks.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.tasks.Done()
		defer s.finishTask(info.ProducerID, task)
		s.consumeWithRetry(ctx, info)
	}()
}

func (s *Session) finishTask(id domain.ProducerID, task *retryTask) {
	task.cancel()
	s.mu.Lock()
	if s.retries[id] == task {
		delete(s.retries, id)
	}
	s.mu.Unlock()
}

func (s *Session) consumeWithRetry(ctx context.Context, info domain.ProducerInfo) {
	l := s.log.With().Str("producer_id", info.ProducerID.String()).Str("media_tag", string(info.Tag)).Logger()

	timer := time.NewTimer(s.retryInterval)
	defer timer.Stop()
	for attempt := 1; ; attempt++ {
		err := s.consume(ctx, info)
		switch {
		case err == nil:
			return
		case ctx.Err() != nil:
			l.Debug().Msg("Consume cancelled")
			return
		case !errors.Is(err, errDeviceNotLoaded):
			l.Warn().Err(err).Msg("Consume failed")
			s.missed(info, err)
			return
		case attempt >= s.retryAttempts:
			l.Warn().Int("attempts", attempt).Msg("Device never loaded, remote stream not shown")
			s.missed(info, err)
			return
		}

		l.Debug().Int("attempt", attempt).Msg("Device not loaded, retrying consume")
		timer.Reset(s.retryInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) missed(info domain.ProducerInfo, err error) {
	if s.hooks.OnConsumeMissed != nil {
		s.hooks.OnConsumeMissed(info, err)
	}
}

func (s *Session) consume(ctx context.Context, info domain.ProducerInfo) error {
	if !s.device.Loaded() {
		return errDeviceNotLoaded
	}
	recv, err := s.ensureRecvTransport(ctx)
	if err != nil {
		return err
	}

	var consumer domain.ConsumerInfo
	req := signaling.ConsumeRequest{ProducerID: info.ProducerID, RtpCapabilities: s.device.RtpCapabilities()}
	if err := s.sig.Request(ctx, signaling.TypeConsume, req, &consumer); err != nil {
		return fmt.Errorf("consume %s: %w", info.ProducerID, err)
	}
	track, err := recv.Consume(ctx, consumer)
	if err != nil {
		return fmt.Errorf("attach consumer %s: %w", consumer.ID, err)
	}

	s.mu.Lock()
	if s.closed || ctx.Err() != nil {
		s.mu.Unlock()
		_ = track.Close()
		return ErrCancelled
	}
	s.remote[info.ProducerID] = &remoteMedia{info: info, track: track}
	screen := s.screenCountLocked()
	s.mu.Unlock()

	s.log.Info().Str("producer_id", info.ProducerID.String()).Str("peer_id", info.PeerID.String()).Str("media_tag", string(info.Tag)).Msg("Remote stream attached")
	if s.hooks.OnRemoteTrack != nil {
		s.hooks.OnRemoteTrack(info, track)
	}
	if info.Tag == domain.TagScreen && screen == 1 && s.hooks.OnRemoteScreen != nil {
		s.hooks.OnRemoteScreen(true)
	}
	return nil
}

// remoteClosed drops everything tied to a remote producer, including a
// consume attempt still waiting to retry.
func (s *Session) remoteClosed(id domain.ProducerID) {
	s.mu.Lock()
	if task, ok := s.retries[id]; ok {
		task.cancel()
		delete(s.retries, id)
	}
	r, ok := s.remote[id]
	if ok {
		delete(s.remote, id)
	}
	screen := s.screenCountLocked()
	s.mu.Unlock()

	if !ok {
		return
	}
	_ = r.track.Close()
	s.log.Info().Str("producer_id", id.String()).Msg("Remote stream removed")
	if s.hooks.OnRemoteClosed != nil {
		s.hooks.OnRemoteClosed(id)
	}
	if r.info.Tag == domain.TagScreen && screen == 0 && s.hooks.OnRemoteScreen != nil {
		s.hooks.OnRemoteScreen(false)
	}
}

func (s *Session) screenCountLocked() int {
	n := 0
	for _, r := range s.remote {
		if r.info.Tag == domain.TagScreen {
			n++
		}
	}
	return n
}
