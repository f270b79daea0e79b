package client

import (
	"context"
	"fmt"

	"github.com/Wyydra/callroom/internal/core/domain"
	"github.com/Wyydra/callroom/internal/signaling"
)

// ensureSendTransport creates and connects the send transport once. A
// failure at any step closes what was built so the next call starts over.
func (s *Session) ensureSendTransport(ctx context.Context) (SendTransport, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	send, closed := s.send, s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if send != nil {
		return send, nil
	}

	var params domain.TransportParams
	if err := s.sig.Request(ctx, signaling.TypeCreateTransport, nil, &params); err != nil {
		return nil, fmt.Errorf("create send transport: %w", err)
	}
	t, err := s.device.CreateSendTransport(params)
	if err != nil {
		return nil, fmt.Errorf("local send transport: %w", err)
	}
	if err := s.connect(ctx, t, signaling.TypeTransportConnect); err != nil {
		_ = t.Close()
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = t.Close()
		return nil, ErrClosed
	}
	s.send = t
	s.log.Debug().Str("transport_id", params.ID.String()).Msg("Send transport ready")
	return t, nil
}

func (s *Session) ensureRecvTransport(ctx context.Context) (RecvTransport, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	s.mu.Lock()
	recv, closed := s.recv, s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if recv != nil {
		return recv, nil
	}

	var params domain.TransportParams
	if err := s.sig.Request(ctx, signaling.TypeCreateRecvTransport, nil, &params); err != nil {
		return nil, fmt.Errorf("create recv transport: %w", err)
	}
	t, err := s.device.CreateRecvTransport(params)
	if err != nil {
		return nil, fmt.Errorf("local recv transport: %w", err)
	}
	if err := s.connect(ctx, t, signaling.TypeRecvTransportConnect); err != nil {
		_ = t.Close()
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = t.Close()
		return nil, ErrClosed
	}
	s.recv = t
	s.log.Debug().Str("transport_id", params.ID.String()).Msg("Recv transport ready")
	return t, nil
}

func (s *Session) connect(ctx context.Context, t LocalTransport, typ signaling.Type) error {
	if err := s.sig.Request(ctx, typ, t.ConnectParams(), nil); err != nil {
		return fmt.Errorf("%s: %w", typ, err)
	}
	if err := t.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	return nil
}
