package ws

import (
	"context"
	"errors"
	"sync"

	"github.com/Wyydra/callroom/internal/core/domain"
	"github.com/Wyydra/callroom/internal/core/port"
	"github.com/rs/zerolog/log"
)

var ErrClientGone = errors.New("client not connected")

// implements port.RealTimeGateway
type Hub struct {
	mu      sync.Mutex
	clients map[domain.PeerID]port.Client
	closed  bool
}

var _ port.RealTimeGateway = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{
		clients: make(map[domain.PeerID]port.Client),
	}
}

// Notify queues event on the peer's connection. It never blocks on the
// network.
func (h *Hub) Notify(ctx context.Context, peerID domain.PeerID, event domain.Event) error {
	h.mu.Lock()
	client, ok := h.clients[peerID]
	h.mu.Unlock()
	if !ok {
		return ErrClientGone
	}

	if err := client.Send(event); err != nil {
		log.Warn().Err(err).Str("peer_id", peerID.String()).Str("event", string(event.Type)).Msg("Dropping notification")
		return err
	}
	return nil
}

func (h *Hub) Register(c port.Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.ID()] = c
	log.Info().Str("peer_id", c.ID().String()).Msg("Client registered")
	return true
}

func (h *Hub) Unregister(c port.Client) {
	h.mu.Lock()
	cur, ok := h.clients[c.ID()]
	if ok && cur == c {
		delete(h.clients, c.ID())
	}
	h.mu.Unlock()
	if ok {
		log.Info().Str("peer_id", c.ID().String()).Msg("Client unregistered")
	}
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Stop closes every connection and refuses new ones.
func (h *Hub) Stop() {
	h.mu.Lock()
	h.closed = true
	clients := make([]port.Client, 0, len(h.clients))
	for id, c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, id)
	}
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.Close()
	}
}
