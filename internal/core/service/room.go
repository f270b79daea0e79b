package service

import (
	"context"
	"sync"

	"github.com/Wyydra/callroom/internal/core/domain"
	"github.com/Wyydra/callroom/internal/core/port"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type producerEntry struct {
	handle port.Producer
	info   domain.ProducerInfo
}

type consumerEntry struct {
	handle     port.Consumer
	producerID domain.ProducerID
}

// Peer is the state of one signaling connection inside a room.
// Producers are owned by the send transport and consumers by the receive
// transport; dropping a transport closes what it owns.
type Peer struct {
	id        domain.PeerID
	state     domain.PeerState
	send      port.Transport
	recv      port.Transport
	producers map[domain.ProducerID]*producerEntry
	consumers map[domain.ConsumerID]*consumerEntry
}

func newPeer(id domain.PeerID) *Peer {
	return &Peer{
		id:        id,
		state:     domain.PeerJoined,
		producers: make(map[domain.ProducerID]*producerEntry),
		consumers: make(map[domain.ConsumerID]*consumerEntry),
	}
}

func (p *Peer) transport(dir domain.Direction) port.Transport {
	if dir == domain.DirectionSend {
		return p.send
	}
	return p.recv
}

func (p *Peer) setTransport(dir domain.Direction, t port.Transport) {
	if dir == domain.DirectionSend {
		p.send = t
	} else {
		p.recv = t
	}
	if t != nil && p.state == domain.PeerJoined {
		p.state = domain.PeerActive
	}
}

// Room owns one router and the peers routed through it. Every field below
// mu is guarded by it; an operation on the room holds mu until its
// broadcasts are queued.
type Room struct {
	id      domain.RoomID
	router  port.Router
	gateway port.RealTimeGateway
	log     zerolog.Logger

	mu     sync.Mutex
	peers  map[domain.PeerID]*Peer
	closed bool
}

func newRoom(id domain.RoomID, router port.Router, gateway port.RealTimeGateway) *Room {
	return &Room{
		id:      id,
		router:  router,
		gateway: gateway,
		log:     log.With().Str("room_id", id.String()).Logger(),
		peers:   make(map[domain.PeerID]*Peer),
	}
}

func (r *Room) ID() domain.RoomID { return r.id }

// producerInfos lists the producers of every peer except one.
func (r *Room) producerInfos(except domain.PeerID) []domain.ProducerInfo {
	infos := make([]domain.ProducerInfo, 0)
	for _, p := range r.peers {
		if p.id == except {
			continue
		}
		for _, pe := range p.producers {
			infos = append(infos, pe.info)
		}
	}
	return infos
}

func (r *Room) findProducer(id domain.ProducerID) (*Peer, *producerEntry) {
	for _, p := range r.peers {
		if pe, ok := p.producers[id]; ok {
			return p, pe
		}
	}
	return nil, nil
}

func (r *Room) broadcast(ctx context.Context, except domain.PeerID, event domain.Event) {
	for id := range r.peers {
		if id == except {
			continue
		}
		if err := r.gateway.Notify(ctx, id, event); err != nil {
			r.log.Error().Err(err).Str("peer_id", id.String()).Str("event", string(event.Type)).Msg("Failed to notify peer")
		}
	}
}

// closeProducer removes the producer from its owner, closes every consumer
// bound to it and tells the other peers. A producer already removed is a
// no-op, so each producer is announced closed exactly once.
func (r *Room) closeProducer(ctx context.Context, owner *Peer, id domain.ProducerID) {
	pe, ok := owner.producers[id]
	if !ok {
		return
	}
	delete(owner.producers, id)
	r.closeConsumersOf(id)
	if err := pe.handle.Close(); err != nil {
		r.log.Warn().Err(err).Str("producer_id", id.String()).Msg("Engine failed to close producer")
	}
	r.log.Info().Str("peer_id", owner.id.String()).Str("producer_id", id.String()).Msg("Producer closed")
	r.broadcast(ctx, owner.id, domain.ProducerClosedEvent(id))
}

func (r *Room) closeConsumersOf(producerID domain.ProducerID) {
	for _, p := range r.peers {
		for cid, ce := range p.consumers {
			if ce.producerID != producerID {
				continue
			}
			delete(p.consumers, cid)
			if err := ce.handle.Close(); err != nil {
				r.log.Warn().Err(err).Str("consumer_id", cid.String()).Msg("Engine failed to close consumer")
			}
		}
	}
}

func (r *Room) dropTransport(ctx context.Context, p *Peer, dir domain.Direction) {
	t := p.transport(dir)
	if t == nil {
		return
	}
	p.setTransport(dir, nil)

	switch dir {
	case domain.DirectionSend:
		for id := range p.producers {
			r.closeProducer(ctx, p, id)
		}
	case domain.DirectionRecv:
		for id, ce := range p.consumers {
			delete(p.consumers, id)
			if err := ce.handle.Close(); err != nil {
				r.log.Warn().Err(err).Str("consumer_id", id.String()).Msg("Engine failed to close consumer")
			}
		}
	}

	if err := t.Close(); err != nil {
		r.log.Warn().Err(err).Str("transport_id", t.ID().String()).Msg("Engine failed to close transport")
	}
}

func (r *Room) closePeer(ctx context.Context, p *Peer) {
	r.dropTransport(ctx, p, domain.DirectionSend)
	r.dropTransport(ctx, p, domain.DirectionRecv)
	// Nothing should be left without a transport; sweep anyway.
	for id := range p.producers {
		r.closeProducer(ctx, p, id)
	}
	for id, ce := range p.consumers {
		delete(p.consumers, id)
		_ = ce.handle.Close()
	}
	p.state = domain.PeerClosed
}
