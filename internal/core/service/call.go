package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/Wyydra/callroom/internal/core/domain"
	"github.com/Wyydra/callroom/internal/core/port"
	"github.com/rs/zerolog/log"
)

type JoinResult struct {
	RtpCapabilities domain.RtpCapabilities `json:"rtpCapabilities" msgpack:"rtpCapabilities"`
	Producers       []domain.ProducerInfo  `json:"producers" msgpack:"producers"`
}

// CallService translates signaling requests into engine calls and room
// mutations. Errors are returned to the requesting peer only.
type CallService struct {
	rooms        *Registry
	maxRoomPeers int

	mu        sync.Mutex
	peerRooms map[domain.PeerID]domain.RoomID
}

type Option func(*CallService)

// WithMaxRoomPeers caps the number of peers per room. Zero means no cap.
func WithMaxRoomPeers(n int) Option {
	return func(s *CallService) { s.maxRoomPeers = n }
}

func NewCallService(engine port.MediaEngine, gateway port.RealTimeGateway, opts ...Option) *CallService {
	s := &CallService{
		rooms:     NewRegistry(engine, gateway),
		peerRooms: make(map[domain.PeerID]domain.RoomID),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *CallService) Rooms() *Registry { return s.rooms }

func (s *CallService) JoinRoom(ctx context.Context, peerID domain.PeerID, roomID domain.RoomID) (JoinResult, error) {
	if roomID == "" {
		return JoinResult{}, domain.ErrInvalidRoomID
	}

	s.mu.Lock()
	current, joined := s.peerRooms[peerID]
	s.mu.Unlock()
	if joined {
		if current != roomID {
			return JoinResult{}, domain.ErrAlreadyJoined
		}
		var res JoinResult
		err := s.withPeer(peerID, func(room *Room, _ *Peer) error {
			res = JoinResult{
				RtpCapabilities: room.router.RtpCapabilities(),
				Producers:       room.producerInfos(peerID),
			}
			return nil
		})
		return res, err
	}

	for {
		room, err := s.rooms.GetOrCreate(ctx, roomID)
		if err != nil {
			return JoinResult{}, err
		}

		room.mu.Lock()
		if room.closed {
			// Lost a race with the last peer leaving; the next lookup
			// creates a fresh room.
			room.mu.Unlock()
			continue
		}
		if s.maxRoomPeers > 0 && len(room.peers) >= s.maxRoomPeers {
			room.mu.Unlock()
			return JoinResult{}, domain.ErrRoomFull
		}

		room.peers[peerID] = newPeer(peerID)
		s.mu.Lock()
		s.peerRooms[peerID] = roomID
		s.mu.Unlock()

		res := JoinResult{
			RtpCapabilities: room.router.RtpCapabilities(),
			Producers:       room.producerInfos(peerID),
		}
		count := len(room.peers)
		room.mu.Unlock()

		room.log.Info().Str("peer_id", peerID.String()).Int("peers", count).Int("producers", len(res.Producers)).Msg("Peer joined")
		return res, nil
	}
}

func (s *CallService) RouterCapabilities(ctx context.Context, peerID domain.PeerID) (domain.RtpCapabilities, error) {
	var caps domain.RtpCapabilities
	err := s.withPeer(peerID, func(room *Room, _ *Peer) error {
		caps = room.router.RtpCapabilities()
		return nil
	})
	return caps, err
}

// ExistingProducers lists the producers of every other peer in the room.
func (s *CallService) ExistingProducers(ctx context.Context, peerID domain.PeerID) ([]domain.ProducerInfo, error) {
	var infos []domain.ProducerInfo
	err := s.withPeer(peerID, func(room *Room, _ *Peer) error {
		infos = room.producerInfos(peerID)
		return nil
	})
	return infos, err
}

// CreateTransport is idempotent per direction.
func (s *CallService) CreateTransport(ctx context.Context, peerID domain.PeerID, dir domain.Direction) (domain.TransportParams, error) {
	if !dir.Valid() {
		return domain.TransportParams{}, domain.ErrInvalidDirection
	}

	var params domain.TransportParams
	err := s.withPeer(peerID, func(room *Room, p *Peer) error {
		if t := p.transport(dir); t != nil {
			if !t.Closed() {
				params = t.Params()
				return nil
			}
			room.dropTransport(ctx, p, dir)
		}

		t, err := room.router.CreateTransport(ctx, dir)
		if err != nil {
			return fmt.Errorf("create %s transport: %w", dir, err)
		}
		p.setTransport(dir, t)

		roomID, transportID := room.id, t.ID()
		t.OnClose(func(err error) {
			// Runs outside the engine call that closed the transport, which
			// may itself be holding the room lock.
			go s.transportClosed(roomID, peerID, transportID, err)
		})

		room.log.Debug().Str("peer_id", peerID.String()).Str("transport_id", transportID.String()).Str("direction", string(dir)).Msg("Transport created")
		params = t.Params()
		return nil
	})
	return params, err
}

func (s *CallService) ConnectTransport(ctx context.Context, peerID domain.PeerID, dir domain.Direction, params domain.ConnectParams) error {
	if !dir.Valid() {
		return domain.ErrInvalidDirection
	}
	return s.withPeer(peerID, func(room *Room, p *Peer) error {
		t := p.transport(dir)
		if t == nil {
			return domain.ErrTransportMissing
		}
		return t.Connect(ctx, params)
	})
}

func (s *CallService) Produce(ctx context.Context, peerID domain.PeerID, req domain.ProduceRequest) (domain.ProducerID, error) {
	if req.Kind != domain.KindAudio && req.Kind != domain.KindVideo {
		return "", domain.ErrInvalidKind
	}
	if !req.Tag.Valid() {
		return "", domain.ErrInvalidTag
	}

	var id domain.ProducerID
	err := s.withPeer(peerID, func(room *Room, p *Peer) error {
		if p.send == nil {
			return domain.ErrTransportMissing
		}
		producer, err := p.send.Produce(ctx, req)
		if err != nil {
			return err
		}

		id = producer.ID()
		info := domain.ProducerInfo{
			ProducerID: id,
			Kind:       producer.Kind(),
			Tag:        req.Tag,
			PeerID:     peerID,
		}
		p.producers[id] = &producerEntry{handle: producer, info: info}

		roomID := room.id
		producer.OnClose(func(err error) {
			go s.producerClosed(roomID, peerID, id, err)
		})

		room.log.Info().Str("peer_id", peerID.String()).Str("producer_id", id.String()).Str("kind", string(info.Kind)).Str("tag", string(info.Tag)).Msg("Producer created")
		room.broadcast(ctx, peerID, domain.NewProducerEvent(info))
		return nil
	})
	return id, err
}

func (s *CallService) Consume(ctx context.Context, peerID domain.PeerID, producerID domain.ProducerID, caps domain.RtpCapabilities) (domain.ConsumerInfo, error) {
	var info domain.ConsumerInfo
	err := s.withPeer(peerID, func(room *Room, p *Peer) error {
		if p.recv == nil {
			return domain.ErrTransportMissing
		}
		owner, pe := room.findProducer(producerID)
		if pe == nil {
			return domain.ErrProducerNotFound
		}
		if pe.handle.Closed() {
			room.closeProducer(ctx, owner, producerID)
			return domain.ErrProducerClosed
		}
		if !room.router.CanConsume(producerID, caps) {
			return domain.ErrIncompatibleCapabilities
		}

		consumer, err := p.recv.Consume(ctx, producerID, caps)
		if err != nil {
			return err
		}
		// The producer may have died inside the engine while we waited.
		if pe.handle.Closed() || consumer.Closed() {
			_ = consumer.Close()
			if pe.handle.Closed() {
				room.closeProducer(ctx, owner, producerID)
			}
			return domain.ErrProducerClosed
		}

		p.consumers[consumer.ID()] = &consumerEntry{handle: consumer, producerID: producerID}
		roomID, consumerID := room.id, consumer.ID()
		consumer.OnClose(func(err error) {
			go s.consumerClosed(roomID, peerID, consumerID, err)
		})
		info = domain.ConsumerInfo{
			ID:            consumer.ID(),
			ProducerID:    producerID,
			Kind:          consumer.Kind(),
			RtpParameters: consumer.RtpParameters(),
			Tag:           pe.info.Tag,
		}
		room.log.Debug().Str("peer_id", peerID.String()).Str("consumer_id", info.ID.String()).Str("producer_id", producerID.String()).Msg("Consumer created")
		return nil
	})
	return info, err
}

func (s *CallService) CloseProducer(ctx context.Context, peerID domain.PeerID, producerID domain.ProducerID) error {
	return s.withPeer(peerID, func(room *Room, p *Peer) error {
		if _, ok := p.producers[producerID]; !ok {
			return domain.ErrProducerNotFound
		}
		room.closeProducer(ctx, p, producerID)
		return nil
	})
}

// Leave tears the peer down completely. It is safe to call more than once.
func (s *CallService) Leave(ctx context.Context, peerID domain.PeerID) error {
	s.mu.Lock()
	roomID, ok := s.peerRooms[peerID]
	delete(s.peerRooms, peerID)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	room, ok := s.rooms.Lookup(roomID)
	if !ok {
		return nil
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	p, ok := room.peers[peerID]
	if !ok {
		return nil
	}
	room.closePeer(ctx, p)
	delete(room.peers, peerID)
	room.log.Info().Str("peer_id", peerID.String()).Int("peers", len(room.peers)).Msg("Peer left")

	s.rooms.removeIfEmpty(room)
	return nil
}

func (s *CallService) transportClosed(roomID domain.RoomID, peerID domain.PeerID, transportID domain.TransportID, cause error) {
	room, ok := s.rooms.Lookup(roomID)
	if !ok {
		return
	}
	room.mu.Lock()
	defer room.mu.Unlock()

	p, ok := room.peers[peerID]
	if !ok {
		return
	}
	for _, dir := range []domain.Direction{domain.DirectionSend, domain.DirectionRecv} {
		if t := p.transport(dir); t != nil && t.ID() == transportID {
			room.log.Warn().Err(cause).Str("peer_id", peerID.String()).Str("transport_id", transportID.String()).Msg("Transport closed by engine")
			room.dropTransport(context.Background(), p, dir)
		}
	}
}

// producerClosed handles a producer the engine closed on its own. One that
// the room already removed is left alone, so it is announced only once.
func (s *CallService) producerClosed(roomID domain.RoomID, peerID domain.PeerID, producerID domain.ProducerID, cause error) {
	room, ok := s.rooms.Lookup(roomID)
	if !ok {
		return
	}
	room.mu.Lock()
	defer room.mu.Unlock()

	p, ok := room.peers[peerID]
	if !ok {
		return
	}
	if _, ok := p.producers[producerID]; !ok {
		return
	}
	room.log.Warn().Err(cause).Str("peer_id", peerID.String()).Str("producer_id", producerID.String()).Msg("Producer closed by engine")
	room.closeProducer(context.Background(), p, producerID)
}

func (s *CallService) consumerClosed(roomID domain.RoomID, peerID domain.PeerID, consumerID domain.ConsumerID, cause error) {
	room, ok := s.rooms.Lookup(roomID)
	if !ok {
		return
	}
	room.mu.Lock()
	defer room.mu.Unlock()

	p, ok := room.peers[peerID]
	if !ok {
		return
	}
	if _, ok := p.consumers[consumerID]; !ok {
		return
	}
	delete(p.consumers, consumerID)
	room.log.Warn().Err(cause).Str("peer_id", peerID.String()).Str("consumer_id", consumerID.String()).Msg("Consumer closed by engine")
}

// withPeer runs fn with the peer's room locked.
func (s *CallService) withPeer(peerID domain.PeerID, fn func(room *Room, p *Peer) error) error {
	s.mu.Lock()
	roomID, ok := s.peerRooms[peerID]
	s.mu.Unlock()
	if !ok {
		return domain.ErrNotJoined
	}

	room, ok := s.rooms.Lookup(roomID)
	if !ok {
		return domain.ErrNotJoined
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	p, ok := room.peers[peerID]
	if !ok || p.state == domain.PeerClosed {
		return domain.ErrNotJoined
	}
	return fn(room, p)
}

func (s *CallService) Close() {
	s.rooms.Close()
	s.mu.Lock()
	s.peerRooms = make(map[domain.PeerID]domain.RoomID)
	s.mu.Unlock()
	log.Info().Msg("Call service closed")
}
