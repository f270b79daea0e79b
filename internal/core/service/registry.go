package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Wyydra/callroom/internal/core/domain"
	"github.com/Wyydra/callroom/internal/core/port"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Registry is the process-wide table of active rooms.
//
// Lock order is room.mu before Registry.mu. Removing the last peer drops the
// entry while the room lock is held, and the router is closed only after
// that, so a closed router is never reachable by id.
type Registry struct {
	engine  port.MediaEngine
	gateway port.RealTimeGateway

	mu       sync.Mutex
	rooms    map[domain.RoomID]*Room
	creating singleflight.Group
}

func NewRegistry(engine port.MediaEngine, gateway port.RealTimeGateway) *Registry {
	return &Registry{
		engine:  engine,
		gateway: gateway,
		rooms:   make(map[domain.RoomID]*Room),
	}
}

// GetOrCreate returns the live room for id, creating its router on first use.
// Concurrent callers for the same id share one router creation.
func (r *Registry) GetOrCreate(ctx context.Context, id domain.RoomID) (*Room, error) {
	if room, ok := r.Lookup(id); ok {
		return room, nil
	}

	v, err, _ := r.creating.Do(string(id), func() (any, error) {
		if room, ok := r.Lookup(id); ok {
			return room, nil
		}
		router, err := r.engine.CreateRouter(ctx)
		if err != nil {
			return nil, fmt.Errorf("create router for room %s: %w", id, err)
		}
		room := newRoom(id, router, r.gateway)

		r.mu.Lock()
		r.rooms[id] = room
		r.mu.Unlock()

		log.Info().Str("room_id", id.String()).Str("router_id", router.ID()).Msg("Room created")
		return room, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Room), nil
}

func (r *Registry) Lookup(id domain.RoomID) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[id]
	return room, ok
}

// removeIfEmpty must be called with room.mu held, after every peer removal.
func (r *Registry) removeIfEmpty(room *Room) bool {
	if len(room.peers) > 0 || room.closed {
		return false
	}

	r.mu.Lock()
	if r.rooms[room.id] == room {
		delete(r.rooms, room.id)
	}
	r.mu.Unlock()

	room.closed = true
	if err := room.router.Close(); err != nil {
		room.log.Warn().Err(err).Msg("Engine failed to close router")
	}
	room.log.Info().Msg("Room destroyed")
	return true
}

type RoomStats struct {
	ID        domain.RoomID `json:"id"`
	Peers     int           `json:"peers"`
	Producers int           `json:"producers"`
	Consumers int           `json:"consumers"`
}

// Stats snapshots every room, sorted by id.
func (r *Registry) Stats() []RoomStats {
	r.mu.Lock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.Unlock()

	stats := make([]RoomStats, 0, len(rooms))
	for _, room := range rooms {
		room.mu.Lock()
		st := RoomStats{ID: room.id, Peers: len(room.peers)}
		for _, p := range room.peers {
			st.Producers += len(p.producers)
			st.Consumers += len(p.consumers)
		}
		room.mu.Unlock()
		stats = append(stats, st)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].ID < stats[j].ID })
	return stats
}

// Close tears down every room on shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.Unlock()

	ctx := context.Background()
	for _, room := range rooms {
		room.mu.Lock()
		for id, p := range room.peers {
			room.closePeer(ctx, p)
			delete(room.peers, id)
		}
		r.removeIfEmpty(room)
		room.mu.Unlock()
	}
}
