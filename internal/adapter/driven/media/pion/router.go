package pion

import (
	"context"
	"errors"
	"sync"

	"github.com/Wyydra/callroom/internal/core/domain"
	"github.com/Wyydra/callroom/internal/core/port"
	"github.com/rs/zerolog/log"
)

// Router is one room's routing context. Operations that build engine
// objects run on the router's worker; Close runs inline so teardown works
// even after the worker died.
type Router struct {
	id     string
	engine *Engine
	worker *worker

	mu         sync.Mutex
	closed     bool
	transports map[domain.TransportID]*Transport
	producers  map[domain.ProducerID]*Producer
}

var _ port.Router = (*Router)(nil)

func (r *Router) ID() string { return r.id }

func (r *Router) RtpCapabilities() domain.RtpCapabilities {
	return routerCapabilities()
}

// CanConsume reports whether caps can receive the producer's codec.
func (r *Router) CanConsume(producerID domain.ProducerID, caps domain.RtpCapabilities) bool {
	r.mu.Lock()
	p, ok := r.producers[producerID]
	r.mu.Unlock()
	if !ok || p.Closed() {
		return false
	}
	_, ok = caps.Lookup(p.codec.capability())
	return ok
}

func (r *Router) CreateTransport(ctx context.Context, dir domain.Direction) (port.Transport, error) {
	if !dir.Valid() {
		return nil, domain.ErrInvalidDirection
	}
	if r.Closed() {
		return nil, domain.ErrRouterClosed
	}

	var t *Transport
	err := r.worker.do(ctx, func() error {
		var err error
		t, err = newTransport(r, dir)
		return err
	})
	if err != nil {
		return nil, err
	}

	// Gathering is waited for off the worker so other routers keep moving.
	if err := t.awaitGathering(ctx, r.engine.gatherTimeout); err != nil {
		t.Close()
		return nil, err
	}

	err = r.worker.do(ctx, func() error {
		if err := t.setup(); err != nil {
			return err
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			return domain.ErrRouterClosed
		}
		r.transports[t.id] = t
		return nil
	})
	if err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

func (r *Router) producer(id domain.ProducerID) *Producer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.producers[id]
}

func (r *Router) addProducer(p *Producer) {
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
}

func (r *Router) removeProducer(id domain.ProducerID) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *Router) removeTransport(id domain.TransportID) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}

func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.Unlock()

	var errs []error
	for _, t := range transports {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.worker.routers.Add(-1)
	r.engine.forgetRouter(r.id)
	log.Debug().Str("router_id", r.id).Msg("Router closed")
	return errors.Join(errs...)
}

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
