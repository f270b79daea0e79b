package pion

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/Wyydra/callroom/internal/core/domain"
	"github.com/Wyydra/callroom/internal/core/port"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// Workers is the size of the fixed worker pool. Zero means NumCPU.
	Workers int
	MinPort uint16
	MaxPort uint16
	// AnnouncedIPs replace the host candidate addresses, for servers behind 1:1 NAT.
	AnnouncedIPs  []string
	GatherTimeout time.Duration
}

// Engine is a selective forwarding engine built on pion's ORTC objects.
type Engine struct {
	api           *webrtc.API
	gatherTimeout time.Duration
	workers       []*worker

	died    chan error
	dieOnce sync.Once
	mu      sync.Mutex
	routers map[string]*Router
	closed  bool
}

var _ port.MediaEngine = (*Engine)(nil)

func NewEngine(cfg Config) (*Engine, error) {
	m, err := newMediaEngine()
	if err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	s := webrtc.SettingEngine{}
	s.SetLite(true)
	if cfg.MinPort > 0 && cfg.MaxPort >= cfg.MinPort {
		if err := s.SetEphemeralUDPPortRange(cfg.MinPort, cfg.MaxPort); err != nil {
			return nil, fmt.Errorf("udp port range %d-%d: %w", cfg.MinPort, cfg.MaxPort, err)
		}
	}
	if len(cfg.AnnouncedIPs) > 0 {
		s.SetNAT1To1IPs(cfg.AnnouncedIPs, webrtc.ICECandidateTypeHost)
	}

	n := cfg.Workers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	gather := cfg.GatherTimeout
	if gather <= 0 {
		gather = 2 * time.Second
	}

	e := &Engine{
		api:           webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(s)),
		gatherTimeout: gather,
		died:          make(chan error, 1),
		routers:       make(map[string]*Router),
	}
	for i := 0; i < n; i++ {
		w := newWorker(i+1, e.workerDied)
		e.workers = append(e.workers, w)
		go w.run()
	}

	log.Info().Int("workers", n).Uint16("min_port", cfg.MinPort).Uint16("max_port", cfg.MaxPort).Msg("Media engine started")
	return e, nil
}

func (e *Engine) workerDied(id int, err error) {
	e.dieOnce.Do(func() {
		e.died <- err
	})
}

func (e *Engine) Died() <-chan error { return e.died }

// pickWorker returns the live worker with the fewest routers.
func (e *Engine) pickWorker() (*worker, error) {
	var best *worker
	for _, w := range e.workers {
		if !w.alive() {
			continue
		}
		if best == nil || w.routers.Load() < best.routers.Load() {
			best = w
		}
	}
	if best == nil {
		return nil, domain.ErrEngineUnavailable
	}
	return best, nil
}

func (e *Engine) CreateRouter(ctx context.Context) (port.Router, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, domain.ErrEngineUnavailable
	}

	w, err := e.pickWorker()
	if err != nil {
		return nil, err
	}

	r := &Router{
		id:         uuid.New().String(),
		engine:     e,
		worker:     w,
		transports: make(map[domain.TransportID]*Transport),
		producers:  make(map[domain.ProducerID]*Producer),
	}
	err = w.do(ctx, func() error {
		w.routers.Add(1)
		e.mu.Lock()
		e.routers[r.id] = r
		e.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Debug().Str("router_id", r.id).Int("worker", w.id).Msg("Router created")
	return r, nil
}

type WorkerLoad struct {
	ID      int  `json:"id"`
	Routers int  `json:"routers"`
	Alive   bool `json:"alive"`
}

func (e *Engine) Loads() []WorkerLoad {
	loads := make([]WorkerLoad, 0, len(e.workers))
	for _, w := range e.workers {
		loads = append(loads, WorkerLoad{ID: w.id, Routers: int(w.routers.Load()), Alive: w.alive()})
	}
	return loads
}

func (e *Engine) forgetRouter(id string) {
	e.mu.Lock()
	delete(e.routers, id)
	e.mu.Unlock()
}

func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	routers := make([]*Router, 0, len(e.routers))
	for _, r := range e.routers {
		routers = append(routers, r)
	}
	e.mu.Unlock()

	var errs []error
	for _, r := range routers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, w := range e.workers {
		w.stop()
	}
	log.Info().Msg("Media engine stopped")
	return errors.Join(errs...)
}
