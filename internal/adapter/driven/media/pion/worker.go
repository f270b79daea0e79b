package pion

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Wyydra/callroom/internal/core/domain"
	"github.com/rs/zerolog/log"
)

// worker runs the engine operations of the routers pinned to it, one at a
// time. A panic inside a job kills the worker for good.
type worker struct {
	id      int
	jobs    chan func()
	routers atomic.Int32

	dead     chan struct{}
	deadOnce sync.Once
	quit     chan struct{}
	onDeath  func(id int, err error)
}

func newWorker(id int, onDeath func(int, error)) *worker {
	return &worker{
		id:      id,
		jobs:    make(chan func()),
		dead:    make(chan struct{}),
		quit:    make(chan struct{}),
		onDeath: onDeath,
	}
}

func (w *worker) run() {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("worker %d: %v", w.id, r)
			log.Error().Int("worker", w.id).Interface("panic", r).Msg("Media worker died")
			w.deadOnce.Do(func() { close(w.dead) })
			w.onDeath(w.id, err)
		}
	}()

	for {
		select {
		case <-w.quit:
			return
		case job := <-w.jobs:
			job()
		}
	}
}

func (w *worker) alive() bool {
	select {
	case <-w.dead:
		return false
	default:
		return true
	}
}

// do runs fn on the worker and waits for it. Waiting honours ctx so a busy
// worker never stalls a caller past its deadline.
func (w *worker) do(ctx context.Context, fn func() error) error {
	if !w.alive() {
		return domain.ErrWorkerDied
	}

	done := make(chan error, 1)
	job := func() { done <- fn() }

	select {
	case w.jobs <- job:
	case <-w.dead:
		return domain.ErrWorkerDied
	case <-w.quit:
		return domain.ErrEngineUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-w.dead:
		return domain.ErrWorkerDied
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *worker) stop() {
	select {
	case <-w.quit:
	default:
		close(w.quit)
	}
}
