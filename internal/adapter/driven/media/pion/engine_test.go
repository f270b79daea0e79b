package pion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Wyydra/callroom/internal/core/domain"
)

func newTestEngine(t *testing.T, workers int) *Engine {
	t.Helper()
	e, err := NewEngine(Config{Workers: workers})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestRoutersSpreadAcrossWorkers(t *testing.T) {
	e := newTestEngine(t, 2)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := e.CreateRouter(ctx); err != nil {
			t.Fatalf("CreateRouter: %v", err)
		}
	}
	for _, l := range e.Loads() {
		if l.Routers != 2 {
			t.Errorf("worker %d has %d routers, want 2", l.ID, l.Routers)
		}
	}
}

func TestRouterCloseReleasesWorker(t *testing.T) {
	e := newTestEngine(t, 1)
	r, err := e.CreateRouter(context.Background())
	if err != nil {
		t.Fatalf("CreateRouter: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !r.Closed() {
		t.Error("router should report closed")
	}
	if got := e.Loads()[0].Routers; got != 0 {
		t.Errorf("worker still holds %d routers", got)
	}
	if _, err := r.CreateTransport(context.Background(), domain.DirectionSend); !errors.Is(err, domain.ErrRouterClosed) {
		t.Errorf("expected ErrRouterClosed, got %v", err)
	}
}

func TestWorkerPanicSignalsDeath(t *testing.T) {
	e := newTestEngine(t, 1)
	w := e.workers[0]

	err := w.do(context.Background(), func() error { panic("boom") })
	if !errors.Is(err, domain.ErrWorkerDied) {
		t.Fatalf("expected ErrWorkerDied, got %v", err)
	}

	select {
	case err := <-e.Died():
		if err == nil {
			t.Error("death should carry the cause")
		}
	case <-time.After(time.Second):
		t.Fatal("engine did not report the dead worker")
	}

	if _, err := e.CreateRouter(context.Background()); !errors.Is(err, domain.ErrEngineUnavailable) {
		t.Errorf("expected ErrEngineUnavailable with no live workers, got %v", err)
	}
}

func TestCreateTransportRejectsBadDirection(t *testing.T) {
	e := newTestEngine(t, 1)
	r, err := e.CreateRouter(context.Background())
	if err != nil {
		t.Fatalf("CreateRouter: %v", err)
	}
	if _, err := r.CreateTransport(context.Background(), domain.Direction("sideways")); !errors.Is(err, domain.ErrInvalidDirection) {
		t.Errorf("expected ErrInvalidDirection, got %v", err)
	}
}
