package ws

import (
	"context"
	"errors"
	"testing"

	"github.com/Wyydra/callroom/internal/core/domain"
)

type stubClient struct {
	id     domain.PeerID
	events []domain.Event
	err    error
	closed bool
}

func (c *stubClient) ID() domain.PeerID { return c.id }
func (c *stubClient) Close() error      { c.closed = true; return nil }

func (c *stubClient) Send(e domain.Event) error {
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, e)
	return nil
}

func TestHubNotify(t *testing.T) {
	h := NewHub()
	a := &stubClient{id: "a"}
	h.Register(a)

	ev := domain.ProducerClosedEvent("p1")
	if err := h.Notify(context.Background(), "a", ev); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(a.events) != 1 || a.events[0].Type != domain.EventProducerClosed {
		t.Errorf("unexpected events: %+v", a.events)
	}
	if err := h.Notify(context.Background(), "missing", ev); !errors.Is(err, ErrClientGone) {
		t.Errorf("expected ErrClientGone, got %v", err)
	}
}

func TestHubUnregisterKeepsReplacement(t *testing.T) {
	h := NewHub()
	old := &stubClient{id: "a"}
	replacement := &stubClient{id: "a"}
	h.Register(old)
	h.Register(replacement)

	h.Unregister(old)
	if h.Count() != 1 {
		t.Fatalf("replacement should stay registered, count=%d", h.Count())
	}
	h.Unregister(replacement)
	if h.Count() != 0 {
		t.Errorf("count=%d, want 0", h.Count())
	}
}

func TestHubStopClosesClients(t *testing.T) {
	h := NewHub()
	a := &stubClient{id: "a"}
	h.Register(a)
	h.Stop()

	if !a.closed {
		t.Error("client should be closed")
	}
	if h.Register(&stubClient{id: "b"}) {
		t.Error("stopped hub must refuse registrations")
	}
}
