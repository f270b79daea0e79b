package port

import "github.com/Wyydra/callroom/internal/core/domain"

// Client is one persistent signaling connection.
type Client interface {
	ID() domain.PeerID
	Send(event domain.Event) error
	Close() error
}
