package port

import (
	"context"

	"github.com/Wyydra/callroom/internal/core/domain"
)

// RealTimeGateway delivers server notifications to connected peers.
type RealTimeGateway interface {
	Notify(ctx context.Context, peerID domain.PeerID, event domain.Event) error
}
