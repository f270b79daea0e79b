package domain

import "errors"

// Negotiation errors. They are reported to the requesting peer only.
var (
	ErrNotJoined                = errors.New("peer has not joined a room")
	ErrAlreadyJoined            = errors.New("peer already joined another room")
	ErrRoomFull                 = errors.New("room is full")
	ErrTransportMissing         = errors.New("transport not created")
	ErrProducerNotFound         = errors.New("producer not found")
	ErrProducerClosed           = errors.New("producer closed")
	ErrIncompatibleCapabilities = errors.New("capabilities cannot consume producer")
	ErrInvalidDirection         = errors.New("invalid transport direction")
	ErrInvalidKind              = errors.New("invalid media kind")
	ErrInvalidTag               = errors.New("invalid media tag")
	ErrInvalidRoomID            = errors.New("invalid room id")
	ErrPeerClosed               = errors.New("peer session closed")
)

// Engine errors.
var (
	ErrEngineUnavailable = errors.New("media engine unavailable")
	ErrWorkerDied        = errors.New("media engine worker died")
	ErrTransportClosed   = errors.New("transport closed")
	ErrRouterClosed      = errors.New("router closed")
)
