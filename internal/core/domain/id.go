package domain

import (
	"github.com/google/uuid"
)

// RoomID is supplied by the caller and never generated here.
type RoomID string

type PeerID string
type TransportID string
type ProducerID string
type ConsumerID string

func NewPeerID() PeerID {
	return PeerID(uuid.New().String())
}

func NewTransportID() TransportID {
	return TransportID(uuid.New().String())
}

func NewProducerID() ProducerID {
	return ProducerID(uuid.New().String())
}

func NewConsumerID() ConsumerID {
	return ConsumerID(uuid.New().String())
}

func (id RoomID) String() string      { return string(id) }
func (id PeerID) String() string      { return string(id) }
func (id TransportID) String() string { return string(id) }
func (id ProducerID) String() string  { return string(id) }
func (id ConsumerID) String() string  { return string(id) }
