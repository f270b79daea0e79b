package port

import (
	"context"

	"github.com/Wyydra/callroom/internal/core/domain"
)

// MediaEngine is the façade over the selective forwarding engine.
// It performs no buffering or retry of its own.
type MediaEngine interface {
	CreateRouter(ctx context.Context) (Router, error)
	// Died yields once if a worker terminates unexpectedly.
	Died() <-chan error
	Close() error
}

// Router is the per-room routing context.
type Router interface {
	ID() string
	RtpCapabilities() domain.RtpCapabilities
	CanConsume(producerID domain.ProducerID, caps domain.RtpCapabilities) bool
	CreateTransport(ctx context.Context, dir domain.Direction) (Transport, error)
	Close() error
	Closed() bool
}

type Transport interface {
	ID() domain.TransportID
	Direction() domain.Direction
	Params() domain.TransportParams
	Connect(ctx context.Context, params domain.ConnectParams) error
	Produce(ctx context.Context, req domain.ProduceRequest) (Producer, error)
	Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RtpCapabilities) (Consumer, error)
	// Close closes every producer and consumer created on the transport.
	Close() error
	Closed() bool
	// OnClose registers fn to run once when the transport closes, with the
	// error that caused it or nil for an explicit Close.
	OnClose(fn func(err error))
}

type Producer interface {
	ID() domain.ProducerID
	Kind() domain.Kind
	RtpParameters() domain.RtpParameters
	Close() error
	Closed() bool
	// OnClose registers fn to run once when the engine or Close ends it,
	// with the cause or nil.
	OnClose(fn func(err error))
}

type Consumer interface {
	ID() domain.ConsumerID
	ProducerID() domain.ProducerID
	Kind() domain.Kind
	RtpParameters() domain.RtpParameters
	Close() error
	Closed() bool
	// OnClose registers fn to run once when the engine or Close ends it,
	// with the cause or nil.
	OnClose(fn func(err error))
}
