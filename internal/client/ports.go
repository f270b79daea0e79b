package client

import (
	"context"

	"github.com/Wyydra/callroom/internal/core/domain"
	"github.com/Wyydra/callroom/internal/signaling"
)

// Signaler is the persistent request/response connection to the server.
type Signaler interface {
	// Request sends payload as a t request and decodes the reply into out.
	Request(ctx context.Context, t signaling.Type, payload, out any) error
	// Events yields server notifications with Data decoded to
	// domain.ProducerInfo or domain.ProducerClosed. It is closed when the
	// connection ends.
	Events() <-chan domain.Event
	Close() error
}

// Device negotiates media on the client side of the transports.
type Device interface {
	Load(ctx context.Context, routerCaps domain.RtpCapabilities) error
	Loaded() bool
	// RtpCapabilities is what this device can receive. Valid once loaded.
	RtpCapabilities() domain.RtpCapabilities
	CreateSendTransport(params domain.TransportParams) (SendTransport, error)
	CreateRecvTransport(params domain.TransportParams) (RecvTransport, error)
}

type LocalTransport interface {
	// ConnectParams are sent to the server with transportConnect.
	ConnectParams() domain.ConnectParams
	// Start begins connectivity checks and the DTLS handshake. It does not
	// wait for them to finish.
	Start(ctx context.Context) error
	Close() error
}

type SendTransport interface {
	LocalTransport
	// Produce binds track to the transport. The returned producer carries
	// the RTP parameters announced with transportProduce.
	Produce(ctx context.Context, track LocalTrack) (LocalProducer, error)
}

type RecvTransport interface {
	LocalTransport
	Consume(ctx context.Context, consumer domain.ConsumerInfo) (RemoteTrack, error)
}

type LocalProducer interface {
	RtpParameters() domain.RtpParameters
	Close() error
}

type RemoteTrack interface {
	Consumer() domain.ConsumerInfo
	Close() error
}

// CaptureDevices acquires local media. Acquire must honour ctx.
type CaptureDevices interface {
	Acquire(ctx context.Context, tag domain.MediaTag) (LocalTrack, error)
}

type LocalTrack interface {
	Kind() domain.Kind
	// Ended is closed when the source stops on its own, e.g. the user ends
	// a screen share from the system UI.
	Ended() <-chan struct{}
	Stop()
}
