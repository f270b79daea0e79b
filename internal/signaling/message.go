// Package signaling defines the websocket wire protocol shared by the
// server and the headless client.
package signaling

import (
	"github.com/Wyydra/callroom/internal/core/domain"
)

type Type string

// Requests.
const (
	TypeJoinRoom             Type = "joinRoom"
	TypeGetRouterCaps        Type = "getRouterRtpCapabilities"
	TypeGetExistingProducers Type = "getExistingProducers"
	TypeCreateTransport      Type = "createTransport"
	TypeCreateRecvTransport  Type = "createRecvTransport"
	TypeTransportConnect     Type = "transportConnect"
	TypeRecvTransportConnect Type = "recvTransportConnect"
	TypeTransportProduce     Type = "transportProduce"
	TypeConsume              Type = "consume"
	TypeCloseProducer        Type = "closeProducer"
	TypeLeaveRoom            Type = "leaveRoom"
)

// Notifications.
const (
	TypeNewProducer    = Type(domain.EventNewProducer)
	TypeProducerClosed = Type(domain.EventProducerClosed)
	TypeError          Type = "error"
)

// Message is one frame. Data holds the payload encoded with the codec of the
// connection it travels on.
type Message struct {
	ID    uint64
	Type  Type
	Data  []byte
	Error *Error
}

// IsNotification reports whether m was pushed by the server unasked.
func (m Message) IsNotification() bool { return m.ID == 0 }

type JoinRoomRequest struct {
	RoomID domain.RoomID `json:"roomId" msgpack:"roomId"`
}

type JoinRoomResponse struct {
	RtpCapabilities domain.RtpCapabilities `json:"rtpCapabilities" msgpack:"rtpCapabilities"`
	Producers       []domain.ProducerInfo  `json:"producers" msgpack:"producers"`
}

type CapabilitiesResponse struct {
	RtpCapabilities domain.RtpCapabilities `json:"rtpCapabilities" msgpack:"rtpCapabilities"`
}

type ProducersResponse struct {
	Producers []domain.ProducerInfo `json:"producers" msgpack:"producers"`
}

type ProduceResponse struct {
	ID domain.ProducerID `json:"id" msgpack:"id"`
}

type ConsumeRequest struct {
	ProducerID      domain.ProducerID      `json:"producerId" msgpack:"producerId"`
	RtpCapabilities domain.RtpCapabilities `json:"rtpCapabilities" msgpack:"rtpCapabilities"`
}

type CloseProducerRequest struct {
	ProducerID domain.ProducerID `json:"producerId" msgpack:"producerId"`
}

type Empty struct{}
