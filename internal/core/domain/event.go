package domain

type EventType string

const (
	EventNewProducer    EventType = "newProducer"
	EventProducerClosed EventType = "producerClosed"
)

// Event is a server-initiated notification addressed to one peer.
type Event struct {
	Type EventType
	Data any
}

type ProducerClosed struct {
	ProducerID ProducerID `json:"producerId" msgpack:"producerId"`
}

func NewProducerEvent(info ProducerInfo) Event {
	return Event{Type: EventNewProducer, Data: info}
}

func ProducerClosedEvent(id ProducerID) Event {
	return Event{Type: EventProducerClosed, Data: ProducerClosed{ProducerID: id}}
}
