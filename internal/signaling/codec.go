package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// SubprotocolMsgpack selects the MessagePack codec during the websocket
// handshake. Without it frames are JSON text.
const SubprotocolMsgpack = "callroom.msgpack"

type Codec interface {
	Name() string
	// FrameType is the websocket message type frames are written with.
	FrameType() int
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Encode(m Message) ([]byte, error)
	Decode(frame []byte) (Message, error)
}

var (
	JSON    Codec = jsonCodec{}
	Msgpack Codec = msgpackCodec{}
)

// CodecFor picks the codec for a negotiated subprotocol.
func CodecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolMsgpack {
		return Msgpack
	}
	return JSON
}

type jsonFrame struct {
	ID    uint64          `json:"id,omitempty"`
	Type  Type            `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) FrameType() int                     { return websocket.TextMessage }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Encode(m Message) ([]byte, error) {
	return json.Marshal(jsonFrame{ID: m.ID, Type: m.Type, Data: m.Data, Error: m.Error})
}

func (jsonCodec) Decode(frame []byte) (Message, error) {
	var f jsonFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return Message{}, fmt.Errorf("decode json frame: %w", err)
	}
	if f.Type == "" {
		return Message{}, fmt.Errorf("decode json frame: missing type")
	}
	return Message{ID: f.ID, Type: f.Type, Data: f.Data, Error: f.Error}, nil
}

type msgpackFrame struct {
	ID    uint64             `msgpack:"id,omitempty"`
	Type  Type               `msgpack:"type"`
	Data  msgpack.RawMessage `msgpack:"data,omitempty"`
	Error *Error             `msgpack:"error,omitempty"`
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string                       { return "msgpack" }
func (msgpackCodec) FrameType() int                     { return websocket.BinaryMessage }
func (msgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (msgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

func (msgpackCodec) Encode(m Message) ([]byte, error) {
	return msgpack.Marshal(msgpackFrame{ID: m.ID, Type: m.Type, Data: m.Data, Error: m.Error})
}

func (msgpackCodec) Decode(frame []byte) (Message, error) {
	var f msgpackFrame
	if err := msgpack.Unmarshal(frame, &f); err != nil {
		return Message{}, fmt.Errorf("decode msgpack frame: %w", err)
	}
	if f.Type == "" {
		return Message{}, fmt.Errorf("decode msgpack frame: missing type")
	}
	return Message{ID: f.ID, Type: f.Type, Data: f.Data, Error: f.Error}, nil
}

// NewMessage encodes payload with c into a frame of type t.
func NewMessage(c Codec, id uint64, t Type, payload any) (Message, error) {
	if payload == nil {
		payload = Empty{}
	}
	data, err := c.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Message{ID: id, Type: t, Data: data}, nil
}

// ErrorMessage answers req with err.
func ErrorMessage(req Message, err error) Message {
	return Message{ID: req.ID, Type: req.Type, Error: NewError(err)}
}

// DecodeData decodes m's payload into v. An empty payload leaves v untouched.
func DecodeData(c Codec, m Message, v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	if err := c.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}
