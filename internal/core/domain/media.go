package domain

import (
	"fmt"
	"strings"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(s)); k {
	case KindAudio, KindVideo:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

// MediaTag labels a producer for the UI. The routing layer ignores it.
type MediaTag string

const (
	TagCamera MediaTag = "camera"
	TagScreen MediaTag = "screen"
	TagMic    MediaTag = "mic"
)

func (t MediaTag) Kind() Kind {
	if t == TagMic {
		return KindAudio
	}
	return KindVideo
}

func (t MediaTag) Valid() bool {
	return t == TagCamera || t == TagScreen || t == TagMic
}

type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

func (d Direction) Valid() bool {
	return d == DirectionSend || d == DirectionRecv
}

type CodecCapability struct {
	Kind                 Kind   `json:"kind" msgpack:"kind"`
	MimeType             string `json:"mimeType" msgpack:"mimeType"`
	ClockRate            uint32 `json:"clockRate" msgpack:"clockRate"`
	Channels             uint16 `json:"channels,omitempty" msgpack:"channels,omitempty"`
	PreferredPayloadType uint8  `json:"preferredPayloadType" msgpack:"preferredPayloadType"`
	SDPFmtpLine          string `json:"sdpFmtpLine,omitempty" msgpack:"sdpFmtpLine,omitempty"`
}

// Matches compares mime type (case-insensitive), clock rate and channels.
func (c CodecCapability) Matches(o CodecCapability) bool {
	return strings.EqualFold(c.MimeType, o.MimeType) && c.ClockRate == o.ClockRate && c.Channels == o.Channels
}

type RtpCapabilities struct {
	Codecs []CodecCapability `json:"codecs" msgpack:"codecs"`
}

// Lookup returns the capability matching codec, if any.
func (c RtpCapabilities) Lookup(codec CodecCapability) (CodecCapability, bool) {
	for _, cc := range c.Codecs {
		if cc.Kind == codec.Kind && cc.Matches(codec) {
			return cc, true
		}
	}
	return CodecCapability{}, false
}

func (c RtpCapabilities) Empty() bool { return len(c.Codecs) == 0 }

type CodecParameters struct {
	MimeType    string `json:"mimeType" msgpack:"mimeType"`
	PayloadType uint8  `json:"payloadType" msgpack:"payloadType"`
	ClockRate   uint32 `json:"clockRate" msgpack:"clockRate"`
	Channels    uint16 `json:"channels,omitempty" msgpack:"channels,omitempty"`
	SDPFmtpLine string `json:"sdpFmtpLine,omitempty" msgpack:"sdpFmtpLine,omitempty"`
}

type Encoding struct {
	SSRC uint32 `json:"ssrc" msgpack:"ssrc"`
	RID  string `json:"rid,omitempty" msgpack:"rid,omitempty"`
}

type RtpParameters struct {
	MID       string            `json:"mid,omitempty" msgpack:"mid,omitempty"`
	Codecs    []CodecParameters `json:"codecs" msgpack:"codecs"`
	Encodings []Encoding        `json:"encodings" msgpack:"encodings"`
}

// PrimaryCodec is the first listed codec, the one media is sent with.
func (p RtpParameters) PrimaryCodec() (CodecParameters, bool) {
	if len(p.Codecs) == 0 {
		return CodecParameters{}, false
	}
	return p.Codecs[0], true
}

type IceParameters struct {
	UsernameFragment string `json:"usernameFragment" msgpack:"usernameFragment"`
	Password         string `json:"password" msgpack:"password"`
	IceLite          bool   `json:"iceLite,omitempty" msgpack:"iceLite,omitempty"`
}

type IceCandidate struct {
	Foundation string `json:"foundation" msgpack:"foundation"`
	Priority   uint32 `json:"priority" msgpack:"priority"`
	IP         string `json:"ip" msgpack:"ip"`
	Port       uint16 `json:"port" msgpack:"port"`
	Protocol   string `json:"protocol" msgpack:"protocol"`
	Type       string `json:"type" msgpack:"type"`
	TCPType    string `json:"tcpType,omitempty" msgpack:"tcpType,omitempty"`
}

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm" msgpack:"algorithm"`
	Value     string `json:"value" msgpack:"value"`
}

type DtlsParameters struct {
	Role         string            `json:"role,omitempty" msgpack:"role,omitempty"`
	Fingerprints []DtlsFingerprint `json:"fingerprints" msgpack:"fingerprints"`
}

// TransportParams is what a client needs to reach a server transport.
type TransportParams struct {
	ID             TransportID    `json:"id" msgpack:"id"`
	IceParameters  IceParameters  `json:"iceParameters" msgpack:"iceParameters"`
	IceCandidates  []IceCandidate `json:"iceCandidates" msgpack:"iceCandidates"`
	DtlsParameters DtlsParameters `json:"dtlsParameters" msgpack:"dtlsParameters"`
}

type ConnectParams struct {
	DtlsParameters DtlsParameters `json:"dtlsParameters" msgpack:"dtlsParameters"`
	IceParameters  IceParameters  `json:"iceParameters" msgpack:"iceParameters"`
}

type ProduceRequest struct {
	Kind          Kind          `json:"kind" msgpack:"kind"`
	RtpParameters RtpParameters `json:"rtpParameters" msgpack:"rtpParameters"`
	Tag           MediaTag      `json:"mediaTag" msgpack:"mediaTag"`
}

// ProducerInfo describes an active producer to other peers.
type ProducerInfo struct {
	ProducerID ProducerID `json:"producerId" msgpack:"producerId"`
	Kind       Kind       `json:"kind" msgpack:"kind"`
	Tag        MediaTag   `json:"mediaTag" msgpack:"mediaTag"`
	PeerID     PeerID     `json:"peerId" msgpack:"peerId"`
}

type ConsumerInfo struct {
	ID            ConsumerID    `json:"id" msgpack:"id"`
	ProducerID    ProducerID    `json:"producerId" msgpack:"producerId"`
	Kind          Kind          `json:"kind" msgpack:"kind"`
	RtpParameters RtpParameters `json:"rtpParameters" msgpack:"rtpParameters"`
	Tag           MediaTag      `json:"mediaTag" msgpack:"mediaTag"`
}
