package pion

import (
	"strings"

	"github.com/Wyydra/callroom/internal/core/domain"
	"github.com/pion/webrtc/v4"
)

type routerCodec struct {
	kind   domain.Kind
	params webrtc.RTPCodecParameters
}

var videoFeedback = []webrtc.RTCPFeedback{
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "goog-remb"},
}

// routerCodecs is the codec set every router offers.
var routerCodecs = []routerCodec{
	{
		kind: domain.KindAudio,
		params: webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeOpus,
				ClockRate:   48000,
				Channels:    2,
				SDPFmtpLine: "minptime=10;useinbandfec=1",
			},
			PayloadType: 111,
		},
	},
	{
		kind: domain.KindVideo,
		params: webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeVP8,
				ClockRate:    90000,
				RTCPFeedback: videoFeedback,
			},
			PayloadType: 96,
		},
	},
}

func newMediaEngine() (*webrtc.MediaEngine, error) {
	m := &webrtc.MediaEngine{}
	for _, c := range routerCodecs {
		if err := m.RegisterCodec(c.params, pionKind(c.kind)); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func routerCapabilities() domain.RtpCapabilities {
	caps := domain.RtpCapabilities{Codecs: make([]domain.CodecCapability, 0, len(routerCodecs))}
	for _, c := range routerCodecs {
		caps.Codecs = append(caps.Codecs, c.capability())
	}
	return caps
}

// lookupCodec finds the router codec a producer's parameters refer to.
func lookupCodec(kind domain.Kind, p domain.CodecParameters) (routerCodec, bool) {
	for _, c := range routerCodecs {
		if c.kind != kind {
			continue
		}
		if strings.EqualFold(c.params.MimeType, p.MimeType) && c.params.ClockRate == p.ClockRate {
			return c, true
		}
	}
	return routerCodec{}, false
}

func (c routerCodec) capability() domain.CodecCapability {
	return domain.CodecCapability{
		Kind:                 c.kind,
		MimeType:             c.params.MimeType,
		ClockRate:            c.params.ClockRate,
		Channels:             c.params.Channels,
		PreferredPayloadType: uint8(c.params.PayloadType),
		SDPFmtpLine:          c.params.SDPFmtpLine,
	}
}

func (c routerCodec) parameters() domain.CodecParameters {
	return domain.CodecParameters{
		MimeType:    c.params.MimeType,
		PayloadType: uint8(c.params.PayloadType),
		ClockRate:   c.params.ClockRate,
		Channels:    c.params.Channels,
		SDPFmtpLine: c.params.SDPFmtpLine,
	}
}

func pionKind(k domain.Kind) webrtc.RTPCodecType {
	if k == domain.KindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

func iceCandidates(cs []webrtc.ICECandidate) []domain.IceCandidate {
	out := make([]domain.IceCandidate, 0, len(cs))
	for _, c := range cs {
		out = append(out, domain.IceCandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Port:       c.Port,
			Protocol:   c.Protocol.String(),
			Type:       c.Typ.String(),
			TCPType:    c.TCPType,
		})
	}
	return out
}

func dtlsParameters(p webrtc.DTLSParameters) domain.DtlsParameters {
	out := domain.DtlsParameters{Role: p.Role.String()}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, domain.DtlsFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func remoteDTLS(p domain.DtlsParameters) webrtc.DTLSParameters {
	out := webrtc.DTLSParameters{Role: webrtc.DTLSRoleAuto}
	switch strings.ToLower(p.Role) {
	case "client":
		out.Role = webrtc.DTLSRoleClient
	case "server":
		out.Role = webrtc.DTLSRoleServer
	}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}
