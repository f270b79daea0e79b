package ortc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Wyydra/callroom/internal/client"
	"github.com/Wyydra/callroom/internal/core/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Transport is the client half of one server transport.
type Transport struct {
	id       domain.TransportID
	api      *webrtc.API
	remote   domain.TransportParams
	local    domain.ConnectParams
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	startOnce sync.Once
	connected chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

var (
	_ client.SendTransport = (*Transport)(nil)
	_ client.RecvTransport = (*Transport)(nil)
)

func (t *Transport) ConnectParams() domain.ConnectParams { return t.local }

// Connected is closed once DTLS is up.
func (t *Transport) Connected() <-chan struct{} { return t.connected }

func (t *Transport) Start(ctx context.Context) error {
	candidates, err := remoteCandidates(t.remote.IceCandidates)
	if err != nil {
		return fmt.Errorf("remote candidates: %w", err)
	}
	if err := t.ice.SetRemoteCandidates(candidates); err != nil {
		return fmt.Errorf("set remote candidates: %w", err)
	}

	remoteICE := webrtc.ICEParameters{
		UsernameFragment: t.remote.IceParameters.UsernameFragment,
		Password:         t.remote.IceParameters.Password,
		ICELite:          t.remote.IceParameters.IceLite,
	}
	remoteDTLS := webrtc.DTLSParameters{Role: webrtc.DTLSRoleServer}
	for _, f := range t.remote.DtlsParameters.Fingerprints {
		remoteDTLS.Fingerprints = append(remoteDTLS.Fingerprints, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}

	t.startOnce.Do(func() {
		go func() {
			role := webrtc.ICERoleControlling
			if err := t.ice.Start(nil, remoteICE, &role); err != nil {
				log.Warn().Err(err).Str("transport_id", t.id.String()).Msg("ICE start failed")
				_ = t.Close()
				return
			}
			if err := t.dtls.Start(remoteDTLS); err != nil {
				log.Warn().Err(err).Str("transport_id", t.id.String()).Msg("DTLS start failed")
				_ = t.Close()
				return
			}
			close(t.connected)
		}()
	})
	return nil
}

// Produce binds a track from this package's capture to an RTP sender.
func (t *Transport) Produce(ctx context.Context, track client.LocalTrack) (client.LocalProducer, error) {
	st, ok := track.(*SyntheticTrack)
	if !ok {
		return nil, errors.New("track was not captured by this device")
	}
	sender, err := t.api.NewRTPSender(st.local, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp sender: %w", err)
	}
	params := sender.GetParameters()
	p := &Producer{sender: sender, transport: t}
	for _, c := range params.Codecs {
		if c.MimeType != st.local.Codec().MimeType {
			continue
		}
		p.params.Codecs = append(p.params.Codecs, domain.CodecParameters{
			MimeType:    c.MimeType,
			PayloadType: uint8(c.PayloadType),
			ClockRate:   c.ClockRate,
			Channels:    c.Channels,
			SDPFmtpLine: c.SDPFmtpLine,
		})
	}
	for _, e := range params.Encodings {
		p.params.Encodings = append(p.params.Encodings, domain.Encoding{SSRC: uint32(e.SSRC), RID: e.RID})
	}
	if len(p.params.Codecs) == 0 || len(p.params.Encodings) == 0 {
		_ = sender.Stop()
		return nil, fmt.Errorf("no negotiated codec for %s", st.local.Codec().MimeType)
	}

	go func() {
		select {
		case <-t.connected:
		case <-t.closed:
			return
		}
		if err := sender.Send(params); err != nil {
			log.Warn().Err(err).Msg("RTP send failed")
			return
		}
		// Drain RTCP so the interceptors keep running.
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, consumer domain.ConsumerInfo) (client.RemoteTrack, error) {
	codec, ok := consumer.RtpParameters.PrimaryCodec()
	if !ok || len(consumer.RtpParameters.Encodings) == 0 {
		return nil, errors.New("consumer has no rtp parameters")
	}
	receiver, err := t.api.NewRTPReceiver(kindOf(consumer.Kind), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp receiver: %w", err)
	}
	r := &RemoteTrack{info: consumer, receiver: receiver, done: make(chan struct{})}

	go func() {
		select {
		case <-t.connected:
		case <-t.closed:
			return
		case <-r.done:
			return
		}
		err := receiver.Receive(webrtc.RTPReceiveParameters{Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(consumer.RtpParameters.Encodings[0].SSRC),
				PayloadType: webrtc.PayloadType(codec.PayloadType),
			},
		}}})
		if err != nil {
			log.Warn().Err(err).Msg("RTP receive failed")
			return
		}
		track := receiver.Track()
		if track == nil {
			return
		}
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			r.packets.Add(1)
			r.bytes.Add(uint64(len(pkt.Payload)))
		}
	}()
	return r, nil
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		_ = t.dtls.Stop()
		_ = t.ice.Stop()
		_ = t.gatherer.Close()
	})
	return nil
}

type Producer struct {
	sender    *webrtc.RTPSender
	transport *Transport
	params    domain.RtpParameters
	closeOnce sync.Once
}

func (p *Producer) RtpParameters() domain.RtpParameters { return p.params }

func (p *Producer) Close() error {
	var err error
	p.closeOnce.Do(func() { err = p.sender.Stop() })
	return err
}

// RemoteTrack counts what arrives for one consumer.
type RemoteTrack struct {
	info      domain.ConsumerInfo
	receiver  *webrtc.RTPReceiver
	packets   atomic.Uint64
	bytes     atomic.Uint64
	done      chan struct{}
	closeOnce sync.Once
}

func (r *RemoteTrack) Consumer() domain.ConsumerInfo { return r.info }

// Stats returns the packets and payload bytes received so far.
func (r *RemoteTrack) Stats() (packets, bytes uint64) {
	return r.packets.Load(), r.bytes.Load()
}

func (r *RemoteTrack) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.receiver.Stop()
	})
	return err
}
