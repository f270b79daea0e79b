// Package ortc implements the client device with pion's ORTC objects, so a
// headless peer can send and receive real RTP against the server.
package ortc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Wyydra/callroom/internal/client"
	"github.com/Wyydra/callroom/internal/core/domain"
	"github.com/pion/webrtc/v4"
)

var errNoCommonCodec = errors.New("router offers no codec this device supports")

var localCodecs = []struct {
	kind   domain.Kind
	params webrtc.RTPCodecParameters
}{
	{domain.KindAudio, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1"},
		PayloadType:        111,
	}},
	{domain.KindVideo, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		PayloadType:        96,
	}},
}

func kindOf(k domain.Kind) webrtc.RTPCodecType {
	if k == domain.KindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

type Device struct {
	gatherTimeout time.Duration

	mu   sync.Mutex
	api  *webrtc.API
	caps domain.RtpCapabilities
}

var _ client.Device = (*Device)(nil)

func NewDevice() *Device {
	return &Device{gatherTimeout: 5 * time.Second}
}

// Load keeps the router codecs this device can handle, using the router's
// payload types.
func (d *Device) Load(ctx context.Context, routerCaps domain.RtpCapabilities) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := &webrtc.MediaEngine{}
	var caps domain.RtpCapabilities
	for _, lc := range localCodecs {
		want := domain.CodecCapability{Kind: lc.kind, MimeType: lc.params.MimeType, ClockRate: lc.params.ClockRate, Channels: lc.params.Channels}
		rc, ok := routerCaps.Lookup(want)
		if !ok {
			continue
		}
		params := lc.params
		params.PayloadType = webrtc.PayloadType(rc.PreferredPayloadType)
		params.SDPFmtpLine = rc.SDPFmtpLine
		if err := m.RegisterCodec(params, kindOf(lc.kind)); err != nil {
			return fmt.Errorf("register %s: %w", params.MimeType, err)
		}
		caps.Codecs = append(caps.Codecs, rc)
	}
	if caps.Empty() {
		return errNoCommonCodec
	}

	d.mu.Lock()
	d.api = webrtc.NewAPI(webrtc.WithMediaEngine(m))
	d.caps = caps
	d.mu.Unlock()
	return nil
}

func (d *Device) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.api != nil
}

func (d *Device) RtpCapabilities() domain.RtpCapabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps
}

func (d *Device) CreateSendTransport(params domain.TransportParams) (client.SendTransport, error) {
	return d.newTransport(params)
}

func (d *Device) CreateRecvTransport(params domain.TransportParams) (client.RecvTransport, error) {
	return d.newTransport(params)
}

func (d *Device) newTransport(remote domain.TransportParams) (*Transport, error) {
	d.mu.Lock()
	api := d.api
	d.mu.Unlock()
	if api == nil {
		return nil, errors.New("device not loaded")
	}

	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}
	done := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(done) })
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("ice gather: %w", err)
	}
	select {
	case <-done:
	case <-time.After(d.gatherTimeout):
		_ = gatherer.Close()
		return nil, errors.New("ice gathering timed out")
	}

	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("dtls transport: %w", err)
	}
	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}

	local := domain.ConnectParams{
		IceParameters: domain.IceParameters{UsernameFragment: iceParams.UsernameFragment, Password: iceParams.Password},
		// The server is ICE-lite and controlled; this side is the DTLS client.
		DtlsParameters: domain.DtlsParameters{Role: "client"},
	}
	for _, f := range dtlsParams.Fingerprints {
		local.DtlsParameters.Fingerprints = append(local.DtlsParameters.Fingerprints, domain.DtlsFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}

	return &Transport{
		id:        remote.ID,
		api:       api,
		remote:    remote,
		local:     local,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		connected: make(chan struct{}),
		closed:    make(chan struct{}),
	}, nil
}

func remoteCandidates(cs []domain.IceCandidate) ([]webrtc.ICECandidate, error) {
	out := make([]webrtc.ICECandidate, 0, len(cs))
	for _, c := range cs {
		proto, err := webrtc.NewICEProtocol(c.Protocol)
		if err != nil {
			return nil, err
		}
		typ, err := webrtc.NewICECandidateType(c.Type)
		if err != nil {
			return nil, err
		}
		out = append(out, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.IP,
			Protocol:   proto,
			Port:       c.Port,
			Typ:        typ,
			TCPType:    strings.ToLower(c.TCPType),
		})
	}
	return out, nil
}
