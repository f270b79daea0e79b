package ortc

import (
	"context"
	"sync"
	"time"

	"github.com/Wyydra/callroom/internal/client"
	"github.com/Wyydra/callroom/internal/core/domain"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is a 20ms opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticCapture produces generated media in place of real devices.
type SyntheticCapture struct {
	// Missing tags fail with client.ErrNoDevice.
	Missing map[domain.MediaTag]bool
	// ScreenDuration ends screen tracks on their own after the given time.
	// Zero keeps them running.
	ScreenDuration time.Duration
}

var _ client.CaptureDevices = (*SyntheticCapture)(nil)

func (c *SyntheticCapture) Acquire(ctx context.Context, tag domain.MediaTag) (client.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Missing[tag] {
		return nil, client.ErrNoDevice
	}

	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	if tag.Kind() == domain.KindAudio {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}
	local, err := webrtc.NewTrackLocalStaticSample(codec, string(tag), "callctl")
	if err != nil {
		return nil, err
	}

	t := &SyntheticTrack{
		kind:  tag.Kind(),
		local: local,
		ended: make(chan struct{}),
		stop:  make(chan struct{}),
	}
	var lifetime time.Duration
	if tag == domain.TagScreen {
		lifetime = c.ScreenDuration
	}
	go t.generate(lifetime)
	return t, nil
}

type SyntheticTrack struct {
	kind  domain.Kind
	local *webrtc.TrackLocalStaticSample

	ended    chan struct{}
	endOnce  sync.Once
	stop     chan struct{}
	stopOnce sync.Once
}

func (t *SyntheticTrack) Kind() domain.Kind      { return t.kind }
func (t *SyntheticTrack) Ended() <-chan struct{} { return t.ended }

func (t *SyntheticTrack) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// generate writes frames until stopped. Samples written before a sender is
// bound are dropped by the track.
func (t *SyntheticTrack) generate(lifetime time.Duration) {
	interval := 20 * time.Millisecond
	frame := opusSilence
	if t.kind == domain.KindVideo {
		interval = 33 * time.Millisecond
		frame = make([]byte, 1200)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var deadline <-chan time.Time
	if lifetime > 0 {
		timer := time.NewTimer(lifetime)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-t.stop:
			return
		case <-deadline:
			t.endOnce.Do(func() { close(t.ended) })
			return
		case <-ticker.C:
			_ = t.local.WriteSample(media.Sample{Data: frame, Duration: interval})
		}
	}
}
