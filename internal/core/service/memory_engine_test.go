package service

import (
	"context"
	"errors"
	"testing"

	"github.com/Wyydra/callroom/internal/adapter/driven/media/memory"
	"github.com/Wyydra/callroom/internal/core/domain"
)

func TestMemoryEngineProducerFailureIsAnnounced(t *testing.T) {
	gw := newRecordingGateway()
	s := NewCallService(memory.NewEngine(), gw)
	ctx := context.Background()

	mustJoin(t, s, "A", "r1")
	mustJoin(t, s, "B", "r1")
	if _, err := s.CreateTransport(ctx, "A", domain.DirectionSend); err != nil {
		t.Fatal(err)
	}
	pid, err := s.Produce(ctx, "A", domain.ProduceRequest{
		Kind: domain.KindAudio,
		Tag:  domain.TagMic,
		RtpParameters: domain.RtpParameters{
			Codecs:    []domain.CodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}},
			Encodings: []domain.Encoding{{SSRC: 42}},
		},
	})
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	if _, err := s.CreateTransport(ctx, "B", domain.DirectionRecv); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Consume(ctx, "B", pid, memory.Capabilities()); err != nil {
		t.Fatalf("consume: %v", err)
	}

	room, _ := s.Rooms().Lookup("r1")
	room.mu.Lock()
	handle := room.peers["A"].producers[pid].handle
	room.mu.Unlock()
	handle.(*memory.Producer).Fail(errors.New("stream ended"))

	waitFor(t, "producerClosed never reached B", func() bool {
		return gw.count("B", domain.EventProducerClosed) == 1
	})
	infos, err := s.ExistingProducers(ctx, "B")
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 0 {
		t.Fatalf("failed producer still listed: %+v", infos)
	}
	waitFor(t, "stale producer or consumer in stats", func() bool {
		st := s.Rooms().Stats()
		return st[0].Producers == 0 && st[0].Consumers == 0
	})
}
