package service

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/callroom/internal/core/domain"
)

func newTestService(t *testing.T, opts ...Option) (*CallService, *fakeEngine, *recordingGateway) {
	t.Helper()
	engine := newFakeEngine()
	gw := newRecordingGateway()
	return NewCallService(engine, gw, opts...), engine, gw
}

func mustJoin(t *testing.T, s *CallService, peer domain.PeerID, room domain.RoomID) JoinResult {
	t.Helper()
	res, err := s.JoinRoom(context.Background(), peer, room)
	if err != nil {
		t.Fatalf("join %s: %v", peer, err)
	}
	return res
}

func mustProduce(t *testing.T, s *CallService, peer domain.PeerID, tag domain.MediaTag) domain.ProducerID {
	t.Helper()
	ctx := context.Background()
	if _, err := s.CreateTransport(ctx, peer, domain.DirectionSend); err != nil {
		t.Fatalf("create send transport: %v", err)
	}
	id, err := s.Produce(ctx, peer, domain.ProduceRequest{Kind: tag.Kind(), Tag: tag})
	if err != nil {
		t.Fatalf("produce %s: %v", tag, err)
	}
	return id
}

func mustConsume(t *testing.T, s *CallService, peer domain.PeerID, producer domain.ProducerID) domain.ConsumerInfo {
	t.Helper()
	ctx := context.Background()
	if _, err := s.CreateTransport(ctx, peer, domain.DirectionRecv); err != nil {
		t.Fatalf("create recv transport: %v", err)
	}
	info, err := s.Consume(ctx, peer, producer, testCaps)
	if err != nil {
		t.Fatalf("consume %s: %v", producer, err)
	}
	return info
}

func TestJoinProduceLeaveScenario(t *testing.T) {
	s, engine, gw := newTestService(t)
	ctx := context.Background()

	res := mustJoin(t, s, "A", "r1")
	if len(res.Producers) != 0 {
		t.Fatalf("expected empty producer list, got %d", len(res.Producers))
	}
	if res.RtpCapabilities.Empty() {
		t.Fatal("expected router capabilities")
	}
	if engine.openRouters() != 1 {
		t.Fatalf("expected 1 router, got %d", engine.openRouters())
	}

	res = mustJoin(t, s, "B", "r1")
	if len(res.Producers) != 0 {
		t.Fatalf("B expected empty producer list, got %d", len(res.Producers))
	}

	pid := mustProduce(t, s, "A", domain.TagCamera)
	if n := gw.count("B", domain.EventNewProducer); n != 1 {
		t.Fatalf("B expected 1 newProducer, got %d", n)
	}
	if n := gw.count("A", domain.EventNewProducer); n != 0 {
		t.Fatalf("A must not be notified of its own producer, got %d", n)
	}
	ev := gw.events["B"][0].Data.(domain.ProducerInfo)
	if ev.Kind != domain.KindVideo || ev.Tag != domain.TagCamera || ev.PeerID != "A" || ev.ProducerID != pid {
		t.Fatalf("unexpected newProducer payload: %+v", ev)
	}

	if err := s.Leave(ctx, "A"); err != nil {
		t.Fatal(err)
	}
	if ids := gw.closedIDs("B"); len(ids) != 1 || ids[pid] != 1 {
		t.Fatalf("B expected one producerClosed for %s, got %v", pid, ids)
	}
	if _, ok := s.Rooms().Lookup("r1"); !ok {
		t.Fatal("room must survive while B is present")
	}

	if err := s.Leave(ctx, "B"); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Rooms().Lookup("r1"); ok {
		t.Fatal("room must be destroyed once empty")
	}
	if engine.openRouters() != 0 {
		t.Fatalf("router leaked: %d open", engine.openRouters())
	}
}

func TestRouterAliveIffPeers(t *testing.T) {
	s, engine, _ := newTestService(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	rooms := []domain.RoomID{"r1", "r2", "r3"}
	peers := []domain.PeerID{"p1", "p2", "p3", "p4", "p5", "p6"}
	joined := map[domain.PeerID]domain.RoomID{}

	for step := 0; step < 500; step++ {
		p := peers[rng.Intn(len(peers))]
		if _, ok := joined[p]; ok {
			if err := s.Leave(ctx, p); err != nil {
				t.Fatalf("step %d: leave: %v", step, err)
			}
			delete(joined, p)
		} else {
			room := rooms[rng.Intn(len(rooms))]
			mustJoin(t, s, p, room)
			joined[p] = room
		}

		counts := map[domain.RoomID]int{}
		for _, r := range joined {
			counts[r]++
		}
		for _, r := range rooms {
			_, ok := s.Rooms().Lookup(r)
			if ok != (counts[r] > 0) {
				t.Fatalf("step %d: room %s registered=%v with %d peers", step, r, ok, counts[r])
			}
		}
		if engine.openRouters() != len(counts) {
			t.Fatalf("step %d: %d open routers for %d non-empty rooms", step, engine.openRouters(), len(counts))
		}
	}
}

func TestCreateTransportIdempotentUnderConcurrency(t *testing.T) {
	s, engine, _ := newTestService(t)
	mustJoin(t, s, "A", "r1")

	var wg sync.WaitGroup
	ids := make([]domain.TransportID, 32)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dir := domain.DirectionSend
			if i%2 == 1 {
				dir = domain.DirectionRecv
			}
			params, err := s.CreateTransport(context.Background(), "A", dir)
			if err != nil {
				t.Errorf("create transport: %v", err)
				return
			}
			ids[i] = params.ID
		}(i)
	}
	wg.Wait()

	for i := 2; i < len(ids); i++ {
		if ids[i] != ids[i%2] {
			t.Fatalf("transport %d: got %s, want %s", i, ids[i], ids[i%2])
		}
	}
	if ids[0] == ids[1] {
		t.Fatal("send and recv transports must differ")
	}
	if n := engine.transports.Load(); n != 2 {
		t.Fatalf("expected 2 engine transports, got %d", n)
	}
}

func TestDisconnectCascades(t *testing.T) {
	s, _, gw := newTestService(t)
	ctx := context.Background()

	mustJoin(t, s, "A", "r1")
	mustJoin(t, s, "B", "r1")
	mustJoin(t, s, "C", "r1")

	produced := []domain.ProducerID{
		mustProduce(t, s, "A", domain.TagCamera),
		mustProduce(t, s, "A", domain.TagMic),
		mustProduce(t, s, "A", domain.TagScreen),
	}
	for _, pid := range produced {
		mustConsume(t, s, "B", pid)
	}
	other := mustProduce(t, s, "C", domain.TagMic)
	mustConsume(t, s, "B", other)

	if err := s.Leave(ctx, "A"); err != nil {
		t.Fatal(err)
	}

	for _, peer := range []domain.PeerID{"B", "C"} {
		ids := gw.closedIDs(peer)
		if len(ids) != len(produced) {
			t.Fatalf("%s: expected %d producerClosed, got %v", peer, len(produced), ids)
		}
		for _, pid := range produced {
			if ids[pid] != 1 {
				t.Fatalf("%s: producer %s announced %d times", peer, pid, ids[pid])
			}
		}
	}

	stats := s.Rooms().Stats()
	if len(stats) != 1 || stats[0].Peers != 2 || stats[0].Producers != 1 || stats[0].Consumers != 1 {
		t.Fatalf("unexpected stats after disconnect: %+v", stats)
	}

	// A second Leave is a no-op.
	if err := s.Leave(ctx, "A"); err != nil {
		t.Fatal(err)
	}
	if n := gw.count("B", domain.EventProducerClosed); n != len(produced) {
		t.Fatalf("duplicate producerClosed after second leave: %d", n)
	}
}

func TestCloseProducerBroadcastsOnce(t *testing.T) {
	s, _, gw := newTestService(t)
	ctx := context.Background()

	mustJoin(t, s, "A", "r1")
	mustJoin(t, s, "B", "r1")
	pid := mustProduce(t, s, "A", domain.TagCamera)
	mustConsume(t, s, "B", pid)

	if err := s.CloseProducer(ctx, "A", pid); err != nil {
		t.Fatal(err)
	}
	if err := s.CloseProducer(ctx, "A", pid); !errors.Is(err, domain.ErrProducerNotFound) {
		t.Fatalf("second close: got %v, want ErrProducerNotFound", err)
	}
	if err := s.Leave(ctx, "A"); err != nil {
		t.Fatal(err)
	}
	if ids := gw.closedIDs("B"); ids[pid] != 1 || len(ids) != 1 {
		t.Fatalf("expected exactly one producerClosed, got %v", ids)
	}
	if st := s.Rooms().Stats(); st[0].Consumers != 0 {
		t.Fatalf("dangling consumer: %+v", st)
	}
}

func TestConsumeProducerClosedMidNegotiation(t *testing.T) {
	s, engine, gw := newTestService(t)
	ctx := context.Background()

	mustJoin(t, s, "A", "r1")
	mustJoin(t, s, "B", "r1")
	pid := mustProduce(t, s, "A", domain.TagCamera)
	if _, err := s.CreateTransport(ctx, "B", domain.DirectionRecv); err != nil {
		t.Fatal(err)
	}

	engine.beforeConsume = func(id domain.ProducerID) {
		var notify []func()
		engine.mu.Lock()
		for _, r := range engine.routers {
			if p, ok := r.producers[id]; ok {
				notify = append(notify, p.closeLocked(errors.New("stream ended"))...)
			}
		}
		engine.mu.Unlock()
		runAll(notify)
	}

	_, err := s.Consume(ctx, "B", pid, testCaps)
	if !errors.Is(err, domain.ErrProducerClosed) {
		t.Fatalf("got %v, want ErrProducerClosed", err)
	}
	if st := s.Rooms().Stats(); st[0].Consumers != 0 || st[0].Producers != 0 {
		t.Fatalf("orphaned state: %+v", st)
	}
	if n := gw.count("B", domain.EventProducerClosed); n != 1 {
		t.Fatalf("expected the dead producer to be announced once, got %d", n)
	}
}

func TestNegotiationErrorsStayLocal(t *testing.T) {
	s, _, gw := newTestService(t)
	ctx := context.Background()

	if _, err := s.CreateTransport(ctx, "A", domain.DirectionSend); !errors.Is(err, domain.ErrNotJoined) {
		t.Fatalf("before join: got %v", err)
	}

	mustJoin(t, s, "A", "r1")
	mustJoin(t, s, "B", "r1")

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"produce without transport", func() error {
			_, err := s.Produce(ctx, "A", domain.ProduceRequest{Kind: domain.KindVideo, Tag: domain.TagCamera})
			return err
		}, domain.ErrTransportMissing},
		{"consume without transport", func() error {
			_, err := s.Consume(ctx, "A", "nope", testCaps)
			return err
		}, domain.ErrTransportMissing},
		{"connect without transport", func() error {
			return s.ConnectTransport(ctx, "A", domain.DirectionRecv, domain.ConnectParams{})
		}, domain.ErrTransportMissing},
		{"invalid direction", func() error {
			_, err := s.CreateTransport(ctx, "A", "sideways")
			return err
		}, domain.ErrInvalidDirection},
		{"invalid tag", func() error {
			_, err := s.Produce(ctx, "A", domain.ProduceRequest{Kind: domain.KindVideo, Tag: "webcam"})
			return err
		}, domain.ErrInvalidTag},
		{"unknown producer", func() error {
			if _, err := s.CreateTransport(ctx, "A", domain.DirectionRecv); err != nil {
				return err
			}
			_, err := s.Consume(ctx, "A", "nope", testCaps)
			return err
		}, domain.ErrProducerNotFound},
		{"close unknown producer", func() error {
			return s.CloseProducer(ctx, "A", "nope")
		}, domain.ErrProducerNotFound},
		{"join second room", func() error {
			_, err := s.JoinRoom(ctx, "A", "r2")
			return err
		}, domain.ErrAlreadyJoined},
		{"empty room id", func() error {
			_, err := s.JoinRoom(ctx, "Z", "")
			return err
		}, domain.ErrInvalidRoomID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}

	pid := mustProduce(t, s, "B", domain.TagMic)
	videoOnly := domain.RtpCapabilities{Codecs: testCaps.Codecs[1:]}
	if _, err := s.Consume(ctx, "A", pid, videoOnly); !errors.Is(err, domain.ErrIncompatibleCapabilities) {
		t.Fatalf("incompatible caps: got %v", err)
	}

	if n := gw.count("B", domain.EventNewProducer) + gw.count("B", domain.EventProducerClosed); n != 0 {
		t.Fatalf("errors leaked %d notifications to B", n)
	}
	if st := s.Rooms().Stats(); st[0].Peers != 2 || st[0].Producers != 1 {
		t.Fatalf("room state changed by errors: %+v", st)
	}
}

func TestRejoinSameRoomIsIdempotent(t *testing.T) {
	s, engine, _ := newTestService(t)
	mustJoin(t, s, "A", "r1")
	mustJoin(t, s, "B", "r1")
	mustProduce(t, s, "B", domain.TagCamera)

	res := mustJoin(t, s, "A", "r1")
	if len(res.Producers) != 1 {
		t.Fatalf("expected B's producer on rejoin, got %d", len(res.Producers))
	}
	if engine.openRouters() != 1 {
		t.Fatalf("rejoin created a router")
	}
}

func TestEngineTransportCloseCascades(t *testing.T) {
	s, engine, gw := newTestService(t)
	ctx := context.Background()

	mustJoin(t, s, "A", "r1")
	mustJoin(t, s, "B", "r1")
	pid := mustProduce(t, s, "A", domain.TagCamera)
	mustConsume(t, s, "B", pid)

	var send *fakeTransport
	engine.mu.Lock()
	for _, r := range engine.routers {
		if p, ok := r.producers[pid]; ok {
			send = p.transport
		}
	}
	engine.mu.Unlock()
	if send == nil {
		t.Fatal("send transport not found")
	}
	send.fail(errors.New("dtls failed"))

	deadline := time.Now().Add(2 * time.Second)
	for gw.count("B", domain.EventProducerClosed) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("producerClosed never broadcast after engine closed the transport")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The peer can create a fresh send transport afterwards.
	params, err := s.CreateTransport(ctx, "A", domain.DirectionSend)
	if err != nil {
		t.Fatal(err)
	}
	if params.ID == send.id {
		t.Fatal("closed transport was reused")
	}
}

func findFakeProducer(engine *fakeEngine, id domain.ProducerID) *fakeProducer {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	for _, r := range engine.routers {
		if p, ok := r.producers[id]; ok {
			return p
		}
	}
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEngineProducerCloseIsAnnounced(t *testing.T) {
	s, engine, gw := newTestService(t)
	ctx := context.Background()

	mustJoin(t, s, "A", "r1")
	mustJoin(t, s, "B", "r1")
	pid := mustProduce(t, s, "A", domain.TagCamera)
	mustConsume(t, s, "B", pid)

	p := findFakeProducer(engine, pid)
	if p == nil {
		t.Fatal("producer not found in engine")
	}
	p.fail(errors.New("stream ended"))

	waitFor(t, "producerClosed never broadcast after engine closed the producer", func() bool {
		return gw.count("B", domain.EventProducerClosed) > 0
	})

	infos, err := s.ExistingProducers(ctx, "B")
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 0 {
		t.Fatalf("closed producer still listed: %+v", infos)
	}
	if st := s.Rooms().Stats(); st[0].Producers != 0 || st[0].Consumers != 0 {
		t.Fatalf("stale state after engine close: %+v", st)
	}

	// An explicit close afterwards neither finds it nor announces it again.
	if err := s.CloseProducer(ctx, "A", pid); !errors.Is(err, domain.ErrProducerNotFound) {
		t.Fatalf("got %v, want ErrProducerNotFound", err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := gw.closedIDs("B")[pid]; n != 1 {
		t.Fatalf("producerClosed sent %d times, want 1", n)
	}
}

func TestExplicitCloseProducerAnnouncedOnce(t *testing.T) {
	s, _, gw := newTestService(t)
	ctx := context.Background()

	mustJoin(t, s, "A", "r1")
	mustJoin(t, s, "B", "r1")
	pid := mustProduce(t, s, "A", domain.TagMic)

	if err := s.CloseProducer(ctx, "A", pid); err != nil {
		t.Fatal(err)
	}
	// The engine's close notification arrives after the room removed it.
	time.Sleep(20 * time.Millisecond)
	if n := gw.closedIDs("B")[pid]; n != 1 {
		t.Fatalf("producerClosed sent %d times, want 1", n)
	}
}

func TestEngineConsumerCloseDropsEntry(t *testing.T) {
	s, engine, gw := newTestService(t)

	mustJoin(t, s, "A", "r1")
	mustJoin(t, s, "B", "r1")
	pid := mustProduce(t, s, "A", domain.TagCamera)
	mustConsume(t, s, "B", pid)

	p := findFakeProducer(engine, pid)
	engine.mu.Lock()
	c := p.consumers[0]
	engine.mu.Unlock()
	c.fail(errors.New("send failed"))

	waitFor(t, "consumer entry kept after engine closed it", func() bool {
		return s.Rooms().Stats()[0].Consumers == 0
	})
	if st := s.Rooms().Stats(); st[0].Producers != 1 {
		t.Fatalf("producer should survive its consumer: %+v", st)
	}
	if n := gw.count("B", domain.EventProducerClosed); n != 0 {
		t.Fatalf("consumer close must not announce the producer, got %d", n)
	}
}

func TestEngineUnavailable(t *testing.T) {
	s, engine, _ := newTestService(t)
	engine.createErr = domain.ErrEngineUnavailable

	_, err := s.JoinRoom(context.Background(), "A", "r1")
	if !errors.Is(err, domain.ErrEngineUnavailable) {
		t.Fatalf("got %v, want ErrEngineUnavailable", err)
	}
	if _, ok := s.Rooms().Lookup("r1"); ok {
		t.Fatal("room registered without a router")
	}
	if _, err := s.CreateTransport(context.Background(), "A", domain.DirectionSend); !errors.Is(err, domain.ErrNotJoined) {
		t.Fatalf("failed join left the peer registered: %v", err)
	}
}

func TestMaxRoomPeers(t *testing.T) {
	s, _, _ := newTestService(t, WithMaxRoomPeers(2))
	mustJoin(t, s, "A", "r1")
	mustJoin(t, s, "B", "r1")
	if _, err := s.JoinRoom(context.Background(), "C", "r1"); !errors.Is(err, domain.ErrRoomFull) {
		t.Fatalf("got %v, want ErrRoomFull", err)
	}
	mustJoin(t, s, "C", "r2")
}
