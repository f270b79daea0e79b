package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/Wyydra/callroom/internal/client/wsconn"
	"github.com/Wyydra/callroom/internal/core/domain"
	"github.com/Wyydra/callroom/internal/signaling"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var loadFlags loadConfig

var loadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Hold many signaling sessions open at once",
	Long: `Connect rooms x peers websocket sessions. Each peer joins its room, opens a
receive transport and stays until --duration elapses, counting the
notifications it sees. Media is not sent.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		wsURL, err := endpoint(flagServer, "/ws", true)
		if err != nil {
			return err
		}
		cfg := loadFlags
		cfg.URL = wsURL
		res, err := runLoad(cmd.Context(), cfg)
		fmt.Fprintln(os.Stdout, res.render(cfg))
		return err
	},
}

func init() {
	f := loadtestCmd.Flags()
	f.StringVar(&loadFlags.RoomPrefix, "room-prefix", "load", "Prefix of generated room ids")
	f.IntVar(&loadFlags.Rooms, "rooms", 4, "Number of rooms")
	f.IntVar(&loadFlags.Peers, "peers", 4, "Peers per room")
	f.DurationVarP(&loadFlags.Duration, "duration", "d", 10*time.Second, "How long each peer stays")
	f.BoolVar(&loadFlags.Msgpack, "msgpack", false, "Use the binary msgpack subprotocol")
	rootCmd.AddCommand(loadtestCmd)
}

type loadConfig struct {
	URL        string
	RoomPrefix string
	Rooms      int
	Peers      int
	Duration   time.Duration
	Msgpack    bool
}

type loadResult struct {
	Joined        int64
	Failed        int64
	Cancelled     int64
	Notifications int64
	JoinLatency   time.Duration
	Elapsed       time.Duration
}

func (r loadResult) render(cfg loadConfig) string {
	var avg time.Duration
	if r.Joined > 0 {
		avg = r.JoinLatency / time.Duration(r.Joined)
	}
	t := newTable("Load Test")
	t.AppendRows([]table.Row{
		{"Rooms", cfg.Rooms},
		{"Peers per room", cfg.Peers},
		{"Joined", r.Joined},
		{"Failed", r.Failed},
		{"Cancelled", r.Cancelled},
		{"Notifications", r.Notifications},
		{"Avg join latency", avg.Round(time.Microsecond)},
		{"Elapsed", r.Elapsed.Round(time.Millisecond)},
	})
	return t.Render()
}

// runLoad starts every peer concurrently. The first peer failure cancels
// the rest, which are counted as cancelled rather than failed.
func runLoad(ctx context.Context, cfg loadConfig) (loadResult, error) {
	if cfg.Rooms <= 0 || cfg.Peers <= 0 {
		return loadResult{}, fmt.Errorf("rooms and peers must be positive")
	}

	var joined, failed, cancelled, notes, latency atomic.Int64
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for r := 0; r < cfg.Rooms; r++ {
		room := domain.RoomID(fmt.Sprintf("%s-%d", cfg.RoomPrefix, r))
		for p := 0; p < cfg.Peers; p++ {
			g.Go(func() error {
				began := time.Now()
				n, err := loadPeer(gctx, cfg, room, func() {
					joined.Add(1)
					latency.Add(int64(time.Since(began)))
				})
				notes.Add(n)
				if err != nil && gctx.Err() != nil {
					cancelled.Add(1)
					return err
				}
				if err != nil {
					failed.Add(1)
					return fmt.Errorf("room %s: %w", room, err)
				}
				return nil
			})
		}
	}
	err := g.Wait()

	res := loadResult{
		Joined:        joined.Load(),
		Failed:        failed.Load(),
		Cancelled:     cancelled.Load(),
		Notifications: notes.Load(),
		JoinLatency:   time.Duration(latency.Load()),
		Elapsed:       time.Since(start),
	}
	// An interrupt ends the run early but is not a failure.
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	return res, err
}

// loadPeer runs one signaling session and returns how many notifications it
// received.
func loadPeer(ctx context.Context, cfg loadConfig, room domain.RoomID, onJoined func()) (int64, error) {
	conn, err := wsconn.Dial(ctx, cfg.URL, wsconn.Options{Msgpack: cfg.Msgpack})
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	var join signaling.JoinRoomResponse
	if err := conn.Request(ctx, signaling.TypeJoinRoom, signaling.JoinRoomRequest{RoomID: room}, &join); err != nil {
		return 0, fmt.Errorf("join: %w", err)
	}
	onJoined()

	var params domain.TransportParams
	if err := conn.Request(ctx, signaling.TypeCreateRecvTransport, nil, &params); err != nil {
		return 0, fmt.Errorf("create recv transport: %w", err)
	}

	var count int64
	timer := time.NewTimer(cfg.Duration)
	defer timer.Stop()
loop:
	for {
		select {
		case _, ok := <-conn.Events():
			if !ok {
				return count, wsconn.ErrConnClosed
			}
			count++
		case <-timer.C:
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	leaveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Request(leaveCtx, signaling.TypeLeaveRoom, nil, nil); err != nil {
		log.Debug().Err(err).Str("room_id", room.String()).Msg("Leave failed")
	}
	return count, ctx.Err()
}
