package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/Wyydra/callroom/internal/client"
	"github.com/Wyydra/callroom/internal/client/ortc"
	"github.com/Wyydra/callroom/internal/client/wsconn"
	"github.com/Wyydra/callroom/internal/core/domain"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	flagRoom     string
	flagCamera   bool
	flagMic      bool
	flagScreen   bool
	flagMsgpack  bool
	flagDuration time.Duration
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a room as a headless peer",
	Long: `Join a room, send synthetic media for the selected sources and receive
every remote producer until interrupted or until --duration elapses.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagRoom == "" {
			return fmt.Errorf("--room is required")
		}
		return runJoin(cmd.Context())
	},
}

func init() {
	joinCmd.Flags().StringVarP(&flagRoom, "room", "r", "", "Room to join")
	joinCmd.Flags().BoolVar(&flagCamera, "camera", false, "Send a synthetic camera track")
	joinCmd.Flags().BoolVar(&flagMic, "mic", false, "Send a synthetic microphone track")
	joinCmd.Flags().BoolVar(&flagScreen, "screen", false, "Send a synthetic screen share (replaces camera)")
	joinCmd.Flags().BoolVar(&flagMsgpack, "msgpack", false, "Use the binary msgpack subprotocol")
	joinCmd.Flags().DurationVarP(&flagDuration, "duration", "d", 0, "Leave after this long (0 waits for interrupt)")
	rootCmd.AddCommand(joinCmd)
}

// remoteStats is implemented by tracks that count what they receive.
type remoteStats interface {
	Stats() (packets, bytes uint64)
}

type remoteSet struct {
	mu     sync.Mutex
	tracks map[domain.ProducerID]remoteEntry
}

type remoteEntry struct {
	info  domain.ProducerInfo
	track client.RemoteTrack
}

func (r *remoteSet) add(info domain.ProducerInfo, track client.RemoteTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracks[info.ProducerID] = remoteEntry{info: info, track: track}
}

func (r *remoteSet) remove(id domain.ProducerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tracks, id)
}

func (r *remoteSet) render() string {
	r.mu.Lock()
	entries := make([]remoteEntry, 0, len(r.tracks))
	for _, e := range r.tracks {
		entries = append(entries, e)
	}
	r.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].info.ProducerID < entries[j].info.ProducerID })

	t := newTable("Remote Streams")
	t.AppendHeader(table.Row{"Peer", "Producer", "Kind", "Tag", "Packets", "Bytes"})
	for _, e := range entries {
		var packets, bytes uint64
		if s, ok := e.track.(remoteStats); ok {
			packets, bytes = s.Stats()
		}
		t.AppendRow(table.Row{e.info.PeerID, e.info.ProducerID, e.info.Kind, e.info.Tag, packets, bytes})
	}
	return t.Render()
}

func runJoin(ctx context.Context) error {
	wsURL, err := endpoint(flagServer, "/ws", true)
	if err != nil {
		return err
	}

	conn, err := wsconn.Dial(ctx, wsURL, wsconn.Options{Msgpack: flagMsgpack})
	if err != nil {
		return err
	}

	remotes := &remoteSet{tracks: make(map[domain.ProducerID]remoteEntry)}
	disconnected := make(chan struct{})
	var disconnectOnce sync.Once

	hooks := client.Hooks{
		OnLocalState: func(tag domain.MediaTag, state client.MediaState) {
			log.Info().Str("tag", string(tag)).Str("state", state.String()).Msg("Local media")
		},
		OnRemoteTrack: func(p domain.ProducerInfo, track client.RemoteTrack) {
			remotes.add(p, track)
			log.Info().Str("peer_id", p.PeerID.String()).Str("producer_id", p.ProducerID.String()).Str("tag", string(p.Tag)).Msg("Receiving remote stream")
		},
		OnRemoteClosed: func(id domain.ProducerID) {
			remotes.remove(id)
			log.Info().Str("producer_id", id.String()).Msg("Remote stream ended")
		},
		OnRemoteScreen: func(active bool) {
			log.Info().Bool("active", active).Msg("Remote screen share")
		},
		OnConsumeMissed: func(p domain.ProducerInfo, err error) {
			log.Warn().Err(err).Str("producer_id", p.ProducerID.String()).Msg("Gave up on remote stream")
		},
		OnDisconnected: func() {
			disconnectOnce.Do(func() { close(disconnected) })
		},
	}

	session := client.NewSession(conn, ortc.NewDevice(), &ortc.SyntheticCapture{}, client.WithHooks(hooks))
	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := session.Leave(leaveCtx); err != nil {
			log.Warn().Err(err).Msg("Leave failed")
		}
		fmt.Fprintln(os.Stdout, remotes.render())
	}()

	if err := session.Join(ctx, domain.RoomID(flagRoom)); err != nil {
		return err
	}

	var tags []domain.MediaTag
	if flagMic {
		tags = append(tags, domain.TagMic)
	}
	if flagCamera && !flagScreen {
		tags = append(tags, domain.TagCamera)
	}
	if flagScreen {
		tags = append(tags, domain.TagScreen)
	}
	for _, tag := range tags {
		if err := session.Start(ctx, tag); err != nil {
			log.Error().Err(err).Str("tag", string(tag)).Msg("Failed to start media")
		}
	}

	var timeout <-chan time.Time
	if flagDuration > 0 {
		timer := time.NewTimer(flagDuration)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("Interrupted, leaving room")
	case <-timeout:
		log.Info().Msg("Duration elapsed, leaving room")
	case <-disconnected:
		return fmt.Errorf("disconnected from server")
	}
	return nil
}
