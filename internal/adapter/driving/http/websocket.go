package http

import (
	"context"
	"net/http"
	"time"

	"github.com/Wyydra/callroom/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/callroom/internal/core/domain"
	"github.com/Wyydra/callroom/internal/signaling"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func (h *Handler) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    []string{signaling.SubprotocolMsgpack},
		CheckOrigin: func(r *http.Request) bool {
			if h.opts.CheckOrigin == nil {
				return true
			}
			return h.opts.CheckOrigin(r.Header.Get("Origin"))
		},
	}
}

// ServeWS upgrades the request and runs the peer's session until the socket
// closes. The session id minted here is the peer id.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.Draining() {
		http.Error(w, "server is draining", http.StatusServiceUnavailable)
		return
	}

	up := h.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	peerID := domain.NewPeerID()
	codec := signaling.CodecFor(conn.Subprotocol())
	l := log.With().
		Str("peer_id", peerID.String()).
		Str("codec", codec.Name()).
		Str("request_id", middleware.GetReqID(r.Context())).
		Logger()

	client := ws.NewClient(peerID, conn, codec, h.opts.WriteWait, h.opts.PongWait, l)
	if !h.Hub.Register(client) {
		_ = conn.Close()
		return
	}
	l.Info().Msg("New client connected")

	ctx, cancel := context.WithCancel(context.Background())
	go client.WritePump()

	defer func() {
		cancel()
		h.Hub.Unregister(client)
		if err := h.CallService.Leave(context.Background(), peerID); err != nil {
			l.Warn().Err(err).Msg("Leave on disconnect failed")
		}
		_ = client.Close()
		l.Info().Msg("Client disconnected")
	}()

	h.readPump(ctx, client, l)
}

// readPump handles one request at a time, so a peer's requests are answered
// in the order they were sent.
func (h *Handler) readPump(ctx context.Context, c *ws.Client, l zerolog.Logger) {
	conn := c.Conn()
	conn.SetReadLimit(h.opts.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	codec := c.Codec()
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("Unexpected close error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))

		req, err := codec.Decode(frame)
		if err != nil {
			l.Debug().Err(err).Msg("Undecodable frame")
			_ = c.Write(signaling.Message{Type: signaling.TypeError, Error: signaling.NewError(signaling.ErrBadRequest)})
			continue
		}

		reqCtx, cancel := context.WithTimeout(ctx, h.opts.RequestTimeout)
		resp := h.dispatch(reqCtx, c.ID(), codec, req)
		cancel()

		if req.ID == 0 {
			continue
		}
		if resp.Error != nil {
			l.Debug().Str("type", string(req.Type)).Str("code", resp.Error.Code).Str("error", resp.Error.Message).Msg("Request failed")
		}
		if err := c.Write(resp); err != nil {
			return
		}
	}
}
