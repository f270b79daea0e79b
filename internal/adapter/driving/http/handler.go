package http

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Wyydra/callroom/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/callroom/internal/core/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Options struct {
	ReadLimit      int64
	PongWait       time.Duration
	WriteWait      time.Duration
	RequestTimeout time.Duration
	// CheckOrigin vets websocket handshakes. Nil accepts every origin.
	CheckOrigin func(origin string) bool
	// EngineStats, when set, is embedded in /metrics.
	EngineStats func() any
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 * 1024
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 15 * time.Second
	}
	return o
}

type Handler struct {
	CallService *service.CallService
	Hub         *ws.Hub

	opts     Options
	draining atomic.Bool
}

func NewHandler(callService *service.CallService, hub *ws.Hub, opts Options) *Handler {
	return &Handler{
		CallService: callService,
		Hub:         hub,
		opts:        opts.withDefaults(),
	}
}

// Drain makes /ws and /healthz answer 503 and refuses joinRoom on open
// sockets, so no new sessions start.
func (h *Handler) Drain() { h.draining.Store(true) }

func (h *Handler) Draining() bool { return h.draining.Load() }

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/ws", h.ServeWS)
	r.Get("/healthz", h.Healthz)
	r.Get("/metrics", h.Metrics)

	return r
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	if h.Draining() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "draining"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type MetricsResponse struct {
	Rooms       []service.RoomStats `json:"rooms"`
	Peers       int                 `json:"peers"`
	Producers   int                 `json:"producers"`
	Consumers   int                 `json:"consumers"`
	Connections int                 `json:"connections"`
	Draining    bool                `json:"draining"`
	Engine      any                 `json:"engine,omitempty"`
}

func (h *Handler) Metrics(w http.ResponseWriter, _ *http.Request) {
	resp := MetricsResponse{
		Rooms:       h.CallService.Rooms().Stats(),
		Connections: h.Hub.Count(),
		Draining:    h.Draining(),
	}
	for _, st := range resp.Rooms {
		resp.Peers += st.Peers
		resp.Producers += st.Producers
		resp.Consumers += st.Consumers
	}
	if h.opts.EngineStats != nil {
		resp.Engine = h.opts.EngineStats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
