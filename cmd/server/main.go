package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/callroom/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/callroom/internal/adapter/driven/media/memory"
	"github.com/Wyydra/callroom/internal/adapter/driven/media/pion"
	handler "github.com/Wyydra/callroom/internal/adapter/driving/http"
	"github.com/Wyydra/callroom/internal/config"
	"github.com/Wyydra/callroom/internal/core/port"
	"github.com/Wyydra/callroom/internal/core/service"
	"github.com/Wyydra/callroom/internal/logging"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	logging.Init(os.Stdout, cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	engine, engineStats, err := newEngine(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start media engine")
	}

	hub := ws.NewHub()
	callService := service.NewCallService(engine, hub, service.WithMaxRoomPeers(cfg.MaxRoomPeers))
	h := handler.NewHandler(callService, hub, handler.Options{
		ReadLimit:   cfg.WSReadLimit,
		PongWait:    cfg.WSPongWait,
		WriteWait:   cfg.WSWriteWait,
		CheckOrigin: cfg.OriginAllowed,
		EngineStats: engineStats,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Str("engine", cfg.Engine).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-quit:
		log.Info().Msg("Shutting down server...")
	case err := <-engine.Died():
		// Unrecoverable: refuse new sessions, exit after the grace period.
		log.Error().Err(err).Dur("grace", cfg.EngineDeathGrace).Msg("Media engine died")
		h.Drain()
		time.Sleep(cfg.EngineDeathGrace)
		exitCode = 1
	}

	h.Drain()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub.Stop()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	callService.Close()
	if err := engine.Close(); err != nil {
		log.Error().Err(err).Msg("Media engine close failed")
	}

	log.Info().Int("exit_code", exitCode).Msg("Server exited")
	os.Exit(exitCode)
}

func newEngine(cfg config.Config) (port.MediaEngine, func() any, error) {
	if cfg.Engine == config.EngineMemory {
		e := memory.NewEngine()
		return e, func() any { return map[string]int{"routers": e.Routers()} }, nil
	}

	e, err := pion.NewEngine(pion.Config{
		Workers:      cfg.RTCWorkers,
		MinPort:      uint16(cfg.RTCMinPort),
		MaxPort:      uint16(cfg.RTCMaxPort),
		AnnouncedIPs: cfg.RTCAnnouncedIPs,
	})
	if err != nil {
		return nil, nil, err
	}
	return e, func() any { return map[string]any{"workers": e.Loads()} }, nil
}
