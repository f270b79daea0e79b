// Package config reads the server settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	EnginePion   = "pion"
	EngineMemory = "memory"
)

type Config struct {
	ListenAddr string
	LogLevel   string

	Engine           string
	RTCMinPort       int
	RTCMaxPort       int
	RTCAnnouncedIPs  []string
	RTCWorkers       int
	EngineDeathGrace time.Duration

	WSReadLimit    int64
	WSPongWait     time.Duration
	WSWriteWait    time.Duration
	AllowedOrigins []string

	MaxRoomPeers int
}

// Load reads every key, falling back to defaults for unset or malformed
// values, then validates the result.
func Load() (Config, error) {
	c := Config{
		ListenAddr: envOrDefault("LISTEN_ADDR", ":4000"),
		LogLevel:   envOrDefault("LOG_LEVEL", "info"),

		Engine:           strings.ToLower(envOrDefault("RTC_ENGINE", EnginePion)),
		RTCMinPort:       envIntOrDefault("RTC_MIN_PORT", 10000),
		RTCMaxPort:       envIntOrDefault("RTC_MAX_PORT", 10100),
		RTCAnnouncedIPs:  envList("RTC_ANNOUNCED_IPS"),
		RTCWorkers:       envIntOrDefault("RTC_WORKERS", 0),
		EngineDeathGrace: envDurationOrDefault("ENGINE_DEATH_GRACE", 2*time.Second),

		WSReadLimit:    int64(envIntOrDefault("WS_READ_LIMIT", 64*1024)),
		WSPongWait:     envDurationOrDefault("WS_PONG_WAIT", 60*time.Second),
		WSWriteWait:    envDurationOrDefault("WS_WRITE_WAIT", 10*time.Second),
		AllowedOrigins: envList("ALLOWED_ORIGINS"),

		MaxRoomPeers: envIntOrDefault("MAX_ROOM_PEERS", 0),
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	switch c.Engine {
	case EnginePion, EngineMemory:
	default:
		return fmt.Errorf("RTC_ENGINE must be %q or %q, got %q", EnginePion, EngineMemory, c.Engine)
	}
	if c.RTCMinPort <= 0 || c.RTCMaxPort > 65535 || c.RTCMinPort > c.RTCMaxPort {
		return fmt.Errorf("invalid rtc port range %d-%d", c.RTCMinPort, c.RTCMaxPort)
	}
	if c.WSPongWait <= 0 || c.WSWriteWait <= 0 {
		return fmt.Errorf("websocket timeouts must be positive")
	}
	if c.MaxRoomPeers < 0 {
		return fmt.Errorf("MAX_ROOM_PEERS must not be negative")
	}
	return nil
}

// OriginAllowed reports whether a websocket handshake from origin is
// accepted. An empty allow list accepts everything.
func (c Config) OriginAllowed(origin string) bool {
	if len(c.AllowedOrigins) == 0 || origin == "" {
		return true
	}
	for _, o := range c.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envIntOrDefault(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	parsed, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("key", key).Str("value", raw).Int("fallback", fallback).Msg("Invalid int env")
		return fallback
	}
	return parsed
}

func envDurationOrDefault(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Str("key", key).Str("value", raw).Dur("fallback", fallback).Msg("Invalid duration env")
		return fallback
	}
	return parsed
}

func envList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
