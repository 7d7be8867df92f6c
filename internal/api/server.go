package api

import (
	"context"
	_ "embed"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/juju/ratelimit"
	"github.com/nats-io/nats.go"

	"github.com/gitjerryh/shumeipai-camera/internal/bus"
	"github.com/gitjerryh/shumeipai-camera/internal/config"
	"github.com/gitjerryh/shumeipai-camera/internal/logging"
	"github.com/gitjerryh/shumeipai-camera/internal/nightvision"
	"github.com/gitjerryh/shumeipai-camera/internal/pipeline"
	"github.com/gitjerryh/shumeipai-camera/internal/stream"
)

//go:embed index.html
var indexHTML []byte

// Snapshot rate limit: steady 2/s with a small burst.
const (
	snapshotRate  = 2.0
	snapshotBurst = 5
)

// Server is the HTTP surface of the daemon.
type Server struct {
	cfg    *config.Config
	source pipeline.Source
	pipe   *pipeline.Pipeline
	bcast  *stream.Broadcaster
	night  *nightvision.Machine
	hub    *Hub
	logs   *logging.RingBuffer
	bus    *bus.Bus
	logger *slog.Logger

	snapLimiter *ratelimit.Bucket
	started     time.Time
	version     string
}

// NewServer wires the HTTP surface over the running pipeline.
func NewServer(cfg *config.Config, src pipeline.Source, pipe *pipeline.Pipeline, bcast *stream.Broadcaster, night *nightvision.Machine, logs *logging.RingBuffer, b *bus.Bus, version string) *Server {
	return &Server{
		cfg:         cfg,
		source:      src,
		pipe:        pipe,
		bcast:       bcast,
		night:       night,
		hub:         NewHub(),
		logs:        logs,
		bus:         b,
		logger:      slog.Default().With("component", "api"),
		snapLimiter: ratelimit.NewBucketWithRate(snapshotRate, snapshotBurst),
		started:     time.Now(),
		version:     version,
	}
}

// Hub exposes the WebSocket hub for push wiring.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start launches the hub run loop, the 1 Hz status push and the bus
// relay. It returns immediately.
func (s *Server) Start(ctx context.Context) {
	go s.hub.Run(ctx)
	go s.statusLoop(ctx)
	s.relayBusEvents()
}

// Router assembles the chi router. Streaming routes live outside the
// timeout middleware; everything else gets the standard stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	origins := s.cfg.Snapshot().Server.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Long-lived connections: MJPEG, SSE, WebSocket.
	r.Group(func(r chi.Router) {
		r.Get("/video_feed", s.handleVideoFeed)
		r.Get("/api/logs/stream", s.handleLogStream)
		r.Get("/ws", s.hub.HandleWebSocket)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/", s.handleIndex)
		r.Get("/snapshot", s.handleSnapshot)
		r.Get("/status", s.handleStatus)
		r.Get("/healthz", s.handleHealthz)

		r.Post("/reset_camera", s.handleResetCamera)
		r.Post("/toggle_night_vision", s.handleToggleNightVision)
		r.Post("/toggle_night_vision_mode", s.handleToggleNightVisionMode)
		r.Post("/toggle_green_night_vision", s.handleToggleGreen)
		r.Post("/set_night_vision_strength", s.handleSetStrength)
		r.Post("/set_light_threshold", s.handleSetThreshold)

		r.Get("/api/logs", s.handleLogs)
		r.Get("/api/config", s.handleConfig)
	})

	return r
}

// statusLoop pushes a snapshot to connected WebSocket clients once per
// second.
func (s *Server) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.hub.ClientCount() > 0 {
				s.hub.Broadcast(StatusMessage(s.statusPayload()))
			}
		}
	}
}

// relayBusEvents mirrors every bus event into the WebSocket hub.
func (s *Server) relayBusEvents() {
	if s.bus == nil {
		return
	}
	if _, err := s.bus.Subscribe(">", func(m *nats.Msg) {
		s.hub.Broadcast(EventMessage(m.Subject, json.RawMessage(m.Data)))
	}); err != nil {
		s.logger.Warn("Failed to subscribe to bus events", "error", err)
	}
}

// PushStatus broadcasts an immediate status snapshot, used by the health
// monitor after each check.
func (s *Server) PushStatus() {
	if s.hub.ClientCount() > 0 {
		s.hub.Broadcast(StatusMessage(s.statusPayload()))
	}
}

func (s *Server) statusPayload() map[string]interface{} {
	stats := s.pipe.FPS.Stats()
	level, reduce := s.pipe.Proc.Snapshot()

	return map[string]interface{}{
		"active_clients":    s.bcast.Active(),
		"max_clients":       s.bcast.MaxClients(),
		"fps":               stats,
		"uptime":            int64(time.Since(s.started).Seconds()),
		"camera_status":     string(s.source.Status()),
		"processing_level":  level,
		"reduce_processing": reduce,
		"night_vision":      s.night.Snapshot(),
		"version":           s.version,
	}
}
