// Package bus provides in-process pub/sub for system events using an
// embedded NATS server. The frame path never touches the bus; it carries
// telemetry only (camera lifecycle, night-vision transitions, processing
// level changes, client sessions).
package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Subjects for system events.
const (
	SubjectCameraOnline     = "camera.online"
	SubjectCameraReset      = "camera.reset"
	SubjectCameraError      = "camera.error"
	SubjectNightVisionState = "nightvision.state"
	SubjectProcessingLevel  = "processing.level"
	SubjectClientSession    = "stream.client"
)

// CameraEvent describes a camera lifecycle transition.
type CameraEvent struct {
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NightVisionEvent describes a night-vision state change.
type NightVisionEvent struct {
	Enabled   bool      `json:"enabled"`
	Auto      bool      `json:"auto"`
	Active    bool      `json:"active"`
	GreenTint bool      `json:"green_tint"`
	Strength  float64   `json:"strength"`
	Timestamp time.Time `json:"timestamp"`
}

// ProcessingEvent describes an adaptive controller adjustment.
type ProcessingEvent struct {
	Level     int       `json:"level"`
	Reduce    bool      `json:"reduce"`
	FPS       float64   `json:"fps"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientEvent describes a streaming client connect or disconnect.
type ClientEvent struct {
	ID        uint64    `json:"id"`
	Session   string    `json:"session"`
	Action    string    `json:"action"` // connected or disconnected
	Active    int       `json:"active"`
	Timestamp time.Time `json:"timestamp"`
}

// Config configures the event bus.
type Config struct {
	// Host for the NATS server (default: 127.0.0.1)
	Host string
	// Port for the NATS server; 0 picks an ephemeral port
	Port int
}

// Bus wraps an embedded NATS server plus its in-process connection.
type Bus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	// Subscription tracking
	subs   map[string][]*nats.Subscription
	subsMu sync.RWMutex
}

// New starts an embedded NATS server and connects to it.
func New(cfg Config, logger *slog.Logger) (*Bus, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	port := cfg.Port
	if port == 0 {
		port = server.RANDOM_PORT
	}

	opts := &server.Options{
		Host:   cfg.Host,
		Port:   port,
		NoSigs: true,
		NoLog:  true, // We'll use our own logger
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready after 2 seconds")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	b := &Bus{
		server: ns,
		conn:   nc,
		logger: logger.With("component", "bus"),
		subs:   make(map[string][]*nats.Subscription),
	}

	b.logger.Info("Event bus started", "url", ns.ClientURL())

	return b, nil
}

// ClientURL returns the NATS client URL.
func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

// Connected reports whether the in-process connection is alive.
func (b *Bus) Connected() bool {
	return b.conn.IsConnected()
}

// Publish marshals data to JSON and publishes it to a subject.
// A nil Bus silently drops events so components can run without one.
func (b *Bus) Publish(subject string, data interface{}) error {
	if b == nil {
		return nil
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return b.conn.Publish(subject, payload)
}

// Subscribe subscribes a handler to a subject.
func (b *Bus) Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}

	b.subsMu.Lock()
	b.subs[subject] = append(b.subs[subject], sub)
	b.subsMu.Unlock()

	return sub, nil
}

// Unsubscribe removes all subscriptions for a subject.
func (b *Bus) Unsubscribe(subject string) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	if subs, ok := b.subs[subject]; ok {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
		delete(b.subs, subject)
	}
}

// Stop drains the connection and shuts down the embedded server.
func (b *Bus) Stop() {
	if b == nil {
		return
	}
	_ = b.conn.Drain()
	b.server.Shutdown()
	b.logger.Info("Event bus stopped")
}

// PublishCamera publishes a camera lifecycle event.
func (b *Bus) PublishCamera(subject, status, reason string) error {
	return b.Publish(subject, CameraEvent{
		Status:    status,
		Reason:    reason,
		Timestamp: time.Now(),
	})
}

// PublishNightVision publishes a night-vision state event.
func (b *Bus) PublishNightVision(ev NightVisionEvent) error {
	ev.Timestamp = time.Now()
	return b.Publish(SubjectNightVisionState, ev)
}

// PublishProcessing publishes an adaptive adjustment event.
func (b *Bus) PublishProcessing(level int, reduce bool, fps float64) error {
	return b.Publish(SubjectProcessingLevel, ProcessingEvent{
		Level:     level,
		Reduce:    reduce,
		FPS:       fps,
		Timestamp: time.Now(),
	})
}

// PublishClient publishes a client session event.
func (b *Bus) PublishClient(id uint64, session, action string, active int) error {
	return b.Publish(SubjectClientSession, ClientEvent{
		ID:        id,
		Session:   session,
		Action:    action,
		Active:    active,
		Timestamp: time.Now(),
	})
}
