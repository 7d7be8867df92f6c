// Package stream fans the cached JPEG encoding out to connected MJPEG
// clients, one paced loop per client.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gitjerryh/shumeipai-camera/internal/bus"
	"github.com/gitjerryh/shumeipai-camera/internal/config"
	"github.com/gitjerryh/shumeipai-camera/internal/pipeline"
)

// ErrTooManyClients is returned by Subscribe when every slot is taken.
var ErrTooManyClients = errors.New("too many clients")

const (
	boundary = "frame"

	// emptyCacheWait spaces out polls while no frame has been encoded
	// yet.
	emptyCacheWait = 100 * time.Millisecond
)

// Pacer reports whether reduced client pacing is in effect.
// *pipeline.Processing satisfies it.
type Pacer interface {
	Reduce() bool
}

// Broadcaster hands out client slots and owns the pacing policy. Frames
// come from the encode cache; the broadcaster itself never encodes.
type Broadcaster struct {
	cache  *pipeline.EncodeCache
	proc   Pacer
	bus    *bus.Bus
	logger *slog.Logger

	maxClients  int
	fullRate    int
	reducedRate int

	mu      sync.Mutex
	nextID  uint64
	clients map[uint64]*ClientSession
}

func New(cache *pipeline.EncodeCache, proc Pacer, b *bus.Bus, cfg config.StreamConfig) *Broadcaster {
	max := cfg.MaxClients
	if max <= 0 {
		max = 5
	}
	full := cfg.ClientFPS
	if full <= 0 {
		full = 30
	}
	reduced := cfg.ReducedClientFPS
	if reduced <= 0 {
		reduced = 15
	}
	return &Broadcaster{
		cache:       cache,
		proc:        proc,
		bus:         b,
		logger:      slog.Default().With("component", "stream"),
		maxClients:  max,
		fullRate:    full,
		reducedRate: reduced,
		clients:     make(map[uint64]*ClientSession),
	}
}

// ClientSession is one connected viewer. Obtain it from Subscribe and
// release it with Close; Stream closes it on exit.
type ClientSession struct {
	ID      uint64
	Session string
	Joined  time.Time

	b    *Broadcaster
	once sync.Once
}

// Subscribe reserves a client slot. It fails with ErrTooManyClients
// before any streaming work starts when the cap is reached.
func (b *Broadcaster) Subscribe() (*ClientSession, error) {
	b.mu.Lock()
	if len(b.clients) >= b.maxClients {
		b.mu.Unlock()
		return nil, ErrTooManyClients
	}
	b.nextID++
	c := &ClientSession{
		ID:      b.nextID,
		Session: uuid.NewString(),
		Joined:  time.Now(),
		b:       b,
	}
	b.clients[c.ID] = c
	active := len(b.clients)
	b.mu.Unlock()

	b.logger.Info("Client connected",
		"client_id", c.ID,
		"session", c.Session,
		"active", active)
	if err := b.bus.PublishClient(c.ID, c.Session, "connected", active); err != nil {
		b.logger.Debug("Failed to publish client event", "error", err)
	}
	return c, nil
}

// Active returns the number of connected clients.
func (b *Broadcaster) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// MaxClients returns the slot cap.
func (b *Broadcaster) MaxClients() int {
	return b.maxClients
}

// interval is the current per-client frame spacing.
func (b *Broadcaster) interval() time.Duration {
	rate := b.fullRate
	if b.proc.Reduce() {
		rate = b.reducedRate
	}
	return time.Second / time.Duration(rate)
}

// Close releases the slot. Safe to call more than once.
func (c *ClientSession) Close() {
	c.once.Do(func() {
		b := c.b
		b.mu.Lock()
		delete(b.clients, c.ID)
		active := len(b.clients)
		b.mu.Unlock()

		b.logger.Info("Client disconnected",
			"client_id", c.ID,
			"session", c.Session,
			"active", active,
			"duration", time.Since(c.Joined).Round(time.Millisecond))
		if err := b.bus.PublishClient(c.ID, c.Session, "disconnected", active); err != nil {
			b.logger.Debug("Failed to publish client event", "error", err)
		}
	})
}

// Stream writes the multipart MJPEG stream to w until ctx ends or the
// client goes away. A write failure ends only this client.
func (c *ClientSession) Stream(ctx context.Context, w http.ResponseWriter) {
	defer c.Close()

	h := w.Header()
	h.Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Connection", "close")

	flusher, _ := w.(http.Flusher)
	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(boundary); err != nil {
		c.b.logger.Error("Failed to set stream boundary", "error", err)
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		lastSent := time.Now()

		data, _ := c.b.cache.Cached()
		if data == nil {
			if !wait(ctx, emptyCacheWait) {
				return
			}
			continue
		}

		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":   {"image/jpeg"},
			"Content-Length": {strconv.Itoa(len(data))},
		})
		if err != nil {
			c.b.logger.Debug("Client write failed", "client_id", c.ID, "error", err)
			return
		}
		if _, err := part.Write(data); err != nil {
			c.b.logger.Debug("Client write failed", "client_id", c.ID, "error", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}

		// Pace from the last-sent timestamp so write time counts toward
		// the interval instead of stretching it.
		if rest := c.b.interval() - time.Since(lastSent); rest > 0 {
			if !wait(ctx, rest) {
				return
			}
		}
	}
}

func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
