package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"time"
)

// JPEG quality bounds for the encode cache.
const (
	minJPEGQuality = 75
	maxJPEGQuality = 85
)

// FrameStore holds the newest display frame and its capture time.
// Published frames must not be mutated afterwards.
type FrameStore struct {
	mu        sync.RWMutex
	frame     *image.RGBA
	timestamp time.Time
}

// Publish installs img as the newest frame.
func (s *FrameStore) Publish(img *image.RGBA, ts time.Time) {
	s.mu.Lock()
	s.frame = img
	s.timestamp = ts
	s.mu.Unlock()
}

// Latest returns the newest frame and its capture time, or nil when
// nothing has been published yet.
func (s *FrameStore) Latest() (*image.RGBA, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frame, s.timestamp
}

// LastFrameTime returns the capture time of the newest frame. The zero
// time means no frame has ever been published.
func (s *FrameStore) LastFrameTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timestamp
}

// EncodeCache holds the JPEG encoding of the newest frame so that every
// connected client reads the same bytes instead of re-encoding per
// client. Compression runs outside the lock; only the slot swap is
// guarded.
type EncodeCache struct {
	mu      sync.RWMutex
	data    []byte
	seq     uint64
	written time.Time
	quality int
}

// NewEncodeCache returns a cache encoding at the given quality, clamped
// to the supported range.
func NewEncodeCache(quality int) *EncodeCache {
	return &EncodeCache{quality: clampQuality(quality)}
}

// Encode compresses img and installs the result as the newest cached
// frame.
func (c *EncodeCache) Encode(img *image.RGBA) error {
	c.mu.RLock()
	q := c.quality
	c.mu.RUnlock()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	c.mu.Lock()
	c.data = buf.Bytes()
	c.seq++
	c.written = time.Now()
	c.mu.Unlock()
	return nil
}

// Cached returns a copy of the newest JPEG and its sequence number. A
// nil slice means nothing has been produced yet.
func (c *EncodeCache) Cached() ([]byte, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.data == nil {
		return nil, 0
	}
	out := make([]byte, len(c.data))
	copy(out, c.data)
	return out, c.seq
}

// Seq returns the sequence number of the cached encoding.
func (c *EncodeCache) Seq() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.seq
}

// SetQuality updates the encode quality, clamped to the supported range.
// Takes effect on the next Encode.
func (c *EncodeCache) SetQuality(q int) {
	q = clampQuality(q)
	c.mu.Lock()
	c.quality = q
	c.mu.Unlock()
}

func clampQuality(q int) int {
	if q < minJPEGQuality {
		return minJPEGQuality
	}
	if q > maxJPEGQuality {
		return maxJPEGQuality
	}
	return q
}
