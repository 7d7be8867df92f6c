package pipeline

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func solidFrame(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestFrameStoreEmpty(t *testing.T) {
	var s FrameStore
	if img, _ := s.Latest(); img != nil {
		t.Error("expected nil frame before any publish")
	}
	if !s.LastFrameTime().IsZero() {
		t.Error("expected zero last frame time before any publish")
	}
}

func TestFrameStorePublish(t *testing.T) {
	var s FrameStore
	img := solidFrame(8, 8, color.RGBA{200, 10, 10, 255})
	ts := time.Unix(200, 0)
	s.Publish(img, ts)

	got, gotTS := s.Latest()
	if got != img {
		t.Error("Latest returned a different frame")
	}
	if !gotTS.Equal(ts) {
		t.Errorf("Latest timestamp = %v, want %v", gotTS, ts)
	}
	if !s.LastFrameTime().Equal(ts) {
		t.Errorf("LastFrameTime = %v, want %v", s.LastFrameTime(), ts)
	}
}

func TestEncodeCacheEmpty(t *testing.T) {
	c := NewEncodeCache(85)
	if data, seq := c.Cached(); data != nil || seq != 0 {
		t.Errorf("Cached before encode = (%d bytes, seq %d), want (nil, 0)", len(data), seq)
	}
}

func TestEncodeCacheEncode(t *testing.T) {
	c := NewEncodeCache(85)
	img := solidFrame(32, 24, color.RGBA{120, 90, 60, 255})

	if err := c.Encode(img); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	data, seq := c.Cached()
	if seq != 1 {
		t.Errorf("seq = %d, want 1", seq)
	}
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		t.Error("cached bytes do not start with a JPEG SOI marker")
	}
	if data[len(data)-2] != 0xFF || data[len(data)-1] != 0xD9 {
		t.Error("cached bytes do not end with a JPEG EOI marker")
	}

	if err := c.Encode(img); err != nil {
		t.Fatalf("second Encode failed: %v", err)
	}
	if got := c.Seq(); got != 2 {
		t.Errorf("seq after second encode = %d, want 2", got)
	}
}

func TestEncodeCacheCopyIsolation(t *testing.T) {
	c := NewEncodeCache(85)
	if err := c.Encode(solidFrame(16, 16, color.RGBA{0, 128, 255, 255})); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	first, _ := c.Cached()
	for i := range first {
		first[i] = 0
	}
	second, _ := c.Cached()
	if second[0] != 0xFF || second[1] != 0xD8 {
		t.Error("mutating a returned slice corrupted the cache")
	}
}

func TestEncodeCacheQualityClamp(t *testing.T) {
	if q := NewEncodeCache(95).quality; q != maxJPEGQuality {
		t.Errorf("quality above range clamped to %d, want %d", q, maxJPEGQuality)
	}
	if q := NewEncodeCache(10).quality; q != minJPEGQuality {
		t.Errorf("quality below range clamped to %d, want %d", q, minJPEGQuality)
	}

	c := NewEncodeCache(85)
	c.SetQuality(80)
	if c.quality != 80 {
		t.Errorf("SetQuality(80) stored %d", c.quality)
	}
	c.SetQuality(0)
	if c.quality != minJPEGQuality {
		t.Errorf("SetQuality(0) stored %d, want %d", c.quality, minJPEGQuality)
	}
}

// Readers must always see exactly one complete encoding, never a blend
// of two, no matter how writes interleave.
func TestEncodeCacheConcurrentReads(t *testing.T) {
	red := solidFrame(16, 16, color.RGBA{220, 20, 20, 255})
	blue := solidFrame(16, 16, color.RGBA{20, 20, 220, 255})

	encode := func(img *image.RGBA) []byte {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
			t.Fatalf("reference encode failed: %v", err)
		}
		return buf.Bytes()
	}
	refRed := encode(red)
	refBlue := encode(blue)

	c := NewEncodeCache(85)
	done := make(chan struct{})
	var torn atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				data, _ := c.Cached()
				if data == nil {
					continue
				}
				if !bytes.Equal(data, refRed) && !bytes.Equal(data, refBlue) {
					torn.Add(1)
					return
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		img := red
		if i%2 == 1 {
			img = blue
		}
		if err := c.Encode(img); err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
	}
	close(done)
	wg.Wait()

	if n := torn.Load(); n != 0 {
		t.Errorf("%d reads observed a torn or mixed encoding", n)
	}
}
