package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gitjerryh/shumeipai-camera/internal/camera"
	"github.com/gitjerryh/shumeipai-camera/internal/config"
	"github.com/gitjerryh/shumeipai-camera/internal/logging"
	"github.com/gitjerryh/shumeipai-camera/internal/nightvision"
	"github.com/gitjerryh/shumeipai-camera/internal/pipeline"
	"github.com/gitjerryh/shumeipai-camera/internal/stream"
)

// stubSource stands in for the camera behind the handlers.
type stubSource struct {
	mu       sync.Mutex
	resetErr error
	resets   int
}

func (s *stubSource) Initialize(ctx context.Context) error { return nil }
func (s *stubSource) Ready() bool                          { return true }

func (s *stubSource) CaptureRaw() (*camera.Frame, error) {
	return nil, camera.ErrNotReady
}

func (s *stubSource) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	return s.resetErr
}

func (s *stubSource) Drop(string) {}

func (s *stubSource) Status() camera.Status { return camera.StatusOnline }
func (s *stubSource) Close() error          { return nil }

type testEnv struct {
	server *Server
	router http.Handler
	source *stubSource
	night  *nightvision.Machine
	pipe   *pipeline.Pipeline
	bcast  *stream.Broadcaster
	logs   *logging.RingBuffer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Default()
	src := &stubSource{}
	night := nightvision.New(cfg.Snapshot().NightVision, nil)
	pipe := pipeline.New(cfg, src, night, nil)
	bcast := stream.New(pipe.Cache, pipe.Proc, nil, cfg.Snapshot().Stream)
	logs := logging.NewRingBuffer(100)

	srv := NewServer(cfg, src, pipe, bcast, night, logs, nil, "test")
	return &testEnv{
		server: srv,
		router: srv.Router(),
		source: src,
		night:  night,
		pipe:   pipe,
		bcast:  bcast,
		logs:   logs,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("response is not JSON: %v\n%s", err, rec.Body.String())
	}
	return m
}

func fillCache(t *testing.T, p *pipeline.Pipeline) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 32; x++ {
			img.SetRGBA(x, y, color.RGBA{uint8(40 + x), uint8(60 + y), 80, 255})
		}
	}
	if err := p.Cache.Encode(img); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
}

func TestStatusShape(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/status", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	body := decodeBody(t, rec)

	for _, key := range []string{
		"active_clients", "max_clients", "fps", "uptime",
		"camera_status", "reduce_processing", "processing_level", "night_vision",
	} {
		if _, ok := body[key]; !ok {
			t.Errorf("status payload missing %q", key)
		}
	}

	fps, ok := body["fps"].(map[string]interface{})
	if !ok {
		t.Fatalf("fps is %T, want object", body["fps"])
	}
	for _, key := range []string{"current", "min", "max", "avg"} {
		if _, ok := fps[key]; !ok {
			t.Errorf("fps block missing %q", key)
		}
	}

	if got := body["camera_status"]; got != "online" {
		t.Errorf("camera_status = %v, want online", got)
	}
	if got := body["max_clients"]; got != float64(5) {
		t.Errorf("max_clients = %v, want 5", got)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["camera_status"] != "online" {
		t.Errorf("camera_status = %v, want online", body["camera_status"])
	}
}

func TestIndexServed(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "/video_feed") {
		t.Error("index page does not reference the stream")
	}
}

func TestVideoFeedRejectsAtCap(t *testing.T) {
	env := newTestEnv(t)

	var held []*stream.ClientSession
	for i := 0; i < 5; i++ {
		c, err := env.bcast.Subscribe()
		if err != nil {
			t.Fatalf("subscribe %d failed: %v", i+1, err)
		}
		held = append(held, c)
	}
	defer func() {
		for _, c := range held {
			c.Close()
		}
	}()

	rec := env.do(t, http.MethodGet, "/video_feed", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status code = %d, want 503", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "too many clients" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestVideoFeedReleasesSlot(t *testing.T) {
	env := newTestEnv(t)
	fillCache(t, env.pipe)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/video_feed", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Errorf("Content-Type = %q", ct)
	}
	if env.bcast.Active() != 0 {
		t.Error("stream slot not released after the request ended")
	}
}

func TestSnapshotEmptyCache(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/snapshot", "")

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want 503", rec.Code)
	}
}

func TestSnapshotServesJPEG(t *testing.T) {
	env := newTestEnv(t)
	fillCache(t, env.pipe)

	rec := env.do(t, http.MethodGet, "/snapshot", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q", ct)
	}
	if body := rec.Body.Bytes(); len(body) < 2 || !bytes.HasPrefix(body, []byte{0xFF, 0xD8}) {
		t.Error("body is not a JPEG")
	}
}

func TestSnapshotRateLimit(t *testing.T) {
	env := newTestEnv(t)
	fillCache(t, env.pipe)

	var ok, limited int
	for i := 0; i < 8; i++ {
		switch rec := env.do(t, http.MethodGet, "/snapshot", ""); rec.Code {
		case http.StatusOK:
			ok++
		case http.StatusTooManyRequests:
			limited++
		default:
			t.Fatalf("unexpected status %d", rec.Code)
		}
	}
	if ok == 0 || limited == 0 {
		t.Errorf("burst of 8: ok=%d limited=%d, want both non-zero", ok, limited)
	}
}

func TestResetCamera(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/reset_camera", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["success"] != true {
		t.Errorf("body = %v", body)
	}
	if env.source.resets != 1 {
		t.Errorf("resets = %d, want 1", env.source.resets)
	}
}

func TestResetCameraFailure(t *testing.T) {
	env := newTestEnv(t)
	env.source.resetErr = camera.ErrInitFailed

	rec := env.do(t, http.MethodPost, "/reset_camera", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status code = %d, want 500", rec.Code)
	}
}

func TestResetCameraMethod(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/reset_camera", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET on a POST route = %d, want 405", rec.Code)
	}
}

func TestToggleNightVision(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/toggle_night_vision", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["enabled"] != true || body["active"] != true {
		t.Errorf("first toggle = %v, want enabled and active", body)
	}

	rec = env.do(t, http.MethodPost, "/toggle_night_vision", "")
	body = decodeBody(t, rec)
	if body["enabled"] != false || body["active"] != false {
		t.Errorf("second toggle = %v, want disabled and inactive", body)
	}
}

func TestToggleNightVisionMode(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/toggle_night_vision_mode", "")
	body := decodeBody(t, rec)
	if body["auto"] != true {
		t.Errorf("auto = %v after first toggle, want true", body["auto"])
	}
}

func TestToggleGreen(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/toggle_green_night_vision", "")
	if body := decodeBody(t, rec); body["green"] != true {
		t.Errorf("green = %v, want true", body["green"])
	}
}

func TestSetStrengthValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/set_night_vision_strength", `{"strength":0.05}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("out-of-range strength = %d, want 400", rec.Code)
	}
	body := decodeBody(t, rec)
	details, ok := body["details"].([]interface{})
	if !ok || len(details) == 0 {
		t.Fatalf("missing validation details: %v", body)
	}
	first := details[0].(map[string]interface{})
	if first["field"] != "strength" {
		t.Errorf("field = %v, want strength", first["field"])
	}

	rec = env.do(t, http.MethodPost, "/set_night_vision_strength", `{"strength":0.5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid strength = %d, want 200", rec.Code)
	}
	if got := env.night.Snapshot().Strength; got != 0.5 {
		t.Errorf("strength not applied: %v", got)
	}
}

func TestSetThresholdValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/set_light_threshold", `{"threshold":5}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("out-of-range threshold = %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/set_light_threshold", `{"threshold":100}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid threshold = %d, want 200", rec.Code)
	}
	if got := env.night.Snapshot().LightThreshold; got != 100 {
		t.Errorf("threshold not applied: %v", got)
	}
}

func TestSetStrengthBadBody(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/set_night_vision_strength", `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body = %d, want 400", rec.Code)
	}
}

func TestConfigEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/config", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	cam, ok := body["camera"].(map[string]interface{})
	if !ok {
		t.Fatalf("camera block missing: %v", body)
	}
	if cam["device"] != "/dev/video0" {
		t.Errorf("device = %v", cam["device"])
	}
	if cam["width"] != float64(640) || cam["height"] != float64(480) {
		t.Errorf("size = %vx%v, want 640x480", cam["width"], cam["height"])
	}
}

func TestLogsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		env.logs.Add(logging.LogEntry{
			Time:    time.Now(),
			Level:   "INFO",
			Message: "test entry",
		})
	}

	rec := env.do(t, http.MethodGet, "/api/logs?count=3", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["count"] != float64(3) {
		t.Errorf("count = %v, want 3", body["count"])
	}
}

func TestLogsBadCount(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/logs?count=abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status code = %d, want 400", rec.Code)
	}
}

func TestLogStreamReplaysTail(t *testing.T) {
	env := newTestEnv(t)
	env.logs.Add(logging.LogEntry{Time: time.Now(), Level: "INFO", Message: "hello"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/logs/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "data: ") {
		t.Error("no SSE frames in replay")
	}
	if !strings.Contains(rec.Body.String(), "hello") {
		t.Error("tail entry not replayed")
	}
}
