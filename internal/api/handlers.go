package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gitjerryh/shumeipai-camera/internal/stream"
)

// maxBodySize bounds control request bodies.
const maxBodySize = 1 << 16

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v); err != nil {
		return fmt.Errorf("failed to decode request body: %w", err)
	}
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexHTML)
}

func (s *Server) handleVideoFeed(w http.ResponseWriter, r *http.Request) {
	client, err := s.bcast.Subscribe()
	if err != nil {
		if errors.Is(err, stream.ErrTooManyClients) {
			ServiceUnavailable(w, "too many clients")
			return
		}
		InternalError(w, "failed to open stream")
		return
	}
	client.Stream(r.Context(), w)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.snapLimiter.TakeAvailable(1) == 0 {
		Error(w, http.StatusTooManyRequests, "snapshot rate limit exceeded")
		return
	}

	data, _ := s.pipe.Cache.Cached()
	if data == nil {
		ServiceUnavailable(w, "no frame available")
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(data)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	OK(w, s.statusPayload())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	OK(w, map[string]interface{}{
		"status":        "ok",
		"uptime":        int64(time.Since(s.started).Seconds()),
		"camera_status": string(s.source.Status()),
	})
}

func (s *Server) handleResetCamera(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Manual camera reset requested", "remote", r.RemoteAddr)
	if err := s.source.Reset(r.Context()); err != nil {
		s.logger.Error("Manual camera reset failed", "error", err)
		InternalError(w, "camera reset failed")
		return
	}
	OK(w, map[string]bool{"success": true})
}

func (s *Server) handleToggleNightVision(w http.ResponseWriter, r *http.Request) {
	enabled, active := s.night.ToggleEnabled()
	OK(w, map[string]bool{"enabled": enabled, "active": active})
}

func (s *Server) handleToggleNightVisionMode(w http.ResponseWriter, r *http.Request) {
	auto, active := s.night.ToggleAuto()
	OK(w, map[string]bool{"auto": auto, "active": active})
}

func (s *Server) handleToggleGreen(w http.ResponseWriter, r *http.Request) {
	OK(w, map[string]bool{"green": s.night.ToggleGreen()})
}

func (s *Server) handleSetStrength(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Strength float64 `json:"strength"`
	}
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.night.SetStrength(req.Strength); err != nil {
		ValidationFailed(w, ValidationErrors{RangeError("strength", 0.1, 1.0)})
		return
	}
	OK(w, map[string]float64{"strength": req.Strength})
}

func (s *Server) handleSetThreshold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Threshold float64 `json:"threshold"`
	}
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.night.SetThreshold(req.Threshold); err != nil {
		ValidationFailed(w, ValidationErrors{RangeError("threshold", 10, 150)})
		return
	}
	OK(w, map[string]float64{"threshold": req.Threshold})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	snap := s.cfg.Snapshot()
	OK(w, map[string]interface{}{
		"camera": map[string]interface{}{
			"device":     snap.Camera.Device,
			"width":      snap.Camera.Width,
			"height":     snap.Camera.Height,
			"format":     snap.Camera.Format,
			"target_fps": snap.Camera.TargetFPS,
		},
		"stream": map[string]interface{}{
			"jpeg_quality":       snap.Stream.JPEGQuality,
			"max_clients":        snap.Stream.MaxClients,
			"client_fps":         snap.Stream.ClientFPS,
			"reduced_client_fps": snap.Stream.ReducedClientFPS,
		},
		"enhancement": map[string]interface{}{
			"default_level": snap.Enhancement.DefaultLevel,
		},
		"night_vision": map[string]interface{}{
			"enabled":         snap.NightVision.Enabled,
			"auto":            snap.NightVision.Auto,
			"green_tint":      snap.NightVision.GreenTint,
			"strength":        snap.NightVision.Strength,
			"light_threshold": snap.NightVision.LightThreshold,
		},
		"adaptive": map[string]interface{}{
			"interval_seconds": snap.Adaptive.IntervalSeconds,
		},
		"health": map[string]interface{}{
			"interval_seconds":      snap.Health.IntervalSeconds,
			"frame_timeout_seconds": snap.Health.FrameTimeoutSeconds,
		},
		"logging": map[string]interface{}{
			"level": snap.Logging.Level,
		},
	})
}
