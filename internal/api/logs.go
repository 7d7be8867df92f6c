package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gitjerryh/shumeipai-camera/internal/logging"
)

const defaultLogCount = 100

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	n := defaultLogCount
	if raw := r.URL.Query().Get("count"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			Error(w, http.StatusBadRequest, "count must be a positive integer")
			return
		}
		n = v
	}

	entries := s.logs.GetRecent(n)
	OK(w, map[string]interface{}{
		"logs":  entries,
		"count": len(entries),
	})
}

// handleLogStream tails the log over SSE until the client goes away.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		InternalError(w, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.logs.Subscribe()
	defer s.logs.Unsubscribe(ch)

	// Replay a short tail so a fresh view is not empty.
	for _, entry := range s.logs.GetRecent(20) {
		fmt.Fprintf(w, "data: %s\n\n", logging.LogEntryToJSON(entry))
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case entry, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", logging.LogEntryToJSON(entry))
			flusher.Flush()
		}
	}
}
