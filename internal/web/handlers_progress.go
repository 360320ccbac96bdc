package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	ownmw "tagvault/internal/web/middleware"
)

// handleProgress streams progress updates as Server-Sent Events. Updates
// published before the subscriber connected are replayed first, so a late
// or reconnecting client sees the full ordered sequence. While the job is
// quiet the stream carries comment heartbeats to keep intermediaries from
// closing it.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	owner := ownmw.OwnerFromContext(r.Context())
	channelID := chi.URLParam(r, "channelID")

	updates, err := s.service.SubscribeProgress(r.Context(), owner, channelID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(w)

	heartbeat := time.NewTicker(s.cfg.Progress.HeartbeatInterval)
	defer heartbeat.Stop()

	eventID := 0
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				// Terminal update delivered; tell the client not to reconnect.
				fmt.Fprint(w, "event: close\ndata: {}\n\n")
				rc.Flush()
				return
			}

			data, err := json.Marshal(update)
			if err != nil {
				continue
			}
			eventID++
			fmt.Fprintf(w, "id: %d\nevent: progress\ndata: %s\n\n", eventID, data)
			if err := rc.Flush(); err != nil {
				return
			}

		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			if err := rc.Flush(); err != nil {
				return
			}

		case <-r.Context().Done():
			return
		}
	}
}
