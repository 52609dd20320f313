package web

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleEvents streams supervisor events as Server-Sent Events. A ?project=
// query scopes the stream to one project's events plus unscoped system
// events; repeat the parameter for multiple projects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)
	if projects := r.URL.Query()["project"]; len(projects) > 0 {
		sub.Scope(projects...)
	}

	fmt.Fprint(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()
	s.logger.Debug("Event stream opened", "remote", r.RemoteAddr)

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("Event stream closed", "remote", r.RemoteAddr)
			return
		case ev, ok := <-sub.Events():
			if !ok {
				// Dropped for falling behind, or broadcaster shutdown.
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("Failed to marshal event", "type", ev.Type, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}
