package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/basket/featureloop/internal/bus"
)

// handleEventStream implements GET /api/events?kinds=progress,log.
// It streams this project's bus events as server-sent events until the
// client disconnects.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if !s.readOnly(w, r) {
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "streaming not available: event bus not configured", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	var kinds map[string]bool
	if raw := r.URL.Query().Get("kinds"); raw != "" {
		kinds = map[string]bool{}
		for _, k := range strings.Split(raw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				kinds[k] = true
			}
		}
	}

	sub := s.cfg.Bus.SubscribeBuffered(bus.ProjectPrefix(s.project()), subscriptionBuffer)
	defer s.cfg.Bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			kind := bus.KindOf(ev.Topic)
			if kinds != nil && !kinds[kind] {
				continue
			}
			data, err := json.Marshal(EventNotification{Kind: kind, Project: s.project(), Payload: ev.Payload})
			if err != nil {
				s.logger.Error("sse: marshal event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", kind, data); err != nil {
				s.logger.Debug("sse: write failed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}
