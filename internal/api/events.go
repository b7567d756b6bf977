package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/roach88/convo/internal/notify"
)

// events streams workspace notifications as server-sent events until the
// client disconnects. ?thread=<id> limits the feed to one thread.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "streaming not supported")
		return
	}
	thread := r.URL.Query().Get("thread")

	ch, cancel := s.ws.Subscribe(notify.DefaultBuffer)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s.metrics.SSEOpened()
	defer s.metrics.SSEClosed()

	if err := sendSSEEvent(w, flusher, "connected", map[string]string{"thread": thread}); err != nil {
		return
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("SSE client disconnected")
			return

		case n, ok := <-ch:
			if !ok {
				return
			}
			if thread != "" && n.ThreadID != "" && n.ThreadID != thread {
				continue
			}
			if err := sendSSEEvent(w, flusher, eventName(n.Kind), n); err != nil {
				return
			}

		case <-heartbeat.C:
			if err := sendSSEEvent(w, flusher, "heartbeat", map[string]string{"time": time.Now().UTC().Format(time.RFC3339)}); err != nil {
				return
			}
		}
	}
}

// eventName namespaces notification kinds for EventSource listeners.
func eventName(k notify.Kind) string {
	switch k {
	case notify.ThreadCreated, notify.ThreadUpdated, notify.ThreadDeleted:
		return "thread." + string(k)
	default:
		return "stream." + string(k)
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
