package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/keelrun/keel/pkg/event"
	"github.com/keelrun/keel/pkg/stream"
)

// handleStreamEvents serves a run's event stream as Server-Sent Events.
// The SSE event id is the kernel sequence, so a disconnected client can
// resume gap-free with Last-Event-ID (or ?from=<sequence>).
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		WriteError(w, http.StatusNotImplemented, "Not Implemented", "Event streaming is not enabled")
		return
	}

	runID := r.PathValue("id")
	if _, err := s.orch.View(runID); err != nil {
		WriteFault(w, r, err)
		return
	}

	var sub *stream.Subscription
	var err error
	if raw := r.URL.Query().Get("from_time"); raw != "" {
		from, parseErr := time.Parse(time.RFC3339, raw)
		if parseErr != nil {
			WriteBadRequest(w, "from_time must be RFC 3339")
			return
		}
		sub, err = s.events.SubscribeFromTime(runID, from)
	} else {
		sub, err = s.events.Subscribe(runID, parseCursor(r))
	}
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	defer s.events.Unsubscribe(sub)

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteInternal(w, fmt.Errorf("response writer does not support streaming"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-sub.Events:
			if !open {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
			if terminalEvent(ev.Type) {
				return
			}
		}
	}
}

func parseCursor(r *http.Request) uint64 {
	raw := r.URL.Query().Get("from")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0
	}
	from, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return from
}

func writeSSE(w http.ResponseWriter, ev *event.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Type, payload)
	return err
}

func terminalEvent(typ event.Type) bool {
	switch typ {
	case event.TypeRunCompleted, event.TypeRunFailed, event.TypeRunCancelled:
		return true
	}
	return false
}
