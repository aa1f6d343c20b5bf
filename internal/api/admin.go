package api

import (
	"fmt"
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/proximity.report/internal/httputil"
)

// AttachAdminRoutes mounts debug endpoints under /debug/. tsweb restricts
// them to localhost and the tailnet.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("proximity", "Service status as JSON", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, s.svc.Status())
	})
	if s.tail != nil {
		debug.HandleFunc("events", "Live event stream (server-sent events)", s.streamEvents)
	}
}

// streamEvents relays tail lines as server-sent events until the client goes
// away or the tail closes.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	id, c := s.tail.Subscribe()
	defer s.tail.Unsubscribe(id)

	// Send initial ping to establish connection
	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case line, ok := <-c:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
