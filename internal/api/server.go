package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/proximity.report/internal/db"
	"github.com/banshee-data/proximity.report/internal/eventbus"
	"github.com/banshee-data/proximity.report/internal/httputil"
	"github.com/banshee-data/proximity.report/internal/monitoring"
	"github.com/banshee-data/proximity.report/internal/proximity"
	"github.com/banshee-data/proximity.report/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Options wires a Server. Journal, Tail and Metrics are optional; routes
// that need a missing one answer 503.
type Options struct {
	Service *proximity.Service
	Journal *db.DB
	Tail    *eventbus.Tail
	Metrics *monitoring.Metrics

	// ScanContext bounds scan sessions started over the API. It must
	// outlive individual requests. Defaults to context.Background().
	ScanContext context.Context
}

type Server struct {
	svc     *proximity.Service
	journal *db.DB
	tail    *eventbus.Tail
	metrics *monitoring.Metrics
	scanCtx context.Context
}

func NewServer(opts Options) *Server {
	if opts.ScanContext == nil {
		opts.ScanContext = context.Background()
	}
	return &Server{
		svc:     opts.Service,
		journal: opts.Journal,
		tail:    opts.Tail,
		metrics: opts.Metrics,
		scanCtx: opts.ScanContext,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/version", s.showVersion)
	mux.HandleFunc("/api/beacons", s.listBeacons)
	mux.HandleFunc("/api/distances", s.showDistances)
	mux.HandleFunc("/api/zones", s.handleZones)
	mux.HandleFunc("/api/zones/states", s.showZoneStates)
	mux.HandleFunc("/api/zones/{id}", s.handleZone)
	mux.HandleFunc("/api/zones/{id}/history", s.showZoneHistory)
	mux.HandleFunc("/api/allowlist", s.handleAllowList)
	mux.HandleFunc("/api/scanning", s.handleScanning)
	mux.HandleFunc("/api/monitoring", s.handleMonitoring)
	mux.HandleFunc("/api/events", s.listEvents)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

func requireGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return false
	}
	return true
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	httputil.WriteJSONOK(w, s.svc.Status())
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	httputil.WriteJSONOK(w, version.Get())
}

func (s *Server) listBeacons(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	httputil.WriteJSONOK(w, s.svc.DiscoveredBeacons())
}

func (s *Server) showDistances(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	httputil.WriteJSONOK(w, s.svc.Distances())
}

// toggle is the body of the scanning and monitoring endpoints.
type toggle struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleScanning(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, map[string]any{
			"scanning":   s.svc.Scanning(),
			"scan_state": s.svc.ScanState().String(),
		})
	case http.MethodPut:
		var body toggle
		if !httputil.DecodeJSON(w, r, &body) {
			return
		}
		if body.Enabled {
			if err := s.svc.StartScanning(s.scanCtx); err != nil {
				if errors.Is(err, proximity.ErrClosed) {
					httputil.ServiceUnavailable(w, err.Error())
					return
				}
				httputil.InternalServerError(w, err.Error())
				return
			}
		} else {
			s.svc.StopScanning()
		}
		httputil.WriteJSONOK(w, map[string]any{
			"scanning":   s.svc.Scanning(),
			"scan_state": s.svc.ScanState().String(),
		})
	default:
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodPut)
	}
}

func (s *Server) handleMonitoring(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPut:
		var body toggle
		if !httputil.DecodeJSON(w, r, &body) {
			return
		}
		if body.Enabled {
			s.svc.StartMonitoring()
		} else {
			s.svc.StopMonitoring()
		}
	default:
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodPut)
		return
	}
	httputil.WriteJSONOK(w, map[string]bool{"monitoring": s.svc.Monitoring()})
}
