package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/proximity.report/internal/httputil"
)

const maxEventsLimit = 1000

var errInvalidSince = errors.New("since must be an RFC 3339 time or a non-negative duration")

// listEvents returns the newest journal entries. ?limit= defaults to 100.
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	if s.journal == nil {
		httputil.ServiceUnavailable(w, "event journal is not enabled")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxEventsLimit {
			httputil.BadRequest(w, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	entries, err := s.journal.RecentEvents(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, entries)
}

// showZoneHistory returns one zone's transitions, oldest first. ?since= takes
// an RFC 3339 time or a duration back from now, and defaults to 24h.
func (s *Server) showZoneHistory(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	if s.journal == nil {
		httputil.ServiceUnavailable(w, "event journal is not enabled")
		return
	}

	since, err := parseSince(r.URL.Query().Get("since"), time.Now())
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	history, err := s.journal.ZoneHistory(r.Context(), r.PathValue("id"), since)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, history)
}

func parseSince(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return now.Add(-24 * time.Hour), nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return time.Time{}, errInvalidSince
	}
	return now.Add(-d), nil
}
