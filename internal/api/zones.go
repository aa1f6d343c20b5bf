package api

import (
	"fmt"
	"net/http"

	"github.com/banshee-data/proximity.report/internal/beacon"
	"github.com/banshee-data/proximity.report/internal/config"
	"github.com/banshee-data/proximity.report/internal/httputil"
)

// handleZones lists zones (GET), adds or replaces one (POST), or swaps the
// whole set (PUT). Bodies use the same shape as the zones config file.
func (s *Server) handleZones(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.svc.Zones())
	case http.MethodPost:
		var entry config.ZoneConfig
		if !httputil.DecodeJSON(w, r, &entry) {
			return
		}
		zones, err := config.ZonesFromConfig([]config.ZoneConfig{entry})
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		s.svc.AddZone(zones[0])
		httputil.WriteJSON(w, http.StatusCreated, zones[0])
	case http.MethodPut:
		var entries []config.ZoneConfig
		if !httputil.DecodeJSON(w, r, &entries) {
			return
		}
		zones, err := config.ZonesFromConfig(entries)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		s.svc.ReplaceAllZones(zones)
		httputil.WriteJSONOK(w, s.svc.Zones())
	default:
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodPost, http.MethodPut)
	}
}

// handleZone shows (GET) or removes (DELETE) one zone.
func (s *Server) handleZone(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch r.Method {
	case http.MethodGet:
		st, ok := s.svc.ZoneStatuses()[id]
		if !ok {
			httputil.NotFound(w, fmt.Sprintf("zone %q not found", id))
			return
		}
		httputil.WriteJSONOK(w, st)
	case http.MethodDelete:
		if !s.svc.RemoveZone(id) {
			httputil.NotFound(w, fmt.Sprintf("zone %q not found", id))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodDelete)
	}
}

func (s *Server) showZoneStates(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	httputil.WriteJSONOK(w, s.svc.AllZoneStates())
}

type allowList struct {
	UUIDs []string `json:"uuids"`
}

// handleAllowList reads (GET) or replaces (PUT) the UUID allow-list. An
// empty list accepts every beacon.
func (s *Server) handleAllowList(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPut:
		var body allowList
		if !httputil.DecodeJSON(w, r, &body) {
			return
		}
		for _, u := range body.UUIDs {
			if _, err := beacon.CanonicalUUID(u); err != nil {
				httputil.BadRequest(w, err.Error())
				return
			}
		}
		s.svc.SetUUIDAllowList(body.UUIDs)
	default:
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodPut)
		return
	}
	uuids := s.svc.AllowList()
	if uuids == nil {
		uuids = []string{}
	}
	httputil.WriteJSONOK(w, allowList{UUIDs: uuids})
}
