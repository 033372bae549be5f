package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/LibreNetworks/amps/internal/epg"
)

func (s *Server) handleEPGXML(w http.ResponseWriter, r *http.Request) {
	const cacheKey = "xml"
	if body, ok := s.cache.GetEPG(cacheKey); ok {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(body))
		return
	}
	channels := s.registry.Snapshot()
	body := epg.Render(channels)
	s.cache.SetEPG(cacheKey, body)

	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(body))
}

// handleEPGJSON serves the same current snapshot as JSON, spec.md §4.7's
// "GET /api/epg — XMLTV / JSON from current snapshot".
func (s *Server) handleEPGJSON(w http.ResponseWriter, r *http.Request) {
	channels := s.registry.Snapshot()
	type entry struct {
		ChannelID int64  `json:"channel_id"`
		Name      string `json:"name"`
		Programs  any    `json:"programs"`
	}
	out := make([]entry, 0, len(channels))
	for _, ch := range channels {
		out = append(out, entry{ChannelID: ch.ID, Name: ch.Name, Programs: ch.Programs})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
