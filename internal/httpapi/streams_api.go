package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/LibreNetworks/amps/internal/config"
	"github.com/LibreNetworks/amps/internal/registry"
)

// handleStreamsCollection implements GET/POST /api/streams: list()/add()
// over C2, per spec.md §4.1/§4.7.
func (s *Server) handleStreamsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		channels := s.registry.Snapshot()
		writeJSON(w, http.StatusOK, channels)

	case http.MethodPost:
		var ch config.Channel
		if err := json.NewDecoder(r.Body).Decode(&ch); err != nil {
			writeErr(w, http.StatusBadRequest, "malformed JSON")
			return
		}
		if err := s.registry.Add(&ch); err != nil {
			writeRegistryErr(w, err)
			return
		}
		s.cache.InvalidateAll()
		writeJSON(w, http.StatusCreated, ch)
	}
}

// handleStreamItem implements GET/PUT/DELETE /api/streams/{id}:
// get()/replace()/delete() over C2.
func (s *Server) handleStreamItem(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid channel id")
		return
	}

	switch r.Method {
	case http.MethodGet:
		ch, ok := s.registry.Get(id)
		if !ok {
			writeErr(w, http.StatusNotFound, "channel not found")
			return
		}
		writeJSON(w, http.StatusOK, ch)

	case http.MethodPut:
		var ch config.Channel
		if err := json.NewDecoder(r.Body).Decode(&ch); err != nil {
			writeErr(w, http.StatusBadRequest, "malformed JSON")
			return
		}
		if ch.ID != id {
			writeErr(w, http.StatusBadRequest, "body id does not match URL id")
			return
		}
		if err := s.registry.Replace(&ch); err != nil {
			writeRegistryErr(w, err)
			return
		}
		s.cache.InvalidateAll()
		writeJSON(w, http.StatusOK, ch)

	case http.MethodDelete:
		if err := s.registry.Delete(id); err != nil {
			writeRegistryErr(w, err)
			return
		}
		s.cache.InvalidateAll()
		w.WriteHeader(http.StatusNoContent)
	}
}

// handlePrograms implements GET/PUT /api/streams/{id}/programs:
// get_programs()/replace_programs() over C2.
func (s *Server) handlePrograms(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid channel id")
		return
	}

	switch r.Method {
	case http.MethodGet:
		programs, err := s.registry.GetPrograms(id)
		if err != nil {
			writeRegistryErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, programs)

	case http.MethodPut:
		var programs []config.Program
		if err := json.NewDecoder(r.Body).Decode(&programs); err != nil {
			writeErr(w, http.StatusBadRequest, "malformed JSON")
			return
		}
		if err := s.registry.ReplacePrograms(id, programs); err != nil {
			writeRegistryErr(w, err)
			return
		}
		s.cache.InvalidateAll()
		writeJSON(w, http.StatusOK, programs)
	}
}

func writeRegistryErr(w http.ResponseWriter, err error) {
	var conflict registry.ErrConflict
	var notFound registry.ErrNotFound
	switch {
	case errors.As(err, &conflict):
		writeErr(w, http.StatusConflict, err.Error())
	case errors.As(err, &notFound):
		writeErr(w, http.StatusNotFound, err.Error())
	default:
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
