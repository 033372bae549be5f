package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/LibreNetworks/amps/internal/config"
	"github.com/LibreNetworks/amps/internal/manifest"
	"github.com/LibreNetworks/amps/internal/region"
	"github.com/LibreNetworks/amps/internal/transcoder"
)

func (s *Server) handleHLS(w http.ResponseWriter, r *http.Request) {
	s.serveManifest(w, r, config.ShapeHLS)
}

func (s *Server) handleDASH(w http.ResponseWriter, r *http.Request) {
	s.serveManifest(w, r, config.ShapeDASH)
}

func entryFileForShape(shape config.OutputShape) string {
	return manifest.EntryFile(shape)
}

// serveManifest implements /hls/{id}/{file} and /dash/{id}/{file}: it
// evaluates the region check the same way /stream does, then delegates
// to C4, which implicitly opens the record on first request.
func (s *Server) serveManifest(w http.ResponseWriter, r *http.Request, shape config.OutputShape) {
	vars := mux.Vars(r)
	id, err := strconv.ParseInt(vars["id"], 10, 64)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid channel id")
		return
	}
	file := vars["file"]

	ch, ok := s.registry.Get(id)
	if !ok {
		writeErr(w, http.StatusNotFound, "channel not found")
		return
	}
	code := region.FromRequest(r.URL.Query().Get("region"), headerMap(r))
	if !region.Allowed(code, ch.RegionsBlocked, ch.RegionsAllowed) {
		writeErr(w, http.StatusForbidden, "region not permitted")
		return
	}

	variant := r.URL.Query().Get("variant")
	if _, ok := ch.FindVariant(variant); !ok {
		writeErr(w, http.StatusBadRequest, "unknown variant")
		return
	}

	key := transcoder.Key{ChannelID: id, Variant: variant, Shape: shape}
	openFn := func(k transcoder.Key) (*transcoder.Subscription, error) {
		return s.manager.Open(transcoder.OpenRequest{Ctx: detachedContext(), Overlap: false}, k)
	}

	data, err := s.watcher.Serve(openFn, key, file)
	if err != nil {
		writeManifestErr(w, err)
		return
	}

	w.Header().Set("Content-Type", contentTypeForFile(file))
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(data)
}

func contentTypeForFile(file string) string {
	switch {
	case len(file) > 5 && file[len(file)-5:] == ".m3u8":
		return "application/vnd.apple.mpegurl"
	case len(file) > 4 && file[len(file)-4:] == ".mpd":
		return "application/dash+xml"
	case len(file) > 3 && file[len(file)-3:] == ".ts":
		return "video/mp2t"
	default:
		return "application/octet-stream"
	}
}

func writeManifestErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, manifest.ErrPathTraversal):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, manifest.ErrNotReady):
		writeErr(w, http.StatusServiceUnavailable, "manifest not yet available")
	case errors.Is(err, transcoder.ErrNotFound):
		writeErr(w, http.StatusNotFound, err.Error())
	case errors.Is(err, transcoder.ErrBadVariant):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, transcoder.ErrUnavailable):
		writeErr(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}
