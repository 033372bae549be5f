package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/LibreNetworks/amps/internal/config"
	"github.com/LibreNetworks/amps/internal/httpclient"
	"github.com/LibreNetworks/amps/internal/region"
	"github.com/LibreNetworks/amps/internal/transcoder"
	"github.com/LibreNetworks/amps/pkg/logger"
)

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.serveStream(w, r, config.ShapeUnset)
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	s.serveStream(w, r, config.ShapeAudio)
}

// serveStream implements spec.md §4.7's /stream/{id} and /audio/{id}: it
// evaluates the region check, resolves the stream key, calls Open, and
// copies chunks to the client until it disconnects or the record ends.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, forcedShape config.OutputShape) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid channel id")
		return
	}

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
	v, ok := ch.FindVariant(variant)
	if !ok {
		writeErr(w, http.StatusBadRequest, "unknown variant")
		return
	}

	shape := forcedShape
	if shape == config.ShapeUnset {
		shape = shapeForVariant(v, ch)
	}

	overlap := r.URL.Query().Get("overlap") == "true"

	key := transcoder.Key{ChannelID: id, Variant: variant, Shape: shape}
	sub, err := s.manager.Open(transcoder.OpenRequest{Ctx: r.Context(), Overlap: overlap}, key)
	if err != nil {
		writeOpenErr(w, err)
		return
	}
	defer sub.Close()

	if key.Shape.IsSegmented() {
		// A segmented stream key belongs in /hls or /dash; a client that
		// hits /stream or /audio for one gets redirected to the entry
		// manifest instead of an empty body.
		http.Redirect(w, r, manifestRedirectPath(key, s.watcherEntryFile(shape)), http.StatusFound)
		return
	}

	rw := httpclient.NewResponseWriter(w)
	rw.Header().Set("Content-Type", contentTypeFor(shape))
	rw.WriteHeader(http.StatusOK)

	for {
		select {
		case <-r.Context().Done():
			return
		case chunk, ok := <-sub.Chunks():
			if !ok {
				return
			}
			if _, err := rw.Write(chunk); err != nil {
				return
			}
			sub.Touch()
			rw.Flush()
		}
	}
}

func shapeForVariant(v *config.Variant, ch *config.Channel) config.OutputShape {
	if v != nil && v.Tuning != nil && v.Tuning.OutputFormat != "" {
		return v.Tuning.OutputFormat
	}
	if ch.Tuning != nil && ch.Tuning.OutputFormat != "" {
		return ch.Tuning.OutputFormat
	}
	return config.ShapeTS
}

func contentTypeFor(shape config.OutputShape) string {
	if shape == config.ShapeAudio {
		return "audio/aac"
	}
	return "video/mp2t"
}

func manifestRedirectPath(key transcoder.Key, entryFile string) string {
	kind := "hls"
	if key.Shape == config.ShapeDASH {
		kind = "dash"
	}
	return "/" + kind + "/" + strconv.FormatInt(key.ChannelID, 10) + "/" + entryFile
}

func (s *Server) watcherEntryFile(shape config.OutputShape) string {
	return entryFileForShape(shape)
}

func writeOpenErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, transcoder.ErrNotFound):
		writeErr(w, http.StatusNotFound, err.Error())
	case errors.Is(err, transcoder.ErrBadVariant):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, transcoder.ErrForbidden):
		writeErr(w, http.StatusForbidden, err.Error())
	case errors.Is(err, transcoder.ErrUnavailable):
		writeErr(w, http.StatusServiceUnavailable, err.Error())
	default:
		logger.Warn("httpapi: open failed: %v", err)
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}
