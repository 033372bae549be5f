package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/LibreNetworks/amps/internal/playlist"
	"github.com/LibreNetworks/amps/internal/region"
)

func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := playlist.Filter{
		Region:           region.FromRequest(q.Get("region"), headerMap(r)),
		Groups:           splitCSV(q.Get("group")),
		IDs:              playlist.ParseIDs(q.Get("ids")),
		SuppressVariants: q.Get("variants") == "false",
		BaseURL:          s.baseURL,
		Token:            tokenFromRequest(r),
	}

	cacheKey := fmt.Sprintf("%s|%s|%v|%v|%v", f.Region, strings.Join(f.Groups, ","), f.IDs, f.SuppressVariants, f.Token)
	if body, ok := s.cache.GetPlaylist(cacheKey); ok {
		w.Header().Set("Content-Type", "audio/x-mpegurl")
		_, _ = w.Write([]byte(body))
		return
	}

	channels := s.registry.Snapshot()
	body := playlist.Render(channels, f)
	s.cache.SetPlaylist(cacheKey, body)

	w.Header().Set("Content-Type", "audio/x-mpegurl")
	_, _ = w.Write([]byte(body))
}

func splitCSV(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
