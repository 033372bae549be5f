// Package middleware holds cross-cutting HTTP middleware for the C7 surface.
package middleware

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/LibreNetworks/amps/pkg/logger"
	"github.com/LibreNetworks/amps/pkg/metrics"
)

// gzipWriterPool reuses gzip writers at BestSpeed to avoid per-response
// allocation overhead on the playlist/EPG endpoints this wraps.
var gzipWriterPool = sync.Pool{
	New: func() interface{} {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	},
}

// countingWriter tallies bytes written through it, used to report the
// compressed side of pkg/metrics.RenderedBytes without needing to inspect
// the gzip.Writer's own internals.
type countingWriter struct {
	io.Writer
	n int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.Writer.Write(b)
	c.n += int64(n)
	return n, err
}

type gzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
	rawBytes    int64
	wroteHeader bool
}

func (w *gzipResponseWriter) WriteHeader(status int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	w.rawBytes += int64(len(b))
	return w.Writer.Write(b)
}

func (w *gzipResponseWriter) Flush() {
	if gzw, ok := w.Writer.(*gzip.Writer); ok {
		gzw.Flush()
	}
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Gzip wraps a handler with transparent gzip response compression for
// clients that advertise Accept-Encoding: gzip. Used on /playlist.m3u,
// /epg.xml, and /api/epg — every one of them a fully rendered snapshot
// from internal/cache (A5), so the same bytes are typically compressed
// over and over across a cache TTL window. Gzip reports the raw and
// compressed size of each response via pkg/metrics.RenderedBytes, labeled
// by route, so that ratio (and how much CPU the cache TTL is actually
// saving) is visible on GET /metrics instead of being invisible to the
// operator.
func Gzip(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next(w, r)
			return
		}

		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Del("Content-Length")

		cw := &countingWriter{Writer: w}
		gz := gzipWriterPool.Get().(*gzip.Writer)
		gz.Reset(cw)

		gzw := &gzipResponseWriter{Writer: gz, ResponseWriter: w}
		next(gzw, r)

		if err := gz.Close(); err != nil {
			logger.Error("gzip middleware: failed to close writer for %s %s: %v", r.Method, r.URL.Path, err)
		}
		gzipWriterPool.Put(gz)

		metrics.RenderedBytes.WithLabelValues(r.URL.Path, "raw").Add(float64(gzw.rawBytes))
		metrics.RenderedBytes.WithLabelValues(r.URL.Path, "compressed").Add(float64(cw.n))
	}
}
