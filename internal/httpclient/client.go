// Package httpclient provides a header-injecting HTTP client used by the
// CLI's API calls, the self-updater, and the HTTP API's response writer.
package httpclient

import (
	"net/http"
	"time"
)

// Options configures the headers injected into every outgoing request.
type Options struct {
	UserAgent string
	Origin    string
	Referrer  string
}

// Client wraps http.Client to automatically set headers on every request,
// grounded on the teacher's HeaderSettingClient.
type Client struct {
	HTTP *http.Client
	opts Options
}

// New builds a Client with sane defaults: no overall timeout (some
// upstreams stream headers slowly), but a bounded header timeout so a hung
// upstream cannot wedge the calling goroutine forever.
func New(opts Options) *Client {
	if opts.UserAgent == "" {
		opts.UserAgent = "amps/1.0"
	}
	return &Client{
		HTTP: &http.Client{
			Timeout: 0,
			Transport: &http.Transport{
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
		opts: opts,
	}
}

// Do injects the configured headers and delegates to the wrapped client.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	c.setHeaders(req)
	return c.HTTP.Do(req)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept", "*/*")
	if c.opts.Origin != "" {
		req.Header.Set("Origin", c.opts.Origin)
	}
	if c.opts.Referrer != "" {
		req.Header.Set("Referer", c.opts.Referrer)
	}
}

// ResponseWriter wraps http.ResponseWriter to track header-write state and
// implement http.Flusher, for streaming handlers in internal/httpapi.
type ResponseWriter struct {
	http.ResponseWriter
	WroteHeader bool
	StatusCode  int
}

func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w}
}

func (rw *ResponseWriter) WriteHeader(statusCode int) {
	if rw.WroteHeader {
		return
	}
	rw.Header().Set("Connection", "keep-alive")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.StatusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
	rw.WroteHeader = true
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.WroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *ResponseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
