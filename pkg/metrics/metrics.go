// Package metrics exposes the process-wide Prometheus counters surfaced at
// GET /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LiveRecords tracks the number of currently-running transcoder records,
// labeled by output shape so segmented and raw outputs can be told apart.
var LiveRecords = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "amps_live_records",
	Help: "Number of currently running transcoder records",
}, []string{"shape"})

// Subscribers tracks the number of attached subscribers per stream key.
var Subscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "amps_subscribers",
	Help: "Number of subscribers attached to a stream key",
}, []string{"stream_key"})

// Restarts counts restart attempts per stream key.
var Restarts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "amps_restarts_total",
	Help: "Total number of transcoder restart attempts",
}, []string{"stream_key"})

// BytesTransferred counts bytes moved between child stdout and subscribers.
var BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "amps_bytes_transferred_total",
	Help: "Total bytes transferred",
}, []string{"stream_key", "direction"})

// StreamErrors counts terminal and transient stream errors.
var StreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "amps_stream_errors_total",
	Help: "Total stream errors",
}, []string{"stream_key", "kind"})

// EvictedSubscribers counts subscribers evicted for slow consumption.
var EvictedSubscribers = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "amps_evicted_subscribers_total",
	Help: "Total subscribers evicted for exceeding their push deadline",
}, []string{"stream_key"})

// RenderedBytes tracks the raw (pre-compression) and compressed size of a
// rendered playlist/EPG response, labeled by route, so the operator can see
// how much internal/middleware's Gzip wrapper is actually saving on the
// text endpoints it wraps.
var RenderedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "amps_rendered_bytes_total",
	Help: "Total bytes of rendered playlist/EPG output, before and after gzip",
}, []string{"route", "stage"})

// SubscriberAttached and SubscriberDetached keep the Subscribers gauge in
// step with a stream key's live subscriber count.
func SubscriberAttached(streamKey string) {
	Subscribers.WithLabelValues(streamKey).Inc()
}

func SubscriberDetached(streamKey string) {
	Subscribers.WithLabelValues(streamKey).Dec()
}

var startTime = time.Now()

// UptimeSeconds returns process uptime, reported on /metrics through the
// Uptime gauge.
func UptimeSeconds() float64 {
	return time.Since(startTime).Seconds()
}

// Uptime reports process uptime in seconds at scrape time.
var Uptime = promauto.NewGaugeFunc(prometheus.GaugeOpts{
	Name: "amps_uptime_seconds",
	Help: "Seconds since the process started",
}, UptimeSeconds)
