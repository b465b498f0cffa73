// Package metrics exposes Prometheus collectors for the ingestion sink.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Write operation labels.
const (
	OpInsert = "insert"
	OpUpsert = "upsert"
)

// Recorder owns the sink collectors. All methods are safe for concurrent use.
type Recorder struct {
	recordsStored  *prometheus.CounterVec
	duplicates     *prometheus.CounterVec
	flushes        *prometheus.CounterVec
	flushSize      *prometheus.HistogramVec
	stopRequests   *prometheus.CounterVec
	pendingRecords *prometheus.GaugeVec
	httpDuration   *prometheus.HistogramVec
}

// NewRecorder registers the collectors against the provided registry.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		recordsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestsink_records_stored_total",
			Help: "Records handed to the store, partitioned by record type and operation.",
		}, []string{"type", "op"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestsink_duplicate_keys_total",
			Help: "Records rejected by a unique constraint, partitioned by record type.",
		}, []string{"type"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestsink_buffer_flushes_total",
			Help: "Buffer flushes partitioned by record type and trigger.",
		}, []string{"type", "trigger"}),
		flushSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingestsink_buffer_flush_size",
			Help:    "Records per buffer flush.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"type"}),
		stopRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestsink_stop_requests_total",
			Help: "Producer stop requests issued by the duplicate-key breaker.",
		}, []string{"type"}),
		pendingRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ingestsink_pending_records",
			Help: "Records buffered but not yet persisted, per record type.",
		}, []string{"type"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingestsink_http_request_duration_seconds",
			Help:    "Ops HTTP request latency partitioned by method, route and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	for _, collector := range []prometheus.Collector{
		r.recordsStored,
		r.duplicates,
		r.flushes,
		r.flushSize,
		r.stopRequests,
		r.pendingRecords,
		r.httpDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register sink collector: %w", err)
		}
	}
	return r, nil
}

// ObserveStored counts n records written to the store with op.
func (r *Recorder) ObserveStored(recordType, op string, n int) {
	if n > 0 {
		r.recordsStored.WithLabelValues(recordType, op).Add(float64(n))
	}
}

// ObserveDuplicates counts n duplicate-key rejections.
func (r *Recorder) ObserveDuplicates(recordType string, n int) {
	if n > 0 {
		r.duplicates.WithLabelValues(recordType).Add(float64(n))
	}
}

// ObserveFlush records a buffer flush of size records.
func (r *Recorder) ObserveFlush(recordType, trigger string, size int) {
	r.flushes.WithLabelValues(recordType, trigger).Inc()
	r.flushSize.WithLabelValues(recordType).Observe(float64(size))
}

// ObserveStopRequest counts a breaker trip.
func (r *Recorder) ObserveStopRequest(recordType string) {
	r.stopRequests.WithLabelValues(recordType).Inc()
}

// SetPending reports the current buffer depth for a record type.
func (r *Recorder) SetPending(recordType string, n int) {
	r.pendingRecords.WithLabelValues(recordType).Set(float64(n))
}

// ObserveHTTPRequest records one ops HTTP request.
func (r *Recorder) ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	r.httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

// Handler returns an http.Handler exposing the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
