// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package metrics exposes prometheus metrics for the REST API and the indexed store
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relabs-tech/fleetstore/core"
	"github.com/relabs-tech/fleetstore/core/store"
)

// Metrics holds a prometheus registry with all fleet metrics
type Metrics struct {
	registry              *prometheus.Registry
	httpRequests          *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	storeOperations       *prometheus.CounterVec
	storeOperationLatency *prometheus.HistogramVec
}

// New creates a fresh registry with HTTP and store metrics registered
func New() *Metrics {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleet",
		Name:      "http_requests_total",
		Help:      "Count of HTTP requests processed by the REST API",
	}, []string{"method", "route", "status"})

	httpRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fleet",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests served by the REST API",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	storeOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleet",
		Name:      "store_operations_total",
		Help:      "Count of store operations by outcome",
	}, []string{"operation", "table", "outcome"})

	storeOperationLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fleet",
		Name:      "store_operation_duration_seconds",
		Help:      "Duration of store operations",
		Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"operation", "table"})

	registry.MustRegister(httpRequests, httpRequestDuration, storeOperations, storeOperationLatency)

	return &Metrics{
		registry:              registry,
		httpRequests:          httpRequests,
		httpRequestDuration:   httpRequestDuration,
		storeOperations:       storeOperations,
		storeOperationLatency: storeOperationLatency,
	}
}

// ObserveHTTPRequest records a single HTTP request/response cycle.
func (m *Metrics) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// ObserveStoreOperation records a single store call
func (m *Metrics) ObserveStoreOperation(operation, table string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.storeOperations.WithLabelValues(operation, table, outcome(err)).Inc()
	m.storeOperationLatency.WithLabelValues(operation, table).Observe(duration.Seconds())
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, core.ErrNotFound):
		return "not_found"
	case errors.Is(err, core.ErrConditionFailed):
		return "condition_failed"
	case errors.Is(err, core.ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}

// Handler exposes the prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware observes all requests of matched mux routes. The route label is
// the path template, so that device ids do not create new series.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		m.ObserveHTTPRequest(r.Method, route, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// instrumentedStore observes every call of the wrapped store
type instrumentedStore struct {
	next    store.Store
	metrics *Metrics
}

// InstrumentStore returns a store which records metrics for every call of s
func InstrumentStore(s store.Store, m *Metrics) store.Store {
	return &instrumentedStore{next: s, metrics: m}
}

func (s *instrumentedStore) Put(ctx context.Context, table string, item store.Item, condition *store.Condition) error {
	start := time.Now()
	err := s.next.Put(ctx, table, item, condition)
	s.metrics.ObserveStoreOperation("put", table, err, time.Since(start))
	return err
}

func (s *instrumentedStore) Get(ctx context.Context, table string, key store.Key) (store.Item, error) {
	start := time.Now()
	item, err := s.next.Get(ctx, table, key)
	s.metrics.ObserveStoreOperation("get", table, err, time.Since(start))
	return item, err
}

func (s *instrumentedStore) Query(ctx context.Context, table string, query store.Query) (*store.Page, error) {
	start := time.Now()
	page, err := s.next.Query(ctx, table, query)
	s.metrics.ObserveStoreOperation("query", table, err, time.Since(start))
	return page, err
}

func (s *instrumentedStore) Scan(ctx context.Context, table string, limit int, token string) (*store.Page, error) {
	start := time.Now()
	page, err := s.next.Scan(ctx, table, limit, token)
	s.metrics.ObserveStoreOperation("scan", table, err, time.Since(start))
	return page, err
}

func (s *instrumentedStore) Delete(ctx context.Context, table string, key store.Key) error {
	start := time.Now()
	err := s.next.Delete(ctx, table, key)
	s.metrics.ObserveStoreOperation("delete", table, err, time.Since(start))
	return err
}
