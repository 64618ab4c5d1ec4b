package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/fleetstore/core/store"
)

func scrape(t *testing.T, m *Metrics) string {
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMiddlewareUsesRouteTemplate(t *testing.T) {
	m := New()
	router := mux.NewRouter()
	router.Use(m.Middleware)
	router.HandleFunc("/devices/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}).Methods(http.MethodGet)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/devices/d1", nil))

	body := scrape(t, m)
	assert.Contains(t, body, `fleet_http_requests_total{method="GET",route="/devices/{id}",status="404"} 1`)
	assert.False(t, strings.Contains(body, "d1"))
}

func TestInstrumentStore(t *testing.T) {
	m := New()
	schema := store.TableSchema{Name: "Devices", PartitionKey: "deviceId"}
	s := InstrumentStore(store.NewMemory(&store.MemoryBuilder{Tables: []store.TableSchema{schema}}), m)

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "Devices", store.Item{"deviceId": "d1"}, nil))
	_, err := s.Get(ctx, "Devices", store.Key{Partition: "missing"})
	assert.Error(t, err)

	body := scrape(t, m)
	assert.Contains(t, body, `fleet_store_operations_total{operation="put",outcome="ok",table="Devices"} 1`)
	assert.Contains(t, body, `fleet_store_operations_total{operation="get",outcome="not_found",table="Devices"} 1`)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveHTTPRequest(http.MethodGet, "/", 200, time.Millisecond)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
