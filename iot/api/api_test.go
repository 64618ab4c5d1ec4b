package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/fleetstore/core"
	"github.com/relabs-tech/fleetstore/core/client"
	"github.com/relabs-tech/fleetstore/core/metrics"
	"github.com/relabs-tech/fleetstore/core/store"
	"github.com/relabs-tech/fleetstore/iot/registry"
	"github.com/relabs-tech/fleetstore/iot/telemetry"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestAPI(t *testing.T, s store.Store) *API {
	t.Helper()
	clock := func() time.Time { return testNow }
	if s == nil {
		s = store.NewMemory(&store.MemoryBuilder{
			Tables: []store.TableSchema{
				registry.Schema("Devices", "StatusIndex"),
				telemetry.Schema("Telemetry", "MetricTypeIndex"),
			},
			Clock: clock,
		})
	}
	return New(&Builder{
		Registry: registry.New(&registry.Builder{Store: s, Table: "Devices", StatusIndex: "StatusIndex", Clock: clock}),
		Ingestor: telemetry.New(&telemetry.Builder{Store: s, Table: "Telemetry", MetricTypeIndex: "MetricTypeIndex", Clock: clock}),
		Metrics:  metrics.New(),
	})
}

func assertHeaders(t *testing.T, status int, header http.Header) {
	t.Helper()
	assert.Equal(t, "*", header.Get("Access-Control-Allow-Origin"))
	if status == http.StatusNoContent {
		assert.Empty(t, header.Get("Content-Type"))
	} else {
		assert.Equal(t, "application/json", header.Get("Content-Type"))
	}
}

func TestDeviceLifecycle(t *testing.T) {
	c := client.NewWithHandler(newTestAPI(t, nil))

	device := map[string]interface{}{}
	status, err := c.Devices().Register(map[string]interface{}{}, &device)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	id, _ := device["deviceId"].(string)
	assert.Equal(t, fmt.Sprintf("device-%d", testNow.UnixMilli()), id)
	assert.Equal(t, "active", device["status"])

	read := map[string]interface{}{}
	_, err = c.Devices().Get(id, &read)
	require.NoError(t, err)
	assert.Equal(t, device, read)

	var list struct {
		Devices []map[string]interface{} `json:"devices"`
	}
	_, err = c.Devices().List("", &list)
	require.NoError(t, err)
	require.Len(t, list.Devices, 1)
	assert.Equal(t, id, list.Devices[0]["deviceId"])

	status, err = c.Devices().Remove(id)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)

	status, err = c.Devices().Get(id, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)

	status, err = c.Devices().Remove(id)
	assert.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRegisterWithAttributes(t *testing.T) {
	c := client.NewWithHandler(newTestAPI(t, nil))

	device := map[string]interface{}{}
	_, err := c.Devices().Register(map[string]interface{}{"deviceId": "sensor-1", "status": "inactive", "site": "berlin"}, &device)
	require.NoError(t, err)
	assert.Equal(t, "sensor-1", device["deviceId"])
	assert.Equal(t, "inactive", device["status"])
	assert.Equal(t, "berlin", device["site"])

	_, err = c.Devices().Register(map[string]interface{}{"deviceId": "sensor-2"}, nil)
	require.NoError(t, err)

	var list struct {
		Devices []map[string]interface{} `json:"devices"`
	}
	_, err = c.Devices().List("inactive", &list)
	require.NoError(t, err)
	require.Len(t, list.Devices, 1)
	assert.Equal(t, "sensor-1", list.Devices[0]["deviceId"])
}

func TestRegisterInvalidInput(t *testing.T) {
	c := client.NewWithHandler(newTestAPI(t, nil))

	for _, body := range []string{`{"deviceId":"no spaces"}`, `{"status":3}`, `[]`, `{`} {
		status, header, resBody, err := c.Do(http.MethodPost, "/devices", nil, []byte(body))
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, status, body)
		assertHeaders(t, status, header)
		assert.Contains(t, string(resBody), `"error"`)
	}

	status, _, _, err := c.Do(http.MethodPost, "/devices", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status, "an empty body is an empty device")
}

func TestTelemetry(t *testing.T) {
	c := client.NewWithHandler(newTestAPI(t, nil))

	reading := map[string]interface{}{}
	status, err := c.Telemetry().Ingest(map[string]interface{}{"deviceId": "d1", "metricType": "temp", "value": 21.5}, &reading)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, float64(testNow.UnixMilli()), reading["timestamp"])
	assert.Equal(t, float64(testNow.Add(telemetry.DefaultRetention).Unix()), reading["ttl"])
	assert.Equal(t, 21.5, reading["value"])

	_, err = c.Telemetry().Ingest(map[string]interface{}{"deviceId": "d1", "value": 22}, nil)
	require.NoError(t, err)

	var recent struct {
		Telemetry []map[string]interface{} `json:"telemetry"`
	}
	_, err = c.Telemetry().Recent("d1", 0, &recent)
	require.NoError(t, err)
	require.Len(t, recent.Telemetry, 2)
	assert.Equal(t, "default", recent.Telemetry[0]["metricType"])
	assert.Equal(t, "temp", recent.Telemetry[1]["metricType"])

	_, err = c.Telemetry().Recent("d1", 1, &recent)
	require.NoError(t, err)
	assert.Len(t, recent.Telemetry, 1)

	_, err = c.Telemetry().ByMetric("temp", 0, &recent)
	require.NoError(t, err)
	require.Len(t, recent.Telemetry, 1)
	assert.Equal(t, "d1", recent.Telemetry[0]["deviceId"])
}

func TestTelemetryOfUnknownDevice(t *testing.T) {
	c := client.NewWithHandler(newTestAPI(t, nil))

	var raw []byte
	status, err := c.Telemetry().Recent("nobody", 0, &raw)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"telemetry":[]}`, string(raw))
}

func TestTelemetryInvalidInput(t *testing.T) {
	c := client.NewWithHandler(newTestAPI(t, nil))

	status, err := c.Telemetry().Ingest(map[string]interface{}{"value": 1}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)

	status, err = c.Telemetry().Ingest(map[string]interface{}{"deviceId": "d1/x", "value": 1}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status, "device ids of the registry only")

	status, _, _, err = c.Do(http.MethodGet, "/telemetry/d1?limit=abc", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestUnsupportedOperations(t *testing.T) {
	c := client.NewWithHandler(newTestAPI(t, nil))

	for _, request := range []struct{ method, path string }{
		{http.MethodPut, "/devices/d1"},
		{http.MethodPatch, "/devices"},
		{http.MethodGet, "/unknown"},
		{http.MethodDelete, "/telemetry/d1"},
		{http.MethodGet, "/devices/d1/twin"},
	} {
		status, header, body, err := c.Do(request.method, request.path, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, status, request)
		assertHeaders(t, status, header)
		assert.JSONEq(t, `{"error":"Unsupported operation"}`, string(body))
	}
}

func TestPreflight(t *testing.T) {
	c := client.NewWithHandler(newTestAPI(t, nil))

	status, header, body, err := c.Do(http.MethodOptions, "/devices/d1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
	assertHeaders(t, status, header)
	assert.Empty(t, body)
}

type unavailableStore struct{}

func (unavailableStore) Put(ctx context.Context, table string, item store.Item, condition *store.Condition) error {
	return fmt.Errorf("%w: connection refused", core.ErrStoreUnavailable)
}

func (unavailableStore) Get(ctx context.Context, table string, key store.Key) (store.Item, error) {
	return nil, fmt.Errorf("%w: connection refused", core.ErrStoreUnavailable)
}

func (unavailableStore) Query(ctx context.Context, table string, query store.Query) (*store.Page, error) {
	return nil, fmt.Errorf("%w: connection refused", core.ErrTimeout)
}

func (unavailableStore) Scan(ctx context.Context, table string, limit int, token string) (*store.Page, error) {
	return nil, fmt.Errorf("%w: connection refused", core.ErrStoreUnavailable)
}

func (unavailableStore) Delete(ctx context.Context, table string, key store.Key) error {
	return fmt.Errorf("%w: connection refused", core.ErrStoreUnavailable)
}

func TestStoreFailures(t *testing.T) {
	c := client.NewWithHandler(newTestAPI(t, unavailableStore{}))

	for _, request := range []struct {
		method, path, body string
	}{
		{http.MethodGet, "/devices", ""},
		{http.MethodGet, "/devices/d1", ""},
		{http.MethodPost, "/devices", `{"deviceId":"d1"}`},
		{http.MethodDelete, "/devices/d1", ""},
		{http.MethodPost, "/telemetry", `{"deviceId":"d1"}`},
		{http.MethodGet, "/telemetry/d1", ""},
	} {
		var body []byte
		if request.body != "" {
			body = []byte(request.body)
		}
		status, header, resBody, err := c.Do(request.method, request.path, nil, body)
		require.NoError(t, err)
		assert.Equal(t, http.StatusInternalServerError, status, request)
		assertHeaders(t, status, header)
		assert.JSONEq(t, `{"error":"Internal server error"}`, string(resBody), "no internal detail leaks")
	}
}

func TestCompressedList(t *testing.T) {
	c := client.NewWithHandler(newTestAPI(t, nil))
	_, err := c.Devices().Register(map[string]interface{}{"deviceId": "d1"}, nil)
	require.NoError(t, err)

	status, header, body, err := c.Do(http.MethodGet, "/devices", map[string]string{"Accept-Encoding": "gzip"}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "gzip", header.Get("Content-Encoding"))

	zr, err := gzip.NewReader(bytes.NewReader(body))
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Contains(t, string(plain), `"deviceId":"d1"`)
}

func TestAPIGatewayRequests(t *testing.T) {
	a := newTestAPI(t, nil)
	ctx := context.Background()

	res, err := a.HandleAPIGatewayRequest(ctx, events.APIGatewayProxyRequest{
		HTTPMethod:      http.MethodPost,
		Path:            "/devices",
		Body:            base64.StdEncoding.EncodeToString([]byte(`{"deviceId":"d1"}`)),
		IsBase64Encoded: true,
		RequestContext:  events.APIGatewayProxyRequestContext{RequestID: "gateway-request"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, "*", res.Headers["Access-Control-Allow-Origin"])
	assert.Equal(t, "application/json", res.Headers["Content-Type"])
	device := map[string]interface{}{}
	require.NoError(t, json.Unmarshal([]byte(res.Body), &device))
	assert.Equal(t, "d1", device["deviceId"])

	res, err = a.HandleAPIGatewayRequest(ctx, events.APIGatewayProxyRequest{
		HTTPMethod:            http.MethodGet,
		Path:                  "/devices",
		QueryStringParameters: map[string]string{"status": "active"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.False(t, res.IsBase64Encoded)
	assert.Contains(t, res.Body, `"deviceId":"d1"`)

	res, err = a.HandleAPIGatewayRequest(ctx, events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodGet,
		Path:       "/devices",
		Headers:    map[string]string{"Accept-Encoding": "gzip"},
	})
	require.NoError(t, err)
	assert.True(t, res.IsBase64Encoded)

	res, err = a.HandleAPIGatewayRequest(ctx, events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodDelete,
		Path:       "/devices/d1",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Empty(t, res.Body)
	assert.Empty(t, res.Headers["Content-Type"])

	res, err = a.HandleAPIGatewayRequest(ctx, events.APIGatewayProxyRequest{
		HTTPMethod:      http.MethodPost,
		Path:            "/telemetry",
		Body:            "not base64!",
		IsBase64Encoded: true,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}
