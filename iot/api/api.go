// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package api is the REST interface of the fleet registry and the telemetry store

The routing table is static:

	GET    /devices                         list devices, optionally ?status=
	GET    /devices/{deviceId}              read a device
	POST   /devices                         register a device
	DELETE /devices/{deviceId}              remove a device
	POST   /telemetry                       ingest a telemetry sample
	GET    /telemetry/{deviceId}            newest readings of a device, optionally ?limit=
	GET    /metrics/{metricType}/telemetry  newest readings of a metric type, optionally ?limit=
	OPTIONS any                             CORS preflight

Everything else is answered with 400 and an unsupported operation error. All responses carry
open CORS headers.

The same router serves plain HTTP and AWS API Gateway proxy events, see HandleAPIGatewayRequest.
*/
package api

import (
	"bytes"
	"embed"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/fleetstore/core"
	"github.com/relabs-tech/fleetstore/core/logger"
	"github.com/relabs-tech/fleetstore/core/metrics"
	"github.com/relabs-tech/fleetstore/core/schema"
	"github.com/relabs-tech/fleetstore/iot/registry"
	"github.com/relabs-tech/fleetstore/iot/telemetry"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const (
	deviceSchemaID    = "https://fleetstore.relabs.tech/schemas/device.json"
	telemetrySchemaID = "https://fleetstore.relabs.tech/schemas/telemetry.json"

	maxBodySize = 256 * 1024
)

// API is the REST interface
type API struct {
	registry  *registry.Registry
	ingestor  *telemetry.Ingestor
	validator *schema.Validator
	router    *mux.Router
	gateway   *httpadapter.HandlerAdapter
}

// Builder is a builder helper for the API
type Builder struct {
	// Registry is the device registry. This is mandatory.
	Registry *registry.Registry
	// Ingestor is the telemetry ingestor. This is mandatory.
	Ingestor *telemetry.Ingestor
	// Router is the mux router the routes are added to. If nil, a new router is created.
	Router *mux.Router
	// Metrics records request metrics. This is optional.
	Metrics *metrics.Metrics
}

// New creates the API and adds its routes to the router
func New(b *Builder) *API {
	if b.Registry == nil {
		panic("registry missing")
	}
	if b.Ingestor == nil {
		panic("ingestor missing")
	}
	validator, err := schema.NewValidatorFromFS(schemaFS, "schemas")
	if err != nil {
		panic(err)
	}
	for _, id := range []string{deviceSchemaID, telemetrySchemaID} {
		if !validator.HasSchema(id) {
			panic("schema " + id + " missing")
		}
	}
	a := &API{
		registry:  b.Registry,
		ingestor:  b.Ingestor,
		validator: validator,
		router:    b.Router,
	}
	if a.router == nil {
		a.router = mux.NewRouter()
	}

	logger.AddRequestID(a.router)
	if b.Metrics != nil {
		a.router.Use(b.Metrics.Middleware)
	}
	a.handleRoutes()
	a.gateway = httpadapter.New(a.router)
	return a
}

// Router returns the mux router of the API
func (a *API) Router() *mux.Router {
	return a.router
}

// ServeHTTP serves a request through the router
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *API) handleRoutes() {
	rlog := logger.Default()
	r := a.router

	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		render(w, r, http.StatusNoContent, nil)
	})

	rlog.Debugln("api: handle route /devices GET,POST")
	r.Handle("/devices", handlers.CompressHandler(http.HandlerFunc(a.listDevices))).Methods(http.MethodGet)
	r.HandleFunc("/devices", a.registerDevice).Methods(http.MethodPost)

	rlog.Debugln("api: handle route /devices/{deviceId} GET,DELETE")
	r.HandleFunc("/devices/{deviceId}", a.readDevice).Methods(http.MethodGet)
	r.HandleFunc("/devices/{deviceId}", a.removeDevice).Methods(http.MethodDelete)

	rlog.Debugln("api: handle route /telemetry POST")
	r.HandleFunc("/telemetry", a.ingest).Methods(http.MethodPost)

	rlog.Debugln("api: handle route /telemetry/{deviceId} GET")
	r.Handle("/telemetry/{deviceId}", handlers.CompressHandler(http.HandlerFunc(a.recentTelemetry))).Methods(http.MethodGet)

	rlog.Debugln("api: handle route /metrics/{metricType}/telemetry GET")
	r.Handle("/metrics/{metricType}/telemetry", handlers.CompressHandler(http.HandlerFunc(a.metricTelemetry))).Methods(http.MethodGet)

	unsupported := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		renderError(w, r, fmt.Errorf("%w: %s %s", core.ErrUnsupportedOperation, r.Method, r.URL.Path))
	})
	r.NotFoundHandler = unsupported
	r.MethodNotAllowedHandler = unsupported
}

func (a *API) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := a.registry.List(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	if devices == nil {
		devices = []registry.Device{}
	}
	render(w, r, http.StatusOK, map[string]interface{}{"devices": devices})
}

func (a *API) readDevice(w http.ResponseWriter, r *http.Request) {
	device, err := a.registry.Get(r.Context(), mux.Vars(r)["deviceId"])
	if err != nil {
		renderError(w, r, err)
		return
	}
	render(w, r, http.StatusOK, device)
}

func (a *API) registerDevice(w http.ResponseWriter, r *http.Request) {
	body, err := a.readBody(r, deviceSchemaID)
	if err != nil {
		renderError(w, r, err)
		return
	}
	reg, err := registry.RegistrationFromMap(body)
	if err != nil {
		renderError(w, r, err)
		return
	}
	device, err := a.registry.Register(r.Context(), reg)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render(w, r, http.StatusCreated, device)
}

func (a *API) removeDevice(w http.ResponseWriter, r *http.Request) {
	if err := a.registry.Remove(r.Context(), mux.Vars(r)["deviceId"]); err != nil {
		renderError(w, r, err)
		return
	}
	render(w, r, http.StatusNoContent, nil)
}

func (a *API) ingest(w http.ResponseWriter, r *http.Request) {
	body, err := a.readBody(r, telemetrySchemaID)
	if err != nil {
		renderError(w, r, err)
		return
	}
	sample, err := telemetry.SampleFromMap(body)
	if err != nil {
		renderError(w, r, err)
		return
	}
	reading, err := a.ingestor.Ingest(r.Context(), sample)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render(w, r, http.StatusCreated, reading)
}

func (a *API) recentTelemetry(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParameter(r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	readings, err := a.ingestor.Recent(r.Context(), mux.Vars(r)["deviceId"], limit)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render(w, r, http.StatusOK, map[string]interface{}{"telemetry": readings})
}

func (a *API) metricTelemetry(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParameter(r)
	if err != nil {
		renderError(w, r, err)
		return
	}
	readings, err := a.ingestor.ByMetric(r.Context(), mux.Vars(r)["metricType"], limit)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render(w, r, http.StatusOK, map[string]interface{}{"telemetry": readings})
}

// readBody reads the JSON object of the request and validates it against schemaID. An
// empty body is an empty object.
func (a *API) readBody(r *http.Request, schemaID string) (map[string]interface{}, error) {
	var raw []byte
	if r.Body != nil {
		var err error
		raw, err = io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
		if err != nil {
			return nil, fmt.Errorf("%w: cannot read body: %v", core.ErrInvalidInput, err)
		}
	}
	if len(raw) > maxBodySize {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", core.ErrInvalidInput, maxBodySize)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	if err := a.validator.ValidateBytes(raw, schemaID); err != nil {
		return nil, err
	}
	body := map[string]interface{}{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	return body, nil
}

func limitParameter(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(s)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("%w: limit must be a positive integer", core.ErrInvalidInput)
	}
	return limit, nil
}
