// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package api

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/fleetstore/core"
	"github.com/relabs-tech/fleetstore/core/logger"
)

// Response messages of failed requests. Only invalid input is described in detail.
const (
	messageNotFound             = "Not found"
	messageUnsupportedOperation = "Unsupported operation"
	messageInternal             = "Internal server error"
)

func setCORSHeaders(header http.Header) {
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, DELETE")
	header.Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Amz-Date, X-Api-Key, X-Amz-Security-Token")
	header.Set("Access-Control-Expose-Headers", "*")
	header.Set("Access-Control-Max-Age", "86400") // 24 hours
}

// render writes every response of the api. A body is written for all status codes but 204.
func render(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	setCORSHeaders(w.Header())
	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}

	j, err := json.Marshal(body)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("cannot marshal response for", r.Method, r.URL.Path)
		status = http.StatusInternalServerError
		j, _ = json.Marshal(map[string]string{"error": messageInternal})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(j)
}

func renderError(w http.ResponseWriter, r *http.Request, err error) {
	rlog := logger.FromContext(r.Context())
	var status int
	var message string
	switch {
	case errors.Is(err, core.ErrNotFound):
		status, message = http.StatusNotFound, messageNotFound
	case errors.Is(err, core.ErrInvalidInput):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, core.ErrUnsupportedOperation):
		status, message = http.StatusBadRequest, messageUnsupportedOperation
	default:
		status, message = http.StatusInternalServerError, messageInternal
	}
	if status == http.StatusInternalServerError {
		rlog.WithError(err).Errorln("request", r.Method, r.URL.Path, "failed")
	} else {
		rlog.Debugln("request", r.Method, r.URL.Path, "rejected:", err)
	}
	render(w, r, status, map[string]string{"error": message})
}
