// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package client

import (
	"net/url"
	"strconv"
)

// Devices is a client for the device registry
type Devices struct {
	client Client
}

// Devices returns a new device registry client
func (c Client) Devices() Devices {
	return Devices{client: c}
}

// Register registers a device. body is the device object.
func (d Devices) Register(body interface{}, result interface{}) (int, error) {
	return d.client.RawPost("/devices", body, result)
}

// Get reads the device with the given id
func (d Devices) Get(deviceID string, result interface{}) (int, error) {
	return d.client.RawGet("/devices/"+url.PathEscape(deviceID), result)
}

// List lists devices. An empty status lists all devices.
func (d Devices) List(status string, result interface{}) (int, error) {
	path := "/devices"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	return d.client.RawGet(path, result)
}

// Remove removes the device with the given id
func (d Devices) Remove(deviceID string) (int, error) {
	return d.client.RawDelete("/devices/" + url.PathEscape(deviceID))
}

// Telemetry is a client for the telemetry store
type Telemetry struct {
	client Client
}

// Telemetry returns a new telemetry client
func (c Client) Telemetry() Telemetry {
	return Telemetry{client: c}
}

// Ingest posts a telemetry sample
func (t Telemetry) Ingest(body interface{}, result interface{}) (int, error) {
	return t.client.RawPost("/telemetry", body, result)
}

// Recent reads the newest readings of a device. A limit of 0 selects the server default.
func (t Telemetry) Recent(deviceID string, limit int, result interface{}) (int, error) {
	return t.client.RawGet(withLimit("/telemetry/"+url.PathEscape(deviceID), limit), result)
}

// ByMetric reads the newest readings of a metric type across all devices
func (t Telemetry) ByMetric(metricType string, limit int, result interface{}) (int, error) {
	return t.client.RawGet(withLimit("/metrics/"+url.PathEscape(metricType)+"/telemetry", limit), result)
}

func withLimit(path string, limit int) string {
	if limit > 0 {
		return path + "?limit=" + strconv.Itoa(limit)
	}
	return path
}
