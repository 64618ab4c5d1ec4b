// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package telemetry

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/fleetstore/core"
	"github.com/relabs-tech/fleetstore/core/store"
)

// Attribute names of telemetry records
const (
	AttributeDeviceID   = "deviceId"
	AttributeTimestamp  = "timestamp"
	AttributeMetricType = "metricType"
	AttributeExpiresAt  = "expiresAt"
	AttributeTTL        = "ttl"
)

// DefaultMetricType is used for samples without metric type
const DefaultMetricType = "default"

// Reading is a stored telemetry reading
type Reading struct {
	DeviceID string
	// Timestamp is the ingestion time in epoch milliseconds, unique per device
	Timestamp  int64
	MetricType string
	// ExpiresAt is Timestamp plus the retention window, in epoch milliseconds
	ExpiresAt int64
	// TTL is ExpiresAt in epoch seconds, rounded up. The store removes the reading after TTL.
	TTL     int64
	Payload map[string]interface{}
}

// Sample is the input of Ingest
type Sample struct {
	DeviceID   string
	MetricType string
	Payload    map[string]interface{}
}

func reserved(attribute string) bool {
	switch attribute {
	case AttributeDeviceID, AttributeTimestamp, AttributeMetricType, AttributeExpiresAt, AttributeTTL:
		return true
	}
	return false
}

// SampleFromMap creates a sample from a decoded JSON object. Timestamps and expiry
// supplied by the caller are ignored.
func SampleFromMap(m map[string]interface{}) (Sample, error) {
	var s Sample
	if v, ok := m[AttributeDeviceID]; ok && v != nil {
		id, ok := v.(string)
		if !ok {
			return s, fmt.Errorf("%w: %s must be a string", core.ErrInvalidInput, AttributeDeviceID)
		}
		s.DeviceID = id
	}
	if v, ok := m[AttributeMetricType]; ok && v != nil {
		mt, ok := v.(string)
		if !ok {
			return s, fmt.Errorf("%w: %s must be a string", core.ErrInvalidInput, AttributeMetricType)
		}
		s.MetricType = mt
	}
	for k, v := range m {
		if reserved(k) {
			continue
		}
		if s.Payload == nil {
			s.Payload = map[string]interface{}{}
		}
		s.Payload[k] = v
	}
	return s, nil
}

// MarshalJSON flattens the payload next to the typed fields
func (r Reading) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}(r.item()))
}

func (r Reading) item() store.Item {
	item := store.Item{}
	for k, v := range r.Payload {
		if !reserved(k) {
			item[k] = v
		}
	}
	item[AttributeDeviceID] = r.DeviceID
	item[AttributeTimestamp] = r.Timestamp
	item[AttributeMetricType] = r.MetricType
	item[AttributeExpiresAt] = r.ExpiresAt
	item[AttributeTTL] = r.TTL
	return item
}

func readingFromItem(item store.Item) (Reading, error) {
	var r Reading
	var ok bool
	if r.DeviceID, ok = item.String(AttributeDeviceID); !ok {
		return r, fmt.Errorf("%w: telemetry record without %s", core.ErrStoreUnavailable, AttributeDeviceID)
	}
	r.Timestamp, _ = item.Int64(AttributeTimestamp)
	r.MetricType, _ = item.String(AttributeMetricType)
	r.ExpiresAt, _ = item.Int64(AttributeExpiresAt)
	r.TTL, _ = item.Int64(AttributeTTL)
	for k, v := range item {
		if reserved(k) {
			continue
		}
		if r.Payload == nil {
			r.Payload = map[string]interface{}{}
		}
		r.Payload[k] = v
	}
	return r, nil
}
