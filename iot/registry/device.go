// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package registry

import (
	"fmt"
	"regexp"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/fleetstore/core"
	"github.com/relabs-tech/fleetstore/core/store"
)

// Attribute names of device records
const (
	AttributeDeviceID  = "deviceId"
	AttributeTimestamp = "timestamp"
	AttributeStatus    = "status"
)

// Device statuses with a meaning for the registry. Any other status is accepted as well.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

var validDeviceID = regexp.MustCompile(`^[A-Za-z0-9:_.-]{1,128}$`)

// Device is the registered state of a device
type Device struct {
	DeviceID string
	// Timestamp is the time of the last write in epoch milliseconds
	Timestamp int64
	Status    string
	// Attributes are caller supplied attributes. They are opaque to the registry.
	Attributes map[string]interface{}
}

// Registration is the input of Register
type Registration struct {
	// DeviceID is optional. An id is generated if it is empty
	DeviceID string
	// Status is optional, the default is StatusActive
	Status     string
	Attributes map[string]interface{}
}

func reserved(attribute string) bool {
	switch attribute {
	case AttributeDeviceID, AttributeTimestamp, AttributeStatus:
		return true
	}
	return false
}

// RegistrationFromMap creates a registration from a decoded JSON object. Reserved attributes
// are taken from their typed fields; a caller supplied timestamp is ignored.
func RegistrationFromMap(m map[string]interface{}) (Registration, error) {
	var reg Registration
	if v, ok := m[AttributeDeviceID]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return reg, fmt.Errorf("%w: %s must be a string", core.ErrInvalidInput, AttributeDeviceID)
		}
		reg.DeviceID = s
	}
	if v, ok := m[AttributeStatus]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return reg, fmt.Errorf("%w: %s must be a string", core.ErrInvalidInput, AttributeStatus)
		}
		reg.Status = s
	}
	for k, v := range m {
		if reserved(k) {
			continue
		}
		if reg.Attributes == nil {
			reg.Attributes = map[string]interface{}{}
		}
		reg.Attributes[k] = v
	}
	return reg, nil
}

// MarshalJSON flattens the attributes next to the typed fields
func (d Device) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}(d.item()))
}

// item converts the device into a store item
func (d Device) item() store.Item {
	item := store.Item{}
	for k, v := range d.Attributes {
		if !reserved(k) {
			item[k] = v
		}
	}
	item[AttributeDeviceID] = d.DeviceID
	item[AttributeTimestamp] = d.Timestamp
	item[AttributeStatus] = d.Status
	return item
}

// deviceFromItem converts a store item into a device
func deviceFromItem(item store.Item) (Device, error) {
	var d Device
	var ok bool
	if d.DeviceID, ok = item.String(AttributeDeviceID); !ok {
		return d, fmt.Errorf("%w: device record without %s", core.ErrStoreUnavailable, AttributeDeviceID)
	}
	d.Timestamp, _ = item.Int64(AttributeTimestamp)
	d.Status, _ = item.String(AttributeStatus)
	for k, v := range item {
		if reserved(k) {
			continue
		}
		if d.Attributes == nil {
			d.Attributes = map[string]interface{}{}
		}
		d.Attributes[k] = v
	}
	return d, nil
}
