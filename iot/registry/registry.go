// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package registry manages the registered state of fleet devices.

There is at most one record per device id. Registering an existing id replaces the record
(upsert); concurrent writers are ordered by the record timestamp, which never decreases.
*/
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/fleetstore/core"
	"github.com/relabs-tech/fleetstore/core/logger"
	"github.com/relabs-tech/fleetstore/core/store"
)

// Resource is the resource name used in notifications
const Resource = "device"

// Schema returns the table schema of the device table
func Schema(table, statusIndex string) store.TableSchema {
	return store.TableSchema{
		Name:         table,
		PartitionKey: AttributeDeviceID,
		Indexes: map[string]store.IndexSchema{
			statusIndex: {PartitionKey: AttributeStatus, SortKey: AttributeTimestamp},
		},
	}
}

// Registry is the device registry
type Registry struct {
	store       store.Store
	table       string
	statusIndex string
	notifier    core.Notifier
	now         func() time.Time
}

// Builder is a builder helper for the Registry
type Builder struct {
	// Store is the indexed store. This is mandatory.
	Store store.Store
	// Table is the name of the device table. This is mandatory.
	Table string
	// StatusIndex is the name of the status index. This is mandatory.
	StatusIndex string
	// Notifier receives device notifications. This is optional.
	Notifier core.Notifier
	// Clock returns the current time. The default is time.Now
	Clock func() time.Time
}

// New returns a new registry
func New(b *Builder) *Registry {
	if b.Store == nil {
		panic("store missing")
	}
	if b.Table == "" {
		panic("table missing")
	}
	if b.StatusIndex == "" {
		panic("status index missing")
	}
	r := &Registry{
		store:       b.Store,
		table:       b.Table,
		statusIndex: b.StatusIndex,
		notifier:    b.Notifier,
		now:         b.Clock,
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Register creates or replaces a device record. A missing status defaults to
// StatusActive, a missing id is generated as device-<integer>.
func (r *Registry) Register(ctx context.Context, reg Registration) (*Device, error) {
	now := r.now()
	d := &Device{
		DeviceID:   reg.DeviceID,
		Timestamp:  now.UnixMilli(),
		Status:     reg.Status,
		Attributes: reg.Attributes,
	}
	if d.Status == "" {
		d.Status = StatusActive
	}

	operation := core.OperationCreate
	var err error
	if d.DeviceID == "" {
		err = r.create(ctx, d, now)
	} else {
		if !validDeviceID.MatchString(d.DeviceID) {
			return nil, fmt.Errorf("%w: invalid device id %q", core.ErrInvalidInput, d.DeviceID)
		}
		var replaced bool
		if replaced, err = r.upsert(ctx, d); replaced {
			operation = core.OperationUpdate
		}
	}
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Infoln("registered device", d.DeviceID, "with status", d.Status)
	r.notify(ctx, operation, d.DeviceID, d)
	return d, nil
}

// create writes a device with a generated id. If the id is taken, a second id
// with higher resolution is tried once.
func (r *Registry) create(ctx context.Context, d *Device, now time.Time) error {
	d.DeviceID = fmt.Sprintf("device-%d", now.UnixMilli())
	err := r.store.Put(ctx, r.table, d.item(), store.NotExists())
	if !errors.Is(err, core.ErrConditionFailed) {
		return err
	}
	d.DeviceID = fmt.Sprintf("device-%d", now.UnixNano())
	return r.store.Put(ctx, r.table, d.item(), store.NotExists())
}

// upsert writes the device and reports whether it replaced a live record. A newer record is
// never replaced: on conflict it retries once with a timestamp after the current record's.
func (r *Registry) upsert(ctx context.Context, d *Device) (bool, error) {
	err := r.store.Put(ctx, r.table, d.item(), store.NotExists())
	if !errors.Is(err, core.ErrConditionFailed) {
		return false, err
	}
	err = r.store.Put(ctx, r.table, d.item(), store.AttributeAtMost(AttributeTimestamp, d.Timestamp))
	if !errors.Is(err, core.ErrConditionFailed) {
		return true, err
	}
	current, err := r.Get(ctx, d.DeviceID)
	switch {
	case err == nil:
		if current.Timestamp >= d.Timestamp {
			d.Timestamp = current.Timestamp + 1
		}
	case errors.Is(err, core.ErrNotFound):
	default:
		return false, err
	}
	return true, r.store.Put(ctx, r.table, d.item(), store.AttributeAtMost(AttributeTimestamp, d.Timestamp))
}

// Get returns the device with id
func (r *Registry) Get(ctx context.Context, id string) (*Device, error) {
	item, err := r.store.Get(ctx, r.table, store.Key{Partition: id})
	if err != nil {
		return nil, err
	}
	d, err := deviceFromItem(item)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// List returns all devices, or all devices with status if status is not empty. Devices
// filtered by status are ordered by timestamp, newest first.
func (r *Registry) List(ctx context.Context, status string) ([]Device, error) {
	devices := []Device{}
	token := ""
	for {
		var page *store.Page
		var err error
		if status == "" {
			page, err = r.store.Scan(ctx, r.table, store.DefaultPageSize, token)
		} else {
			page, err = r.store.Query(ctx, r.table, store.Query{
				Index:      r.statusIndex,
				Partition:  status,
				Descending: true,
				Token:      token,
			})
		}
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			d, err := deviceFromItem(item)
			if err != nil {
				return nil, err
			}
			devices = append(devices, d)
		}
		if token = page.NextToken; token == "" {
			return devices, nil
		}
	}
}

// Remove deletes the device with id
func (r *Registry) Remove(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, r.table, store.Key{Partition: id}); err != nil {
		return err
	}
	logger.FromContext(ctx).Infoln("removed device", id)
	r.notify(ctx, core.OperationDelete, id, map[string]string{AttributeDeviceID: id})
	return nil
}

// Bound implements the authorization binder: a device is bound if it is registered and
// not inactive.
func (r *Registry) Bound(ctx context.Context, id string) (bool, error) {
	d, err := r.Get(ctx, id)
	if errors.Is(err, core.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return d.Status != StatusInactive, nil
}

// notify sends a notification. The device is already written, so failures are only logged.
func (r *Registry) notify(ctx context.Context, operation core.Operation, id string, payload interface{}) {
	if r.notifier == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err == nil {
		err = r.notifier.Notify(ctx, core.Notification{Resource: Resource, Operation: operation, Key: id, Payload: body})
	}
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("cannot notify", operation, "of device", id)
	}
}
