// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package telemetry ingests append-only telemetry readings of fleet devices.

Readings are keyed by device id and ingestion time in milliseconds. Two readings of the same
device never share a timestamp: a write that finds its millisecond taken moves to the next one.
Every reading expires after the retention window; the store stops returning it at that point.
*/
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/fleetstore/core"
	"github.com/relabs-tech/fleetstore/core/logger"
	"github.com/relabs-tech/fleetstore/core/store"
)

// Resource is the resource name used in notifications
const Resource = "telemetry"

const (
	// DefaultRetention is the default retention window
	DefaultRetention = 30 * 24 * time.Hour
	// DefaultRecentLimit is the number of readings returned by Recent without limit
	DefaultRecentLimit = 100

	maxCollisionAttempts = 32
)

// Schema returns the table schema of the telemetry table
func Schema(table, metricTypeIndex string) store.TableSchema {
	return store.TableSchema{
		Name:            table,
		PartitionKey:    AttributeDeviceID,
		SortKey:         AttributeTimestamp,
		ExpiryAttribute: AttributeTTL,
		Indexes: map[string]store.IndexSchema{
			metricTypeIndex: {PartitionKey: AttributeMetricType, SortKey: AttributeTimestamp},
		},
	}
}

// Ingestor writes and reads telemetry readings
type Ingestor struct {
	store           store.Store
	table           string
	metricTypeIndex string
	retention       time.Duration
	notifier        core.Notifier
	now             func() time.Time
}

// Builder is a builder helper for the Ingestor
type Builder struct {
	// Store is the indexed store. This is mandatory.
	Store store.Store
	// Table is the name of the telemetry table. This is mandatory.
	Table string
	// MetricTypeIndex is the name of the metric type index. This is mandatory.
	MetricTypeIndex string
	// Retention is the retention window. The default is DefaultRetention
	Retention time.Duration
	// Notifier receives telemetry notifications. This is optional.
	Notifier core.Notifier
	// Clock returns the current time. The default is time.Now
	Clock func() time.Time
}

// New returns a new ingestor
func New(b *Builder) *Ingestor {
	if b.Store == nil {
		panic("store missing")
	}
	if b.Table == "" {
		panic("table missing")
	}
	if b.MetricTypeIndex == "" {
		panic("metric type index missing")
	}
	i := &Ingestor{
		store:           b.Store,
		table:           b.Table,
		metricTypeIndex: b.MetricTypeIndex,
		retention:       b.Retention,
		notifier:        b.Notifier,
		now:             b.Clock,
	}
	if i.retention <= 0 {
		i.retention = DefaultRetention
	}
	if i.now == nil {
		i.now = time.Now
	}
	return i
}

// Retention returns the retention window
func (i *Ingestor) Retention() time.Duration {
	return i.retention
}

// validDeviceID matches the device ids the registry accepts
var validDeviceID = regexp.MustCompile(`^[A-Za-z0-9:_.-]{1,128}$`)

// Ingest stores a new reading. It fails with core.ErrInvalidInput if the sample has no device id
// or one which cannot address a device.
func (i *Ingestor) Ingest(ctx context.Context, sample Sample) (*Reading, error) {
	if sample.DeviceID == "" {
		return nil, fmt.Errorf("%w: %s missing", core.ErrInvalidInput, AttributeDeviceID)
	}
	if !validDeviceID.MatchString(sample.DeviceID) {
		return nil, fmt.Errorf("%w: invalid device id %q", core.ErrInvalidInput, sample.DeviceID)
	}
	r := &Reading{
		DeviceID:   sample.DeviceID,
		Timestamp:  i.now().UnixMilli(),
		MetricType: sample.MetricType,
		Payload:    sample.Payload,
	}
	if r.MetricType == "" {
		r.MetricType = DefaultMetricType
	}

	var err error
	for attempt := 0; attempt < maxCollisionAttempts; attempt++ {
		if attempt > 0 {
			r.Timestamp++
		}
		r.ExpiresAt = r.Timestamp + i.retention.Milliseconds()
		r.TTL = (r.ExpiresAt + 999) / 1000
		err = i.store.Put(ctx, i.table, r.item(), store.NotExists())
		if !errors.Is(err, core.ErrConditionFailed) {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Debugln("ingested", r.MetricType, "reading of", r.DeviceID, "at", r.Timestamp)
	i.notify(ctx, r)
	return r, nil
}

// Recent returns the newest readings of a device, newest first. A limit which is not positive
// selects DefaultRecentLimit. Unknown devices have no readings.
func (i *Ingestor) Recent(ctx context.Context, deviceID string, limit int) ([]Reading, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("%w: %s missing", core.ErrInvalidInput, AttributeDeviceID)
	}
	return i.query(ctx, store.Query{Partition: deviceID, Descending: true, Limit: recentLimit(limit)})
}

// ByMetric returns the newest readings of a metric type across all devices, newest first
func (i *Ingestor) ByMetric(ctx context.Context, metricType string, limit int) ([]Reading, error) {
	if metricType == "" {
		return nil, fmt.Errorf("%w: %s missing", core.ErrInvalidInput, AttributeMetricType)
	}
	return i.query(ctx, store.Query{Index: i.metricTypeIndex, Partition: metricType, Descending: true, Limit: recentLimit(limit)})
}

func recentLimit(limit int) int {
	if limit <= 0 {
		return DefaultRecentLimit
	}
	return limit
}

// query follows the store pages until q.Limit readings are collected or the partition ends
func (i *Ingestor) query(ctx context.Context, q store.Query) ([]Reading, error) {
	limit := q.Limit
	readings := []Reading{}
	for {
		q.Limit = limit - len(readings)
		page, err := i.store.Query(ctx, i.table, q)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			r, err := readingFromItem(item)
			if err != nil {
				return nil, err
			}
			readings = append(readings, r)
		}
		if q.Token = page.NextToken; q.Token == "" || len(readings) >= limit {
			return readings, nil
		}
	}
}

func (i *Ingestor) notify(ctx context.Context, r *Reading) {
	if i.notifier == nil {
		return
	}
	body, err := json.Marshal(r)
	if err == nil {
		err = i.notifier.Notify(ctx, core.Notification{Resource: Resource, Operation: core.OperationCreate, Key: r.DeviceID, Payload: body})
	}
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("cannot notify reading of device", r.DeviceID)
	}
}
