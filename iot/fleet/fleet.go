// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package fleet assembles the device fleet backend from its configuration

It opens the configured store driver, connects the notification channels and creates the
device registry, the telemetry ingestor, the authorization evaluator and the REST api. The
HTTP service and the Lambda function share this wiring.
*/
package fleet

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/relabs-tech/fleetstore/core"
	"github.com/relabs-tech/fleetstore/core/configuration"
	"github.com/relabs-tech/fleetstore/core/csql"
	"github.com/relabs-tech/fleetstore/core/logger"
	"github.com/relabs-tech/fleetstore/core/metrics"
	"github.com/relabs-tech/fleetstore/core/notifications"
	"github.com/relabs-tech/fleetstore/core/store"
	"github.com/relabs-tech/fleetstore/iot/api"
	"github.com/relabs-tech/fleetstore/iot/authorization"
	"github.com/relabs-tech/fleetstore/iot/registry"
	"github.com/relabs-tech/fleetstore/iot/telemetry"
)

// Fleet is the assembled backend
type Fleet struct {
	Configuration configuration.Configuration
	Metrics       *metrics.Metrics
	Store         store.Store
	// Sweeper removes expired items. It is nil for stores which expire items themselves.
	Sweeper   store.Sweeper
	Registry  *registry.Registry
	Ingestor  *telemetry.Ingestor
	Evaluator *authorization.Evaluator
	API       *api.API

	closers []func() error
}

// Builder is a builder helper for the Fleet
type Builder struct {
	Configuration configuration.Configuration
	// Store replaces the store selected by the configuration. This is optional.
	Store store.Store
	// Notifier replaces the notifiers selected by the configuration. This is optional.
	Notifier core.Notifier
	// Metrics is optional
	Metrics *metrics.Metrics
	// Clock returns the current time. The default is time.Now
	Clock func() time.Time
}

// Tables returns the table schemas for the configuration
func Tables(c configuration.Configuration) []store.TableSchema {
	return []store.TableSchema{
		registry.Schema(c.DeviceTable, c.DeviceStatusIndex),
		telemetry.Schema(c.TelemetryTable, c.TelemetryMetricIndex),
	}
}

// New creates the backend. Close releases its connections.
func New(ctx context.Context, b *Builder) (*Fleet, error) {
	c := b.Configuration
	f := &Fleet{Configuration: c, Metrics: b.Metrics}

	raw := b.Store
	if raw == nil {
		var err error
		if raw, err = f.openStore(ctx, b.Clock); err != nil {
			return nil, err
		}
	}
	if sweeper, ok := raw.(store.Sweeper); ok {
		f.Sweeper = sweeper
	}
	f.Store = raw
	if f.Metrics != nil {
		f.Store = metrics.InstrumentStore(f.Store, f.Metrics)
	}
	f.Store = store.WithTimeout(f.Store, c.StoreTimeout)

	notifier := b.Notifier
	if notifier == nil {
		var err error
		if notifier, err = f.openNotifier(ctx); err != nil {
			f.Close()
			return nil, err
		}
	}

	f.Registry = registry.New(&registry.Builder{
		Store:       f.Store,
		Table:       c.DeviceTable,
		StatusIndex: c.DeviceStatusIndex,
		Notifier:    notifier,
		Clock:       b.Clock,
	})
	f.Ingestor = telemetry.New(&telemetry.Builder{
		Store:           f.Store,
		Table:           c.TelemetryTable,
		MetricTypeIndex: c.TelemetryMetricIndex,
		Retention:       c.TelemetryRetention,
		Notifier:        notifier,
		Clock:           b.Clock,
	})
	f.Evaluator = authorization.New(&authorization.Builder{
		Binder:      f.Registry,
		TopicPrefix: c.TopicPrefix,
	})
	f.API = api.New(&api.Builder{
		Registry: f.Registry,
		Ingestor: f.Ingestor,
		Metrics:  f.Metrics,
	})
	return f, nil
}

func (f *Fleet) openStore(ctx context.Context, clock func() time.Time) (store.Store, error) {
	c := f.Configuration
	tables := Tables(c)
	switch c.StoreDriver {
	case configuration.StoreDriverMemory, "":
		logger.Default().Warnln("using the in-memory store, data is lost on restart")
		return store.NewMemory(&store.MemoryBuilder{Tables: tables, Clock: clock}), nil
	case configuration.StoreDriverDynamoDB:
		cfg, err := c.AWSConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("cannot load AWS configuration: %w", err)
		}
		return store.NewDynamoDB(&store.DynamoDBBuilder{
			Client: store.NewDynamoDBClient(cfg, c.DynamoDBEndpoint),
			Tables: tables,
			Clock:  clock,
		}), nil
	case configuration.StoreDriverPostgres:
		db, err := csql.Open(ctx, c.Postgres, c.PostgresPassword, c.PostgresSchema)
		if err != nil {
			return nil, fmt.Errorf("cannot open postgres: %w", err)
		}
		f.closers = append(f.closers, db.Close)
		return store.NewPostgres(ctx, &store.PostgresBuilder{DB: db, Tables: tables, Clock: clock})
	}
	return nil, fmt.Errorf("unknown store driver '%s'", c.StoreDriver)
}

func (f *Fleet) openNotifier(ctx context.Context) (core.Notifier, error) {
	c := f.Configuration
	var multi notifications.Multi
	if brokers := c.KafkaBrokerList(); len(brokers) > 0 {
		k := notifications.NewKafka(brokers, c.KafkaTopic)
		f.closers = append(f.closers, k.Close)
		multi = append(multi, k)
		logger.Default().Infoln("notifications to kafka topic", c.KafkaTopic)
	}
	if c.SQSQueueURL != "" {
		cfg, err := c.AWSConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("cannot load AWS configuration: %w", err)
		}
		multi = append(multi, notifications.NewSQSFromConfig(cfg, c.SQSQueueURL))
		logger.Default().Infoln("notifications to SQS queue", c.SQSQueueURL)
	}
	if len(multi) == 0 {
		return nil, nil
	}
	return multi, nil
}

// Janitor returns a janitor for the store, or nil if the store expires items itself
func (f *Fleet) Janitor() *store.Janitor {
	if f.Sweeper == nil {
		return nil
	}
	return &store.Janitor{Sweeper: f.Sweeper, Interval: f.Configuration.StoreJanitorInterval}
}

// Close releases all connections of the backend
func (f *Fleet) Close() error {
	var err error
	for i := len(f.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, f.closers[i]())
	}
	f.closers = nil
	return err
}
