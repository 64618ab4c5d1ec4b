// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package configuration holds the process wide configuration of the fleet services.
//
// The configuration is decoded once from the environment at process start and then passed by
// value to every builder. Nothing reads the environment after that.
package configuration

import (
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"
)

// StoreDriver selects the implementation of the indexed store
type StoreDriver string

// all supported store drivers
const (
	StoreDriverMemory   StoreDriver = "memory"
	StoreDriverDynamoDB StoreDriver = "dynamodb"
	StoreDriverPostgres StoreDriver = "postgres"
)

// Configuration holds the complete service configuration
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker" together with STORE_DRIVER=postgres
type Configuration struct {
	DeviceTable          string        `env:"DEVICE_TABLE,default=Devices" description:"name of the device table"`
	DeviceStatusIndex    string        `env:"DEVICE_STATUS_INDEX,default=StatusIndex" description:"name of the device status index"`
	TelemetryTable       string        `env:"TELEMETRY_TABLE,default=Telemetry" description:"name of the telemetry table"`
	TelemetryMetricIndex string        `env:"TELEMETRY_METRIC_TYPE_INDEX,default=MetricTypeIndex" description:"name of the telemetry metric type index"`
	TelemetryRetention   time.Duration `env:"TELEMETRY_RETENTION,default=720h" description:"how long telemetry readings are kept"`
	StoreDriver          StoreDriver   `env:"STORE_DRIVER,default=memory" description:"one of memory, dynamodb or postgres"`
	StoreTimeout         time.Duration `env:"STORE_TIMEOUT,default=5s" description:"latency bound of a single store call"`
	StoreJanitorInterval time.Duration `env:"STORE_JANITOR_INTERVAL,default=1m" description:"interval for removing expired items"`
	AWSRegion            string        `env:"AWS_REGION,optional" description:"AWS region for DynamoDB and SQS"`
	AWSAccessKeyID       string        `env:"AWS_ACCESS_KEY_ID,optional" description:"static AWS access key, otherwise the default chain is used"`
	AWSSecretAccessKey   string        `env:"AWS_SECRET_ACCESS_KEY,optional" description:"static AWS secret key"`
	DynamoDBEndpoint     string        `env:"DYNAMODB_ENDPOINT,optional" description:"custom DynamoDB endpoint, for example DynamoDB Local"`
	Postgres             string        `env:"POSTGRES,optional" description:"the connection string for the Postgres DB without password"`
	PostgresPassword     string        `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
	PostgresSchema       string        `env:"POSTGRES_SCHEMA,default=fleet" description:"schema for the store tables"`
	TopicPrefix          string        `env:"IOT_TOPIC_PREFIX,default=bravo" description:"project prefix of the device topic namespace"`
	KafkaBrokers         string        `env:"KAFKA_BROKERS,optional" description:"comma separated list of Kafka brokers for notifications"`
	KafkaTopic           string        `env:"KAFKA_TOPIC,default=fleet_notifications" description:"Kafka topic for notifications"`
	SQSQueueURL          string        `env:"SQS_QUEUE_URL,optional" description:"SQS queue for notifications"`
	HTTPAddress          string        `env:"HTTP_ADDRESS,default=:3000" description:"listen address of the REST API"`
	MQTTAddress          string        `env:"MQTT_ADDRESS,default=:8883" description:"listen address of the MQTT broker"`
	MQTTCertFile         string        `env:"MQTT_CERT_FILE,optional" description:"X.509 certificate of the broker"`
	MQTTKeyFile          string        `env:"MQTT_KEY_FILE,optional" description:"X.509 private key of the broker"`
	MQTTCACertFile       string        `env:"MQTT_CA_CERT_FILE,optional" description:"X.509 certificate of the device certificate authority"`
	LogLevel             string        `env:"LOG_LEVEL,optional,default=info" description:"logrus log level"`
}

// Load decodes the configuration from the environment and validates it
func Load() (Configuration, error) {
	var c Configuration
	if err := envdecode.Decode(&c); err != nil {
		return Configuration{}, fmt.Errorf("cannot decode configuration: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Configuration{}, err
	}
	return c, nil
}

// Validate checks the consistency of the configuration
func (c Configuration) Validate() error {
	switch c.StoreDriver {
	case StoreDriverMemory, StoreDriverDynamoDB:
	case StoreDriverPostgres:
		if c.Postgres == "" {
			return fmt.Errorf("store driver %s requires POSTGRES", c.StoreDriver)
		}
	default:
		return fmt.Errorf("unknown store driver '%s'", c.StoreDriver)
	}
	if c.TelemetryRetention <= 0 {
		return fmt.Errorf("telemetry retention must be positive, got %s", c.TelemetryRetention)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("store timeout must be positive, got %s", c.StoreTimeout)
	}
	if c.DeviceTable == "" || c.TelemetryTable == "" {
		return fmt.Errorf("table names must not be empty")
	}
	if (c.MQTTCertFile == "") != (c.MQTTKeyFile == "") {
		return fmt.Errorf("MQTT_CERT_FILE and MQTT_KEY_FILE must be set together")
	}
	if c.MQTTCertFile != "" && c.MQTTCACertFile == "" {
		return fmt.Errorf("MQTT_CERT_FILE requires MQTT_CA_CERT_FILE")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Level returns the parsed log level, info if the level is invalid
func (c Configuration) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// KafkaBrokerList returns the configured Kafka brokers
func (c Configuration) KafkaBrokerList() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
