// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package mqtt

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/fleetstore/core"
	"github.com/relabs-tech/fleetstore/iot/telemetry"
)

const telemetrySegment = "telemetry"

// TelemetryTopic returns the topic a device publishes readings of metricType to
func TelemetryTopic(namespace, metricType string) string {
	if metricType == "" {
		return namespace + "/" + telemetrySegment
	}
	return namespace + "/" + telemetrySegment + "/" + metricType
}

// parseTelemetryTopic returns the metric type of a telemetry topic within namespace. The
// metric type is empty for the bare telemetry topic.
func parseTelemetryTopic(namespace, topic string) (string, bool) {
	base := namespace + "/" + telemetrySegment
	if topic == base {
		return "", true
	}
	metricType, ok := strings.CutPrefix(topic, base+"/")
	if !ok || metricType == "" || strings.ContainsAny(metricType, "/+#") {
		return "", false
	}
	return metricType, true
}

// decodeSample decodes an MQTT telemetry payload of deviceID. The payload is a JSON object; a
// device id inside the payload must match the publishing device.
func decodeSample(deviceID, metricType string, payload []byte) (telemetry.Sample, error) {
	m := map[string]interface{}{}
	if err := json.Unmarshal(payload, &m); err != nil {
		return telemetry.Sample{}, fmt.Errorf("%w: payload is not a JSON object: %v", core.ErrInvalidInput, err)
	}
	sample, err := telemetry.SampleFromMap(m)
	if err != nil {
		return sample, err
	}
	if sample.DeviceID != "" && sample.DeviceID != deviceID {
		return sample, fmt.Errorf("%w: device %s cannot publish for %s", core.ErrInvalidInput, deviceID, sample.DeviceID)
	}
	sample.DeviceID = deviceID
	if metricType != "" {
		sample.MetricType = metricType
	}
	return sample, nil
}
