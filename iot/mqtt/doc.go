/*
Package mqtt provides the MQTT broker of the device fleet

Every device owns the topic namespace

	{prefix}/devices/{deviceId}

and may publish and subscribe within that namespace only. Capabilities are evaluated on
every connect: a device is identified by the common name of its client certificate when the
broker runs with TLS, and by its client id otherwise. The client id must equal the identity,
and the identity must belong to a registered device which is not inactive.

Telemetry

Devices publish telemetry as JSON objects to

	{prefix}/devices/{deviceId}/telemetry/{metricType}

or to {prefix}/devices/{deviceId}/telemetry for the default metric type. Every message is
ingested into the telemetry store exactly as if it was posted to the REST API. Messages on
other topics of the namespace are routed to subscribers unchanged.
*/
package mqtt
