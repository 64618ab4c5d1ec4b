// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package iot contains the device fleet functionality

The device registry (iot/registry) and the telemetry ingestor (iot/telemetry) are built on the
indexed store of core/store. The REST api (iot/api) serves both over HTTP and AWS API Gateway.
Devices connect to the MQTT broker (iot/mqtt) with capabilities derived by the authorization
evaluator (iot/authorization), optionally authenticated with certificates from iot/credentials.
Package iot/fleet wires everything together from the configuration.
*/
package iot
