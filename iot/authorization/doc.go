/*
Package authorization derives the MQTT capabilities of a device identity.

Every device owns a topic namespace

	{prefix}/devices/{identity}/

and may publish, subscribe and receive only inside it. The client id of an MQTT connection must
equal the identity. The prefix is the project name, "bravo" unless configured otherwise.

Capabilities are derived per call and never cached by the evaluator. Transports must ask again
for every new connection, because bindings change when devices are registered, deactivated or
removed.
*/
package authorization
