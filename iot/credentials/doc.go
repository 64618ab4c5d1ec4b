/*
Package credentials issues X.509 credentials for devices

The MQTT broker identifies devices by the common name of their client certificate when it runs
with TLS. An Issuer signs such certificates with the device certificate authority: the common
name is the device id, the extended key usage is client authentication.

The fleet-credentials command wraps the Issuer for operators. It creates a certificate authority,
a server certificate for the broker, and device credentials:

	fleet-credentials ca
	fleet-credentials server mqtt.example.com
	fleet-credentials device device-1709294400000

Credentials are printed as JSON

	deviceId:	the device id and certificate common name
	cert:		the X.509 certificate, PEM encoded
	key: 		the private key, PEM encoded

Issuing a certificate does not register the device. A device connects only if it is registered
and not inactive.
*/
package credentials
