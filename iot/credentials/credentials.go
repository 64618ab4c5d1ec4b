// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package credentials

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/relabs-tech/fleetstore/core"
)

// DefaultValidity is the validity of issued certificates if none is given
const DefaultValidity = 10 * 365 * 24 * time.Hour

// Credentials are a certificate and its private key
type Credentials struct {
	DeviceID    string `json:"deviceId,omitempty"`
	Certificate string `json:"cert"`
	Key         string `json:"key"`
}

// Issuer signs certificates with a certificate authority
type Issuer struct {
	caCert *x509.Certificate
	caKey  crypto.Signer
	now    func() time.Time
}

// Builder is a builder helper for the Issuer
type Builder struct {
	// CACertFile is the file path to the X.509 certificate of the certificate authority.
	// This is mandatory
	CACertFile string
	// CAKeyFile is the file path to the private key of the certificate authority.
	// This is mandatory
	CAKeyFile string
	// Clock returns the current time. The default is time.Now
	Clock func() time.Time
}

// NewIssuer loads the certificate authority from files
func NewIssuer(b *Builder) (*Issuer, error) {
	if b.CACertFile == "" {
		return nil, errors.New("ca-cert file missing")
	}
	if b.CAKeyFile == "" {
		return nil, errors.New("ca-key file missing")
	}
	certPEM, err := os.ReadFile(b.CACertFile)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(b.CAKeyFile)
	if err != nil {
		return nil, err
	}
	i, err := NewIssuerFromPEM(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	if b.Clock != nil {
		i.now = b.Clock
	}
	return i, nil
}

// NewIssuerFromPEM creates an issuer from a PEM encoded certificate authority
func NewIssuerFromPEM(caCertPEM, caKeyPEM []byte) (*Issuer, error) {
	block, _ := pem.Decode(caCertPEM)
	if block == nil {
		return nil, errors.New("ca-cert is not PEM encoded")
	}
	caCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cannot parse ca-cert: %w", err)
	}
	if !caCert.IsCA {
		return nil, errors.New("ca-cert is not a certificate authority")
	}
	caKey, err := parsePrivateKey(caKeyPEM)
	if err != nil {
		return nil, err
	}
	return &Issuer{caCert: caCert, caKey: caKey, now: time.Now}, nil
}

func parsePrivateKey(keyPEM []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("ca-key is not PEM encoded")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		if signer, ok := key.(crypto.Signer); ok {
			return signer, nil
		}
		return nil, errors.New("ca-key cannot sign")
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, errors.New("unsupported ca-key format")
}

// NewCertificateAuthority creates a self-signed certificate authority
func NewCertificateAuthority(commonName string, validity time.Duration) (*Credentials, error) {
	if validity <= 0 {
		validity = DefaultValidity
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return encode(der, key)
}

// Issue issues client credentials for a device. The common name of the certificate is the
// device id.
func (i *Issuer) Issue(deviceID string, validity time.Duration) (*Credentials, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("%w: device id missing", core.ErrInvalidInput)
	}
	c, err := i.issue(pkix.Name{CommonName: deviceID}, nil, x509.ExtKeyUsageClientAuth, validity)
	if err != nil {
		return nil, err
	}
	c.DeviceID = deviceID
	return c, nil
}

// IssueServer issues server credentials for the broker. hosts are DNS names or IP addresses.
func (i *Issuer) IssueServer(hosts []string, validity time.Duration) (*Credentials, error) {
	if len(hosts) == 0 {
		return nil, fmt.Errorf("%w: hosts missing", core.ErrInvalidInput)
	}
	return i.issue(pkix.Name{CommonName: hosts[0]}, hosts, x509.ExtKeyUsageServerAuth, validity)
}

func (i *Issuer) issue(subject pkix.Name, hosts []string, usage x509.ExtKeyUsage, validity time.Duration) (*Credentials, error) {
	if validity <= 0 {
		validity = DefaultValidity
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, err
	}
	now := i.now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      subject,
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, template, i.caCert, &key.PublicKey, i.caKey)
	if err != nil {
		return nil, fmt.Errorf("cannot sign certificate: %w", err)
	}
	return encode(der, key)
}

func serialNumber() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}

func encode(der []byte, key *ecdsa.PrivateKey) (*Credentials, error) {
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	var certPEM, keyPEM bytes.Buffer
	if err := pem.Encode(&certPEM, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		return nil, err
	}
	if err := pem.Encode(&keyPEM, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}); err != nil {
		return nil, err
	}
	return &Credentials{Certificate: certPEM.String(), Key: keyPEM.String()}, nil
}
