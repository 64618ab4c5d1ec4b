package credentials

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseCertificate(t *testing.T, certPEM string) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode([]byte(certPEM))
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func TestIssueDeviceCredentials(t *testing.T) {
	ca, err := NewCertificateAuthority("fleet devices", time.Hour)
	require.NoError(t, err)
	issuer, err := NewIssuerFromPEM([]byte(ca.Certificate), []byte(ca.Key))
	require.NoError(t, err)

	c, err := issuer.Issue("device-1", 0)
	require.NoError(t, err)
	assert.Equal(t, "device-1", c.DeviceID)

	cert := parseCertificate(t, c.Certificate)
	assert.Equal(t, "device-1", cert.Subject.CommonName)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, cert.ExtKeyUsage)

	roots := x509.NewCertPool()
	roots.AddCert(parseCertificate(t, ca.Certificate))
	_, err = cert.Verify(x509.VerifyOptions{Roots: roots, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}})
	assert.NoError(t, err)

	_, err = issuer.Issue("", 0)
	assert.Error(t, err)
}

func TestIssueServerCredentials(t *testing.T) {
	ca, err := NewCertificateAuthority("fleet devices", time.Hour)
	require.NoError(t, err)
	issuer, err := NewIssuerFromPEM([]byte(ca.Certificate), []byte(ca.Key))
	require.NoError(t, err)

	c, err := issuer.IssueServer([]string{"mqtt.example.com", "127.0.0.1"}, time.Hour)
	require.NoError(t, err)
	cert := parseCertificate(t, c.Certificate)
	assert.Equal(t, []string{"mqtt.example.com"}, cert.DNSNames)
	require.Len(t, cert.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", cert.IPAddresses[0].String())

	_, err = issuer.IssueServer(nil, time.Hour)
	assert.Error(t, err)
}

func TestNewIssuerFromFiles(t *testing.T) {
	ca, err := NewCertificateAuthority("fleet devices", time.Hour)
	require.NoError(t, err)
	dir := t.TempDir()
	certFile := filepath.Join(dir, "ca.crt")
	keyFile := filepath.Join(dir, "ca.key")
	require.NoError(t, os.WriteFile(certFile, []byte(ca.Certificate), 0o600))
	require.NoError(t, os.WriteFile(keyFile, []byte(ca.Key), 0o600))

	fixed := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	issuer, err := NewIssuer(&Builder{CACertFile: certFile, CAKeyFile: keyFile, Clock: func() time.Time { return fixed }})
	require.NoError(t, err)
	c, err := issuer.Issue("device-1", 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, fixed.Add(24*time.Hour).Equal(parseCertificate(t, c.Certificate).NotAfter))

	_, err = NewIssuer(&Builder{CACertFile: certFile})
	assert.Error(t, err)
}

func TestNotACertificateAuthority(t *testing.T) {
	ca, err := NewCertificateAuthority("fleet devices", time.Hour)
	require.NoError(t, err)
	issuer, err := NewIssuerFromPEM([]byte(ca.Certificate), []byte(ca.Key))
	require.NoError(t, err)
	leaf, err := issuer.Issue("device-1", time.Hour)
	require.NoError(t, err)

	_, err = NewIssuerFromPEM([]byte(leaf.Certificate), []byte(leaf.Key))
	assert.Error(t, err)
	_, err = NewIssuerFromPEM([]byte("garbage"), []byte(ca.Key))
	assert.Error(t, err)
}
