package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCA(t *testing.T) (*Impl, *rsa.PrivateKey) {
	t.Helper()
	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	impl, err := New(caCert, caKey, 90*24*time.Hour, clock.NewFake(), nil, logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	return impl, caKey
}

func testCSR(t *testing.T, names ...string) *x509.CertificateRequest {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: names[0]},
		DNSNames:           names,
		SignatureAlgorithm: x509.SHA256WithRSA,
	}, key)
	require.NoError(t, err)
	csr, err := x509.ParseCertificateRequest(der)
	require.NoError(t, err)
	return csr
}

func TestIssueCertificate(t *testing.T) {
	impl, _ := testCA(t)
	csr := testCSR(t, "example.com")

	notBefore := time.Now()
	der, err := impl.IssueCertificate(csr, notBefore, notBefore.Add(time.Hour))
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com"}, cert.DNSNames)
	assert.Equal(t, impl.caCert.Subject.CommonName, cert.Issuer.CommonName)
}

func TestIssueCertificateClampsValidity(t *testing.T) {
	impl, _ := testCA(t)
	csr := testCSR(t, "example.com")

	notBefore := time.Now()
	der, err := impl.IssueCertificate(csr, notBefore, notBefore.Add(365*24*time.Hour))
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	assert.True(t, cert.NotAfter.Before(notBefore.Add(91*24*time.Hour)))
}

func TestSerialsAreMonotonic(t *testing.T) {
	impl, _ := testCA(t)
	csr := testCSR(t, "example.com")
	notBefore := time.Now()

	der1, err := impl.IssueCertificate(csr, notBefore, notBefore.Add(time.Hour))
	require.NoError(t, err)
	der2, err := impl.IssueCertificate(csr, notBefore, notBefore.Add(time.Hour))
	require.NoError(t, err)

	cert1, err := x509.ParseCertificate(der1)
	require.NoError(t, err)
	cert2, err := x509.ParseCertificate(der2)
	require.NoError(t, err)

	assert.Equal(t, -1, cert1.SerialNumber.Cmp(cert2.SerialNumber))
	assert.Equal(t, 0, len(cert1.SerialNumber.Text(16))%2)
	assert.Equal(t, 0, len(cert2.SerialNumber.Text(16))%2)
}
