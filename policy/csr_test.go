package policy

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cloudacme/aceme/goodkey"
)

type mockPA struct{}

func (mockPA) WillingToIssue(name string) error {
	if name == "bad-name.com" || name == "other-bad-name.com" {
		return assertErr
	}
	return nil
}

var assertErr = assertError("policy forbids")

type assertError string

func (e assertError) Error() string { return string(e) }

func signedCSR(t *testing.T, mutate func(*x509.CertificateRequest)) *x509.CertificateRequest {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.NoError(t, err)
	template := &x509.CertificateRequest{
		PublicKey:          key.PublicKey,
		SignatureAlgorithm: x509.SHA256WithRSA,
	}
	if mutate != nil {
		mutate(template)
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	assert.NoError(t, err)
	csr, err := x509.ParseCertificateRequest(der)
	assert.NoError(t, err)
	return csr
}

func TestVerifyCSRHappyPath(t *testing.T) {
	csr := signedCSR(t, func(c *x509.CertificateRequest) {
		c.DNSNames = []string{"example.com"}
	})
	err := VerifyCSR(csr, 100, goodkey.DefaultKeyPolicy(), mockPA{}, nil)
	assert.NoError(t, err)
}

func TestVerifyCSRNoNames(t *testing.T) {
	csr := signedCSR(t, nil)
	err := VerifyCSR(csr, 100, goodkey.DefaultKeyPolicy(), mockPA{}, nil)
	assert.Equal(t, errNoDNSNames, err)
}

func TestVerifyCSRLongCN(t *testing.T) {
	csr := signedCSR(t, func(c *x509.CertificateRequest) {
		c.Subject = pkix.Name{CommonName: strings.Repeat("a", maxCNLength+1) + ".com"}
	})
	err := VerifyCSR(csr, 100, goodkey.DefaultKeyPolicy(), mockPA{}, nil)
	assert.Error(t, err)
}

func TestVerifyCSRTooManyNames(t *testing.T) {
	csr := signedCSR(t, func(c *x509.CertificateRequest) {
		c.DNSNames = []string{"a.com", "b.com"}
	})
	err := VerifyCSR(csr, 1, goodkey.DefaultKeyPolicy(), mockPA{}, nil)
	assert.Error(t, err)
}

func TestVerifyCSRForbiddenNames(t *testing.T) {
	csr := signedCSR(t, func(c *x509.CertificateRequest) {
		c.DNSNames = []string{"bad-name.com", "other-bad-name.com"}
	})
	err := VerifyCSR(csr, 100, goodkey.DefaultKeyPolicy(), mockPA{}, nil)
	assert.Error(t, err)
}

func TestVerifyCSREmailForbidden(t *testing.T) {
	csr := signedCSR(t, func(c *x509.CertificateRequest) {
		c.DNSNames = []string{"example.com"}
		c.EmailAddresses = []string{"foo@bar.com"}
	})
	err := VerifyCSR(csr, 100, goodkey.DefaultKeyPolicy(), mockPA{}, nil)
	assert.Equal(t, errEmailPresent, err)
}

func TestVerifyCSRIPForbidden(t *testing.T) {
	csr := signedCSR(t, func(c *x509.CertificateRequest) {
		c.DNSNames = []string{"example.com"}
		c.IPAddresses = []net.IP{net.IPv4(1, 2, 3, 4)}
	})
	err := VerifyCSR(csr, 100, goodkey.DefaultKeyPolicy(), mockPA{}, nil)
	assert.Equal(t, errIPPresent, err)
}

func TestVerifyCSRRejectsDisallowedExtension(t *testing.T) {
	// No DNSNames, so no subjectAltName extension is auto-added: this
	// CSR carries exactly the one custom extension under test.
	csr := signedCSR(t, func(c *x509.CertificateRequest) {
		c.Subject = pkix.Name{CommonName: "example.com"}
		c.ExtraExtensions = []pkix.Extension{{
			Id:    asn1.ObjectIdentifier{1, 2, 3, 4},
			Value: []byte{0x05, 0x00},
		}}
	})
	err := VerifyCSR(csr, 100, goodkey.DefaultKeyPolicy(), mockPA{}, nil)
	assert.Error(t, err)

	err = VerifyCSR(csr, 100, goodkey.DefaultKeyPolicy(), mockPA{}, []string{"1.3.6.1.5.5.7.1.1"})
	assert.Error(t, err)

	err = VerifyCSR(csr, 100, goodkey.DefaultKeyPolicy(), mockPA{}, []string{"1.2.3.4"})
	assert.NoError(t, err)
}

func TestVerifyCSRRejectsMoreThanOneExtension(t *testing.T) {
	// DNSNames forces an auto-added subjectAltName extension; adding a
	// second, custom extension alongside it always violates "at most
	// one", regardless of allowedExtensions.
	csr := signedCSR(t, func(c *x509.CertificateRequest) {
		c.DNSNames = []string{"example.com"}
		c.ExtraExtensions = []pkix.Extension{{
			Id:    asn1.ObjectIdentifier{1, 2, 3, 4},
			Value: []byte{0x05, 0x00},
		}}
	})
	err := VerifyCSR(csr, 100, goodkey.DefaultKeyPolicy(), mockPA{}, []string{"1.2.3.4"})
	assert.Error(t, err)
}

func TestNormalizeCSR(t *testing.T) {
	csr := &x509.CertificateRequest{DNSNames: []string{"B.com", "a.com", "a.com"}}
	NormalizeCSR(csr, false)
	assert.Equal(t, []string{"a.com", "b.com"}, csr.DNSNames)
	assert.Equal(t, "", csr.Subject.CommonName)

	csr2 := &x509.CertificateRequest{DNSNames: []string{"a.com"}}
	NormalizeCSR(csr2, true)
	assert.Equal(t, "a.com", csr2.Subject.CommonName)
}
