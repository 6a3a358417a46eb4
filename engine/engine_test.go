package engine

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"math/big"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	jose "gopkg.in/go-jose/go-jose.v2"

	boulderca "github.com/cloudacme/aceme/ca"
	"github.com/cloudacme/aceme/core"
	"github.com/cloudacme/aceme/directory"
	"github.com/cloudacme/aceme/policy"
	"github.com/cloudacme/aceme/store"
)

func testEngine(t *testing.T) (*Engine, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake()
	scheme := directory.NewScheme("example.com", 443, "")
	st := store.New(scheme)
	pa := policy.New(map[string]bool{core.ChallengeTypeAuto: true})

	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	caTemplate := &x509.Certificate{
		SerialNumber:          big1(),
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
	impl, err := boulderca.New(caCert, caKey, 90*24*time.Hour, clk, nil, logrus.NewEntry(logrus.New()))
	require.NoError(t, err)

	cfg := Config{
		AuthzExpiry: 24 * time.Hour,
		MaxNames:    100,
		Terms:       "https://example.com/terms",
	}
	return New(st, scheme, pa, impl, clk, cfg, nil, logrus.NewEntry(logrus.New())), clk
}

func big1() *big.Int { return big.NewInt(1) }

func testAccountKey(t *testing.T) (jose.JsonWebKey, string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	jwk := jose.JsonWebKey{Key: &priv.PublicKey, Algorithm: "RS256"}
	thumb, err := jwk.Thumbprint(sha256.New())
	require.NoError(t, err)
	return jwk, hex.EncodeToString(thumb)
}

func TestNewRegistrationIsIdempotent(t *testing.T) {
	e, _ := testEngine(t)
	jwk, thumb := testAccountKey(t)

	reg, existed, err := e.NewRegistration(thumb, jwk, []string{"mailto:a@example.com"})
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Equal(t, thumb, reg.Id)

	reg2, existed2, err := e.NewRegistration(thumb, jwk, []string{"mailto:b@example.com"})
	require.NoError(t, err)
	assert.True(t, existed2)
	assert.Equal(t, reg.Id, reg2.Id)
	assert.Equal(t, []string{"mailto:a@example.com"}, reg2.Contact)
}

func TestUpdateRegistrationRejectsWrongAgreement(t *testing.T) {
	e, _ := testEngine(t)
	jwk, thumb := testAccountKey(t)
	_, _, err := e.NewRegistration(thumb, jwk, nil)
	require.NoError(t, err)

	_, err = e.UpdateRegistration(thumb, thumb, core.Registration{Agreement: "https://wrong"})
	assert.Error(t, err)
}

func TestUpdateRegistrationRejectsMismatchedID(t *testing.T) {
	e, _ := testEngine(t)
	jwk, thumb := testAccountKey(t)
	_, _, err := e.NewRegistration(thumb, jwk, nil)
	require.NoError(t, err)

	_, err = e.UpdateRegistration("someone-else", thumb, core.Registration{})
	assert.Error(t, err)
}

func TestOrderLifecycleWithAutoChallenge(t *testing.T) {
	e, _ := testEngine(t)
	jwk, thumb := testAccountKey(t)
	_, _, err := e.NewRegistration(thumb, jwk, nil)
	require.NoError(t, err)

	app, err := e.NewApplication(thumb, NewApplicationParams{
		Identifiers: []core.AcmeIdentifier{{Type: core.IdentifierDNS, Value: "example.com"}},
	})
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, app.Status)
	require.Len(t, app.Requirements, 1)

	authzID := app.Requirements[0].URL[len(app.Requirements[0].URL)-36:]
	challenge, err := e.UpdateAuthorization(authzID, 0, thumb, nil)
	require.NoError(t, err)
	assert.Equal(t, core.StatusValid, challenge.Status)

	order, err := e.GetOrder(app.Id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusReady, order.Status)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: "example.com"},
		DNSNames:           []string{"example.com"},
		SignatureAlgorithm: x509.SHA256WithRSA,
	}, key)
	require.NoError(t, err)
	csrB64 := base64.RawURLEncoding.EncodeToString(der)

	finalized, err := e.Finalize(app.Id, thumb, csrB64)
	require.NoError(t, err)
	assert.Equal(t, core.StatusValid, finalized.Status)
	assert.NotEmpty(t, finalized.Certificate)
}
