package transport

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
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
	"github.com/cloudacme/aceme/engine"
	"github.com/cloudacme/aceme/goodkey"
	"github.com/cloudacme/aceme/jws"
	"github.com/cloudacme/aceme/nonce"
	"github.com/cloudacme/aceme/policy"
	"github.com/cloudacme/aceme/store"
)

// staticNonce implements jose.NonceSource for a single, caller-chosen nonce.
type staticNonce string

func (n staticNonce) Nonce() (string, error) { return string(n), nil }

// testServer starts an httptest.Server whose listener address is known
// before the handler is built, so the directory.Scheme's URLs (and thus
// every JWS "url" binding check) agree with what the test client actually
// dials.
func testServer(t *testing.T) (*httptest.Server, *clock.Fake) {
	t.Helper()
	ts := httptest.NewUnstartedServer(http.NotFoundHandler())
	host, portStr, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	clk := clock.NewFake()
	scheme := directory.NewScheme(host, port, "")
	st := store.New(scheme)
	pa := policy.New(map[string]bool{core.ChallengeTypeAuto: true})
	nonces := nonce.New(nil)

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
	certAuth, err := boulderca.New(caCert, caKey, 90*24*time.Hour, clk, nil, logrus.NewEntry(logrus.New()))
	require.NoError(t, err)

	eng := engine.New(st, scheme, pa, certAuth, clk, engine.Config{
		AuthzExpiry: 24 * time.Hour,
		MaxNames:    100,
		Terms:       "https://example.com/terms",
	}, nil, logrus.NewEntry(logrus.New()))

	wfe := New(eng, st, scheme, nonces, jws.IETFDraft, goodkey.DefaultKeyPolicy(), "https://example.com/terms", []string{"*"}, nil, logrus.NewEntry(logrus.New()))
	ts.Config.Handler = wfe.Handler()
	ts.Start()
	return ts, clk
}

func big1() *big.Int { return big.NewInt(1) }

func newReader(b []byte) io.Reader { return bytes.NewReader(b) }

func fetchNonce(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, err := http.Head(srv.URL + "/new-nonce")
	require.NoError(t, err)
	defer resp.Body.Close()
	n := resp.Header.Get("Replay-Nonce")
	require.NotEmpty(t, n)
	return n
}

func signEmbedded(t *testing.T, priv *rsa.PrivateKey, url, nonceVal string, payload interface{}) []byte {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	opts := (&jose.SignerOptions{EmbedJWK: true, NonceSource: staticNonce(nonceVal)}).WithHeader("url", url)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: priv}, opts)
	require.NoError(t, err)
	sig, err := signer.Sign(body)
	require.NoError(t, err)
	return []byte(sig.FullSerialize())
}

func signKID(t *testing.T, priv *rsa.PrivateKey, kid, url, nonceVal string, payload interface{}) []byte {
	t.Helper()
	var body []byte
	var err error
	if payload == nil {
		body = []byte("")
	} else {
		body, err = json.Marshal(payload)
		require.NoError(t, err)
	}
	opts := (&jose.SignerOptions{
		EmbedJWK:    false,
		NonceSource: staticNonce(nonceVal),
	}).WithHeader("url", url)
	signingKey := jose.SigningKey{
		Algorithm: jose.RS256,
		Key:       &jose.JsonWebKey{Key: priv, KeyID: kid, Algorithm: "RS256"},
	}
	signer, err := jose.NewSigner(signingKey, opts)
	require.NoError(t, err)
	sig, err := signer.Sign(body)
	require.NoError(t, err)
	return []byte(sig.FullSerialize())
}

func TestDirectoryIncludesCoreEndpoints(t *testing.T) {
	srv, _ := testServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/directory")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var doc map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Contains(t, doc, "newAccount")
	assert.Contains(t, doc, "newOrder")
	assert.Contains(t, doc, "newNonce")
}

func TestMethodNotAllowedSetsAllowHeader(t *testing.T) {
	srv, _ := testServer(t)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/directory", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Allow"))
}

func TestFullOrderLifecycleOverHTTP(t *testing.T) {
	srv, _ := testServer(t)
	defer srv.Close()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	n := fetchNonce(t, srv)
	acctURL := srv.URL + "/new-acct"
	body := signEmbedded(t, priv, acctURL, n, map[string]interface{}{
		"contact": []string{"mailto:test@example.com"},
	})
	resp, err := http.Post(acctURL, "application/jose+json", newReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	regLocation := resp.Header.Get("Location")
	require.NotEmpty(t, regLocation)
	kid := regLocation

	n = resp.Header.Get("Replay-Nonce")
	orderURL := srv.URL + "/new-app"
	body = signKID(t, priv, kid, orderURL, n, map[string]interface{}{
		"identifiers": []core.AcmeIdentifier{{Type: core.IdentifierDNS, Value: "example.com"}},
	})
	resp, err = http.Post(orderURL, "application/jose+json", newReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var order struct {
		Status       core.AcmeStatus     `json:"status"`
		Requirements []core.Requirement  `json:"requirements"`
		Finalize     string              `json:"finalize"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&order))
	require.Len(t, order.Requirements, 1)

	authzURL := order.Requirements[0].URL
	challengeURL := authzURL + "/0"
	n = resp.Header.Get("Replay-Nonce")
	body = signKID(t, priv, kid, challengeURL, n, map[string]interface{}{})
	resp, err = http.Post(challengeURL, "application/jose+json", newReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var challenge core.Challenge
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&challenge))
	assert.Equal(t, core.StatusValid, challenge.Status)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: "example.com"},
		DNSNames:           []string{"example.com"},
		SignatureAlgorithm: x509.SHA256WithRSA,
	}, key)
	require.NoError(t, err)
	csrB64 := base64.RawURLEncoding.EncodeToString(der)

	n = resp.Header.Get("Replay-Nonce")
	body = signKID(t, priv, kid, order.Finalize, n, map[string]interface{}{"csr": csrB64})
	resp, err = http.Post(order.Finalize, "application/jose+json", newReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var finalized struct {
		Status      core.AcmeStatus `json:"status"`
		Certificate string          `json:"certificate"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&finalized))
	assert.Equal(t, core.StatusValid, finalized.Status)
	require.NotEmpty(t, finalized.Certificate)

	n = resp.Header.Get("Replay-Nonce")
	body = signKID(t, priv, kid, finalized.Certificate, n, nil)
	resp, err = http.Post(finalized.Certificate, "application/jose+json", newReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/pkix-cert", resp.Header.Get("Content-Type"))
}
