// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package ca wraps the configured CA key and certificate to turn a
// validated CSR into a signed, DER-encoded leaf certificate. There is
// no HSM or remote signer here — the key is loaded from disk once at
// startup and used directly, which is adequate for the in-memory,
// single-process core this module implements.
package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/jmhodges/clock"
	"github.com/sirupsen/logrus"

	"github.com/cloudacme/aceme/metrics"
)

// Impl issues certificates signed by a single operator-supplied CA key.
type Impl struct {
	caCert *x509.Certificate
	caKey  crypto.Signer
	sigAlg x509.SignatureAlgorithm

	clk         clock.Clock
	log         *logrus.Entry
	stats       metrics.Scope
	maxValidity time.Duration

	serialMu sync.Mutex
	// counter is the number of certificates issued so far by this Impl.
	// Serials are process-local: the counter starts at zero in every new
	// Impl and is not persisted across restarts.
	counter uint64
}

// New builds an Impl that signs with caKey and chains to caCert.
// maxValidity bounds how far in the future notAfter may be pushed
// regardless of what the caller requests.
func New(caCert *x509.Certificate, caKey crypto.Signer, maxValidity time.Duration, clk clock.Clock, stats metrics.Scope, log *logrus.Entry) (*Impl, error) {
	sigAlg, err := signatureAlgorithmFor(caKey)
	if err != nil {
		return nil, err
	}
	if stats == nil {
		stats = metrics.NewNoopScope()
	}
	return &Impl{
		caCert:      caCert,
		caKey:       caKey,
		sigAlg:      sigAlg,
		clk:         clk,
		log:         log,
		stats:       stats.NewScope("CA"),
		maxValidity: maxValidity,
	}, nil
}

func signatureAlgorithmFor(key crypto.Signer) (x509.SignatureAlgorithm, error) {
	switch key.Public().(type) {
	case *rsa.PublicKey:
		return x509.SHA256WithRSA, nil
	case *ecdsa.PublicKey:
		return x509.ECDSAWithSHA256, nil
	default:
		return 0, fmt.Errorf("unsupported CA key type %T", key.Public())
	}
}

// subjectAltNameOID is handled by DNSNames below, not copied verbatim:
// Go's x509 package derives the SAN extension from Certificate.DNSNames
// itself, so forwarding the CSR's own SAN bytes would only risk a
// conflicting duplicate.
const subjectAltNameOID = "2.5.29.17"

// IssueCertificate signs a DER certificate for csr, valid from notBefore
// to notAfter (clamped to maxValidity), and returns the DER bytes. The
// caller is responsible for having already run csr through the policy
// validator. Any extension the CSR requested besides subjectAltName
// (already carried via DNSNames) is copied into the issued certificate
// verbatim, since the policy validator is what decides which of those
// are permitted.
func (ca *Impl) IssueCertificate(csr *x509.CertificateRequest, notBefore, notAfter time.Time) ([]byte, error) {
	if notAfter.Sub(notBefore) > ca.maxValidity {
		notAfter = notBefore.Add(ca.maxValidity)
	}

	serial := ca.nextSerial()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: csr.Subject.CommonName,
		},
		DNSNames:              csr.DNSNames,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		PublicKey:             csr.PublicKey,
		SignatureAlgorithm:    ca.sigAlg,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	for _, ext := range csr.Extensions {
		if ext.Id.String() == subjectAltNameOID {
			continue
		}
		template.ExtraExtensions = append(template.ExtraExtensions, ext)
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.caCert, csr.PublicKey, ca.caKey)
	if err != nil {
		ca.stats.Inc("IssuanceErrors", 1)
		return nil, fmt.Errorf("signing certificate: %w", err)
	}
	ca.stats.Inc("Issued", 1)
	ca.log.WithField("serial", serial.Text(16)).Info("issued certificate")
	return der, nil
}

// nextSerial returns a strictly larger serial than any previously
// returned by this Impl. The top byte always has its high bit set so
// big.Int's hex representation never drops a leading zero nibble,
// keeping the serial an even number of hex digits as spec requires.
func (ca *Impl) nextSerial() *big.Int {
	ca.serialMu.Lock()
	defer ca.serialMu.Unlock()
	ca.counter++

	var buf [9]byte
	buf[0] = 0x80
	for i := 0; i < 8; i++ {
		buf[8-i] = byte(ca.counter >> (8 * uint(i)))
	}
	return new(big.Int).SetBytes(buf[:])
}
