// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package policy

import (
	"crypto/x509"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/cloudacme/aceme/goodkey"
)

// maxCNLength mirrors the CA/Browser Forum limit on the subject common name.
const maxCNLength = 64

// dnsNameRE is the identifier grammar this core accepts: one or more
// lowercase labels terminated by a TLD label.
var dnsNameRE = regexp.MustCompile(`^([a-z0-9][a-z0-9-]{1,62}\.)+[a-z][a-z0-9-]{0,62}$`)

var (
	errInvalidPubKey    = fmt.Errorf("invalid public key in CSR")
	errUnsupportedSigAlg = fmt.Errorf("signature algorithm not supported")
	errInvalidSig       = fmt.Errorf("invalid signature on CSR")
	errNoDNSNames       = fmt.Errorf("CSR has no names")
	errEmailPresent     = fmt.Errorf("CSR contains email address, which is forbidden")
	errIPPresent        = fmt.Errorf("CSR contains IP address, which is forbidden")
)

// subjectAltNameOID is the one extension every CSR is permitted to
// carry by default.
const subjectAltNameOID = "2.5.29.17"

// extensionAllowed reports whether a CSR-requested extension, identified
// by its dotted OID string, is permitted. subjectAltName is always
// permitted; any other OID is denied unless an operator has explicitly
// added it to allowedExtensions — an empty allowedExtensions denies
// every non-SAN extension, matching the default "at most one, and if
// present must be subjectAltName" rule.
func extensionAllowed(oid string, allowedExtensions []string) bool {
	if oid == subjectAltNameOID {
		return true
	}
	for _, allowed := range allowedExtensions {
		if allowed == oid {
			return true
		}
	}
	return false
}

// VerifyCSR checks a parsed CSR against this core's subject/SAN policy:
// the public key must satisfy keyPolicy, the signature must verify, no
// more than maxNames DNS names may be requested, every name (CN and
// SAN alike) must match the DNS grammar and be acceptable to pa, and
// no email or IP address SANs are permitted.
// A CSR may request at most one extension; subjectAltName is always
// permitted, and any other extension only if its OID is listed in
// allowedExtensions (an empty list permits none).
func VerifyCSR(csr *x509.CertificateRequest, maxNames int, keyPolicy goodkey.KeyPolicy, pa PolicyAuthority, allowedExtensions []string) error {
	if err := keyPolicy.GoodKey(csr.PublicKey); err != nil {
		return errInvalidPubKey
	}
	if len(csr.Extensions) > 1 {
		return fmt.Errorf("CSR requests more than one extension")
	}
	for _, ext := range csr.Extensions {
		if !extensionAllowed(ext.Id.String(), allowedExtensions) {
			return fmt.Errorf("CSR requests disallowed extension %s", ext.Id.String())
		}
	}
	switch csr.SignatureAlgorithm {
	case x509.SHA256WithRSA, x509.SHA384WithRSA, x509.SHA512WithRSA,
		x509.ECDSAWithSHA256, x509.ECDSAWithSHA384, x509.ECDSAWithSHA512:
	default:
		return errUnsupportedSigAlg
	}
	if err := csr.CheckSignature(); err != nil {
		return errInvalidSig
	}

	if len(csr.EmailAddresses) > 0 {
		return errEmailPresent
	}
	if len(csr.IPAddresses) > 0 {
		return errIPPresent
	}

	names := make(map[string]struct{})
	if csr.Subject.CommonName != "" {
		cn := strings.ToLower(csr.Subject.CommonName)
		if len(cn) > maxCNLength {
			return fmt.Errorf("CN was longer than %d bytes", maxCNLength)
		}
		if !dnsNameRE.MatchString(cn) {
			return fmt.Errorf("invalid common name %q", cn)
		}
		names[cn] = struct{}{}
	}
	for _, san := range csr.DNSNames {
		name := strings.ToLower(san)
		if !dnsNameRE.MatchString(name) {
			return fmt.Errorf("invalid SAN %q", name)
		}
		names[name] = struct{}{}
	}

	if len(names) == 0 {
		return errNoDNSNames
	}
	if maxNames > 0 && len(names) > maxNames {
		return fmt.Errorf("CSR contains more than %d DNS names", maxNames)
	}

	var rejected []string
	for name := range names {
		if err := pa.WillingToIssue(name); err != nil {
			rejected = append(rejected, name)
		}
	}
	if len(rejected) > 0 {
		sort.Strings(rejected)
		quoted := make([]string, len(rejected))
		for i, n := range rejected {
			quoted[i] = fmt.Sprintf("%q", n)
		}
		return fmt.Errorf("policy forbids issuing for: %s", strings.Join(quoted, ", "))
	}

	return nil
}

// NamesFromCSR returns the validated, lowercased, deduplicated, sorted
// name set a CSR requests — the "{names: [...]}" result spec.md calls
// for on success.
func NamesFromCSR(csr *x509.CertificateRequest) []string {
	set := make(map[string]struct{})
	if csr.Subject.CommonName != "" {
		set[strings.ToLower(csr.Subject.CommonName)] = struct{}{}
	}
	for _, san := range csr.DNSNames {
		set[strings.ToLower(san)] = struct{}{}
	}
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NormalizeCSR lowercases and deduplicates csr's DNS names in place, and
// optionally forces the subject common name to the first name when the
// CSR did not already supply one.
func NormalizeCSR(csr *x509.CertificateRequest, forceCN bool) {
	seen := make(map[string]struct{}, len(csr.DNSNames))
	var names []string
	for _, name := range csr.DNSNames {
		name = strings.ToLower(name)
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	csr.DNSNames = names

	if csr.Subject.CommonName != "" {
		csr.Subject.CommonName = strings.ToLower(csr.Subject.CommonName)
		return
	}
	if forceCN && len(names) > 0 {
		csr.Subject.CommonName = names[0]
	}
}
