// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package jws verifies the flattened-JSON JWS envelope every ACME POST
// request is wrapped in, across both the "legacy" dialect (JWK embedded
// directly in the protected header) and the "ietf-draft" dialect (a
// "kid" URL referencing a previously registered account key, plus
// "nonce" and "url" protected header fields bound to the request).
package jws

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	jose "gopkg.in/go-jose/go-jose.v2"
)

// Dialect selects which ACME protocol generation a request is speaking.
type Dialect int

const (
	// Legacy is the pre-standardization dialect: every request embeds its
	// full JWK in the protected header and carries no "url" binding.
	Legacy Dialect = iota
	// IETFDraft is RFC 8555's dialect: new-account requests embed a JWK,
	// every other request references the account by "kid", and every
	// request's protected header is bound to the exact request URL.
	IETFDraft
)

// KeyResolver looks up the JWK associated with an account id, for
// requests authenticated by "kid" rather than an embedded "jwk".
type KeyResolver func(keyID string) (*jose.JsonWebKey, error)

// Verified is the result of successfully verifying a JWS envelope.
type Verified struct {
	Payload []byte
	Key     *jose.JsonWebKey
	KeyID   string
	Nonce   string
	URL     string
}

// Verify parses body as a JWS (compact or flattened-JSON serialization),
// checks that it carries exactly one signature, resolves the signing
// key (either embedded or via resolve, depending on which header is
// present), and verifies the signature. It does not itself check the
// nonce for freshness or the url for a match against the request's
// actual URL — callers bind those against their own state.
func Verify(body []byte, dialect Dialect, resolve KeyResolver) (*Verified, error) {
	parsedJWS, err := jose.ParseSigned(string(body))
	if err != nil {
		return nil, fmt.Errorf("parsing JWS: %w", err)
	}
	if len(parsedJWS.Signatures) == 0 {
		return nil, errors.New("JWS has no signatures")
	}
	if len(parsedJWS.Signatures) > 1 {
		return nil, errors.New("JWS has multiple signatures")
	}
	sig := parsedJWS.Signatures[0]
	header := sig.Header

	if header.JsonWebKey != nil && header.KeyID != "" {
		return nil, errors.New("JWS header has both jwk and kid")
	}

	var key *jose.JsonWebKey
	switch {
	case header.JsonWebKey != nil:
		if dialect == IETFDraft && header.KeyID == "" && !header.JsonWebKey.IsPublic() {
			return nil, errors.New("jwk must be a public key")
		}
		key = header.JsonWebKey
	case header.KeyID != "":
		if resolve == nil {
			return nil, errors.New("kid authentication is not supported for this request")
		}
		key, err = resolve(header.KeyID)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("JWS header has neither jwk nor kid")
	}

	payload, err := parsedJWS.Verify(key)
	if err != nil {
		return nil, fmt.Errorf("verifying JWS signature: %w", err)
	}

	v := &Verified{
		Payload: payload,
		Key:     key,
		KeyID:   header.KeyID,
		Nonce:   header.Nonce,
	}
	if dialect == IETFDraft {
		u, ok := header.ExtraHeaders[jose.HeaderKey("url")]
		if !ok {
			return nil, errors.New("JWS header is missing the required url field")
		}
		s, ok := u.(string)
		if !ok {
			return nil, errors.New("JWS header url field is not a string")
		}
		v.URL = s
		if v.Nonce == "" {
			return nil, errors.New("JWS header is missing the required nonce field")
		}
	}
	return v, nil
}

// Thumbprint computes the JWK thumbprint (RFC 7638, SHA-256) of key,
// hex-encoded. This is the stable account identifier: a registration's
// id is always hex(thumbprint(key)).
func Thumbprint(key *jose.JsonWebKey) (string, error) {
	thumb, err := key.Thumbprint(sha256.New())
	if err != nil {
		return "", fmt.Errorf("computing JWK thumbprint: %w", err)
	}
	return hex.EncodeToString(thumb), nil
}

// KeyAuthorization builds the key authorization string for a challenge
// token, per RFC 8555 section 8.1: token "." base64url(thumbprint). This
// wire format is independent of Thumbprint's hex account-id encoding.
func KeyAuthorization(token string, key *jose.JsonWebKey) (string, error) {
	thumb, err := key.Thumbprint(sha256.New())
	if err != nil {
		return "", fmt.Errorf("computing JWK thumbprint: %w", err)
	}
	return token + "." + base64.RawURLEncoding.EncodeToString(thumb), nil
}

// SameKey reports whether two JWKs represent the same key, by comparing
// their RFC 7638 thumbprints.
func SameKey(a, b *jose.JsonWebKey) bool {
	ta, err := Thumbprint(a)
	if err != nil {
		return false
	}
	tb, err := Thumbprint(b)
	if err != nil {
		return false
	}
	return ta == tb
}
