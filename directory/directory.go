// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package directory derives this core's URL scheme from its configured
// host/port/basePath, and renders the ACME directory document.
package directory

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/cloudacme/aceme/core"
)

// Scheme derives every object and endpoint URL this core serves from a
// single (host, port, basePath) triple.
type Scheme struct {
	baseURL string
}

// NewScheme builds a Scheme. port 80 yields a plain http:// base URL,
// port 443 yields https://, and any other port is spelled out
// explicitly — matching what a reverse proxy in front of this core
// would otherwise need to rewrite.
func NewScheme(host string, port int, basePath string) *Scheme {
	var base string
	switch port {
	case 80:
		base = fmt.Sprintf("http://%s%s", host, basePath)
	case 443:
		base = fmt.Sprintf("https://%s%s", host, basePath)
	default:
		base = fmt.Sprintf("http://%s:%d%s", host, port, basePath)
	}
	return &Scheme{baseURL: base}
}

// BaseURL returns the scheme's root, with no trailing slash.
func (s *Scheme) BaseURL() string {
	return s.baseURL
}

// ObjectURL builds the canonical URL for an object of the given type
// and id, e.g. "{base}/authz/{id}".
func (s *Scheme) ObjectURL(typeTag core.TypeTag, id string) string {
	return fmt.Sprintf("%s/%s/%s", s.baseURL, typeTag, id)
}

// ChallengeURL builds the URL for one indexed challenge under an
// authorization, e.g. "{base}/authz/{id}/{index}".
func (s *Scheme) ChallengeURL(authzID string, index int) string {
	return fmt.Sprintf("%s/%d", s.ObjectURL(core.TypeAuthorization, authzID), index)
}

// Endpoint builds a fixed, non-object-identified endpoint URL such as
// "/new-acct" or "/new-nonce".
func (s *Scheme) Endpoint(path string) string {
	return s.baseURL + path
}

// Document is the JSON body served at GET /directory.
type Document struct {
	NewNonce   string            `json:"newNonce"`
	NewAccount string            `json:"newAccount"`
	NewOrder   string            `json:"newOrder"`
	NewAuthz   string            `json:"newAuthz,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// NewDocument builds the directory document for this scheme. terms, if
// non-empty, is published as meta["terms-of-service"].
func (s *Scheme) NewDocument(terms string) (Document, string) {
	doc := Document{
		NewNonce:   s.Endpoint("/new-nonce"),
		NewAccount: s.Endpoint("/new-acct"),
		NewOrder:   s.Endpoint("/new-app"),
		NewAuthz:   s.Endpoint("/new-authz"),
	}
	if terms != "" {
		doc.Meta = map[string]string{"terms-of-service": terms}
	}
	key, err := randomDirectoryKey()
	if err != nil {
		return doc, ""
	}
	return doc, key
}

// randomDirectoryKey generates the random key name under which the
// transport layer publishes the community explainer URL in the
// directory document.
func randomDirectoryKey() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
