// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package core holds the ACME object vocabulary shared by every other
// package in this module: registrations, applications (orders),
// authorizations, challenges and certificates.
package core

import (
	"time"

	jose "gopkg.in/go-jose/go-jose.v2"
)

// AcmeStatus is the lifecycle state of an order, authorization or challenge.
type AcmeStatus string

// The states an object can occupy over its lifetime.
const (
	StatusPending    = AcmeStatus("pending")
	StatusReady      = AcmeStatus("ready")
	StatusProcessing = AcmeStatus("processing")
	StatusValid      = AcmeStatus("valid")
	StatusInvalid    = AcmeStatus("invalid")
	StatusGood       = AcmeStatus("good")
)

// IdentifierType enumerates the kinds of identifier ACME can authorize.
type IdentifierType string

// IdentifierDNS is the only identifier type this core supports.
const IdentifierDNS = IdentifierType("dns")

// AcmeIdentifier names the thing an authorization grants control over.
type AcmeIdentifier struct {
	Type  IdentifierType `json:"type"`
	Value string         `json:"value"`
}

// Built-in challenge types. Production deployments supply their own
// validators for http-01, dns-01 and tls-sni-01; "auto" unconditionally
// succeeds and exists for tests.
const (
	ChallengeTypeHTTP01   = "http-01"
	ChallengeTypeDNS01    = "dns-01"
	ChallengeTypeTLSSNI01 = "tls-sni-01"
	ChallengeTypeAuto     = "auto"
)

// TypeTag identifies an object's place in the Object Store.
type TypeTag string

const (
	TypeRegistration  = TypeTag("reg")
	TypeApplication   = TypeTag("app")
	TypeAuthorization = TypeTag("authz")
	TypeCertificate   = TypeTag("cert")
)

// Entity is the shared capability every object in the store provides:
// a stable type tag and a public JSON view of itself.
type Entity interface {
	TypeTag() TypeTag
	ID() string
	Marshal() interface{}
}

// Registration represents an ACME account.
type Registration struct {
	Id        string          `json:"-"`
	Key       jose.JsonWebKey `json:"key"`
	Contact   []string        `json:"contact,omitempty"`
	Agreement string          `json:"agreement,omitempty"`
	Status    AcmeStatus      `json:"status"`
}

// TypeTag implements Entity.
func (r *Registration) TypeTag() TypeTag { return TypeRegistration }

// ID implements Entity.
func (r *Registration) ID() string { return r.Id }

type registrationJSON struct {
	Key       jose.JsonWebKey `json:"key"`
	Contact   []string        `json:"contact,omitempty"`
	Agreement string          `json:"agreement,omitempty"`
	Status    AcmeStatus      `json:"status"`
}

// Marshal implements Entity. Registrations never expose their id on the
// wire; clients learn it from the Location header.
func (r *Registration) Marshal() interface{} {
	return registrationJSON{
		Key:       r.Key,
		Contact:   r.Contact,
		Agreement: r.Agreement,
		Status:    r.Status,
	}
}

// MergeUpdate copies the subset of fields a client is allowed to change
// from input into r.
func (r *Registration) MergeUpdate(input Registration) {
	if input.Contact != nil {
		r.Contact = input.Contact
	}
	if input.Agreement != "" {
		r.Agreement = input.Agreement
	}
}

// Requirement is one entry of an order's requirement list. The core only
// ever produces "authorization" requirements.
type Requirement struct {
	Type   string     `json:"type"`
	Status AcmeStatus `json:"status"`
	URL    string     `json:"url"`
}

// Application is an in-progress or completed request for a certificate,
// called "order" on the wire.
type Application struct {
	Id           string
	Thumbprint   string
	Status       AcmeStatus
	NotBefore    string
	NotAfter     string
	Requirements []Requirement
	Certificate  string

	urlFn func(typeTag TypeTag, id string) string
}

// TypeTag implements Entity.
func (a *Application) TypeTag() TypeTag { return TypeApplication }

// ID implements Entity.
func (a *Application) ID() string { return a.Id }

type applicationJSON struct {
	Status       AcmeStatus    `json:"status"`
	NotBefore    string        `json:"notBefore,omitempty"`
	NotAfter     string        `json:"notAfter,omitempty"`
	Requirements []Requirement `json:"requirements"`
	Certificate  string        `json:"certificate,omitempty"`
	Finalize     string        `json:"finalize"`
}

// Marshal implements Entity.
func (a *Application) Marshal() interface{} {
	return applicationJSON{
		Status:       a.Status,
		NotBefore:    a.NotBefore,
		NotAfter:     a.NotAfter,
		Requirements: a.Requirements,
		Certificate:  a.Certificate,
		Finalize:     a.FinalizeURL(),
	}
}

// FinalizeURL derives the finalize endpoint from the order's own URL.
func (a *Application) FinalizeURL() string {
	if a.urlFn == nil {
		return ""
	}
	return a.urlFn(TypeApplication, a.Id) + "/finalize"
}

// SetURLFunc wires the Application to the URL scheme so it can derive its
// own finalize URL when marshaled. Called by the store on every put.
func (a *Application) SetURLFunc(fn func(TypeTag, string) string) {
	a.urlFn = fn
}

// MarkReady transitions a pending order to ready once every requirement
// reports valid. It is idempotent and a no-op outside the pending state.
func (a *Application) MarkReady() {
	if a.Status != StatusPending {
		return
	}
	for _, r := range a.Requirements {
		if r.Status != StatusValid {
			return
		}
	}
	a.Status = StatusReady
}

// Challenge is one proof-of-control attempt attached to an Authorization.
type Challenge struct {
	Type      string     `json:"type"`
	Status    AcmeStatus `json:"status"`
	URL       string     `json:"url"`
	Token     string     `json:"token,omitempty"`
	Validated *time.Time `json:"validated,omitempty"`
}

// Update applies a client-supplied payload to the challenge. The built-in
// auto challenge ignores the payload and always succeeds; other challenge
// types are expected to be supplied by the caller of this core and to
// perform the appropriate out-of-process validation here.
func (c *Challenge) Update(now time.Time, payload map[string]interface{}) error {
	switch c.Type {
	case ChallengeTypeAuto:
		c.Status = StatusValid
		validated := now
		c.Validated = &validated
		return nil
	default:
		// No validator is wired in for this challenge type; production
		// deployments replace this core with one that dispatches to a
		// real HTTP-01/DNS-01/TLS-SNI-01 worker.
		c.Status = StatusInvalid
		return nil
	}
}

// Authorization is the server's record of one identifier an account
// is attempting to prove control over.
type Authorization struct {
	Id         string
	Thumbprint string
	Identifier AcmeIdentifier
	Scope      string
	Expires    time.Time
	Challenges []Challenge
	Status     AcmeStatus
}

// TypeTag implements Entity.
func (a *Authorization) TypeTag() TypeTag { return TypeAuthorization }

// ID implements Entity.
func (a *Authorization) ID() string { return a.Id }

type authorizationJSON struct {
	Status     AcmeStatus     `json:"status"`
	Identifier AcmeIdentifier `json:"identifier"`
	Expires    time.Time      `json:"expires"`
	Challenges []Challenge    `json:"challenges"`
}

// Marshal implements Entity.
func (a *Authorization) Marshal() interface{} {
	return authorizationJSON{
		Status:     a.Status,
		Identifier: a.Identifier,
		Expires:    a.Expires,
		Challenges: a.Challenges,
	}
}

// Update recomputes the authorization's status following spec.md's
// derivation rule: expired authorizations are invalid forever; otherwise
// any valid challenge makes the whole authorization valid.
func (a *Authorization) Update(now time.Time) {
	if !now.Before(a.Expires) {
		a.Status = StatusInvalid
		return
	}
	for _, c := range a.Challenges {
		if c.Status == StatusValid {
			a.Status = StatusValid
			return
		}
	}
}

// Certificate is an issued, immutable DER-encoded X.509 certificate.
type Certificate struct {
	Id   string
	Body []byte
}

// TypeTag implements Entity.
func (c *Certificate) TypeTag() TypeTag { return TypeCertificate }

// ID implements Entity.
func (c *Certificate) ID() string { return c.Id }

// Marshal implements Entity. Certificates are served as raw DER, not
// JSON; Marshal exists only to satisfy the Entity interface uniformly.
func (c *Certificate) Marshal() interface{} { return c.Body }
