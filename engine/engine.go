// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package engine implements the Protocol Engine (C7): the business
// logic binding registrations, orders, authorizations, challenges and
// certificates together with the status transitions and requirement
// propagation spec.md's data model calls for.
package engine

import (
	cryptorand "crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmhodges/clock"
	"github.com/sirupsen/logrus"
	jose "gopkg.in/go-jose/go-jose.v2"

	"github.com/cloudacme/aceme/ca"
	"github.com/cloudacme/aceme/core"
	"github.com/cloudacme/aceme/directory"
	berrors "github.com/cloudacme/aceme/errors"
	"github.com/cloudacme/aceme/goodkey"
	"github.com/cloudacme/aceme/metrics"
	"github.com/cloudacme/aceme/policy"
	"github.com/cloudacme/aceme/store"
)

// Config carries the handful of policy knobs spec.md §6 enumerates
// that this package, rather than transport or config, needs to consult
// directly.
type Config struct {
	AuthzExpiry          time.Duration
	MaxValidity          time.Duration
	MaxNames             int
	ScopedAuthorizations bool
	Terms                string
	KeyPolicy            goodkey.KeyPolicy
	AllowedExtensions    []string
}

// Engine wires the Object Store, Policy Authority and CA together into
// the operations the transport layer dispatches to.
type Engine struct {
	store  *store.Store
	scheme *directory.Scheme
	pa     *policy.Authority
	ca     *ca.Impl
	clk    clock.Clock
	cfg    Config
	stats  metrics.Scope
	log    *logrus.Entry
}

// New builds an Engine.
func New(st *store.Store, scheme *directory.Scheme, pa *policy.Authority, certAuth *ca.Impl, clk clock.Clock, cfg Config, stats metrics.Scope, log *logrus.Entry) *Engine {
	if stats == nil {
		stats = metrics.NewNoopScope()
	}
	if cfg.KeyPolicy == (goodkey.KeyPolicy{}) {
		cfg.KeyPolicy = goodkey.DefaultKeyPolicy()
	}
	return &Engine{
		store:  st,
		scheme: scheme,
		pa:     pa,
		ca:     certAuth,
		clk:    clk,
		cfg:    cfg,
		stats:  stats.NewScope("Engine"),
		log:    log,
	}
}

// NewRegistration implements new-reg/new-acct. existed reports whether
// a registration with this thumbprint was already present, which the
// transport layer uses to choose between 200 and 201.
func (e *Engine) NewRegistration(thumbprint string, key jose.JsonWebKey, contact []string) (reg *core.Registration, existed bool, err error) {
	if existing, ok := e.store.GetRegistrationByKey(thumbprint); ok {
		return existing, true, nil
	}
	reg = &core.Registration{
		Id:      thumbprint,
		Key:     key,
		Contact: contact,
		Status:  core.StatusGood,
	}
	e.store.PutRegistration(reg)
	e.stats.Inc("NewRegistrations", 1)
	return reg, false, nil
}

// UpdateRegistration implements update-reg. thumbprint is the account
// key that signed the request; id is the path segment of the URL
// being updated. They must match or the request is unauthorized.
func (e *Engine) UpdateRegistration(id, thumbprint string, update core.Registration) (*core.Registration, error) {
	if id != thumbprint {
		return nil, berrors.UnauthorizedError("URL account id does not match requester")
	}
	reg, ok := e.store.GetRegistration(thumbprint)
	if !ok {
		return nil, berrors.UnauthorizedError("no registration exists matching provided key")
	}
	if update.Agreement != "" && update.Agreement != e.cfg.Terms {
		return nil, berrors.MalformedError("provided agreement URL does not match the current terms URL")
	}
	reg.MergeUpdate(update)
	e.store.PutRegistration(reg)
	return reg, nil
}

// NewApplicationParams is the parsed payload of a new-app request.
type NewApplicationParams struct {
	Identifiers []core.AcmeIdentifier `json:"identifiers"`
	NotBefore   string                `json:"notBefore,omitempty"`
	NotAfter    string                `json:"notAfter,omitempty"`
}

// NewApplication implements new-app/new-order: for every requested
// name it reuses a live authorization or builds a fresh one, and
// assembles the order's requirement list in the same order the names
// were given.
func (e *Engine) NewApplication(thumbprint string, params NewApplicationParams) (*core.Application, error) {
	if _, ok := e.store.GetRegistration(thumbprint); !ok {
		return nil, berrors.UnauthorizedError("no registration exists matching provided key")
	}
	if len(params.NotBefore) > 0 {
		if _, err := time.Parse(time.RFC3339, params.NotBefore); err != nil {
			return nil, berrors.MalformedError("invalid notBefore: %s", err)
		}
	}
	if len(params.NotAfter) > 0 {
		if _, err := time.Parse(time.RFC3339, params.NotAfter); err != nil {
			return nil, berrors.MalformedError("invalid notAfter: %s", err)
		}
	}

	app := &core.Application{
		Id:         uuid.NewString(),
		Thumbprint: thumbprint,
		Status:     core.StatusPending,
		NotBefore:  params.NotBefore,
		NotAfter:   params.NotAfter,
	}

	for _, ident := range params.Identifiers {
		name := ident.Value
		authz, ok := e.store.AuthzFor(thumbprint, name, e.clk.Now())
		if !ok {
			var err error
			authz, err = e.newAuthorization(thumbprint, name, e.scheme.ObjectURL(core.TypeApplication, app.Id))
			if err != nil {
				return nil, err
			}
		}
		app.Requirements = append(app.Requirements, core.Requirement{
			Type:   "authorization",
			Status: authz.Status,
			URL:    e.scheme.ObjectURL(core.TypeAuthorization, authz.Id),
		})
	}

	app.MarkReady()
	e.store.PutApplication(app)
	e.stats.Inc("NewApplications", 1)
	return app, nil
}

// newAuthorization builds and stores a fresh Authorization for
// (thumbprint, name), with one challenge per policy-enabled type.
// appURL is recorded as the authorization's scope when
// ScopedAuthorizations is enabled.
func (e *Engine) newAuthorization(thumbprint, name, appURL string) (*core.Authorization, error) {
	id := uuid.NewString()
	challenges := e.pa.ChallengesFor(core.AcmeIdentifier{Type: core.IdentifierDNS, Value: name})
	for i := range challenges {
		if challenges[i].Type != core.ChallengeTypeAuto {
			token, err := randomToken()
			if err != nil {
				return nil, err
			}
			challenges[i].Token = token
		}
		challenges[i].URL = e.scheme.ChallengeURL(id, i)
	}

	scope := ""
	if e.cfg.ScopedAuthorizations {
		scope = appURL
	}

	authz := &core.Authorization{
		Id:         id,
		Thumbprint: thumbprint,
		Identifier: core.AcmeIdentifier{Type: core.IdentifierDNS, Value: name},
		Scope:      scope,
		Expires:    e.clk.Now().Add(e.cfg.AuthzExpiry),
		Challenges: challenges,
		Status:     core.StatusPending,
	}
	e.store.PutAuthorization(authz)
	return authz, nil
}

// FetchChallenge implements GET /authz/{id}/{index}: recompute the
// authorization's status, persist it, and return the indexed challenge
// unmodified.
func (e *Engine) FetchChallenge(authzID string, index int) (*core.Challenge, error) {
	authz, ok := e.store.GetAuthorization(authzID)
	if !ok {
		return nil, berrors.NotFoundError("authorization not found")
	}
	if index < 0 || index >= len(authz.Challenges) {
		return nil, berrors.NotFoundError("challenge index out of range")
	}
	authz.Update(e.clk.Now())
	e.store.PutAuthorization(authz)
	return &authz.Challenges[index], nil
}

// GetAuthzForAccount implements get-authz (POST /authz/{id}): it
// returns the stored authorization, which the transport layer renders
// in the canonical challenge-0 shape regardless of how many challenges
// the authorization actually has.
func (e *Engine) GetAuthzForAccount(authzID, thumbprint string) (*core.Authorization, error) {
	if _, ok := e.store.GetRegistration(thumbprint); !ok {
		return nil, berrors.UnauthorizedError("no registration exists matching provided key")
	}
	authz, ok := e.store.GetAuthorization(authzID)
	if !ok {
		return nil, berrors.NotFoundError("authorization not found")
	}
	return authz, nil
}

// UpdateAuthorization implements update-authz (POST /authz/{id}/{index}).
// Per spec.md §5 the three consequent steps — challenge update, status
// recompute, order propagation — run synchronously and complete before
// this call returns.
func (e *Engine) UpdateAuthorization(authzID string, index int, thumbprint string, payload map[string]interface{}) (*core.Challenge, error) {
	authz, ok := e.store.GetAuthorization(authzID)
	if !ok {
		return nil, berrors.NotFoundError("authorization not found")
	}
	if index < 0 || index >= len(authz.Challenges) {
		return nil, berrors.NotFoundError("challenge index out of range")
	}
	if _, ok := e.store.GetRegistration(thumbprint); !ok {
		return nil, berrors.UnauthorizedError("no registration exists matching provided key")
	}
	if authz.Thumbprint != thumbprint {
		return nil, berrors.UnauthorizedError("account does not own this authorization")
	}

	if err := authz.Challenges[index].Update(e.clk.Now(), payload); err != nil {
		return nil, err
	}
	authz.Update(e.clk.Now())
	e.store.PutAuthorization(authz)
	e.store.UpdateOrdersFor(authz)

	return &authz.Challenges[index], nil
}

// GetOrder implements get-order (POST /app/{id}).
func (e *Engine) GetOrder(id string) (*core.Application, error) {
	app, ok := e.store.GetApplication(id)
	if !ok {
		return nil, berrors.NotFoundError("order not found")
	}
	return app, nil
}

// GetCertificate implements get-cert (POST /cert/{id}).
func (e *Engine) GetCertificate(id, thumbprint string) (*core.Certificate, error) {
	if _, ok := e.store.GetRegistration(thumbprint); !ok {
		return nil, berrors.UnauthorizedError("no registration exists matching provided key")
	}
	cert, ok := e.store.GetCertificate(id)
	if !ok {
		return nil, berrors.NotFoundError("certificate not found")
	}
	return cert, nil
}

// Finalize implements finalize (POST /app/{id}/finalize). On CSR
// validation failure it reverts the order to ready and returns a
// malformed BoulderError, leaving every other entity untouched.
func (e *Engine) Finalize(appID, thumbprint, csrB64 string) (*core.Application, error) {
	if _, ok := e.store.GetRegistration(thumbprint); !ok {
		return nil, berrors.UnauthorizedError("no registration exists matching provided key")
	}
	app, ok := e.store.GetApplication(appID)
	if !ok {
		return nil, berrors.NotFoundError("order not found")
	}
	if app.Thumbprint != thumbprint {
		return nil, berrors.UnauthorizedError("account does not own this order")
	}

	app.Status = core.StatusProcessing
	e.store.PutApplication(app)

	csr, err := decodeCSR(csrB64)
	if err != nil {
		app.Status = core.StatusReady
		e.store.PutApplication(app)
		return nil, berrors.MalformedError("invalid CSR: %s", err)
	}
	if err := policy.VerifyCSR(csr, e.cfg.MaxNames, e.cfg.KeyPolicy, e.pa, e.cfg.AllowedExtensions); err != nil {
		app.Status = core.StatusReady
		e.store.PutApplication(app)
		return nil, berrors.MalformedError("invalid CSR: %s", err)
	}

	now := e.clk.Now()
	notBefore := now
	if app.NotBefore != "" {
		if t, err := time.Parse(time.RFC3339, app.NotBefore); err == nil {
			notBefore = t
		}
	}
	notAfter := now.AddDate(1, 0, 0)
	if app.NotAfter != "" {
		if t, err := time.Parse(time.RFC3339, app.NotAfter); err == nil {
			notAfter = t
		}
	}

	// Ensure every requested name has an authorization under this
	// account, mirroring new-app. spec.md treats this as defensive: the
	// order is expected to already carry these, so the result is not
	// linked back into app.requirements.
	for _, name := range policy.NamesFromCSR(csr) {
		if _, ok := e.store.AuthzFor(thumbprint, name, e.clk.Now()); !ok {
			if _, err := e.newAuthorization(thumbprint, name, e.scheme.ObjectURL(core.TypeApplication, app.Id)); err != nil {
				app.Status = core.StatusReady
				e.store.PutApplication(app)
				return nil, err
			}
		}
	}

	der, err := e.ca.IssueCertificate(csr, notBefore, notAfter)
	if err != nil {
		app.Status = core.StatusReady
		e.store.PutApplication(app)
		return nil, berrors.InternalServerError("issuance failed: %s", err)
	}

	cert := &core.Certificate{Id: uuid.NewString(), Body: der}
	e.store.PutCertificate(cert)

	app.Certificate = e.scheme.ObjectURL(core.TypeCertificate, cert.Id)
	app.Status = core.StatusValid
	e.store.PutApplication(app)
	e.stats.Inc("Finalized", 1)
	return app, nil
}

// randomToken mints a challenge token: high-entropy and URL-safe, per
// RFC 8555 section 8's requirement that tokens use the base64url
// character set with at least 128 bits of entropy.
func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := cryptorand.Read(buf); err != nil {
		return "", fmt.Errorf("generating challenge token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func decodeCSR(csrB64 string) (*x509.CertificateRequest, error) {
	der, err := base64.RawURLEncoding.DecodeString(csrB64)
	if err != nil {
		return nil, fmt.Errorf("base64url decoding CSR: %w", err)
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, fmt.Errorf("parsing CSR: %w", err)
	}
	return csr, nil
}
