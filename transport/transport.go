// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package transport is the HTTP surface (C10) and authenticated
// transport (C3): it routes requests, parses and verifies the JWS
// envelope wrapping every POST, binds nonces and request URLs, and
// renders the Protocol Engine's results (or failures) as ACME
// responses.
package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"strings"

	"github.com/jmhodges/clock"
	"github.com/sirupsen/logrus"
	jose "gopkg.in/go-jose/go-jose.v2"

	"github.com/cloudacme/aceme/core"
	"github.com/cloudacme/aceme/directory"
	berrors "github.com/cloudacme/aceme/errors"
	"github.com/cloudacme/aceme/engine"
	"github.com/cloudacme/aceme/goodkey"
	"github.com/cloudacme/aceme/jws"
	"github.com/cloudacme/aceme/metrics"
	"github.com/cloudacme/aceme/metrics/measured_http"
	"github.com/cloudacme/aceme/nonce"
	"github.com/cloudacme/aceme/problems"
	"github.com/cloudacme/aceme/store"
)

// ModuleVersion is reported by the build endpoint. It is a var, not a
// const, so it can be overridden at link time with -ldflags.
var ModuleVersion = "dev"

// WebFrontEnd is the ACME HTTP surface.
type WebFrontEnd struct {
	engine  *engine.Engine
	store   *store.Store
	scheme  *directory.Scheme
	nonces  *nonce.Service
	dialect jws.Dialect

	keyPolicy goodkey.KeyPolicy
	terms     string
	// legacyDuplicateStatus is the HTTP status a repeat new-acct returns
	// in legacy mode; spec.md §9 notes the production handler and the
	// legacy test suite disagree (200 vs 409) and asks implementations
	// to make this configurable.
	legacyDuplicateStatus int

	allowOrigins []string

	clk   clock.Clock
	log   *logrus.Entry
	stats metrics.Scope
}

// New builds a WebFrontEnd.
func New(e *engine.Engine, st *store.Store, scheme *directory.Scheme, nonces *nonce.Service, dialect jws.Dialect, keyPolicy goodkey.KeyPolicy, terms string, allowOrigins []string, stats metrics.Scope, log *logrus.Entry) *WebFrontEnd {
	if stats == nil {
		stats = metrics.NewNoopScope()
	}
	legacyStatus := http.StatusOK
	if dialect == jws.Legacy {
		legacyStatus = http.StatusConflict
	}
	return &WebFrontEnd{
		engine:                e,
		store:                 st,
		scheme:                scheme,
		nonces:                nonces,
		dialect:               dialect,
		keyPolicy:             keyPolicy,
		terms:                 terms,
		legacyDuplicateStatus: legacyStatus,
		allowOrigins:          allowOrigins,
		clk:                   clock.New(),
		log:                   log,
		stats:                 stats.NewScope("WFE"),
	}
}

// Handler builds the routed, wrapped http.Handler for this core, with
// per-endpoint response-time observations recorded the way the
// teacher's shell wraps its mux before handing it to http.Server.
func (wfe *WebFrontEnd) Handler() http.Handler {
	mux := http.NewServeMux()
	wfe.handle(mux, "/directory", wfe.Directory, "GET")
	wfe.handle(mux, "/new-nonce", wfe.NewNonce, "GET", "HEAD")
	wfe.handle(mux, "/new-acct", wfe.NewAccount, "POST")
	wfe.handle(mux, "/reg/", wfe.Registration, "POST", "GET")
	wfe.handle(mux, "/new-app", wfe.NewOrder, "POST")
	wfe.handle(mux, "/app/", wfe.Order, "POST", "GET")
	wfe.handle(mux, "/authz/", wfe.Authorization, "GET", "POST")
	wfe.handle(mux, "/cert/", wfe.Certificate, "POST", "GET")
	wfe.handle(mux, "/key-change", wfe.KeyChange, "POST")
	wfe.handle(mux, "/build", wfe.Build, "GET")
	return measured_http.New(mux, wfe.clk)
}

type wfeHandler func(w http.ResponseWriter, r *http.Request)

// handle wraps h with this core's cross-cutting transport rules: method
// enforcement with a correct Allow header, CORS preflight, no-cache
// headers, and a fresh Replay-Nonce on every response.
func (wfe *WebFrontEnd) handle(mux *http.ServeMux, pattern string, h wfeHandler, methods ...string) {
	allowed := make(map[string]bool, len(methods))
	for _, m := range methods {
		allowed[m] = true
	}
	allowHeader := strings.Join(append(append([]string{}, methods...), http.MethodOptions), ", ")

	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		logEntry := wfe.log.WithFields(logrus.Fields{
			"endpoint": pattern,
			"method":   r.Method,
			"remote":   r.RemoteAddr,
		})

		if n, err := wfe.nonces.Nonce(); err == nil {
			w.Header().Set("Replay-Nonce", n)
		} else {
			logEntry.WithError(err).Warn("failed to issue replay nonce")
		}

		wfe.setCORSHeaders(w, r)
		if r.Method == http.MethodOptions {
			w.Header().Set("Allow", allowHeader)
			w.WriteHeader(http.StatusOK)
			return
		}
		if !allowed[r.Method] {
			w.Header().Set("Allow", allowHeader)
			wfe.sendProblem(w, problems.New(problems.MalformedProblem, "method not allowed: %s", r.Method), http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Cache-Control", "public, max-age=0, no-cache")

		h(w, r)
	})
}

func (wfe *WebFrontEnd) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	for _, allowed := range wfe.allowOrigins {
		if allowed == "*" || allowed == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Expose-Headers", "Link, Replay-Nonce, Location")
			return
		}
	}
}

func (wfe *WebFrontEnd) sendProblem(w http.ResponseWriter, prob *problems.ProblemDetails, status int) {
	if status == 0 {
		status = prob.HTTPStatus
	}
	body, err := json.Marshal(prob)
	if err != nil {
		body = []byte(`{"type":"urn:ietf:params:acme:error:serverInternal","detail":"failed to marshal problem document"}`)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (wfe *WebFrontEnd) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		wfe.sendProblem(w, problems.ServerInternal("failed to marshal response"), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (wfe *WebFrontEnd) sendEngineError(w http.ResponseWriter, err error) {
	wfe.sendProblem(w, problems.FromBoulderError(err), 0)
}

// verified carries the outcome of authenticating one POST request.
type verified struct {
	payload    []byte
	key        *jose.JsonWebKey
	thumbprint string
}

// authenticate reads and verifies the JWS envelope on r, binding the
// nonce and (in IETF-draft mode) the request URL. expectedURL is the
// absolute URL this request must have been signed for.
func (wfe *WebFrontEnd) authenticate(r *http.Request, expectedURL string) (*verified, *problems.ProblemDetails) {
	if r.Body == nil {
		return nil, problems.New(problems.MalformedProblem, "request has no body")
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, problems.New(problems.MalformedProblem, "failed to read request body")
	}

	resolve := func(keyID string) (*jose.JsonWebKey, error) {
		id := keyID
		if idx := strings.LastIndex(keyID, "/"); idx >= 0 {
			id = keyID[idx+1:]
		}
		reg, ok := wfe.store.GetRegistration(id)
		if !ok {
			return nil, berrors.UnauthorizedError("no registration exists matching provided key")
		}
		return &reg.Key, nil
	}

	v, err := jws.Verify(body, wfe.dialect, resolve)
	if err != nil {
		return nil, problems.New(problems.MalformedProblem, err.Error())
	}
	if wfe.dialect == jws.IETFDraft && v.URL != expectedURL {
		return nil, problems.New(problems.MalformedProblem, "JWS url header does not match request URL")
	}
	if !wfe.nonces.Valid(v.Nonce) {
		return nil, problems.New(problems.BadNonceProblem, "JWS has an invalid or reused nonce")
	}
	if wfe.dialect == jws.Legacy {
		if err := wfe.keyPolicy.GoodKey(v.Key.Key); err != nil {
			return nil, problems.New(problems.BadPublicKeyProblem, err.Error())
		}
	}

	thumbprint, err := jws.Thumbprint(v.Key)
	if err != nil {
		return nil, problems.ServerInternal("failed to compute key thumbprint")
	}

	payload := v.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	return &verified{payload: payload, key: v.Key, thumbprint: thumbprint}, nil
}

func (wfe *WebFrontEnd) addRequesterHeader(w http.ResponseWriter, thumbprint string) {
	if thumbprint != "" {
		w.Header().Set("X-Acme-Requester", thumbprint)
	}
}

// Directory implements GET /directory.
func (wfe *WebFrontEnd) Directory(w http.ResponseWriter, r *http.Request) {
	doc, extraKey := wfe.scheme.NewDocument(wfe.terms)
	raw, err := json.Marshal(doc)
	if err != nil {
		wfe.sendProblem(w, problems.ServerInternal("failed to marshal directory"), http.StatusInternalServerError)
		return
	}
	var asMap map[string]interface{}
	if err := json.Unmarshal(raw, &asMap); err != nil {
		wfe.sendProblem(w, problems.ServerInternal("failed to marshal directory"), http.StatusInternalServerError)
		return
	}
	if extraKey != "" {
		asMap[extraKey] = "https://community.letsencrypt.org/t/adding-random-entries-to-the-directory/33417"
	}
	wfe.sendJSON(w, http.StatusOK, asMap)
}

// NewNonce implements GET/HEAD /new-nonce.
func (wfe *WebFrontEnd) NewNonce(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type accountPayload struct {
	Contact   []string `json:"contact,omitempty"`
	Agreement string   `json:"agreement,omitempty"`
}

// NewAccount implements POST /new-acct (new-reg/new-acct).
func (wfe *WebFrontEnd) NewAccount(w http.ResponseWriter, r *http.Request) {
	v, prob := wfe.authenticate(r, wfe.scheme.Endpoint("/new-acct"))
	if prob != nil {
		wfe.sendProblem(w, prob, 0)
		return
	}

	var payload accountPayload
	if err := json.Unmarshal(v.payload, &payload); err != nil {
		wfe.sendProblem(w, problems.New(problems.MalformedProblem, "invalid JSON body"), http.StatusBadRequest)
		return
	}

	reg, existed, err := wfe.engine.NewRegistration(v.thumbprint, *v.key, payload.Contact)
	if err != nil {
		wfe.sendEngineError(w, err)
		return
	}

	regURL := wfe.scheme.ObjectURL(core.TypeRegistration, reg.Id)
	w.Header().Set("Location", regURL)
	if wfe.terms != "" {
		w.Header().Add("Link", fmt.Sprintf(`<%s>;rel="terms-of-service"`, wfe.terms))
	}
	wfe.addRequesterHeader(w, v.thumbprint)

	status := http.StatusCreated
	if existed {
		status = wfe.legacyDuplicateStatus
		if wfe.dialect == jws.IETFDraft {
			status = http.StatusOK
		}
	}
	wfe.sendJSON(w, status, reg.Marshal())
}

// Registration implements POST /reg/{id} (update-reg) and denies the
// generic GET /{type}/{id} fetch for registrations: spec.md keeps
// account state out of unauthenticated reach even though every other
// object type is fetchable that way.
func (wfe *WebFrontEnd) Registration(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		wfe.sendProblem(w, problems.New(problems.UnauthorizedProblem, "registrations are not fetchable"), 0)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/reg/")
	v, prob := wfe.authenticate(r, wfe.scheme.ObjectURL(core.TypeRegistration, id))
	if prob != nil {
		wfe.sendProblem(w, prob, 0)
		return
	}

	var payload accountPayload
	if err := json.Unmarshal(v.payload, &payload); err != nil {
		wfe.sendProblem(w, problems.New(problems.MalformedProblem, "invalid JSON body"), http.StatusBadRequest)
		return
	}

	reg, err := wfe.engine.UpdateRegistration(id, v.thumbprint, core.Registration{
		Contact:   payload.Contact,
		Agreement: payload.Agreement,
	})
	if err != nil {
		wfe.sendEngineError(w, err)
		return
	}
	wfe.addRequesterHeader(w, v.thumbprint)
	wfe.sendJSON(w, http.StatusOK, reg.Marshal())
}

// NewOrder implements POST /new-app (new-app/new-order).
func (wfe *WebFrontEnd) NewOrder(w http.ResponseWriter, r *http.Request) {
	v, prob := wfe.authenticate(r, wfe.scheme.Endpoint("/new-app"))
	if prob != nil {
		wfe.sendProblem(w, prob, 0)
		return
	}

	var params engine.NewApplicationParams
	if err := json.Unmarshal(v.payload, &params); err != nil {
		wfe.sendProblem(w, problems.New(problems.MalformedProblem, "invalid JSON body"), http.StatusBadRequest)
		return
	}

	app, err := wfe.engine.NewApplication(v.thumbprint, params)
	if err != nil {
		wfe.sendEngineError(w, err)
		return
	}
	wfe.addRequesterHeader(w, v.thumbprint)
	w.Header().Set("Location", wfe.scheme.ObjectURL(core.TypeApplication, app.Id))
	wfe.sendJSON(w, http.StatusCreated, app.Marshal())
}

// Order implements POST /app/{id} (get-order), /app/{id}/finalize, and
// the generic unauthenticated GET /{type}/{id} fetch.
func (wfe *WebFrontEnd) Order(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/app/")
	if strings.HasSuffix(rest, "/finalize") {
		wfe.finalize(w, r, strings.TrimSuffix(rest, "/finalize"))
		return
	}
	if r.Method == http.MethodGet {
		wfe.fetchOrder(w, rest)
		return
	}
	wfe.getOrder(w, r, rest)
}

func (wfe *WebFrontEnd) fetchOrder(w http.ResponseWriter, id string) {
	app, ok := wfe.store.GetApplication(id)
	if !ok {
		wfe.sendProblem(w, problems.New(problems.MalformedProblem, "order not found"), http.StatusNotFound)
		return
	}
	wfe.sendJSON(w, http.StatusOK, app.Marshal())
}

func (wfe *WebFrontEnd) getOrder(w http.ResponseWriter, r *http.Request, id string) {
	_, prob := wfe.authenticate(r, wfe.scheme.ObjectURL(core.TypeApplication, id))
	if prob != nil {
		wfe.sendProblem(w, prob, 0)
		return
	}
	app, err := wfe.engine.GetOrder(id)
	if err != nil {
		wfe.sendEngineError(w, err)
		return
	}
	wfe.sendJSON(w, http.StatusOK, app.Marshal())
}

type finalizePayload struct {
	CSR string `json:"csr"`
}

func (wfe *WebFrontEnd) finalize(w http.ResponseWriter, r *http.Request, id string) {
	v, prob := wfe.authenticate(r, wfe.scheme.ObjectURL(core.TypeApplication, id)+"/finalize")
	if prob != nil {
		wfe.sendProblem(w, prob, 0)
		return
	}
	var payload finalizePayload
	if err := json.Unmarshal(v.payload, &payload); err != nil {
		wfe.sendProblem(w, problems.New(problems.MalformedProblem, "invalid JSON body"), http.StatusBadRequest)
		return
	}
	app, err := wfe.engine.Finalize(id, v.thumbprint, payload.CSR)
	if err != nil {
		wfe.sendEngineError(w, err)
		return
	}
	w.Header().Set("Location", wfe.scheme.ObjectURL(core.TypeApplication, app.Id))
	wfe.sendJSON(w, http.StatusCreated, app.Marshal())
}

// Authorization implements GET/POST /authz/{id} and /authz/{id}/{index}.
func (wfe *WebFrontEnd) Authorization(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/authz/")
	id, idxStr, hasIndex := strings.Cut(rest, "/")

	if hasIndex {
		index, err := strconv.Atoi(idxStr)
		if err != nil {
			wfe.sendProblem(w, problems.New(problems.MalformedProblem, "invalid challenge index"), http.StatusBadRequest)
			return
		}
		if r.Method == http.MethodGet {
			wfe.fetchChallenge(w, r, id, index)
			return
		}
		wfe.updateAuthorization(w, r, id, index)
		return
	}

	if r.Method == http.MethodGet {
		wfe.fetchAuthorization(w, r, id)
		return
	}
	wfe.getAuthzForAccount(w, r, id)
}

func (wfe *WebFrontEnd) fetchAuthorization(w http.ResponseWriter, r *http.Request, id string) {
	authz, ok := wfe.store.GetAuthorization(id)
	if !ok {
		wfe.sendProblem(w, problems.New(problems.MalformedProblem, "authorization not found"), http.StatusNotFound)
		return
	}
	wfe.sendJSON(w, http.StatusOK, authz.Marshal())
}

func (wfe *WebFrontEnd) fetchChallenge(w http.ResponseWriter, r *http.Request, id string, index int) {
	challenge, err := wfe.engine.FetchChallenge(id, index)
	if err != nil {
		wfe.sendEngineError(w, err)
		return
	}
	wfe.sendJSON(w, http.StatusOK, challenge)
}

func (wfe *WebFrontEnd) getAuthzForAccount(w http.ResponseWriter, r *http.Request, id string) {
	v, prob := wfe.authenticate(r, wfe.scheme.ObjectURL(core.TypeAuthorization, id))
	if prob != nil {
		wfe.sendProblem(w, prob, 0)
		return
	}
	authz, err := wfe.engine.GetAuthzForAccount(id, v.thumbprint)
	if err != nil {
		wfe.sendEngineError(w, err)
		return
	}
	canonical := struct {
		Status     core.AcmeStatus     `json:"status"`
		Identifier core.AcmeIdentifier `json:"identifier"`
		Challenges []canonicalChallenge `json:"challenges"`
	}{
		Status:     authz.Status,
		Identifier: authz.Identifier,
		Challenges: []canonicalChallenge{{
			Type:  core.ChallengeTypeHTTP01,
			Token: firstToken(authz.Challenges),
			URL:   wfe.scheme.ChallengeURL(id, 0),
		}},
	}
	wfe.sendJSON(w, http.StatusOK, canonical)
}

type canonicalChallenge struct {
	Type  string `json:"type"`
	Token string `json:"token"`
	URL   string `json:"url"`
}

func firstToken(challenges []core.Challenge) string {
	if len(challenges) == 0 {
		return ""
	}
	return challenges[0].Token
}

func (wfe *WebFrontEnd) updateAuthorization(w http.ResponseWriter, r *http.Request, id string, index int) {
	v, prob := wfe.authenticate(r, wfe.scheme.ChallengeURL(id, index))
	if prob != nil {
		wfe.sendProblem(w, prob, 0)
		return
	}
	var payload map[string]interface{}
	if len(v.payload) > 0 {
		_ = json.Unmarshal(v.payload, &payload)
	}
	challenge, err := wfe.engine.UpdateAuthorization(id, index, v.thumbprint, payload)
	if err != nil {
		wfe.sendEngineError(w, err)
		return
	}
	wfe.sendJSON(w, http.StatusOK, challenge)
}

// Certificate implements POST /cert/{id} (get-cert, raw DER) and the
// generic unauthenticated GET /{type}/{id} fetch (marshalled entity).
func (wfe *WebFrontEnd) Certificate(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/cert/")
	if r.Method == http.MethodGet {
		wfe.fetchCertificate(w, id)
		return
	}
	v, prob := wfe.authenticate(r, wfe.scheme.ObjectURL(core.TypeCertificate, id))
	if prob != nil {
		wfe.sendProblem(w, prob, 0)
		return
	}
	cert, err := wfe.engine.GetCertificate(id, v.thumbprint)
	if err != nil {
		wfe.sendEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/pkix-cert")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(cert.Body)
}

func (wfe *WebFrontEnd) fetchCertificate(w http.ResponseWriter, id string) {
	cert, ok := wfe.store.GetCertificate(id)
	if !ok {
		wfe.sendProblem(w, problems.New(problems.MalformedProblem, "certificate not found"), http.StatusNotFound)
		return
	}
	wfe.sendJSON(w, http.StatusOK, cert.Marshal())
}

type keyChangePayload struct {
	Account string          `json:"account"`
	OldKey  jose.JsonWebKey `json:"oldKey"`
}

// KeyChange implements POST /key-change: an account requests rollover
// to the key it signed the outer JWS with, by presenting an inner JWS
// (already unwrapped into payload by the transport's own JWS handling)
// naming the account and its previous key. It reuses update-reg's
// storage path once the identities are confirmed.
func (wfe *WebFrontEnd) KeyChange(w http.ResponseWriter, r *http.Request) {
	v, prob := wfe.authenticate(r, wfe.scheme.Endpoint("/key-change"))
	if prob != nil {
		wfe.sendProblem(w, prob, 0)
		return
	}
	var payload keyChangePayload
	if err := json.Unmarshal(v.payload, &payload); err != nil {
		wfe.sendProblem(w, problems.New(problems.MalformedProblem, "invalid JSON body"), http.StatusBadRequest)
		return
	}
	oldThumbprint, err := jws.Thumbprint(&payload.OldKey)
	if err != nil || oldThumbprint != v.thumbprint {
		wfe.sendProblem(w, problems.New(problems.MalformedProblem, "oldKey does not match requesting account"), http.StatusBadRequest)
		return
	}
	if payload.Account != wfe.scheme.ObjectURL(core.TypeRegistration, v.thumbprint) {
		wfe.sendProblem(w, problems.New(problems.MalformedProblem, "account does not match requesting account"), http.StatusBadRequest)
		return
	}
	reg, ok := wfe.store.GetRegistration(v.thumbprint)
	if !ok {
		wfe.sendProblem(w, problems.New(problems.AccountDoesNotExistProblem, "no such account"), http.StatusBadRequest)
		return
	}
	newThumbprint, err := jws.Thumbprint(v.key)
	if err != nil {
		wfe.sendProblem(w, problems.ServerInternal("failed to compute key thumbprint"), http.StatusInternalServerError)
		return
	}
	reg.Key = *v.key
	reg.Id = newThumbprint
	wfe.store.PutRegistration(reg)
	wfe.sendJSON(w, http.StatusOK, reg.Marshal())
}

// Build implements GET /build, reporting this core's version and the
// Go runtime it was compiled with.
func (wfe *WebFrontEnd) Build(w http.ResponseWriter, r *http.Request) {
	wfe.sendJSON(w, http.StatusOK, map[string]string{
		"version": ModuleVersion,
		"go":      runtime.Version(),
	})
}
