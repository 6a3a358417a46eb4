// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package store implements the in-memory Object Store (C4): a single
// typed registry keyed by (object-type, id), serialized by one coarse
// lock. It is the only shared mutable state the engine touches.
package store

import (
	"sync"
	"time"

	"github.com/cloudacme/aceme/core"
	"github.com/cloudacme/aceme/directory"
)

// Store holds every live Registration, Application, Authorization and
// Certificate this core knows about.
type Store struct {
	mu sync.Mutex

	regs  map[string]*core.Registration
	apps  map[string]*core.Application
	authz map[string]*core.Authorization
	certs map[string]*core.Certificate

	scheme *directory.Scheme
}

// New builds an empty Store. scheme is used to derive object URLs for
// comparing against an authorization's requirement back-references, and
// to wire finalize URLs onto orders as they're stored.
func New(scheme *directory.Scheme) *Store {
	return &Store{
		regs:   make(map[string]*core.Registration),
		apps:   make(map[string]*core.Application),
		authz:  make(map[string]*core.Authorization),
		certs:  make(map[string]*core.Certificate),
		scheme: scheme,
	}
}

// PutRegistration stores or overwrites a registration by its id
// (thumbprint).
func (s *Store) PutRegistration(r *core.Registration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[r.Id] = r
}

// GetRegistration looks up a registration by id.
func (s *Store) GetRegistration(id string) (*core.Registration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.regs[id]
	return r, ok
}

// GetRegistrationByKey finds the registration whose key thumbprint
// equals thumbprint, used to reject duplicate new-acct requests.
func (s *Store) GetRegistrationByKey(thumbprint string) (*core.Registration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.regs[thumbprint]
	return r, ok
}

// PutApplication stores or overwrites an order, wiring its finalize URL
// derivation to this store's URL scheme.
func (s *Store) PutApplication(a *core.Application) {
	a.SetURLFunc(s.scheme.ObjectURL)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apps[a.Id] = a
}

// GetApplication looks up an order by id.
func (s *Store) GetApplication(id string) (*core.Application, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.apps[id]
	return a, ok
}

// PutAuthorization stores or overwrites an authorization.
func (s *Store) PutAuthorization(a *core.Authorization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authz[a.Id] = a
}

// GetAuthorization looks up an authorization by id.
func (s *Store) GetAuthorization(id string) (*core.Authorization, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.authz[id]
	return a, ok
}

// PutCertificate stores an issued certificate. Certificates are
// immutable once issued.
func (s *Store) PutCertificate(c *core.Certificate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.certs[c.Id] = c
}

// GetCertificate looks up a certificate by id.
func (s *Store) GetCertificate(id string) (*core.Certificate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.certs[id]
	return c, ok
}

// AuthzFor performs the linear scan spec.md calls for: find an
// unexpired, non-invalid authorization owned by thumbprint for name,
// so new-app can reuse it instead of creating a duplicate. now is the
// caller's clock reading, so an authorization that has simply aged
// past its Expires without ever being touched by fetch-challenge or
// update-authz is not handed out as if still pending.
func (s *Store) AuthzFor(thumbprint, name string, now time.Time) (*core.Authorization, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.authz {
		if a.Thumbprint == thumbprint && a.Identifier.Value == name &&
			a.Status != core.StatusInvalid && now.Before(a.Expires) {
			return a, true
		}
	}
	return nil, false
}

// UpdateOrdersFor rewrites every order requirement that references
// authz's URL to carry authz's current status, then recomputes
// readiness for that order. It must complete before update-authz
// responds; there is no background reconciliation.
func (s *Store) UpdateOrdersFor(authz *core.Authorization) {
	authzURL := s.scheme.ObjectURL(core.TypeAuthorization, authz.Id)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, app := range s.apps {
		if app.Thumbprint != authz.Thumbprint {
			continue
		}
		touched := false
		for i := range app.Requirements {
			if app.Requirements[i].URL == authzURL {
				app.Requirements[i].Status = authz.Status
				touched = true
			}
		}
		if touched {
			app.MarkReady()
		}
	}
}
