// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package nonce implements the anti-replay nonce pool: every signed
// request must present a nonce this service issued and has neither
// redeemed nor evicted yet, and every nonce may be redeemed exactly once.
package nonce

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/cloudacme/aceme/metrics"
)

// maxOutstanding bounds how many issued-but-unredeemed nonces the
// service retains before it starts evicting the oldest ones. Without a
// ceiling a client that requests nonces and never uses them would grow
// the pool without bound.
const maxOutstanding = 10000

// Service issues and redeems single-use nonces.
type Service struct {
	mu       sync.Mutex
	order    []string
	valid    map[string]struct{}
	stats    metrics.Scope
}

// New returns an empty Service.
func New(stats metrics.Scope) *Service {
	if stats == nil {
		stats = metrics.NewNoopScope()
	}
	return &Service{
		valid: make(map[string]struct{}),
		stats: stats.NewScope("Nonce"),
	}
}

// Nonce mints a new nonce, high-entropy and base64url-encoded, and
// records it as outstanding.
func (s *Service) Nonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	n := base64.RawURLEncoding.EncodeToString(buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.valid[n] = struct{}{}
	s.order = append(s.order, n)
	if len(s.order) > maxOutstanding {
		evict := s.order[0]
		s.order = s.order[1:]
		delete(s.valid, evict)
		s.stats.Inc("Evicted", 1)
	}
	s.stats.Inc("Issued", 1)
	return n, nil
}

// Valid redeems n if, and only if, it is currently outstanding. A given
// nonce can never be redeemed twice.
func (s *Service) Valid(n string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.valid[n]; !ok {
		s.stats.Inc("Invalid", 1)
		return false
	}
	delete(s.valid, n)
	s.stats.Inc("Redeemed", 1)
	return true
}
