// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package policy decides which challenge types this core offers for a
// given identifier and enforces the CSR subject/SAN policy at finalize
// time.
package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cloudacme/aceme/core"
)

// PolicyAuthority is the subset of Authority the CSR validator needs,
// split out so VerifyCSR can be exercised against a test double.
type PolicyAuthority interface {
	WillingToIssue(name string) error
}

// Authority holds this core's identifier and challenge-offering policy.
type Authority struct {
	enabledChallenges map[string]bool
}

var _ PolicyAuthority = &Authority{}

// New builds an Authority offering exactly the challenge types named
// true in enabledChallenges.
func New(enabledChallenges map[string]bool) *Authority {
	return &Authority{enabledChallenges: enabledChallenges}
}

// identifierRE restates the DNS grammar from csr.go for WillingToIssue.
// VerifyCSR calls WillingToIssue for every CSR name; new-app does not
// check its payload.identifiers against it.
var identifierRE = regexp.MustCompile(`^([a-z0-9][a-z0-9-]{1,62}\.)+[a-z][a-z0-9-]{0,62}$`)

// WillingToIssue reports whether this core is willing to create an
// authorization, and ultimately issue, for name. The core itself places
// no restriction beyond well-formedness; operators wanting denylists or
// CAA enforcement plug in a different PolicyAuthority.
func (pa *Authority) WillingToIssue(name string) error {
	name = strings.ToLower(name)
	if !identifierRE.MatchString(name) {
		return fmt.Errorf("identifier %q is not a valid DNS name", name)
	}
	return nil
}

// ChallengeTypeEnabled reports whether challenge type t is offered.
func (pa *Authority) ChallengeTypeEnabled(t string) bool {
	return pa.enabledChallenges[t]
}

// challengeOrder fixes the insertion order spec.md requires: whichever
// of these types are enabled are offered in this relative order.
var challengeOrder = []string{
	core.ChallengeTypeHTTP01,
	core.ChallengeTypeDNS01,
	core.ChallengeTypeTLSSNI01,
	core.ChallengeTypeAuto,
}

// ChallengesFor builds the ordered, pending challenge set for a fresh
// authorization on ident, one per enabled challenge type.
func (pa *Authority) ChallengesFor(ident core.AcmeIdentifier) []core.Challenge {
	var challenges []core.Challenge
	for _, t := range challengeOrder {
		if !pa.ChallengeTypeEnabled(t) {
			continue
		}
		challenges = append(challenges, core.Challenge{
			Type:   t,
			Status: core.StatusPending,
		})
	}
	return challenges
}
