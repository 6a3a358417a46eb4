// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package problems implements the ACME problem document taxonomy (RFC
// 8555 section 6.7) and the mapping from this module's internal error
// taxonomy (errors.ErrorType) onto it.
package problems

import (
	"fmt"
	"net/http"

	berrors "github.com/cloudacme/aceme/errors"
)

// ProblemType names one of the standard ACME error codes. Types not in
// this list are namespaced under the "urn:ietf:params:acme:error:"
// prefix by convention but are never produced by this core.
type ProblemType string

// The problem types this core is able to produce.
const (
	AccountDoesNotExistProblem = ProblemType("accountDoesNotExist")
	AlreadyRevokedProblem      = ProblemType("alreadyRevoked")
	BadCSRProblem              = ProblemType("badCSR")
	BadNonceProblem            = ProblemType("badNonce")
	BadPublicKeyProblem        = ProblemType("badPublicKey")
	BadRevocationReasonProblem = ProblemType("badRevocationReason")
	BadSignatureAlgorithmProblem = ProblemType("badSignatureAlgorithm")
	CAAProblem                 = ProblemType("caa")
	CompoundProblem            = ProblemType("compound")
	ConnectionProblem          = ProblemType("connection")
	DNSProblem                 = ProblemType("dns")
	MalformedProblem           = ProblemType("malformed")
	OrderNotReadyProblem       = ProblemType("orderNotReady")
	RateLimitedProblem         = ProblemType("rateLimited")
	RejectedIdentifierProblem = ProblemType("rejectedIdentifier")
	ServerInternalProblem     = ProblemType("serverInternal")
	TLSProblem                = ProblemType("tls")
	UnauthorizedProblem       = ProblemType("unauthorized")
	UnsupportedContactProblem = ProblemType("unsupportedContact")
	UnsupportedIdentifierProblem = ProblemType("unsupportedIdentifier")
	UserActionRequiredProblem = ProblemType("userActionRequired")
)

const problemNamespace = "urn:ietf:params:acme:error:"

// ProblemDetails is the wire representation of an ACME problem document.
type ProblemDetails struct {
	Type        ProblemType `json:"type,omitempty"`
	Detail      string      `json:"detail,omitempty"`
	HTTPStatus  int         `json:"status,omitempty"`
	SubProblems []SubProblem `json:"subproblems,omitempty"`
}

// SubProblem attaches an identifier to a ProblemDetails nested inside a
// CompoundProblem document.
type SubProblem struct {
	ProblemDetails
	Identifier interface{} `json:"identifier,omitempty"`
}

func (pd *ProblemDetails) Error() string {
	return fmt.Sprintf("%s :: %s", pd.Type, pd.Detail)
}

// namespaced prefixes t with the ACME error URN namespace. Every type,
// ServerInternalProblem and CompoundProblem included, gets the prefix.
func (t ProblemType) namespaced() ProblemType {
	return ProblemType(problemNamespace) + t
}

// New builds a ProblemDetails of the given type with the conventional
// HTTP status for it.
func New(problemType ProblemType, detail string, args ...interface{}) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType.namespaced(),
		Detail:     fmt.Sprintf(detail, args...),
		HTTPStatus: statusCodeForProblem(problemType),
	}
}

// ServerInternal builds a 500-class problem document. The detail should
// never leak internal state to the client.
func ServerInternal(detail string) *ProblemDetails {
	return New(ServerInternalProblem, detail)
}

func statusCodeForProblem(problemType ProblemType) int {
	switch problemType {
	case ServerInternalProblem:
		return http.StatusInternalServerError
	case MalformedProblem, BadCSRProblem, BadPublicKeyProblem,
		BadSignatureAlgorithmProblem, RejectedIdentifierProblem,
		UnsupportedIdentifierProblem, BadRevocationReasonProblem,
		AlreadyRevokedProblem:
		return http.StatusBadRequest
	case BadNonceProblem:
		return http.StatusBadRequest
	case UnauthorizedProblem, UserActionRequiredProblem:
		return http.StatusUnauthorized
	case AccountDoesNotExistProblem:
		return http.StatusBadRequest
	case OrderNotReadyProblem:
		return http.StatusForbidden
	case RateLimitedProblem:
		return http.StatusTooManyRequests
	case ConnectionProblem, DNSProblem, TLSProblem, CAAProblem,
		CompoundProblem, UnsupportedContactProblem:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// FromBoulderError maps this module's internal error taxonomy onto a
// ProblemDetails document.
func FromBoulderError(err error) *ProblemDetails {
	switch {
	case berrors.Is(err, berrors.Malformed):
		return New(MalformedProblem, err.Error())
	case berrors.Is(err, berrors.NotFound):
		prob := New(MalformedProblem, err.Error())
		prob.HTTPStatus = http.StatusNotFound
		return prob
	case berrors.Is(err, berrors.Unauthorized):
		return New(UnauthorizedProblem, err.Error())
	case berrors.Is(err, berrors.RejectedIdentifier):
		return New(RejectedIdentifierProblem, err.Error())
	case berrors.Is(err, berrors.InvalidEmail):
		return New(UnsupportedContactProblem, err.Error())
	case berrors.Is(err, berrors.RateLimit):
		return New(RateLimitedProblem, err.Error())
	case berrors.Is(err, berrors.ConnectionFailure):
		return New(ConnectionProblem, err.Error())
	case berrors.Is(err, berrors.NotSupported):
		return New(MalformedProblem, err.Error())
	default:
		return ServerInternal("Internal server error")
	}
}
