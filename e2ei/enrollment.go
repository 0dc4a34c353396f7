// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package e2ei implements the E2EI Enrollment state machine (C7): an
// ACME-style order driven to completion by the host over HTTP, producing
// an X.509 Credential consumed by mls-init-only (initial enrollment) or by
// the Rotation Coordinator (C8, package rotation). The engine holds no
// sockets, only (build-request, ingest-response) state pairs; the host
// performs every HTTP exchange.
package e2ei

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/corecrypto/engine/ciphersuite"
)

// State is the ACME order progress cursor.
type State uint8

const (
	Created State = iota
	DirectoryKnown
	AccountCreated
	OrderCreated
	AuthzFetched
	DpopChallengePosted
	OidcChallengePosted
	OrderValid
	Finalized
	CertificateIssued
)

func (s State) String() string {
	switch s {
	case DirectoryKnown:
		return "DirectoryKnown"
	case AccountCreated:
		return "AccountCreated"
	case OrderCreated:
		return "OrderCreated"
	case AuthzFetched:
		return "AuthzFetched"
	case DpopChallengePosted:
		return "DpopChallengePosted"
	case OidcChallengePosted:
		return "OidcChallengePosted"
	case OrderValid:
		return "OrderValid"
	case Finalized:
		return "Finalized"
	case CertificateIssued:
		return "CertificateIssued"
	default:
		return "Created"
	}
}

// Purpose distinguishes the three enrollment factories: the Credential an
// enrollment eventually produces is consumed differently depending on why
// it was created.
type Purpose uint8

const (
	// PurposeNew is a first-time enrollment for a client with no prior
	// E2EI credential, consumed by mls-init-only.
	PurposeNew Purpose = iota
	// PurposeActivation upgrades an already-mls-initialized Basic-credential
	// client to X.509, also consumed by mls-init-only on the already-open
	// Instance.
	PurposeActivation
	// PurposeRotate renews an expiring or compromised X.509 credential,
	// consumed by the Rotation Coordinator (package rotation).
	PurposeRotate
)

// Identity is the requested identity fields an enrollment binds into its
// eventual certificate.
type Identity struct {
	ClientID    string
	Handle      string
	DisplayName string
	Team        string
}

// Enrollment is the opaque per-attempt enrollment object: a requested
// identity, a fresh signature keypair for the future credential, the
// requested expiry, the target ciphersuite, and an ACME progress cursor.
// It is never shared across Instances except via Stash/StashPop.
type Enrollment struct {
	Purpose     Purpose
	Identity    Identity
	Ciphersuite ciphersuite.ID
	Expiry      time.Duration

	SignaturePublicKey  ed25519.PublicKey
	SignaturePrivateKey ed25519.PrivateKey

	State State

	acme acmeProgress

	// CertChain is populated only once State == CertificateIssued: DER
	// certificates, leaf first.
	CertChain [][]byte
	NotBefore time.Time
	NotAfter  time.Time
}

func newEnrollment(purpose Purpose, id Identity, suite ciphersuite.ID, expiry time.Duration, randSource func([]byte) (int, error)) (*Enrollment, error) {
	if id.ClientID == "" {
		return nil, fmt.Errorf("%w: enrollment requires a non-empty client id", ErrInvalidArgument)
	}
	if expiry <= 0 {
		return nil, fmt.Errorf("%w: enrollment requires a positive expiry", ErrInvalidArgument)
	}
	pub, priv, err := ed25519.GenerateKey(readerFunc(randSource))
	if err != nil {
		return nil, fmt.Errorf("e2ei: generating enrollment signature keypair: %w", err)
	}
	return &Enrollment{
		Purpose: purpose, Identity: id, Ciphersuite: suite, Expiry: expiry,
		SignaturePublicKey: pub, SignaturePrivateKey: priv, State: Created,
	}, nil
}

// New creates a first-time enrollment for a client with no prior E2EI
// credential.
func New(id Identity, suite ciphersuite.ID, expiry time.Duration, randSource func([]byte) (int, error)) (*Enrollment, error) {
	return newEnrollment(PurposeNew, id, suite, expiry, randSource)
}

// NewActivation creates an enrollment upgrading an already-initialized
// Basic-credential client to X.509 ("... / activation").
func NewActivation(id Identity, suite ciphersuite.ID, expiry time.Duration, randSource func([]byte) (int, error)) (*Enrollment, error) {
	return newEnrollment(PurposeActivation, id, suite, expiry, randSource)
}

// NewRotate creates an enrollment renewing an existing X.509 credential
// ("... / rotate"), later consumed by the Rotation Coordinator.
func NewRotate(id Identity, suite ciphersuite.ID, expiry time.Duration, randSource func([]byte) (int, error)) (*Enrollment, error) {
	return newEnrollment(PurposeRotate, id, suite, expiry, randSource)
}

// DirectoryURL returns the ACME directory URL discovered by
// IngestDirectoryResponse, or "" before that point; the host needs this to
// perform the actual HTTP GET the state machine only models the JSON side
// of.
func (e *Enrollment) DirectoryURL() string { return e.acme.directoryURL }

// OrderURL returns the ACME order URL discovered by IngestOrderResponse's
// Location header equivalent, passed in by the host.
func (e *Enrollment) OrderURL() string { return e.acme.orderURL }

func readerFunc(f func([]byte) (int, error)) randReader { return randReader{f} }

type randReader struct{ f func([]byte) (int, error) }

func (r randReader) Read(buf []byte) (int, error) { return r.f(buf) }

func requireState(e *Enrollment, want State) error {
	if e.State != want {
		return fmt.Errorf("%w: expected state %s, got %s", ErrWrongState, want, e.State)
	}
	return nil
}
