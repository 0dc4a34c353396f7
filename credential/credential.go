// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package credential implements the Credential Registry (C3): root/
// intermediate CA management, CRL caching, certificate chain validation,
// and X.509 identity extraction, plus the Credential domain type shared by
// C4 (KeyPackage Manager), C5 (Conversation Engine) and C8 (Rotation
// Coordinator).
package credential

import (
	"time"

	"github.com/corecrypto/engine/ciphersuite"
)

// Type is the tagged variant discriminator for a Credential: a bare
// signature keypair (Basic) or a keypair bound to a certificate chain
// (X509). The numeric values are wire-stable.
type Type uint8

const (
	Basic Type = 1
	X509  Type = 2
)

func (t Type) String() string {
	if t == X509 {
		return "X509"
	}
	return "Basic"
}

// Status is a device identity's trust state.
type Status uint8

const (
	StatusValid Status = iota
	StatusExpired
	StatusRevoked
)

func (s Status) String() string {
	switch s {
	case StatusExpired:
		return "Expired"
	case StatusRevoked:
		return "Revoked"
	default:
		return "Valid"
	}
}

// Credential is the signing identity a member presents in a KeyPackage and
// in every handshake message it signs. At most one active Credential
// exists per (ciphersuite, Type) index
type Credential struct {
	Type        Type
	Ciphersuite ciphersuite.ID

	// SignaturePublicKey/SignaturePrivateKey are the raw (scheme-specific)
	// encodings of the credential's signature keypair, used for every
	// handshake-message signature produced on this credential's behalf.
	SignaturePublicKey  []byte
	SignaturePrivateKey []byte

	// CertChain is populated only for Type == X509: DER-encoded certificates,
	// leaf first, not including the trust anchor.
	CertChain [][]byte
	NotBefore time.Time
	NotAfter  time.Time
}

// Index identifies the (ciphersuite, credential-type) slot a Credential
// occupies; at most one Credential may be active per Index.
type Index struct {
	Ciphersuite ciphersuite.ID
	Type        Type
}
