// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package ciphersuite

import (
	"crypto/sha256"

	"github.com/cloudflare/circl/hpke"
	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/hybrid"
)

// HybridKEM is the PQ/classical combined key-encapsulation mechanism behind
// the hybrid suite X25519Kyber768Draft00Hybrid (0xF031). The official HPKE KEM
// registry (circl/hpke) only lists classical DH groups, so hybrid MLS
// suites are modeled as their own kem.Scheme plugged into an
// HPKE-shaped encrypt/decrypt.
type HybridKEM struct {
	Scheme kem.Scheme
}

func registerHybridSuites() {
	register(&Suite{
		ID:              X25519Kyber768Draft00Hybrid,
		HashSize:        sha256.Size,
		SignatureScheme: "Ed25519",
		Hybrid:          true,
		HPKESuite:       hpke.Suite{}, // unused for hybrid suites; see HybridKEMFor
	})
}

// HybridKEMFor returns the combined KEM scheme for a registered hybrid
// suite ID. Only X25519Kyber768Draft00Hybrid has a scheme; any other ID
// returns ErrUnknownSuite.
func HybridKEMFor(id ID) (*HybridKEM, error) {
	if id != X25519Kyber768Draft00Hybrid {
		return nil, ErrUnknownSuite
	}
	return &HybridKEM{Scheme: hybrid.Kyber768X25519()}, nil
}
