// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ciphersuite is the pluggable MLS ciphersuite registry. Every
// component that needs to turn a wire ciphersuite identifier into concrete
// HPKE/KDF/AEAD/signature primitives goes through here.
package ciphersuite

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cloudflare/circl/hpke"
)

// ID is an MLS ciphersuite identifier, per the MLS registry:
// 0x0001..0x0007 standard suites, 0x00F0..0x00FF hybrid post-quantum
// suites, with 0xF031 reserved for the x25519+Kyber768 draft hybrid.
type ID uint16

const (
	MLS10128DHKEMX25519AES128GCMSHA256Ed25519        ID = 0x0001
	MLS10128DHKEMP256AES128GCMSHA256P256             ID = 0x0002
	MLS10128DHKEMX25519CHACHA20POLY1305SHA256Ed25519 ID = 0x0003
	MLS10256DHKEMX448AES256GCMSHA512Ed448            ID = 0x0004
	MLS10256DHKEMP521AES256GCMSHA512P521             ID = 0x0005
	MLS10256DHKEMX448CHACHA20POLY1305SHA512Ed448     ID = 0x0006
	MLS10256DHKEMP384AES256GCMSHA384P384             ID = 0x0007

	// X25519Kyber768Draft00Hybrid is the x25519+Kyber768 draft hybrid
	// post-quantum suite.
	X25519Kyber768Draft00Hybrid ID = 0xF031
)

var (
	ErrUnknownSuite = errors.New("ciphersuite: unknown or unregistered suite id")
)

// Suite bundles the HPKE, KDF hash, AEAD, and signature algorithm choice
// backing one MLS ciphersuite.
type Suite struct {
	ID ID

	// HPKESuite drives KeyPackage HPKE init keys and the welcome/
	// external-commit encryption path (C4, C5).
	HPKESuite hpke.Suite

	// HashSize is the output size, in bytes, of the suite's hash function,
	// used to size epoch secrets, proposal refs, and tree-hash nodes.
	HashSize int

	// SignatureScheme names the credential signature algorithm this suite
	// pairs with Basic credentials ("Ed25519", "ECDSA-P256", "Ed448",
	// "ECDSA-P521", "ECDSA-P384").
	SignatureScheme string

	// Hybrid is true for post-quantum hybrid KEM suites (0xF031),
	// where HPKESuite.KEM is itself a hybrid circl kem.Scheme rather than a
	// classical DH group.
	Hybrid bool
}

var (
	mu       sync.RWMutex
	registry = make(map[ID]*Suite)
)

func register(s *Suite) {
	mu.Lock()
	defer mu.Unlock()
	registry[s.ID] = s
}

func init() {
	register(&Suite{
		ID:              MLS10128DHKEMX25519AES128GCMSHA256Ed25519,
		HPKESuite:       hpke.NewSuite(hpke.KEM_X25519_HKDF_SHA256, hpke.KDF_HKDF_SHA256, hpke.AEAD_AES128GCM),
		HashSize:        32,
		SignatureScheme: "Ed25519",
	})
	register(&Suite{
		ID:              MLS10128DHKEMX25519CHACHA20POLY1305SHA256Ed25519,
		HPKESuite:       hpke.NewSuite(hpke.KEM_X25519_HKDF_SHA256, hpke.KDF_HKDF_SHA256, hpke.AEAD_ChaCha20Poly1305),
		HashSize:        32,
		SignatureScheme: "Ed25519",
	})
	register(&Suite{
		ID:              MLS10256DHKEMX448AES256GCMSHA512Ed448,
		HPKESuite:       hpke.NewSuite(hpke.KEM_X448_HKDF_SHA512, hpke.KDF_HKDF_SHA512, hpke.AEAD_AES256GCM),
		HashSize:        64,
		SignatureScheme: "Ed448",
	})
	registerHybridSuites()
}

// Lookup returns the registered Suite for id, or ErrUnknownSuite.
func Lookup(id ID) (*Suite, error) {
	mu.RLock()
	defer mu.RUnlock()
	s, ok := registry[id]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%04x", ErrUnknownSuite, uint16(id))
	}
	return s, nil
}

// Registered returns every registered suite ID, in deterministic (sorted)
// order.
func Registered() []ID {
	mu.RLock()
	defer mu.RUnlock()
	ids := make([]ID, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
