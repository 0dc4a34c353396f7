// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package treehash provides the blake3-based hashing primitives used for
// MLS ratchet-tree node hashes, proposal/KeyPackage references, and
// domain-separated key derivation.
package treehash

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
)

// RefSize is the length, in bytes, of an MLS proposal or KeyPackage
// reference.
const RefSize = 16

// Hash256 returns the standard 32-byte blake3 digest of data.
func Hash256(data []byte) [32]byte {
	return blake3.Sum256(data)
}

// WithDomain returns a domain-separated digest, so the same input bytes
// hash differently depending on context (tree-hash vs. proposal-ref vs.
// key-derivation).
func WithDomain(domain string, data []byte) [32]byte {
	h := blake3.New()
	var domainLen [2]byte
	binary.BigEndian.PutUint16(domainLen[:], uint16(len(domain)))
	h.Write(domainLen[:])
	h.Write([]byte(domain))
	h.Write(data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Ref derives a 16-byte MLS reference (proposal ref or KeyPackage ref) from
// a TLS-encoded wire payload.
func Ref(domain string, tlsEncoded []byte) [RefSize]byte {
	full := WithDomain(domain, tlsEncoded)
	var ref [RefSize]byte
	copy(ref[:], full[:RefSize])
	return ref
}

// MerkleRoot computes the root of a binary Merkle tree over leaves: each
// internal node is WithDomain(domain, left||right); an odd leaf at a level
// is promoted unchanged.
func MerkleRoot(domain string, leaves [][32]byte) [32]byte {
	if len(leaves) == 0 {
		return WithDomain(domain, nil)
	}
	level := leaves
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			combined := make([]byte, 0, 64)
			combined = append(combined, level[i][:]...)
			combined = append(combined, level[i+1][:]...)
			next = append(next, WithDomain(domain, combined))
		}
		level = next
	}
	return level[0]
}

// DeriveKey derives keying material of length outLen from a context string
// and key material, using blake3's dedicated key-derivation mode.
func DeriveKey(context string, keyMaterial []byte, outLen int) []byte {
	out := make([]byte, outLen)
	d := blake3.NewDeriveKey(context)
	d.Write(keyMaterial)
	digest := d.Digest()
	_, _ = digest.Read(out)
	return out
}
