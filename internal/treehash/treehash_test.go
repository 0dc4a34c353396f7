// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package treehash

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRefIsStable(t *testing.T) {
	payload := []byte("tls-encoded-keypackage")
	a := Ref("keypackage-ref", payload)
	b := Ref("keypackage-ref", payload)
	require.Equal(t, a, b)
}

func TestRefDependsOnDomain(t *testing.T) {
	payload := []byte("tls-encoded-proposal")
	a := Ref("proposal-ref", payload)
	b := Ref("keypackage-ref", payload)
	require.NotEqual(t, a, b)
}

func TestMerkleRootSingleLeaf(t *testing.T) {
	leaf := Hash256([]byte("only-leaf"))
	require.Equal(t, leaf, MerkleRoot("tree-hash", [][32]byte{leaf}))
}

func TestMerkleRootChangesWithOrder(t *testing.T) {
	a := Hash256([]byte("a"))
	b := Hash256([]byte("b"))
	r1 := MerkleRoot("tree-hash", [][32]byte{a, b})
	r2 := MerkleRoot("tree-hash", [][32]byte{b, a})
	require.NotEqual(t, r1, r2)
}

func TestDeriveKeyIsDeterministicAndContextSeparated(t *testing.T) {
	km := []byte("shared-secret")
	k1 := DeriveKey("epoch-secret", km, 32)
	k2 := DeriveKey("epoch-secret", km, 32)
	k3 := DeriveKey("welcome-secret", km, 32)
	require.Equal(t, k1, k2)
	require.NotEqual(t, k1, k3)
}
