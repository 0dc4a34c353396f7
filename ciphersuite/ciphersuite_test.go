// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package ciphersuite

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisteredIsDeterministic(t *testing.T) {
	a := Registered()
	b := Registered()
	require.Equal(t, a, b)
	require.Contains(t, a, MLS10128DHKEMX25519AES128GCMSHA256Ed25519)
	require.Contains(t, a, X25519Kyber768Draft00Hybrid)
}

func TestLookupUnknownSuite(t *testing.T) {
	_, err := Lookup(0x00AA)
	require.ErrorIs(t, err, ErrUnknownSuite)
}

func TestSealOpenWelcomeRoundTrip(t *testing.T) {
	suiteID := MLS10128DHKEMX25519AES128GCMSHA256Ed25519
	kp, err := GenerateInitKey(suiteID, rand.Read)
	require.NoError(t, err)

	info := []byte("mls welcome")
	aad := []byte("group-id")
	plaintext := []byte("group secrets")

	enc, ct, err := SealWelcome(suiteID, kp.Public, info, aad, plaintext)
	require.NoError(t, err)

	got, err := OpenWelcome(suiteID, kp.Private, info, aad, enc, ct)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestHybridKEMForUnassignedID(t *testing.T) {
	_, err := HybridKEMFor(0x00F5)
	require.ErrorIs(t, err, ErrUnknownSuite)
}

func TestHybridKEMForX25519Kyber768(t *testing.T) {
	h, err := HybridKEMFor(X25519Kyber768Draft00Hybrid)
	require.NoError(t, err)
	require.NotNil(t, h.Scheme)

	pub, priv, err := h.Scheme.GenerateKeyPair()
	require.NoError(t, err)
	require.NotNil(t, pub)
	require.NotNil(t, priv)
}
