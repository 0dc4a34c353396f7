// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package keypackage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corecrypto/engine/ciphersuite"
	"github.com/corecrypto/engine/credential"
	"github.com/corecrypto/engine/keystore"
	"github.com/corecrypto/engine/prng"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	ks, err := keystore.Open(filepath.Join(t.TempDir(), "ks.db"), []byte("test-master-key"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ks.Close() })

	r, err := prng.New(nil)
	require.NoError(t, err)

	lookup := func(idx credential.Index) (*credential.Credential, error) {
		return &credential.Credential{Type: idx.Type, Ciphersuite: idx.Ciphersuite}, nil
	}
	return New(ks, r, lookup, nil)
}

func TestGenerateNAndCountValid(t *testing.T) {
	m := newTestManager(t)
	suite := ciphersuite.MLS10128DHKEMX25519AES128GCMSHA256Ed25519

	kps, err := m.GenerateN(suite, credential.Basic, 3)
	require.NoError(t, err)
	require.Len(t, kps, 3)

	n, err := m.CountValid(suite, credential.Basic)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestMarkConsumedExcludesFromCount(t *testing.T) {
	m := newTestManager(t)
	suite := ciphersuite.MLS10128DHKEMX25519AES128GCMSHA256Ed25519

	kps, err := m.GenerateN(suite, credential.Basic, 2)
	require.NoError(t, err)

	require.NoError(t, m.MarkConsumed(kps[0].Ref))

	n, err := m.CountValid(suite, credential.Basic)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestDeleteByRef(t *testing.T) {
	m := newTestManager(t)
	suite := ciphersuite.MLS10128DHKEMX25519AES128GCMSHA256Ed25519

	kps, err := m.GenerateN(suite, credential.Basic, 2)
	require.NoError(t, err)

	require.NoError(t, m.DeleteByRef([][16]byte{kps[0].Ref}))

	_, err = m.Get(kps[0].Ref)
	require.ErrorIs(t, err, keystore.ErrNotFound)

	n, err := m.CountValid(suite, credential.Basic)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestExpiredKeyPackageExcludedFromCount(t *testing.T) {
	m := newTestManager(t)
	suite := ciphersuite.MLS10128DHKEMX25519AES128GCMSHA256Ed25519

	kps, err := m.GenerateN(suite, credential.Basic, 1)
	require.NoError(t, err)

	err = m.ks.Transact(func(tx *keystore.Tx) error {
		var r record
		if err := tx.Get(keystore.KeyPackage, kps[0].Ref[:], &r); err != nil {
			return err
		}
		r.NotAfter = time.Now().Add(-time.Minute)
		return tx.Put(keystore.KeyPackage, kps[0].Ref[:], r)
	})
	require.NoError(t, err)

	n, err := m.CountValid(suite, credential.Basic)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
