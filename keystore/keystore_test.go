// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package keystore

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type sampleRecord struct {
	Name  string
	Count int
}

func openTestStore(t *testing.T) *Keystore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	ks, err := Open(path, []byte("a fixed test master key"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ks.Close() })
	return ks
}

func TestPutGetRoundTrip(t *testing.T) {
	ks := openTestStore(t)

	err := ks.Transact(func(tx *Tx) error {
		return tx.Put(Credential, []byte("client-1"), sampleRecord{Name: "alice", Count: 3})
	})
	require.NoError(t, err)

	var got sampleRecord
	err = ks.View(func(tx *Tx) error {
		return tx.Get(Credential, []byte("client-1"), &got)
	})
	require.NoError(t, err)
	require.Equal(t, sampleRecord{Name: "alice", Count: 3}, got)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	ks := openTestStore(t)

	var got sampleRecord
	err := ks.View(func(tx *Tx) error {
		return tx.Get(Credential, []byte("missing"), &got)
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTransactAbortsOnError(t *testing.T) {
	ks := openTestStore(t)

	sentinel := errors.New("boom")
	err := ks.Transact(func(tx *Tx) error {
		if err := tx.Put(Credential, []byte("client-2"), sampleRecord{Name: "bob"}); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	var got sampleRecord
	viewErr := ks.View(func(tx *Tx) error {
		return tx.Get(Credential, []byte("client-2"), &got)
	})
	require.ErrorIs(t, viewErr, ErrNotFound)
}

func TestCloseRefusesWhileLocked(t *testing.T) {
	ks := openTestStore(t)
	ks.Acquire()
	require.ErrorIs(t, ks.Close(), ErrLocked)
	ks.Release()
	require.NoError(t, ks.Close())
}

func TestWrongMasterKeyFailsToOpenRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	ks, err := Open(path, []byte("correct key"))
	require.NoError(t, err)
	require.NoError(t, ks.Transact(func(tx *Tx) error {
		return tx.Put(Credential, []byte("k"), sampleRecord{Name: "x"})
	}))
	require.NoError(t, ks.Close())

	reopened, err := Open(path, []byte("wrong key"))
	require.NoError(t, err)
	defer reopened.Close()

	var got sampleRecord
	err = reopened.View(func(tx *Tx) error {
		return tx.Get(Credential, []byte("k"), &got)
	})
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestRekeyPreservesData(t *testing.T) {
	ks := openTestStore(t)
	require.NoError(t, ks.Transact(func(tx *Tx) error {
		return tx.Put(Credential, []byte("k"), sampleRecord{Name: "carol", Count: 7})
	}))

	require.NoError(t, ks.Rekey([]byte("a new master key")))

	var got sampleRecord
	err := ks.View(func(tx *Tx) error {
		return tx.Get(Credential, []byte("k"), &got)
	})
	require.NoError(t, err)
	require.Equal(t, sampleRecord{Name: "carol", Count: 7}, got)
}
