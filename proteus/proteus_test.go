// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package proteus

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corecrypto/engine/keystore"
	"github.com/corecrypto/engine/prng"
)

func newTestManager(t *testing.T, name string) (*Manager, *keystore.Keystore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".db")
	ks, err := keystore.Open(path, []byte("master-"+name))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ks.Close() })
	rng, err := prng.New(nil)
	require.NoError(t, err)
	m, err := NewManager(ks, rng)
	require.NoError(t, err)
	return m, ks, path
}

func TestSessionEstablishmentAndRoundTrip(t *testing.T) {
	alice, _, _ := newTestManager(t, "alice")
	bob, _, _ := newTestManager(t, "bob")

	bundles, err := bob.NewPrekeys(1, 1)
	require.NoError(t, err)
	require.Len(t, bundles, 1)

	require.NoError(t, alice.SessionFromPrekey("to-bob", bundles[0]))

	first, err := alice.Encrypt("to-bob", []byte("Hello Bob!"))
	require.NoError(t, err)

	plain, err := bob.SessionFromMessage("to-alice", first)
	require.NoError(t, err)
	require.Equal(t, []byte("Hello Bob!"), plain)

	// Both directions work after establishment.
	reply, err := bob.Encrypt("to-alice", []byte("Hello Alice!"))
	require.NoError(t, err)
	plain, err = alice.Decrypt("to-bob", reply)
	require.NoError(t, err)
	require.Equal(t, []byte("Hello Alice!"), plain)

	second, err := alice.Encrypt("to-bob", []byte("again"))
	require.NoError(t, err)
	plain, err = bob.Decrypt("to-alice", second)
	require.NoError(t, err)
	require.Equal(t, []byte("again"), plain)
}

func TestPrekeyConsumedAfterUse(t *testing.T) {
	alice, _, _ := newTestManager(t, "alice")
	bob, _, _ := newTestManager(t, "bob")

	bundles, err := bob.NewPrekeys(7, 1)
	require.NoError(t, err)

	require.NoError(t, alice.SessionFromPrekey("s1", bundles[0]))
	first, err := alice.Encrypt("s1", []byte("hi"))
	require.NoError(t, err)
	_, err = bob.SessionFromMessage("from-alice", first)
	require.NoError(t, err)

	// A second session attempt against the consumed prekey must fail.
	charlie, _, _ := newTestManager(t, "charlie")
	require.NoError(t, charlie.SessionFromPrekey("s2", bundles[0]))
	first2, err := charlie.Encrypt("s2", []byte("hi again"))
	require.NoError(t, err)
	_, err = bob.SessionFromMessage("from-charlie", first2)
	require.ErrorIs(t, err, ErrPrekeyNotFound)
}

func TestLastResortPrekeyNeverConsumed(t *testing.T) {
	bob, _, _ := newTestManager(t, "bob")
	bundle, err := bob.NewLastResortPrekey()
	require.NoError(t, err)

	for i, peer := range []string{"alice", "charlie"} {
		p, _, _ := newTestManager(t, peer)
		require.NoError(t, p.SessionFromPrekey("to-bob", bundle))
		first, err := p.Encrypt("to-bob", []byte("hello"))
		require.NoError(t, err)
		plain, err := bob.SessionFromMessage("from-"+peer, first)
		require.NoError(t, err, "establishment %d against last-resort prekey", i)
		require.Equal(t, []byte("hello"), plain)
	}
}

func TestBatchEncrypt(t *testing.T) {
	alice, _, _ := newTestManager(t, "alice")
	bob, _, _ := newTestManager(t, "bob")
	charlie, _, _ := newTestManager(t, "charlie")

	bobBundles, err := bob.NewPrekeys(1, 1)
	require.NoError(t, err)
	charlieBundles, err := charlie.NewPrekeys(1, 1)
	require.NoError(t, err)

	require.NoError(t, alice.SessionFromPrekey("bob", bobBundles[0]))
	require.NoError(t, alice.SessionFromPrekey("charlie", charlieBundles[0]))

	out, err := alice.BatchEncrypt([]string{"bob", "charlie"}, []byte("fanout"))
	require.NoError(t, err)
	require.Len(t, out, 2)

	plain, err := bob.SessionFromMessage("alice", out["bob"])
	require.NoError(t, err)
	require.Equal(t, []byte("fanout"), plain)
	plain, err = charlie.SessionFromMessage("alice", out["charlie"])
	require.NoError(t, err)
	require.Equal(t, []byte("fanout"), plain)
}

func TestBatchEncryptUnknownSessionAborts(t *testing.T) {
	alice, _, _ := newTestManager(t, "alice")
	_, err := alice.BatchEncrypt([]string{"nobody"}, []byte("x"))
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestOutOfOrderDecrypt(t *testing.T) {
	alice, _, _ := newTestManager(t, "alice")
	bob, _, _ := newTestManager(t, "bob")

	bundles, err := bob.NewPrekeys(1, 1)
	require.NoError(t, err)
	require.NoError(t, alice.SessionFromPrekey("bob", bundles[0]))

	first, err := alice.Encrypt("bob", []byte("m0"))
	require.NoError(t, err)
	m1, err := alice.Encrypt("bob", []byte("m1"))
	require.NoError(t, err)
	m2, err := alice.Encrypt("bob", []byte("m2"))
	require.NoError(t, err)

	_, err = bob.SessionFromMessage("alice", first)
	require.NoError(t, err)

	// m2 before m1: the skipped key bridges the gap.
	plain, err := bob.Decrypt("alice", m2)
	require.NoError(t, err)
	require.Equal(t, []byte("m2"), plain)
	plain, err = bob.Decrypt("alice", m1)
	require.NoError(t, err)
	require.Equal(t, []byte("m1"), plain)

	// Replaying m1 is a duplicate; the session's diagnostic code records it.
	_, err = bob.Decrypt("alice", m1)
	require.ErrorIs(t, err, ErrDecryptFailed)
	require.Equal(t, CodeDuplicateMessage, bob.LastErrorCode("alice"))
	require.Equal(t, CodeNone, bob.LastErrorCode("alice"))
}

func TestSaveDeleteExists(t *testing.T) {
	alice, _, _ := newTestManager(t, "alice")
	bob, _, _ := newTestManager(t, "bob")

	bundles, err := bob.NewPrekeys(1, 1)
	require.NoError(t, err)
	require.NoError(t, alice.SessionFromPrekey("bob", bundles[0]))

	ok, err := alice.Exists("bob")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, alice.Save("bob"))
	require.NoError(t, alice.Delete("bob"))
	ok, err = alice.Exists("bob")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = alice.Encrypt("bob", []byte("x"))
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionSurvivesReopen(t *testing.T) {
	bob, _, _ := newTestManager(t, "bob")
	bundles, err := bob.NewPrekeys(1, 1)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "alice.db")
	ks, err := keystore.Open(path, []byte("master-alice"))
	require.NoError(t, err)
	rng, err := prng.New(nil)
	require.NoError(t, err)
	alice, err := NewManager(ks, rng)
	require.NoError(t, err)

	require.NoError(t, alice.SessionFromPrekey("bob", bundles[0]))
	first, err := alice.Encrypt("bob", []byte("before reopen"))
	require.NoError(t, err)
	require.NoError(t, alice.Save("bob"))
	require.NoError(t, ks.Close())

	_, err = bob.SessionFromMessage("alice", first)
	require.NoError(t, err)

	ks2, err := keystore.Open(path, []byte("master-alice"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ks2.Close() })
	alice2, err := NewManager(ks2, rng)
	require.NoError(t, err)

	ok, err := alice2.Exists("bob")
	require.NoError(t, err)
	require.True(t, ok)

	msg, err := alice2.Encrypt("bob", []byte("after reopen"))
	require.NoError(t, err)
	plain, err := bob.Decrypt("alice", msg)
	require.NoError(t, err)
	require.Equal(t, []byte("after reopen"), plain)
}

func TestLastErrorCodeUnknownSession(t *testing.T) {
	alice, _, _ := newTestManager(t, "alice")
	require.Equal(t, CodeSessionNotFound, alice.LastErrorCode("nobody"))
}
