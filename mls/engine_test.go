// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package mls

import (
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corecrypto/engine/ciphersuite"
	"github.com/corecrypto/engine/credential"
	"github.com/corecrypto/engine/internal/treehash"
	"github.com/corecrypto/engine/keystore"
)

const testSuite = ciphersuite.MLS10128DHKEMX25519AES128GCMSHA256Ed25519

func newTestEngine(t *testing.T, clientID string) *Engine {
	t.Helper()
	ks, err := keystore.Open(filepath.Join(t.TempDir(), clientID+".db"), []byte("test-master-key-"+clientID))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ks.Close() })
	return NewEngine(ks, credential.New(), nil, []byte(clientID))
}

func testCredential(name string) *credential.Credential {
	return &credential.Credential{Type: credential.Basic, Ciphersuite: testSuite, SignaturePublicKey: []byte(name + "-sigkey")}
}

// testKeyPackage generates a fresh HPKE init keypair and wraps it as an
// InboundKeyPackage, the same shape AddClients/JoinByExternalCommit expect
// from a fetched KeyPackage, without routing through the keypackage package
// (which needs an mls-owned Encoder, an import this test avoids to keep the
// two packages decoupled).
func testKeyPackage(t *testing.T, clientID string) (InboundKeyPackage, []byte) {
	t.Helper()
	pair, err := ciphersuite.GenerateInitKey(testSuite, rand.Read)
	require.NoError(t, err)
	pub, err := pair.Public.MarshalBinary()
	require.NoError(t, err)
	priv, err := pair.Private.MarshalBinary()
	require.NoError(t, err)
	ref := treehash.Ref("mls10-keypackage-ref", pub)
	return InboundKeyPackage{
		Ref: ref, ClientID: []byte(clientID), Credential: *testCredential(clientID), InitPublicKey: pub,
	}, priv
}

func TestConversationLifecycleTwoParty(t *testing.T) {
	groupID := []byte("group-1")
	alice := newTestEngine(t, "alice")
	bob := newTestEngine(t, "bob")

	_, err := alice.CreateConversation(groupID, testCredential("alice"), credential.Basic, Config{Suite: testSuite, WirePolicy: Ciphertext})
	require.NoError(t, err)

	bobKP, bobPriv := testKeyPackage(t, "bob")
	bundle, newDPs, err := alice.AddClients(groupID, []InboundKeyPackage{bobKP})
	require.NoError(t, err)
	require.NotEmpty(t, bundle.Welcome)
	require.Empty(t, newDPs)

	drained, err := alice.CommitAccepted(groupID)
	require.NoError(t, err)
	require.Empty(t, drained)

	bobConv, bobDrained, err := bob.ProcessWelcome(bundle.Welcome, bobKP.Ref, bobPriv, credential.Basic)
	require.NoError(t, err)
	require.Empty(t, bobDrained)
	require.Equal(t, uint64(1), bobConv.Epoch)
	require.Len(t, bobConv.Members, 2)

	// Alice sends, Bob decrypts the identical plaintext.
	ciphertext, err := alice.Encrypt(groupID, []byte("hello bob"))
	require.NoError(t, err)
	msgs, err := bob.Decrypt(groupID, ciphertext)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, []byte("hello bob"), msgs[0].Plaintext)
	require.True(t, msgs[0].IsActive)

	// Replaying the exact same ciphertext must be rejected as a dup.
	_, err = bob.Decrypt(groupID, ciphertext)
	require.ErrorIs(t, err, ErrAlreadyDecrypted)
}

func TestExternalCommitJoin(t *testing.T) {
	groupID := []byte("group-ext")
	alice := newTestEngine(t, "alice")
	bob := newTestEngine(t, "bob")
	carol := newTestEngine(t, "carol")

	_, err := alice.CreateConversation(groupID, testCredential("alice"), credential.Basic, Config{Suite: testSuite, WirePolicy: Ciphertext})
	require.NoError(t, err)

	bobKP, bobPriv := testKeyPackage(t, "bob")
	welcomeBundle, _, err := alice.AddClients(groupID, []InboundKeyPackage{bobKP})
	require.NoError(t, err)
	_, err = alice.CommitAccepted(groupID)
	require.NoError(t, err)
	_, _, err = bob.ProcessWelcome(welcomeBundle.Welcome, bobKP.Ref, bobPriv, credential.Basic)
	require.NoError(t, err)

	carolConv, joinBundle, err := carol.JoinByExternalCommit(welcomeBundle.GroupInfo, testCredential("carol"), credential.Basic, Config{Suite: testSuite})
	require.NoError(t, err)
	require.Equal(t, PendingExternalJoin, carolConv.State)

	// Until the join is merged the group can neither encrypt nor decrypt.
	_, err = carol.Encrypt(groupID, []byte("too early"))
	require.ErrorIs(t, err, ErrExternalJoinNotMerged)

	gib := joinBundle.GroupInfoBundle()
	require.Equal(t, GroupInfoPlaintext, gib.EncryptionType)
	require.Equal(t, RatchetTreeFull, gib.RatchetTreeType)
	require.Equal(t, joinBundle.GroupInfo, gib.Payload)

	carolDrained, err := carol.MergePendingGroupFromExternalCommit(groupID)
	require.NoError(t, err)
	require.Empty(t, carolDrained)
	carolConv, err = carol.Get(groupID)
	require.NoError(t, err)
	require.Equal(t, Active, carolConv.State)
	require.Len(t, carolConv.Members, 3)

	// Existing members learn of Carol by applying her external commit.
	aliceMsgs, err := alice.Decrypt(groupID, joinBundle.Commit)
	require.NoError(t, err)
	require.Len(t, aliceMsgs, 1)
	require.Equal(t, KindCommit, aliceMsgs[0].Kind)
	aliceConv, err := alice.Get(groupID)
	require.NoError(t, err)
	require.Len(t, aliceConv.Members, 3)
	require.Equal(t, carolConv.Epoch, aliceConv.Epoch)

	bobMsgs, err := bob.Decrypt(groupID, joinBundle.Commit)
	require.NoError(t, err)
	require.Len(t, bobMsgs, 1)
	bobConv, err := bob.Get(groupID)
	require.NoError(t, err)
	require.Equal(t, carolConv.Epoch, bobConv.Epoch)
}

func TestBufferingAndRemoval(t *testing.T) {
	groupID := []byte("group-buf")
	alice := newTestEngine(t, "alice")
	bob := newTestEngine(t, "bob")

	_, err := alice.CreateConversation(groupID, testCredential("alice"), credential.Basic, Config{Suite: testSuite, WirePolicy: Ciphertext})
	require.NoError(t, err)
	bobKP, bobPriv := testKeyPackage(t, "bob")
	welcomeBundle, _, err := alice.AddClients(groupID, []InboundKeyPackage{bobKP})
	require.NoError(t, err)
	_, err = alice.CommitAccepted(groupID)
	require.NoError(t, err)
	_, _, err = bob.ProcessWelcome(welcomeBundle.Welcome, bobKP.Ref, bobPriv, credential.Basic)
	require.NoError(t, err)

	// Alice rotates her keying material (epoch 1 -> 2); Bob hasn't seen the
	// commit yet when he receives an application message for the new
	// epoch, so it must be buffered rather than decrypted or rejected.
	updateBundle, err := alice.UpdateKeyingMaterial(groupID)
	require.NoError(t, err)
	_, err = alice.CommitAccepted(groupID)
	require.NoError(t, err)

	futureCiphertext, err := alice.Encrypt(groupID, []byte("epoch2 message"))
	require.NoError(t, err)
	msgs, err := bob.Decrypt(groupID, futureCiphertext)
	require.ErrorIs(t, err, ErrBufferedForFutureEpoch)
	require.Nil(t, msgs)

	// A stale-epoch message (behind Bob's current epoch) must be rejected.
	stale := encodeEnvelope(envelope{Kind: KindApplication, Epoch: 0, Body: []byte("stale")})
	_, err = bob.Decrypt(groupID, stale)
	require.ErrorIs(t, err, ErrStaleEpoch)

	// Once Bob applies Alice's commit, the buffered message drains out
	// alongside the commit notification.
	drained, err := bob.Decrypt(groupID, updateBundle.Commit)
	require.NoError(t, err)
	require.Len(t, drained, 2)
	require.Equal(t, KindCommit, drained[0].Kind)
	require.True(t, drained[0].IsActive)
	require.Equal(t, KindApplication, drained[1].Kind)
	require.Equal(t, []byte("epoch2 message"), drained[1].Plaintext)
	require.True(t, drained[1].Buffered)

	// Alice removes Bob; Bob applying that commit observes IsActive=false.
	removeBundle, err := alice.RemoveClients(groupID, [][]byte{[]byte("bob")})
	require.NoError(t, err)
	_, err = alice.CommitAccepted(groupID)
	require.NoError(t, err)

	bobMsgs, err := bob.Decrypt(groupID, removeBundle.Commit)
	require.NoError(t, err)
	require.Len(t, bobMsgs, 1)
	require.False(t, bobMsgs[0].IsActive)
}
