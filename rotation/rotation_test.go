// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package rotation

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corecrypto/engine/ciphersuite"
	"github.com/corecrypto/engine/credential"
	"github.com/corecrypto/engine/e2ei"
	"github.com/corecrypto/engine/keypackage"
	"github.com/corecrypto/engine/keystore"
	"github.com/corecrypto/engine/mls"
	"github.com/corecrypto/engine/prng"
)

const testSuite = ciphersuite.MLS10128DHKEMX25519AES128GCMSHA256Ed25519

// issueChain builds a minimal two-certificate chain, a self-signed anchor
// and a leaf for leafPub signed by the anchor, registers the anchor, and
// returns the DER chain leaf first.
func issueChain(t *testing.T, registry *credential.Registry, leafPub ed25519.PublicKey, leafPriv ed25519.PrivateKey) [][]byte {
	t.Helper()
	anchorPub, anchorPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	anchorTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-anchor"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	anchorDER, err := x509.CreateCertificate(rand.Reader, anchorTmpl, anchorTmpl, anchorPub, anchorPriv)
	require.NoError(t, err)
	anchor, err := x509.ParseCertificate(anchorDER)
	require.NoError(t, err)
	registry.RegisterAnchor(anchor)

	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "alice@wire.com"},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, anchorTmpl, leafPub, anchorPriv)
	require.NoError(t, err)

	return [][]byte{leafDER, anchorDER}
}

func newTestManagerAndStore(t *testing.T) (*keypackage.Manager, *credential.Store, *keystore.Keystore) {
	t.Helper()
	ks, err := keystore.Open(filepath.Join(t.TempDir(), "ks.db"), []byte("test-master-key"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ks.Close() })

	store, err := credential.NewStore(ks)
	require.NoError(t, err)

	r, err := prng.New(nil)
	require.NoError(t, err)

	mgr := keypackage.New(ks, r, store.Lookup, nil)
	return mgr, store, ks
}

func TestRotateAllProducesCommitsAndKeyPackages(t *testing.T) {
	mgr, store, ks := newTestManagerAndStore(t)
	registry := credential.New()
	engine := mls.NewEngine(ks, registry, nil, []byte("alice"))

	groupID := []byte("group-1")
	groupID2 := []byte("group-2")
	basicCred := &credential.Credential{Type: credential.Basic, Ciphersuite: testSuite, SignaturePublicKey: []byte("alice-sigkey")}
	_, err := engine.CreateConversation(groupID, basicCred, credential.Basic, mls.Config{Suite: testSuite, WirePolicy: mls.Ciphertext})
	require.NoError(t, err)
	_, err = engine.CreateConversation(groupID2, basicCred, credential.Basic, mls.Config{Suite: testSuite, WirePolicy: mls.Ciphertext})
	require.NoError(t, err)

	enr, err := e2ei.New(e2ei.Identity{ClientID: "alice@wire.com"}, testSuite, 30*24*time.Hour, rand.Read)
	require.NoError(t, err)
	chain := issueChain(t, registry, enr.SignaturePublicKey, enr.SignaturePrivateKey)
	enr.State = e2ei.CertificateIssued
	enr.CertChain = chain

	coord := New(registry, store, engine, mgr)
	bundle, err := coord.RotateAll(enr, chain, 2)
	require.NoError(t, err)

	require.Len(t, bundle.ConvCommits, 2)
	require.Contains(t, bundle.ConvCommits, string(groupID))
	require.Contains(t, bundle.ConvCommits, string(groupID2))
	require.NotEmpty(t, bundle.ConvCommits[string(groupID)].Commit)
	require.NotEmpty(t, bundle.ConvCommits[string(groupID2)].Commit)
	require.Len(t, bundle.NewKeyPackages, 2)
	require.Empty(t, bundle.DeprecatedRefs) // no X.509 keypackages existed before rotation

	installed, ok := store.Active(credential.Index{Ciphersuite: testSuite, Type: credential.X509})
	require.True(t, ok)
	require.Equal(t, chain, installed.CertChain)

	conv, err := engine.Get(groupID)
	require.NoError(t, err)
	require.Equal(t, mls.PendingCommit, conv.State)
}

func TestRotateAllRejectsUnknownAnchor(t *testing.T) {
	mgr, store, ks := newTestManagerAndStore(t)
	registry := credential.New() // no anchor registered
	engine := mls.NewEngine(ks, registry, nil, []byte("alice"))

	enr, err := e2ei.New(e2ei.Identity{ClientID: "alice@wire.com"}, testSuite, 30*24*time.Hour, rand.Read)
	require.NoError(t, err)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{SerialNumber: big.NewInt(1), NotBefore: time.Now(), NotAfter: time.Now().Add(time.Hour)}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	require.NoError(t, err)
	enr.State = e2ei.CertificateIssued

	coord := New(registry, store, engine, mgr)
	_, err = coord.RotateAll(enr, [][]byte{der}, 1)
	require.Error(t, err)
}

func TestRotateAllRejectsEnrollmentNotIssued(t *testing.T) {
	mgr, store, ks := newTestManagerAndStore(t)
	registry := credential.New()
	engine := mls.NewEngine(ks, registry, nil, []byte("alice"))
	coord := New(registry, store, engine, mgr)

	enr, err := e2ei.New(e2ei.Identity{ClientID: "alice@wire.com"}, testSuite, 30*24*time.Hour, rand.Read)
	require.NoError(t, err)

	_, err = coord.RotateAll(enr, [][]byte{{0x01}}, 1)
	require.Error(t, err)
}
