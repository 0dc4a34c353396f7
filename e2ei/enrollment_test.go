// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package e2ei

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corecrypto/engine/ciphersuite"
	"github.com/corecrypto/engine/keystore"
)

func testSuite() ciphersuite.ID { return ciphersuite.MLS10128DHKEMX25519AES128GCMSHA256Ed25519 }

func newTestEnrollment(t *testing.T) *Enrollment {
	t.Helper()
	e, err := New(Identity{ClientID: "alice@wire.com", Handle: "alice", DisplayName: "Alice"}, testSuite(), 30*24*time.Hour, rand.Read)
	require.NoError(t, err)
	return e
}

func TestNewRejectsEmptyClientID(t *testing.T) {
	_, err := New(Identity{}, testSuite(), time.Hour, rand.Read)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNewRejectsNonPositiveExpiry(t *testing.T) {
	_, err := New(Identity{ClientID: "x"}, testSuite(), 0, rand.Read)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestStashPopRoundTrip(t *testing.T) {
	ks, err := keystore.Open(filepath.Join(t.TempDir(), "ks.db"), []byte("test-master-key"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ks.Close() })

	e := newTestEnrollment(t)
	require.NoError(t, e.IngestDirectoryResponse("https://acme.example/directory", []byte(`{
		"newNonce":"https://acme.example/new-nonce",
		"newAccount":"https://acme.example/new-account",
		"newOrder":"https://acme.example/new-order"
	}`)))

	handle, err := e.Stash(ks)
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	restored, err := StashPop(ks, handle)
	require.NoError(t, err)
	require.Equal(t, e.Identity, restored.Identity)
	require.Equal(t, e.Purpose, restored.Purpose)
	require.Equal(t, e.Ciphersuite, restored.Ciphersuite)
	require.Equal(t, e.Expiry, restored.Expiry)
	require.Equal(t, e.State, restored.State)
	require.Equal(t, e.acme, restored.acme)
	require.Equal(t, e.SignaturePublicKey, restored.SignaturePublicKey)
	require.Equal(t, e.SignaturePrivateKey, restored.SignaturePrivateKey)

	// a handle is single-use
	_, err = StashPop(ks, handle)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStashPopPreservesCertChainAndValidity(t *testing.T) {
	ks, err := keystore.Open(filepath.Join(t.TempDir(), "ks.db"), []byte("test-master-key"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ks.Close() })

	e := newTestEnrollment(t)
	e.State = CertificateIssued
	e.CertChain = [][]byte{{0x01, 0x02, 0x03}}
	e.NotBefore = time.Now().Add(-time.Hour).Truncate(time.Second).UTC()
	e.NotAfter = time.Now().Add(30 * 24 * time.Hour).Truncate(time.Second).UTC()

	handle, err := e.Stash(ks)
	require.NoError(t, err)
	restored, err := StashPop(ks, handle)
	require.NoError(t, err)

	require.Equal(t, e.CertChain, restored.CertChain)
	require.True(t, e.NotBefore.Equal(restored.NotBefore))
	require.True(t, e.NotAfter.Equal(restored.NotAfter))
}

// selfSignedLeaf produces a minimal self-signed certificate PEM bound to
// pub, standing in for the CA's issued leaf in IngestCertificateResponse.
func selfSignedLeaf(t *testing.T, pub ed25519.PublicKey, priv ed25519.PrivateKey) []byte {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "alice@wire.com"},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// TestFullACMEWalk drives an Enrollment through every order state against
// hand-built fake CA responses, mirroring how the host would actually
// sequence Build*/Ingest* calls around real HTTP round trips.
func TestFullACMEWalk(t *testing.T) {
	e := newTestEnrollment(t)
	require.Equal(t, Created, e.State)

	require.NoError(t, e.IngestDirectoryResponse("https://acme.example/directory", []byte(`{
		"newNonce":"https://acme.example/new-nonce",
		"newAccount":"https://acme.example/new-account",
		"newOrder":"https://acme.example/new-order"
	}`)))
	require.Equal(t, DirectoryKnown, e.State)
	require.Equal(t, "https://acme.example/directory", e.DirectoryURL())

	_, err := e.BuildAccountRequest("nonce-1", []string{"mailto:alice@wire.com"})
	require.NoError(t, err)
	require.NoError(t, e.IngestAccountResponse("https://acme.example/account/1", []byte(`{"status":"valid"}`)))
	require.Equal(t, AccountCreated, e.State)

	_, err = e.BuildOrderRequest("nonce-2")
	require.NoError(t, err)
	require.NoError(t, e.IngestOrderResponse("https://acme.example/order/1", []byte(`{
		"status":"pending",
		"authorizations":["https://acme.example/authz/1"],
		"finalize":"https://acme.example/order/1/finalize"
	}`)))
	require.Equal(t, OrderCreated, e.State)
	require.Equal(t, "https://acme.example/order/1", e.OrderURL())

	_, err = e.BuildAuthzRequest("nonce-3", "https://acme.example/authz/1")
	require.NoError(t, err)
	require.NoError(t, e.IngestAuthzResponse("https://acme.example/authz/1", []byte(`{
		"status":"pending",
		"challenges":[
			{"type":"wire-dpop-01","url":"https://acme.example/challenge/dpop","token":"tok-dpop"},
			{"type":"wire-oidc-01","url":"https://acme.example/challenge/oidc","token":"tok-oidc"}
		]
	}`)))
	require.Equal(t, AuthzFetched, e.State)

	dpopURL, dpopTok, err := e.ChallengeFor("wire-dpop-01")
	require.NoError(t, err)
	require.Equal(t, "https://acme.example/challenge/dpop", dpopURL)
	require.Equal(t, "tok-dpop", dpopTok)

	dpopJWT, err := e.BuildDPoPToken("backend-nonce", time.Now().Add(5*time.Minute))
	require.NoError(t, err)
	require.NotEmpty(t, dpopJWT)

	_, err = e.BuildDpopChallengeRequest("nonce-4", dpopURL, "access-token-xyz")
	require.NoError(t, err)
	require.NoError(t, e.IngestDpopChallengeResponse([]byte(`{"status":"valid"}`)))
	require.Equal(t, DpopChallengePosted, e.State)

	oidcURL, _, err := e.ChallengeFor("wire-oidc-01")
	require.NoError(t, err)

	_, err = e.BuildOidcChallengeRequest("nonce-5", oidcURL, "id-token-abc")
	require.NoError(t, err)
	require.NoError(t, e.IngestOidcChallengeResponse([]byte(`{"status":"valid"}`)))
	require.Equal(t, OidcChallengePosted, e.State)

	_, err = e.BuildOrderStatusRequest("nonce-6")
	require.NoError(t, err)
	require.NoError(t, e.IngestOrderStatusResponse([]byte(`{
		"status":"ready",
		"authorizations":["https://acme.example/authz/1"],
		"finalize":"https://acme.example/order/1/finalize"
	}`)))
	require.Equal(t, OrderValid, e.State)

	_, err = e.BuildFinalizeRequest("nonce-7", []byte{0xde, 0xad, 0xbe, 0xef})
	require.NoError(t, err)
	require.NoError(t, e.IngestFinalizeResponse([]byte(`{
		"status":"valid",
		"authorizations":["https://acme.example/authz/1"],
		"finalize":"https://acme.example/order/1/finalize",
		"certificate":"https://acme.example/certificate/1"
	}`)))
	require.Equal(t, Finalized, e.State)

	_, err = e.BuildCertificateRequest("nonce-8")
	require.NoError(t, err)

	leafPEM := selfSignedLeaf(t, e.SignaturePublicKey, e.SignaturePrivateKey)
	certJSON, err := json.Marshal(certificateResponse{Certificate: string(leafPEM)})
	require.NoError(t, err)
	require.NoError(t, e.IngestCertificateResponse(certJSON))
	require.Equal(t, CertificateIssued, e.State)
	require.Len(t, e.CertChain, 1)
	require.False(t, e.NotAfter.Before(e.NotBefore))
}
