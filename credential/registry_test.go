// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package credential

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testChain struct {
	anchor       *x509.Certificate
	intermediate *x509.Certificate
	leaf         *x509.Certificate
}

func buildTestChain(t *testing.T, dp string) testChain {
	t.Helper()

	anchorPub, anchorPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	anchorTpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "corecrypto root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		SubjectKeyId:          []byte{0x01},
	}
	anchorDER, err := x509.CreateCertificate(rand.Reader, anchorTpl, anchorTpl, anchorPub, anchorPriv)
	require.NoError(t, err)
	anchor, err := x509.ParseCertificate(anchorDER)
	require.NoError(t, err)

	intPub, intPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	intTpl := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "corecrypto intermediate"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:               time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		SubjectKeyId:          []byte{0x02},
		AuthorityKeyId:        anchor.SubjectKeyId,
	}
	intDER, err := x509.CreateCertificate(rand.Reader, intTpl, anchor, intPub, anchorPriv)
	require.NoError(t, err)
	intermediate, err := x509.ParseCertificate(intDER)
	require.NoError(t, err)

	leafPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	imURI, err := url.Parse("im:wireapp=%40alice@wire.example.com/abcd1234")
	require.NoError(t, err)
	leafTpl := &x509.Certificate{
		SerialNumber:          big.NewInt(3),
		Subject:               pkix.Name{CommonName: "Alice"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		BasicConstraintsValid: true,
		AuthorityKeyId:        intermediate.SubjectKeyId,
		URIs:                  []*url.URL{imURI},
	}
	if dp != "" {
		leafTpl.CRLDistributionPoints = []string{dp}
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTpl, intermediate, leafPub, intPriv)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(leafDER)
	require.NoError(t, err)

	return testChain{anchor: anchor, intermediate: intermediate, leaf: leaf}
}

func TestValidateChainHappyPath(t *testing.T) {
	c := buildTestChain(t, "")
	r := New()
	r.RegisterAnchor(c.anchor)
	r.RegisterIntermediate(c.intermediate)

	_, err := r.ValidateChain([]*x509.Certificate{c.leaf, c.intermediate}, time.Now())
	require.NoError(t, err)
}

func TestValidateChainMissingIntermediate(t *testing.T) {
	c := buildTestChain(t, "")
	r := New()
	r.RegisterAnchor(c.anchor)

	_, err := r.ValidateChain([]*x509.Certificate{c.leaf}, time.Now())
	require.ErrorIs(t, err, ErrChainIncomplete)
}

func TestValidateChainNoAnchor(t *testing.T) {
	c := buildTestChain(t, "")
	r := New()
	_, err := r.ValidateChain([]*x509.Certificate{c.leaf, c.intermediate}, time.Now())
	require.ErrorIs(t, err, ErrUnknownCA)
}

func TestValidateChainReportsNewDistributionPoints(t *testing.T) {
	const dp = "https://acme.wire.example.com/crl/1"
	c := buildTestChain(t, dp)
	r := New()
	r.RegisterAnchor(c.anchor)
	r.RegisterIntermediate(c.intermediate)

	newDPs, err := r.ValidateChain([]*x509.Certificate{c.leaf, c.intermediate}, time.Now())
	require.NoError(t, err)
	require.Equal(t, []string{dp}, newDPs)
	require.Contains(t, r.PendingDistributionPoints(), dp)
}

func TestRegisterCRLDirtyFlag(t *testing.T) {
	const dp = "https://acme.wire.example.com/crl/1"
	r := New()

	dirty, err := r.RegisterCRL(dp, []*big.Int{big.NewInt(3)}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.True(t, dirty)

	dirty, err = r.RegisterCRL(dp, []*big.Int{big.NewInt(3)}, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	require.False(t, dirty, "same revocation set, only the expiration changed")

	dirty, err = r.RegisterCRL(dp, []*big.Int{big.NewInt(3), big.NewInt(4)}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.True(t, dirty, "revocation set grew")
}

func TestValidateChainRevoked(t *testing.T) {
	const dp = "https://acme.wire.example.com/crl/1"
	c := buildTestChain(t, dp)
	r := New()
	r.RegisterAnchor(c.anchor)
	r.RegisterIntermediate(c.intermediate)
	_, err := r.RegisterCRL(dp, []*big.Int{c.leaf.SerialNumber}, time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = r.ValidateChain([]*x509.Certificate{c.leaf, c.intermediate}, time.Now())
	require.ErrorIs(t, err, ErrRevoked)
}

func TestValidateChainExpiredCRLFailsClosed(t *testing.T) {
	const dp = "https://acme.wire.example.com/crl/1"
	c := buildTestChain(t, dp)
	r := New()
	r.RegisterAnchor(c.anchor)
	r.RegisterIntermediate(c.intermediate)
	_, err := r.RegisterCRL(dp, nil, time.Now().Add(-time.Minute))
	require.NoError(t, err)

	_, err = r.ValidateChain([]*x509.Certificate{c.leaf, c.intermediate}, time.Now())
	require.ErrorIs(t, err, ErrExpired)
}

func TestExtractIdentity(t *testing.T) {
	c := buildTestChain(t, "")
	r := New()
	r.RegisterAnchor(c.anchor)
	r.RegisterIntermediate(c.intermediate)

	id, err := r.ExtractIdentity(c.leaf)
	require.NoError(t, err)
	require.Equal(t, "alice", id.Handle)
	require.Equal(t, "wire.example.com", id.Domain)
	require.Equal(t, "abcd1234", id.ClientID)
	require.Equal(t, "Alice", id.DisplayName)
	require.Equal(t, StatusValid, id.Status)
}
