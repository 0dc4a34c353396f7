// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package rotation implements the Rotation Coordinator (C8): rotate-all
// validates a freshly issued X.509 chain, installs it as the active
// credential for its index, produces an update-commit across every locally
// tracked conversation, and mints replacement KeyPackages bound to the new
// credential.
package rotation

import (
	"crypto/x509"
	"fmt"
	"time"

	"github.com/corecrypto/engine/credential"
	"github.com/corecrypto/engine/e2ei"
	"github.com/corecrypto/engine/keypackage"
	"github.com/corecrypto/engine/mls"
)

// RotateBundle is the fan-out result of RotateAll.
type RotateBundle struct {
	// ConvCommits maps each locally tracked conversation's group id
	// (as a raw byte string, since []byte cannot key a Go map) to the
	// update-commit bundle produced for it.
	ConvCommits map[string]*mls.CommitBundle

	NewKeyPackages []*keypackage.KeyPackage
	DeprecatedRefs [][16]byte

	// NewCRLDistributionPoints are the Distribution Points newly
	// referenced by certChain that the credential Registry had not yet
	// seen.
	NewCRLDistributionPoints []string
}

// Coordinator wires together the pieces RotateAll needs: the credential
// Registry for chain validation, the active-Credential Store to install
// the result into, the Engine whose conversations get update-commits, and
// the KeyPackage Manager that mints replacements.
type Coordinator struct {
	registry *credential.Registry
	store    *credential.Store
	engine   *mls.Engine
	keyPkgs  *keypackage.Manager
}

// New constructs a Coordinator.
func New(registry *credential.Registry, store *credential.Store, engine *mls.Engine, keyPkgs *keypackage.Manager) *Coordinator {
	return &Coordinator{registry: registry, store: store, engine: engine, keyPkgs: keyPkgs}
}

// RotateAll validates certChain via C3,
// installs the resulting X.509 Credential, produces an update-commit per
// locally tracked conversation (transitioning each into PendingCommit), and
// generates newKeyPackageCount fresh KeyPackages bound to the new
// credential.
func (c *Coordinator) RotateAll(enr *e2ei.Enrollment, certChain [][]byte, newKeyPackageCount int) (*RotateBundle, error) {
	if enr.State != e2ei.CertificateIssued {
		return nil, fmt.Errorf("rotation: enrollment must be CertificateIssued, got %s", enr.State)
	}
	if len(certChain) == 0 {
		return nil, fmt.Errorf("rotation: empty certificate chain")
	}
	parsed := make([]*x509.Certificate, 0, len(certChain))
	for _, der := range certChain {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("rotation: parsing certificate chain: %w", err)
		}
		parsed = append(parsed, cert)
	}

	newDPs, err := c.registry.ValidateChain(parsed, time.Now())
	if err != nil {
		return nil, fmt.Errorf("rotation: validating rotated chain: %w", err)
	}

	newCred := &credential.Credential{
		Type:                credential.X509,
		Ciphersuite:         enr.Ciphersuite,
		SignaturePublicKey:  []byte(enr.SignaturePublicKey),
		SignaturePrivateKey: []byte(enr.SignaturePrivateKey),
		CertChain:           certChain,
		NotBefore:           parsed[0].NotBefore,
		NotAfter:            parsed[0].NotAfter,
	}

	deprecated, err := c.keyPkgs.RefsFor(enr.Ciphersuite, credential.X509)
	if err != nil {
		return nil, fmt.Errorf("rotation: listing deprecated keypackages: %w", err)
	}

	if err := c.store.Install(newCred); err != nil {
		return nil, err
	}

	commits := make(map[string]*mls.CommitBundle)
	for _, groupID := range c.engine.GroupIDs() {
		bundle, err := c.engine.UpdateSelfCredential(groupID, *newCred)
		if err != nil {
			return nil, fmt.Errorf("rotation: committing new credential to group %x: %w", groupID, err)
		}
		commits[string(groupID)] = bundle
	}

	var newKPs []*keypackage.KeyPackage
	if newKeyPackageCount > 0 {
		newKPs, err = c.keyPkgs.GenerateN(enr.Ciphersuite, credential.X509, newKeyPackageCount)
		if err != nil {
			return nil, fmt.Errorf("rotation: generating replacement keypackages: %w", err)
		}
	}

	return &RotateBundle{
		ConvCommits:              commits,
		NewKeyPackages:           newKPs,
		DeprecatedRefs:           deprecated,
		NewCRLDistributionPoints: newDPs,
	}, nil
}
