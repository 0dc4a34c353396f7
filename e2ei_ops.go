// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package corecrypto

import (
	"crypto/x509"
	"errors"
	"time"

	"github.com/corecrypto/engine/ciphersuite"
	"github.com/corecrypto/engine/credential"
	"github.com/corecrypto/engine/e2ei"
	"github.com/corecrypto/engine/mls"
	"github.com/corecrypto/engine/rotation"
)

// E2EINewEnrollment creates a first-time enrollment. The returned
// Enrollment is an outstanding child handle: Close fails with
// KeystoreLocked until it is consumed (E2EIMLSInitOnly / E2EIRotateAll) or
// stashed.
func (i *Instance) E2EINewEnrollment(id e2ei.Identity, expiry time.Duration) (*e2ei.Enrollment, error) {
	return i.newEnrollment(e2ei.New, id, expiry)
}

// E2EINewActivationEnrollment creates an enrollment upgrading a
// Basic-credential client to X.509.
func (i *Instance) E2EINewActivationEnrollment(id e2ei.Identity, expiry time.Duration) (*e2ei.Enrollment, error) {
	return i.newEnrollment(e2ei.NewActivation, id, expiry)
}

// E2EINewRotateEnrollment creates an enrollment renewing an existing X.509
// credential, consumed by E2EIRotateAll.
func (i *Instance) E2EINewRotateEnrollment(id e2ei.Identity, expiry time.Duration) (*e2ei.Enrollment, error) {
	return i.newEnrollment(e2ei.NewRotate, id, expiry)
}

type enrollmentFactory func(e2ei.Identity, ciphersuite.ID, time.Duration, func([]byte) (int, error)) (*e2ei.Enrollment, error)

func (i *Instance) newEnrollment(factory enrollmentFactory, id e2ei.Identity, expiry time.Duration) (*e2ei.Enrollment, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.checkLocked(); err != nil {
		return nil, err
	}
	enr, err := factory(id, i.cfg.defaultCiphersuite, expiry, i.rng.Read)
	if err != nil {
		return nil, Wrap(KindInvalidArgument, "creating enrollment", err)
	}
	i.ks.Acquire()
	i.enrollments[enr] = struct{}{}
	return enr, nil
}

// releaseEnrollmentLocked drops an enrollment from the arena and releases
// its keystore child handle. Unknown enrollments (e.g. created on another
// Instance) are ignored.
func (i *Instance) releaseEnrollmentLocked(enr *e2ei.Enrollment) {
	if _, ok := i.enrollments[enr]; ok {
		delete(i.enrollments, enr)
		i.ks.Release()
	}
}

// E2EIStash serializes the enrollment into the keystore and returns an
// opaque handle; the enrollment stops counting as an outstanding child, so
// the Instance can close across an OAuth redirect.
func (i *Instance) E2EIStash(enr *e2ei.Enrollment) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.checkLocked(); err != nil {
		return "", err
	}
	handle, err := enr.Stash(i.ks)
	if err != nil {
		return "", Wrap(KindInternal, "stashing enrollment", err)
	}
	i.releaseEnrollmentLocked(enr)
	return handle, nil
}

// E2EIStashPop restores a stashed enrollment by handle, deleting the stash
// and re-registering the enrollment as an outstanding child handle.
func (i *Instance) E2EIStashPop(handle string) (*e2ei.Enrollment, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.checkLocked(); err != nil {
		return nil, err
	}
	enr, err := e2ei.StashPop(i.ks, handle)
	if err != nil {
		return nil, Wrap(KindNotFound, "popping stashed enrollment", err)
	}
	i.ks.Acquire()
	i.enrollments[enr] = struct{}{}
	return enr, nil
}

// E2EIMLSInitOnly consumes a completed initial or activation enrollment:
// it validates certChain, installs the resulting X.509 credential as the
// active credential for the enrollment's ciphersuite, and mints
// newKeyPackageCount KeyPackages bound to it. No per-conversation commits
// are produced; that is E2EIRotateAll's job. Returns the CRL Distribution
// Points newly referenced by the chain.
func (i *Instance) E2EIMLSInitOnly(enr *e2ei.Enrollment, certChain [][]byte, newKeyPackageCount int) ([]string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.checkLocked(); err != nil {
		return nil, err
	}
	if enr.State != e2ei.CertificateIssued {
		return nil, New(KindInvalidArgument, "enrollment has not been issued a certificate")
	}
	if i.keyPkgs == nil {
		return nil, New(KindInvalidArgument, "no client id bound; call UpgradeClientID first")
	}

	parsed := make([]*x509.Certificate, 0, len(certChain))
	for _, der := range certChain {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, Wrap(KindCertificateChainIncomplete, "parsing certificate chain", err)
		}
		parsed = append(parsed, cert)
	}
	newDPs, err := i.registry.ValidateChain(parsed, time.Now())
	if err != nil {
		return nil, wrapCertError(err)
	}

	cred := &credential.Credential{
		Type:                credential.X509,
		Ciphersuite:         enr.Ciphersuite,
		SignaturePublicKey:  []byte(enr.SignaturePublicKey),
		SignaturePrivateKey: []byte(enr.SignaturePrivateKey),
		CertChain:           certChain,
		NotBefore:           parsed[0].NotBefore,
		NotAfter:            parsed[0].NotAfter,
	}
	if err := i.creds.Install(cred); err != nil {
		return nil, Wrap(KindInternal, "installing credential", err)
	}
	if newKeyPackageCount > 0 {
		if _, err := i.keyPkgs.GenerateN(enr.Ciphersuite, credential.X509, newKeyPackageCount); err != nil {
			return nil, Wrap(KindInternal, "generating keypackages", err)
		}
	}
	i.releaseEnrollmentLocked(enr)
	return newDPs, nil
}

// E2EIRotateAll consumes a completed rotate enrollment, applying the new
// credential across every local conversation and minting replacement
// KeyPackages. The caller must subsequently acknowledge each
// conversation's commit via CommitAccepted.
func (i *Instance) E2EIRotateAll(enr *e2ei.Enrollment, certChain [][]byte, newKeyPackageCount int) (*rotation.RotateBundle, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.checkLocked(); err != nil {
		return nil, err
	}
	if i.rotator == nil {
		return nil, New(KindInvalidArgument, "no client id bound; call UpgradeClientID first")
	}
	bundle, err := i.rotator.RotateAll(enr, certChain, newKeyPackageCount)
	if err != nil {
		return nil, wrapCertError(err)
	}
	i.releaseEnrollmentLocked(enr)
	return bundle, nil
}

// GetDeviceIdentities returns the WireIdentity of each requested client in
// the conversation, reflecting current trust state (an identity whose
// serial has since been revoked reports StatusRevoked).
func (i *Instance) GetDeviceIdentities(groupID []byte, clientIDs [][]byte) ([]*credential.WireIdentity, error) {
	conv, err := i.conversation(groupID)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(clientIDs))
	for _, id := range clientIDs {
		wanted[string(id)] = true
	}
	var out []*credential.WireIdentity
	for _, m := range conv.Members {
		if len(wanted) > 0 && !wanted[string(m.ClientID)] {
			continue
		}
		if m.Credential.Type != credential.X509 || len(m.Credential.CertChain) == 0 {
			continue
		}
		leaf, err := x509.ParseCertificate(m.Credential.CertChain[0])
		if err != nil {
			return nil, Wrap(KindCertificateChainIncomplete, "parsing member leaf certificate", err)
		}
		id, err := i.registry.ExtractIdentity(leaf)
		if err != nil {
			return nil, Wrap(KindInternal, "extracting identity", err)
		}
		out = append(out, id)
	}
	return out, nil
}

// E2EIConversationState reports whether every member of the conversation
// carries a currently valid X.509 identity: NotEnabled when no
// member presents one, NotVerified when any member lacks an X.509
// credential or any presented identity fails validation, Verified
// otherwise.
func (i *Instance) E2EIConversationState(groupID []byte) (E2eiConversationState, error) {
	conv, err := i.conversation(groupID)
	if err != nil {
		return 0, err
	}
	sawX509 := false
	allValid := true
	now := time.Now()
	for _, m := range conv.Members {
		if m.Credential.Type != credential.X509 || len(m.Credential.CertChain) == 0 {
			allValid = false
			continue
		}
		sawX509 = true
		parsed := make([]*x509.Certificate, 0, len(m.Credential.CertChain))
		ok := true
		for _, der := range m.Credential.CertChain {
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				ok = false
				break
			}
			parsed = append(parsed, cert)
		}
		if !ok {
			allValid = false
			continue
		}
		if _, err := i.registry.ValidateChain(parsed, now); err != nil {
			allValid = false
			continue
		}
		id, err := i.registry.ExtractIdentity(parsed[0])
		if err != nil || id.Status != credential.StatusValid {
			allValid = false
		}
	}
	switch {
	case !sawX509:
		return E2eiNotEnabled, nil
	case !allValid:
		return E2eiNotVerified, nil
	default:
		return E2eiVerified, nil
	}
}

func (i *Instance) conversation(groupID []byte) (*mls.Conversation, error) {
	i.mu.Lock()
	engine := i.conversations
	i.mu.Unlock()
	if engine == nil {
		return nil, New(KindInvalidArgument, "no client id bound; call UpgradeClientID first")
	}
	conv, err := engine.Get(groupID)
	if err != nil {
		return nil, Wrap(KindNotFound, "conversation not found", err)
	}
	return conv, nil
}

func wrapCertError(err error) error {
	switch {
	case errors.Is(err, credential.ErrChainIncomplete):
		return Wrap(KindCertificateChainIncomplete, "certificate chain incomplete", err)
	case errors.Is(err, credential.ErrRevoked):
		return Wrap(KindCertificateRevoked, "certificate revoked", err)
	case errors.Is(err, credential.ErrExpired):
		return Wrap(KindCertificateExpired, "certificate expired", err)
	case errors.Is(err, credential.ErrUnknownCA):
		return Wrap(KindCertificateUnknownCA, "unknown certificate authority", err)
	default:
		return Wrap(KindInternal, "certificate validation", err)
	}
}
