// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package e2ei

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/corecrypto/engine/ciphersuite"
	"github.com/corecrypto/engine/keystore"
)

// stashRecord is the CBOR-serializable persisted shape of an Enrollment.
// Unlike the deterministic blake3-derived refs (treehash.Ref) used for
// proposals and KeyPackages, the stash handle itself must be an opaque, unguessable,
// non-deterministic token, since it
// survives an OAuth redirect through the host's UI layer.
type stashRecord struct {
	Purpose             Purpose
	Identity            Identity
	Ciphersuite         ciphersuite.ID
	ExpiryNanoseconds   int64
	SignaturePublicKey  []byte
	SignaturePrivateKey []byte
	State               State
	Acme                acmeProgress
	CertChain           [][]byte
	NotBefore           time.Time
	NotAfter            time.Time
}

// Stash serializes e into ks under a fresh opaque handle and returns it,
// used when OAuth requires a page redirect that would otherwise lose the
// in-memory enrollment.
func (e *Enrollment) Stash(ks *keystore.Keystore) (string, error) {
	handle := uuid.NewString()
	rec := stashRecord{
		Purpose: e.Purpose, Identity: e.Identity, Ciphersuite: e.Ciphersuite,
		ExpiryNanoseconds:   int64(e.Expiry),
		SignaturePublicKey:  e.SignaturePublicKey,
		SignaturePrivateKey: e.SignaturePrivateKey,
		State:               e.State,
		Acme:                e.acme,
		CertChain:           e.CertChain,
		NotBefore:           e.NotBefore,
		NotAfter:            e.NotAfter,
	}
	if err := ks.Transact(func(tx *keystore.Tx) error {
		return tx.Put(keystore.PendingEnrollment, []byte(handle), rec)
	}); err != nil {
		return "", fmt.Errorf("e2ei: stashing enrollment: %w", err)
	}
	return handle, nil
}

// StashPop restores the enrollment stashed under handle and deletes the
// stash record, so a handle is consumed exactly once.
func StashPop(ks *keystore.Keystore, handle string) (*Enrollment, error) {
	var rec stashRecord
	err := ks.Transact(func(tx *keystore.Tx) error {
		if err := tx.Get(keystore.PendingEnrollment, []byte(handle), &rec); err != nil {
			if err == keystore.ErrNotFound {
				return ErrNotFound
			}
			return err
		}
		return tx.Delete(keystore.PendingEnrollment, []byte(handle))
	})
	if err != nil {
		return nil, err
	}
	return &Enrollment{
		Purpose: rec.Purpose, Identity: rec.Identity,
		Ciphersuite:         rec.Ciphersuite,
		Expiry:              time.Duration(rec.ExpiryNanoseconds),
		SignaturePublicKey:  rec.SignaturePublicKey,
		SignaturePrivateKey: rec.SignaturePrivateKey,
		State:               rec.State,
		acme:                rec.Acme,
		CertChain:           rec.CertChain,
		NotBefore:           rec.NotBefore,
		NotAfter:            rec.NotAfter,
	}, nil
}
