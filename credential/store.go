// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package credential

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/corecrypto/engine/ciphersuite"
	"github.com/corecrypto/engine/keystore"
)

// ErrNoActiveCredential is returned by Lookup when no Credential has been
// installed for the requested Index.
var ErrNoActiveCredential = errors.New("credential: no active credential for index")

// Store is the active-Credential half of C3: at most one Credential is
// active per (ciphersuite, Type) Index, mirrored to the keystore at every
// mutation. It is distinct from Registry's trust-chain/CRL material, which
// is CA-level state shared across every Credential rather than one
// Instance's own signing identity.
type Store struct {
	mu    sync.RWMutex
	ks    *keystore.Keystore
	creds map[Index]*Credential
}

type storeRecord struct {
	Type                Type
	Ciphersuite         uint16
	SignaturePublicKey  []byte
	SignaturePrivateKey []byte
	CertChain           [][]byte
	NotBeforeUnix       int64
	NotAfterUnix        int64
}

// NewStore constructs a Store, loading any previously installed
// Credentials from ks.
func NewStore(ks *keystore.Keystore) (*Store, error) {
	s := &Store{ks: ks, creds: make(map[Index]*Credential)}
	err := ks.View(func(tx *keystore.Tx) error {
		keys, err := tx.ListKeys(keystore.Credential)
		if err != nil {
			return err
		}
		for _, k := range keys {
			var rec storeRecord
			if err := tx.Get(keystore.Credential, k, &rec); err != nil {
				return err
			}
			idx, cred := fromStoreRecord(rec)
			s.creds[idx] = cred
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("credential: loading store: %w", err)
	}
	return s, nil
}

// Install sets cred as the active Credential for its (Ciphersuite, Type)
// Index, replacing whatever Credential previously occupied that slot.
func (s *Store) Install(cred *Credential) error {
	idx := Index{Ciphersuite: cred.Ciphersuite, Type: cred.Type}
	rec := toStoreRecord(cred)
	if err := s.ks.Transact(func(tx *keystore.Tx) error {
		return tx.Put(keystore.Credential, indexKey(idx), rec)
	}); err != nil {
		return fmt.Errorf("credential: installing credential: %w", err)
	}
	s.mu.Lock()
	s.creds[idx] = cred
	s.mu.Unlock()
	return nil
}

// Lookup satisfies keypackage.CredentialLookup: it resolves the active
// Credential for idx, or ErrNoActiveCredential if none has been installed.
func (s *Store) Lookup(idx Index) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[idx]
	if !ok {
		return nil, ErrNoActiveCredential
	}
	return cred, nil
}

// Active reports the currently installed Credential for idx and whether
// one exists, without the error-returning ceremony Lookup needs to satisfy
// the CredentialLookup function type.
func (s *Store) Active(idx Index) (*Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[idx]
	return cred, ok
}

func indexKey(idx Index) []byte {
	key := make([]byte, 3)
	binary.BigEndian.PutUint16(key, uint16(idx.Ciphersuite))
	key[2] = byte(idx.Type)
	return key
}

func toStoreRecord(cred *Credential) storeRecord {
	return storeRecord{
		Type: cred.Type, Ciphersuite: uint16(cred.Ciphersuite),
		SignaturePublicKey: cred.SignaturePublicKey, SignaturePrivateKey: cred.SignaturePrivateKey,
		CertChain:     cred.CertChain,
		NotBeforeUnix: cred.NotBefore.Unix(), NotAfterUnix: cred.NotAfter.Unix(),
	}
}

func fromStoreRecord(rec storeRecord) (Index, *Credential) {
	cred := &Credential{
		Type: rec.Type, Ciphersuite: ciphersuite.ID(rec.Ciphersuite),
		SignaturePublicKey: rec.SignaturePublicKey, SignaturePrivateKey: rec.SignaturePrivateKey,
		CertChain: rec.CertChain,
		NotBefore: time.Unix(rec.NotBeforeUnix, 0).UTC(), NotAfter: time.Unix(rec.NotAfterUnix, 0).UTC(),
	}
	return Index{Ciphersuite: cred.Ciphersuite, Type: cred.Type}, cred
}
