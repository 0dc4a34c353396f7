// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package keystore implements the engine's encrypted, transactional
// key-value persistence layer (C1). Records of a small closed set of types
// are CBOR-marshaled then sealed under a master key before being written to
// a single-file embedded database (bbolt), so the whole backing store is a
// single encrypted file with no sidecar state.
package keystore

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// RecordType is the closed set of record kinds the keystore persists.
type RecordType string

const (
	Credential       RecordType = "credential"
	KeyPackage       RecordType = "keypackage"
	Group            RecordType = "group"
	ProteusSession   RecordType = "proteus_session"
	ProteusPrekey    RecordType = "proteus_prekey"
	PendingEnrollment RecordType = "pending_enrollment"
	TrustAnchor      RecordType = "trust_anchor"
	Intermediate     RecordType = "intermediate"
	CRL              RecordType = "crl"
)

var allRecordTypes = []RecordType{
	Credential, KeyPackage, Group, ProteusSession, ProteusPrekey,
	PendingEnrollment, TrustAnchor, Intermediate, CRL,
}

var (
	ErrLocked    = errors.New("keystore: locked: outstanding child handles")
	ErrNotFound  = errors.New("keystore: record not found")
	ErrCorrupted = errors.New("keystore: corrupted: authentication failed")
)

const metaBucket = "_meta"
const saltKey = "salt"

// Keystore is a transactional, encrypted key-value store.
type Keystore struct {
	db          *bbolt.DB
	aead        cipher.AEAD
	openHandles atomic.Int64
	path        string
}

// Open opens (creating if necessary) an encrypted keystore at path, sealing
// records under a key derived from masterKey.
func Open(path string, masterKey []byte) (*Keystore, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("keystore: opening %s: %w", path, err)
	}

	ks := &Keystore{db: db, path: path}

	var salt []byte
	err = db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		if err != nil {
			return err
		}
		for _, rt := range allRecordTypes {
			if _, err := tx.CreateBucketIfNotExists([]byte(rt)); err != nil {
				return err
			}
		}
		salt = meta.Get([]byte(saltKey))
		if salt == nil {
			salt = make([]byte, 32)
			if _, err := randRead(salt); err != nil {
				return err
			}
			if err := meta.Put([]byte(saltKey), salt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("keystore: initializing: %w", err)
	}

	aead, err := deriveAEAD(masterKey, salt)
	if err != nil {
		db.Close()
		return nil, err
	}
	ks.aead = aead
	return ks, nil
}

func deriveAEAD(masterKey, salt []byte) (cipher.AEAD, error) {
	kdf := hkdf.New(sha256.New, masterKey, salt, []byte("corecrypto-keystore-v1"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := kdf.Read(key); err != nil {
		return nil, fmt.Errorf("keystore: deriving master AEAD key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("keystore: constructing AEAD: %w", err)
	}
	return aead, nil
}

// Acquire increments the outstanding-child-handle counter. The Instance
// calls Acquire when it creates an Enrollment and Release when that
// Enrollment is disposed of, so Close refuses while one is alive;
// Conversations do not hold a handle.
func (ks *Keystore) Acquire() { ks.openHandles.Add(1) }

// Release decrements the outstanding-child-handle counter.
func (ks *Keystore) Release() { ks.openHandles.Add(-1) }

// Close closes the backing database, failing with ErrLocked if any child
// handle is still outstanding.
func (ks *Keystore) Close() error {
	if ks.openHandles.Load() > 0 {
		return ErrLocked
	}
	return ks.db.Close()
}

// Wipe destroys the entire backing database.
func (ks *Keystore) Wipe() error {
	if err := ks.db.Close(); err != nil {
		return fmt.Errorf("keystore: closing before wipe: %w", err)
	}
	if err := os.Remove(ks.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("keystore: removing backing file: %w", err)
	}
	return nil
}

// Tx is a single keystore transaction. Every state-mutating call in C3-C9
// executes inside exactly one Tx: returning a non-nil error from the
// function passed to Transact aborts the whole transaction.
type Tx struct {
	tx   *bbolt.Tx
	seal func(RecordType, []byte, any) error
	get  func(RecordType, []byte, any) error
	del  func(RecordType, []byte) error
	list func(RecordType) ([][]byte, error)
}

// Put serializes and seals value under (recordType, key).
func (t *Tx) Put(recordType RecordType, key []byte, value any) error {
	return t.seal(recordType, key, value)
}

// Get retrieves and unseals the record into out, a pointer.
func (t *Tx) Get(recordType RecordType, key []byte, out any) error {
	return t.get(recordType, key, out)
}

// Delete removes a record.
func (t *Tx) Delete(recordType RecordType, key []byte) error {
	return t.del(recordType, key)
}

// ListKeys returns every key currently stored under recordType.
func (t *Tx) ListKeys(recordType RecordType) ([][]byte, error) {
	return t.list(recordType)
}

// Transact runs fn inside a single read-write bbolt transaction. If fn
// returns an error, no side effect persists.
func (ks *Keystore) Transact(fn func(*Tx) error) error {
	return ks.db.Update(func(btx *bbolt.Tx) error {
		t := &Tx{tx: btx}
		t.seal = func(rt RecordType, key []byte, value any) error {
			return ks.sealInto(btx, rt, key, value)
		}
		t.get = func(rt RecordType, key []byte, out any) error {
			return ks.openFrom(btx, rt, key, out)
		}
		t.del = func(rt RecordType, key []byte) error {
			b := btx.Bucket([]byte(rt))
			if b == nil {
				return fmt.Errorf("keystore: unknown record type %q", rt)
			}
			return b.Delete(key)
		}
		t.list = func(rt RecordType) ([][]byte, error) {
			b := btx.Bucket([]byte(rt))
			if b == nil {
				return nil, fmt.Errorf("keystore: unknown record type %q", rt)
			}
			var keys [][]byte
			err := b.ForEach(func(k, _ []byte) error {
				cp := make([]byte, len(k))
				copy(cp, k)
				keys = append(keys, cp)
				return nil
			})
			return keys, err
		}
		return fn(t)
	})
}

// View runs fn inside a single read-only bbolt transaction.
func (ks *Keystore) View(fn func(*Tx) error) error {
	return ks.db.View(func(btx *bbolt.Tx) error {
		t := &Tx{tx: btx}
		t.get = func(rt RecordType, key []byte, out any) error {
			return ks.openFrom(btx, rt, key, out)
		}
		t.list = func(rt RecordType) ([][]byte, error) {
			b := btx.Bucket([]byte(rt))
			if b == nil {
				return nil, fmt.Errorf("keystore: unknown record type %q", rt)
			}
			var keys [][]byte
			err := b.ForEach(func(k, _ []byte) error {
				cp := make([]byte, len(k))
				copy(cp, k)
				keys = append(keys, cp)
				return nil
			})
			return keys, err
		}
		t.seal = func(RecordType, []byte, any) error {
			return errors.New("keystore: Put inside a read-only View")
		}
		t.del = func(RecordType, []byte) error {
			return errors.New("keystore: Delete inside a read-only View")
		}
		return fn(t)
	})
}

func (ks *Keystore) sealInto(btx *bbolt.Tx, rt RecordType, key []byte, value any) error {
	b := btx.Bucket([]byte(rt))
	if b == nil {
		return fmt.Errorf("keystore: unknown record type %q", rt)
	}
	plain, err := cbor.Marshal(value)
	if err != nil {
		return fmt.Errorf("keystore: encoding %s record: %w", rt, err)
	}
	nonce := make([]byte, ks.aead.NonceSize())
	if _, err := randRead(nonce); err != nil {
		return fmt.Errorf("keystore: generating nonce: %w", err)
	}
	sealed := ks.aead.Seal(nil, nonce, plain, []byte(rt))
	envelope := append(nonce, sealed...)
	return b.Put(key, envelope)
}

func (ks *Keystore) openFrom(btx *bbolt.Tx, rt RecordType, key []byte, out any) error {
	b := btx.Bucket([]byte(rt))
	if b == nil {
		return fmt.Errorf("keystore: unknown record type %q", rt)
	}
	envelope := b.Get(key)
	if envelope == nil {
		return ErrNotFound
	}
	nonceSize := ks.aead.NonceSize()
	if len(envelope) < nonceSize {
		return ErrCorrupted
	}
	nonce, sealed := envelope[:nonceSize], envelope[nonceSize:]
	plain, err := ks.aead.Open(nil, nonce, sealed, []byte(rt))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return cbor.Unmarshal(plain, out)
}

// Rekey re-wraps every record under a freshly derived master key inside a
// single transaction, the rotation path for a caller-rotatable passphrase.
func (ks *Keystore) Rekey(newMasterKey []byte) error {
	var newSalt [32]byte
	if _, err := randRead(newSalt[:]); err != nil {
		return fmt.Errorf("keystore: generating new salt: %w", err)
	}
	newAEAD, err := deriveAEAD(newMasterKey, newSalt[:])
	if err != nil {
		return err
	}

	err = ks.db.Update(func(btx *bbolt.Tx) error {
		for _, rt := range allRecordTypes {
			b := btx.Bucket([]byte(rt))
			if b == nil {
				continue
			}
			type kv struct{ k, v []byte }
			var rewrapped []kv
			err := b.ForEach(func(k, envelope []byte) error {
				nonceSize := ks.aead.NonceSize()
				if len(envelope) < nonceSize {
					return ErrCorrupted
				}
				nonce, sealed := envelope[:nonceSize], envelope[nonceSize:]
				plain, err := ks.aead.Open(nil, nonce, sealed, []byte(rt))
				if err != nil {
					return fmt.Errorf("%w: %v", ErrCorrupted, err)
				}
				newNonce := make([]byte, newAEAD.NonceSize())
				if _, err := randRead(newNonce); err != nil {
					return err
				}
				newSealed := newAEAD.Seal(nil, newNonce, plain, []byte(rt))
				envelope2 := append(newNonce, newSealed...)
				key := make([]byte, len(k))
				copy(key, k)
				rewrapped = append(rewrapped, kv{k: key, v: envelope2})
				return nil
			})
			if err != nil {
				return err
			}
			for _, e := range rewrapped {
				if err := b.Put(e.k, e.v); err != nil {
					return err
				}
			}
		}
		meta := btx.Bucket([]byte(metaBucket))
		return meta.Put([]byte(saltKey), newSalt[:])
	})
	if err != nil {
		return fmt.Errorf("keystore: rekey: %w", err)
	}
	ks.aead = newAEAD
	return nil
}

func randRead(buf []byte) (int, error) {
	return rand.Read(buf)
}
