// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package keypackage implements the KeyPackage Manager (C4): generation,
// valid-count accounting, and pruning of per-ciphersuite/per-credential
// KeyPackages, backed by the keystore (C1).
package keypackage

import (
	"fmt"
	"time"

	"github.com/corecrypto/engine/ciphersuite"
	"github.com/corecrypto/engine/credential"
	"github.com/corecrypto/engine/internal/treehash"
	"github.com/corecrypto/engine/keystore"
	"github.com/corecrypto/engine/prng"
)

// DefaultLifetime is the validity window granted to a freshly generated
// KeyPackage when the caller does not override it.
const DefaultLifetime = 90 * 24 * time.Hour

// KeyPackage is a signed bundle referencing a Credential plus an ephemeral
// HPKE keypair. The TLS wire encoding is represented here as
// an opaque byte string produced by the caller's MLS wire codec; the
// manager only needs the fields it indexes and prunes on.
type KeyPackage struct {
	Ref         [16]byte
	Ciphersuite ciphersuite.ID
	CredentialType credential.Type
	InitPublicKey  []byte
	InitPrivateKey []byte
	NotBefore      time.Time
	NotAfter       time.Time

	// Consumed is true once a Welcome has referenced this KeyPackage; a
	// consumed KeyPackage is excluded from CountValid and must never be
	// handed out again.
	Consumed bool

	// Encoded is the TLS-serialized wire form, opaque to this package.
	Encoded []byte
}

// record is the CBOR-serializable shape persisted to the keystore.
type record struct {
	Ciphersuite    ciphersuite.ID
	CredentialType credential.Type
	InitPublicKey  []byte
	InitPrivateKey []byte
	NotBefore      time.Time
	NotAfter       time.Time
	Consumed       bool
	Encoded        []byte
}

// Encoder produces the TLS wire encoding of a KeyPackage given its fields;
// supplied by the mls package, which owns the wire format.
// Kept as an injected function so this package has no dependency on the
// conversation engine.
type Encoder func(cs ciphersuite.ID, ct credential.Type, cred *credential.Credential, initPub []byte) ([]byte, error)

// Manager is the KeyPackage Manager (C4).
type Manager struct {
	ks      *keystore.Keystore
	prng    *prng.PRNG
	encode  Encoder
	creds   CredentialLookup
}

// CredentialLookup resolves the currently active Credential for an index,
// supplied by the caller (normally backed by the credential registry's
// active-credential bookkeeping held at the Instance level).
type CredentialLookup func(credential.Index) (*credential.Credential, error)

// New constructs a Manager. encode may be nil; GenerateN then stores the
// raw init public key as each KeyPackage's encoded form.
func New(ks *keystore.Keystore, r *prng.PRNG, creds CredentialLookup, encode Encoder) *Manager {
	return &Manager{ks: ks, prng: r, creds: creds, encode: encode}
}

// GenerateN generates n fresh KeyPackages bound to the active credential
// for (suite, credType), persists them, and returns them.
func (m *Manager) GenerateN(suite ciphersuite.ID, credType credential.Type, n int) ([]*KeyPackage, error) {
	if n <= 0 {
		return nil, fmt.Errorf("keypackage: n must be positive, got %d", n)
	}
	cred, err := m.creds(credential.Index{Ciphersuite: suite, Type: credType})
	if err != nil {
		return nil, err
	}

	out := make([]*KeyPackage, 0, n)
	err = m.ks.Transact(func(tx *keystore.Tx) error {
		for i := 0; i < n; i++ {
			kp, err := m.generateOneLocked(tx, suite, credType, cred)
			if err != nil {
				return err
			}
			out = append(out, kp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) generateOneLocked(tx *keystore.Tx, suite ciphersuite.ID, credType credential.Type, cred *credential.Credential) (*KeyPackage, error) {
	pair, err := ciphersuite.GenerateInitKey(suite, m.prng.Read)
	if err != nil {
		return nil, fmt.Errorf("keypackage: generating init key: %w", err)
	}
	pub, err := pair.Public.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("keypackage: marshaling init public key: %w", err)
	}
	priv, err := pair.Private.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("keypackage: marshaling init private key: %w", err)
	}

	var encoded []byte
	if m.encode != nil {
		encoded, err = m.encode(suite, credType, cred, pub)
		if err != nil {
			return nil, fmt.Errorf("keypackage: encoding: %w", err)
		}
	} else {
		encoded = pub
	}

	now := time.Now()
	kp := &KeyPackage{
		Ref:            treehash.Ref("mls10-keypackage-ref", encoded),
		Ciphersuite:    suite,
		CredentialType: credType,
		InitPublicKey:  pub,
		InitPrivateKey: priv,
		NotBefore:      now,
		NotAfter:       now.Add(DefaultLifetime),
		Encoded:        encoded,
	}
	rec := toRecord(kp)
	if err := tx.Put(keystore.KeyPackage, kp.Ref[:], rec); err != nil {
		return nil, err
	}
	return kp, nil
}

func toRecord(kp *KeyPackage) record {
	return record{
		Ciphersuite:    kp.Ciphersuite,
		CredentialType: kp.CredentialType,
		InitPublicKey:  kp.InitPublicKey,
		InitPrivateKey: kp.InitPrivateKey,
		NotBefore:      kp.NotBefore,
		NotAfter:       kp.NotAfter,
		Consumed:       kp.Consumed,
		Encoded:        kp.Encoded,
	}
}

func fromRecord(ref [16]byte, r record) *KeyPackage {
	return &KeyPackage{
		Ref:            ref,
		Ciphersuite:    r.Ciphersuite,
		CredentialType: r.CredentialType,
		InitPublicKey:  r.InitPublicKey,
		InitPrivateKey: r.InitPrivateKey,
		NotBefore:      r.NotBefore,
		NotAfter:       r.NotAfter,
		Consumed:       r.Consumed,
		Encoded:        r.Encoded,
	}
}

// CountValid returns the number of persisted KeyPackages for (suite,
// credType) that are neither expired nor already consumed by a Welcome.
func (m *Manager) CountValid(suite ciphersuite.ID, credType credential.Type) (int, error) {
	count := 0
	now := time.Now()
	err := m.ks.View(func(tx *keystore.Tx) error {
		keys, err := tx.ListKeys(keystore.KeyPackage)
		if err != nil {
			return err
		}
		for _, k := range keys {
			var r record
			if err := tx.Get(keystore.KeyPackage, k, &r); err != nil {
				return err
			}
			if r.Ciphersuite != suite || r.CredentialType != credType {
				continue
			}
			if r.Consumed || now.After(r.NotAfter) {
				continue
			}
			count++
		}
		return nil
	})
	return count, err
}

// RefsFor returns the refs of every currently valid (non-expired,
// non-consumed) KeyPackage for (suite, credType), used by the Rotation
// Coordinator (C8) to report the refs a credential rotation deprecates.
func (m *Manager) RefsFor(suite ciphersuite.ID, credType credential.Type) ([][16]byte, error) {
	var refs [][16]byte
	now := time.Now()
	err := m.ks.View(func(tx *keystore.Tx) error {
		keys, err := tx.ListKeys(keystore.KeyPackage)
		if err != nil {
			return err
		}
		for _, k := range keys {
			var r record
			if err := tx.Get(keystore.KeyPackage, k, &r); err != nil {
				return err
			}
			if r.Ciphersuite != suite || r.CredentialType != credType {
				continue
			}
			if r.Consumed || now.After(r.NotAfter) {
				continue
			}
			var ref [16]byte
			copy(ref[:], k)
			refs = append(refs, ref)
		}
		return nil
	})
	return refs, err
}

// DeleteByRef removes KeyPackages by their 16-byte MLS reference.
func (m *Manager) DeleteByRef(refs [][16]byte) error {
	return m.ks.Transact(func(tx *keystore.Tx) error {
		for _, ref := range refs {
			if err := tx.Delete(keystore.KeyPackage, ref[:]); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkConsumed flags a KeyPackage as referenced by a Welcome, so it is
// never reused. It is not deleted outright: a rotation path may still want to
// report it as a deprecated ref for backend-side cleanup (C8).
func (m *Manager) MarkConsumed(ref [16]byte) error {
	return m.ks.Transact(func(tx *keystore.Tx) error {
		var r record
		if err := tx.Get(keystore.KeyPackage, ref[:], &r); err != nil {
			return err
		}
		r.Consumed = true
		return tx.Put(keystore.KeyPackage, ref[:], r)
	})
}

// Get retrieves a single KeyPackage by reference.
func (m *Manager) Get(ref [16]byte) (*KeyPackage, error) {
	var r record
	err := m.ks.View(func(tx *keystore.Tx) error {
		return tx.Get(keystore.KeyPackage, ref[:], &r)
	})
	if err != nil {
		return nil, err
	}
	return fromRecord(ref, r), nil
}
