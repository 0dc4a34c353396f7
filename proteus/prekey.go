// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package proteus

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/corecrypto/engine/internal/doubleratchet"
	"github.com/corecrypto/engine/keystore"
)

// LastResortPrekeyID is the distinguished prekey id that is never consumed
// by session establishment; every other prekey is deleted after its first
// use.
const LastResortPrekeyID uint16 = 0xFFFF

// PrekeyBundle is the CBOR wire shape a host uploads to the backend and
// peers download to establish a session.
type PrekeyBundle struct {
	Version     uint8  `cbor:"1,keyasint"`
	PrekeyID    uint16 `cbor:"2,keyasint"`
	PublicKey   []byte `cbor:"3,keyasint"`
	IdentityKey []byte `cbor:"4,keyasint"`
}

const prekeyBundleVersion = 1

// prekeyRecord is the keystore shape of a locally held prekey.
type prekeyRecord struct {
	PrekeyID   uint16
	PublicKey  []byte
	PrivateKey []byte
}

func prekeyKey(id uint16) []byte { return []byte{byte(id >> 8), byte(id)} }

// NewPrekeys generates count fresh prekeys starting at firstID, persists
// their private halves, and returns the CBOR bundles to upload. IDs wrap
// around LastResortPrekeyID rather than colliding with it.
func (m *Manager) NewPrekeys(firstID uint16, count int) ([][]byte, error) {
	if count <= 0 {
		return nil, fmt.Errorf("proteus: prekey count must be positive, got %d", count)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	bundles := make([][]byte, 0, count)
	id := firstID
	err := m.ks.Transact(func(tx *keystore.Tx) error {
		for i := 0; i < count; i++ {
			if id == LastResortPrekeyID {
				id++
			}
			bundle, err := m.newPrekeyLocked(tx, id)
			if err != nil {
				return err
			}
			bundles = append(bundles, bundle)
			id++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bundles, nil
}

// NewLastResortPrekey generates (or re-encodes, if already present) the
// distinguished last-resort prekey and returns its CBOR bundle.
func (m *Manager) NewLastResortPrekey() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var bundle []byte
	err := m.ks.Transact(func(tx *keystore.Tx) error {
		var rec prekeyRecord
		err := tx.Get(keystore.ProteusPrekey, prekeyKey(LastResortPrekeyID), &rec)
		if err == nil {
			bundle, err = m.encodeBundleLocked(rec)
			return err
		}
		bundle, err = m.newPrekeyLocked(tx, LastResortPrekeyID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return bundle, nil
}

func (m *Manager) newPrekeyLocked(tx *keystore.Tx, id uint16) ([]byte, error) {
	pair, err := doubleratchet.GenerateKeyPair(m.rng.Read)
	if err != nil {
		return nil, err
	}
	rec := prekeyRecord{PrekeyID: id, PublicKey: pair.Public[:], PrivateKey: pair.Private[:]}
	if err := tx.Put(keystore.ProteusPrekey, prekeyKey(id), rec); err != nil {
		return nil, err
	}
	return m.encodeBundleLocked(rec)
}

func (m *Manager) encodeBundleLocked(rec prekeyRecord) ([]byte, error) {
	bundle := PrekeyBundle{
		Version:     prekeyBundleVersion,
		PrekeyID:    rec.PrekeyID,
		PublicKey:   rec.PublicKey,
		IdentityKey: m.identity.Public[:],
	}
	out, err := cbor.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("proteus: encoding prekey bundle: %w", err)
	}
	return out, nil
}

func decodePrekeyBundle(data []byte) (PrekeyBundle, error) {
	var b PrekeyBundle
	if err := cbor.Unmarshal(data, &b); err != nil {
		return b, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if b.Version != prekeyBundleVersion {
		return b, fmt.Errorf("%w: unsupported prekey bundle version %d", ErrDecode, b.Version)
	}
	if len(b.PublicKey) != doubleratchet.KeySize || len(b.IdentityKey) != doubleratchet.KeySize {
		return b, fmt.Errorf("%w: prekey bundle key lengths", ErrDecode)
	}
	return b, nil
}
