// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package proteus implements the pairwise Double-Ratchet session lifecycle
// (C9): establishment from a prekey bundle or from a first inbound message,
// encrypt/decrypt/batch-encrypt, and explicit persistence, with sessions
// identified by caller-chosen strings. Wire shapes (prekey bundles,
// envelopes) are CBOR, compatible in spirit with existing Proteus
// deployments. The ratchet math is delegated to internal/doubleratchet.
package proteus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/corecrypto/engine/internal/doubleratchet"
	"github.com/corecrypto/engine/keystore"
	"github.com/corecrypto/engine/prng"
)

var (
	ErrSessionNotFound = errors.New("proteus: session not found")
	ErrSessionExists   = errors.New("proteus: session already exists")
	ErrDecode          = errors.New("proteus: malformed wire payload")
	ErrDecryptFailed   = errors.New("proteus: decryption failed")
	ErrPrekeyNotFound  = errors.New("proteus: no local prekey with that id")
)

// Per-session diagnostic codes surfaced by LastErrorCode, for binding
// boundaries where typed errors cannot cross.
const (
	CodeNone             = 0
	CodeDecodeError      = 3
	CodePrekeyNotFound   = 101
	CodeSessionNotFound  = 102
	CodeInvalidMessage   = 201
	CodeRemoteIdentity   = 204
	CodeDuplicateMessage = 209
	CodeDecryptFailed    = 301
)

// envelopeWire is the CBOR frame every Proteus ciphertext crosses the
// transport in.
type envelopeWire struct {
	Version        uint8  `cbor:"1,keyasint"`
	IsPrekey       bool   `cbor:"2,keyasint"`
	SenderIdentity []byte `cbor:"3,keyasint,omitempty"`
	BaseKey        []byte `cbor:"4,keyasint,omitempty"`
	PrekeyID       uint16 `cbor:"5,keyasint,omitempty"`
	Counter        uint32 `cbor:"6,keyasint"`
	Ciphertext     []byte `cbor:"7,keyasint"`
}

const envelopeVersion = 1

// identityKeyRecord is the reserved ProteusPrekey record key holding this
// client's long-term identity keypair.
var identityKeyRecord = []byte("_identity")

type identityRecord struct {
	PublicKey  []byte
	PrivateKey []byte
}

type session struct {
	ratchet *doubleratchet.Session
	lastErr int
}

// Manager is the Proteus session manager (C9). Sessions live in memory
// once loaded or created; Save mirrors them to the keystore.
type Manager struct {
	mu       sync.Mutex
	ks       *keystore.Keystore
	rng      *prng.PRNG
	identity doubleratchet.KeyPair
	sessions map[string]*session
}

// NewManager loads (or, on first use, generates and persists) the local
// identity keypair and returns a Manager.
func NewManager(ks *keystore.Keystore, rng *prng.PRNG) (*Manager, error) {
	m := &Manager{ks: ks, rng: rng, sessions: make(map[string]*session)}
	err := ks.Transact(func(tx *keystore.Tx) error {
		var rec identityRecord
		err := tx.Get(keystore.ProteusPrekey, identityKeyRecord, &rec)
		if err == nil {
			if len(rec.PublicKey) != doubleratchet.KeySize || len(rec.PrivateKey) != doubleratchet.KeySize {
				return fmt.Errorf("proteus: stored identity has wrong key lengths")
			}
			copy(m.identity.Public[:], rec.PublicKey)
			copy(m.identity.Private[:], rec.PrivateKey)
			return nil
		}
		if !errors.Is(err, keystore.ErrNotFound) {
			return err
		}
		pair, err := doubleratchet.GenerateKeyPair(rng.Read)
		if err != nil {
			return err
		}
		m.identity = pair
		return tx.Put(keystore.ProteusPrekey, identityKeyRecord, identityRecord{
			PublicKey: pair.Public[:], PrivateKey: pair.Private[:],
		})
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// IdentityPublicKey returns the long-term identity public key peers bind
// sessions to.
func (m *Manager) IdentityPublicKey() []byte {
	return append([]byte(nil), m.identity.Public[:]...)
}

// SessionFromPrekey establishes a new outbound session identified by id
// from a peer's CBOR prekey bundle.
func (m *Manager) SessionFromPrekey(id string, bundleCBOR []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; exists {
		return ErrSessionExists
	}
	bundle, err := decodePrekeyBundle(bundleCBOR)
	if err != nil {
		return err
	}
	var peerIdentity, peerPrekey [doubleratchet.KeySize]byte
	copy(peerIdentity[:], bundle.IdentityKey)
	copy(peerPrekey[:], bundle.PublicKey)

	ratchet, err := doubleratchet.InitAsInitiator(m.identity, peerIdentity, peerPrekey, bundle.PrekeyID, m.rng.Read)
	if err != nil {
		return err
	}
	s := &session{ratchet: ratchet}
	if err := m.saveLocked(id, s); err != nil {
		return err
	}
	m.sessions[id] = s
	return nil
}

// SessionFromMessage establishes a new inbound session identified by id
// from the first envelope a peer sent, returning that envelope's decrypted
// payload. The local prekey the envelope references is consumed unless it
// is the last-resort prekey.
func (m *Manager) SessionFromMessage(id string, envelope []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; exists {
		return nil, ErrSessionExists
	}
	env, err := decodeEnvelope(envelope)
	if err != nil {
		return nil, err
	}
	if !env.IsPrekey {
		return nil, fmt.Errorf("%w: first message of a session must be a prekey message", ErrDecode)
	}
	if len(env.SenderIdentity) != doubleratchet.KeySize || len(env.BaseKey) != doubleratchet.KeySize {
		return nil, fmt.Errorf("%w: handshake key lengths", ErrDecode)
	}

	var plain []byte
	s := &session{}
	err = m.ks.Transact(func(tx *keystore.Tx) error {
		var prekey prekeyRecord
		if err := tx.Get(keystore.ProteusPrekey, prekeyKey(env.PrekeyID), &prekey); err != nil {
			if errors.Is(err, keystore.ErrNotFound) {
				return ErrPrekeyNotFound
			}
			return err
		}
		var prekeyPair doubleratchet.KeyPair
		copy(prekeyPair.Public[:], prekey.PublicKey)
		copy(prekeyPair.Private[:], prekey.PrivateKey)
		var senderIdentity, senderBase [doubleratchet.KeySize]byte
		copy(senderIdentity[:], env.SenderIdentity)
		copy(senderBase[:], env.BaseKey)

		ratchet, err := doubleratchet.InitAsResponder(m.identity, prekeyPair, senderIdentity, senderBase)
		if err != nil {
			return err
		}
		plain, err = ratchet.Decrypt(toRatchetMessage(env))
		if err != nil {
			return classifyDecrypt(err)
		}
		s.ratchet = ratchet

		if env.PrekeyID != LastResortPrekeyID {
			if err := tx.Delete(keystore.ProteusPrekey, prekeyKey(env.PrekeyID)); err != nil {
				return err
			}
		}
		return tx.Put(keystore.ProteusSession, []byte(id), toSessionRecord(ratchet))
	})
	if err != nil {
		return nil, err
	}
	m.sessions[id] = s
	return plain, nil
}

// Encrypt seals plaintext for session id.
func (m *Manager) Encrypt(id string, plaintext []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.encryptLocked(id, plaintext)
}

func (m *Manager) encryptLocked(id string, plaintext []byte) ([]byte, error) {
	s, err := m.sessionLocked(id)
	if err != nil {
		return nil, err
	}
	msg, err := s.ratchet.Encrypt(plaintext)
	if err != nil {
		s.lastErr = CodeInvalidMessage
		return nil, err
	}
	out, err := cbor.Marshal(envelopeWire{
		Version:        envelopeVersion,
		IsPrekey:       msg.IsPrekey,
		SenderIdentity: msg.SenderIdentity,
		BaseKey:        msg.BaseKey,
		PrekeyID:       msg.PrekeyID,
		Counter:        msg.Counter,
		Ciphertext:     msg.Ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("proteus: encoding envelope: %w", err)
	}
	return out, nil
}

// BatchEncrypt seals the same plaintext for every named session, returning
// session id → ciphertext. All-or-nothing: any failure aborts the batch.
func (m *Manager) BatchEncrypt(ids []string, plaintext []byte) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]byte, len(ids))
	for _, id := range ids {
		ct, err := m.encryptLocked(id, plaintext)
		if err != nil {
			return nil, fmt.Errorf("proteus: batch encrypt for %q: %w", id, err)
		}
		out[id] = ct
	}
	return out, nil
}

// Decrypt opens an envelope for session id.
func (m *Manager) Decrypt(id string, envelope []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.sessionLocked(id)
	if err != nil {
		return nil, err
	}
	env, err := decodeEnvelope(envelope)
	if err != nil {
		s.lastErr = CodeDecodeError
		return nil, err
	}
	plain, derr := s.ratchet.Decrypt(toRatchetMessage(env))
	if derr != nil {
		if errors.Is(derr, doubleratchet.ErrDuplicate) {
			s.lastErr = CodeDuplicateMessage
		} else {
			s.lastErr = CodeDecryptFailed
		}
		return nil, classifyDecrypt(derr)
	}
	return plain, nil
}

// Save persists session id's current ratchet state.
func (m *Manager) Save(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.sessionLocked(id)
	if err != nil {
		return err
	}
	return m.saveLocked(id, s)
}

// Delete removes session id from memory and from the keystore.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, id)
	return m.ks.Transact(func(tx *keystore.Tx) error {
		return tx.Delete(keystore.ProteusSession, []byte(id))
	})
}

// Exists reports whether session id is known, in memory or persisted.
func (m *Manager) Exists(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; ok {
		return true, nil
	}
	var rec sessionRecord
	err := m.ks.View(func(tx *keystore.Tx) error {
		return tx.Get(keystore.ProteusSession, []byte(id), &rec)
	})
	if errors.Is(err, keystore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LastErrorCode returns and clears the most recent per-session diagnostic
// code, CodeNone when the session has seen no error since the last call.
func (m *Manager) LastErrorCode(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return CodeSessionNotFound
	}
	code := s.lastErr
	s.lastErr = CodeNone
	return code
}

func (m *Manager) sessionLocked(id string) (*session, error) {
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	var rec sessionRecord
	err := m.ks.View(func(tx *keystore.Tx) error {
		return tx.Get(keystore.ProteusSession, []byte(id), &rec)
	})
	if errors.Is(err, keystore.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	s := &session{ratchet: fromSessionRecord(rec)}
	m.sessions[id] = s
	return s, nil
}

func (m *Manager) saveLocked(id string, s *session) error {
	return m.ks.Transact(func(tx *keystore.Tx) error {
		return tx.Put(keystore.ProteusSession, []byte(id), toSessionRecord(s.ratchet))
	})
}

func decodeEnvelope(data []byte) (envelopeWire, error) {
	var env envelopeWire
	if err := cbor.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if env.Version != envelopeVersion {
		return env, fmt.Errorf("%w: unsupported envelope version %d", ErrDecode, env.Version)
	}
	return env, nil
}

func toRatchetMessage(env envelopeWire) *doubleratchet.Message {
	return &doubleratchet.Message{
		IsPrekey:       env.IsPrekey,
		SenderIdentity: env.SenderIdentity,
		BaseKey:        env.BaseKey,
		PrekeyID:       env.PrekeyID,
		Counter:        env.Counter,
		Ciphertext:     env.Ciphertext,
	}
}

func classifyDecrypt(err error) error {
	if errors.Is(err, doubleratchet.ErrDuplicate) {
		return fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	if errors.Is(err, doubleratchet.ErrDecrypt) {
		return fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return err
}

// sessionRecord is the CBOR keystore shape of a persisted ratchet.
type sessionRecord struct {
	LocalIdentityPub  []byte
	LocalIdentityPriv []byte
	RemoteIdentity    []byte
	BaseKeyPub        []byte
	BaseKeyPriv       []byte
	PrekeyID          uint16
	SendKey           []byte
	SendCounter       uint32
	RecvKey           []byte
	RecvCounter       uint32
	Skipped           map[uint32][]byte
	Established       bool
}

func toSessionRecord(r *doubleratchet.Session) sessionRecord {
	return sessionRecord{
		LocalIdentityPub:  r.LocalIdentity.Public[:],
		LocalIdentityPriv: r.LocalIdentity.Private[:],
		RemoteIdentity:    r.RemoteIdentity[:],
		BaseKeyPub:        r.BaseKey.Public[:],
		BaseKeyPriv:       r.BaseKey.Private[:],
		PrekeyID:          r.PrekeyID,
		SendKey:           r.Send.Key,
		SendCounter:       r.Send.Counter,
		RecvKey:           r.Recv.Key,
		RecvCounter:       r.Recv.Counter,
		Skipped:           r.Skipped,
		Established:       r.Established,
	}
}

func fromSessionRecord(rec sessionRecord) *doubleratchet.Session {
	s := &doubleratchet.Session{
		PrekeyID:    rec.PrekeyID,
		Skipped:     rec.Skipped,
		Established: rec.Established,
	}
	copy(s.LocalIdentity.Public[:], rec.LocalIdentityPub)
	copy(s.LocalIdentity.Private[:], rec.LocalIdentityPriv)
	copy(s.RemoteIdentity[:], rec.RemoteIdentity)
	copy(s.BaseKey.Public[:], rec.BaseKeyPub)
	copy(s.BaseKey.Private[:], rec.BaseKeyPriv)
	s.Send.Key = rec.SendKey
	s.Send.Counter = rec.SendCounter
	s.Recv.Key = rec.RecvKey
	s.Recv.Counter = rec.RecvCounter
	if s.Skipped == nil {
		s.Skipped = make(map[uint32][]byte)
	}
	return s
}
