// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package doubleratchet implements the pairwise session cryptography the
// proteus package's lifecycle envelope runs on: an X3DH-style prekey
// handshake deriving a shared master secret, and a per-direction symmetric
// chain ratchet producing one-time message keys. The proteus session layer
// deliberately specifies only the lifecycle, not the ratchet math; this
// package is the minimum ratchet needed for the lifecycle operations to
// produce and open real ciphertext.
package doubleratchet

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/corecrypto/engine/internal/treehash"
)

// KeySize is the length of every public and private key in this package.
const KeySize = 32

var (
	ErrDecrypt      = errors.New("doubleratchet: decryption failed")
	ErrDuplicate    = errors.New("doubleratchet: duplicate or outdated message counter")
	ErrBadHandshake = errors.New("doubleratchet: malformed handshake material")
)

// maxSkip bounds how many message keys a receiver will derive-and-cache to
// bridge a forward gap in counters, so a hostile counter cannot force
// unbounded work.
const maxSkip = 1000

// KeyPair is an X25519 keypair.
type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateKeyPair draws a fresh X25519 keypair from randSource.
func GenerateKeyPair(randSource func([]byte) (int, error)) (KeyPair, error) {
	var kp KeyPair
	if _, err := randSource(kp.Private[:]); err != nil {
		return kp, fmt.Errorf("doubleratchet: drawing private key: %w", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, fmt.Errorf("doubleratchet: deriving public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// chain is one direction's symmetric-key ratchet.
type chain struct {
	Key     []byte
	Counter uint32
}

func (c *chain) next() []byte {
	mk := treehash.DeriveKey("proteus-message-key", c.Key, chacha20poly1305.KeySize)
	c.Key = treehash.DeriveKey("proteus-chain-key", c.Key, KeySize)
	c.Counter++
	return mk
}

// Session is the ratchet state for one pairwise session. Fields are
// exported so the proteus package can CBOR-persist the state through the
// keystore.
type Session struct {
	LocalIdentity  KeyPair
	RemoteIdentity [KeySize]byte

	// BaseKey is the handshake ephemeral generated by the initiator; its
	// public half rides in every envelope until the responder has observed
	// the session, so a prekey message is self-contained.
	BaseKey  KeyPair
	PrekeyID uint16

	Send chain
	Recv chain

	// Skipped caches message keys derived while bridging a forward counter
	// gap, keyed by counter, so out-of-order envelopes still open.
	Skipped map[uint32][]byte

	// Established is false until the responder has processed the first
	// message; while false, every outbound envelope carries the handshake
	// header.
	Established bool
}

// masterSecret computes the X3DH-style shared secret from three DH results.
func masterSecret(dh1, dh2, dh3 []byte) []byte {
	material := make([]byte, 0, 3*KeySize)
	material = append(material, dh1...)
	material = append(material, dh2...)
	material = append(material, dh3...)
	return treehash.DeriveKey("proteus-master-secret", material, KeySize)
}

func dh(priv [KeySize]byte, pub [KeySize]byte) ([]byte, error) {
	out, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	return out, nil
}

func chainsFromMaster(master []byte, initiator bool) (send, recv chain) {
	a2b := treehash.DeriveKey("proteus-chain-initiator", master, KeySize)
	b2a := treehash.DeriveKey("proteus-chain-responder", master, KeySize)
	if initiator {
		return chain{Key: a2b}, chain{Key: b2a}
	}
	return chain{Key: b2a}, chain{Key: a2b}
}

// InitAsInitiator establishes a session toward a peer from their published
// identity key and one prekey (session-from-prekey).
func InitAsInitiator(identity KeyPair, peerIdentity, peerPrekey [KeySize]byte, prekeyID uint16, randSource func([]byte) (int, error)) (*Session, error) {
	base, err := GenerateKeyPair(randSource)
	if err != nil {
		return nil, err
	}
	dh1, err := dh(identity.Private, peerPrekey)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(base.Private, peerIdentity)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(base.Private, peerPrekey)
	if err != nil {
		return nil, err
	}
	send, recv := chainsFromMaster(masterSecret(dh1, dh2, dh3), true)
	return &Session{
		LocalIdentity:  identity,
		RemoteIdentity: peerIdentity,
		BaseKey:        base,
		PrekeyID:       prekeyID,
		Send:           send,
		Recv:           recv,
		Skipped:        make(map[uint32][]byte),
	}, nil
}

// InitAsResponder establishes the mirror session from the first inbound
// envelope's handshake header (session-from-message).
func InitAsResponder(identity, prekey KeyPair, senderIdentity, senderBase [KeySize]byte) (*Session, error) {
	dh1, err := dh(prekey.Private, senderIdentity)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(identity.Private, senderBase)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(prekey.Private, senderBase)
	if err != nil {
		return nil, err
	}
	send, recv := chainsFromMaster(masterSecret(dh1, dh2, dh3), false)
	return &Session{
		LocalIdentity:  identity,
		RemoteIdentity: senderIdentity,
		Send:           send,
		Recv:           recv,
		Skipped:        make(map[uint32][]byte),
		Established:    true,
	}, nil
}

// Message is one sealed ratchet message.
type Message struct {
	// Handshake fields, populated only while the session is not yet
	// observed established by the peer.
	IsPrekey       bool
	SenderIdentity []byte
	BaseKey        []byte
	PrekeyID       uint16

	Counter    uint32
	Ciphertext []byte
}

// Encrypt seals plaintext under the next sending-chain message key.
func (s *Session) Encrypt(plaintext []byte) (*Message, error) {
	counter := s.Send.Counter
	mk := s.Send.next()
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, fmt.Errorf("doubleratchet: constructing AEAD: %w", err)
	}
	nonce := make([]byte, aead.NonceSize()) // one-time key, zero nonce
	msg := &Message{
		Counter:    counter,
		Ciphertext: aead.Seal(nil, nonce, plaintext, counterAD(counter)),
	}
	if !s.Established {
		msg.IsPrekey = true
		msg.SenderIdentity = append([]byte(nil), s.LocalIdentity.Public[:]...)
		msg.BaseKey = append([]byte(nil), s.BaseKey.Public[:]...)
		msg.PrekeyID = s.PrekeyID
	}
	return msg, nil
}

// Decrypt opens a message against the receiving chain, deriving and caching
// skipped keys to bridge forward counter gaps.
func (s *Session) Decrypt(msg *Message) ([]byte, error) {
	mk, ok := s.Skipped[msg.Counter]
	if ok {
		delete(s.Skipped, msg.Counter)
	} else {
		if msg.Counter < s.Recv.Counter {
			return nil, ErrDuplicate
		}
		if msg.Counter-s.Recv.Counter > maxSkip {
			return nil, fmt.Errorf("%w: counter gap %d exceeds limit", ErrDecrypt, msg.Counter-s.Recv.Counter)
		}
		for s.Recv.Counter < msg.Counter {
			s.Skipped[s.Recv.Counter] = s.Recv.next()
		}
		mk = s.Recv.next()
	}
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, fmt.Errorf("doubleratchet: constructing AEAD: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	plain, err := aead.Open(nil, nonce, msg.Ciphertext, counterAD(msg.Counter))
	if err != nil {
		return nil, ErrDecrypt
	}
	// A successful decrypt proves the peer holds the session; stop sending
	// handshake headers.
	s.Established = true
	return plain, nil
}

func counterAD(counter uint32) []byte {
	return []byte{byte(counter >> 24), byte(counter >> 16), byte(counter >> 8), byte(counter)}
}
