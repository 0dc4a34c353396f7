// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// wireformat.go TLS-serializes the Commit/Welcome/GroupInfo bundles the
// engine hands back to the host, using the length-prefixed vector codec in
// internal/wire rather than any full RFC 9420 TLS-presentation-language
// implementation; the underlying MLS cryptographic primitive library is
// out of this engine's scope.
package mls

import (
	"fmt"

	"github.com/cloudflare/circl/kem"

	"github.com/corecrypto/engine/ciphersuite"
	"github.com/corecrypto/engine/credential"
	"github.com/corecrypto/engine/internal/wire"
)

type commitPayload struct {
	GroupID   []byte
	FromEpoch uint64
	ToEpoch   uint64
	Added     []InboundKeyPackage
	Removed   [][]byte
	TreeHash  [32]byte
}

func encodeCommit(p commitPayload) []byte {
	w := wire.NewWriter()
	w.Vec16(p.GroupID)
	w.Uint64(p.FromEpoch)
	w.Uint64(p.ToEpoch)
	w.Vec32(p.TreeHash[:])
	w.Uint16(uint16(len(p.Added)))
	for _, a := range p.Added {
		encodeInboundKeyPackage(w, a)
	}
	w.Uint16(uint16(len(p.Removed)))
	for _, r := range p.Removed {
		w.Vec16(r)
	}
	return w.Bytes()
}

func decodeCommit(data []byte) (commitPayload, error) {
	r := wire.NewReader(data)
	var p commitPayload
	var err error
	if p.GroupID, err = r.Vec16(); err != nil {
		return p, err
	}
	if p.FromEpoch, err = r.Uint64(); err != nil {
		return p, err
	}
	if p.ToEpoch, err = r.Uint64(); err != nil {
		return p, err
	}
	th, err := r.Vec32()
	if err != nil {
		return p, err
	}
	copy(p.TreeHash[:], th)
	n, err := r.Uint16()
	if err != nil {
		return p, err
	}
	for i := 0; i < int(n); i++ {
		kp, err := decodeInboundKeyPackage(r)
		if err != nil {
			return p, err
		}
		p.Added = append(p.Added, kp)
	}
	n, err = r.Uint16()
	if err != nil {
		return p, err
	}
	for i := 0; i < int(n); i++ {
		removed, err := r.Vec16()
		if err != nil {
			return p, err
		}
		p.Removed = append(p.Removed, removed)
	}
	return p, nil
}

func encodeInboundKeyPackage(w *wire.Writer, kp InboundKeyPackage) {
	w.Vec16(kp.Ref[:])
	w.Vec16(kp.ClientID)
	w.Uint8(uint8(kp.Credential.Type))
	w.Vec32(kp.Credential.SignaturePublicKey)
	w.Uint16(uint16(len(kp.Credential.CertChain)))
	for _, der := range kp.Credential.CertChain {
		w.Vec32(der)
	}
	w.Vec32(kp.InitPublicKey)
}

func decodeInboundKeyPackage(r *wire.Reader) (InboundKeyPackage, error) {
	var kp InboundKeyPackage
	ref, err := r.Vec16()
	if err != nil {
		return kp, err
	}
	copy(kp.Ref[:], ref)
	if kp.ClientID, err = r.Vec16(); err != nil {
		return kp, err
	}
	credType, err := r.Uint8()
	if err != nil {
		return kp, err
	}
	kp.Credential.Type = credential.Type(credType)
	if kp.Credential.SignaturePublicKey, err = r.Vec32(); err != nil {
		return kp, err
	}
	n, err := r.Uint16()
	if err != nil {
		return kp, err
	}
	for i := 0; i < int(n); i++ {
		der, err := r.Vec32()
		if err != nil {
			return kp, err
		}
		kp.Credential.CertChain = append(kp.Credential.CertChain, der)
	}
	if kp.InitPublicKey, err = r.Vec32(); err != nil {
		return kp, err
	}
	return kp, nil
}

type groupInfoPayload struct {
	GroupID         []byte
	Epoch           uint64
	TreeHash        [32]byte
	Suite           ciphersuite.ID
	WirePolicy      WirePolicy
	ExternalSenders [][]byte
}

func encodeGroupInfo(p groupInfoPayload) []byte {
	w := wire.NewWriter()
	w.Vec16(p.GroupID)
	w.Uint64(p.Epoch)
	w.Vec32(p.TreeHash[:])
	w.Uint16(uint16(p.Suite))
	w.Uint8(uint8(p.WirePolicy))
	w.Uint16(uint16(len(p.ExternalSenders)))
	for _, s := range p.ExternalSenders {
		w.Vec32(s)
	}
	return w.Bytes()
}

func decodeGroupInfo(data []byte) (groupInfoPayload, error) {
	r := wire.NewReader(data)
	var p groupInfoPayload
	var err error
	if p.GroupID, err = r.Vec16(); err != nil {
		return p, err
	}
	if p.Epoch, err = r.Uint64(); err != nil {
		return p, err
	}
	th, err := r.Vec32()
	if err != nil {
		return p, err
	}
	copy(p.TreeHash[:], th)
	suite, err := r.Uint16()
	if err != nil {
		return p, err
	}
	p.Suite = ciphersuite.ID(suite)
	wp, err := r.Uint8()
	if err != nil {
		return p, err
	}
	p.WirePolicy = WirePolicy(wp)
	n, err := r.Uint16()
	if err != nil {
		return p, err
	}
	for i := 0; i < int(n); i++ {
		s, err := r.Vec32()
		if err != nil {
			return p, err
		}
		p.ExternalSenders = append(p.ExternalSenders, s)
	}
	return p, nil
}

type sealedWelcomeEntry struct {
	Ref        [16]byte
	Enc        []byte
	Ciphertext []byte
}

type welcomePayload struct {
	Suite   ciphersuite.ID
	Entries []sealedWelcomeEntry
}

func encodeWelcome(p welcomePayload) []byte {
	w := wire.NewWriter()
	w.Uint16(uint16(p.Suite))
	w.Uint16(uint16(len(p.Entries)))
	for _, e := range p.Entries {
		w.Vec16(e.Ref[:])
		w.Vec32(e.Enc)
		w.Vec32(e.Ciphertext)
	}
	return w.Bytes()
}

func decodeWelcome(data []byte) (welcomePayload, error) {
	r := wire.NewReader(data)
	var p welcomePayload
	suite, err := r.Uint16()
	if err != nil {
		return p, err
	}
	p.Suite = ciphersuite.ID(suite)
	n, err := r.Uint16()
	if err != nil {
		return p, err
	}
	for i := 0; i < int(n); i++ {
		var entry sealedWelcomeEntry
		ref, err := r.Vec16()
		if err != nil {
			return p, err
		}
		copy(entry.Ref[:], ref)
		if entry.Enc, err = r.Vec32(); err != nil {
			return p, err
		}
		if entry.Ciphertext, err = r.Vec32(); err != nil {
			return p, err
		}
		p.Entries = append(p.Entries, entry)
	}
	return p, nil
}

// welcomeSecrets is the plaintext sealed inside a Welcome's per-member HPKE
// ciphertext: everything a brand-new joiner needs to reconstruct the
// Conversation it is being admitted into, since at open time it has no
// other source for the group id, epoch, or membership list.
type welcomeSecrets struct {
	GroupID         []byte
	Epoch           uint64
	Suite           ciphersuite.ID
	WirePolicy      WirePolicy
	ExternalSenders [][]byte
	TreeHash        [32]byte
	EpochSecret     []byte
	Members         []Member
}

func encodeWelcomeSecrets(s welcomeSecrets) []byte {
	w := wire.NewWriter()
	w.Vec16(s.GroupID)
	w.Uint64(s.Epoch)
	w.Uint16(uint16(s.Suite))
	w.Uint8(uint8(s.WirePolicy))
	w.Uint16(uint16(len(s.ExternalSenders)))
	for _, es := range s.ExternalSenders {
		w.Vec32(es)
	}
	w.Vec32(s.TreeHash[:])
	w.Vec16(s.EpochSecret)
	w.Uint16(uint16(len(s.Members)))
	for _, m := range s.Members {
		w.Vec16(m.ClientID)
		w.Uint32(m.LeafIndex)
		w.Uint8(uint8(m.Credential.Type))
		w.Vec32(m.Credential.SignaturePublicKey)
		w.Uint16(uint16(len(m.Credential.CertChain)))
		for _, der := range m.Credential.CertChain {
			w.Vec32(der)
		}
	}
	return w.Bytes()
}

func decodeWelcomeSecrets(data []byte) (welcomeSecrets, error) {
	r := wire.NewReader(data)
	var s welcomeSecrets
	var err error
	if s.GroupID, err = r.Vec16(); err != nil {
		return s, err
	}
	if s.Epoch, err = r.Uint64(); err != nil {
		return s, err
	}
	suite, err := r.Uint16()
	if err != nil {
		return s, err
	}
	s.Suite = ciphersuite.ID(suite)
	wp, err := r.Uint8()
	if err != nil {
		return s, err
	}
	s.WirePolicy = WirePolicy(wp)
	nes, err := r.Uint16()
	if err != nil {
		return s, err
	}
	for i := 0; i < int(nes); i++ {
		es, err := r.Vec32()
		if err != nil {
			return s, err
		}
		s.ExternalSenders = append(s.ExternalSenders, es)
	}
	th, err := r.Vec32()
	if err != nil {
		return s, err
	}
	copy(s.TreeHash[:], th)
	if s.EpochSecret, err = r.Vec16(); err != nil {
		return s, err
	}
	n, err := r.Uint16()
	if err != nil {
		return s, err
	}
	for i := 0; i < int(n); i++ {
		var m Member
		if m.ClientID, err = r.Vec16(); err != nil {
			return s, err
		}
		if m.LeafIndex, err = r.Uint32(); err != nil {
			return s, err
		}
		ct, err := r.Uint8()
		if err != nil {
			return s, err
		}
		m.Credential.Type = credential.Type(ct)
		if m.Credential.SignaturePublicKey, err = r.Vec32(); err != nil {
			return s, err
		}
		nc, err := r.Uint16()
		if err != nil {
			return s, err
		}
		for j := 0; j < int(nc); j++ {
			der, err := r.Vec32()
			if err != nil {
				return s, err
			}
			m.Credential.CertChain = append(m.Credential.CertChain, der)
		}
		s.Members = append(s.Members, m)
	}
	return s, nil
}

// proposalPayload is the wire body of a standalone (not-yet-committed)
// Proposal message, as opposed to the proposals folded into a Commit.
type proposalPayload struct {
	Kind         ProposalKind
	AddKeyPackage *InboundKeyPackage
	RemoveClient []byte
}

func encodeProposal(p proposalPayload) []byte {
	w := wire.NewWriter()
	w.Uint8(uint8(p.Kind))
	switch p.Kind {
	case ProposalAdd:
		encodeInboundKeyPackage(w, *p.AddKeyPackage)
	case ProposalRemove:
		w.Vec16(p.RemoveClient)
	}
	return w.Bytes()
}

func decodeProposal(data []byte) (proposalPayload, error) {
	r := wire.NewReader(data)
	var p proposalPayload
	kind, err := r.Uint8()
	if err != nil {
		return p, err
	}
	p.Kind = ProposalKind(kind)
	switch p.Kind {
	case ProposalAdd:
		kp, err := decodeInboundKeyPackage(r)
		if err != nil {
			return p, err
		}
		p.AddKeyPackage = &kp
	case ProposalRemove:
		if p.RemoveClient, err = r.Vec16(); err != nil {
			return p, err
		}
	}
	return p, nil
}

// unmarshalInitKey parses a wire-encoded HPKE init public key for suite.
func unmarshalInitKey(suite ciphersuite.ID, data []byte) (kem.PublicKey, error) {
	s, err := ciphersuite.Lookup(suite)
	if err != nil {
		return nil, err
	}
	if s.Hybrid {
		h, err := ciphersuite.HybridKEMFor(suite)
		if err != nil {
			return nil, err
		}
		return h.Scheme.UnmarshalBinaryPublicKey(data)
	}
	kemScheme, _, _ := s.HPKESuite.Params()
	pub, err := kemScheme.Scheme().UnmarshalBinaryPublicKey(data)
	if err != nil {
		return nil, fmt.Errorf("mls: unmarshaling init key: %w", err)
	}
	return pub, nil
}

// unmarshalInitPrivateKey parses a wire-encoded HPKE init private key.
func unmarshalInitPrivateKey(suite ciphersuite.ID, data []byte) (kem.PrivateKey, error) {
	s, err := ciphersuite.Lookup(suite)
	if err != nil {
		return nil, err
	}
	if s.Hybrid {
		h, err := ciphersuite.HybridKEMFor(suite)
		if err != nil {
			return nil, err
		}
		return h.Scheme.UnmarshalBinaryPrivateKey(data)
	}
	kemScheme, _, _ := s.HPKESuite.Params()
	return kemScheme.Scheme().UnmarshalBinaryPrivateKey(data)
}
