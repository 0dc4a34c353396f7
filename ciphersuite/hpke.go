// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package ciphersuite

import (
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/kem"
)

// HPKEKeyPair is a generated init keypair for a KeyPackage (C4), ready to
// be TLS-serialized into the wire KeyPackage structure.
type HPKEKeyPair struct {
	Public  kem.PublicKey
	Private kem.PrivateKey
}

// GenerateInitKey produces a fresh HPKE init keypair for suite id, drawing
// randomness from r (normally the engine's PRNG, see package prng).
func GenerateInitKey(id ID, r func([]byte) (int, error)) (*HPKEKeyPair, error) {
	suite, err := Lookup(id)
	if err != nil {
		return nil, err
	}
	if suite.Hybrid {
		h, err := HybridKEMFor(id)
		if err != nil {
			return nil, err
		}
		seed := make([]byte, h.Scheme.SeedSize())
		if _, err := r(seed); err != nil {
			return nil, fmt.Errorf("ciphersuite: hybrid keygen: %w", err)
		}
		pub, priv := h.Scheme.DeriveKeyPair(seed)
		return &HPKEKeyPair{Public: pub, Private: priv}, nil
	}
	kemScheme, _, _ := suite.HPKESuite.Params()
	seed := make([]byte, kemScheme.Scheme().SeedSize())
	if _, err := r(seed); err != nil {
		return nil, fmt.Errorf("ciphersuite: hpke keygen: %w", err)
	}
	pub, priv := kemScheme.Scheme().DeriveKeyPair(seed)
	return &HPKEKeyPair{Public: pub, Private: priv}, nil
}

// SealWelcome single-shot HPKE-seals a Welcome/GroupSecrets payload to a
// recipient's KeyPackage init key, returning the HPKE encapsulation and
// ciphertext, exactly the envelope a wire MLS Welcome carries per member.
func SealWelcome(id ID, recipient kem.PublicKey, info, aad, plaintext []byte) (enc, ciphertext []byte, err error) {
	suite, err := Lookup(id)
	if err != nil {
		return nil, nil, err
	}
	if suite.Hybrid {
		return nil, nil, fmt.Errorf("ciphersuite: hybrid single-shot seal not yet wired for suite 0x%04x", uint16(id))
	}
	sender, err := suite.HPKESuite.NewSender(recipient, info)
	if err != nil {
		return nil, nil, fmt.Errorf("ciphersuite: new sender: %w", err)
	}
	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("ciphersuite: sender setup: %w", err)
	}
	ct, err := sealer.Seal(plaintext, aad)
	if err != nil {
		return nil, nil, fmt.Errorf("ciphersuite: seal: %w", err)
	}
	return enc, ct, nil
}

// OpenWelcome is the receiver-side counterpart to SealWelcome.
func OpenWelcome(id ID, recipient kem.PrivateKey, info, aad, enc, ciphertext []byte) ([]byte, error) {
	suite, err := Lookup(id)
	if err != nil {
		return nil, err
	}
	if suite.Hybrid {
		return nil, fmt.Errorf("ciphersuite: hybrid single-shot open not yet wired for suite 0x%04x", uint16(id))
	}
	receiver, err := suite.HPKESuite.NewReceiver(recipient, info)
	if err != nil {
		return nil, fmt.Errorf("ciphersuite: new receiver: %w", err)
	}
	opener, err := receiver.Setup(enc)
	if err != nil {
		return nil, fmt.Errorf("ciphersuite: receiver setup: %w", err)
	}
	pt, err := opener.Open(ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("ciphersuite: open: %w", err)
	}
	return pt, nil
}
