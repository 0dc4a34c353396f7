// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package prng implements the engine's single ChaCha20 CSPRNG (C2). Every
// key generated inside the engine draws from one instance of this stream so
// tests can drive it deterministically.
package prng

import (
	"crypto/rand"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20"
)

// SeedSize is the required length, in bytes, of a Reseed seed.
const SeedSize = chacha20.KeySize // 32

// PRNG is a ChaCha20-backed CSPRNG, seeded at construction from OS entropy
// optionally mixed with a caller-supplied seed, and reseedable thereafter
// without ever going backwards to a weaker state.
type PRNG struct {
	mu     sync.Mutex
	key    [chacha20.KeySize]byte
	nonce  [chacha20.NonceSize]byte
	cipher *chacha20.Cipher
}

// New constructs a PRNG seeded from OS entropy, optionally XOR-mixed with
// seed (which, if non-nil, must be exactly SeedSize bytes).
func New(seed []byte) (*PRNG, error) {
	p := &PRNG{}
	if _, err := rand.Read(p.key[:]); err != nil {
		return nil, fmt.Errorf("prng: reading OS entropy: %w", err)
	}
	if seed != nil {
		if len(seed) != SeedSize {
			return nil, fmt.Errorf("prng: seed must be %d bytes, got %d", SeedSize, len(seed))
		}
		xorInto(p.key[:], seed)
	}
	if err := p.rekey(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PRNG) rekey() error {
	c, err := chacha20.NewUnauthenticatedCipher(p.key[:], p.nonce[:])
	if err != nil {
		return fmt.Errorf("prng: initializing cipher: %w", err)
	}
	p.cipher = c
	return nil
}

// Draw fills buf with CSPRNG output.
func (p *PRNG) Draw(buf []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range buf {
		buf[i] = 0
	}
	p.cipher.XORKeyStream(buf, buf)
}

// Read implements io.Reader so the PRNG can be handed directly to APIs
// expecting a randomness source (e.g. key generation).
func (p *PRNG) Read(buf []byte) (int, error) {
	p.Draw(buf)
	return len(buf), nil
}

// Reseed XOR-mixes exactly 32 bytes of fresh entropy into the existing
// state; it never resets the stream to a value an observer of the old
// state could predict.
func (p *PRNG) Reseed(seed []byte) error {
	if len(seed) != SeedSize {
		return fmt.Errorf("prng: reseed requires exactly %d bytes, got %d", SeedSize, len(seed))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	xorInto(p.key[:], seed)
	return p.rekey()
}

func xorInto(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}
