// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package mls

import (
	"fmt"
	"time"

	"github.com/corecrypto/engine/ciphersuite"
	"github.com/corecrypto/engine/credential"
	"github.com/corecrypto/engine/keystore"
)

// ProcessWelcome opens the Welcome entry addressed to selfRef with
// initPrivateKey, reconstructs the Conversation it describes, and persists
// it. Any application message already buffered for the
// welcome's epoch is drained and returned alongside it, matching
// CommitAccepted's contract for a self-initiated commit.
func (e *Engine) ProcessWelcome(welcome []byte, selfRef [16]byte, initPrivateKey []byte, credType credential.Type) (*Conversation, []*DecryptedMessage, error) {
	wp, err := decodeWelcome(welcome)
	if err != nil {
		return nil, nil, fmt.Errorf("mls: decoding welcome: %w", err)
	}

	var entry *sealedWelcomeEntry
	for i := range wp.Entries {
		if wp.Entries[i].Ref == selfRef {
			entry = &wp.Entries[i]
			break
		}
	}
	if entry == nil {
		return nil, nil, fmt.Errorf("%w: no welcome entry for this keypackage ref", ErrNotFound)
	}

	priv, err := unmarshalInitPrivateKey(wp.Suite, initPrivateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("mls: parsing init private key: %w", err)
	}

	plaintext, err := ciphersuite.OpenWelcome(wp.Suite, priv, []byte("mls10-welcome"), welcomeAAD, entry.Enc, entry.Ciphertext)
	if err != nil {
		return nil, nil, fmt.Errorf("mls: opening welcome: %w", err)
	}
	secrets, err := decodeWelcomeSecrets(plaintext)
	if err != nil {
		return nil, nil, fmt.Errorf("mls: decoding welcome secrets: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.convs[key(secrets.GroupID)]; exists {
		return nil, nil, ErrAlreadyExists
	}

	c := &Conversation{
		GroupID: secrets.GroupID, Epoch: secrets.Epoch, State: Active, Suite: secrets.Suite,
		Members: secrets.Members, ExternalSenders: secrets.ExternalSenders, WirePolicy: secrets.WirePolicy,

		PendingProposals:  make(map[[16]byte]*Proposal),
		senderCredentials: make(map[uint32]credential.Credential),
		buffered:          make(map[uint64][]bufferedMessage),
		seenCiphertext:    make(map[string]time.Time),
		selfClientID:      e.selfClientID,
		selfCredType:      credType,
		treeHash:          secrets.TreeHash,
		epochSecret:       secrets.EpochSecret,
	}
	for _, m := range c.Members {
		c.senderCredentials[m.LeafIndex] = m.Credential
	}

	drained := e.drainBufferedLocked(c)
	if err := e.ks.Transact(func(tx *keystore.Tx) error { return e.saveLocked(tx, c) }); err != nil {
		return nil, nil, err
	}
	e.convs[key(secrets.GroupID)] = c
	return c, drained, nil
}
