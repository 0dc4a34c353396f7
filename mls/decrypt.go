// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// decrypt.go implements the Decryption Pipeline (C6): the single Decrypt
// entry point that classifies an inbound envelope by epoch and kind, and
// its Encrypt counterpart for application messages.
package mls

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/corecrypto/engine/keystore"
)

// Encrypt seals plaintext as an application message for the conversation's
// current epoch.
func (e *Engine) Encrypt(groupID, plaintext []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.mustActiveLocked(groupID)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(applicationKey(c.epochSecret, c.GroupID))
	if err != nil {
		return nil, fmt.Errorf("mls: building application aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("mls: generating nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, c.GroupID)

	return encodeEnvelope(envelope{
		Kind: KindApplication, Epoch: c.Epoch, SenderLeafIndex: selfLeafIndex(c), Body: sealed,
	}), nil
}

// Decrypt is the single entry point for every inbound MLS payload: it
// decodes the outer envelope, classifies it by kind, and either
// returns decrypted application messages, applies a received commit, folds
// in a standalone proposal, or buffers an application message one epoch
// ahead of the conversation's current epoch.
func (e *Engine) Decrypt(groupID, payload []byte) ([]*DecryptedMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.convs[key(groupID)]
	if !ok {
		return nil, ErrNotFound
	}
	if c.State == Removed {
		return nil, ErrRemoved
	}
	if c.State == PendingExternalJoin {
		return nil, ErrExternalJoinNotMerged
	}

	env, err := decodeEnvelope(payload)
	if err != nil {
		return nil, fmt.Errorf("mls: decoding envelope: %w", err)
	}

	pruneSeenLocked(c)

	digest := sha256.Sum256(payload)
	fingerprint := string(digest[:])
	if _, dup := c.seenCiphertext[fingerprint]; dup {
		return nil, ErrAlreadyDecrypted
	}

	switch env.Kind {
	case KindApplication:
		return e.decryptApplicationLocked(c, env, fingerprint)
	case KindCommit:
		return e.applyReceivedCommitLocked(c, env, fingerprint)
	case KindProposal, KindExternalProposal:
		return e.applyReceivedProposalLocked(c, env, fingerprint)
	default:
		return nil, fmt.Errorf("%w: unrecognized envelope kind %d", ErrInvalidArgument, env.Kind)
	}
}

func (e *Engine) decryptApplicationLocked(c *Conversation, env envelope, fingerprint string) ([]*DecryptedMessage, error) {
	switch {
	case env.Epoch < c.Epoch:
		return nil, ErrStaleEpoch
	case env.Epoch == c.Epoch:
		msg, err := e.openApplicationLocked(c, env, c.epochSecret)
		if err != nil {
			return nil, err
		}
		c.seenCiphertext[fingerprint] = time.Now()
		return []*DecryptedMessage{msg}, nil
	case env.Epoch == c.Epoch+1:
		c.buffered[env.Epoch] = append(c.buffered[env.Epoch], bufferedMessage{
			arrivalSeq: c.arrivalSeq, ciphertext: append([]byte{}, env.Body...), senderIdx: env.SenderLeafIndex,
		})
		c.arrivalSeq++
		c.seenCiphertext[fingerprint] = time.Now()
		if err := e.ks.Transact(func(tx *keystore.Tx) error { return e.saveLocked(tx, c) }); err != nil {
			return nil, err
		}
		return nil, ErrBufferedForFutureEpoch
	default:
		return nil, ErrFutureEpoch
	}
}

func (e *Engine) openApplicationLocked(c *Conversation, env envelope, epochSecret []byte) (*DecryptedMessage, error) {
	aead, err := chacha20poly1305.New(applicationKey(epochSecret, c.GroupID))
	if err != nil {
		return nil, fmt.Errorf("mls: building application aead: %w", err)
	}
	if len(env.Body) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: application message too short", ErrInvalidArgument)
	}
	nonce, ciphertext := env.Body[:aead.NonceSize()], env.Body[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, c.GroupID)
	if err != nil {
		return nil, fmt.Errorf("mls: opening application message: %w", err)
	}
	cred := c.senderCredentials[env.SenderLeafIndex]
	return &DecryptedMessage{
		Kind: KindApplication, Plaintext: plaintext, Identity: identityFromCredential(e.creds, cred),
		IsActive: isSelfActive(c), SenderClientID: senderClientID(c, env.SenderLeafIndex),
	}, nil
}

// applyReceivedCommitLocked applies a commit authored by another member:
// the membership delta and tree hash it carries become this side's new
// epoch state directly (no staging), since the commit has already been
// accepted by the delivery service by the time it reaches Decrypt.
func (e *Engine) applyReceivedCommitLocked(c *Conversation, env envelope, fingerprint string) ([]*DecryptedMessage, error) {
	cp, err := decodeCommit(env.Body)
	if err != nil {
		return nil, fmt.Errorf("mls: decoding commit: %w", err)
	}
	if cp.FromEpoch != c.Epoch {
		if cp.FromEpoch < c.Epoch {
			return nil, ErrStaleEpoch
		}
		return nil, ErrFutureEpoch
	}

	members := append([]Member{}, c.Members...)
	for _, der := range cp.Removed {
		members = removeMember(members, der)
	}
	for _, kp := range cp.Added {
		members = append(members, Member{ClientID: kp.ClientID, Credential: kp.Credential, LeafIndex: nextLeafIndex(members)})
	}

	treeHash := computeTreeHash(members)
	if treeHash != cp.TreeHash {
		return nil, fmt.Errorf("%w: tree hash mismatch after applying commit", ErrInvalidArgument)
	}

	c.Members = members
	c.Epoch = cp.ToEpoch
	c.treeHash = treeHash
	c.epochSecret = nextEpochSecret(c.epochSecret, cp.ToEpoch, treeHash)
	for _, m := range c.Members {
		c.senderCredentials[m.LeafIndex] = m.Credential
	}
	c.seenCiphertext[fingerprint] = time.Now()

	renewed := renewLostProposalsLocked(c)

	out := []*DecryptedMessage{{
		Kind: KindCommit, IsActive: isSelfActive(c), CommitDelayMS: int64(env.DelayMS), Proposals: renewed,
	}}
	out = append(out, e.drainBufferedLocked(c)...)

	if err := e.ks.Transact(func(tx *keystore.Tx) error { return e.saveLocked(tx, c) }); err != nil {
		return nil, err
	}
	return out, nil
}

// renewLostProposalsLocked recomputes the ref of every locally stored
// proposal still pending against the conversation's new epoch, so a
// proposal authored before the commit lands isn't silently orphaned by its
// now-stale ref.
func renewLostProposalsLocked(c *Conversation) [][16]byte {
	renewed := make(map[[16]byte]*Proposal, len(c.PendingProposals))
	var refs [][16]byte
	for _, p := range c.PendingProposals {
		p.Ref = proposalRef(c.GroupID, c.Epoch, p)
		renewed[p.Ref] = p
		refs = append(refs, p.Ref)
	}
	c.PendingProposals = renewed
	return refs
}

func (e *Engine) applyReceivedProposalLocked(c *Conversation, env envelope, fingerprint string) ([]*DecryptedMessage, error) {
	if env.Epoch != c.Epoch {
		if env.Epoch < c.Epoch {
			return nil, ErrStaleEpoch
		}
		return nil, ErrFutureEpoch
	}
	pp, err := decodeProposal(env.Body)
	if err != nil {
		return nil, fmt.Errorf("mls: decoding proposal: %w", err)
	}

	if env.Kind == KindExternalProposal && e.authz != nil {
		var senderID []byte
		if pp.AddKeyPackage != nil {
			senderID = pp.AddKeyPackage.ClientID
		}
		if err := e.authz.Authorize(c.GroupID, senderID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		if pp.Kind == ProposalAdd {
			var parentMembers []Member
			if c.ParentGroupID != nil {
				if parent, ok := e.convs[key(c.ParentGroupID)]; ok {
					parentMembers = parent.Members
				}
			}
			if err := e.authz.ClientIsExistingGroupUser(c.GroupID, senderID, c.Members, parentMembers); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
			}
		}
	}

	p := &Proposal{Kind: pp.Kind, EpochOfCreation: c.Epoch, AddKeyPackage: pp.AddKeyPackage, RemoveClient: pp.RemoveClient}
	p.Ref = proposalRef(c.GroupID, c.Epoch, p)
	c.PendingProposals[p.Ref] = p
	c.seenCiphertext[fingerprint] = time.Now()

	if err := e.ks.Transact(func(tx *keystore.Tx) error { return e.saveLocked(tx, c) }); err != nil {
		return nil, err
	}
	return nil, nil
}

func selfLeafIndex(c *Conversation) uint32 {
	for _, m := range c.Members {
		if string(m.ClientID) == string(c.selfClientID) {
			return m.LeafIndex
		}
	}
	return 0
}

func senderClientID(c *Conversation, leafIndex uint32) []byte {
	for _, m := range c.Members {
		if m.LeafIndex == leafIndex {
			return m.ClientID
		}
	}
	return nil
}

// seenCiphertextTTL bounds the AlreadyDecrypted dedup set's lifetime; a
// ciphertext that could legitimately replay after a day has bigger
// problems than this engine's dedup window.
const seenCiphertextTTL = 24 * time.Hour

func pruneSeenLocked(c *Conversation) {
	cutoff := time.Now().Add(-seenCiphertextTTL)
	for fp, at := range c.seenCiphertext {
		if at.Before(cutoff) {
			delete(c.seenCiphertext, fp)
		}
	}
}

func isSelfActive(c *Conversation) bool {
	for _, m := range c.Members {
		if string(m.ClientID) == string(c.selfClientID) {
			return true
		}
	}
	return false
}
