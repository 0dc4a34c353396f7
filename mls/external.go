// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package mls

import (
	"fmt"
	"time"

	"github.com/corecrypto/engine/credential"
	"github.com/corecrypto/engine/keystore"
)

// JoinByExternalCommit parses a fetched GroupInfo and transitions a fresh
// conversation into PendingExternalJoin, producing a commit that adds self
// to the group. Until MergePendingGroupFromExternalCommit,
// the group cannot encrypt or decrypt (ErrExternalJoinNotMerged).
func (e *Engine) JoinByExternalCommit(groupInfo []byte, selfCred *credential.Credential, credType credential.Type, cfg Config) (*Conversation, *CommitBundle, error) {
	gi, err := decodeGroupInfo(groupInfo)
	if err != nil {
		return nil, nil, fmt.Errorf("mls: decoding group info: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.convs[key(gi.GroupID)]; exists {
		return nil, nil, ErrAlreadyExists
	}

	if e.authz != nil {
		if err := e.authz.UserAuthorize(gi.GroupID, e.selfClientID, nil); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
	}

	c := &Conversation{
		GroupID: gi.GroupID, Epoch: gi.Epoch, State: Active, Suite: gi.Suite,
		WirePolicy: gi.WirePolicy, ExternalSenders: gi.ExternalSenders,
		PendingProposals:  make(map[[16]byte]*Proposal),
		senderCredentials: make(map[uint32]credential.Credential),
		buffered:          make(map[uint64][]bufferedMessage),
		seenCiphertext:    make(map[string]time.Time),
		selfClientID:      e.selfClientID,
		selfCredType:      credType,
		treeHash:          gi.TreeHash,
		epochSecret:       initialEpochSecret(gi.GroupID), // placeholder until merge recomputes it from the real tree
	}

	selfProposal := &Proposal{Kind: ProposalAdd, EpochOfCreation: gi.Epoch, AddKeyPackage: &InboundKeyPackage{
		ClientID: e.selfClientID, Credential: *selfCred,
	}}
	bundle, err := e.stageCommitLocked(c, []*Proposal{selfProposal}, true)
	if err != nil {
		return nil, nil, err
	}
	e.convs[key(gi.GroupID)] = c
	return c, bundle, nil
}

// MergePendingGroupFromExternalCommit commits the external join and
// returns any buffered messages that can now be surfaced.
func (e *Engine) MergePendingGroupFromExternalCommit(groupID []byte) ([]*DecryptedMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.convs[key(groupID)]
	if !ok {
		return nil, ErrNotFound
	}
	if c.State != PendingExternalJoin || c.Pending == nil {
		return nil, ErrNoPendingCommit
	}

	pc := c.Pending
	c.Members = pc.StagedMembers
	c.Epoch = pc.StagedEpoch
	c.treeHash = pc.StagedTreeHash
	c.epochSecret = pc.StagedEpochSecret
	c.Pending = nil
	c.State = Active
	for _, m := range c.Members {
		c.senderCredentials[m.LeafIndex] = m.Credential
	}

	drained := e.drainBufferedLocked(c)
	if err := e.ks.Transact(func(tx *keystore.Tx) error { return e.saveLocked(tx, c) }); err != nil {
		return nil, err
	}
	return drained, nil
}
