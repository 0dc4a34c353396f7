// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package mls

import (
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"github.com/corecrypto/engine/credential"
	"github.com/corecrypto/engine/keystore"
)

// Engine is the Conversation Engine (C5), holding every locally known
// Conversation for one Instance.
type Engine struct {
	mu    sync.Mutex
	ks    *keystore.Keystore
	creds *credential.Registry
	authz Authorizer

	selfClientID []byte
	convs        map[string]*Conversation // keyed by string(GroupID)
}

// NewEngine constructs an Engine bound to a keystore, credential registry,
// authorization callback set, and the owning client's identity.
func NewEngine(ks *keystore.Keystore, creds *credential.Registry, authz Authorizer, selfClientID []byte) *Engine {
	return &Engine{ks: ks, creds: creds, authz: authz, selfClientID: selfClientID, convs: make(map[string]*Conversation)}
}

func key(groupID []byte) string { return string(groupID) }

// Get returns the locally known Conversation, or ErrNotFound.
func (e *Engine) Get(groupID []byte) (*Conversation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.convs[key(groupID)]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// CreateConversation creates a fresh group with self as sole member; no
// commit is produced.
func (e *Engine) CreateConversation(groupID []byte, selfCred *credential.Credential, credType credential.Type, cfg Config) (*Conversation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.convs[key(groupID)]; exists {
		return nil, ErrAlreadyExists
	}

	self := Member{ClientID: e.selfClientID, Credential: *selfCred, LeafIndex: 0}
	c := &Conversation{
		GroupID:    groupID,
		Epoch:      0,
		State:      Active,
		Suite:      cfg.Suite,
		Members:    []Member{self},
		ExternalSenders: cfg.ExternalSenders,
		WirePolicy: cfg.WirePolicy,

		PendingProposals:  make(map[[16]byte]*Proposal),
		senderCredentials: map[uint32]credential.Credential{0: *selfCred},
		buffered:          make(map[uint64][]bufferedMessage),
		seenCiphertext:    make(map[string]time.Time),
		selfClientID:      e.selfClientID,
		selfCredType:      credType,
	}
	c.treeHash = computeTreeHash(c.Members)
	c.epochSecret = initialEpochSecret(groupID)

	if err := e.ks.Transact(func(tx *keystore.Tx) error { return e.saveLocked(tx, c) }); err != nil {
		return nil, fmt.Errorf("mls: persisting new conversation: %w", err)
	}
	e.convs[key(groupID)] = c
	return c, nil
}

// AddClients validates each keypackage's credential chain (C3) and
// produces Commit + Welcome + GroupInfo.
func (e *Engine) AddClients(groupID []byte, kps []InboundKeyPackage) (*CommitBundle, []string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.mustActiveLocked(groupID)
	if err != nil {
		return nil, nil, err
	}
	if len(kps) == 0 {
		return nil, nil, fmt.Errorf("%w: AddClients requires at least one keypackage", ErrInvalidArgument)
	}

	var newDPs []string
	for _, kp := range kps {
		if kp.Credential.Type == credential.X509 {
			chain, err := parseCertChain(kp.Credential.CertChain)
			if err != nil {
				return nil, nil, err
			}
			dps, err := e.creds.ValidateChain(chain, time.Now())
			if err != nil {
				return nil, nil, err
			}
			newDPs = append(newDPs, dps...)
		}
	}

	proposals := make([]*Proposal, 0, len(kps))
	for _, kp := range kps {
		kpCopy := kp
		proposals = append(proposals, &Proposal{
			Kind: ProposalAdd, EpochOfCreation: c.Epoch, AddKeyPackage: &kpCopy,
		})
	}

	bundle, err := e.stageCommitLocked(c, proposals, false)
	if err != nil {
		return nil, nil, err
	}
	return bundle, dedupeStrings(newDPs), nil
}

// RemoveClients silently ignores client ids not present; it is a no-op
// (no pending commit produced) if the resulting removal set is empty.
func (e *Engine) RemoveClients(groupID []byte, clientIDs [][]byte) (*CommitBundle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.mustActiveLocked(groupID)
	if err != nil {
		return nil, err
	}

	present := map[string]bool{}
	for _, m := range c.Members {
		present[string(m.ClientID)] = true
	}

	var proposals []*Proposal
	for _, id := range clientIDs {
		if !present[string(id)] {
			continue
		}
		proposals = append(proposals, &Proposal{Kind: ProposalRemove, EpochOfCreation: c.Epoch, RemoveClient: id})
	}
	if len(proposals) == 0 {
		return nil, nil
	}
	return e.stageCommitLocked(c, proposals, false)
}

// UpdateKeyingMaterial is a self-update commit rotating every member's
// path secret. In this engine's flat key schedule, "rotate
// every member's path secret" is realized as advancing the epoch secret
// with no membership change, the schedule-level analogue of a self-update.
func (e *Engine) UpdateKeyingMaterial(groupID []byte) (*CommitBundle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.mustActiveLocked(groupID)
	if err != nil {
		return nil, err
	}
	proposal := &Proposal{Kind: ProposalUpdate, EpochOfCreation: c.Epoch}
	return e.stageCommitLocked(c, []*Proposal{proposal}, false)
}

// UpdateSelfCredential stages an update-commit that both rotates the epoch
// secret and swaps this Instance's own membership-list credential for
// newCred, the per-conversation half of the Rotation Coordinator's
// rotate-all: "producing an update-commit per conversation"
// that installs the newly issued X.509 credential.
func (e *Engine) UpdateSelfCredential(groupID []byte, newCred credential.Credential) (*CommitBundle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.mustActiveLocked(groupID)
	if err != nil {
		return nil, err
	}
	proposal := &Proposal{Kind: ProposalUpdate, EpochOfCreation: c.Epoch, NewCredential: &newCred}
	return e.stageCommitLocked(c, []*Proposal{proposal}, false)
}

// GroupIDs returns the group ids of every conversation this Engine
// currently tracks, in no particular order — the Rotation Coordinator
// (C8) needs this to iterate "every local conversation"
func (e *Engine) GroupIDs() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([][]byte, 0, len(e.convs))
	for _, c := range e.convs {
		ids = append(ids, c.GroupID)
	}
	return ids
}

// NewProposal stores a proposal locally and returns its ref; it does not
// transition conversation state.
func (e *Engine) NewProposal(groupID []byte, kind ProposalKind, kp *InboundKeyPackage, removeClient []byte) ([16]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.mustActiveLocked(groupID)
	if err != nil {
		return [16]byte{}, err
	}

	p := &Proposal{Kind: kind, EpochOfCreation: c.Epoch, AddKeyPackage: kp, RemoveClient: removeClient}
	p.Ref = proposalRef(c.GroupID, c.Epoch, p)
	c.PendingProposals[p.Ref] = p

	if err := e.ks.Transact(func(tx *keystore.Tx) error { return e.saveLocked(tx, c) }); err != nil {
		return [16]byte{}, err
	}
	return p.Ref, nil
}

// EncodeProposal produces the wire bytes for a standalone proposal message
// a host sends to the delivery service for fan-out to other members,
// mirroring the ref NewProposal computes for the same (kind, payload,
// epoch) so a proposal a host both stores locally and distributes carries
// one consistent identity.
func (e *Engine) EncodeProposal(groupID []byte, epoch uint64, kind ProposalKind, kp *InboundKeyPackage, removeClient []byte) []byte {
	return encodeEnvelope(envelope{
		Kind: KindProposal, Epoch: epoch,
		Body: encodeProposal(proposalPayload{Kind: kind, AddKeyPackage: kp, RemoveClient: removeClient}),
	})
}

// CommitPendingProposals returns a bundle for every locally stored
// proposal, or (nil, nil) when the pending-proposal set is empty.
func (e *Engine) CommitPendingProposals(groupID []byte) (*CommitBundle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.mustActiveLocked(groupID)
	if err != nil {
		return nil, err
	}
	if len(c.PendingProposals) == 0 {
		return nil, nil
	}
	proposals := make([]*Proposal, 0, len(c.PendingProposals))
	for _, p := range c.PendingProposals {
		proposals = append(proposals, p)
	}
	bundle, err := e.stageCommitLocked(c, proposals, false)
	if err != nil {
		return nil, err
	}
	c.PendingProposals = make(map[[16]byte]*Proposal)
	return bundle, nil
}

// ClearPendingCommit discards the staged commit. Permitted only when the
// caller has an authoritative rejection from the DS; the engine itself
// cannot verify that authority and trusts the host.
func (e *Engine) ClearPendingCommit(groupID []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.convs[key(groupID)]
	if !ok {
		return ErrNotFound
	}
	if c.Pending == nil {
		return ErrNoPendingCommit
	}
	c.Pending = nil
	if c.State == PendingCommit || c.State == PendingExternalJoin {
		c.State = Active
	}
	return e.ks.Transact(func(tx *keystore.Tx) error { return e.saveLocked(tx, c) })
}

// ClearPendingProposal removes a single locally stored proposal by ref.
func (e *Engine) ClearPendingProposal(groupID []byte, ref [16]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.convs[key(groupID)]
	if !ok {
		return ErrNotFound
	}
	if _, ok := c.PendingProposals[ref]; !ok {
		return ErrNoPendingProposal
	}
	delete(c.PendingProposals, ref)
	return e.ks.Transact(func(tx *keystore.Tx) error { return e.saveLocked(tx, c) })
}

// MarkConversationAsChildOf sets a parent back-reference used by the host
// authorization callback.
func (e *Engine) MarkConversationAsChildOf(childGroupID, parentGroupID []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.convs[key(childGroupID)]
	if !ok {
		return ErrNotFound
	}
	c.ParentGroupID = parentGroupID
	return e.ks.Transact(func(tx *keystore.Tx) error { return e.saveLocked(tx, c) })
}

// CommitAccepted merges the pending commit, bumps the epoch, recomputes the
// refs of still-pending local proposals against the new epoch, drains the
// buffered-for-this-epoch queue in arrival order, and returns those
// drained messages.
func (e *Engine) CommitAccepted(groupID []byte) ([]*DecryptedMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.convs[key(groupID)]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Pending == nil {
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
	renewLostProposalsLocked(c)

	drained := e.drainBufferedLocked(c)

	if err := e.ks.Transact(func(tx *keystore.Tx) error { return e.saveLocked(tx, c) }); err != nil {
		return nil, err
	}
	return drained, nil
}

// drainBufferedLocked decrypts every application message that was buffered
// for c's now-current epoch, in arrival order, and surfaces them as the
// by-product of the commit that unblocked them.
// A buffered ciphertext that fails to open (e.g. it was buffered against a
// commit that got superseded) is dropped rather than returned, since by
// construction it can no longer be the sender's intended epoch key.
func (e *Engine) drainBufferedLocked(c *Conversation) []*DecryptedMessage {
	msgs, ok := c.buffered[c.Epoch]
	if !ok {
		return nil
	}
	delete(c.buffered, c.Epoch)
	out := make([]*DecryptedMessage, 0, len(msgs))
	for _, b := range msgs {
		msg, err := e.openApplicationLocked(c, envelope{Epoch: c.Epoch, SenderLeafIndex: b.senderIdx, Body: b.ciphertext}, c.epochSecret)
		if err != nil {
			continue
		}
		msg.Buffered = true
		out = append(out, msg)
	}
	return out
}

func (e *Engine) mustActiveLocked(groupID []byte) (*Conversation, error) {
	c, ok := e.convs[key(groupID)]
	if !ok {
		return nil, ErrNotFound
	}
	switch c.State {
	case Removed:
		return nil, ErrRemoved
	case PendingExternalJoin:
		return nil, ErrExternalJoinNotMerged
	}
	if c.Pending != nil {
		return nil, ErrSelfCommitPending
	}
	return c, nil
}

func parseCertChain(der [][]byte) ([]*x509.Certificate, error) {
	chain := make([]*x509.Certificate, 0, len(der))
	for _, d := range der {
		cert, err := x509.ParseCertificate(d)
		if err != nil {
			return nil, fmt.Errorf("mls: parsing certificate chain: %w", err)
		}
		chain = append(chain, cert)
	}
	return chain, nil
}

func dedupeStrings(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
