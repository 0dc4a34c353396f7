// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package mls implements the Conversation Engine (C5) and Decryption
// Pipeline (C6): the per-group MLS state machine (epochs, pending
// commits/proposals, welcomes, external commits, buffering) and the single
// decrypt entry point that drives it.
package mls

import (
	"time"

	"github.com/corecrypto/engine/ciphersuite"
	"github.com/corecrypto/engine/credential"
)

// State is the conversation lifecycle state
type State uint8

const (
	Active State = iota
	PendingCommit
	PendingExternalJoin
	Removed
)

func (s State) String() string {
	switch s {
	case PendingCommit:
		return "PendingCommit"
	case PendingExternalJoin:
		return "PendingExternalJoin"
	case Removed:
		return "Removed"
	default:
		return "Active"
	}
}

// WirePolicy selects plaintext or ciphertext framing for handshake
// messages. The numeric values are wire-stable.
type WirePolicy uint8

const (
	Plaintext WirePolicy = 1
	Ciphertext WirePolicy = 2
)

// Member is one participant in a Conversation's membership list.
type Member struct {
	ClientID   []byte
	Credential credential.Credential
	LeafIndex  uint32
}

// ProposalKind is the kind of a locally stored proposal.
type ProposalKind uint8

const (
	ProposalAdd ProposalKind = iota
	ProposalRemove
	ProposalUpdate
)

// Proposal is a locally stored, not-yet-committed proposal, modeled as
// (conversation, epoch-of-creation, kind, payload) so it can be renewed
// against a later epoch if lost.
type Proposal struct {
	Ref           [16]byte
	Kind          ProposalKind
	EpochOfCreation uint64
	AddKeyPackage *InboundKeyPackage
	RemoveClient  []byte

	// NewCredential, set only on a self-issued ProposalUpdate, swaps this
	// Instance's own membership-list credential as part of the update
	// commit — how the Rotation Coordinator (C8) binds a freshly rotated
	// X.509 credential into every conversation it touches.
	NewCredential *credential.Credential
}

// InboundKeyPackage is a wire KeyPackage received from the DS (e.g. fetched
// to add a new member), parsed down to the fields the engine needs.
type InboundKeyPackage struct {
	Ref           [16]byte
	ClientID      []byte
	Credential    credential.Credential
	InitPublicKey []byte
}

// PendingCommitData holds the TLS-serialized commit, optional welcome, group
// info, and staged tree delta produced by a state-mutating op. Exactly
// zero or one exists per Conversation.
type PendingCommitData struct {
	Commit    []byte
	Welcome   []byte
	GroupInfo []byte

	StagedEpoch       uint64
	StagedMembers     []Member
	StagedTreeHash    [32]byte
	StagedEpochSecret []byte
	External          bool
}

// CommitBundle is the {commit, optional welcome, group-info} tuple every
// state-mutating C5 operation returns.
type CommitBundle struct {
	Commit    []byte
	Welcome   []byte
	GroupInfo []byte
}

// bufferedMessage is a still-sealed application payload whose epoch is one
// ahead of the conversation's current epoch. It is decrypted lazily, once the matching commit lands and the new
// epoch's application key exists; buffering the ciphertext rather than a
// premature plaintext means a message that never gets a matching commit
// (e.g. the commit is rejected by the DS) never gets spuriously decrypted.
type bufferedMessage struct {
	arrivalSeq uint64
	ciphertext []byte
	senderIdx  uint32
}

// Conversation is the per-group MLS state machine.
type Conversation struct {
	GroupID   []byte
	Epoch     uint64
	State     State
	Suite     ciphersuite.ID

	Members         []Member
	ExternalSenders [][]byte
	WirePolicy      WirePolicy
	ParentGroupID   []byte

	Pending           *PendingCommitData
	PendingProposals  map[[16]byte]*Proposal

	epochSecret []byte
	treeHash    [32]byte

	// senderCredentials snapshots the credential presented by each leaf
	// index at the epoch it last spoke, so a later removal doesn't erase
	// the historical identity needed to label already-sent messages.
	senderCredentials map[uint32]credential.Credential

	buffered    map[uint64][]bufferedMessage
	arrivalSeq  uint64

	selfClientID []byte
	selfCredType credential.Type

	seenCiphertext map[string]time.Time
}

// Config configures CreateConversation / JoinByExternalCommit.
type Config struct {
	Suite           ciphersuite.ID
	WirePolicy      WirePolicy
	ExternalSenders [][]byte
}

// Authorizer is the host-provided capability set invoked before admitting
// external commits or external add-proposals.
type Authorizer interface {
	Authorize(groupID, clientID []byte) error
	UserAuthorize(groupID, externalClientID []byte, members []Member) error
	ClientIsExistingGroupUser(groupID, clientID []byte, members []Member, parentMembers []Member) error
}

// DecryptedMessage is the result of C6's Decrypt.
type DecryptedMessage struct {
	Kind        MessageKind
	Plaintext   []byte
	SenderClientID []byte
	Identity    *credential.WireIdentity
	IsActive    bool
	CommitDelayMS int64
	Proposals   [][16]byte // renewed proposal refs
	Buffered    bool        // true if this message was buffered for a future epoch and surfaced once that epoch began
}

// MessageKind classifies an incoming MLS payload.
type MessageKind uint8

const (
	KindApplication MessageKind = iota
	KindProposal
	KindCommit
	KindWelcomeEcho
	KindExternalProposal
)
