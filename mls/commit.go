// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package mls

import (
	"fmt"

	"github.com/corecrypto/engine/ciphersuite"
	"github.com/corecrypto/engine/credential"
	"github.com/corecrypto/engine/internal/treehash"
	"github.com/corecrypto/engine/keystore"
)

// stageCommitLocked applies proposals to a staged copy of the membership
// list, produces the Commit/Welcome/GroupInfo wire bundle, and leaves the
// conversation in PendingCommit (or PendingExternalJoin if external) until
// the caller calls CommitAccepted / MergePendingGroupFromExternalCommit.
// Caller holds e.mu.
func (e *Engine) stageCommitLocked(c *Conversation, proposals []*Proposal, external bool) (*CommitBundle, error) {
	staged := append([]Member{}, c.Members...)
	var added []InboundKeyPackage
	var removed [][]byte

	nextLeaf := nextLeafIndex(staged)
	for _, p := range proposals {
		switch p.Kind {
		case ProposalAdd:
			if p.AddKeyPackage == nil {
				return nil, fmt.Errorf("%w: add proposal missing keypackage", ErrInvalidArgument)
			}
			staged = append(staged, Member{
				ClientID: p.AddKeyPackage.ClientID, Credential: p.AddKeyPackage.Credential, LeafIndex: nextLeaf,
			})
			added = append(added, *p.AddKeyPackage)
			nextLeaf++
		case ProposalRemove:
			staged = removeMember(staged, p.RemoveClient)
			removed = append(removed, p.RemoveClient)
		case ProposalUpdate:
			if p.NewCredential != nil {
				for i := range staged {
					if string(staged[i].ClientID) == string(c.selfClientID) {
						staged[i].Credential = *p.NewCredential
					}
				}
			}
		}
	}

	stagedTreeHash := computeTreeHash(staged)
	stagedEpoch := c.Epoch + 1
	stagedEpochSecret := nextEpochSecret(c.epochSecret, stagedEpoch, stagedTreeHash)

	commitWire := encodeEnvelope(envelope{
		Kind: KindCommit, Epoch: c.Epoch, SenderLeafIndex: selfLeafIndex(c),
		Body: encodeCommit(commitPayload{
			GroupID: c.GroupID, FromEpoch: c.Epoch, ToEpoch: stagedEpoch,
			Added: added, Removed: removed, TreeHash: stagedTreeHash,
		}),
	})

	groupInfoWire := encodeGroupInfo(groupInfoPayload{
		GroupID: c.GroupID, Epoch: stagedEpoch, TreeHash: stagedTreeHash,
		Suite: c.Suite, WirePolicy: c.WirePolicy, ExternalSenders: c.ExternalSenders,
	})

	var welcomeWire []byte
	if len(added) > 0 {
		var err error
		welcomeWire, err = e.sealWelcome(c, stagedEpoch, stagedEpochSecret, stagedTreeHash, staged, added)
		if err != nil {
			return nil, err
		}
	}

	c.Pending = &PendingCommitData{
		Commit: commitWire, Welcome: welcomeWire, GroupInfo: groupInfoWire,
		StagedEpoch: stagedEpoch, StagedMembers: staged, StagedTreeHash: stagedTreeHash,
		StagedEpochSecret: stagedEpochSecret, External: external,
	}
	if external {
		c.State = PendingExternalJoin
	} else {
		c.State = PendingCommit
	}

	if err := e.ks.Transact(func(tx *keystore.Tx) error { return e.saveLocked(tx, c) }); err != nil {
		return nil, err
	}

	return &CommitBundle{Commit: commitWire, Welcome: welcomeWire, GroupInfo: groupInfoWire}, nil
}

// welcomeAAD is fixed (rather than derived from the group id) because the
// whole point of a Welcome is to hand a brand-new joiner the group id it
// does not yet know; the group id itself travels inside the sealed
// plaintext (welcomeSecrets.GroupID) instead.
var welcomeAAD = []byte("mls10-welcome-aad")

func (e *Engine) sealWelcome(c *Conversation, stagedEpoch uint64, epochSecret []byte, treeHash [32]byte, members []Member, added []InboundKeyPackage) ([]byte, error) {
	secrets := welcomeSecrets{
		GroupID: c.GroupID, Epoch: stagedEpoch, Suite: c.Suite,
		WirePolicy: c.WirePolicy, ExternalSenders: c.ExternalSenders,
		TreeHash: treeHash, EpochSecret: epochSecret, Members: members,
	}
	plaintext := encodeWelcomeSecrets(secrets)

	perMember := make([]sealedWelcomeEntry, 0, len(added))
	for _, kp := range added {
		pub, err := unmarshalInitKey(c.Suite, kp.InitPublicKey)
		if err != nil {
			return nil, err
		}
		enc, ct, err := ciphersuite.SealWelcome(c.Suite, pub, []byte("mls10-welcome"), welcomeAAD, plaintext)
		if err != nil {
			return nil, fmt.Errorf("mls: sealing welcome for %x: %w", kp.Ref, err)
		}
		perMember = append(perMember, sealedWelcomeEntry{Ref: kp.Ref, Enc: enc, Ciphertext: ct})
	}
	return encodeWelcome(welcomePayload{Suite: c.Suite, Entries: perMember}), nil
}

func nextLeafIndex(members []Member) uint32 {
	var max uint32
	for _, m := range members {
		if m.LeafIndex >= max {
			max = m.LeafIndex + 1
		}
	}
	return max
}

func removeMember(members []Member, clientID []byte) []Member {
	out := make([]Member, 0, len(members))
	for _, m := range members {
		if string(m.ClientID) == string(clientID) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func proposalRef(groupID []byte, epoch uint64, p *Proposal) [16]byte {
	data := append([]byte{}, groupID...)
	data = append(data, byte(p.Kind))
	if p.AddKeyPackage != nil {
		data = append(data, p.AddKeyPackage.Ref[:]...)
	}
	if p.RemoveClient != nil {
		data = append(data, p.RemoveClient...)
	}
	var epochBuf [8]byte
	for i := 0; i < 8; i++ {
		epochBuf[i] = byte(epoch >> (56 - 8*i))
	}
	data = append(data, epochBuf[:]...)
	return treehash.Ref("mls10-proposal-ref", data)
}

func identityFromCredential(reg *credential.Registry, cred credential.Credential) *credential.WireIdentity {
	if cred.Type != credential.X509 || len(cred.CertChain) == 0 {
		return nil
	}
	leaf, err := parseCertChain(cred.CertChain[:1])
	if err != nil {
		return nil
	}
	id, err := reg.ExtractIdentity(leaf[0])
	if err != nil {
		return nil
	}
	return id
}
