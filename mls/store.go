// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package mls

import (
	"time"

	"github.com/corecrypto/engine/ciphersuite"
	"github.com/corecrypto/engine/credential"
	"github.com/corecrypto/engine/keystore"
)

// record is the CBOR-serializable persisted shape of a Conversation,
// mirroring every field (including the unexported key-schedule state)
// except the in-memory seenCiphertext dedup set, so a reopened Instance can
// resume a conversation where it left off.
type record struct {
	GroupID   []byte
	Epoch     uint64
	State     State
	Suite     ciphersuite.ID

	Members         []Member
	ExternalSenders [][]byte
	WirePolicy      WirePolicy
	ParentGroupID   []byte

	Pending          *PendingCommitData
	PendingProposals map[[16]byte]*Proposal

	EpochSecret []byte
	TreeHash    [32]byte

	SenderCredentials map[uint32]credential.Credential

	Buffered   map[uint64][]bufferedMessageRecord
	ArrivalSeq uint64

	SelfClientID []byte
	SelfCredType credential.Type
}

// bufferedMessageRecord is bufferedMessage with exported fields, since CBOR
// reflection (like encoding/json) never serializes unexported struct
// fields.
type bufferedMessageRecord struct {
	ArrivalSeq uint64
	Ciphertext []byte
	SenderIdx  uint32
}

func toBufferedRecords(in map[uint64][]bufferedMessage) map[uint64][]bufferedMessageRecord {
	out := make(map[uint64][]bufferedMessageRecord, len(in))
	for epoch, msgs := range in {
		recs := make([]bufferedMessageRecord, len(msgs))
		for i, m := range msgs {
			recs[i] = bufferedMessageRecord{ArrivalSeq: m.arrivalSeq, Ciphertext: m.ciphertext, SenderIdx: m.senderIdx}
		}
		out[epoch] = recs
	}
	return out
}

func fromBufferedRecords(in map[uint64][]bufferedMessageRecord) map[uint64][]bufferedMessage {
	out := make(map[uint64][]bufferedMessage, len(in))
	for epoch, recs := range in {
		msgs := make([]bufferedMessage, len(recs))
		for i, r := range recs {
			msgs[i] = bufferedMessage{arrivalSeq: r.ArrivalSeq, ciphertext: r.Ciphertext, senderIdx: r.SenderIdx}
		}
		out[epoch] = msgs
	}
	return out
}

func toRecord(c *Conversation) *record {
	return &record{
		GroupID: c.GroupID, Epoch: c.Epoch, State: c.State, Suite: c.Suite,
		Members: c.Members, ExternalSenders: c.ExternalSenders,
		WirePolicy: c.WirePolicy, ParentGroupID: c.ParentGroupID,
		Pending: c.Pending, PendingProposals: c.PendingProposals,
		EpochSecret: c.epochSecret, TreeHash: c.treeHash,
		SenderCredentials: c.senderCredentials,
		Buffered:          toBufferedRecords(c.buffered), ArrivalSeq: c.arrivalSeq,
		SelfClientID: c.selfClientID, SelfCredType: c.selfCredType,
	}
}

func fromRecord(r *record) *Conversation {
	c := &Conversation{
		GroupID: r.GroupID, Epoch: r.Epoch, State: r.State, Suite: r.Suite,
		Members: r.Members, ExternalSenders: r.ExternalSenders,
		WirePolicy: r.WirePolicy, ParentGroupID: r.ParentGroupID,
		Pending: r.Pending, PendingProposals: r.PendingProposals,
		epochSecret: r.EpochSecret, treeHash: r.TreeHash,
		senderCredentials: r.SenderCredentials,
		buffered:          fromBufferedRecords(r.Buffered), arrivalSeq: r.ArrivalSeq,
		selfClientID: r.SelfClientID, selfCredType: r.SelfCredType,
		seenCiphertext: make(map[string]time.Time),
	}
	if c.PendingProposals == nil {
		c.PendingProposals = make(map[[16]byte]*Proposal)
	}
	if c.buffered == nil {
		c.buffered = make(map[uint64][]bufferedMessage)
	}
	if c.senderCredentials == nil {
		c.senderCredentials = make(map[uint32]credential.Credential)
	}
	return c
}

func (e *Engine) saveLocked(tx *keystore.Tx, c *Conversation) error {
	return tx.Put(keystore.Group, c.GroupID, toRecord(c))
}

func (e *Engine) loadLocked(tx *keystore.Tx, groupID []byte) (*Conversation, error) {
	var r record
	if err := tx.Get(keystore.Group, groupID, &r); err != nil {
		return nil, err
	}
	return fromRecord(&r), nil
}
