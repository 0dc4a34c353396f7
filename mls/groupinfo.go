// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package mls

// GroupInfoEncryptionType says how a GroupInfoBundle's payload is
// protected. The numeric values are wire-stable.
type GroupInfoEncryptionType uint8

const (
	GroupInfoPlaintext    GroupInfoEncryptionType = 1
	GroupInfoJweEncrypted GroupInfoEncryptionType = 2
)

// RatchetTreeType says how a GroupInfoBundle conveys the ratchet tree.
type RatchetTreeType uint8

const (
	RatchetTreeFull  RatchetTreeType = 1
	RatchetTreeDelta RatchetTreeType = 2
	RatchetTreeByRef RatchetTreeType = 3
)

// GroupInfoBundle is the 3-field record a host uploads to the DS so
// non-members can mount external joins. Only Plaintext and Full are
// produced today; the other values are reserved.
type GroupInfoBundle struct {
	EncryptionType  GroupInfoEncryptionType
	RatchetTreeType RatchetTreeType
	Payload         []byte
}

// GroupInfoBundle wraps the bundle's raw GroupInfo in the typed record the
// DS upload path expects.
func (b *CommitBundle) GroupInfoBundle() GroupInfoBundle {
	return GroupInfoBundle{
		EncryptionType:  GroupInfoPlaintext,
		RatchetTreeType: RatchetTreeFull,
		Payload:         b.GroupInfo,
	}
}
