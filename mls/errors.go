// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package mls

import "errors"

// Local sentinel error table. The root corecrypto package maps these onto
// the closed Kind enum at the Instance boundary; this package stays
// ignorant of that enum to avoid an import cycle with the package that
// wires C1-C9 together.
var (
	ErrNotFound             = errors.New("mls: conversation not found")
	ErrAlreadyExists        = errors.New("mls: conversation already exists")
	ErrInvalidArgument      = errors.New("mls: invalid argument")
	ErrSelfCommitPending    = errors.New("mls: a pending commit already exists for this conversation")
	ErrExternalJoinNotMerged = errors.New("mls: external join has not been merged yet")
	ErrStaleEpoch           = errors.New("mls: message epoch is behind the conversation's current epoch")
	ErrFutureEpoch          = errors.New("mls: message epoch is too far ahead to buffer")
	ErrBufferedForFutureEpoch = errors.New("mls: message buffered for a future epoch")
	ErrAlreadyDecrypted     = errors.New("mls: payload already decrypted")
	ErrUnauthorized         = errors.New("mls: authorization callback denied this operation")
	ErrRemoved              = errors.New("mls: conversation has been removed")
	ErrNoPendingCommit      = errors.New("mls: no pending commit to clear or accept")
	ErrNoPendingProposal    = errors.New("mls: no such pending proposal")
)
