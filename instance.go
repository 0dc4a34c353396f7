// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package corecrypto is the top-level handle of the group messaging
// cryptographic engine: one Instance owns a keystore (C1), a PRNG (C2), a
// credential registry and store (C3), a KeyPackage manager (C4), the MLS
// conversation engine and decryption pipeline (C5/C6), the E2EI enrollment
// arena (C7), the rotation coordinator (C8), and the Proteus session
// manager (C9). Hosts import this one package; every public operation is
// serialized by the Instance per the single-threaded-per-instance model.
package corecrypto

import (
	"fmt"
	"sync"

	"github.com/corecrypto/engine/ciphersuite"
	"github.com/corecrypto/engine/credential"
	"github.com/corecrypto/engine/e2ei"
	"github.com/corecrypto/engine/keypackage"
	"github.com/corecrypto/engine/keystore"
	"github.com/corecrypto/engine/mls"
	"github.com/corecrypto/engine/proteus"
	"github.com/corecrypto/engine/prng"
	"github.com/corecrypto/engine/rotation"
)

// E2eiConversationState classifies a conversation's end-to-end-identity
// posture.
type E2eiConversationState uint8

const (
	E2eiVerified    E2eiConversationState = 1
	E2eiNotVerified E2eiConversationState = 2
	E2eiNotEnabled  E2eiConversationState = 3
)

// Instance is the per-database engine handle. All
// public operations on one Instance are serialized; distinct Instances
// (distinct databases) share nothing.
type Instance struct {
	mu  sync.Mutex
	cfg *config

	ks       *keystore.Keystore
	rng      *prng.PRNG
	registry *credential.Registry
	creds    *credential.Store

	// Wired by Open, or later by UpgradeClientID on a deferred open.
	clientID      []byte
	keyPkgs       *keypackage.Manager
	conversations *mls.Engine
	rotator       *rotation.Coordinator

	// Lazily wired by ProteusInit.
	proteusMgr *proteus.Manager

	// enrollments is the arena of outstanding Enrollment objects; each one
	// holds a keystore child handle so Close refuses while any is alive.
	enrollments map[*e2ei.Enrollment]struct{}

	// fatal latches KeystoreCorrupted; once set, every call fails with it.
	fatal error
}

// Open opens (creating if necessary) the engine database at path, derives
// the record-sealing key from masterKey, and binds the Instance to
// clientID. authz may be nil when the host admits no external joiners.
func Open(path string, masterKey, clientID []byte, authz mls.Authorizer, opts ...Option) (*Instance, error) {
	if len(clientID) == 0 {
		return nil, New(KindInvalidArgument, "open requires a non-empty client id")
	}
	inst, err := OpenDeferred(path, masterKey, opts...)
	if err != nil {
		return nil, err
	}
	if err := inst.UpgradeClientID(clientID, authz); err != nil {
		_ = inst.ks.Close()
		return nil, err
	}
	return inst, nil
}

// OpenDeferred opens the keystore, PRNG, and credential material without a
// client identity; MLS operations fail until UpgradeClientID supplies one.
// ProteusInit does not need a client identity.
func OpenDeferred(path string, masterKey []byte, opts ...Option) (*Instance, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}

	ks, err := keystore.Open(path, masterKey)
	if err != nil {
		return nil, Wrap(KindInternal, "opening keystore", err)
	}
	rng, err := prng.New(cfg.entropySeed)
	if err != nil {
		_ = ks.Close()
		return nil, Wrap(KindCryptoFailure, "seeding PRNG", err)
	}
	creds, err := credential.NewStore(ks)
	if err != nil {
		_ = ks.Close()
		return nil, Wrap(KindKeystoreCorrupted, "loading credential store", err)
	}

	cfg.logger.Debug("instance opened", "path", path)
	return &Instance{
		cfg:         cfg,
		ks:          ks,
		rng:         rng,
		registry:    credential.New(),
		creds:       creds,
		enrollments: make(map[*e2ei.Enrollment]struct{}),
	}, nil
}

// UpgradeClientID binds a deferred-open Instance to its client identity and
// wires the identity-dependent components. The identity is immutable once
// set.
func (i *Instance) UpgradeClientID(clientID []byte, authz mls.Authorizer) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.checkLocked(); err != nil {
		return err
	}
	if len(clientID) == 0 {
		return New(KindInvalidArgument, "client id must be non-empty")
	}
	if i.clientID != nil {
		return New(KindAlreadyExists, "client id already set for this instance")
	}

	i.clientID = clientID
	encoder := func(cs ciphersuite.ID, ct credential.Type, cred *credential.Credential, initPub []byte) ([]byte, error) {
		return mls.EncodeKeyPackage(clientID, cs, ct, cred, initPub)
	}
	i.keyPkgs = keypackage.New(i.ks, i.rng, i.creds.Lookup, encoder)
	i.conversations = mls.NewEngine(i.ks, i.registry, authz, clientID)
	i.rotator = rotation.New(i.registry, i.creds, i.conversations, i.keyPkgs)

	if err := i.conversations.LoadAll(); err != nil {
		i.fatal = Wrap(KindKeystoreCorrupted, "loading persisted conversations", err)
		return i.fatal
	}
	i.cfg.logger.Debug("client id bound", "clientID", fmt.Sprintf("%x", clientID))
	return nil
}

// ClientID returns the bound client identity, nil on a still-deferred open.
func (i *Instance) ClientID() []byte {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.clientID
}

// Close releases the Instance. It fails with KeystoreLocked while any
// child handle (an outstanding Enrollment) is alive, preventing keystore
// corruption.
func (i *Instance) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.enrollments) > 0 {
		return New(KindKeystoreLocked, "outstanding enrollment handles")
	}
	if err := i.ks.Close(); err != nil {
		if err == keystore.ErrLocked {
			return Wrap(KindKeystoreLocked, "keystore has outstanding child handles", err)
		}
		return Wrap(KindInternal, "closing keystore", err)
	}
	return nil
}

// Wipe destroys the entire backing database.
func (i *Instance) Wipe() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.ks.Wipe(); err != nil {
		return Wrap(KindInternal, "wiping keystore", err)
	}
	return nil
}

// Reseed XOR-mixes exactly 32 caller-supplied bytes into the PRNG state;
// any other length fails with InvalidArgument.
func (i *Instance) Reseed(seed []byte) error {
	if err := i.rng.Reseed(seed); err != nil {
		return Wrap(KindInvalidArgument, "reseed", err)
	}
	return nil
}

// RandomBytes draws n bytes from the Instance PRNG.
func (i *Instance) RandomBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, New(KindInvalidArgument, "negative byte count")
	}
	buf := make([]byte, n)
	i.rng.Draw(buf)
	return buf, nil
}

// Conversations exposes the MLS conversation engine (C5/C6) scoped to this
// Instance. Nil until a client id is bound.
func (i *Instance) Conversations() *mls.Engine {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.conversations
}

// KeyPackages exposes the KeyPackage manager (C4). Nil until a client id
// is bound.
func (i *Instance) KeyPackages() *keypackage.Manager {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.keyPkgs
}

// Credentials exposes the trust registry (C3): anchors, intermediates,
// CRLs, chain validation, identity extraction.
func (i *Instance) Credentials() *credential.Registry { return i.registry }

// ProteusInit lazily constructs the Proteus session manager (C9), creating
// and persisting the local identity keypair on first use.
func (i *Instance) ProteusInit() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.checkLocked(); err != nil {
		return err
	}
	if i.proteusMgr != nil {
		return nil
	}
	mgr, err := proteus.NewManager(i.ks, i.rng)
	if err != nil {
		return Wrap(KindInternal, "initializing proteus", err)
	}
	i.proteusMgr = mgr
	return nil
}

// Proteus exposes the Proteus session manager; nil before ProteusInit.
func (i *Instance) Proteus() *proteus.Manager {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.proteusMgr
}

func (i *Instance) checkLocked() error {
	if i.fatal != nil {
		return i.fatal
	}
	return nil
}
