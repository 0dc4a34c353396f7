// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package mls

import (
	"encoding/binary"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/corecrypto/engine/internal/treehash"
)

// The full TreeKEM path-secret schedule belongs to the underlying MLS
// cryptographic primitive library, out of scope for this engine. What the
// engine owns is the epoch-to-epoch envelope: a single epoch secret
// advanced by a domain-separated blake3 derivation keyed on the new tree
// hash, from which the application AEAD key, exporter secret, and epoch
// authenticator are all expanded. Epoch monotonicity, tree-hash
// consistency, and the encrypt/decrypt round trip all hold without
// claiming RFC 9420 wire compatibility.

func initialEpochSecret(groupID []byte) []byte {
	h := treehash.WithDomain("mls10-epoch-secret/init", groupID)
	return h[:]
}

func nextEpochSecret(prev []byte, epoch uint64, treeHash [32]byte) []byte {
	var epochBytes [8]byte
	binary.BigEndian.PutUint64(epochBytes[:], epoch)
	material := append(append([]byte{}, prev...), treeHash[:]...)
	material = append(material, epochBytes[:]...)
	return treehash.DeriveKey("mls10-epoch-secret/next", material, 32)
}

func memberLeafHash(m Member) [32]byte {
	data := append(append([]byte{}, m.ClientID...), m.Credential.SignaturePublicKey...)
	data = append(data, byte(m.Credential.Type))
	return treehash.WithDomain("mls10-leaf-hash", data)
}

func computeTreeHash(members []Member) [32]byte {
	leaves := make([][32]byte, len(members))
	for i, m := range members {
		leaves[i] = memberLeafHash(m)
	}
	return treehash.MerkleRoot("mls10-tree-node", leaves)
}

func applicationKey(epochSecret, groupID []byte) []byte {
	material := append(append([]byte{}, epochSecret...), groupID...)
	return treehash.DeriveKey("mls10-application-key", material, chacha20poly1305.KeySize)
}

// exporterSecret backs the Conversation.ExportSecret API.
func exporterSecret(epochSecret []byte) []byte {
	return treehash.DeriveKey("mls10-exporter-secret", epochSecret, 32)
}

// epochAuthenticator backs the Conversation.EpochAuthenticator API.
func epochAuthenticator(epochSecret []byte) []byte {
	return treehash.DeriveKey("mls10-epoch-authenticator", epochSecret, 32)
}

// deriveExported backs the Conversation.ExportSecret API, binding a
// caller label on top of the already label-bound exporter secret.
func deriveExported(label string, material []byte, length int) []byte {
	return treehash.DeriveKey("mls10-exported/"+label, material, length)
}
