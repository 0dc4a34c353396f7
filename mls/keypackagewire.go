// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package mls

import (
	"github.com/corecrypto/engine/ciphersuite"
	"github.com/corecrypto/engine/credential"
	"github.com/corecrypto/engine/internal/treehash"
	"github.com/corecrypto/engine/internal/wire"
)

// keyPackageRefDomain matches the domain the KeyPackage Manager (C4) hashes
// a wire-encoded KeyPackage under, so both sides derive the same 16-byte ref
// for the same bytes.
const keyPackageRefDomain = "mls10-keypackage-ref"

// EncodeKeyPackage produces the TLS wire form of a locally generated
// KeyPackage: the ciphersuite, the owning client's id, the credential it is
// bound to, and the fresh HPKE init public key. The Instance curries
// clientID away to obtain the Encoder the KeyPackage Manager is constructed
// with.
func EncodeKeyPackage(clientID []byte, cs ciphersuite.ID, ct credential.Type, cred *credential.Credential, initPub []byte) ([]byte, error) {
	w := wire.NewWriter()
	w.Uint16(uint16(cs))
	w.Vec16(clientID)
	w.Uint8(uint8(ct))
	w.Vec32(cred.SignaturePublicKey)
	w.Uint16(uint16(len(cred.CertChain)))
	for _, der := range cred.CertChain {
		w.Vec32(der)
	}
	w.Vec32(initPub)
	return w.Bytes(), nil
}

// DecodeKeyPackage parses a wire KeyPackage fetched from the DS into the
// InboundKeyPackage shape AddClients expects, deriving its 16-byte MLS
// reference from the raw wire bytes.
func DecodeKeyPackage(data []byte) (InboundKeyPackage, error) {
	var kp InboundKeyPackage
	r := wire.NewReader(data)
	if _, err := r.Uint16(); err != nil { // ciphersuite: read past, neither checked nor kept
		return kp, err
	}
	var err error
	if kp.ClientID, err = r.Vec16(); err != nil {
		return kp, err
	}
	ct, err := r.Uint8()
	if err != nil {
		return kp, err
	}
	kp.Credential.Type = credential.Type(ct)
	if kp.Credential.SignaturePublicKey, err = r.Vec32(); err != nil {
		return kp, err
	}
	n, err := r.Uint16()
	if err != nil {
		return kp, err
	}
	for i := 0; i < int(n); i++ {
		der, err := r.Vec32()
		if err != nil {
			return kp, err
		}
		kp.Credential.CertChain = append(kp.Credential.CertChain, der)
	}
	if kp.InitPublicKey, err = r.Vec32(); err != nil {
		return kp, err
	}
	kp.Ref = treehash.Ref(keyPackageRefDomain, data)
	return kp, nil
}
