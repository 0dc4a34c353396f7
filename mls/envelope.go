// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package mls

import (
	"github.com/corecrypto/engine/internal/wire"
)

// envelope is the outermost wire frame every payload handed to Decrypt
// wears, carrying just enough metadata (kind, epoch, sender) for C6 to
// classify the payload before looking at its body.
type envelope struct {
	Kind            MessageKind
	Epoch           uint64
	SenderLeafIndex uint32
	DelayMS         uint32
	Body            []byte
}

func encodeEnvelope(e envelope) []byte {
	w := wire.NewWriter()
	w.Uint8(uint8(e.Kind))
	w.Uint64(e.Epoch)
	w.Uint32(e.SenderLeafIndex)
	w.Uint32(e.DelayMS)
	w.Vec32(e.Body)
	return w.Bytes()
}

func decodeEnvelope(data []byte) (envelope, error) {
	r := wire.NewReader(data)
	var e envelope
	kind, err := r.Uint8()
	if err != nil {
		return e, err
	}
	e.Kind = MessageKind(kind)
	if e.Epoch, err = r.Uint64(); err != nil {
		return e, err
	}
	if e.SenderLeafIndex, err = r.Uint32(); err != nil {
		return e, err
	}
	if e.DelayMS, err = r.Uint32(); err != nil {
		return e, err
	}
	if e.Body, err = r.Vec32(); err != nil {
		return e, err
	}
	return e, nil
}
