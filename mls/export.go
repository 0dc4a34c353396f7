// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package mls

import "github.com/corecrypto/engine/keystore"

// ExportSecret derives application-specific keying material from the
// conversation's current epoch exporter secret, the same shape as MLS's exporter
// interface: a label and a context bind the derived output to one purpose
// so two different callers never collide on the same bytes.
func (c *Conversation) ExportSecret(label string, context []byte, length int) ([]byte, error) {
	if length <= 0 {
		return nil, ErrInvalidArgument
	}
	material := append(append([]byte{}, exporterSecret(c.epochSecret)...), context...)
	return deriveExported(label, material, length), nil
}

// EpochAuthenticator returns the current epoch's authenticator secret,
// letting two members confirm out-of-band that they share identical group
// state.
func (c *Conversation) EpochAuthenticator() []byte {
	return epochAuthenticator(c.epochSecret)
}

// LoadAll populates the Engine's in-memory conversation map from every
// Group record persisted in the keystore: the reload path a reopened
// Instance needs to resume every previously-known conversation rather than
// starting with an empty map.
func (e *Engine) LoadAll() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.ks.View(func(tx *keystore.Tx) error {
		keys, err := tx.ListKeys(keystore.Group)
		if err != nil {
			return err
		}
		for _, k := range keys {
			c, err := e.loadLocked(tx, k)
			if err != nil {
				return err
			}
			e.convs[key(c.GroupID)] = c
		}
		return nil
	})
}
