// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package corecrypto

import (
	"io"
	"log/slog"

	"github.com/corecrypto/engine/ciphersuite"
)

// Option configures an Instance at Open time.
type Option func(*config)

type config struct {
	logger            *slog.Logger
	defaultCiphersuite ciphersuite.ID
	entropySeed       []byte
}

func defaultConfig() *config {
	return &config{
		logger:             slog.New(slog.DiscardHandler),
		defaultCiphersuite: ciphersuite.MLS10128DHKEMX25519AES128GCMSHA256Ed25519,
	}
}

// WithLogger installs a structured logger. A nil logger is equivalent to
// not calling this option (the discard logger is kept).
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDefaultCiphersuite sets the ciphersuite new E2EI enrollments are
// created for. CreateConversation and GenerateN take their suite from the
// caller and do not read it.
func WithDefaultCiphersuite(id ciphersuite.ID) Option {
	return func(c *config) { c.defaultCiphersuite = id }
}

// WithEntropySeed mixes a caller-supplied 32-byte seed into the PRNG at
// open time, in addition to OS entropy, per spec C2.
func WithEntropySeed(seed []byte) Option {
	return func(c *config) { c.entropySeed = seed }
}
