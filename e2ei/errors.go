// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package e2ei

import "errors"

// Local sentinel error table, mapped onto the closed Kind enum at the
// Instance boundary.
var (
	ErrInvalidArgument = errors.New("e2ei: invalid argument")
	ErrWrongState      = errors.New("e2ei: operation not valid in the enrollment's current state")
	ErrACMEProtocol    = errors.New("e2ei: malformed or unexpected ACME response")
	ErrNotFound        = errors.New("e2ei: no stashed enrollment under that handle")
)
