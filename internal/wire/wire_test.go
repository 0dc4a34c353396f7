// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	w := NewWriter()
	w.Uint16(0x0102)
	w.Uint64(42)
	w.Vec16([]byte("hello"))
	w.Vec32([]byte("world, but longer"))

	r := NewReader(w.Bytes())
	u16, err := r.Uint16()
	require.NoError(t, err)
	require.Equal(t, uint16(0x0102), u16)

	u64, err := r.Uint64()
	require.NoError(t, err)
	require.Equal(t, uint64(42), u64)

	v16, err := r.Vec16()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), v16)

	v32, err := r.Vec32()
	require.NoError(t, err)
	require.Equal(t, []byte("world, but longer"), v32)

	require.True(t, r.Done())
}

func TestTruncated(t *testing.T) {
	r := NewReader([]byte{0x00})
	_, err := r.Uint16()
	require.ErrorIs(t, err, ErrTruncated)
}
