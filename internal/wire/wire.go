// Copyright (C) 2025 The corecrypto Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package wire implements the length-prefixed vector encoding the MLS RFC
// calls the "TLS presentation language": each variable-length field is
// preceded by its length as a big-endian integer.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrTruncated is returned when a Read* call needs more bytes than remain.
var ErrTruncated = errors.New("wire: truncated input")

// Writer accumulates a TLS-style encoding.
type Writer struct{ buf bytes.Buffer }

func NewWriter() *Writer { return &Writer{} }

func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

// Uint8/Uint16/Uint32/Uint64 write fixed-width big-endian scalars.
func (w *Writer) Uint8(v uint8)   { w.buf.WriteByte(v) }
func (w *Writer) Uint16(v uint16) { var b [2]byte; binary.BigEndian.PutUint16(b[:], v); w.buf.Write(b[:]) }
func (w *Writer) Uint32(v uint32) { var b [4]byte; binary.BigEndian.PutUint32(b[:], v); w.buf.Write(b[:]) }
func (w *Writer) Uint64(v uint64) { var b [8]byte; binary.BigEndian.PutUint64(b[:], v); w.buf.Write(b[:]) }

// Vec16/Vec32 write a length-prefixed opaque byte vector, prefixed with a
// uint16 or uint32 length respectively (RFC 8446 §3.4 "vectors").
func (w *Writer) Vec16(data []byte) { w.Uint16(uint16(len(data))); w.buf.Write(data) }
func (w *Writer) Vec32(data []byte) { w.Uint32(uint32(len(data))); w.buf.Write(data) }

// Reader consumes a TLS-style encoding produced by Writer.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(data []byte) *Reader { return &Reader{buf: data} }

func (r *Reader) remaining() int { return len(r.buf) - r.pos }

func (r *Reader) Uint8() (uint8, error) {
	if r.remaining() < 1 {
		return 0, ErrTruncated
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *Reader) Uint16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, ErrTruncated
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *Reader) Uint32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, ErrTruncated
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *Reader) Uint64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, ErrTruncated
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *Reader) Vec16() ([]byte, error) {
	n, err := r.Uint16()
	if err != nil {
		return nil, err
	}
	return r.take(int(n))
}

func (r *Reader) Vec32() ([]byte, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	return r.take(int(n))
}

func (r *Reader) take(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrTruncated, n, r.remaining())
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

// Done reports whether every byte of the input has been consumed.
func (r *Reader) Done() bool { return r.remaining() == 0 }
