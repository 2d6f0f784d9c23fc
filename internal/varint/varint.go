// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package varint implements the little-endian unsigned-varint codec
// shared by the group wire format and the load dispatcher's tag
// sniffer, so both sides of the "can a group prologue start with the
// gzip magic" proof use the same encoding.
package varint

import (
	"bufio"
	"io"

	"github.com/grailbio/base/errors"
)

// MaxLen64 is the maximum number of bytes a varint-encoded uint64 can occupy.
const MaxLen64 = 10

// MaxLen32 is the maximum number of bytes a varint-encoded uint32 can occupy.
const MaxLen32 = 5

// Put appends the varint encoding of v to buf and returns the result.
func Put(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// Read decodes a varint from r, a byte at a time. It returns
// io.ErrUnexpectedEOF if the stream ends mid-varint, and a
// errors.Invalid error if the varint is longer than 10 bytes (would
// overflow a uint64).
func Read(r io.ByteReader) (uint64, error) {
	var x uint64
	var s uint
	for i := 0; i < MaxLen64; i++ {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF && i > 0 {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}
		if b < 0x80 {
			if i == MaxLen64-1 && b > 1 {
				return 0, errors.E(errors.Invalid, "varint overflows uint64")
			}
			return x | uint64(b)<<s, nil
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
	return 0, errors.E(errors.Invalid, "varint too long")
}

// Peek decodes a varint from the lookahead buffer br without
// consuming it from the underlying stream, growing the peek window a
// byte at a time until the varint's terminating byte is seen. The
// caller gets back both the decoded value and the number of bytes it
// occupies on the wire; br's read position is unchanged.
func Peek(br *bufio.Reader) (v uint64, n int, err error) {
	for n = 1; n <= MaxLen64; n++ {
		b, perr := br.Peek(n)
		if perr != nil {
			return 0, 0, perr
		}
		if b[n-1] < 0x80 {
			x, _ := Read(&byteSliceReader{b: b})
			return x, n, nil
		}
	}
	return 0, 0, errors.E(errors.Invalid, "varint too long")
}

// DecodeBytes decodes a varint from the start of b without requiring
// an io.ByteReader wrapper, returning the value and the number of
// bytes it occupied. It returns io.EOF if b is empty and
// io.ErrUnexpectedEOF if b ends mid-varint, so a caller growing a peek
// window byte by byte can distinguish "need more bytes" from
// "malformed".
func DecodeBytes(b []byte) (v uint64, n int, err error) {
	r := &byteSliceReader{b: b}
	before := len(b)
	v, err = Read(r)
	if err != nil {
		return 0, 0, err
	}
	return v, before - len(r.b), nil
}

// byteSliceReader adapts a []byte to io.ByteReader for Read's use in Peek.
type byteSliceReader struct{ b []byte }

func (r *byteSliceReader) ReadByte() (byte, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	c := r.b[0]
	r.b = r.b[1:]
	return c, nil
}
