// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bgzf

// VirtualOffset is a 64-bit position within a BGZF stream: the high
// 48 bits are the compressed-file offset of a block's start, and the
// low 16 bits are the byte offset of a position within that block's
// decompressed payload.
type VirtualOffset uint64

// Combine builds a VirtualOffset from a compressed block-start offset
// and an uncompressed offset within that block. uncompressed is a
// uint16, so the invariant uncompressedOffsetInBlock <= 65535 holds
// by its type.
func Combine(compressed int64, uncompressed uint16) VirtualOffset {
	return VirtualOffset(uint64(compressed)<<16 | uint64(uncompressed))
}

// Compressed returns the compressed-file offset of the block
// containing this virtual offset.
func (v VirtualOffset) Compressed() int64 {
	return int64(v >> 16)
}

// Uncompressed returns the byte offset within the block's
// decompressed payload.
func (v VirtualOffset) Uncompressed() uint16 {
	return uint16(v & 0xffff)
}

// IsEOF reports whether v is the conventional end-of-file virtual
// offset: a block-start offset equal to the compressed stream length,
// with a zero uncompressed component.
func (v VirtualOffset) IsEOF(compressedLength int64) bool {
	return v.Uncompressed() == 0 && v.Compressed() == compressedLength
}
