// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bgzf

import (
	"bytes"
	"encoding/binary"

	"github.com/grailbio/base/errors"
)

// BlockSize is the maximum amount of uncompressed payload packed into
// a single BGZF block.
const BlockSize = 0xff00

// maxBlockSize is the maximum size of a compressed block, including
// its gzip framing; BSIZE (the "BC" extra-subfield payload) is this
// value minus one.
const maxBlockSize = 0x10000

// gzip magic bytes; their absence at the start of a stream means the
// stream is not (B)gzip at all.
var gzipMagic = [2]byte{0x1f, 0x8b}

// bgzfExtraPrefix identifies the "BC" extra subfield BGZF uses to
// record each block's total compressed length.
var bgzfExtraPrefix = [4]byte{'B', 'C', 0x02, 0x00}

// magicBlock is the conventional empty BGZF block written at EOF.
var magicBlock = []byte{
	0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff,
	0x06, 0x00, 0x42, 0x43, 0x02, 0x00, 0x1b, 0x00, 0x03, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// gzipFlags, from RFC 1952.
const (
	flagText = 1 << iota
	flagHCRC
	flagExtra
	flagName
	flagComment
)

// blockHeader describes the fixed-size prefix of a gzip member used
// to locate its FEXTRA subfields, and in particular the BGZF "BC"
// subfield carrying the block's total compressed size.
type blockHeader struct {
	// bsize is the total compressed block length, including header
	// and trailer: the "BC" subfield's stored value plus one.
	bsize int
	// headerLen is the number of bytes the header (through the end of
	// the extra field) occupied on the wire.
	headerLen int
	// isBGZF is true iff a "BC" extra subfield was found.
	isBGZF bool
}

// parseBlockHeader reads and parses a gzip member header from the
// front of buf, which must contain at least the fixed 10-byte gzip
// header plus (if FEXTRA is set) the full extra field. The caller is
// responsible for having read enough bytes; parseBlockHeader never
// reads past len(buf).
func parseBlockHeader(buf []byte) (blockHeader, error) {
	if len(buf) < 12 {
		return blockHeader{}, errors.E(errors.Invalid, "bgzf: truncated block header")
	}
	if buf[0] != gzipMagic[0] || buf[1] != gzipMagic[1] {
		return blockHeader{}, errors.E(errors.Invalid, "bgzf: bad gzip magic")
	}
	flg := buf[3]
	pos := 10
	var h blockHeader
	if flg&flagExtra != 0 {
		xlen := int(binary.LittleEndian.Uint16(buf[pos : pos+2]))
		pos += 2
		if len(buf) < pos+xlen {
			return blockHeader{}, errors.E(errors.Invalid, "bgzf: truncated extra field")
		}
		extra := buf[pos : pos+xlen]
		pos += xlen
		for i := 0; i+4 <= len(extra); {
			si1, si2 := extra[i], extra[i+1]
			slen := int(binary.LittleEndian.Uint16(extra[i+2 : i+4]))
			data := extra[i+4 : i+4+slen]
			if si1 == 'B' && si2 == 'C' && slen == 2 {
				h.isBGZF = true
				h.bsize = int(binary.LittleEndian.Uint16(data)) + 1
			}
			i += 4 + slen
		}
	}
	h.headerLen = pos
	return h, nil
}

// isMagicBlock reports whether buf is exactly the conventional EOF
// marker block.
func isMagicBlock(buf []byte) bool {
	return bytes.Equal(buf, magicBlock)
}
