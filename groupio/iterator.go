// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package groupio implements the group framer: the wire format that
// packs tagged groups of varint-length-prefixed byte strings onto a
// plain or BGZF byte stream, and the Iterator/Emitter pair that read
// and write it.
package groupio

import (
	"context"
	"io"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/vgio/bgzf"
	"github.com/grailbio/vgio/internal/varint"
	"github.com/grailbio/vgio/registry"
)

// missingEOFMarker is the fixed substring IsTruncated looks for.
const missingEOFMarker = "groupio: BGZF input is missing its trailing EOF marker block"

// IsTruncated reports whether err is the distinct error NewIterator
// returns when a seekable BGZF stream lacks its trailing EOF marker
// block, letting a caller downgrade it to a warning instead of
// treating it as an ordinary fatal framing error.
func IsTruncated(err error) bool {
	return err != nil && strings.Contains(err.Error(), missingEOFMarker)
}

// MaxMessageSize bounds every varint-length-prefixed string in a
// group; a declared length beyond it is treated as a fatal framing
// error rather than an attempt to allocate or read that much.
const MaxMessageSize = 1_000_000_000

// MaxTagLength is the longest a tag may be, re-exported from registry
// for callers that only import groupio.
const MaxTagLength = registry.MaxTagLength

// ReaderOptions configures an Iterator's underlying byte stream.
type ReaderOptions struct {
	// BGZFDecodeThreads, if > 1, decodes that many BGZF blocks ahead
	// of the iterator concurrently.
	BGZFDecodeThreads int
}

// Iterator reads a sequence of tagged groups, exposing their
// messages one at a time. The zero value is not usable; construct
// with NewIterator or NewIteratorFromSource.
type Iterator struct {
	src Source
	reg *registry.Registry
	cur cursor

	ordinal int64

	hasLastTag bool
	lastTag    string

	// groupRemaining counts the messages not yet delivered from the
	// group currently open (not counting a tag-only group's absent
	// payload); -1 means no group is open and Advance must start one.
	groupRemaining int64
	openTag        string

	groupStartVO bgzf.VirtualOffset
	groupStartOK bool

	tag    string
	msg    []byte
	hasMsg bool
	err    error
}

// NewIterator constructs an Iterator over r, auto-detecting plain,
// gzip, or BGZF framing as for bgzf.NewReader. reg is consulted to
// decide whether a group's first string is a tag or an untagged
// message; a nil reg uses registry.Default. If r is seekable and the
// stream is BGZF but lacks its trailing EOF marker block, NewIterator
// returns a distinct error identifiable with IsTruncated instead of
// an Iterator.
func NewIterator(r io.Reader, reg *registry.Registry, opts ReaderOptions) (*Iterator, error) {
	br, err := bgzf.NewReader(r, bgzf.ReaderOptions{Concurrency: opts.BGZFDecodeThreads})
	if err != nil {
		return nil, err
	}
	if br.MissingEOF() {
		return nil, errors.E(errors.Invalid, missingEOFMarker)
	}
	return NewIteratorFromSource(br, reg), nil
}

// NewIteratorFromSource constructs an Iterator directly over src,
// bypassing BGZF auto-detection. This is how the group framer can be
// layered over any Source, including fakes in tests.
func NewIteratorFromSource(src Source, reg *registry.Registry) *Iterator {
	if reg == nil {
		reg = registry.Default
	}
	return &Iterator{src: src, reg: reg, cur: newCursor(src), groupRemaining: -1}
}

// Advance reads the next tagged message, making it available via Tag
// and Message. It returns false when the stream is exhausted or an
// error occurred; callers must check Err to distinguish the two.
func (it *Iterator) Advance(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	select {
	case <-ctx.Done():
		it.err = ctx.Err()
		return false
	default:
	}
	if it.groupRemaining > 0 {
		msg, err := it.readMessage()
		if err != nil {
			it.err = err
			return false
		}
		it.groupRemaining--
		it.tag = it.openTag
		it.msg = msg
		it.hasMsg = true
		return true
	}
	return it.startGroup()
}

// startGroup decodes the next group's prologue and delivers its
// first item (the bare tag for a tag-only group, or its first
// message otherwise).
func (it *Iterator) startGroup() bool {
	vo, ok := it.cur.tell()
	it.groupStartVO, it.groupStartOK = vo, ok
	it.ordinal++

	count, err := varint.Read(&it.cur)
	if err != nil {
		if err == io.EOF {
			it.err = io.EOF
		} else {
			it.err = errors.E(errors.Invalid, "groupio: reading group count", err)
		}
		return false
	}
	if count < 1 {
		it.err = errors.E(errors.Invalid, "groupio: group count must be >= 1")
		return false
	}

	firstLen, err := varint.Read(&it.cur)
	if err != nil {
		it.err = errors.E(errors.Invalid, "groupio: reading first string length", err)
		return false
	}
	if firstLen > MaxMessageSize {
		it.err = errors.E(errors.Invalid, "groupio: first string exceeds MaxMessageSize")
		return false
	}
	firstBytes, err := it.cur.readN(int(firstLen))
	if err != nil {
		it.err = errors.E(errors.Invalid, "groupio: truncated group", err)
		return false
	}
	first := string(firstBytes)

	isTag := (it.hasLastTag && first == it.lastTag) || it.reg.IsValidTag(first)
	remaining := int64(count - 1)

	if isTag {
		it.hasLastTag, it.lastTag = true, first
		if remaining == 0 {
			it.tag, it.msg, it.hasMsg = first, nil, false
			it.groupRemaining = -1
			return true
		}
		it.openTag = first
		it.groupRemaining = remaining
		msg, err := it.readMessage()
		if err != nil {
			it.err = err
			return false
		}
		it.groupRemaining--
		it.tag, it.msg, it.hasMsg = first, msg, true
		return true
	}

	// The first string is itself a payload message in an
	// (implicitly) empty-tag group, tolerating legacy untagged files.
	it.hasLastTag, it.lastTag = true, ""
	it.openTag = ""
	it.groupRemaining = remaining
	it.tag, it.msg, it.hasMsg = "", firstBytes, true
	return true
}

func (it *Iterator) readMessage() ([]byte, error) {
	n, err := varint.Read(&it.cur)
	if err != nil {
		return nil, errors.E(errors.Invalid, "groupio: reading message length", err)
	}
	if n > MaxMessageSize {
		return nil, errors.E(errors.Invalid, "groupio: message exceeds MaxMessageSize")
	}
	msg, err := it.cur.readN(int(n))
	if err != nil {
		return nil, errors.E(errors.Invalid, "groupio: truncated message", err)
	}
	return msg, nil
}

// Tag returns the tag of the item most recently delivered by
// Advance.
func (it *Iterator) Tag() string { return it.tag }

// Message returns the item most recently delivered by Advance, and
// whether it carried a payload (false for a tag-only group). The
// returned slice is valid only until the next call to Advance.
func (it *Iterator) Message() ([]byte, bool) { return it.msg, it.hasMsg }

// Err returns the error that stopped iteration, or nil if iteration
// stopped at a clean end of stream.
func (it *Iterator) Err() error {
	if it.err == io.EOF {
		return nil
	}
	return it.err
}

// Tell returns the virtual offset of the start of the group the most
// recently delivered item belongs to, and whether the backing stream
// supports virtual offsets at all.
func (it *Iterator) Tell() (bgzf.VirtualOffset, bool) { return it.groupStartVO, it.groupStartOK }

// Cursor returns a monotonically increasing group ordinal, available
// even when the backing stream does not support virtual offsets.
func (it *Iterator) Cursor() int64 { return it.ordinal }

// SeekGroup repositions the iterator at the group starting at vo,
// clearing the cached previous tag so the group's first string is
// judged purely by the registry. It returns false if the backing
// stream does not support seeking.
func (it *Iterator) SeekGroup(vo bgzf.VirtualOffset) bool {
	if !it.src.Seek(vo) {
		return false
	}
	it.cur = newCursor(it.src)
	it.hasLastTag = false
	it.groupRemaining = -1
	it.tag, it.msg, it.hasMsg = "", nil, false
	it.err = nil
	return true
}
