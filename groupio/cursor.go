// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package groupio

import (
	"github.com/grailbio/vgio/bgzf"
)

// Source is the zero-copy byte-stream interface the group framer
// reads from and seeks on. *bgzf.Reader satisfies it directly, so the
// group framer runs identically over plain, gzip, and BGZF input.
type Source interface {
	Next() ([]byte, error)
	BackUp(n int)
	Tell() (bgzf.VirtualOffset, bool)
	Seek(vo bgzf.VirtualOffset) bool
}

// Sink is the zero-copy byte-stream interface the group emitter
// writes to. *bgzf.Writer satisfies it directly.
type Sink interface {
	Write(p []byte) (int, error)
	Tell() (bgzf.VirtualOffset, bool)
	Flush() error
}

// cursor turns a Source's chunked Next()/BackUp() interface into the
// byte-at-a-time and exact-run reads the group wire format needs,
// while preserving Source.Tell()'s virtual-offset accuracy: tell
// trims any unconsumed tail of the current chunk back onto the
// Source via BackUp before asking it for the current position.
type cursor struct {
	src Source
	buf []byte
	pos int
}

func newCursor(src Source) cursor {
	return cursor{src: src}
}

// ReadByte implements io.ByteReader so a cursor can be decoded with
// internal/varint.Read directly.
func (c *cursor) ReadByte() (byte, error) {
	for c.pos == len(c.buf) {
		buf, err := c.src.Next()
		if err != nil {
			return 0, err
		}
		c.buf = buf
		c.pos = 0
	}
	b := c.buf[c.pos]
	c.pos++
	return b, nil
}

// readN returns exactly n bytes. The returned slice is a view into
// the underlying Source's buffers when it fits within the chunk
// currently held, and a freshly allocated copy when it spans more
// than one; callers must treat it as valid only until the next call
// that advances the cursor.
func (c *cursor) readN(n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if c.pos+n <= len(c.buf) {
		b := c.buf[c.pos : c.pos+n]
		c.pos += n
		return b, nil
	}
	out := make([]byte, 0, n)
	out = append(out, c.buf[c.pos:]...)
	c.pos = len(c.buf)
	for len(out) < n {
		buf, err := c.src.Next()
		if err != nil {
			return nil, err
		}
		c.buf = buf
		c.pos = 0
		need := n - len(out)
		if need >= len(buf) {
			out = append(out, buf...)
			c.pos = len(buf)
		} else {
			out = append(out, buf[:need]...)
			c.pos = need
		}
	}
	return out, nil
}

// tell returns the virtual offset of the next byte the cursor will
// deliver, pushing back any unconsumed tail of the held chunk so the
// Source's own Tell() stays exact.
func (c *cursor) tell() (bgzf.VirtualOffset, bool) {
	if c.pos < len(c.buf) {
		c.src.BackUp(len(c.buf) - c.pos)
		c.buf = c.buf[:c.pos]
	}
	return c.src.Tell()
}
