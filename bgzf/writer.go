// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bgzf

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/klauspost/compress/gzip"
)

// WriterOptions configures a Writer.
type WriterOptions struct {
	// Level is the gzip compression level; zero selects
	// gzip.DefaultCompression.
	Level int
}

// Writer writes a BGZF byte stream: uncompressed payload is buffered
// into blocks of at most BlockSize bytes and flushed as independent
// compressed gzip members carrying a "BC" extra subfield recording
// each block's total compressed length.
type Writer struct {
	w     io.Writer
	level int

	block [BlockSize]byte
	next  int

	tellable         bool
	compressedOffset int64

	endFile bool
	closed  bool
	err     error

	buf bytes.Buffer // scratch for compressing one block
}

// NewWriter returns a Writer that writes compressed blocks to w.
func NewWriter(w io.Writer, opts WriterOptions) *Writer {
	level := opts.Level
	if level == 0 {
		level = gzip.DefaultCompression
	}
	return &Writer{w: w, level: level}
}

// Next returns a writable region of the current block. Data copied
// into it becomes part of the payload once the caller either lets it
// stand or trims the unused tail with BackUp. The returned slice is
// invalidated by the next call to Next, Flush, or Close.
func (w *Writer) Next() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	if w.next == len(w.block) {
		if err := w.flushBlock(); err != nil {
			return nil, err
		}
	}
	region := w.block[w.next:]
	w.next = len(w.block)
	return region, nil
}

// BackUp declares that the last n bytes of the region most recently
// returned by Next were not written to.
func (w *Writer) BackUp(n int) {
	w.next -= n
}

// Write appends p to the current block, flushing full blocks as
// necessary. It implements io.Writer in terms of Next/BackUp.
func (w *Writer) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		region, err := w.Next()
		if err != nil {
			return written, err
		}
		n := copy(region, p)
		w.BackUp(len(region) - n)
		written += n
		p = p[n:]
	}
	return written, nil
}

// MarkFileStart declares that the writer's current position is
// virtual-offset zero. It is required before Tell returns a value on
// an output stream whose absolute position the writer cannot
// otherwise infer (e.g. output being appended to an existing file).
func (w *Writer) MarkFileStart() {
	w.tellable = true
	w.compressedOffset = 0
}

// Tell returns the virtual offset at which the next byte written
// will land. It returns false if MarkFileStart has not been called.
func (w *Writer) Tell() (VirtualOffset, bool) {
	if !w.tellable {
		return 0, false
	}
	return Combine(w.compressedOffset, uint16(w.next)), true
}

// EndFile controls whether Close appends the conventional empty BGZF
// EOF marker block.
func (w *Writer) EndFile(enable bool) { w.endFile = enable }

// Flush compresses and writes out the current block, even if it is
// not full. It is a no-op if the current block is empty.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	if w.next == 0 {
		return nil
	}
	return w.flushBlock()
}

func (w *Writer) flushBlock() error {
	payload := w.block[:w.next]
	compressed, err := compressBlock(&w.buf, payload, w.level)
	if err != nil {
		w.err = err
		return err
	}
	if _, err := w.w.Write(compressed); err != nil {
		w.err = errors.E(errors.Invalid, "bgzf: write failed", err)
		return w.err
	}
	if w.tellable {
		w.compressedOffset += int64(len(compressed))
	}
	w.next = 0
	return nil
}

// compressBlock gzip-compresses payload into a single BGZF block,
// patching the "BC" extra subfield with the resulting block's total
// length minus one, using buf as compression scratch space.
func compressBlock(buf *bytes.Buffer, payload []byte, level int) ([]byte, error) {
	buf.Reset()
	gz, err := gzip.NewWriterLevel(buf, level)
	if err != nil {
		return nil, errors.E(errors.Invalid, "bgzf: gzip writer", err)
	}
	gz.Header = gzip.Header{
		Extra: append(append([]byte{}, bgzfExtraPrefix[:]...), 0, 0),
	}
	if _, err := gz.Write(payload); err != nil {
		return nil, errors.E(errors.Invalid, "bgzf: compress block", err)
	}
	if err := gz.Close(); err != nil {
		return nil, errors.E(errors.Invalid, "bgzf: compress block", err)
	}
	b := buf.Bytes()
	i := bytes.Index(b, bgzfExtraPrefix[:])
	if i < 0 {
		return nil, errors.E(errors.Invalid, "bgzf: extra field lost in compression")
	}
	size := len(b) - 1
	if size >= maxBlockSize {
		return nil, errors.E(errors.Invalid, "bgzf: compressed block overflow")
	}
	binary.LittleEndian.PutUint16(b[i+4:i+6], uint16(size))
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// Close flushes any buffered payload and, if EndFile(true) was
// called, appends the conventional empty EOF marker block. Close
// does not close the underlying writer.
func (w *Writer) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true
	if err := w.Flush(); err != nil {
		return err
	}
	if w.endFile {
		if _, err := w.w.Write(magicBlock); err != nil {
			w.err = errors.E(errors.Invalid, "bgzf: write EOF marker", err)
			return w.err
		}
		if w.tellable {
			w.compressedOffset += int64(len(magicBlock))
		}
	}
	return nil
}
