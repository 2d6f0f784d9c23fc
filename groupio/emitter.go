// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package groupio

import (
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/vgio/bgzf"
	"github.com/grailbio/vgio/internal/varint"
)

// DefaultMaxGroupSize is the soft cap on messages buffered into one
// group before Emitter flushes automatically.
const DefaultMaxGroupSize = 1000

// Listener is invoked once per emitted group, after it has been
// written, with the group's tag and virtual-offset span. start and
// end are zero values when the backing stream doesn't support
// virtual offsets.
type Listener func(tag string, start, end bgzf.VirtualOffset)

// WriterOptions configures an Emitter's underlying byte stream.
type WriterOptions struct {
	// Compress selects BGZF framing; when false, groups are written
	// as plain varint-delimited bytes with no virtual offsets.
	Compress bool
	// Level is the gzip compression level, used only when Compress.
	Level int
	// EndFile controls whether Close appends the BGZF EOF marker
	// block. It has no effect when Compress is false.
	EndFile bool
	// MaxGroupSize overrides DefaultMaxGroupSize; zero selects the
	// default.
	MaxGroupSize int
}

// Emitter buffers one group at a time and writes it to a plain or
// BGZF byte stream in the group wire format. The zero value is not
// usable; construct with NewEmitter or NewEmitterFromSink.
type Emitter struct {
	sink         Sink
	maxGroupSize int
	ownsSink     io.Closer // non-nil when Emitter owns a *bgzf.Writer it must Close

	tag       string
	hasTag    bool
	msgs      [][]byte
	startVO   bgzf.VirtualOffset
	startOK   bool

	listeners []Listener

	closed bool
	err    error
}

// NewEmitter constructs an Emitter writing to w, wrapping it in a
// bgzf.Writer when opts.Compress is set or a plain writer otherwise.
func NewEmitter(w io.Writer, opts WriterOptions) *Emitter {
	maxGroupSize := opts.MaxGroupSize
	if maxGroupSize == 0 {
		maxGroupSize = DefaultMaxGroupSize
	}
	if opts.Compress {
		bw := bgzf.NewWriter(w, bgzf.WriterOptions{Level: opts.Level})
		bw.MarkFileStart()
		bw.EndFile(opts.EndFile)
		return &Emitter{sink: bw, maxGroupSize: maxGroupSize, ownsSink: bgzfCloser{bw}}
	}
	return &Emitter{sink: &plainSink{w: w}, maxGroupSize: maxGroupSize}
}

// NewEmitterFromSink constructs an Emitter writing directly to sink,
// bypassing the BGZF/plain selection in NewEmitter. Useful for tests
// and for layering the group framer over an already-constructed
// bgzf.Writer.
func NewEmitterFromSink(sink Sink, maxGroupSize int) *Emitter {
	if maxGroupSize == 0 {
		maxGroupSize = DefaultMaxGroupSize
	}
	return &Emitter{sink: sink, maxGroupSize: maxGroupSize}
}

// AddListener registers fn to be called once per group this Emitter
// writes out, after the write completes.
func (e *Emitter) AddListener(fn Listener) {
	e.listeners = append(e.listeners, fn)
}

// Write begins or continues a tag-only group: if tag differs from
// the currently buffered tag, the buffered group (if any) is flushed
// first. Write(tag) followed immediately by Write(tag) again is a
// no-op once buffered; call Flush or let a subsequent different tag
// flush it.
func (e *Emitter) Write(tag string) error {
	return e.write(tag, nil, false)
}

// WriteMessage appends msg to the group for tag, coalescing by tag
// the same way Write does, and flushing the previously buffered
// group first if tag differs from it.
func (e *Emitter) WriteMessage(tag string, msg []byte) error {
	return e.write(tag, msg, true)
}

func (e *Emitter) write(tag string, msg []byte, hasMsg bool) error {
	if e.err != nil {
		return e.err
	}
	if tag == "" {
		return errors.E(errors.Invalid, "groupio: cannot emit under the empty tag")
	}
	if hasMsg && len(msg) > MaxMessageSize {
		return errors.E(errors.Invalid, "groupio: message exceeds MaxMessageSize")
	}
	if e.hasTag && tag != e.tag {
		if err := e.flushGroup(); err != nil {
			return err
		}
	}
	if !e.hasTag {
		vo, ok := e.sink.Tell()
		e.startVO, e.startOK = vo, ok
	}
	e.tag, e.hasTag = tag, true
	if hasMsg {
		e.msgs = append(e.msgs, msg)
		if len(e.msgs) >= e.maxGroupSize {
			return e.flushGroup()
		}
	}
	return nil
}

// Flush emits the buffered group, even if tag-only, and flushes the
// underlying byte stream.
func (e *Emitter) Flush() error {
	if e.err != nil {
		return e.err
	}
	if err := e.flushGroup(); err != nil {
		return err
	}
	if err := e.sink.Flush(); err != nil {
		e.err = err
		return err
	}
	return nil
}

// flushGroup writes the currently buffered group, if any, to the
// sink and notifies listeners. It is a no-op if no tag is buffered.
func (e *Emitter) flushGroup() error {
	if !e.hasTag {
		return nil
	}
	tag, msgs := e.tag, e.msgs
	startVO, startOK := e.startVO, e.startOK
	e.tag, e.hasTag, e.msgs = "", false, nil

	var buf []byte
	buf = varint.Put(buf, uint64(len(msgs)+1))
	buf = varint.Put(buf, uint64(len(tag)))
	buf = append(buf, tag...)
	for _, msg := range msgs {
		buf = varint.Put(buf, uint64(len(msg)))
		buf = append(buf, msg...)
	}
	if _, err := e.sink.Write(buf); err != nil {
		e.err = errors.E(errors.Invalid, "groupio: write group", err)
		return e.err
	}

	endVO, endOK := e.sink.Tell()
	if !startOK || !endOK {
		startVO, endVO = 0, 0
	}
	for _, fn := range e.listeners {
		fn(tag, startVO, endVO)
	}
	return nil
}

// Close flushes any buffered group and, for a BGZF-backed Emitter
// constructed with NewEmitter, closes the underlying bgzf.Writer
// (appending the EOF marker block if WriterOptions.EndFile was set).
// It does not close the io.Writer Emitter itself was built on.
func (e *Emitter) Close() error {
	if e.closed {
		return e.err
	}
	e.closed = true
	if err := e.Flush(); err != nil {
		return err
	}
	if e.ownsSink != nil {
		if err := e.ownsSink.Close(); err != nil {
			e.err = err
			return err
		}
	}
	return nil
}

// bgzfCloser adapts bgzf.Writer.Close to io.Closer so Emitter can
// hold it behind the generic ownsSink field without importing bgzf
// into that field's type.
type bgzfCloser struct{ w *bgzf.Writer }

func (c bgzfCloser) Close() error { return c.w.Close() }

// plainSink implements Sink over a raw io.Writer with no BGZF
// framing: no virtual offsets are available, matching the data
// model's statement that virtual offsets are defined only for BGZF
// streams.
type plainSink struct {
	w io.Writer
}

func (s *plainSink) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *plainSink) Tell() (bgzf.VirtualOffset, bool) { return 0, false }

func (s *plainSink) Flush() error {
	if f, ok := s.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}
