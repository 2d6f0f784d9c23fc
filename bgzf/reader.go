// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package bgzf implements the BGZF (Blocked GZIP Format) byte-stream
// adapter: a reader and writer pair that chunk a byte stream into
// independently decodable compressed blocks and expose virtual
// offsets for random access, as used by the genome-graph tool family
// this module's wire format serves.
package bgzf

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"io/ioutil"

	"github.com/grailbio/base/errors"
	"github.com/klauspost/compress/gzip"
)

type mode int

const (
	modePlain mode = iota
	modeGzip
	modeBGZF
)

// ReaderOptions configures a Reader.
type ReaderOptions struct {
	// Concurrency, if > 1, causes a BGZF reader to decode that many
	// blocks ahead of the caller concurrently. It corresponds to the
	// bgzf_decode_threads configuration option. It has no effect on
	// plain or non-block gzip streams.
	Concurrency int
}

// Reader adapts a byte stream into BGZF-aware reads. It recognizes
// three kinds of input on construction: BGZF (blocked, self
// describing block sizes), plain gzip (a single, unbounded gzip
// member), and uncompressed.
type Reader struct {
	src      io.Reader
	br       *bufio.Reader
	mode     mode
	seekable io.ReadSeeker // non-nil iff src supports Seek

	gz *gzip.Reader // modeGzip only

	concurrency int
	futures     chan chan blockResult // modeBGZF with concurrency>1
	cancelFetch context.CancelFunc

	curBlock      []byte
	curBlockStart int64 // compressed offset of curBlock's block, BGZF only
	pos           int

	compressedOffset int64 // bytes of src consumed so far, block-aligned
	byteCount        int64 // ByteCount(): delivered bytes, net of BackUp

	err          error
	sawEOFMarker bool
	missingEOF   bool
}

type blockResult struct {
	start   int64
	payload []byte
	err     error
}

// NewReader constructs a Reader over r. If r implements io.ReadSeeker
// and is positioned at the start of the stream, NewReader checks for
// the presence of the trailing BGZF EOF marker block before returning
// (see MissingEOF).
func NewReader(r io.Reader, opts ReaderOptions) (*Reader, error) {
	rd := &Reader{src: r, concurrency: opts.Concurrency}
	if s, ok := r.(io.ReadSeeker); ok {
		rd.seekable = s
		if err := rd.checkMissingEOF(s); err != nil {
			return nil, err
		}
	}
	rd.br = bufio.NewReaderSize(r, maxBlockSize)
	peek, err := rd.br.Peek(2)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if len(peek) < 2 || peek[0] != gzipMagic[0] || peek[1] != gzipMagic[1] {
		rd.mode = modePlain
		return rd, nil
	}
	// Peek enough of the first member's header to classify it.
	header, headerBytes, err := rd.peekHeader()
	if err != nil {
		return nil, err
	}
	if !header.isBGZF {
		rd.mode = modeGzip
		gz, err := gzip.NewReader(rd.br)
		if err != nil {
			return nil, errors.E(errors.Invalid, "bgzf: invalid gzip stream", err)
		}
		rd.gz = gz
		return rd, nil
	}
	_ = headerBytes
	rd.mode = modeBGZF
	if rd.concurrency > 1 {
		rd.startFetcher()
	}
	return rd, nil
}

func (r *Reader) checkMissingEOF(s io.ReadSeeker) error {
	length, err := s.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if length >= int64(len(magicBlock)) {
		if _, err := s.Seek(-int64(len(magicBlock)), io.SeekEnd); err != nil {
			return err
		}
		tail := make([]byte, len(magicBlock))
		if _, err := io.ReadFull(s, tail); err != nil {
			return err
		}
		r.missingEOF = !isMagicBlock(tail)
	} else {
		r.missingEOF = true
	}
	if _, err := s.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return nil
}

// peekHeader peeks (without consuming) the fixed gzip header plus its
// extra field, growing the peek window as needed.
func (r *Reader) peekHeader() (blockHeader, int, error) {
	n := 12
	for {
		buf, err := r.br.Peek(n)
		if err != nil && len(buf) == 0 {
			return blockHeader{}, 0, err
		}
		h, perr := parseBlockHeader(buf)
		if perr == nil {
			return h, h.headerLen, nil
		}
		if len(buf) < n {
			return blockHeader{}, 0, perr
		}
		n += 256
		if n > maxBlockSize {
			return blockHeader{}, 0, perr
		}
	}
}

// readRawBlock reads one complete BGZF block (header through trailer)
// from r.br, returning its raw bytes.
func (r *Reader) readRawBlock() ([]byte, error) {
	if _, err := r.br.Peek(1); err == io.EOF {
		return nil, io.EOF
	} else if err != nil {
		return nil, err
	}
	h, _, err := r.peekHeader()
	if err != nil {
		return nil, err
	}
	if !h.isBGZF {
		return nil, errors.E(errors.Invalid, "bgzf: expected BGZF block")
	}
	raw := make([]byte, h.bsize)
	if _, err := io.ReadFull(r.br, raw); err != nil {
		return nil, errors.E(errors.Invalid, "bgzf: truncated block", err)
	}
	return raw, nil
}

func decodeRawBlock(raw []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.E(errors.Invalid, "bgzf: invalid block", err)
	}
	payload, err := ioutil.ReadAll(gz)
	if err != nil {
		return nil, errors.E(errors.Invalid, "bgzf: block decompression failed", err)
	}
	return payload, nil
}

// startFetcher launches the background pipeline that reads raw
// blocks sequentially and decodes them concurrently (bounded by
// r.concurrency), delivering results back in order via r.futures.
func (r *Reader) startFetcher() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancelFetch = cancel
	futures := make(chan chan blockResult, r.concurrency)
	sem := make(chan struct{}, r.concurrency)
	r.futures = futures
	go func() {
		defer close(futures)
		for {
			raw, start, err := r.nextRawBlockLocked()
			if err != nil {
				fut := make(chan blockResult, 1)
				fut <- blockResult{err: err}
				select {
				case futures <- fut:
				case <-ctx.Done():
				}
				return
			}
			if raw == nil {
				return
			}
			fut := make(chan blockResult, 1)
			select {
			case futures <- fut:
			case <-ctx.Done():
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			go func(raw []byte, start int64, fut chan blockResult) {
				defer func() { <-sem }()
				payload, err := decodeRawBlock(raw)
				fut <- blockResult{start: start, payload: payload, err: err}
			}(raw, start, fut)
		}
	}()
}

// nextRawBlockLocked reads the next raw block from the underlying
// stream, tracking compressedOffset. It must only be called from the
// single fetcher goroutine (or synchronously when concurrency <= 1).
func (r *Reader) nextRawBlockLocked() (raw []byte, start int64, err error) {
	start = r.compressedOffset
	raw, err = r.readRawBlock()
	if err == io.EOF {
		return nil, start, nil
	}
	if err != nil {
		return nil, start, err
	}
	r.compressedOffset += int64(len(raw))
	if isMagicBlock(raw) {
		r.sawEOFMarker = true
	}
	return raw, start, nil
}

func (r *Reader) fetchNextBGZFBlock() error {
	if r.concurrency > 1 {
		fut, ok := <-r.futures
		if !ok {
			r.curBlock = nil
			return io.EOF
		}
		res := <-fut
		if res.err != nil {
			return res.err
		}
		r.curBlock = res.payload
		r.curBlockStart = res.start
		r.pos = 0
		if len(res.payload) == 0 {
			// EOF marker block: surface end-of-stream to the caller.
			return io.EOF
		}
		return nil
	}
	raw, start, err := r.nextRawBlockLocked()
	if err != nil {
		return err
	}
	if raw == nil {
		return io.EOF
	}
	payload, err := decodeRawBlock(raw)
	if err != nil {
		return err
	}
	r.curBlock = payload
	r.curBlockStart = start
	r.pos = 0
	if len(payload) == 0 {
		return io.EOF
	}
	return nil
}

// Next returns the next region of decompressed payload. The returned
// slice is valid until the next call to Next, BackUp, or Seek.
func (r *Reader) Next() ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.pos < len(r.curBlock) {
		buf := r.curBlock[r.pos:]
		r.pos = len(r.curBlock)
		r.byteCount += int64(len(buf))
		return buf, nil
	}
	switch r.mode {
	case modeBGZF:
		if err := r.fetchNextBGZFBlock(); err != nil {
			if err == io.EOF {
				r.err = io.EOF
			} else {
				r.err = err
			}
			return nil, r.err
		}
		buf := r.curBlock
		r.pos = len(buf)
		r.byteCount += int64(len(buf))
		return buf, nil
	case modeGzip:
		buf := make([]byte, 64*1024)
		n, err := r.gz.Read(buf)
		if n == 0 && err != nil {
			if err == io.EOF {
				r.err = io.EOF
			} else {
				r.err = errors.E(errors.Invalid, "bgzf: gzip stream error", err)
			}
			return nil, r.err
		}
		r.curBlock = buf[:n]
		r.pos = n
		r.byteCount += int64(n)
		return r.curBlock, nil
	default: // modePlain
		buf := make([]byte, 64*1024)
		n, err := r.br.Read(buf)
		if n == 0 && err != nil {
			if err == io.EOF {
				r.err = io.EOF
			} else {
				r.err = err
			}
			return nil, r.err
		}
		r.curBlock = buf[:n]
		r.pos = n
		r.byteCount += int64(n)
		return r.curBlock, nil
	}
}

// BackUp marks the last n bytes of the previously returned buffer as
// unread; they are re-emitted by the next call to Next. n must be <=
// the length of the buffer most recently returned by Next.
func (r *Reader) BackUp(n int) {
	if n <= 0 {
		return
	}
	if n > r.pos {
		panic("bgzf: BackUp past start of current block")
	}
	r.pos -= n
	r.byteCount -= int64(n)
	if r.err == io.EOF {
		r.err = nil
	}
}

// Skip advances n bytes without returning them. It returns false if
// EOF was reached before n bytes were skipped.
func (r *Reader) Skip(n int) (bool, error) {
	for n > 0 {
		buf, err := r.Next()
		if err != nil {
			if err == io.EOF {
				return false, nil
			}
			return false, err
		}
		if len(buf) > n {
			r.BackUp(len(buf) - n)
			n = 0
		} else {
			n -= len(buf)
		}
	}
	return true, nil
}

// ByteCount returns the total number of bytes delivered to the caller
// so far, net of BackUp.
func (r *Reader) ByteCount() int64 { return r.byteCount }

// Tell returns the virtual offset at which the next fresh buffer
// would start. It returns false if the backing stream is not
// seekable or the stream is not BGZF.
func (r *Reader) Tell() (VirtualOffset, bool) {
	if r.mode != modeBGZF || r.seekable == nil {
		return 0, false
	}
	if r.pos < len(r.curBlock) {
		return Combine(r.curBlockStart, uint16(r.pos)), true
	}
	return Combine(r.compressedOffset, 0), true
}

// Seek repositions the reader so that the next call to Next returns
// the byte at vo. It returns false if the backing stream is not
// seekable or the stream is not BGZF. Callers must not hold onto
// buffers returned by a prior Next across a Seek.
func (r *Reader) Seek(vo VirtualOffset) bool {
	if r.mode != modeBGZF || r.seekable == nil {
		return false
	}
	if r.cancelFetch != nil {
		r.cancelFetch()
		r.cancelFetch = nil
		r.futures = nil
	}
	if _, err := r.seekable.Seek(vo.Compressed(), io.SeekStart); err != nil {
		return false
	}
	r.br.Reset(r.src)
	r.compressedOffset = vo.Compressed()
	r.curBlock = nil
	r.pos = 0
	r.err = nil
	if r.concurrency > 1 {
		r.startFetcher()
	}
	if vo.Uncompressed() > 0 {
		if err := r.fetchNextBGZFBlock(); err != nil {
			r.err = err
			return false
		}
		if int(vo.Uncompressed()) > len(r.curBlock) {
			return false
		}
		r.pos = int(vo.Uncompressed())
	}
	return true
}

// IsBGZF reports whether the stream was detected as BGZF at
// construction.
func (r *Reader) IsBGZF() bool { return r.mode == modeBGZF }

// MissingEOF reports whether the stream is BGZF, seekable, and the
// conventional empty terminator block is absent. It is computed once,
// at construction.
func (r *Reader) MissingEOF() bool { return r.mode == modeBGZF && r.missingEOF }
