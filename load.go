// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package vgio ties the BGZF adapter, group framer, and registry
// together into a high-level "load a T from this stream" dispatcher:
// sniffing bare legacy formats, gzip/BGZF framing, and tagged groups,
// with putback buffering so the sniffing never consumes bytes a
// downstream loader still needs.
package vgio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/vgio/groupio"
	"github.com/grailbio/vgio/internal/varint"
	"github.com/grailbio/vgio/registry"
)

var gzipMagic = [2]byte{0x1f, 0x8b}

// TryLoadFirst tries kinds against r in priority order and loads at
// most one: the first kind whose payload is actually present in the
// stream, via bare-legacy sniffing first, then tagged-group dispatch.
// The returned slice is positionally aligned with kinds; at most one
// slot is non-nil, all others are nil. filename is used only for bare
// loaders that branch on file extension, and may be "".
func TryLoadFirst(ctx context.Context, r io.Reader, filename string, reg *registry.Registry, kinds ...registry.Kind) ([]interface{}, error) {
	if reg == nil {
		reg = registry.Default
	}
	results := make([]interface{}, len(kinds))
	br := ensurePutback(r)

	if payload, idx, ok, err := trySniffedBareLoaders(br, filename, reg, kinds); err != nil {
		return nil, err
	} else if ok {
		results[idx] = payload
		return results, nil
	}

	peek, _ := br.Peek(2)
	gzipped := len(peek) == 2 && peek[0] == gzipMagic[0] && peek[1] == gzipMagic[1]

	if !gzipped {
		tag, ok := sniffTag(br)
		if !ok || !reg.IsValidTag(tag) {
			// Neither gzipped nor a recognizable tagged group: there is
			// nothing this dispatcher knows how to read here.
			return results, nil
		}
	}

	return dispatchGroups(ctx, br, reg, kinds, results)
}

// trySniffedBareLoaders runs every kind's registered SniffOnMagic bare
// loaders, in kinds order, invoking the first whose predicate matches.
func trySniffedBareLoaders(br *bufio.Reader, filename string, reg *registry.Registry, kinds []registry.Kind) (payload interface{}, idx int, ok bool, err error) {
	for i, kind := range kinds {
		cands, has := reg.FindBareLoaders(kind)
		if !has {
			continue
		}
		for _, c := range cands {
			if c.Mode != registry.SniffOnMagic {
				continue
			}
			matched, perr := c.Predicate(br)
			if perr != nil {
				return nil, 0, false, errors.E(errors.Invalid, "vgio: bare loader sniff", perr)
			}
			if !matched {
				continue
			}
			payload, err = c.Loader(br, filename)
			if err != nil {
				return nil, 0, false, errors.E(errors.Fatal, fmt.Sprintf("vgio: bare loader for tag %q", c.Tag), err)
			}
			return payload, i, true, nil
		}
	}
	return nil, 0, false, nil
}

// sniffTag peeks (without consuming) a group prologue's tag, returning
// it and whether the peeked bytes decoded as a plausible tag (non-empty,
// at most registry.MaxTagLength bytes). It does not consult the
// registry; the caller checks the tag with IsValidTag. It never
// returns an error: any failure to parse is reported as
// "no tag found", matching the sniff step's must-be-side-effect-free
// contract.
func sniffTag(br *bufio.Reader) (string, bool) {
	count, n1, err := peekVarintAt(br, 0)
	if err != nil || count < 1 {
		return "", false
	}
	tagLen, n2, err := peekVarintAt(br, n1)
	if err != nil || tagLen == 0 || tagLen > registry.MaxTagLength {
		return "", false
	}
	tagStart := n1 + n2
	buf, err := br.Peek(tagStart + int(tagLen))
	if err != nil {
		return "", false
	}
	return string(buf[tagStart : tagStart+int(tagLen)]), true
}

// peekVarintAt decodes a varint starting at byte offset in br's
// lookahead buffer, without consuming anything, growing the peek
// window as needed.
func peekVarintAt(br *bufio.Reader, offset int) (v uint64, n int, err error) {
	for total := offset + 1; total <= offset+varint.MaxLen64; total++ {
		b, perr := br.Peek(total)
		if len(b) <= offset {
			if perr != nil {
				return 0, 0, perr
			}
			return 0, 0, io.ErrUnexpectedEOF
		}
		val, consumed, derr := varint.DecodeBytes(b[offset:])
		if derr == nil {
			return val, consumed, nil
		}
		if derr != io.EOF && derr != io.ErrUnexpectedEOF {
			return 0, 0, derr
		}
		if perr != nil {
			return 0, 0, perr
		}
	}
	return 0, 0, errors.E(errors.Invalid, "vgio: varint too long while sniffing tag")
}

// findKindForTag returns the first kind (and its index) that tag is
// registered against.
func findKindForTag(reg *registry.Registry, tag string, kinds []registry.Kind) (registry.Kind, int, bool) {
	for i, kind := range kinds {
		if _, ok := reg.FindLoader(tag, kind); ok {
			return kind, i, true
		}
	}
	return registry.Kind{}, -1, false
}

// dispatchGroups drives a group iterator over br, loading at most one
// value: the first requested kind whose tag it sees. It stops as soon
// as that value is fully collected, matching the "first match wins"
// dispatch precedence; the end of a group is detected by reading the
// first item of the next one, and nothing past that item is read.
func dispatchGroups(ctx context.Context, br *bufio.Reader, reg *registry.Registry, kinds []registry.Kind, results []interface{}) ([]interface{}, error) {
	it, err := groupio.NewIterator(br, reg, groupio.ReaderOptions{})
	if err != nil {
		return nil, err
	}

	var (
		curCursor int64 = -1
		curIdx    int   = -1
		curLoader registry.LoadAdapter
		curMsgs   [][]byte
	)
	finish := func() (interface{}, error) {
		return curLoader(sourceFromMessages(curMsgs))
	}

	for it.Advance(ctx) {
		if it.Cursor() != curCursor {
			if curIdx >= 0 {
				payload, err := finish()
				if err != nil {
					return nil, errors.E(errors.Fatal, "vgio: load dispatcher", err)
				}
				results[curIdx] = payload
				return results, nil
			}
			curCursor = it.Cursor()
			curMsgs = nil
			if kind, idx, ok := findKindForTag(reg, it.Tag(), kinds); ok {
				curIdx = idx
				curLoader, _ = reg.FindLoader(it.Tag(), kind)
			} else {
				curIdx = -1
			}
		}
		if curIdx < 0 {
			continue
		}
		if msg, has := it.Message(); has {
			curMsgs = append(curMsgs, msg)
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	if curIdx >= 0 {
		payload, err := finish()
		if err != nil {
			return nil, errors.E(errors.Fatal, "vgio: load dispatcher", err)
		}
		results[curIdx] = payload
	}
	return results, nil
}

func sourceFromMessages(msgs [][]byte) registry.MessageSource {
	return func(consume func(msg []byte) error) error {
		for _, msg := range msgs {
			if err := consume(msg); err != nil {
				return err
			}
		}
		return nil
	}
}

// TryLoadOne is TryLoadFirst specialized to a single kind.
func TryLoadOne(ctx context.Context, r io.Reader, filename string, reg *registry.Registry, kind registry.Kind) (interface{}, error) {
	results, err := TryLoadFirst(ctx, r, filename, reg, kind)
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// LoadOne is TryLoadOne but treats "nothing of this kind found" as a
// fatal error instead of returning nil.
func LoadOne(ctx context.Context, r io.Reader, filename string, reg *registry.Registry, kind registry.Kind) (interface{}, error) {
	payload, err := TryLoadOne(ctx, r, filename, reg, kind)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("vgio: no %s found in stream", kind))
	}
	return payload, nil
}

// Save emits value as a tag-only group followed by its payload
// messages, using kind's registered canonical saver.
func Save(value interface{}, kind registry.Kind, reg *registry.Registry, w io.Writer, opts Options) error {
	if reg == nil {
		reg = registry.Default
	}
	tag, saver, ok := reg.FindSaver(kind)
	if !ok {
		return errors.E(errors.Invalid, fmt.Sprintf("vgio: no saver registered for %s", kind))
	}
	e := groupio.NewEmitter(w, groupio.WriterOptions{
		Compress:     opts.Compress,
		EndFile:      opts.EndFile,
		MaxGroupSize: opts.MaxGroupSize,
	})
	if err := e.Write(tag); err != nil { // tag-only group, so even an empty save is recognizable
		return err
	}
	if err := saver(value, func(msg []byte) error {
		return e.WriteMessage(tag, msg)
	}); err != nil {
		return err
	}
	return e.Close()
}

// LoadFile is LoadOne opened from a path, treating "-" as standard
// input.
func LoadFile(ctx context.Context, path string, reg *registry.Registry, kind registry.Kind) (interface{}, error) {
	f, filename, err := openInput(path)
	if err != nil {
		return nil, err
	}
	defer closeIfFile(f)
	return LoadOne(ctx, f, filename, reg, kind)
}

// SaveFile is Save writing to a path, treating "-" as standard
// output.
func SaveFile(value interface{}, kind registry.Kind, reg *registry.Registry, path string, opts Options) error {
	f, err := openOutput(path)
	if err != nil {
		return err
	}
	defer closeIfFile(f)
	return Save(value, kind, reg, f, opts)
}

func openInput(path string) (io.Reader, string, error) {
	if path == "-" {
		return os.Stdin, "", nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, "", errors.E(errors.NotExist, fmt.Sprintf("vgio: open %s", path), err)
	}
	return f, path, nil
}

func openOutput(path string) (io.Writer, error) {
	if path == "-" {
		return os.Stdout, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("vgio: create %s", path), err)
	}
	return f, nil
}

func closeIfFile(rw interface{}) {
	if rw == os.Stdin || rw == os.Stdout {
		return
	}
	if c, ok := rw.(io.Closer); ok {
		c.Close()
	}
}
