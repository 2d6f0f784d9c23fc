// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package vgio

import (
	"bufio"
	"io"

	"github.com/grailbio/vgio/registry"
)

// minPutback is the lookahead the load dispatcher's sniff predicates
// and tag sniffer rely on being able to peek without consuming: a
// full tag plus the varints framing it.
const minPutback = registry.MaxTagLength + 15

// ensurePutback wraps r in a *bufio.Reader guaranteeing at least
// minPutback bytes of Peek lookahead, the way sliceio.NewDecodingReader
// falls back to bufio.NewReader only when its input isn't already
// buffered enough.
func ensurePutback(r io.Reader) *bufio.Reader {
	if br, ok := r.(*bufio.Reader); ok && br.Size() >= minPutback {
		return br
	}
	return bufio.NewReaderSize(r, minPutback)
}
