// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package vgio

import "github.com/grailbio/vgio/groupio"

// IsTruncated reports whether err is the distinct error produced when
// a seekable BGZF stream lacks its trailing EOF marker block, letting
// a caller downgrade it to a warning instead of treating it as an
// ordinary fatal format error. The error itself is constructed at the
// point a reader is built over the stream, in groupio.NewIterator.
func IsTruncated(err error) bool {
	return groupio.IsTruncated(err)
}
