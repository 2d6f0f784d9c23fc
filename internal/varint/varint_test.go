// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package varint

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutReadRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 300, 1 << 20, 1<<63 - 1}
	for _, v := range values {
		buf := Put(nil, v)
		got, err := Read(bytes.NewReader(buf))
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	buf := Put(nil, 1<<20)
	buf = append(buf, []byte("trailer")...)
	br := bufio.NewReader(bytes.NewReader(buf))
	v, n, err := Peek(br)
	require.NoError(t, err)
	require.Equal(t, uint64(1<<20), v)
	require.Greater(t, n, 0)

	rest := make([]byte, len(buf))
	m, err := br.Read(rest)
	require.NoError(t, err)
	require.Equal(t, buf, rest[:m])
}

func TestReadTruncated(t *testing.T) {
	buf := Put(nil, 1<<20)
	_, err := Read(bytes.NewReader(buf[:1]))
	require.Error(t, err)
}
