// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mux

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStreamWritesGoToCurrentBuffer(t *testing.T) {
	var out bytes.Buffer
	m := NewMultiplexer(&out, 1)
	_, err := m.Stream(0).Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, m.RegisterBarrier(context.Background(), 0))
	require.NoError(t, m.Close())
	require.Equal(t, "hello", out.String())
}

func TestRegisterBreakpointBelowThresholdOnlyMarksCursor(t *testing.T) {
	var out bytes.Buffer
	m := NewMultiplexer(&out, 1)
	w := m.Stream(0)
	_, err := w.Write([]byte("short"))
	require.NoError(t, err)
	require.False(t, m.WantBreakpoint(0))
	require.NoError(t, m.RegisterBreakpoint(context.Background(), 0))

	// Nothing should have been cut into the ring yet: a barrier now
	// must still see "short" as the producer's current content.
	require.NoError(t, m.RegisterBarrier(context.Background(), 0))
	require.NoError(t, m.Close())
	require.Equal(t, "short", out.String())
}

func TestRegisterBreakpointAboveThresholdCutsIntoRing(t *testing.T) {
	var out bytes.Buffer
	m := NewMultiplexer(&out, 1)
	w := m.Stream(0)
	big := strings.Repeat("x", MinQueueItemBytes)
	_, err := w.Write([]byte(big))
	require.NoError(t, err)
	require.True(t, m.WantBreakpoint(0))
	require.NoError(t, m.RegisterBreakpoint(context.Background(), 0))
	require.NoError(t, m.RegisterBarrier(context.Background(), 0))
	require.NoError(t, m.Close())
	require.Equal(t, big, out.String())
}

func TestDiscardToBreakpointRewindsPastPending(t *testing.T) {
	var out bytes.Buffer
	m := NewMultiplexer(&out, 1)
	w := m.Stream(0)
	_, err := w.Write([]byte("keep"))
	require.NoError(t, err)
	require.NoError(t, m.RegisterBreakpoint(context.Background(), 0))
	_, err = w.Write([]byte("discard-me"))
	require.NoError(t, err)
	m.DiscardToBreakpoint(0)
	require.NoError(t, m.RegisterBarrier(context.Background(), 0))
	require.NoError(t, m.Close())
	require.Equal(t, "keep", out.String())
}

func TestDiscardBytesNeverPassesBreakpoint(t *testing.T) {
	var out bytes.Buffer
	m := NewMultiplexer(&out, 1)
	w := m.Stream(0)
	_, err := w.Write([]byte("keep"))
	require.NoError(t, err)
	require.NoError(t, m.RegisterBreakpoint(context.Background(), 0))
	_, err = w.Write([]byte("abc"))
	require.NoError(t, err)
	m.DiscardBytes(0, 100) // far more than pending since the breakpoint
	require.NoError(t, m.RegisterBarrier(context.Background(), 0))
	require.NoError(t, m.Close())
	require.Equal(t, "keep", out.String())
}

// TestTwoProducersNoInterleavingWithinSegment exercises the
// per-producer FIFO contiguity guarantee: each producer's bytes
// between breakpoints must appear together, never chopped up by the
// other producer's writes, even though the two producers race.
func TestTwoProducersNoInterleavingWithinSegment(t *testing.T) {
	var out bytes.Buffer
	m := NewMultiplexer(&out, 2)

	var wg sync.WaitGroup
	wg.Add(2)
	segment := func(producer int, label byte, n int) {
		defer wg.Done()
		chunk := bytes.Repeat([]byte{label}, MinQueueItemBytes)
		for i := 0; i < n; i++ {
			_, err := m.Stream(producer).Write(chunk)
			require.NoError(t, err)
			require.NoError(t, m.RegisterBreakpoint(context.Background(), producer))
		}
		require.NoError(t, m.RegisterBarrier(context.Background(), producer))
	}
	go segment(0, 'a', 4)
	go segment(1, 'b', 4)
	wg.Wait()
	require.NoError(t, m.Close())

	data := out.Bytes()
	require.Equal(t, 8*MinQueueItemBytes, len(data))
	// Each MinQueueItemBytes-sized run must be homogeneous: no
	// producer's chunk was split mid-way by the other's write.
	for i := 0; i < len(data); i += MinQueueItemBytes {
		run := data[i : i+MinQueueItemBytes]
		first := run[0]
		require.True(t, first == 'a' || first == 'b')
		for _, b := range run {
			require.Equal(t, first, b)
		}
	}
}
