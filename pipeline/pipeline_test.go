// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grailbio/vgio/groupio"
	"github.com/grailbio/vgio/registry"
)

type counter struct{ n int }

func widgetRegistry(t *testing.T, tag string) *registry.Registry {
	t.Helper()
	reg := registry.New()
	loader := func(source registry.MessageSource) (interface{}, error) {
		var c counter
		err := source(func(msg []byte) error {
			_, err := fmt.Sscanf(string(msg), "%d", &c.n)
			return err
		})
		return &c, err
	}
	require.NoError(t, reg.RegisterLoaderSaver(registry.KindOf((*counter)(nil)), []string{tag}, nil, loader, nil))
	return reg
}

func writeMessages(t *testing.T, tag string, n int) []byte {
	t.Helper()
	var buf bytes.Buffer
	e := groupio.NewEmitter(&buf, groupio.WriterOptions{Compress: false})
	for i := 0; i < n; i++ {
		require.NoError(t, e.WriteMessage(tag, []byte(fmt.Sprintf("%d", i))))
	}
	require.NoError(t, e.Close())
	return buf.Bytes()
}

func TestPipelineSingleDeliversEveryMessage(t *testing.T) {
	reg := widgetRegistry(t, "WD")
	raw := writeMessages(t, "WD", 10)

	it, err := groupio.NewIterator(bytes.NewReader(raw), reg, groupio.ReaderOptions{})
	require.NoError(t, err)

	var mu sync.Mutex
	var got []int
	cb := Callbacks{Single: func(a interface{}) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, a.(*counter).n)
		return nil
	}}
	p, err := NewPipeline(it, reg, registry.KindOf((*counter)(nil)), cb, Options{BatchSize: 4})
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	require.Len(t, got, 10)
	seen := make(map[int]bool)
	for _, n := range got {
		seen[n] = true
	}
	for i := 0; i < 10; i++ {
		require.True(t, seen[i])
	}
}

func TestPipelinePairDeliversConsecutivePairs(t *testing.T) {
	reg := widgetRegistry(t, "WD")
	raw := writeMessages(t, "WD", 8)

	it, err := groupio.NewIterator(bytes.NewReader(raw), reg, groupio.ReaderOptions{})
	require.NoError(t, err)

	var mu sync.Mutex
	var pairs [][2]int
	cb := Callbacks{Pair: func(a, b interface{}) error {
		mu.Lock()
		defer mu.Unlock()
		pairs = append(pairs, [2]int{a.(*counter).n, b.(*counter).n})
		return nil
	}}
	p, err := NewPipeline(it, reg, registry.KindOf((*counter)(nil)), cb, Options{BatchSize: 4})
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))
	require.Len(t, pairs, 4)
}

func TestPipelineOddFinalMessageUsesOddCallback(t *testing.T) {
	reg := widgetRegistry(t, "WD")
	raw := writeMessages(t, "WD", 5)

	it, err := groupio.NewIterator(bytes.NewReader(raw), reg, groupio.ReaderOptions{})
	require.NoError(t, err)

	var oddMsg []byte
	cb := Callbacks{
		Pair: func(a, b interface{}) error { return nil },
		Odd:  func(msg []byte) error { oddMsg = msg; return nil },
	}
	p, err := NewPipeline(it, reg, registry.KindOf((*counter)(nil)), cb, Options{BatchSize: 4})
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))
	require.Equal(t, "4", string(oddMsg))
}

func TestPipelineOddFinalMessageDefaultsToError(t *testing.T) {
	reg := widgetRegistry(t, "WD")
	raw := writeMessages(t, "WD", 3)

	it, err := groupio.NewIterator(bytes.NewReader(raw), reg, groupio.ReaderOptions{})
	require.NoError(t, err)

	cb := Callbacks{Pair: func(a, b interface{}) error { return nil }}
	p, err := NewPipeline(it, reg, registry.KindOf((*counter)(nil)), cb, Options{BatchSize: 2})
	require.NoError(t, err)
	require.Error(t, p.Run(context.Background()))
}

func TestPipelineFirstTagMismatchIsFatal(t *testing.T) {
	reg := widgetRegistry(t, "WD")
	raw := writeMessages(t, "OTHER", 3)

	it, err := groupio.NewIterator(bytes.NewReader(raw), reg, groupio.ReaderOptions{})
	require.NoError(t, err)

	cb := Callbacks{Single: func(a interface{}) error { return nil }}
	p, err := NewPipeline(it, reg, registry.KindOf((*counter)(nil)), cb, Options{BatchSize: 2})
	require.NoError(t, err)
	require.Error(t, p.Run(context.Background()))
}

func TestPipelineLaterTagMismatchIsSkipped(t *testing.T) {
	reg := widgetRegistry(t, "WD")
	require.NoError(t, reg.RegisterLoaderSaver(registry.KindOf((*struct{ unused int })(nil)), []string{"IGNOREME"}, nil,
		func(source registry.MessageSource) (interface{}, error) { return nil, nil }, nil))
	var buf bytes.Buffer
	e := groupio.NewEmitter(&buf, groupio.WriterOptions{Compress: false})
	require.NoError(t, e.WriteMessage("WD", []byte("1")))
	require.NoError(t, e.Flush())
	require.NoError(t, e.Write("IGNOREME")) // a tag-only group carries no message
	require.NoError(t, e.Flush())
	require.NoError(t, e.WriteMessage("WD", []byte("2")))
	require.NoError(t, e.Close())

	it, err := groupio.NewIterator(bytes.NewReader(buf.Bytes()), reg, groupio.ReaderOptions{})
	require.NoError(t, err)

	var mu sync.Mutex
	var got []int
	cb := Callbacks{Single: func(a interface{}) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, a.(*counter).n)
		return nil
	}}
	p, err := NewPipeline(it, reg, registry.KindOf((*counter)(nil)), cb, Options{BatchSize: 2})
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))
	require.ElementsMatch(t, []int{1, 2}, got)
}

func TestNewPipelineRejectsBothOrNeitherCallback(t *testing.T) {
	reg := widgetRegistry(t, "WD")
	it, err := groupio.NewIterator(bytes.NewReader(writeMessages(t, "WD", 1)), reg, groupio.ReaderOptions{})
	require.NoError(t, err)
	_, err = NewPipeline(it, reg, registry.KindOf((*counter)(nil)), Callbacks{}, Options{})
	require.Error(t, err)
	both := Callbacks{
		Pair:   func(a, b interface{}) error { return nil },
		Single: func(a interface{}) error { return nil },
	}
	_, err = NewPipeline(it, reg, registry.KindOf((*counter)(nil)), both, Options{})
	require.Error(t, err)
}
