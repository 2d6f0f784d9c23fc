// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package registry

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

type widget struct{ n int }
type baseWidget struct{}

func TestRegisterLoaderSaverBasic(t *testing.T) {
	r := New()
	kind := KindOf((*widget)(nil))
	loader := func(source MessageSource) (interface{}, error) {
		w := &widget{}
		err := source(func(msg []byte) error {
			w.n += len(msg)
			return nil
		})
		return w, err
	}
	saver := func(payload interface{}, emit MessageConsumer) error {
		return emit([]byte("x"))
	}
	require.NoError(t, r.RegisterLoaderSaver(kind, []string{"WD"}, nil, loader, saver))

	require.True(t, r.IsValidTag("WD"))
	require.False(t, r.IsValidTag("??"))

	got, ok := r.FindLoader("WD", kind)
	require.True(t, ok)
	require.NotNil(t, got)

	tag, sv, ok := r.FindSaver(kind)
	require.True(t, ok)
	require.Equal(t, "WD", tag)
	require.NotNil(t, sv)
}

func TestRegisterLoaderSaverAliasesAndBases(t *testing.T) {
	r := New()
	kind := KindOf((*widget)(nil))
	base := KindOf((*baseWidget)(nil))
	loader := func(source MessageSource) (interface{}, error) { return &widget{}, nil }

	require.NoError(t, r.RegisterLoaderSaver(kind, []string{"WD", "LW"}, []Kind{base}, loader, nil))

	for _, tag := range []string{"WD", "LW"} {
		require.True(t, r.IsValidTag(tag))
		_, ok := r.FindLoader(tag, kind)
		require.True(t, ok)
		_, ok = r.FindLoader(tag, base)
		require.True(t, ok, "loader should also be reachable via declared base kind")
	}
	// No saver was registered.
	_, _, ok := r.FindSaver(kind)
	require.False(t, ok)
}

func TestRegisterLoaderSaverRejectsLongTag(t *testing.T) {
	r := New()
	kind := KindOf((*widget)(nil))
	loader := func(source MessageSource) (interface{}, error) { return &widget{}, nil }
	longTag := "this-tag-is-definitely-too-long"
	require.Greater(t, len(longTag), MaxTagLength)
	err := r.RegisterLoaderSaver(kind, []string{longTag}, nil, loader, nil)
	require.Error(t, err)
	require.False(t, r.IsValidTag(longTag))
}

func TestEmptyTagNeverValidButLookupWorks(t *testing.T) {
	r := New()
	kind := KindOf((*widget)(nil))
	loader := func(source MessageSource) (interface{}, error) { return &widget{}, nil }
	require.NoError(t, r.RegisterLoaderSaver(kind, []string{"", "WD"}, nil, loader, nil))

	require.False(t, r.IsValidTag(""))
	_, ok := r.FindLoader("", kind)
	require.True(t, ok, "an adapter may still opt in to handling the empty tag on lookup")
}

func TestRegisterProtobufRoundTrip(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterProtobuf("PB", func() Message { return &fakeMessage{} }))
	require.True(t, r.IsValidTag("PB"))

	kind := KindOf((*fakeMessage)(nil))
	loader, ok := r.FindLoader("PB", kind)
	require.True(t, ok)

	payload, err := loader(func(consume func([]byte) error) error {
		return consume([]byte("hello"))
	})
	require.NoError(t, err)
	require.Equal(t, "hello", payload.(*fakeMessage).body)

	_, saver, ok := r.FindSaver(kind)
	require.True(t, ok)
	var got []byte
	require.NoError(t, saver(&fakeMessage{body: "world"}, func(msg []byte) error {
		got = msg
		return nil
	}))
	require.Equal(t, "world", string(got))
}

type fakeMessage struct{ body string }

func (m *fakeMessage) Marshal() ([]byte, error) { return []byte(m.body), nil }
func (m *fakeMessage) Unmarshal(b []byte) error { m.body = string(b); return nil }

func TestRegisterBareLoaderSaverWithMagics(t *testing.T) {
	r := New()
	kind := KindOf((*widget)(nil))
	loader := func(r io.Reader, filename string) (interface{}, error) {
		return &widget{}, nil
	}
	require.NoError(t, r.RegisterBareLoaderSaverWithMagics(kind, "WD", nil, [][]byte{{0xde, 0xad}}, loader, nil))

	cands, ok := r.FindBareLoaders(kind)
	require.True(t, ok)
	require.Len(t, cands, 1)
	require.Equal(t, SniffOnMagic, cands[0].Mode)

	match, err := cands[0].Predicate(bufio.NewReader(bytes.NewReader([]byte{0xde, 0xad, 0x00})))
	require.NoError(t, err)
	require.True(t, match)

	noMatch, err := cands[0].Predicate(bufio.NewReader(bytes.NewReader([]byte{0x00, 0x00})))
	require.NoError(t, err)
	require.False(t, noMatch)
}

func TestRegisterBareLoaderSaverWithHeaderCheck(t *testing.T) {
	r := New()
	kind := KindOf((*widget)(nil))
	check := func(br *bufio.Reader) (bool, error) {
		peek, err := br.Peek(3)
		if err != nil {
			return false, nil
		}
		return string(peek) == "XYZ", nil
	}
	require.NoError(t, r.RegisterBareLoaderSaverWithHeaderCheck(kind, "WD", nil, check, nil, nil))

	cands, ok := r.FindBareLoaders(kind)
	require.True(t, ok)
	require.Len(t, cands, 1)
	require.Equal(t, SniffOnMagic, cands[0].Mode)

	match, err := cands[0].Predicate(bufio.NewReader(bytes.NewReader([]byte("XYZ..."))))
	require.NoError(t, err)
	require.True(t, match)
}

