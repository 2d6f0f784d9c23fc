// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package vgio

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grailbio/vgio/registry"
)

type widget struct{ n int }

func widgetLoader(source registry.MessageSource) (interface{}, error) {
	w := &widget{}
	err := source(func(msg []byte) error {
		w.n += len(msg)
		return nil
	})
	return w, err
}

func widgetSaver(payload interface{}, emit registry.MessageConsumer) error {
	w := payload.(*widget)
	for i := 0; i < w.n; i++ {
		if err := emit([]byte("x")); err != nil {
			return err
		}
	}
	return nil
}

func newWidgetRegistry(t *testing.T) (*registry.Registry, registry.Kind) {
	reg := registry.New()
	kind := registry.KindOf((*widget)(nil))
	require.NoError(t, reg.RegisterLoaderSaver(kind, []string{"WD"}, nil, widgetLoader, widgetSaver))
	return reg, kind
}

func TestSaveThenTryLoadFirstRoundTrips(t *testing.T) {
	reg, kind := newWidgetRegistry(t)
	var buf bytes.Buffer
	require.NoError(t, Save(&widget{n: 3}, kind, reg, &buf, DefaultOptions()))

	results, err := TryLoadFirst(context.Background(), &buf, "", reg, kind)
	require.NoError(t, err)
	require.Len(t, results, 1)
	got, ok := results[0].(*widget)
	require.True(t, ok)
	require.Equal(t, 3, got.n)
}

func TestSaveUncompressedRoundTrips(t *testing.T) {
	reg, kind := newWidgetRegistry(t)
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.Compress = false
	require.NoError(t, Save(&widget{n: 2}, kind, reg, &buf, opts))

	got, err := LoadOne(context.Background(), &buf, "", reg, kind)
	require.NoError(t, err)
	require.Equal(t, 2, got.(*widget).n)
}

func TestTryLoadFirstPicksFirstKindPresent(t *testing.T) {
	reg := registry.New()
	wKind := registry.KindOf((*widget)(nil))
	require.NoError(t, reg.RegisterLoaderSaver(wKind, []string{"WD"}, nil, widgetLoader, widgetSaver))

	type gadget struct{ s string }
	gKind := registry.KindOf((*gadget)(nil))
	gLoader := func(source registry.MessageSource) (interface{}, error) {
		g := &gadget{}
		err := source(func(msg []byte) error { g.s += string(msg); return nil })
		return g, err
	}
	require.NoError(t, reg.RegisterLoaderSaver(gKind, []string{"GD"}, nil, gLoader, nil))

	var buf bytes.Buffer
	require.NoError(t, Save(&widget{n: 1}, wKind, reg, &buf, DefaultOptions()))

	results, err := TryLoadFirst(context.Background(), &buf, "", reg, gKind, wKind)
	require.NoError(t, err)
	require.Nil(t, results[0])
	require.NotNil(t, results[1])
}

func TestTryLoadFirstSkipsUnwantedLeadingGroup(t *testing.T) {
	reg := registry.New()
	wKind := registry.KindOf((*widget)(nil))
	require.NoError(t, reg.RegisterLoaderSaver(wKind, []string{"WD"}, nil, widgetLoader, widgetSaver))
	type other struct{}
	oKind := registry.KindOf((*other)(nil))
	require.NoError(t, reg.RegisterLoaderSaver(oKind, []string{"OT"}, nil,
		func(source registry.MessageSource) (interface{}, error) { return &other{}, nil },
		func(payload interface{}, emit registry.MessageConsumer) error { return nil }))

	var buf bytes.Buffer
	require.NoError(t, Save(&other{}, oKind, reg, &buf, DefaultOptions()))
	require.NoError(t, Save(&widget{n: 5}, wKind, reg, &buf, DefaultOptions()))

	got, err := LoadOne(context.Background(), &buf, "", reg, wKind)
	require.NoError(t, err)
	require.Equal(t, 5, got.(*widget).n)
}

func TestTryLoadFirstReturnsNilResultsForUnrecognizedStream(t *testing.T) {
	reg, kind := newWidgetRegistry(t)
	buf := bytes.NewBufferString("not a vgio stream at all")

	results, err := TryLoadFirst(context.Background(), buf, "", reg, kind)
	require.NoError(t, err)
	require.Nil(t, results[0])
}

func TestLoadOneErrorsWhenKindAbsent(t *testing.T) {
	reg, kind := newWidgetRegistry(t)
	buf := bytes.NewBufferString("not a vgio stream at all")

	_, err := LoadOne(context.Background(), buf, "", reg, kind)
	require.Error(t, err)
}

func TestSaveErrorsWithoutRegisteredSaver(t *testing.T) {
	reg := registry.New()
	kind := registry.KindOf((*widget)(nil))
	var buf bytes.Buffer
	err := Save(&widget{n: 1}, kind, reg, &buf, DefaultOptions())
	require.Error(t, err)
}
