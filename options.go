// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package vgio

// Options is the small closed set of knobs that govern how a stream
// is read or written. There is deliberately no way to add new fields
// via a config file or flag parser here: an application wanting flags
// (see cmd/vgiocat) maps its own flag set onto this struct.
//
// Save and SaveFile read Compress, MaxGroupSize and EndFile. No
// function in this package reads BatchSize or BGZFDecodeThreads; the
// pipeline and groupio packages take those settings through their own
// option structs (pipeline.Options.BatchSize,
// groupio.ReaderOptions.BGZFDecodeThreads).
type Options struct {
	// Compress wraps output in BGZF instead of writing plain bytes.
	Compress bool
	// MaxGroupSize flushes the group emitter after this many
	// messages have accumulated under one tag.
	MaxGroupSize int
	// BatchSize is the pipeline's batch size; must be even.
	BatchSize int
	// BGZFDecodeThreads, if > 1, decodes that many BGZF blocks ahead
	// of the reader concurrently.
	BGZFDecodeThreads int
	// EndFile controls whether a BGZF writer appends the conventional
	// EOF marker block on Close. There is no library default: callers
	// writing a complete, closed file should set this true.
	EndFile bool
}

// DefaultOptions returns the option values documented as defaults.
func DefaultOptions() Options {
	return Options{
		Compress:          true,
		MaxGroupSize:      1000,
		BatchSize:         512,
		BGZFDecodeThreads: 0,
		EndFile:           false,
	}
}
