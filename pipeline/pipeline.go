// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pipeline implements the parallel batch pipeline: a main
// thread drives a group iterator, collecting one registered kind's
// messages into fixed-size batches and fanning their decode out to a
// worker pool, falling back to inline processing under back-pressure.
package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/vgio/groupio"
	"github.com/grailbio/vgio/registry"
)

// DefaultBatchSize is the number of messages collected per batch when
// Options.BatchSize is zero. It must always be even.
const DefaultBatchSize = 512

// MaxBatchesOutstanding bounds how far Options.BatchSize-driven growth
// can expand the outstanding-batch cap.
const MaxBatchesOutstanding = 8192

// Callbacks tells a Pipeline how to consume decoded payloads. Exactly
// one of Pair or Single must be set.
type Callbacks struct {
	// Pair is invoked once per consecutive pair of decoded payloads,
	// for interleaved-pair workloads (e.g. paired-end reads).
	Pair func(a, b interface{}) error
	// Single is invoked once per decoded payload, for unpaired
	// workloads.
	Single func(a interface{}) error
	// Odd handles a final unpaired message when Pair is in use and
	// the very last batch has odd length. If nil, an odd final
	// message is a fatal error.
	Odd func(msg []byte) error
}

// Options configures a Pipeline's batching and parallelism policy.
type Options struct {
	// BatchSize overrides DefaultBatchSize; must be even if set.
	BatchSize int
	// ParallelAllowed, if non-nil, is consulted before every
	// dispatch; when it returns false, the batch is processed inline
	// regardless of the outstanding-batch cap, and the cap is never
	// grown as a result.
	ParallelAllowed func() bool
	// Progress, if non-nil, is invoked periodically with the
	// iterator's current position and Length (0 if unknown).
	Progress func(pos, length int64)
	// Length is passed through to Progress as the known stream
	// length, or 0 if unknown.
	Length int64
	// ProgressEvery is how many collected messages (those carrying a
	// payload under the matched tag) elapse between Progress calls;
	// zero disables periodic progress reporting.
	ProgressEvery int
}

// Pipeline drives it, decoding every message tagged for kind into
// kind's payload type and dispatching it to cb, in batches, using a
// worker pool sized by back-pressure rather than a fixed goroutine
// count.
type Pipeline struct {
	it   *groupio.Iterator
	reg  *registry.Registry
	kind registry.Kind
	cb   Callbacks
	opts Options

	batchSize int
	g         *errgroup.Group

	batchesOutstanding    int64
	maxBatchesOutstanding int64

	tagResolved bool
	matchedTag  string
	loader      registry.LoadAdapter

	groupsSeen int
}

// NewPipeline constructs a Pipeline reading from it, decoding messages
// tagged for kind via reg (registry.Default if nil).
func NewPipeline(it *groupio.Iterator, reg *registry.Registry, kind registry.Kind, cb Callbacks, opts Options) (*Pipeline, error) {
	if (cb.Pair == nil) == (cb.Single == nil) {
		return nil, errors.E(errors.Invalid, "pipeline: exactly one of Callbacks.Pair or Callbacks.Single must be set")
	}
	batchSize := opts.BatchSize
	if batchSize == 0 {
		batchSize = DefaultBatchSize
	}
	if batchSize%2 != 0 {
		return nil, errors.E(errors.Invalid, "pipeline: BatchSize must be even")
	}
	if reg == nil {
		reg = registry.Default
	}
	return &Pipeline{
		it:                    it,
		reg:                   reg,
		kind:                  kind,
		cb:                    cb,
		opts:                  opts,
		batchSize:             batchSize,
		maxBatchesOutstanding: int64(batchSize),
	}, nil
}

// Run drives the iterator to completion, dispatching batches of
// matching messages to workers (or processing them inline under
// back-pressure), and returns the first error encountered by the main
// loop or any worker.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	p.g = g

	var batch [][]byte
	var loopErr error
loop:
	for p.it.Advance(gctx) {
		msg, has := p.it.Message()
		if !has {
			continue
		}
		tag := p.it.Tag()
		if !p.tagResolved {
			p.tagResolved = true
			loader, ok := p.reg.FindLoader(tag, p.kind)
			if !ok {
				loopErr = errors.E(errors.Fatal, fmt.Sprintf("pipeline: first message tag %q is not registered for the requested kind", tag))
				break loop
			}
			p.matchedTag, p.loader = tag, loader
		} else if tag != p.matchedTag {
			continue // later tag mismatches are skipped, not fatal
		}
		batch = append(batch, append([]byte(nil), msg...))
		if len(batch) == p.batchSize {
			if err := p.dispatch(batch); err != nil {
				loopErr = err
				break loop
			}
			batch = nil
		}
		p.reportProgress()
	}
	if loopErr == nil {
		loopErr = p.it.Err()
	}
	if loopErr == nil && len(batch) > 0 {
		loopErr = p.dispatch(batch)
	}

	// A worker's decode error cancels gctx, which can in turn surface
	// as context.Canceled from it.Advance/it.Err above: g.Wait's error
	// is the actual cause, so it always takes priority over loopErr.
	if err := p.g.Wait(); err != nil {
		return err
	}
	return loopErr
}

// dispatch sends batch to a worker if the outstanding-batch budget
// allows it, otherwise processes it inline on the calling (main)
// thread, per the back-pressure rule.
func (p *Pipeline) dispatch(batch [][]byte) error {
	maxOutstanding := atomic.LoadInt64(&p.maxBatchesOutstanding)
	outstanding := atomic.LoadInt64(&p.batchesOutstanding)
	allowed := p.opts.ParallelAllowed == nil || p.opts.ParallelAllowed()

	if allowed && outstanding < maxOutstanding {
		atomic.AddInt64(&p.batchesOutstanding, 1)
		p.g.Go(func() error {
			defer atomic.AddInt64(&p.batchesOutstanding, -1)
			return p.processBatch(batch)
		})
		return nil
	}

	if err := p.processBatch(batch); err != nil {
		return err
	}
	if allowed {
		// Back-pressure was caused by a full buffer, not policy: if
		// the buffer has since drained well below its cap, it was
		// under-provisioned, so grow it for next time.
		if atomic.LoadInt64(&p.batchesOutstanding) < (maxOutstanding*3)/4 {
			p.growCap(maxOutstanding)
		}
	}
	return nil
}

func (p *Pipeline) growCap(observed int64) {
	next := observed * 2
	if next > MaxBatchesOutstanding {
		next = MaxBatchesOutstanding
	}
	atomic.CompareAndSwapInt64(&p.maxBatchesOutstanding, observed, next)
}

// processBatch decodes every message in batch and invokes the user
// callback on consecutive pairs or singletons. Every dispatched batch
// is exactly p.batchSize messages (even) except the run's final,
// possibly-partial one, so an odd leftover message can only arise
// there.
func (p *Pipeline) processBatch(batch [][]byte) error {
	if p.cb.Single != nil {
		for _, msg := range batch {
			payload, err := p.decode(msg)
			if err != nil {
				return err
			}
			if err := p.cb.Single(payload); err != nil {
				return err
			}
		}
		return nil
	}

	i := 0
	for ; i+1 < len(batch); i += 2 {
		a, err := p.decode(batch[i])
		if err != nil {
			return err
		}
		b, err := p.decode(batch[i+1])
		if err != nil {
			return err
		}
		if err := p.cb.Pair(a, b); err != nil {
			return err
		}
	}
	if i < len(batch) {
		if p.cb.Odd != nil {
			return p.cb.Odd(batch[i])
		}
		return errors.E(errors.Invalid, "pipeline: odd trailing message with no Callbacks.Odd handler")
	}
	return nil
}

// decode runs the matched tag's registered load-adapter over a single
// message, treating it as a singleton group.
func (p *Pipeline) decode(msg []byte) (interface{}, error) {
	payload, err := p.loader(func(consume func([]byte) error) error {
		return consume(msg)
	})
	if err != nil {
		return nil, errors.E(errors.Fatal, "pipeline: decode", err)
	}
	return payload, nil
}

func (p *Pipeline) reportProgress() {
	p.groupsSeen++
	if p.opts.Progress == nil || p.opts.ProgressEvery == 0 || p.groupsSeen%p.opts.ProgressEvery != 0 {
		return
	}
	var pos int64
	if vo, ok := p.it.Tell(); ok {
		pos = vo.Compressed()
	} else {
		pos = p.it.Cursor()
	}
	log.Debug.Printf("pipeline: progress pos=%d length=%d", pos, p.opts.Length)
	p.opts.Progress(pos, p.opts.Length)
}
