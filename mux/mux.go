// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package mux implements a many-producer, one-consumer byte stream
// multiplexer: any number of producer threads can fill logically
// separate output buffers concurrently, and have them spliced into a
// single monotonically-ordered backing stream only at points the
// producer itself declares safe.
package mux

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/vgio/ctxsync"
)

// RingBufferSize is the fixed number of flushed-but-not-yet-serialized
// buffers each producer may queue before RegisterBreakpoint blocks.
const RingBufferSize = 10

// MinQueueItemBytes is the pending-byte threshold WantBreakpoint and
// RegisterBreakpoint use to decide whether a producer's current
// buffer is worth cutting into the ring rather than merely marking.
const MinQueueItemBytes = 640 * 1024

// producer holds one worker thread's pending output and its ring of
// buffers already handed off to the consumer.
type producer struct {
	mu   sync.Mutex
	cond *ctxsync.Cond

	current          *bytes.Buffer
	breakpointCursor int

	ring  []*bytes.Buffer
	head  int
	count int
}

func newProducer() *producer {
	p := &producer{
		current: new(bytes.Buffer),
		ring:    make([]*bytes.Buffer, RingBufferSize),
	}
	p.cond = ctxsync.NewCond(&p.mu)
	return p
}

// push hands buf to the ring, blocking while it is full. The caller
// must not hold p.mu.
func (p *producer) push(ctx context.Context, buf *bytes.Buffer, wake func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.count == RingBufferSize {
		if err := p.cond.Wait(ctx); err != nil {
			return err
		}
	}
	p.ring[(p.head+p.count)%RingBufferSize] = buf
	p.count++
	p.cond.Broadcast()
	wake()
	return nil
}

// tryPop removes and returns the oldest ring entry, or reports none
// is available.
func (p *producer) tryPop() (*bytes.Buffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.count == 0 {
		return nil, false
	}
	buf := p.ring[p.head]
	p.ring[p.head] = nil
	p.head = (p.head + 1) % RingBufferSize
	p.count--
	p.cond.Broadcast()
	return buf, true
}

// waitDrained blocks until the ring is empty.
func (p *producer) waitDrained(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.count != 0 {
		if err := p.cond.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// producerWriter adapts a producer to io.Writer for Multiplexer.Stream.
type producerWriter struct{ p *producer }

func (w producerWriter) Write(b []byte) (int, error) {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	return w.p.current.Write(b)
}

// Multiplexer serializes T producers' output into a single backing
// io.Writer, splicing in only at producer-declared breakpoints or
// barriers.
type Multiplexer struct {
	w         io.Writer
	producers []*producer

	wake  chan struct{}
	stopc chan struct{}
	donec chan struct{}

	mu  sync.Mutex
	err error
}

// NewMultiplexer starts a background consumer goroutine serializing
// the output of numProducers producer threads into w. Close must be
// called to stop the consumer and flush w.
func NewMultiplexer(w io.Writer, numProducers int) *Multiplexer {
	m := &Multiplexer{
		w:         w,
		producers: make([]*producer, numProducers),
		wake:      make(chan struct{}, 1),
		stopc:     make(chan struct{}),
		donec:     make(chan struct{}),
	}
	for i := range m.producers {
		m.producers[i] = newProducer()
	}
	go m.consume()
	return m
}

func (m *Multiplexer) signalWake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Multiplexer) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err == nil {
		m.err = err
	}
}

// Err returns the first fatal backing-stream write error observed by
// the consumer, if any.
func (m *Multiplexer) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Stream returns a stable io.Writer for producer t's current buffer.
func (m *Multiplexer) Stream(t int) io.Writer {
	return producerWriter{m.producers[t]}
}

// WantBreakpoint reports whether producer t has enough pending data
// to be worth cutting at the next RegisterBreakpoint call.
func (m *Multiplexer) WantBreakpoint(t int) bool {
	p := m.producers[t]
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current.Len() >= MinQueueItemBytes
}

// RegisterBreakpoint declares a safe cut point for producer t. If
// enough bytes are pending, the current buffer is pushed onto the
// ring (blocking while the ring is full) and a fresh buffer started;
// otherwise the cut point is merely remembered for DiscardToBreakpoint.
func (m *Multiplexer) RegisterBreakpoint(ctx context.Context, t int) error {
	p := m.producers[t]
	p.mu.Lock()
	if p.current.Len() < MinQueueItemBytes {
		p.breakpointCursor = p.current.Len()
		p.mu.Unlock()
		return nil
	}
	buf := p.current
	p.current = new(bytes.Buffer)
	p.breakpointCursor = 0
	p.mu.Unlock()
	return p.push(ctx, buf, m.signalWake)
}

// RegisterBarrier unconditionally cuts producer t's current buffer
// into the ring and blocks until the consumer has taken every queued
// buffer of t off the ring. The single consumer writes each buffer it
// takes before taking another, so anything any producer queues after
// the barrier returns lands in the backing stream after t's bytes; the
// last buffer may still be in the middle of its write when
// RegisterBarrier returns.
func (m *Multiplexer) RegisterBarrier(ctx context.Context, t int) error {
	p := m.producers[t]
	p.mu.Lock()
	buf := p.current
	p.current = new(bytes.Buffer)
	p.breakpointCursor = 0
	p.mu.Unlock()
	if err := p.push(ctx, buf, m.signalWake); err != nil {
		return err
	}
	return p.waitDrained(ctx)
}

// DiscardToBreakpoint truncates producer t's current buffer back to
// the position recorded by its last RegisterBreakpoint call.
func (m *Multiplexer) DiscardToBreakpoint(t int) {
	p := m.producers[t]
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current.Truncate(p.breakpointCursor)
}

// DiscardBytes rewinds producer t's current buffer by up to n bytes,
// never past its last registered breakpoint.
func (m *Multiplexer) DiscardBytes(t int, n int) {
	p := m.producers[t]
	p.mu.Lock()
	defer p.mu.Unlock()
	cut := p.current.Len() - n
	if cut < p.breakpointCursor {
		cut = p.breakpointCursor
	}
	p.current.Truncate(cut)
}

// consume is the background serializing goroutine: round-robin over
// producers, writing one ring entry at a time, until Close signals
// shutdown, then it drains everything and flushes.
func (m *Multiplexer) consume() {
	defer close(m.donec)
	for {
		select {
		case <-m.stopc:
			m.drainAndFlush()
			return
		default:
		}
		if !m.passOnce() {
			select {
			case <-m.wake:
			case <-m.stopc:
				m.drainAndFlush()
				return
			}
		}
	}
}

// passOnce visits every producer once, writing at most one ring entry
// per producer, and reports whether any write happened.
func (m *Multiplexer) passOnce() bool {
	progressed := false
	for _, p := range m.producers {
		buf, ok := p.tryPop()
		if !ok {
			continue
		}
		progressed = true
		m.writeBuf(buf)
	}
	return progressed
}

func (m *Multiplexer) writeBuf(buf *bytes.Buffer) {
	if buf.Len() == 0 {
		return
	}
	if m.Err() != nil {
		return // already fatal; keep draining so producers don't deadlock
	}
	if _, err := m.w.Write(buf.Bytes()); err != nil {
		log.Error.Printf("mux: backing stream write failed: %v", err)
		m.setErr(errors.E(errors.Fatal, "mux: backing stream write", err))
	}
}

// drainAndFlush empties every producer's ring, then its still-pending
// current buffer in producer-index order, then flushes the backing
// stream, per the shutdown sequence.
func (m *Multiplexer) drainAndFlush() {
	for {
		if !m.passOnce() {
			break
		}
	}
	for _, p := range m.producers {
		p.mu.Lock()
		buf := p.current
		p.current = new(bytes.Buffer)
		p.mu.Unlock()
		m.writeBuf(buf)
	}
	if f, ok := m.w.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			m.setErr(errors.E(errors.Fatal, "mux: backing stream flush", err))
		}
	}
}

// Close signals the consumer to drain and flush, joins it, and
// returns any fatal write error it observed.
func (m *Multiplexer) Close() error {
	close(m.stopc)
	<-m.donec
	return m.Err()
}
