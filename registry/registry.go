// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package registry implements the process-wide tag/type tables that
// tell the group framer and load dispatcher which tags carry which
// payload kinds, and how to load or save them.
//
// Registration is expected to happen during program initialization
// (typically from init functions), matching gob.Register's calling
// convention; registry.Default is the table vgio's root package and
// vgio/groupio consult unless a caller constructs its own Registry.
package registry

import (
	"bufio"
	"fmt"
	"io"
	"reflect"
	"sync"

	"github.com/grailbio/base/errors"
)

// MaxTagLength is the longest a tag may be. It exists so that the
// first two varints of a group (count, tag length) can never collide
// with the gzip magic bytes; see the group framer.
const MaxTagLength = 25

// Kind identifies a registered payload type. Kinds are compared by
// the reflect.Type of the value passed to KindOf, not by name.
type Kind struct {
	typ reflect.Type
}

// KindOf returns the Kind of v's dynamic type. v is typically a nil
// typed pointer, e.g. KindOf((*MyMessage)(nil)), matching the
// prototype-value convention of gob.Register.
func KindOf(v interface{}) Kind {
	return Kind{typ: reflect.TypeOf(v)}
}

// String returns the kind's underlying Go type name, for diagnostics.
func (k Kind) String() string {
	if k.typ == nil {
		return "<invalid kind>"
	}
	return k.typ.String()
}

// MessageSource is the pull-model callback a load-adapter invokes to
// read its group's payload messages in order. It calls consume once
// per message and returns the first error consume returns, or the
// error that ended the group (io.EOF is not passed to the adapter;
// MessageSource returns nil when the group is exhausted).
type MessageSource func(consume func(msg []byte) error) error

// MessageConsumer is the push-model callback a save-adapter invokes
// once per output message.
type MessageConsumer func(msg []byte) error

// LoadAdapter deserializes a group's messages, pulled from source,
// into a payload value.
type LoadAdapter func(source MessageSource) (interface{}, error)

// SaveAdapter serializes payload, pushing each output message to
// emit.
type SaveAdapter func(payload interface{}, emit MessageConsumer) error

// BareLoadAdapter loads a payload directly from a raw byte stream,
// the way pre-registry file formats do. filename is the best known
// name for the stream, or "" if unknown; it is passed through for
// adapters that branch on file extension.
type BareLoadAdapter func(r io.Reader, filename string) (interface{}, error)

// BareSaveAdapter writes payload directly to a raw byte stream, the
// way pre-registry file formats do.
type BareSaveAdapter func(payload interface{}, w io.Writer) error

// Predicate sniffs a byte stream to decide whether a bare loader
// applies. It must only peek: br.Peek, never br.Read or br.Discard,
// so the bytes remain available to whichever loader actually runs.
type Predicate func(br *bufio.Reader) (bool, error)

// SniffMode selects how a bare loader's applicability is tested when
// the caller hasn't explicitly selected a kind.
type SniffMode int

const (
	// SniffNever means the bare loader is only ever used when a
	// caller explicitly asks for this Kind; it is never chosen by
	// auto-sniffing an unknown file.
	SniffNever SniffMode = iota
	// SniffAlways marks a bare loader as applicable without a
	// predicate. No Register* method assigns it, and TryLoadFirst's
	// auto-sniffing runs only SniffOnMagic loaders, so a SniffAlways
	// loader is not tried there.
	SniffAlways
	// SniffOnMagic means the bare loader is tried during
	// auto-sniffing only when its associated Predicate reports a
	// match.
	SniffOnMagic
)

func (m SniffMode) String() string {
	switch m {
	case SniffNever:
		return "SniffNever"
	case SniffAlways:
		return "SniffAlways"
	case SniffOnMagic:
		return "SniffOnMagic"
	default:
		return "SniffMode(?)"
	}
}

// bareEntry is one registered legacy loader/saver pair for a kind.
type bareEntry struct {
	tag       string
	loader    BareLoadAdapter
	saver     BareSaveAdapter
	mode      SniffMode
	predicate Predicate // non-nil iff mode == SniffOnMagic
}

// saveEntry is the single canonical saver registered for a kind.
type saveEntry struct {
	tag   string
	saver SaveAdapter
}

// Registry holds the tag/kind tables described by the data model:
// tag -> kind -> loader, kind -> (tag, saver), and kind -> bare
// loaders. Construct one with New; the zero Registry has nil tables
// and cannot be registered into. Default is the
// package-level instance consulted by vgio and vgio/groupio unless a
// caller threads its own Registry through explicitly.
//
// Registration is append-only: entries are only ever added, never
// removed or mutated, and callers are expected to complete all
// registration (typically from init functions) before any lookup
// runs concurrently with it. mu guards against the data race of a
// lookup running concurrently with a still-in-progress registration;
// it does not serialize registration against itself with anything
// fancier than plain mutual exclusion, since Register* calls are rare
// and never on a hot path.
type Registry struct {
	mu sync.RWMutex

	loaders map[string]map[Kind]LoadAdapter
	savers  map[Kind]saveEntry
	bare    map[Kind][]bareEntry
}

// Default is the registry consulted by vgio's root package and by
// vgio/groupio when no explicit *Registry is supplied.
var Default = New()

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		loaders: make(map[string]map[Kind]LoadAdapter),
		savers:  make(map[Kind]saveEntry),
		bare:    make(map[Kind][]bareEntry),
	}
}

func checkTag(tag string) error {
	if tag == "" {
		return errors.E(errors.Invalid, "registry: tag must be non-empty")
	}
	if len(tag) > MaxTagLength {
		return errors.E(errors.Invalid, fmt.Sprintf("registry: tag %q exceeds MaxTagLength", tag))
	}
	return nil
}

// RegisterLoaderSaver registers loader under every tag in tags and
// under every base kind in bases (so that a consumer asking for a
// base kind accepts any of its registered subtypes). saver, if
// non-nil, becomes kind's canonical saver, emitted under tags[0].
// RegisterLoaderSaver returns an errors.Invalid error, and registers
// nothing, if tags is empty or any non-empty tag is longer than
// MaxTagLength; it does not panic.
func (r *Registry) RegisterLoaderSaver(kind Kind, tags []string, bases []Kind, loader LoadAdapter, saver SaveAdapter) error {
	if len(tags) == 0 {
		return errors.E(errors.Invalid, "registry: at least one tag is required")
	}
	for _, tag := range tags {
		if tag == "" {
			continue // the empty tag is a legacy wildcard, exempt from length checks
		}
		if err := checkTag(tag); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	kinds := append([]Kind{kind}, bases...)
	for _, tag := range tags {
		byKind := r.loaders[tag]
		if byKind == nil {
			byKind = make(map[Kind]LoadAdapter)
			r.loaders[tag] = byKind
		}
		for _, k := range kinds {
			byKind[k] = loader
		}
	}
	if saver != nil {
		r.savers[kind] = saveEntry{tag: tags[0], saver: saver}
	}
	return nil
}

// RegisterProtobuf registers tag for kind, with load and save
// adapters built from msg's Marshal/Unmarshal methods. newMessage
// must return a fresh zero value each call; its dynamic type
// determines kind. Each group produced under tag holds exactly one
// message: the marshaled payload.
func (r *Registry) RegisterProtobuf(tag string, newMessage func() Message) error {
	kind := KindOf(newMessage())
	loader := func(source MessageSource) (interface{}, error) {
		msg := newMessage()
		var body []byte
		found := false
		err := source(func(b []byte) error {
			if found {
				return errors.E(errors.Invalid, fmt.Sprintf("registry: protobuf tag %q: more than one message in group", tag))
			}
			found = true
			body = b
			return nil
		})
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("registry: protobuf tag %q: empty group", tag))
		}
		if err := msg.Unmarshal(body); err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("registry: protobuf tag %q: unmarshal", tag), err)
		}
		return msg, nil
	}
	saver := func(payload interface{}, emit MessageConsumer) error {
		msg, ok := payload.(Message)
		if !ok {
			return errors.E(errors.Invalid, fmt.Sprintf("registry: protobuf tag %q: payload does not implement Message", tag))
		}
		body, err := msg.Marshal()
		if err != nil {
			return errors.E(errors.Invalid, fmt.Sprintf("registry: protobuf tag %q: marshal", tag), err)
		}
		return emit(body)
	}
	return r.RegisterLoaderSaver(kind, []string{tag}, nil, loader, saver)
}

// Message is the minimal self-serializing interface RegisterProtobuf
// requires of a payload type; generated protobuf messages satisfy it
// already. Concrete payload schemas are out of scope here, so this
// module depends only on this interface, not on a protobuf library.
type Message interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

func (r *Registry) registerBare(kind Kind, tag string, bases []Kind, mode SniffMode, predicate Predicate, loader BareLoadAdapter, saver BareSaveAdapter) error {
	if tag != "" {
		if err := checkTag(tag); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := bareEntry{tag: tag, loader: loader, saver: saver, mode: mode, predicate: predicate}
	for _, k := range append([]Kind{kind}, bases...) {
		r.bare[k] = append(r.bare[k], entry)
	}
	return nil
}

// RegisterBareLoaderSaverWithMagics registers loader/saver as a
// legacy bare adapter for kind and every base kind, once per magic
// signature in magics: auto-sniffing tries the bare loader whenever
// the stream begins with one of these byte sequences.
func (r *Registry) RegisterBareLoaderSaverWithMagics(kind Kind, tag string, bases []Kind, magics [][]byte, loader BareLoadAdapter, saver BareSaveAdapter) error {
	if len(magics) == 0 {
		return r.registerBare(kind, tag, bases, SniffNever, nil, loader, saver)
	}
	for _, magic := range magics {
		if err := r.registerBare(kind, tag, bases, SniffOnMagic, magicPredicate(magic), loader, saver); err != nil {
			return err
		}
	}
	return nil
}

// RegisterBareLoaderSaverWithHeaderCheck registers loader/saver as a
// legacy bare adapter for kind and every base kind, sniffed by a
// caller-supplied predicate instead of a fixed magic signature. check
// must only peek the stream, never consume it.
func (r *Registry) RegisterBareLoaderSaverWithHeaderCheck(kind Kind, tag string, bases []Kind, check Predicate, loader BareLoadAdapter, saver BareSaveAdapter) error {
	return r.registerBare(kind, tag, bases, SniffOnMagic, check, loader, saver)
}

// magicPredicate builds a Predicate that matches a fixed byte prefix.
func magicPredicate(magic []byte) Predicate {
	sig := append([]byte{}, magic...)
	return func(br *bufio.Reader) (bool, error) {
		peek, err := br.Peek(len(sig))
		if err != nil {
			if len(peek) < len(sig) {
				return false, nil
			}
			return false, err
		}
		for i, b := range sig {
			if peek[i] != b {
				return false, nil
			}
		}
		return true, nil
	}
}

// FindLoader returns the load-adapter registered for tag restricted
// to kind (or one of kind's declared bases), and whether one exists.
func (r *Registry) FindLoader(tag string, kind Kind) (LoadAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byKind, ok := r.loaders[tag]
	if !ok {
		return nil, false
	}
	loader, ok := byKind[kind]
	return loader, ok
}

// FindAnyLoader returns a load-adapter registered for tag under any
// kind at all, and that kind, useful when the caller doesn't yet know
// which kind a tag maps to (e.g. sniffing during dispatch).
func (r *Registry) FindAnyLoader(tag string) (LoadAdapter, Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byKind, ok := r.loaders[tag]
	if !ok {
		return nil, Kind{}, false
	}
	for kind, loader := range byKind {
		return loader, kind, true
	}
	return nil, Kind{}, false
}

// BareCandidate pairs a registered bare loader with its sniff mode
// and predicate, as returned by FindBareLoaders.
type BareCandidate struct {
	Tag       string
	Mode      SniffMode
	Predicate Predicate // non-nil iff Mode == SniffOnMagic
	Loader    BareLoadAdapter
}

// FindBareLoaders returns the legacy bare loaders registered for
// kind, in registration order, and whether any exist.
func (r *Registry) FindBareLoaders(kind Kind) ([]BareCandidate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries, ok := r.bare[kind]
	if !ok || len(entries) == 0 {
		return nil, false
	}
	out := make([]BareCandidate, len(entries))
	for i, e := range entries {
		out[i] = BareCandidate{Tag: e.tag, Mode: e.mode, Predicate: e.predicate, Loader: e.loader}
	}
	return out, true
}

// FindSaver returns kind's canonical (tag, save-adapter) pair, if
// one has been registered.
func (r *Registry) FindSaver(kind Kind) (tag string, saver SaveAdapter, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.savers[kind]
	if !ok {
		return "", nil, false
	}
	return entry.tag, entry.saver, true
}

// FindBareSaver returns the first legacy bare saver registered for
// kind, if any; legacy formats rarely register more than one.
func (r *Registry) FindBareSaver(kind Kind) (BareSaveAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.bare[kind] {
		if e.saver != nil {
			return e.saver, true
		}
	}
	return nil, false
}

// IsValidTag reports whether tag has been registered against at
// least one kind. The empty tag is always reported invalid here even
// if a loader opted in to handling it (see RegisterLoaderSaver): "" never
// counts as a sniffed or emitted tag, only as a lookup key.
func (r *Registry) IsValidTag(tag string) bool {
	if tag == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.loaders[tag]
	return ok
}
