// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
Package vgio reads and writes the tagged-group BGZF message stream
format used to interchange large, heterogeneous payloads (graphs,
alignments, indexes, and the like) as a single file or pipe.

A stream is a sequence of BGZF-compressed (or, optionally, plain)
blocks holding a sequence of groups: a group is a varint count, a
varint-length-prefixed tag identifying the payload type that
follows, and count-1 varint-length-prefixed messages (the count
includes the tag). Package vgio/registry maps tags to
the Go types that know how to deserialize and serialize them;
package vgio/groupio implements the group framer itself; package
vgio/bgzf implements the underlying block compression and the virtual
offsets used to seek within it; package vgio/mux lets several
concurrent producers interleave their output into one compressed
stream without tearing a group in two; package vgio/pipeline drives a
parallel decode loop over a stream of same-typed messages.

TryLoadFirst, LoadOne, and Save are the entry points most callers
want: TryLoadFirst sniffs a stream for the first of several requested
kinds actually present (gzip/BGZF framing, tagged groups, or a
legacy bare format registered via
Registry.RegisterBareLoaderSaverWithMagics), LoadOne is the
single-kind convenience wrapper that turns "nothing found" into an
error, and Save writes a single value out under its kind's registered
canonical tag. LoadFile and SaveFile add the "-" means stdin/stdout
convention on top.

Registration happens once, typically in an init function, using
registry.RegisterProtobuf (or the lower-level
RegisterLoaderSaver/RegisterBareLoaderSaverWithMagics) against
registry.Default or an application-private *registry.Registry.
*/
package vgio
