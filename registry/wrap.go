// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package registry

import (
	"io"

	"github.com/grailbio/base/errors"
)

// WrapBareLoader adapts a legacy bare loader, which expects to read a
// payload as one continuous byte stream, into a LoadAdapter that pulls
// its bytes from a group's messages instead. It runs bare on one end
// of an io.Pipe while copying each message from source into the other
// end; io.Pipe's unbuffered, single-write-fully-read-before-return
// semantics make it a correctly-ordered single-slot rendezvous between
// the two goroutines without any extra buffering or synchronization.
func WrapBareLoader(bare BareLoadAdapter) LoadAdapter {
	return func(source MessageSource) (payload interface{}, err error) {
		pr, pw := io.Pipe()

		type result struct {
			payload interface{}
			err     error
		}
		done := make(chan result, 1)
		go func() {
			payload, err := bare(pr, "")
			pr.CloseWithError(err)
			done <- result{payload, err}
		}()

		werr := source(func(msg []byte) error {
			_, err := pw.Write(msg)
			return err
		})
		if werr != nil {
			pw.CloseWithError(werr)
		} else {
			pw.Close()
		}

		res := <-done
		if werr != nil {
			return nil, werr
		}
		if res.err != nil {
			return nil, errors.E(errors.Invalid, "registry: wrapped bare loader", res.err)
		}
		return res.payload, nil
	}
}

// WrapBareSaver adapts a legacy bare saver, which writes a payload as
// one continuous byte stream, into a SaveAdapter that instead emits it
// as a sequence of group messages. Each Write the bare saver performs
// becomes one message, split further into 64 KiB pieces when it is
// longer than that; a single-message group results only when bare
// writes its whole payload, of at most 64 KiB, in one call.
func WrapBareSaver(bare BareSaveAdapter) SaveAdapter {
	return func(payload interface{}, emit MessageConsumer) error {
		pr, pw := io.Pipe()

		done := make(chan error, 1)
		go func() {
			buf := make([]byte, 1<<16)
			for {
				n, err := pr.Read(buf)
				if n > 0 {
					if cerr := emit(append([]byte(nil), buf[:n]...)); cerr != nil {
						pr.CloseWithError(cerr)
						done <- cerr
						return
					}
				}
				if err == io.EOF {
					done <- nil
					return
				}
				if err != nil {
					done <- err
					return
				}
			}
		}()

		err := bare(payload, pw)
		if err != nil {
			pw.CloseWithError(err)
		} else {
			pw.Close()
		}
		if rerr := <-done; rerr != nil {
			return errors.E(errors.Invalid, "registry: wrapped bare saver", rerr)
		}
		if err != nil {
			return errors.E(errors.Invalid, "registry: wrapped bare saver", err)
		}
		return nil
	}
}
