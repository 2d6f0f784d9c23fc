// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Vgiocat dumps the group structure of a vgio stream: the tag and
// message sizes of every group it contains, or just a per-tag
// summary with -count. It understands plain, gzip, and BGZF framing
// transparently, the same way the load dispatcher does.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/vgio/groupio"
	"github.com/spf13/pflag"
)

var (
	flagTag     = pflag.StringP("tag", "t", "", "only dump groups with this tag")
	flagCount   = pflag.BoolP("count", "n", false, "print only a per-tag group and message count")
	flagQuiet   = pflag.BoolP("quiet", "q", false, "suppress per-message output, printing only group headers")
	flagVersion = pflag.Bool("version", false, "print version and exit")
)

const version = "0.1"

func main() {
	pflag.Parse()
	if *flagVersion {
		fmt.Println("vgiocat", version)
		return
	}

	files := pflag.Args()
	if len(files) == 0 {
		files = []string{"-"}
	}

	status := 0
	for _, path := range files {
		if err := catFile(path); err != nil {
			log.Error.Printf("vgiocat: %s: %v", path, err)
			status = 1
		}
	}
	os.Exit(status)
}

func catFile(path string) error {
	r, err := openInput(path)
	if err != nil {
		return err
	}
	defer closeIfFile(r)

	it, err := groupio.NewIterator(r, nil, groupio.ReaderOptions{})
	if err != nil {
		return err
	}

	type tagStats struct{ groups, messages int64 }
	stats := make(map[string]*tagStats)

	ctx := context.Background()
	curCursor := int64(-1)
	for it.Advance(ctx) {
		tag := it.Tag()
		if it.Cursor() != curCursor {
			curCursor = it.Cursor()
			if *flagTag == "" || *flagTag == tag {
				st := stats[tag]
				if st == nil {
					st = &tagStats{}
					stats[tag] = st
				}
				st.groups++
				if !*flagCount {
					fmt.Printf("%s: group tag=%q\n", path, tag)
				}
			}
		}
		if *flagTag != "" && *flagTag != tag {
			continue
		}
		if msg, has := it.Message(); has {
			stats[tag].messages++
			if !*flagCount && !*flagQuiet {
				fmt.Printf("%s:   message tag=%q bytes=%d\n", path, tag, len(msg))
			}
		}
	}
	if err := it.Err(); err != nil {
		return err
	}

	if *flagCount {
		for tag, st := range stats {
			fmt.Printf("%s: tag=%q groups=%d messages=%d\n", path, tag, st.groups, st.messages)
		}
	}
	return nil
}

func openInput(path string) (*os.File, error) {
	if path == "-" {
		return os.Stdin, nil
	}
	return os.Open(path)
}

func closeIfFile(f *os.File) {
	if f != os.Stdin {
		f.Close()
	}
}
