// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Command arc lists, extracts and edits vintage Apple archives.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/elliotnunn/diskarc"
	"github.com/elliotnunn/diskarc/archive"
)

type request struct {
	action  string
	archive string
	args    []string

	long     bool
	dir      string
	rsrc     bool
	verbose  bool
	format   archive.Kind
	compress archive.CompressionFormat
}

var compressNames = map[string]archive.CompressionFormat{
	"none":    archive.Uncompressed,
	"deflate": archive.Deflate,
	"default": archive.Default,
}

// parseFlags returns a nil request when there is nothing more to do.
func parseFlags(args []string, out, errOut io.Writer) (req *request, exitCode int) {
	flags := flag.NewFlagSet("arc", flag.ContinueOnError)
	flags.SetOutput(errOut)
	flags.Usage = func() {
		fmt.Fprint(flags.Output(), `
Usage:
   arc <ACTION> [FLAG...] ARCHIVE [ARG...]

 ACTIONs:  list  tree  extract  add  delete  rename  test  dump
           index FILE|DIR...   search PATTERN

 Read the help on any action:
    arc <ACTION> -h

`)
	}

	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(errOut, "%s\nUsage help: arc -h\n", err)
			exitCode = 2
			req = nil
		}
	}()

	if e := flags.Parse(args); e != nil {
		if errors.Is(e, flag.ErrHelp) {
			return nil, 0
		}
		return nil, 2
	}
	if flags.NArg() == 0 {
		err = errors.New("no action given")
		return
	}

	req = &request{action: flags.Arg(0)}
	params := flag.NewFlagSet(req.action, flag.ContinueOnError)
	params.SetOutput(errOut)
	usage, minArgs, maxArgs := "ARCHIVE", 1, 1
	params.Usage = func() {
		fmt.Fprintf(params.Output(), "\nUsage:\n   arc %s %s\n\n", req.action, usage)
		params.PrintDefaults()
	}

	var format, compress string
	switch req.action {
	case "list":
		usage, maxArgs = "[-l] ARCHIVE [PATTERN...]", -1
		params.BoolVar(&req.long, "l", false, "show types, lengths, dates and archive notes")
	case "tree", "dump":
	case "extract":
		usage, maxArgs = "[-d DIR] [-rsrc] ARCHIVE [PATTERN...]", -1
		params.StringVar(&req.dir, "d", ".", "destination directory")
		params.BoolVar(&req.rsrc, "rsrc", false, "write resource forks as AppleDouble ._ files")
	case "add":
		usage, minArgs, maxArgs = "[-c none|deflate|default] [-f FORMAT] ARCHIVE FILE...", 2, -1
		params.StringVar(&compress, "c", "default", "compression for the added files")
		params.StringVar(&format, "f", "", "format of a new archive: nufx, binary2, applesingle, appledouble, zip, gzip")
	case "delete":
		usage, minArgs, maxArgs = "ARCHIVE PATTERN...", 2, -1
	case "rename":
		usage, minArgs, maxArgs = "ARCHIVE FROM TO", 3, 3
	case "test":
		usage = "[-v] ARCHIVE"
		params.BoolVar(&req.verbose, "v", false, "print a digest of every part")
	case "index":
		usage, maxArgs = "FILE|DIR...", -1
	case "search":
		usage = "PATTERN"
	default:
		err = fmt.Errorf("unknown action %q", req.action)
		return
	}

	if e := params.Parse(flags.Args()[1:]); e != nil {
		if errors.Is(e, flag.ErrHelp) {
			return nil, 0
		}
		return nil, 2
	}
	rest := params.Args()
	if len(rest) < minArgs || (maxArgs >= 0 && len(rest) > maxArgs) {
		err = fmt.Errorf("usage: arc %s %s", req.action, usage)
		return
	}
	if req.action != "index" && req.action != "search" {
		req.archive, rest = rest[0], rest[1:]
	}
	req.args = rest

	if req.format, err = parseKind(format); err != nil {
		return
	}
	req.compress = archive.Default
	if compress != "" {
		c, ok := compressNames[strings.ToLower(compress)]
		if !ok {
			err = fmt.Errorf("unknown compression %q", compress)
			return
		}
		req.compress = c
	}
	return req, 0
}

func execute(req *request, out, errOut io.Writer) int {
	cfg := &diskarc.Config{
		Logger: slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: logLevel})),
	}

	fail := func(err error) int {
		fmt.Fprintf(errOut, "arc %s: %v\n", req.action, err)
		return 1
	}

	switch req.action {
	case "add":
		err := rewrite(req.archive, req.format, cfg, func(a archive.Archive) error {
			return doAdd(a, req.args, req.compress)
		})
		if err != nil {
			return fail(err)
		}
		return 0
	case "delete":
		if err := rewrite(req.archive, archive.Unknown, cfg, func(a archive.Archive) error {
			return doDelete(a, req.args)
		}); err != nil {
			return fail(err)
		}
		return 0
	case "rename":
		if err := rewrite(req.archive, archive.Unknown, cfg, func(a archive.Archive) error {
			return doRename(a, req.args[0], req.args[1])
		}); err != nil {
			return fail(err)
		}
		return 0
	case "index":
		if err := doIndex(out, req.args, cfg); err != nil {
			return fail(err)
		}
		return 0
	case "search":
		if err := doSearch(out, req.args[0], cfg); err != nil {
			return fail(err)
		}
		return 0
	case "dump":
		if err := doDump(out, req.archive); err != nil {
			return fail(err)
		}
		return 0
	}

	a, done, err := openArchive(req.archive, cfg)
	if err != nil {
		return fail(err)
	}
	defer done()

	switch req.action {
	case "list":
		doList(a, out, req.long, req.args)
	case "tree":
		doTree(a, out, req.archive)
	case "extract":
		if err := doExtract(a, out, req.dir, req.rsrc, req.args); err != nil {
			return fail(err)
		}
	case "test":
		if n := doTest(a, out, req.verbose); n > 0 {
			fmt.Fprintf(errOut, "%d parts failed\n", n)
			return 1
		}
	}
	return 0
}

func main() {
	req, code := parseFlags(os.Args[1:], os.Stdout, os.Stderr)
	if req == nil {
		os.Exit(code)
	}
	os.Exit(execute(req, os.Stdout, os.Stderr))
}
