// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cespare/xxhash/v2"
	"github.com/disiqueira/gotree/v3"
	"golang.org/x/term"

	"github.com/elliotnunn/diskarc"
	"github.com/elliotnunn/diskarc/archive"
	"github.com/elliotnunn/diskarc/internal/applesingle"
	"github.com/elliotnunn/diskarc/internal/catalog"
	"github.com/elliotnunn/diskarc/internal/walk"
)

const tfmt = "2006-01-02 15:04"

func matchAny(patterns []string, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

// localName turns a '/'-separated name into one using the entry's own separator.
func localName(e archive.Entry, name string) string {
	if sep := e.DirSeparator(); sep != 0 && sep != '/' {
		return strings.ReplaceAll(name, "/", string(rune(sep)))
	}
	return name
}

func fourCC(v uint32) string {
	b := []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	for i, c := range b {
		if c < 0x20 || c > 0x7e {
			b[i] = '.'
		}
	}
	return string(b)
}

func typeString(a archive.Archive, e archive.Entry) string {
	caps := a.Capabilities()
	switch {
	case caps.HFSTypes && (e.HFSFileType() != 0 || e.HFSCreator() != 0):
		return fourCC(e.HFSFileType()) + "/" + fourCC(e.HFSCreator())
	case caps.ProDOSTypes:
		return fmt.Sprintf("$%02X/%04X", e.FileType(), e.AuxType())
	}
	return ""
}

func termWidth(out io.Writer) int {
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if w, _, err := term.GetSize(int(f.Fd())); err == nil {
			return w
		}
	}
	return 0
}

func flags(e archive.Entry) string {
	switch {
	case e.IsDamaged():
		return "!"
	case e.IsDubious():
		return "?"
	}
	return " "
}

func doList(a archive.Archive, out io.Writer, long bool, patterns []string) {
	width := termWidth(out)
	for _, e := range a.Entries() {
		name := catalog.SlashName(e)
		if !matchAny(patterns, name) {
			continue
		}
		if !long {
			fmt.Fprintln(out, name)
			continue
		}
		when := ""
		if t := e.ModWhen(); !t.IsZero() {
			when = t.Format(tfmt)
		}
		line := fmt.Sprintf("%s %-9s %10d %8d %-16s %s",
			flags(e), typeString(a, e), e.DataLength(), e.RsrcLength(), when, name)
		if width > 0 && len(line) > width {
			line = line[:width-1] + "…"
		}
		fmt.Fprintln(out, line)
	}
	if long {
		if c, ok := a.(archive.Commenter); ok && c.Comment() != "" {
			fmt.Fprintf(out, "# comment: %s\n", c.Comment())
		}
		for _, n := range a.Notes().All() {
			fmt.Fprintf(out, "# %s\n", n)
		}
	}
}

func doTree(a archive.Archive, out io.Writer, label string) {
	root := gotree.New(label)
	dirs := make(map[string]gotree.Tree)
	var getDir func(p string) gotree.Tree
	getDir = func(p string) gotree.Tree {
		if p == "." || p == "/" || p == "" {
			return root
		}
		dir := dirs[p]
		if dir == nil {
			dir = getDir(path.Dir(p)).Add(path.Base(p))
			dirs[p] = dir
		}
		return dir
	}
	for _, e := range a.Entries() {
		name := strings.TrimSuffix(catalog.SlashName(e), "/")
		if e.IsDirectory() {
			getDir(name)
			continue
		}
		getDir(path.Dir(name)).Add(path.Base(name))
	}
	fmt.Fprint(out, root.Print())
}

func doExtract(a archive.Archive, out io.Writer, dir string, rsrc bool, patterns []string) error {
	var errs []error
	for _, e := range a.Entries() {
		name := strings.TrimSuffix(catalog.SlashName(e), "/")
		if name == "" {
			name = "untitled"
		}
		if !matchAny(patterns, name) {
			continue
		}
		if !filepath.IsLocal(filepath.FromSlash(name)) {
			errs = append(errs, fmt.Errorf("%s: refusing to extract outside the destination", name))
			continue
		}
		dest := filepath.Join(dir, filepath.FromSlash(name))
		if e.IsDirectory() {
			errs = append(errs, os.MkdirAll(dest, 0o755))
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			errs = append(errs, err)
			continue
		}

		kind := archive.DataFork
		if _, ok := e.Part(archive.DiskImage); ok {
			kind = archive.DiskImage
		}
		if _, ok := e.Part(kind); ok {
			if err := extractPart(a, e, kind, dest); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				continue
			}
		}
		if rsrc && e.RsrcLength() > 0 {
			ad := filepath.Join(filepath.Dir(dest), "._"+filepath.Base(dest))
			if err := extractAppleDouble(a, e, ad); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				continue
			}
		}
		if t := e.ModWhen(); !t.IsZero() {
			os.Chtimes(dest, t, t)
		}
		fmt.Fprintln(out, name)
	}
	return errors.Join(errs...)
}

func extractPart(a archive.Archive, e archive.Entry, kind archive.PartKind, dest string) error {
	rc, err := a.OpenPart(e, kind)
	if err != nil {
		return err
	}
	defer rc.Close()
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// extractAppleDouble writes the resource fork and Finder types beside the data fork.
func extractAppleDouble(a archive.Archive, e archive.Entry, dest string) error {
	ad, err := diskarc.CreateNew(archive.AppleDouble, nil)
	if err != nil {
		return err
	}
	defer ad.Close()
	if err := ad.StartTransaction(); err != nil {
		return err
	}
	r, err := ad.CreateRecord()
	if err != nil {
		return err
	}
	r.SetHFSFileType(e.HFSFileType())
	r.SetHFSCreator(e.HFSCreator())
	r.SetModWhen(e.ModWhen())
	src := archive.NewReaderSource(func() (io.ReadCloser, error) { return a.OpenPart(e, archive.RsrcFork) })
	if err := ad.AddPart(r, archive.RsrcFork, src, archive.Uncompressed); err != nil {
		return err
	}
	f, err := os.Create(dest)
	if err != nil {
		ad.CancelTransaction()
		return err
	}
	if err := ad.CommitTransaction(f); err != nil {
		f.Close()
		os.Remove(dest)
		return err
	}
	return f.Close()
}

func doAdd(a archive.Archive, files []string, hint archive.CompressionFormat) error {
	caps := a.Capabilities()
	part := archive.DataFork
	if !caps.HasPart(archive.DataFork) {
		part = archive.RsrcFork
	}
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return fmt.Errorf("%s: adding directories is not supported", file)
		}
		e, err := a.CreateRecord()
		if err != nil {
			return err
		}
		name := localName(e, filepath.ToSlash(filepath.Clean(file)))
		name = strings.TrimLeft(name, string(rune(e.DirSeparator())))
		if err := e.SetFileName(name); err != nil {
			return err
		}
		if caps.ModWhen {
			e.SetModWhen(info.ModTime().UTC().Truncate(time.Second))
		}
		if err := a.AddPart(e, part, archive.NewFileSource(file), hint); err != nil {
			return err
		}
	}
	return nil
}

func doDelete(a archive.Archive, patterns []string) error {
	n := 0
	for _, e := range a.Entries() {
		if matchAny(patterns, catalog.SlashName(e)) {
			if err := a.DeleteRecord(e); err != nil {
				return err
			}
			n++
		}
	}
	if n == 0 {
		return errors.New("no entries matched")
	}
	return nil
}

func doRename(a archive.Archive, from, to string) error {
	for _, e := range a.Entries() {
		if catalog.SlashName(e) == from {
			return e.SetFileName(localName(e, to))
		}
	}
	return fmt.Errorf("%s: %w", from, archive.ErrNotFound)
}

// doTest reads every part to the end, which verifies whatever checksums the format keeps.
func doTest(a archive.Archive, out io.Writer, verbose bool) int {
	failures := 0
	for _, e := range a.Entries() {
		name := catalog.SlashName(e)
		for _, p := range e.Parts() {
			d := xxhash.New()
			rc, err := a.OpenPart(e, p.Kind)
			if err == nil {
				_, err = io.Copy(d, rc)
				rc.Close()
			}
			switch {
			case err != nil:
				failures++
				fmt.Fprintf(out, "FAIL %s (%s): %v\n", name, p.Kind, err)
			case verbose:
				fmt.Fprintf(out, "ok   %s (%s) %s xxh64=%016x\n", name, p.Kind, p.Format, d.Sum64())
			}
		}
	}
	return failures
}

// doIndex indexes files, and every file below any directory given.
func doIndex(out io.Writer, files []string, cfg *diskarc.Config) error {
	if catalogDir == "" {
		return errors.New("no catalog directory, set ARC_CATALOG")
	}
	c, err := catalog.Open(catalogDir, cfg.Logger)
	if err != nil {
		return err
	}
	defer c.Close()
	var paths []string
	for _, f := range files {
		order, found, err := walk.Files(f)
		if err != nil {
			return err
		}
		cfg.Logger.Debug("indexWalk", "root", f, "order", order, "count", len(found))
		paths = append(paths, found...)
	}
	results, err := c.IndexFiles(context.Background(), paths)
	for _, r := range results {
		switch {
		case r.Err != nil:
			fmt.Fprintf(out, "%s: %v\n", r.Path, r.Err)
		case r.Listing == nil:
			fmt.Fprintf(out, "%s: not an archive\n", r.Path)
		default:
			fmt.Fprintf(out, "%s: %s, %d entries\n", r.Path, r.Listing.Kind, len(r.Listing.Entries))
		}
	}
	return err
}

func doSearch(out io.Writer, pattern string, cfg *diskarc.Config) error {
	if catalogDir == "" {
		return errors.New("no catalog directory, set ARC_CATALOG")
	}
	c, err := catalog.Open(catalogDir, cfg.Logger)
	if err != nil {
		return err
	}
	defer c.Close()
	found, err := c.Search(pattern)
	if err != nil {
		return err
	}
	for _, m := range found {
		fmt.Fprintf(out, "%s: %s\n", m.Archive, m.Row.Name)
	}
	return nil
}

func doDump(out io.Writer, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	dmp, err := applesingle.Dump(f)
	if err != nil {
		return err
	}
	fmt.Fprint(out, dmp)
	return nil
}
