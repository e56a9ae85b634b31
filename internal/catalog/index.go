// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/elliotnunn/diskarc"
	"github.com/elliotnunn/diskarc/archive"
)

// IndexResult reports what happened to one file.
type IndexResult struct {
	Path    string
	Listing *Listing // nil if the file is not an archive
	Cached  bool     // the contents had been indexed before, perhaps under another path
	Err     error
}

// IndexFiles scans files in parallel and stores their listings.
// Files that are not archives are reported with a nil Listing.
// An error from one file does not stop the others.
func (c *Catalog) IndexFiles(ctx context.Context, paths []string) ([]IndexResult, error) {
	results := make([]IndexResult, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, p := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = c.indexFile(p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func (c *Catalog) indexFile(path string) IndexResult {
	res := IndexResult{Path: path}
	f, err := os.Open(path)
	if err != nil {
		res.Err = err
		return res
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		res.Err = err
		return res
	}

	fp, err := Fingerprint(f, info.Size())
	if err != nil {
		res.Err = err
		return res
	}
	if l, ok, err := c.Get(fp); err != nil {
		res.Err = err
		return res
	} else if ok {
		if l.Path != path {
			moved := *l
			moved.Path = path
			l = &moved
			res.Err = c.Put(l)
		}
		res.Listing, res.Cached = l, true
		return res
	}

	a, err := diskarc.Open(f, &diskarc.Config{Logger: c.logger})
	if errors.Is(err, archive.ErrFormat) {
		c.logger.Debug("catalogSkip", "path", path)
		return res
	} else if err != nil {
		res.Err = err
		return res
	}
	defer a.Close()

	res.Listing = MakeListing(a, fp, path, info.Size())
	res.Err = c.Put(res.Listing)
	return res
}

// Match is an entry found by [Catalog.Search].
type Match struct {
	Archive string
	Kind    string
	Row     Row
}

// Search returns every entry whose name matches a doublestar pattern,
// ordered by archive path and then by position in the archive.
func (c *Catalog) Search(pattern string) ([]Match, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("bad pattern %q", pattern)
	}
	var found []Match
	err := c.All(func(l *Listing) bool {
		for _, r := range l.Entries {
			if ok, _ := doublestar.Match(pattern, r.Name); ok {
				found = append(found, Match{Archive: l.Path, Kind: l.Kind, Row: r})
			}
		}
		return true
	})
	sort.SliceStable(found, func(i, j int) bool { return found[i].Archive < found[j].Archive })
	return found, err
}
