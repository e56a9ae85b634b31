// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package walk lists the files under a host directory in an order that
// reads the disk roughly sequentially.
package walk

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
)

type file struct {
	path string
	key  uint64
}

// Files returns the regular files below root, as host paths joined to root.
// They are sorted by inode number where the platform has one, which is a
// vague proxy for order on disk, and otherwise by name. The order string
// says which.
func Files(root string) (order string, paths []string, err error) {
	info, err := os.Stat(root)
	if err != nil {
		return "", nil, err
	}
	if !info.IsDir() {
		return "single-file", []string{root}, nil
	}

	fsys := os.DirFS(root)
	var (
		mu    sync.Mutex
		found []file
		wg    sync.WaitGroup
	)
	var recurse func(name string)
	recurse = func(name string) {
		defer wg.Done()
		ents, err := fs.ReadDir(fsys, name)
		if err != nil {
			return
		}
		for _, de := range ents {
			p := path.Join(name, de.Name())
			switch de.Type() {
			case fs.ModeDir:
				wg.Add(1)
				go recurse(p)
			case 0:
				f := file{path: p}
				if i, err := de.Info(); err == nil {
					f.key, _ = inode(i)
				}
				mu.Lock()
				found = append(found, f)
				mu.Unlock()
			}
		}
	}
	wg.Add(1)
	recurse(".")
	wg.Wait()

	order = "name"
	if len(found) > 0 && found[0].key != 0 {
		order = "inode-number"
		sort.Slice(found, func(i, j int) bool { return found[i].key < found[j].key })
	} else {
		sort.Slice(found, func(i, j int) bool { return found[i].path < found[j].path })
	}
	paths = make([]string, len(found))
	for i, f := range found {
		paths[i] = filepath.Join(root, filepath.FromSlash(f.path))
	}
	return order, paths, nil
}
