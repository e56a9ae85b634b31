// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/therootcompany/xz"

	"github.com/elliotnunn/diskarc"
	"github.com/elliotnunn/diskarc/archive"
)

const xzMagic = "\xfd7zXZ\x00"

var kindNames = map[string]archive.Kind{
	"nufx":        archive.NuFX,
	"shk":         archive.NuFX,
	"binary2":     archive.Binary2,
	"bny":         archive.Binary2,
	"applesingle": archive.AppleSingle,
	"as":          archive.AppleSingle,
	"appledouble": archive.AppleDouble,
	"zip":         archive.Zip,
	"gzip":        archive.GZip,
	"gz":          archive.GZip,
}

func parseKind(s string) (archive.Kind, error) {
	if s == "" {
		return archive.Unknown, nil
	}
	k, ok := kindNames[strings.ToLower(s)]
	if !ok {
		return archive.Unknown, fmt.Errorf("unknown archive format %q", s)
	}
	return k, nil
}

// openArchive opens an archive for reading. An xz-compressed file is
// expanded into memory first. The returned function releases everything.
func openArchive(path string, cfg *diskarc.Config) (archive.Archive, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	var s archive.Stream = f
	var magic [len(xzMagic)]byte
	if _, err := f.ReadAt(magic[:], 0); err == nil && string(magic[:]) == xzMagic {
		data, err := unxz(f)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
		s = archive.NewMemStream(data)
	}
	a, err := diskarc.Open(s, cfg)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return a, func() { a.Close(); f.Close() }, nil
}

func unxz(r io.Reader) ([]byte, error) {
	xr, err := xz.NewReader(r, xz.DefaultDictMax)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(xr)
}

// rewrite runs edit inside a transaction and replaces the archive with the
// result. A missing archive is created if kind is known.
func rewrite(path string, kind archive.Kind, cfg *diskarc.Config, edit func(archive.Archive) error) error {
	var a archive.Archive
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	switch {
	case errors.Is(err, fs.ErrNotExist) && kind != archive.Unknown:
		a, err = diskarc.CreateNew(kind, cfg)
	case err != nil:
		return err
	default:
		defer f.Close()
		if err := lock(f); err != nil {
			return fmt.Errorf("locking %s: %w", path, err)
		}
		defer unlock(f)
		var magic [len(xzMagic)]byte
		if _, err := f.ReadAt(magic[:], 0); err == nil && string(magic[:]) == xzMagic {
			return fmt.Errorf("%s: cannot modify an xz-compressed archive", path)
		}
		a, err = diskarc.Open(f, cfg)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer a.Close()

	if err := a.StartTransaction(); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := edit(a); err != nil {
		a.CancelTransaction()
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		a.CancelTransaction()
		return err
	}
	defer os.Remove(tmp.Name())
	if err := a.CommitTransaction(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
