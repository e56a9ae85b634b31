// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package diskarc opens, edits and creates the archive formats of the
// Apple II and classic Mac world, plus the ZIP and gzip formats they were
// exchanged in.
//
// Every format is presented through [archive.Archive]. Edits go through a
// transaction and are written out as a complete new archive on commit.
package diskarc

import (
	"fmt"
	"log/slog"

	"github.com/elliotnunn/diskarc/archive"
	"github.com/elliotnunn/diskarc/internal/acu"
	"github.com/elliotnunn/diskarc/internal/applesingle"
	"github.com/elliotnunn/diskarc/internal/audio"
	"github.com/elliotnunn/diskarc/internal/binary2"
	"github.com/elliotnunn/diskarc/internal/gzip"
	"github.com/elliotnunn/diskarc/internal/macbinary"
	"github.com/elliotnunn/diskarc/internal/nufx"
	"github.com/elliotnunn/diskarc/internal/zip"
)

// Config is optional. The zero value logs nothing and lets each format
// choose its own compression.
type Config struct {
	// Logger receives every note an archive records, and disposal warnings.
	Logger *slog.Logger
	// Compression, if not zero, replaces the preferred compression of
	// formats that offer a choice (NuFX and ZIP) for parts added with
	// [archive.Default]. Pass [archive.Uncompressed] to AddPart to store data.
	Compression archive.CompressionFormat
}

// AudioChunk is one block recovered from a cassette recording.
type AudioChunk = audio.Chunk

type compressionSetter interface {
	SetCompression(archive.CompressionFormat)
}

func (c *Config) logger() *slog.Logger {
	if c == nil {
		return nil
	}
	return c.Logger
}

func (c *Config) setup(a archive.Archive) archive.Archive {
	if c != nil && c.Compression != archive.Uncompressed && c.Compression != archive.Default {
		if cs, ok := a.(compressionSetter); ok {
			cs.SetCompression(c.Compression)
		}
	}
	return a
}

// Open detects the format of s and scans it.
func Open(s archive.Stream, cfg *Config) (archive.Archive, error) {
	size, err := archive.StreamSize(s)
	if err != nil {
		return nil, err
	}
	kind, err := Detect(s, size)
	if kind == archive.Unknown {
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: format not recognized", archive.ErrFormat)
	}
	return OpenKind(kind, s, cfg)
}

// OpenKind scans s as a known format.
func OpenKind(kind archive.Kind, s archive.Stream, cfg *Config) (archive.Archive, error) {
	log := cfg.logger()
	var (
		a   archive.Archive
		err error
	)
	// assigning a nil *T to a would make a non-nil interface
	switch kind {
	case archive.NuFX:
		var x *nufx.Archive
		if x, err = nufx.Open(s, log); err == nil {
			a = x
		}
	case archive.Binary2:
		var x *binary2.Archive
		if x, err = binary2.Open(s, log); err == nil {
			a = x
		}
	case archive.AppleSingle, archive.AppleDouble:
		var x *applesingle.Archive
		if x, err = applesingle.Open(s, log); err == nil {
			a = x
		}
	case archive.Zip:
		var x *zip.Archive
		if x, err = zip.Open(s, log); err == nil {
			a = x
		}
	case archive.GZip:
		var x *gzip.Archive
		if x, err = gzip.Open(s, log); err == nil {
			a = x
		}
	case archive.AppleLink:
		var x *acu.Archive
		if x, err = acu.Open(s, log); err == nil {
			a = x
		}
	case archive.MacBinary:
		var x *macbinary.Archive
		if x, err = macbinary.Open(s, log); err == nil {
			a = x
		}
	default:
		return nil, fmt.Errorf("%w: cannot open %s from a stream", archive.ErrUnsupported, kind)
	}
	if err != nil {
		return nil, err
	}
	return cfg.setup(a), nil
}

// CreateNew returns an empty archive of a writable format. Entries are added
// in a transaction and the archive first exists on disk after the commit.
func CreateNew(kind archive.Kind, cfg *Config) (archive.Archive, error) {
	log := cfg.logger()
	var a archive.Archive
	switch kind {
	case archive.NuFX:
		a = nufx.New(log)
	case archive.Binary2:
		a = binary2.New(log)
	case archive.AppleSingle:
		a = applesingle.New(false, log)
	case archive.AppleDouble:
		a = applesingle.New(true, log)
	case archive.Zip:
		a = zip.New(log)
	case archive.GZip:
		a = gzip.New(log)
	default:
		return nil, fmt.Errorf("%w: %s archives cannot be created", archive.ErrUnsupported, kind)
	}
	return cfg.setup(a), nil
}

// OpenAudio presents decoded cassette chunks as a read-only archive.
func OpenAudio(chunks []AudioChunk, cfg *Config) (archive.Archive, error) {
	a, err := audio.Open(chunks, cfg.logger())
	if err != nil {
		return nil, err
	}
	return a, nil
}
