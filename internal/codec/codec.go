// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package codec maps compression formats to stream transformers.
package codec

import (
	"compress/bzip2"
	"fmt"
	"io"

	"github.com/elliotnunn/diskarc/archive"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
)

// ErrUnsupported is returned for a format with no decoder or encoder.
// It wraps [archive.ErrUnsupported] so that the copy pipeline falls back
// to storing data uncompressed.
var ErrUnsupported = fmt.Errorf("%w: compression format", archive.ErrUnsupported)

// DeflateLevel is used for every deflate stream written.
const DeflateLevel = 6

func CanDecode(f archive.CompressionFormat) bool {
	switch f {
	case archive.Uncompressed, archive.Squeeze, archive.Deflate, archive.BZip2:
		return true
	}
	return false
}

// CanEncode reports whether NewWriter supports f.
func CanEncode(f archive.CompressionFormat) bool {
	switch f {
	case archive.Uncompressed, archive.Deflate:
		return true
	}
	return false
}

// NewReader decompresses r.
// A deflate reader consumes no more of r than the stream needs if r is an io.ByteReader.
func NewReader(f archive.CompressionFormat, r io.Reader) (io.ReadCloser, error) {
	switch f {
	case archive.Uncompressed:
		return io.NopCloser(r), nil
	case archive.Squeeze:
		return NewSqueezeReader(r), nil
	case archive.Deflate:
		return flate.NewReader(r), nil
	case archive.BZip2:
		return io.NopCloser(bzip2.NewReader(r)), nil
	}
	return nil, fmt.Errorf("%w: cannot decode %s", ErrUnsupported, f)
}

// NewWriter compresses into w. Closing the writer flushes the stream but does not close w.
func NewWriter(f archive.CompressionFormat, w io.Writer) (io.WriteCloser, error) {
	switch f {
	case archive.Uncompressed:
		return nopWriteCloser{w}, nil
	case archive.Deflate:
		return flate.NewWriter(w, DeflateLevel)
	}
	return nil, fmt.Errorf("%w: cannot encode %s", ErrUnsupported, f)
}

// Encoder adapts NewWriter for [archive.CopyPart]. It is nil for uncompressed storage.
func Encoder(f archive.CompressionFormat) archive.Encoder {
	if f == archive.Uncompressed {
		return nil
	}
	return func(w io.Writer) (io.WriteCloser, error) { return NewWriter(f, w) }
}

// NewZlibReader decodes deflate data in a zlib wrapper, as NuFX stores it.
func NewZlibReader(r io.Reader) (io.ReadCloser, error) {
	return zlib.NewReader(r)
}

// ZlibEncoder is the zlib-wrapped counterpart of Encoder(archive.Deflate).
func ZlibEncoder() archive.Encoder {
	return func(w io.Writer) (io.WriteCloser, error) { return zlib.NewWriterLevel(w, DeflateLevel) }
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
