// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package diskarc

import (
	"io"
	"slices"

	"github.com/elliotnunn/diskarc/archive"
	"github.com/elliotnunn/diskarc/internal/acu"
	"github.com/elliotnunn/diskarc/internal/applesingle"
	"github.com/elliotnunn/diskarc/internal/binary2"
	"github.com/elliotnunn/diskarc/internal/gzip"
	"github.com/elliotnunn/diskarc/internal/macbinary"
	"github.com/elliotnunn/diskarc/internal/nufx"
	"github.com/elliotnunn/diskarc/internal/zip"
)

// Detect guesses the format of an archive of the given size.
// Formats with a magic number are tried before the heuristic ones.
// The error, if any, is a read error that may have hidden a match.
func Detect(r io.ReaderAt, size int64) (archive.Kind, error) {
	var header []byte
	var accessError error
	matchAt := func(s string, offset int) bool {
		if len(header) < offset+len(s) && len(header) == cap(header) {
			target := (offset + len(s) + 63) &^ 63
			header = slices.Grow(header, target-len(header))
			n, err := r.ReadAt(header[len(header):cap(header)], int64(len(header)))
			if err != nil && err != io.EOF && accessError == nil {
				accessError = err
			}
			header = header[:len(header)+n]
		}
		return len(header) >= offset+len(s) && string(header[offset:][:len(s)]) == s
	}

	switch {
	case matchAt("\x4e\xf5\x46\xe9\x6c\xe5", 0) && nufx.Detect(r):
		return archive.NuFX, nil
	case matchAt("\x0a\x47\x4c", 0) && binary2.Detect(r):
		return archive.Binary2, nil
	case matchAt("\x00\x05\x16\x00", 0), matchAt("\x00\x05\x16\x07", 0):
		if ok, double := applesingle.Detect(r); ok && double {
			return archive.AppleDouble, nil
		} else if ok {
			return archive.AppleSingle, nil
		}
	case matchAt("\x1f\x8b\x08", 0) && gzip.Detect(r):
		return archive.GZip, nil
	case matchAt("fZink", 4) && acu.Detect(r):
		return archive.AppleLink, nil
	}

	// no magic at the start of the stream
	switch {
	case zip.Detect(r, size):
		return archive.Zip, nil
	case macbinary.Detect(r, size):
		return archive.MacBinary, nil
	}
	return archive.Unknown, accessError
}
