// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package archive

import (
	"errors"
	"fmt"
	"io"
)

// Checksum accumulates a running checksum over part data.
type Checksum interface {
	Update(p []byte)
	Reset()
	Value() uint32
}

// Encoder wraps w in a compressor. It returns an error wrapping
// [ErrUnsupported] if the codec cannot compress.
type Encoder func(w io.Writer) (io.WriteCloser, error)

type CopyResult struct {
	InputLen   int64 // bytes read from the source
	OutputLen  int64 // bytes written to the stream
	Compressed bool
}

// CopyPart stores the contents of src at the current position of out.
//
// If enc is not nil the data goes through the compressor. When fallback is
// set, output that is not smaller than the input (or a codec that cannot
// compress at all) is thrown away and the data is stored again uncompressed.
// The checksum, if any, covers the uncompressed data.
func CopyPart(src PartSource, out Stream, enc Encoder, sum Checksum, fallback bool) (CopyResult, error) {
	start, err := out.Seek(0, io.SeekCurrent)
	if err != nil {
		return CopyResult{}, err
	}
	if err := src.Open(); err != nil {
		return CopyResult{}, fmt.Errorf("opening part source: %w", err)
	}

	if enc != nil {
		res, err := copyThrough(src, out, enc, sum)
		switch {
		case err == nil && (!fallback || res.OutputLen < res.InputLen):
			res.Compressed = true
			return res, nil
		case err != nil && !(fallback && errors.Is(err, ErrUnsupported)):
			return res, err
		}

		if err := src.Rewind(); err != nil {
			return CopyResult{}, fmt.Errorf("rewinding part source: %w", err)
		}
		if _, err := out.Seek(start, io.SeekStart); err != nil {
			return CopyResult{}, err
		}
		if err := out.Truncate(start); err != nil {
			return CopyResult{}, err
		}
		if sum != nil {
			sum.Reset()
		}
	}
	return copyThrough(src, out, nil, sum)
}

func copyThrough(src PartSource, out io.Writer, enc Encoder, sum Checksum) (CopyResult, error) {
	cw := &countWriter{w: out}
	var w io.Writer = cw
	var wc io.WriteCloser
	if enc != nil {
		var err error
		wc, err = enc(cw)
		if err != nil {
			return CopyResult{}, err
		}
		w = wc
	}

	var res CopyResult
	buf := make([]byte, 32*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if sum != nil {
				sum.Update(buf[:n])
			}
			res.InputLen += int64(n)
			if _, err := w.Write(buf[:n]); err != nil {
				return res, err
			}
		}
		if rerr == io.EOF {
			break
		} else if rerr != nil {
			return res, fmt.Errorf("reading part source: %w", rerr)
		}
	}
	if wc != nil {
		if err := wc.Close(); err != nil {
			return res, err
		}
	}
	res.OutputLen = cw.n
	return res, nil
}

type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// CopyRaw copies n stored bytes from one stream to another untouched.
func CopyRaw(from io.ReaderAt, off, n int64, out io.Writer) error {
	got, err := io.Copy(out, io.NewSectionReader(from, off, n))
	if err != nil {
		return err
	}
	if got != n {
		return fmt.Errorf("copying stored data at %#x: %w", off, io.ErrUnexpectedEOF)
	}
	return nil
}

// Backpatch overwrites bytes already written at off, then returns to the end of the stream.
func Backpatch(out io.WriteSeeker, off int64, b []byte) error {
	if _, err := out.Seek(off, io.SeekStart); err != nil {
		return err
	}
	if _, err := out.Write(b); err != nil {
		return err
	}
	_, err := out.Seek(0, io.SeekEnd)
	return err
}

// Pad writes zeros until the stream position is a multiple of chunk,
// counting from base.
func Pad(out io.WriteSeeker, base, chunk int64) error {
	pos, err := out.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if extra := RoundUp(pos-base, chunk) - (pos - base); extra > 0 {
		_, err = out.Write(make([]byte, extra))
	}
	return err
}
