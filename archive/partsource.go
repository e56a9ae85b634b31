// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package archive

import (
	"bytes"
	"errors"
	"io"
	"os"
)

// PartSource produces the bytes for one new part.
//
// The archive calls Open before the first Read and Rewind whenever it needs
// the data again from the start. Read returns io.EOF once the data is
// exhausted. Close releases the source for good and is called exactly once
// by whoever owns the source at the time: the change object it was added
// to, or the caller if AddPart failed.
type PartSource interface {
	Open() error
	Read(p []byte) (int, error)
	Rewind() error
	Close() error
}

var errSourceNotOpen = errors.New("part source not open")

// BytesSource serves a byte slice.
type BytesSource struct {
	data []byte
	r    *bytes.Reader
}

func NewBytesSource(b []byte) *BytesSource { return &BytesSource{data: b} }

func (s *BytesSource) Open() error {
	s.r = bytes.NewReader(s.data)
	return nil
}

func (s *BytesSource) Read(p []byte) (int, error) {
	if s.r == nil {
		return 0, errSourceNotOpen
	}
	return s.r.Read(p)
}

func (s *BytesSource) Rewind() error {
	if s.r == nil {
		return errSourceNotOpen
	}
	_, err := s.r.Seek(0, io.SeekStart)
	return err
}

func (s *BytesSource) Close() error {
	s.r = nil
	return nil
}

// FileSource reads a file from the host filesystem.
type FileSource struct {
	path string
	f    *os.File
}

func NewFileSource(path string) *FileSource { return &FileSource{path: path} }

func (s *FileSource) Open() error {
	if s.f != nil {
		return s.Rewind()
	}
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	s.f = f
	return nil
}

func (s *FileSource) Read(p []byte) (int, error) {
	if s.f == nil {
		return 0, errSourceNotOpen
	}
	return s.f.Read(p)
}

func (s *FileSource) Rewind() error {
	if s.f == nil {
		return errSourceNotOpen
	}
	_, err := s.f.Seek(0, io.SeekStart)
	return err
}

func (s *FileSource) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// ReaderSource reopens a reader on demand, for example a part of another archive.
type ReaderSource struct {
	opener func() (io.ReadCloser, error)
	rc     io.ReadCloser
}

func NewReaderSource(opener func() (io.ReadCloser, error)) *ReaderSource {
	return &ReaderSource{opener: opener}
}

func (s *ReaderSource) Open() error {
	if s.rc != nil {
		s.rc.Close()
	}
	rc, err := s.opener()
	if err != nil {
		return err
	}
	s.rc = rc
	return nil
}

func (s *ReaderSource) Read(p []byte) (int, error) {
	if s.rc == nil {
		return 0, errSourceNotOpen
	}
	return s.rc.Read(p)
}

func (s *ReaderSource) Rewind() error { return s.Open() }

func (s *ReaderSource) Close() error {
	if s.rc == nil {
		return nil
	}
	err := s.rc.Close()
	s.rc = nil
	return err
}
