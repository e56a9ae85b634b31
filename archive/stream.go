// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package archive

import (
	"io"
	"io/fs"
)

// Stream is the random-access byte store an archive lives in.
// *os.File satisfies it, as does [MemStream].
// The archive never owns its stream: callers open and close it.
type Stream interface {
	io.ReaderAt
	io.WriteSeeker
	Truncate(size int64) error
}

// StreamSize reports the length of s without disturbing its position.
func StreamSize(s io.Seeker) (int64, error) {
	pos, err := s.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	end, err := s.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	_, err = s.Seek(pos, io.SeekStart)
	return end, err
}

// MemStream is an in-memory [Stream].
type MemStream struct {
	buf []byte
	pos int64
}

func NewMemStream(b []byte) *MemStream { return &MemStream{buf: b} }

func (m *MemStream) Bytes() []byte { return m.buf }

func (m *MemStream) Len() int { return len(m.buf) }

func (m *MemStream) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, fs.ErrInvalid
	}
	if off >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n = copy(p, m.buf[off:])
	if n < len(p) {
		err = io.EOF
	}
	return n, err
}

func (m *MemStream) Read(p []byte) (n int, err error) {
	n, err = m.ReadAt(p, m.pos)
	m.pos += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (m *MemStream) Write(p []byte) (int, error) {
	end := m.pos + int64(len(p))
	if old := int64(len(m.buf)); end > old {
		if end > int64(cap(m.buf)) {
			grown := make([]byte, end, max(end, 2*int64(cap(m.buf))))
			copy(grown, m.buf)
			m.buf = grown
		} else {
			m.buf = m.buf[:end]
			if m.pos > old {
				clear(m.buf[old:m.pos])
			}
		}
	}
	copy(m.buf[m.pos:], p)
	m.pos = end
	return len(p), nil
}

func (m *MemStream) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = m.pos + offset
	case io.SeekEnd:
		abs = int64(len(m.buf)) + offset
	default:
		return 0, fs.ErrInvalid
	}
	if abs < 0 {
		return 0, fs.ErrInvalid
	}
	m.pos = abs
	return abs, nil
}

// Truncate changes the length of the stream, zero-filling if it grows.
// The position is not moved.
func (m *MemStream) Truncate(size int64) error {
	if size < 0 {
		return fs.ErrInvalid
	}
	if size <= int64(len(m.buf)) {
		m.buf = m.buf[:size]
		return nil
	}
	m.buf = append(m.buf, make([]byte, size-int64(len(m.buf)))...)
	return nil
}
