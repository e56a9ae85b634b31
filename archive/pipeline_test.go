// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"
)

type byteSum struct{ v uint32 }

func (s *byteSum) Update(p []byte) {
	for _, b := range p {
		s.v += uint32(b)
	}
}
func (s *byteSum) Reset()        { s.v = 0 }
func (s *byteSum) Value() uint32 { return s.v }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// halving keeps every other byte, so it always "compresses".
func halving(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{writerFunc(func(p []byte) (int, error) {
		var half []byte
		for i := 0; i < len(p); i += 2 {
			half = append(half, p[i])
		}
		_, err := w.Write(half)
		return len(p), err
	})}, nil
}

// doubling writes every byte twice.
func doubling(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{writerFunc(func(p []byte) (int, error) {
		for _, b := range p {
			if _, err := w.Write([]byte{b, b}); err != nil {
				return 0, err
			}
		}
		return len(p), nil
	})}, nil
}

func unsupported(io.Writer) (io.WriteCloser, error) {
	return nil, fmt.Errorf("%w: no encoder", ErrUnsupported)
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func TestCopyPart(t *testing.T) {
	data := []byte("abcdefgh")
	for _, tc := range []struct {
		name       string
		enc        Encoder
		fallback   bool
		want       string
		compressed bool
	}{
		{"stored", nil, true, "abcdefgh", false},
		{"compressed", halving, true, "aceg", true},
		{"expanded with fallback", doubling, true, "abcdefgh", false},
		{"expanded without fallback", doubling, false, "aabbccddeeffgghh", true},
		{"no encoder", unsupported, true, "abcdefgh", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			out := NewMemStream([]byte("HDR"))
			out.Seek(3, io.SeekStart)
			sum := &byteSum{}
			res, err := CopyPart(NewBytesSource(data), out, tc.enc, sum, tc.fallback)
			if err != nil {
				t.Fatal(err)
			}
			if got := string(out.Bytes()); got != "HDR"+tc.want {
				t.Errorf("stream %q", got)
			}
			if res.Compressed != tc.compressed || res.InputLen != 8 || res.OutputLen != int64(len(tc.want)) {
				t.Errorf("result %+v", res)
			}
			var want uint32
			for _, b := range data {
				want += uint32(b)
			}
			if sum.Value() != want {
				t.Errorf("checksum %d, want %d", sum.Value(), want)
			}
		})
	}
}

func TestCopyPartUnsupportedWithoutFallback(t *testing.T) {
	_, err := CopyPart(NewBytesSource([]byte("x")), NewMemStream(nil), unsupported, nil, false)
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("got %v", err)
	}
}

type failingSource struct{ BytesSource }

func (failingSource) Open() error { return errors.New("no such file") }

func TestCopyPartSourceError(t *testing.T) {
	if _, err := CopyPart(&failingSource{}, NewMemStream(nil), nil, nil, false); err == nil {
		t.Error("open error not reported")
	}
}

func TestCopyRaw(t *testing.T) {
	src := bytes.NewReader([]byte("0123456789"))
	var out bytes.Buffer
	if err := CopyRaw(src, 2, 5, &out); err != nil || out.String() != "23456" {
		t.Errorf("got %q, %v", out.String(), err)
	}
	if err := CopyRaw(src, 8, 5, &out); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("short copy: %v", err)
	}
}

func TestBackpatchPad(t *testing.T) {
	m := NewMemStream(nil)
	m.Write([]byte("....body"))
	if err := Backpatch(m, 0, []byte("HEAD")); err != nil {
		t.Fatal(err)
	}
	if err := Pad(m, 0, 16); err != nil {
		t.Fatal(err)
	}
	want := "HEADbody" + string(make([]byte, 8))
	if string(m.Bytes()) != want {
		t.Errorf("got %q", m.Bytes())
	}
	Pad(m, 0, 16)
	if m.Len() != 16 {
		t.Errorf("aligned pad grew the stream to %d", m.Len())
	}
}

func TestMemStream(t *testing.T) {
	m := NewMemStream(nil)
	m.Seek(4, io.SeekStart)
	m.Write([]byte("ab"))
	if !bytes.Equal(m.Bytes(), []byte{0, 0, 0, 0, 'a', 'b'}) {
		t.Errorf("write past end: %q", m.Bytes())
	}
	if n, _ := StreamSize(m); n != 6 {
		t.Errorf("size %d", n)
	}
	if pos, _ := m.Seek(0, io.SeekCurrent); pos != 6 {
		t.Errorf("StreamSize moved the position to %d", pos)
	}

	buf := make([]byte, 4)
	n, err := m.ReadAt(buf, 4)
	if n != 2 || err != io.EOF {
		t.Errorf("short ReadAt: %d %v", n, err)
	}

	m.Truncate(2)
	m.Truncate(3)
	if !bytes.Equal(m.Bytes(), []byte{0, 0, 0}) {
		t.Errorf("truncate: %q", m.Bytes())
	}
	if _, err := m.Seek(-1, io.SeekStart); err == nil {
		t.Error("negative seek allowed")
	}

	m.Seek(0, io.SeekStart)
	got, _ := io.ReadAll(m)
	if len(got) != 3 {
		t.Errorf("read %d bytes", len(got))
	}
}

func TestReaderSource(t *testing.T) {
	opens := 0
	s := NewReaderSource(func() (io.ReadCloser, error) {
		opens++
		return io.NopCloser(bytes.NewReader([]byte("again"))), nil
	})
	if _, err := s.Read(make([]byte, 1)); err == nil {
		t.Error("read before open")
	}
	s.Open()
	io.ReadAll(s)
	s.Rewind()
	b, _ := io.ReadAll(s)
	if string(b) != "again" || opens != 2 {
		t.Errorf("got %q after %d opens", b, opens)
	}
	s.Close()
}
