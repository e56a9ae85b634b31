// Copyright Elliot Nunn. Portions copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zip

import (
	gozip "archive/zip"
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/elliotnunn/diskarc/archive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type file struct {
	name, data string
}

func build(t *testing.T, files ...file) *archive.MemStream {
	t.Helper()
	a := New(nil)
	require.NoError(t, a.StartTransaction())
	for _, f := range files {
		e, err := a.CreateRecord()
		require.NoError(t, err)
		require.NoError(t, e.SetFileName(f.name))
		require.NoError(t, a.AddPart(e, archive.DataFork, archive.NewBytesSource([]byte(f.data)), archive.Default))
	}
	out := archive.NewMemStream(nil)
	require.NoError(t, a.CommitTransaction(out))
	return out
}

func readAll(t *testing.T, a *Archive, e archive.Entry) string {
	t.Helper()
	rc, err := a.OpenPart(e, archive.DataFork)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(got)
}

func TestTwoEntries(t *testing.T) {
	s := build(t, file{"a.txt", "alpha"}, file{"dir/b.txt", "bravo bravo bravo bravo"})
	b := s.Bytes()
	eocd := b[len(b)-eocdLen:]
	require.Equal(t, "PK\x05\x06", string(eocd[:4]))
	assert.EqualValues(t, 2, binary.LittleEndian.Uint16(eocd[10:]))

	a, err := Open(s, nil)
	require.NoError(t, err)
	ents := a.Entries()
	require.Len(t, ents, 2)
	assert.Equal(t, "a.txt", ents[0].FileName())
	assert.Equal(t, "dir/b.txt", ents[1].FileName())
	assert.Equal(t, byte('/'), ents[1].DirSeparator())

	p, ok := ents[1].Part(archive.DataFork)
	require.True(t, ok)
	assert.EqualValues(t, p.Offset+p.CompressedLength, binary.LittleEndian.Uint32(eocd[16:]))
	assert.Equal(t, "bravo bravo bravo bravo", readAll(t, a, ents[1]))
	assert.Empty(t, a.Notes().All())
}

func TestStdlibReadsOurs(t *testing.T) {
	big := bytes.Repeat([]byte("compressible "), 1000)
	s := build(t, file{"big.txt", string(big)}, file{"ünïcödé.txt", "x"})

	zr, err := gozip.NewReader(bytes.NewReader(s.Bytes()), int64(len(s.Bytes())))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	assert.Equal(t, gozip.Deflate, zr.File[0].Method)
	assert.Equal(t, "ünïcödé.txt", zr.File[1].Name)

	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, big, got)
}

func TestWeReadStdlib(t *testing.T) {
	when := time.Date(2001, 2, 3, 4, 5, 6, 0, time.UTC)
	var buf bytes.Buffer
	zw := gozip.NewWriter(&buf)
	w, _ := zw.CreateHeader(&gozip.FileHeader{Name: "caf\x82", NonUTF8: true, Method: gozip.Store, Modified: when})
	w.Write([]byte("coffee"))
	w, _ = zw.CreateHeader(&gozip.FileHeader{Name: "sub/", Method: gozip.Store})
	w, _ = zw.Create("deflated")
	w.Write(bytes.Repeat([]byte{'z'}, 5000))
	zw.SetComment("archive comment")
	require.NoError(t, zw.Close())

	a, err := Open(archive.NewMemStream(buf.Bytes()), nil)
	require.NoError(t, err)
	ents := a.Entries()
	require.Len(t, ents, 3)

	assert.Equal(t, "café", ents[0].FileName())
	assert.Equal(t, []byte("caf\x82"), ents[0].RawFileName())
	assert.True(t, when.Equal(ents[0].ModWhen()), "got %s", ents[0].ModWhen())
	assert.Equal(t, "coffee", readAll(t, a, ents[0]))

	assert.True(t, ents[1].IsDirectory())
	assert.Equal(t, "sub", ents[1].FileName())

	assert.EqualValues(t, 5000, ents[2].DataLength())
	assert.Equal(t, string(bytes.Repeat([]byte{'z'}, 5000)), readAll(t, a, ents[2]))
	assert.Equal(t, "archive comment", a.Comment())

	// data descriptors written by the stdlib go away on rewrite
	require.NoError(t, a.StartTransaction())
	out := archive.NewMemStream(nil)
	require.NoError(t, a.CommitTransaction(out))
	for _, e := range a.Entries() {
		assert.Zero(t, e.(*Entry).Flags&flagDescriptor)
	}
	b, err := Open(out, nil)
	require.NoError(t, err)
	assert.Equal(t, "café", b.Entries()[0].FileName())
	assert.Equal(t, "archive comment", b.Comment())
	assert.Equal(t, "coffee", readAll(t, b, b.Entries()[0]))
}

func TestIncompressible(t *testing.T) {
	noise := make([]byte, 10000)
	rand.Read(noise)
	a, err := Open(build(t, file{"noise.bin", string(noise)}), nil)
	require.NoError(t, err)
	p, _ := a.Entries()[0].Part(archive.DataFork)
	assert.Equal(t, archive.Uncompressed, p.Format)
	assert.EqualValues(t, len(noise), p.CompressedLength)
	assert.EqualValues(t, len(noise), p.Length)
}

func TestBadChecksum(t *testing.T) {
	s := build(t, file{"a", string(make([]byte, 100))})
	a, err := Open(s, nil)
	require.NoError(t, err)
	e := a.Entries()[0]
	s.Bytes()[localLen+len("a")+1] ^= 0xff // inside the deflate stream

	rc, err := a.OpenPart(e, archive.DataFork)
	require.NoError(t, err)
	_, err = io.ReadAll(rc)
	assert.Error(t, err)
	rc.Close()

	s = build(t, file{"b", "stored?"})
	a, err = Open(s, nil)
	require.NoError(t, err)
	p, _ := a.Entries()[0].Part(archive.DataFork)
	require.Equal(t, archive.Uncompressed, p.Format)
	s.Bytes()[p.Offset] ^= 0x01
	rc, err = a.OpenPart(a.Entries()[0], archive.DataFork)
	require.NoError(t, err)
	_, err = io.ReadAll(rc)
	assert.ErrorIs(t, err, archive.ErrChecksum)
}

func TestArchiveComment(t *testing.T) {
	a, err := Open(build(t, file{"a", "1"}), nil)
	require.NoError(t, err)
	assert.ErrorIs(t, a.SetComment("no txn"), archive.ErrInvalidOp)

	require.NoError(t, a.StartTransaction())
	require.NoError(t, a.SetComment("discarded"))
	a.CancelTransaction()
	assert.Equal(t, "", a.Comment())

	require.NoError(t, a.StartTransaction())
	require.NoError(t, a.SetComment("Ñandú"))
	require.NoError(t, a.Entries()[0].SetComment("entry note"))
	out := archive.NewMemStream(nil)
	require.NoError(t, a.CommitTransaction(out))

	b, err := Open(out, nil)
	require.NoError(t, err)
	assert.Equal(t, "Ñandú", b.Comment())
	assert.Equal(t, "entry note", b.Entries()[0].Comment())
}

func TestLeadingJunk(t *testing.T) {
	s := build(t, file{"a", "payload"})
	junk := append(bytes.Repeat([]byte{0xee}, 300), s.Bytes()...)
	a, err := Open(archive.NewMemStream(junk), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Notes().Count(archive.Warning))
	assert.Equal(t, "payload", readAll(t, a, a.Entries()[0]))
}

func TestNotZip(t *testing.T) {
	_, err := Open(archive.NewMemStream([]byte("definitely not a zip archive at all")), nil)
	assert.ErrorIs(t, err, archive.ErrFormat)
	assert.False(t, Detect(bytes.NewReader(nil), 0))
}

type failingStream struct {
	*archive.MemStream
	budget int
}

var errDiskFull = errors.New("disk full")

func (f *failingStream) Write(p []byte) (int, error) {
	if len(p) > f.budget {
		return 0, errDiskFull
	}
	f.budget -= len(p)
	return f.MemStream.Write(p)
}

func TestCommitFailureLeavesArchiveUsable(t *testing.T) {
	a, err := Open(build(t, file{"keep", "kept data"}), nil)
	require.NoError(t, err)
	require.NoError(t, a.StartTransaction())
	e, err := a.CreateRecord()
	require.NoError(t, err)
	require.NoError(t, e.SetFileName("new"))
	require.NoError(t, a.AddPart(e, archive.DataFork, archive.NewBytesSource([]byte("fresh")), archive.Uncompressed))

	bad := &failingStream{MemStream: archive.NewMemStream(nil), budget: 40}
	require.ErrorIs(t, a.CommitTransaction(bad), errDiskFull)
	assert.Zero(t, bad.Len())
	assert.True(t, a.IsTransactionOpen())

	good := archive.NewMemStream(nil)
	require.NoError(t, a.CommitTransaction(good))
	require.Len(t, a.Entries(), 2)
	assert.Equal(t, "kept data", readAll(t, a, a.Entries()[0]))
	assert.Equal(t, "fresh", readAll(t, a, a.Entries()[1]))
}

func TestNoOpCommitKeepsTimes(t *testing.T) {
	odd := time.Date(2001, 2, 3, 4, 5, 7, 0, time.UTC)
	var buf bytes.Buffer
	zw := gozip.NewWriter(&buf)
	w, _ := zw.CreateHeader(&gozip.FileHeader{Name: "odd", Method: gozip.Store, Modified: odd})
	w.Write([]byte("odd second"))
	require.NoError(t, zw.Close())

	a, err := Open(archive.NewMemStream(buf.Bytes()), nil)
	require.NoError(t, err)
	require.True(t, odd.Equal(a.Entries()[0].ModWhen()), "got %s", a.Entries()[0].ModWhen())

	require.NoError(t, a.StartTransaction())
	out := archive.NewMemStream(nil)
	require.NoError(t, a.CommitTransaction(out))
	assert.True(t, odd.Equal(a.Entries()[0].ModWhen()))

	b, err := Open(out, nil)
	require.NoError(t, err)
	assert.True(t, odd.Equal(b.Entries()[0].ModWhen()), "got %s", b.Entries()[0].ModWhen())
	assert.Equal(t, "odd second", readAll(t, b, b.Entries()[0]))

	zr, err := gozip.NewReader(bytes.NewReader(out.Bytes()), int64(len(out.Bytes())))
	require.NoError(t, err)
	assert.True(t, odd.Equal(zr.File[0].Modified), "got %s", zr.File[0].Modified)
}

func TestTimeOutsideDOSRange(t *testing.T) {
	for _, when := range []time.Time{
		time.Date(1975, 6, 1, 12, 0, 0, 0, time.UTC),
		time.Date(1960, 6, 1, 12, 0, 0, 0, time.UTC),
		time.Date(2020, 1, 1, 0, 0, 0, 123456700, time.UTC),
	} {
		a := New(nil)
		require.NoError(t, a.StartTransaction())
		e, err := a.CreateRecord()
		require.NoError(t, err)
		require.NoError(t, e.SetFileName("f"))
		require.NoError(t, e.SetModWhen(when))
		require.NoError(t, a.AddPart(e, archive.DataFork, archive.NewBytesSource([]byte("x")), archive.Default))
		out := archive.NewMemStream(nil)
		require.NoError(t, a.CommitTransaction(out))

		b, err := Open(out, nil)
		require.NoError(t, err)
		assert.True(t, when.Equal(b.Entries()[0].ModWhen()), "want %s got %s", when, b.Entries()[0].ModWhen())

		// a second rewrite keeps it too, without piling up fields
		require.NoError(t, b.StartTransaction())
		again := archive.NewMemStream(nil)
		require.NoError(t, b.CommitTransaction(again))
		c, err := Open(again, nil)
		require.NoError(t, err)
		assert.True(t, when.Equal(c.Entries()[0].ModWhen()))
		assert.Equal(t, len(out.Bytes()), len(again.Bytes()))
	}
}

func TestExactDOSTimeNeedsNoExtra(t *testing.T) {
	assert.Nil(t, timeExtra(time.Date(2001, 2, 3, 4, 5, 6, 0, time.UTC)))
	assert.Nil(t, timeExtra(time.Time{}))
	assert.Len(t, timeExtra(time.Date(2001, 2, 3, 4, 5, 7, 0, time.UTC)), 9)
	assert.Len(t, timeExtra(time.Date(2001, 2, 3, 4, 5, 6, 1000, time.UTC)), 36)
}

func TestEOCDWithCommentHoldingMagic(t *testing.T) {
	var buf bytes.Buffer
	zw := gozip.NewWriter(&buf)
	w, _ := zw.Create("a")
	w.Write([]byte("a"))
	zw.SetComment("fake PK\x05\x06 inside")
	require.NoError(t, zw.Close())

	a, err := Open(archive.NewMemStream(buf.Bytes()), nil)
	require.NoError(t, err)
	assert.Equal(t, "fake PK\x05\x06 inside", a.Comment())
	assert.Len(t, a.Entries(), 1)
}

func TestSetCompressionNeedsEncoder(t *testing.T) {
	a := New(nil)
	a.SetCompression(archive.BZip2)
	assert.Equal(t, archive.Deflate, a.compression)
	a.SetCompression(archive.Uncompressed)
	assert.Equal(t, archive.Uncompressed, a.compression)
}
