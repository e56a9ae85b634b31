// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package gzip

import (
	"bytes"
	gogzip "compress/gzip"
	"io"
	"testing"
	"time"

	"github.com/elliotnunn/diskarc/archive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var when = time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)

func stdlibGzip(t *testing.T, name string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gogzip.NewWriter(&buf)
	zw.Name = name
	zw.Comment = "from the stdlib"
	zw.ModTime = when
	zw.Write(data)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestReadStdlib(t *testing.T) {
	data := bytes.Repeat([]byte("résumé "), 300)
	a, err := Open(archive.NewMemStream(stdlibGzip(t, "résumé.txt", data)), nil)
	require.NoError(t, err)
	require.Len(t, a.Entries(), 1)
	e := a.Entries()[0]
	assert.Equal(t, "résumé.txt", e.FileName())
	assert.Equal(t, "from the stdlib", e.Comment())
	assert.Equal(t, when, e.ModWhen())
	assert.EqualValues(t, len(data), e.DataLength())
	assert.Empty(t, a.Notes().All())

	rc, err := a.OpenPart(e, archive.DataFork)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestWriteForStdlib(t *testing.T) {
	a := New(nil)
	require.NoError(t, a.StartTransaction())
	e, err := a.CreateRecord()
	require.NoError(t, err)
	require.NoError(t, e.SetFileName("notes.txt"))
	require.NoError(t, e.SetModWhen(when))
	require.NoError(t, a.AddPart(e, archive.DataFork, archive.NewBytesSource([]byte("hello, gzip")), archive.Default))
	_, err = a.CreateRecord()
	assert.ErrorIs(t, err, archive.ErrInvalidOp)

	out := archive.NewMemStream(nil)
	require.NoError(t, a.CommitTransaction(out))

	zr, err := gogzip.NewReader(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", zr.Name)
	assert.True(t, when.Equal(zr.ModTime))
	got, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "hello, gzip", string(got))

	require.NoError(t, a.StartTransaction())
	require.NoError(t, e.SetFileName("renamed.txt"))
	again := archive.NewMemStream(nil)
	require.NoError(t, a.CommitTransaction(again))
	zr, err = gogzip.NewReader(bytes.NewReader(again.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "renamed.txt", zr.Name)
	got, _ = io.ReadAll(zr)
	assert.Equal(t, "hello, gzip", string(got))
}

func TestBadFooter(t *testing.T) {
	b := stdlibGzip(t, "x", []byte("some data"))
	b[len(b)-8] ^= 0xff
	a, err := Open(archive.NewMemStream(b), nil)
	require.NoError(t, err)
	assert.True(t, a.IsDubious())
	assert.True(t, a.Entries()[0].IsDamaged())
	assert.Equal(t, 1, a.Notes().Count(archive.Error))
}

func TestMultiMember(t *testing.T) {
	b := append(stdlibGzip(t, "one", []byte("1")), stdlibGzip(t, "two", []byte("2"))...)
	a, err := Open(archive.NewMemStream(b), nil)
	require.NoError(t, err)
	assert.Len(t, a.Entries(), 1)
	assert.Equal(t, 1, a.Notes().Count(archive.Warning))
}

func TestNotGzip(t *testing.T) {
	_, err := Open(archive.NewMemStream([]byte("plain text")), nil)
	assert.ErrorIs(t, err, archive.ErrFormat)
}
