// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package nufx

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/elliotnunn/diskarc/archive"
	"github.com/elliotnunn/diskarc/internal/checksum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tdef struct {
	class, format, kind uint16
	crc                 uint16
	data                []byte
}

func nameThread(name string) tdef { return tdef{class: classFilename, data: []byte(name)} }

func dataThread(version uint16, data []byte) tdef {
	t := tdef{class: classData, kind: kindDataFork, data: data}
	if version == 3 {
		t.crc = checksum.CRC16(0xffff, data)
	}
	return t
}

// record lays out a record header by hand.
func record(version uint16, sep byte, storage uint16, threads ...tdef) []byte {
	hdr := make([]byte, minAttribLen+2)
	copy(hdr, recordMagic)
	binary.LittleEndian.PutUint16(hdr[6:], minAttribLen)
	binary.LittleEndian.PutUint16(hdr[8:], version)
	binary.LittleEndian.PutUint32(hdr[10:], uint32(len(threads)))
	binary.LittleEndian.PutUint16(hdr[14:], FSProDOS)
	hdr[16] = sep
	hdr[18] = 0xe3
	hdr[22] = 0x04
	binary.LittleEndian.PutUint16(hdr[30:], storage)
	var data []byte
	for _, t := range threads {
		th := make([]byte, threadLen)
		Thread{Class: t.class, Format: t.format, Kind: t.kind, CRC: t.crc,
			EOF: uint32(len(t.data)), CompEOF: uint32(len(t.data))}.put(th)
		hdr = append(hdr, th...)
		data = append(data, t.data...)
	}
	binary.LittleEndian.PutUint16(hdr[4:], checksum.CRC16(0, hdr[6:]))
	return append(hdr, data...)
}

func nufxFile(recs ...[]byte) []byte {
	mh := make([]byte, masterLen)
	copy(mh, masterMagic)
	binary.LittleEndian.PutUint32(mh[8:], uint32(len(recs)))
	binary.LittleEndian.PutUint16(mh[28:], 2)
	b := append(mh, bytes.Join(recs, nil)...)
	binary.LittleEndian.PutUint32(b[38:], uint32(len(b)))
	binary.LittleEndian.PutUint16(b[6:], checksum.CRC16(0, b[8:masterLen]))
	return b
}

func readPart(t *testing.T, a *Archive, e archive.Entry, kind archive.PartKind) []byte {
	t.Helper()
	rc, err := a.OpenPart(e, kind)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	return got
}

func TestHandBuilt(t *testing.T) {
	b := nufxFile(
		record(3, ':', 1, nameThread("DOCS:README"), dataThread(3, []byte("hello, world\r"))),
		record(1, '/', 1, nameThread("PROG"), dataThread(1, []byte{1, 2, 3})),
	)
	a, err := Open(archive.NewMemStream(b), nil)
	require.NoError(t, err)
	assert.False(t, a.IsDubious())
	assert.Empty(t, a.Notes().All())
	assert.EqualValues(t, 2, a.MasterVersion)

	ents := a.Entries()
	require.Len(t, ents, 2)
	assert.Equal(t, "DOCS:README", ents[0].FileName())
	assert.Equal(t, byte(':'), ents[0].DirSeparator())
	assert.Equal(t, byte(0x04), ents[0].FileType())
	assert.Equal(t, byte('/'), ents[1].DirSeparator())
	assert.Equal(t, []byte("hello, world\r"), readPart(t, a, ents[0], archive.DataFork))
	assert.Equal(t, []byte{1, 2, 3}, readPart(t, a, ents[1], archive.DataFork))
}

func TestMiranda(t *testing.T) {
	b := nufxFile(
		record(3, ':', 1, nameThread("EMPTY")),
		record(3, ':', storageExtended, nameThread("FORKED"), dataThread(3, []byte("data"))),
	)
	a, err := Open(archive.NewMemStream(b), nil)
	require.NoError(t, err)
	ents := a.Entries()
	require.Len(t, ents, 2)

	p, ok := ents[0].Part(archive.DataFork)
	require.True(t, ok)
	assert.Zero(t, p.Length)
	assert.Empty(t, readPart(t, a, ents[0], archive.DataFork))

	p, ok = ents[1].Part(archive.RsrcFork)
	require.True(t, ok)
	assert.Zero(t, p.Length)
	assert.Empty(t, readPart(t, a, ents[1], archive.RsrcFork))
}

func TestHeaderCRCMismatch(t *testing.T) {
	r1 := record(3, ':', 1, nameThread("ONE"), dataThread(3, []byte("1")))
	r2 := record(3, ':', 1, nameThread("TWO"), dataThread(3, []byte("2")))
	r1[18] ^= 0x01 // access byte, not structural
	a, err := Open(archive.NewMemStream(nufxFile(r1, r2)), nil)
	require.NoError(t, err)
	ents := a.Entries()
	require.Len(t, ents, 2)
	assert.True(t, ents[0].IsDubious())
	assert.False(t, ents[1].IsDubious())
	assert.Equal(t, 1, a.Notes().Count(archive.Warning))
	assert.Equal(t, []byte("1"), readPart(t, a, ents[0], archive.DataFork))
}

func TestTruncated(t *testing.T) {
	b := nufxFile(
		record(3, ':', 1, nameThread("ONE"), dataThread(3, []byte("first file"))),
		record(3, ':', 1, nameThread("TWO"), dataThread(3, bytes.Repeat([]byte("x"), 100))),
	)
	b = b[:len(b)-50]
	a, err := Open(archive.NewMemStream(b), nil)
	require.NoError(t, err)
	assert.True(t, a.IsDubious())
	ents := a.Entries()
	require.Len(t, ents, 2)
	assert.True(t, ents[1].IsDamaged())
	assert.Equal(t, []byte("first file"), readPart(t, a, ents[0], archive.DataFork))
	_, err = a.OpenPart(ents[1], archive.DataFork)
	assert.ErrorIs(t, err, archive.ErrDamaged)
	assert.ErrorIs(t, a.StartTransaction(), archive.ErrInvalidOp)
}

func TestBadSeparator(t *testing.T) {
	a, err := Open(archive.NewMemStream(nufxFile(
		record(3, '?', 1, nameThread("A:B"), dataThread(3, []byte("x"))),
	)), nil)
	require.NoError(t, err)
	assert.Equal(t, byte(':'), a.Entries()[0].DirSeparator())
	assert.Equal(t, 1, a.Notes().Count(archive.Info))
}

func TestVersion2(t *testing.T) {
	d := dataThread(1, []byte("abc"))
	d.crc = 0x1234 // meaningless in version 2
	a, err := Open(archive.NewMemStream(nufxFile(record(2, ':', 1, nameThread("V2"), d))), nil)
	require.NoError(t, err)
	e := a.Records()[0]
	assert.EqualValues(t, 1, e.Version)
	assert.Equal(t, []byte("abc"), readPart(t, a, e, archive.DataFork))
}

func TestThreadCRCMismatch(t *testing.T) {
	d := dataThread(3, []byte("abc"))
	d.crc ^= 0xffff
	a, err := Open(archive.NewMemStream(nufxFile(record(3, ':', 1, nameThread("BAD"), d))), nil)
	require.NoError(t, err)
	rc, err := a.OpenPart(a.Entries()[0], archive.DataFork)
	require.NoError(t, err)
	_, err = io.ReadAll(rc)
	assert.ErrorIs(t, err, archive.ErrChecksum)
	rc.Close()
}

func TestNotNuFX(t *testing.T) {
	_, err := Open(archive.NewMemStream(make([]byte, 100)), nil)
	assert.ErrorIs(t, err, archive.ErrFormat)
	assert.False(t, Detect(bytes.NewReader([]byte("NuFile"))))
}

func TestCreate(t *testing.T) {
	when := time.Date(1989, 7, 4, 12, 30, 0, 0, time.UTC)
	text := bytes.Repeat([]byte("The quick brown fox jumps over the lazy dog.\r"), 50)
	noise := make([]byte, 3000)
	rand.Read(noise)

	a := New(nil)
	require.NoError(t, a.StartTransaction())
	e1, err := a.CreateRecord()
	require.NoError(t, err)
	require.NoError(t, e1.SetFileName("DOCS:README"))
	require.NoError(t, e1.SetFileType(0x04))
	require.NoError(t, e1.SetAuxType(0x0000))
	require.NoError(t, e1.SetModWhen(when))
	require.NoError(t, e1.SetComment("line one\nline two"))
	require.NoError(t, a.AddPart(e1, archive.DataFork, archive.NewBytesSource(text), archive.Default))

	e2, err := a.CreateRecord()
	require.NoError(t, err)
	require.NoError(t, e2.SetFileName("Noise"))
	require.NoError(t, e2.SetHFSFileType(0x54455854)) // TEXT
	require.NoError(t, e2.SetHFSCreator(0x74747874))  // ttxt
	require.NoError(t, a.AddPart(e2, archive.DataFork, archive.NewBytesSource(noise), archive.Default))
	require.NoError(t, a.AddPart(e2, archive.RsrcFork, archive.NewBytesSource([]byte("rsrc")), archive.Uncompressed))

	out := archive.NewMemStream(nil)
	require.NoError(t, a.CommitTransaction(out))
	assert.EqualValues(t, 2, binary.LittleEndian.Uint32(out.Bytes()[8:]))
	assert.EqualValues(t, out.Len(), binary.LittleEndian.Uint32(out.Bytes()[38:]))

	b, err := Open(archive.NewMemStream(out.Bytes()), nil)
	require.NoError(t, err)
	assert.False(t, b.IsDubious())
	assert.Empty(t, b.Notes().All())
	ents := b.Records()
	require.Len(t, ents, 2)

	assert.Equal(t, "DOCS:README", ents[0].FileName())
	assert.Equal(t, "line one\nline two", ents[0].Comment())
	assert.True(t, ents[0].ModWhen().Equal(when))
	assert.EqualValues(t, 3, ents[0].Version)
	p, _ := ents[0].Part(archive.DataFork)
	assert.Equal(t, archive.Deflate, p.Format)
	assert.Less(t, p.CompressedLength, p.Length)
	assert.Equal(t, text, readPart(t, b, ents[0], archive.DataFork))

	assert.Equal(t, uint32(0x54455854), ents[1].HFSFileType())
	assert.Equal(t, uint32(0x74747874), ents[1].HFSCreator())
	assert.EqualValues(t, storageExtended, ents[1].StorageType)
	p, _ = ents[1].Part(archive.DataFork)
	assert.Equal(t, archive.Uncompressed, p.Format)
	assert.EqualValues(t, len(noise), p.CompressedLength)
	assert.Equal(t, noise, readPart(t, b, ents[1], archive.DataFork))
	assert.Equal(t, []byte("rsrc"), readPart(t, b, ents[1], archive.RsrcFork))

	// the committed archive tracks the new stream
	assert.Equal(t, text, readPart(t, a, a.Entries()[0], archive.DataFork))
}

func TestRewriteUpgradesVersion(t *testing.T) {
	a, err := Open(archive.NewMemStream(nufxFile(
		record(1, ':', 1, nameThread("OLD"), dataThread(1, []byte("old data"))),
	)), nil)
	require.NoError(t, err)
	require.NoError(t, a.StartTransaction())
	require.NoError(t, a.Entries()[0].SetFileName("NEW"))
	out := archive.NewMemStream(nil)
	require.NoError(t, a.CommitTransaction(out))

	b, err := Open(archive.NewMemStream(out.Bytes()), nil)
	require.NoError(t, err)
	e := b.Records()[0]
	assert.Equal(t, "NEW", e.FileName())
	assert.EqualValues(t, 3, e.Version)
	assert.Equal(t, []byte("old data"), readPart(t, b, e, archive.DataFork))
}

func TestDiskImage(t *testing.T) {
	img := make([]byte, 2*blockSize)
	copy(img, "boot block")

	a := New(nil)
	a.SetCompression(archive.Uncompressed)
	require.NoError(t, a.StartTransaction())
	e, err := a.CreateRecord()
	require.NoError(t, err)
	require.NoError(t, e.SetFileName("DISK"))
	require.NoError(t, a.AddPart(e, archive.DiskImage, archive.NewBytesSource(img), archive.Default))
	require.NoError(t, a.CommitTransaction(archive.NewMemStream(nil)))

	r := a.Records()[0]
	assert.EqualValues(t, blockSize, r.StorageType)
	assert.Equal(t, img, readPart(t, a, r, archive.DiskImage))

	require.NoError(t, a.StartTransaction())
	require.NoError(t, a.AddPart(r, archive.DataFork, archive.NewBytesSource([]byte("x")), archive.Default))
	err = a.CommitTransaction(archive.NewMemStream(nil))
	assert.ErrorIs(t, err, archive.ErrValidation)
	a.CancelTransaction()
}

func TestNoEncoderStores(t *testing.T) {
	data := bytes.Repeat([]byte("squeeze me "), 200)
	a := New(nil)
	a.SetCompression(archive.NuLZW2)
	require.NoError(t, a.StartTransaction())
	e, err := a.CreateRecord()
	require.NoError(t, err)
	require.NoError(t, e.SetFileName("TEXT"))
	require.NoError(t, a.AddPart(e, archive.DataFork, archive.NewBytesSource(data), archive.Default))
	require.NoError(t, a.CommitTransaction(archive.NewMemStream(nil)))

	r := a.Records()[0]
	p, ok := r.Part(archive.DataFork)
	require.True(t, ok)
	assert.Equal(t, archive.Uncompressed, p.Format)
	assert.EqualValues(t, len(data), p.CompressedLength)
	assert.Equal(t, data, readPart(t, a, r, archive.DataFork))
}

func TestDiskImageReopen(t *testing.T) {
	img := make([]byte, 3*blockSize)
	a := New(nil)
	require.NoError(t, a.StartTransaction())
	e, _ := a.CreateRecord()
	require.NoError(t, e.SetFileName("DISK"))
	require.NoError(t, a.AddPart(e, archive.DiskImage, archive.NewBytesSource(img), archive.Default))
	out := archive.NewMemStream(nil)
	require.NoError(t, a.CommitTransaction(out))

	b, err := Open(archive.NewMemStream(out.Bytes()), nil)
	require.NoError(t, err)
	r := b.Records()[0]
	assert.EqualValues(t, 3, r.ExtraType)
	assert.EqualValues(t, len(img), r.DataLength())
	assert.False(t, r.HasPart(archive.DataFork))
}

func TestCancelLeavesEntries(t *testing.T) {
	a, err := Open(archive.NewMemStream(nufxFile(
		record(3, ':', 1, nameThread("KEEP"), dataThread(3, []byte("k"))),
	)), nil)
	require.NoError(t, err)
	e := a.Entries()[0]
	require.NoError(t, a.StartTransaction())
	require.NoError(t, e.SetFileName("CHANGED"))
	require.NoError(t, e.SetComment("new"))
	require.NoError(t, a.DeletePart(e, archive.DataFork))
	assert.Equal(t, "CHANGED", e.ChangeObject().FileName())
	a.CancelTransaction()

	assert.Equal(t, "KEEP", e.FileName())
	assert.Empty(t, e.Comment())
	_, ok := e.Part(archive.DataFork)
	assert.True(t, ok)
	assert.Nil(t, e.ChangeObject())
}

func TestNameRules(t *testing.T) {
	a := New(nil)
	require.NoError(t, a.StartTransaction())
	e, _ := a.CreateRecord()
	assert.ErrorIs(t, e.SetFileName("A::B"), archive.ErrValidation)
	assert.ErrorIs(t, e.SetFileName("café世"), archive.ErrValidation)
	assert.NoError(t, e.SetFileName("café"))
	assert.Equal(t, []byte("caf\x8e"), e.ChangeObject().RawFileName())
	a.CancelTransaction()
}
