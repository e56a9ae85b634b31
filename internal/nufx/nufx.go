// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package nufx reads and writes ShrinkIt (NuFX) archives.
//
// A NuFX archive is a 48-byte master header followed by records. Each
// record has a variable-length header, protected by a CRC, then a table of
// 16-byte thread headers, then the data of every thread in table order.
// Threads carry the file name, comments and the forks of a file or a
// whole disk image.
package nufx

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/elliotnunn/diskarc/archive"
	"github.com/elliotnunn/diskarc/internal/binfield"
	"github.com/elliotnunn/diskarc/internal/checksum"
	"github.com/elliotnunn/diskarc/internal/timestamp"
)

const (
	masterLen     = 48
	minAttribLen  = 58
	minAttribLen0 = 56 // version 0 records lack the option list
	threadLen     = 16
	maxThreads    = 64
	maxAttribLen  = 4096

	blockSize = 512

	storageExtended = 5
)

var (
	masterMagic = []byte{0x4e, 0xf5, 0x46, 0xe9, 0x6c, 0xe5}
	recordMagic = []byte{0x4e, 0xf5, 0x46, 0xd8}
)

// File system IDs, from the GS/OS file system list.
const (
	FSProDOS = 1
	FSDOS33  = 2
	FSMFS    = 5
	FSHFS    = 6
	FSMSDOS  = 10
)

// Thread is one entry in a record's thread table.
type Thread struct {
	Class, Format, Kind uint16
	CRC                 uint16
	EOF, CompEOF        uint32
	Offset              int64
}

const (
	classMessage  = 0
	classControl  = 1
	classData     = 2
	classFilename = 3

	kindComment  = 1
	kindDataFork = 0
	kindDisk     = 1
	kindRsrcFork = 2
)

type Entry struct {
	archive.Record

	Version      uint16 // as stored, except that 2 reads as 1
	FSID         uint16
	StorageType  uint16
	AccessHigh   uint32 // bits of the access word above the ProDOS byte
	ExtraType    uint32 // all 32 bits; the block count for a disk image
	ArchivedWhen time.Time
	OptionList   []byte
	Other        []Thread // threads this package does not interpret, copied through on rewrite

	nameCap    uint32
	commentCap uint32
}

type Archive struct {
	archive.Engine[*Entry]

	MasterVersion uint16
	Created       time.Time
	Modified      time.Time

	compression archive.CompressionFormat
	now         func() time.Time
}

var rules = archive.Rules{
	Caps: archive.Capabilities{
		ProDOSTypes: true,
		HFSTypes:    true,
		Access:      true,
		CreateWhen:  true,
		ModWhen:     true,
		Comment:     true,
		Separator:   true,
		Parts:       []archive.PartKind{archive.DataFork, archive.RsrcFork, archive.DiskImage},
	},
	Cook:       binfield.FromMacRoman,
	Uncook:     uncookName,
	DefaultSep: ':',
	Chunk:      1,
}

func Detect(r io.ReaderAt) bool {
	var mh [masterLen]byte
	if _, err := r.ReadAt(mh[:], 0); err != nil {
		return false
	}
	return bytes.Equal(mh[:6], masterMagic)
}

// New returns an empty archive to be filled by a transaction.
func New(logger *slog.Logger) *Archive {
	return newArchive(nil, logger)
}

// Open scans s. A bad master header is an error; anything wrong after it is
// reported through notes.
func Open(s archive.Stream, logger *slog.Logger) (*Archive, error) {
	a := newArchive(s, logger)
	if err := a.scan(); err != nil {
		return nil, err
	}
	return a, nil
}

func newArchive(s archive.Stream, logger *slog.Logger) *Archive {
	a := &Archive{compression: archive.Deflate, now: time.Now}
	a.Init(archive.NuFX, hooks{a}, rules, s, logger)
	return a
}

// SetCompression picks the format used for parts added with [archive.Default].
func (a *Archive) SetCompression(f archive.CompressionFormat) {
	if f != archive.Default {
		a.compression = f
	}
}

func (a *Archive) scan() error {
	s := a.Stream()
	size, err := archive.StreamSize(s)
	if err != nil {
		return err
	}
	notes := a.Notes()

	mh := make([]byte, masterLen)
	if _, err := s.ReadAt(mh, 0); err != nil || !bytes.Equal(mh[:6], masterMagic) {
		return fmt.Errorf("%w: no NuFX master header", archive.ErrFormat)
	}
	if checksum.CRC16(0, mh[8:]) != binary.LittleEndian.Uint16(mh[6:]) {
		notes.AddW("Master header CRC mismatch")
		a.SetDubious()
	}
	total := binary.LittleEndian.Uint32(mh[8:])
	a.Created = timestamp.FromNuFX(mh[12:])
	a.Modified = timestamp.FromNuFX(mh[20:])
	a.MasterVersion = binary.LittleEndian.Uint16(mh[28:])
	if a.MasterVersion >= 1 {
		switch eof := int64(binary.LittleEndian.Uint32(mh[38:])); {
		case eof < size:
			notes.AddI("Ignoring %d bytes after the end of the archive", size-eof)
		case eof > size:
			notes.AddW("Master EOF %d is past the end of the file (%d)", eof, size)
		}
	}

	off := int64(masterLen)
	for i := range total {
		if off >= size {
			notes.AddW("Archive ends after %d of %d records", i, total)
			a.SetDubious()
			break
		}
		ent, next, ok := a.readRecord(int(i), off, size)
		if ent != nil {
			a.Append(ent)
		}
		if !ok {
			a.SetDubious()
			break
		}
		off = next
	}
	return nil
}

// readRecord parses the record at off. It returns false if scanning cannot continue.
func (a *Archive) readRecord(idx int, off, size int64) (*Entry, int64, bool) {
	s := a.Stream()
	notes := a.Notes()

	fixed := make([]byte, minAttribLen)
	if _, err := s.ReadAt(fixed, off); err != nil {
		notes.AddE("Record %d at %#x is truncated", idx, off)
		return nil, 0, false
	}
	if !bytes.Equal(fixed[:4], recordMagic) {
		notes.AddE("Record %d at %#x has no NuFX signature", idx, off)
		return nil, 0, false
	}
	attribLen := int64(binary.LittleEndian.Uint16(fixed[6:]))
	version := binary.LittleEndian.Uint16(fixed[8:])
	nthreads := binary.LittleEndian.Uint32(fixed[10:])
	minAttrib := int64(minAttribLen)
	if version == 0 {
		minAttrib = minAttribLen0
	}
	if attribLen < minAttrib || attribLen > maxAttribLen || nthreads > maxThreads {
		notes.AddE("Record %d at %#x has an implausible header (attrib_count %d, %d threads)", idx, off, attribLen, nthreads)
		return nil, 0, false
	}

	hdr := make([]byte, attribLen+2)
	if _, err := s.ReadAt(hdr, off); err != nil {
		notes.AddE("Record %d at %#x is truncated", idx, off)
		return nil, 0, false
	}
	rawName := make([]byte, binary.LittleEndian.Uint16(hdr[attribLen:]))
	nameOff := off + attribLen + 2
	th := make([]byte, threadLen*int(nthreads))
	thOff := nameOff + int64(len(rawName))
	if _, err := s.ReadAt(rawName, nameOff); err != nil {
		notes.AddE("Record %d at %#x is truncated", idx, off)
		return nil, 0, false
	}
	if _, err := s.ReadAt(th, thOff); err != nil {
		notes.AddE("Record %d at %#x is truncated in its thread table", idx, off)
		return nil, 0, false
	}

	ent := a.Bind(&Entry{})
	a.parseAttribs(ent, hdr, attribLen, version)

	crc := checksum.UpdateCRC16(checksum.UpdateCRC16(checksum.CRC16(0, hdr[6:]), rawName), th)
	badCRC := crc != binary.LittleEndian.Uint16(hdr[4:])

	dataOff := thOff + int64(len(th))
	var threads []Thread
	for i := range int(nthreads) {
		t := parseThread(th[i*threadLen:])
		t.Offset = dataOff
		dataOff += int64(t.CompEOF)
		threads = append(threads, t)
	}
	if dataOff > size {
		ent.SetName(rawName)
		notes.AddE("Record %d: thread data runs past the end of the archive", idx)
		ent.Damaged = true
		return ent, 0, false
	}

	a.applyThreads(ent, threads, rawName)
	if badCRC {
		ent.Dubious = true
		notes.AddW("Record %q: header CRC mismatch", ent.Attrs.Name)
	}
	return ent, dataOff, true
}

func (a *Archive) parseAttribs(ent *Entry, hdr []byte, attribLen int64, version uint16) {
	at := &ent.Attrs
	if version == 2 {
		version = 1 // version 2 differs only in a thread CRC nobody could compute
	}
	ent.Version = version
	ent.FSID = binary.LittleEndian.Uint16(hdr[14:])

	sep := hdr[16]
	if sep == '?' {
		a.Notes().AddI("Record %d: replaced bad separator '?' with ':'", len(a.Records()))
		sep = ':'
	}
	if sep != 0 {
		at.Sep = sep
	}

	access := binary.LittleEndian.Uint32(hdr[18:])
	at.Access = byte(access)
	ent.AccessHigh = access &^ 0xff
	fileType := binary.LittleEndian.Uint32(hdr[22:])
	extra := binary.LittleEndian.Uint32(hdr[26:])
	ent.StorageType = binary.LittleEndian.Uint16(hdr[30:])
	at.FileType = byte(fileType)
	at.AuxType = uint16(extra)
	ent.ExtraType = extra
	at.Created = timestamp.FromNuFX(hdr[32:])
	at.Modified = timestamp.FromNuFX(hdr[40:])
	ent.ArchivedWhen = timestamp.FromNuFX(hdr[48:])

	if version > 0 {
		optLen := int64(binary.LittleEndian.Uint16(hdr[56:]))
		if minAttribLen+optLen > attribLen {
			a.Notes().AddW("Record %d: option list overruns the header", len(a.Records()))
			ent.Dubious = true
			optLen = attribLen - minAttribLen
		}
		ent.OptionList = bytes.Clone(hdr[minAttribLen : minAttribLen+optLen])
	}
	at.HFSType, at.HFSCreator = hfsTypes(ent.OptionList)
}

// The option list holds a GS/OS file system ID and, for HFS, the Finder info.
func hfsTypes(opt []byte) (typ, creator uint32) {
	if len(opt) < 10 || binary.LittleEndian.Uint16(opt) != FSHFS {
		return 0, 0
	}
	return binary.BigEndian.Uint32(opt[2:]), binary.BigEndian.Uint32(opt[6:])
}

func parseThread(b []byte) Thread {
	return Thread{
		Class:   binary.LittleEndian.Uint16(b[0:]),
		Format:  binary.LittleEndian.Uint16(b[2:]),
		Kind:    binary.LittleEndian.Uint16(b[4:]),
		CRC:     binary.LittleEndian.Uint16(b[6:]),
		EOF:     binary.LittleEndian.Uint32(b[8:]),
		CompEOF: binary.LittleEndian.Uint32(b[12:]),
	}
}

func (t Thread) put(b []byte) {
	binary.LittleEndian.PutUint16(b[0:], t.Class)
	binary.LittleEndian.PutUint16(b[2:], t.Format)
	binary.LittleEndian.PutUint16(b[4:], t.Kind)
	binary.LittleEndian.PutUint16(b[6:], t.CRC)
	binary.LittleEndian.PutUint32(b[8:], t.EOF)
	binary.LittleEndian.PutUint32(b[12:], t.CompEOF)
}

func (a *Archive) applyThreads(ent *Entry, threads []Thread, headerName []byte) {
	notes := a.Notes()
	name := headerName
	haveName := false

	for _, t := range threads {
		switch {
		case t.Class == classFilename:
			if haveName {
				notes.AddW("Record %q: extra filename thread ignored", name)
				ent.Dubious = true
				continue
			}
			buf := make([]byte, min(t.EOF, t.CompEOF))
			if _, err := a.Stream().ReadAt(buf, t.Offset); err != nil {
				ent.Damaged = true
			}
			name, haveName = bytes.TrimRight(buf, "\x00"), true
			ent.nameCap = t.CompEOF

		case t.Class == classMessage && t.Kind == kindComment:
			if t.Format != 0 {
				notes.AddI("Record %q: compressed comment not read", name)
				ent.Other = append(ent.Other, t)
				continue
			}
			buf := make([]byte, min(t.EOF, t.CompEOF))
			if _, err := a.Stream().ReadAt(buf, t.Offset); err != nil {
				ent.Damaged = true
			}
			ent.Attrs.Comment = cookComment(buf)
			ent.commentCap = t.CompEOF

		case t.Class == classData && t.Kind <= kindRsrcFork:
			kind := [...]archive.PartKind{archive.DataFork, archive.DiskImage, archive.RsrcFork}[t.Kind]
			if ent.HasPart(kind) {
				notes.AddW("Record %q: duplicate %s thread ignored", name, kind)
				ent.Dubious = true
				continue
			}
			p := archive.PartInfo{
				Kind:             kind,
				Length:           int64(t.EOF),
				CompressedLength: int64(t.CompEOF),
				Format:           formatFrom(t.Format),
				Offset:           t.Offset,
				CRC:              uint32(t.CRC),
			}
			if p.Format == archive.Uncompressed && p.Length > p.CompressedLength {
				notes.AddW("Record %q: %s is longer than its storage", name, kind)
				ent.Dubious = true
				p.Length = p.CompressedLength
			}
			if kind == archive.DiskImage && p.Length == 0 {
				// some versions of ShrinkIt left the length of a disk thread zero
				p.Length = int64(ent.StorageType) * int64(ent.ExtraType)
				notes.AddI("Record %q: disk image length taken from block count", name)
			}
			ent.PartList = append(ent.PartList, p)

		default:
			ent.Other = append(ent.Other, t)
		}
	}
	ent.SetName(bytes.Clone(name))

	if ent.HasPart(archive.DiskImage) {
		return
	}
	end := int64(0)
	if n := len(threads); n > 0 {
		end = threads[n-1].Offset + int64(threads[n-1].CompEOF)
	}
	// Forks that ShrinkIt left out because they were empty
	if !ent.HasPart(archive.DataFork) {
		ent.PartList = append(ent.PartList, miranda(archive.DataFork, end))
	}
	if ent.StorageType == storageExtended && !ent.HasPart(archive.RsrcFork) {
		ent.PartList = append(ent.PartList, miranda(archive.RsrcFork, end))
	}
}

func miranda(kind archive.PartKind, off int64) archive.PartInfo {
	return archive.PartInfo{Kind: kind, Offset: off, CRC: 0xffff}
}

func cookComment(b []byte) string {
	return strings.ReplaceAll(binfield.FromMacRoman(bytes.TrimRight(b, "\x00")), "\r", "\n")
}

func uncookComment(s string) ([]byte, error) {
	return binfield.ToMacRoman(strings.ReplaceAll(s, "\n", "\r"))
}

func uncookName(name string, sep byte) ([]byte, error) {
	raw, err := binfield.ToMacRoman(name)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0xffff {
		return nil, fmt.Errorf("too long")
	}
	if bytes.IndexByte(raw, 0) >= 0 {
		return nil, fmt.Errorf("contains NUL")
	}
	if sep != 0 {
		for comp := range bytes.SplitSeq(raw, []byte{sep}) {
			if len(comp) == 0 {
				return nil, fmt.Errorf("empty path component")
			}
		}
	}
	return raw, nil
}

var formats = [...]archive.CompressionFormat{
	0: archive.Uncompressed,
	1: archive.Squeeze,
	2: archive.NuLZW1,
	3: archive.NuLZW2,
	4: archive.UnknownFormat, // 12-bit LZC
	5: archive.UnknownFormat, // 16-bit LZC
	6: archive.Deflate,
	7: archive.BZip2,
}

func formatFrom(code uint16) archive.CompressionFormat {
	if int(code) < len(formats) {
		return formats[code]
	}
	return archive.UnknownFormat
}

func formatCode(f archive.CompressionFormat) uint16 {
	for i, g := range formats {
		if g == f {
			return uint16(i)
		}
	}
	return 0
}
