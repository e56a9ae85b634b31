// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package applesingle reads and writes AppleSingle files, and their
// header-only AppleDouble siblings, as archives holding a single entry.
package applesingle

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/elliotnunn/diskarc/archive"
	"github.com/elliotnunn/diskarc/internal/binfield"
	"github.com/elliotnunn/diskarc/internal/codec"
	"github.com/elliotnunn/diskarc/internal/timestamp"
)

const (
	DATA_FORK           = 1
	RESOURCE_FORK       = 2
	REAL_NAME           = 3
	COMMENT             = 4
	ICON_BW             = 5
	ICON_COLOR          = 6
	FILE_INFO_V1        = 7 // Old v1 file info, laid out per home file system
	FILE_DATES_INFO     = 8
	FINDER_INFO         = 9  // FinderInfo (16) + FinderXInfo (16)
	MACINTOSH_FILE_INFO = 10 // 32 bits, bits 31 = protected and 32 = locked
	PRODOS_FILE_INFO    = 11
	MSDOS_FILE_INFO     = 12
	SHORT_NAME          = 13 // AFP short name.
	AFP_FILE_INFO       = 14
	DIRECTORY_ID        = 15 // AFP directory ID.
)

const (
	magicSingle = 0x00051600
	magicDouble = 0x00051607
	version1    = 0x00010000
	version2    = 0x00020000

	headerLen   = 26
	descLen     = 12
	finderLen   = 32
	maxKeepSize = 1 << 16 // larger unrecognized entries stay in the stream
)

// v1 home file system names
var (
	homeMacintosh = []byte("Macintosh       ")
	homeProDOS    = []byte("ProDOS          ")
	homeUnix      = []byte("Unix            ")
)

// Entry is the single file an AppleSingle or AppleDouble describes.
type Entry struct {
	archive.Record

	Version    uint32
	Home       []byte // v1 home file system, 16 bytes
	FinderInfo [finderLen]byte
	MacAttrs   uint32
	Other      map[uint32][]byte // entries carried through untouched
	Large      map[uint32]span   // the same, when too big to hold in memory
}

type span struct{ off, len int64 }

type Archive struct {
	archive.Engine[*Entry]
	double bool
}

func rulesFor(double bool) archive.Rules {
	parts := []archive.PartKind{archive.DataFork, archive.RsrcFork}
	if double {
		parts = []archive.PartKind{archive.RsrcFork}
	}
	return archive.Rules{
		Caps: archive.Capabilities{
			ProDOSTypes: true,
			HFSTypes:    true,
			Access:      true,
			CreateWhen:  true,
			ModWhen:     true,
			Comment:     true,
			Parts:       parts,
			SingleEntry: true,
		},
		Cook:         cookName,
		DefaultSep:   ':',
		NameOptional: true,
		Chunk:        1,
	}
}

func kindOf(double bool) archive.Kind {
	if double {
		return archive.AppleDouble
	}
	return archive.AppleSingle
}

// Detect reports whether r holds AppleSingle or AppleDouble, and which.
func Detect(r io.ReaderAt) (ok, double bool) {
	var hdr [8]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return false, false
	}
	m := binary.BigEndian.Uint32(hdr[:])
	v := binary.BigEndian.Uint32(hdr[4:])
	if (m != magicSingle && m != magicDouble) || (v != version1 && v != version2) {
		return false, false
	}
	return true, m == magicDouble
}

// New returns an empty archive. An AppleDouble file carries no data fork.
func New(double bool, logger *slog.Logger) *Archive {
	a := &Archive{double: double}
	a.Init(kindOf(double), hooks{a}, rulesFor(double), nil, logger)
	return a
}

func Open(s archive.Stream, logger *slog.Logger) (*Archive, error) {
	ok, double := Detect(s)
	if !ok {
		return nil, fmt.Errorf("%w: not AppleSingle or AppleDouble", archive.ErrFormat)
	}
	a := &Archive{double: double}
	a.Init(kindOf(double), hooks{a}, rulesFor(double), s, logger)
	if err := a.scan(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Archive) IsAppleDouble() bool { return a.double }

func (a *Archive) scan() error {
	s := a.Stream()
	size, err := archive.StreamSize(s)
	if err != nil {
		return err
	}
	notes := a.Notes()
	hdr := make([]byte, headerLen)
	if _, err := s.ReadAt(hdr, 0); err != nil {
		return fmt.Errorf("%w: truncated header", archive.ErrFormat)
	}
	ent := a.Bind(&Entry{Version: binary.BigEndian.Uint32(hdr[4:])})
	if ent.Version == version1 {
		ent.Home = bytes.Clone(hdr[8:24])
	}
	count := int(binary.BigEndian.Uint16(hdr[24:]))
	descs := make([]byte, descLen*count)
	if n, _ := s.ReadAt(descs, headerLen); n < len(descs) {
		notes.AddE("Entry table truncated after %d of %d entries", n/descLen, count)
		a.SetDubious()
		count = n / descLen
	}

	seen := make(map[uint32]bool)
	for i := range count {
		d := descs[i*descLen:]
		id := binary.BigEndian.Uint32(d)
		off := int64(binary.BigEndian.Uint32(d[4:]))
		length := int64(binary.BigEndian.Uint32(d[8:]))
		if seen[id] {
			notes.AddW("Duplicate entry ID %d ignored", id)
			ent.Dubious = true
			continue
		}
		seen[id] = true
		if off+length > size {
			notes.AddE("Entry ID %d runs past end of file", id)
			a.SetDubious()
			if id == DATA_FORK || id == RESOURCE_FORK {
				ent.Damaged = true
			}
			continue
		}

		switch id {
		case DATA_FORK, RESOURCE_FORK:
			kind := archive.DataFork
			if id == RESOURCE_FORK {
				kind = archive.RsrcFork
			}
			if kind == archive.DataFork && a.double {
				notes.AddW("AppleDouble file has a data fork")
			}
			ent.PartList = append(ent.PartList, archive.PartInfo{
				Kind: kind, Length: length, CompressedLength: length, Format: archive.Uncompressed, Offset: off,
			})
			continue
		}

		if length > maxKeepSize {
			if ent.Large == nil {
				ent.Large = make(map[uint32]span)
			}
			ent.Large[id] = span{off, length}
			continue
		}
		buf := make([]byte, length)
		if _, err := s.ReadAt(buf, off); err != nil {
			return err
		}
		a.parseInfo(ent, id, buf)
	}
	if !ent.Dubious && len(ent.Attrs.RawName) == 0 {
		notes.AddI("No file name stored")
	}
	a.Append(ent)
	return nil
}

func (a *Archive) parseInfo(ent *Entry, id uint32, buf []byte) {
	at := &ent.Attrs
	short := func(want int) bool {
		if len(buf) < want {
			a.Notes().AddW("Entry ID %d is %d bytes, expected %d", id, len(buf), want)
			ent.Dubious = true
			return true
		}
		return false
	}

	switch id {
	case REAL_NAME:
		at.RawName = buf
		at.Name = nameText(ent.Version, ent.Home, buf)
	case COMMENT:
		at.Comment = binfield.FromMacRoman(buf)
	case FILE_DATES_INFO:
		if short(16) {
			return
		}
		at.Created = timestamp.FromAppleSingle(int32(binary.BigEndian.Uint32(buf)))
		at.Modified = timestamp.FromAppleSingle(int32(binary.BigEndian.Uint32(buf[4:])))
		ent.keep(id, buf) // backup and access dates
	case FINDER_INFO:
		if short(16) {
			return
		}
		copy(ent.FinderInfo[:], buf)
		at.HFSType = binary.BigEndian.Uint32(buf)
		at.HFSCreator = binary.BigEndian.Uint32(buf[4:])
	case MACINTOSH_FILE_INFO:
		if short(4) {
			return
		}
		ent.MacAttrs = binary.BigEndian.Uint32(buf)
	case PRODOS_FILE_INFO:
		if short(8) {
			return
		}
		at.Access = byte(binary.BigEndian.Uint16(buf))
		at.FileType = byte(binary.BigEndian.Uint16(buf[2:]))
		at.AuxType = uint16(binary.BigEndian.Uint32(buf[4:]))
	case FILE_INFO_V1:
		a.parseInfoV1(ent, buf, short)
	default:
		ent.keep(id, buf)
	}
}

// parseInfoV1 decodes the v1 file info, whose layout depends on the home file system.
func (a *Archive) parseInfoV1(ent *Entry, buf []byte, short func(int) bool) {
	at := &ent.Attrs
	switch {
	case bytes.Equal(ent.Home, homeMacintosh):
		if short(16) {
			return
		}
		at.Created = timestamp.FromHFS(binary.BigEndian.Uint32(buf))
		at.Modified = timestamp.FromHFS(binary.BigEndian.Uint32(buf[4:]))
		ent.MacAttrs = binary.BigEndian.Uint32(buf[12:])
	case bytes.Equal(ent.Home, homeProDOS):
		if short(16) {
			return
		}
		at.Created = timestamp.FromProDOS(binary.BigEndian.Uint16(buf), binary.BigEndian.Uint16(buf[2:]))
		at.Modified = timestamp.FromProDOS(binary.BigEndian.Uint16(buf[4:]), binary.BigEndian.Uint16(buf[6:]))
		at.Access = byte(binary.BigEndian.Uint16(buf[8:]))
		at.FileType = byte(binary.BigEndian.Uint16(buf[10:]))
		at.AuxType = uint16(binary.BigEndian.Uint32(buf[12:]))
	default:
		a.Notes().AddI("Ignoring file info for home file system %q", strings.TrimSpace(string(ent.Home)))
	}
}

func (e *Entry) keep(id uint32, buf []byte) {
	if e.Other == nil {
		e.Other = make(map[uint32][]byte)
	}
	e.Other[id] = buf
}

// macRomanNames reports whether names are in Mac OS Roman rather than UTF-8.
func macRomanNames(version uint32, home []byte) bool {
	return version == version1 && (bytes.Equal(home, homeMacintosh) || bytes.Equal(home, homeProDOS))
}

func nameText(version uint32, home, raw []byte) string {
	if macRomanNames(version, home) {
		return binfield.FromMacRoman(raw)
	}
	return cookName(raw)
}

func cookName(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	return binfield.FromMacRoman(raw)
}

func otherIDs(m map[uint32][]byte) []uint32 {
	ids := make([]uint32, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (h hooks) OpenPart(e *Entry, kind archive.PartKind) (io.ReadCloser, error) {
	p, _ := e.Part(kind)
	return codec.NewReader(archive.Uncompressed, io.NewSectionReader(h.a.Stream(), p.Offset, p.Length))
}
