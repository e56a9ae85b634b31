// Copyright Elliot Nunn. Portions copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package zip reads and rewrites ZIP archives.
// - the central directory is authoritative, local headers are cross-checked
// - names are CP437 unless the UTF-8 flag is set
// - ZIP64 archives can be read but are never written
package zip

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/elliotnunn/diskarc/archive"
	"github.com/elliotnunn/diskarc/internal/binfield"
	"github.com/elliotnunn/diskarc/internal/checksum"
	"github.com/elliotnunn/diskarc/internal/codec"
	"github.com/elliotnunn/diskarc/internal/timestamp"
)

var ErrNoSpanned = fmt.Errorf("%w: spanned zip archives not supported", archive.ErrUnsupported)

const (
	flagEncrypted  = 0x0001
	flagDescriptor = 0x0008
	flagUTF8       = 0x0800

	methodStore   = 0
	methodDeflate = 8
	methodBZip2   = 12

	madeByUnix = 3

	localLen   = 30
	centralLen = 46
	eocdLen    = 22
)

// Entry is one central directory record.
type Entry struct {
	archive.Record

	MadeBy      uint16
	Needed      uint16
	Flags       uint16
	Method      uint16
	ExtAttrs    uint32
	IntAttrs    uint16
	Extra       []byte // central directory extra field, minus what the writer regenerates
	LocalOffset int64
}

type Archive struct {
	archive.Engine[*Entry]

	comment     []byte
	editComment []byte
	compression archive.CompressionFormat
}

var rules = archive.Rules{
	Caps: archive.Capabilities{
		ModWhen:     true,
		Comment:     true,
		Directories: true,
		Parts:       []archive.PartKind{archive.DataFork},
	},
	Cook:       cookName,
	Uncook:     uncookName,
	DefaultSep: '/',
	Chunk:      1,
}

// Detect looks for an end of central directory record.
func Detect(r io.ReaderAt, size int64) bool {
	_, err := getEOCD(r, size)
	return err == nil
}

func New(logger *slog.Logger) *Archive {
	a := &Archive{compression: archive.Deflate}
	a.Init(archive.Zip, hooks{a}, rules, nil, logger)
	return a
}

// SetCompression picks the method for parts added with [archive.Default]:
// deflate or stored.
func (a *Archive) SetCompression(f archive.CompressionFormat) {
	if codec.CanEncode(f) {
		a.compression = f
	}
}

func Open(s archive.Stream, logger *slog.Logger) (*Archive, error) {
	a := &Archive{compression: archive.Deflate}
	a.Init(archive.Zip, hooks{a}, rules, s, logger)
	if err := a.scan(); err != nil {
		return nil, err
	}
	return a, nil
}

// Comment returns the archive comment.
func (a *Archive) Comment() string { return binfield.FromCP437(a.comment) }

// SetComment changes the archive comment in the open transaction.
func (a *Archive) SetComment(s string) error {
	if !a.IsTransactionOpen() {
		return fmt.Errorf("%w: no transaction open", archive.ErrInvalidOp)
	}
	b, err := binfield.ToCP437(s)
	if err != nil {
		return fmt.Errorf("%w: archive comment: %v", archive.ErrValidation, err)
	}
	if len(b) > 0xffff {
		return fmt.Errorf("%w: archive comment too long", archive.ErrValidation)
	}
	a.editComment = b
	return nil
}

func (a *Archive) StartTransaction() error {
	if err := a.Engine.StartTransaction(); err != nil {
		return err
	}
	a.editComment = a.comment
	return nil
}

func (a *Archive) CancelTransaction() {
	a.editComment = nil
	a.Engine.CancelTransaction()
}

func (a *Archive) scan() error {
	s := a.Stream()
	size, err := archive.StreamSize(s)
	if err != nil {
		return err
	}
	eocd, err := getEOCD(s, size)
	if err != nil {
		return err
	}
	notes := a.Notes()

	eocdOffset := size - int64(len(eocd))
	thisDisk := uint32(binary.LittleEndian.Uint16(eocd[4:]))
	centralDisk := uint32(binary.LittleEndian.Uint16(eocd[6:]))
	recordsTotal := uint64(binary.LittleEndian.Uint16(eocd[10:]))
	centralSize := int64(binary.LittleEndian.Uint32(eocd[12:]))
	centralOffset := int64(binary.LittleEndian.Uint32(eocd[16:]))
	a.comment = bytes.Clone(eocd[eocdLen:][:binary.LittleEndian.Uint16(eocd[20:])])

	sixtyFour := recordsTotal == 0xffff || centralSize == 0xffffffff || centralOffset == 0xffffffff
	if sixtyFour {
		locator := make([]byte, 20)
		if int64(len(locator)+len(eocd)) > size {
			return fmt.Errorf("%w: truncated zip64 locator", archive.ErrFormat)
		}
		if _, err := s.ReadAt(locator, eocdOffset-int64(len(locator))); err != nil {
			return err
		}
		if string(locator[:4]) != "PK\x06\x07" {
			return fmt.Errorf("%w: missing zip64 locator", archive.ErrFormat)
		}
		eocd64Disk := binary.LittleEndian.Uint32(locator[4:])
		eocdOffset = int64(binary.LittleEndian.Uint64(locator[8:]))
		totalDisks := binary.LittleEndian.Uint32(locator[16:])
		if eocd64Disk != 0 || totalDisks != 1 {
			return ErrNoSpanned
		}
		eocd64 := make([]byte, 56)
		if _, err := s.ReadAt(eocd64, eocdOffset); err != nil {
			return err
		}
		if string(eocd64[:4]) != "PK\x06\x06" {
			return fmt.Errorf("%w: bad zip64 end record", archive.ErrFormat)
		}
		thisDisk = binary.LittleEndian.Uint32(eocd64[16:])
		centralDisk = binary.LittleEndian.Uint32(eocd64[20:])
		recordsTotal = binary.LittleEndian.Uint64(eocd64[32:])
		centralSize = int64(binary.LittleEndian.Uint64(eocd64[40:]))
		centralOffset = int64(binary.LittleEndian.Uint64(eocd64[48:]))
	}
	if thisDisk != 0 || centralDisk != 0 {
		return ErrNoSpanned
	}

	// Fix zip files that are carelessly appended to non-zip data,
	// the creating program unaware of the leading data.
	baseCorrection := eocdOffset - centralSize - centralOffset
	if baseCorrection < 0 || centralOffset > eocdOffset {
		return fmt.Errorf("%w: central directory out of range", archive.ErrFormat)
	}
	if baseCorrection > 0 {
		notes.AddW("Archive is preceded by %d bytes of other data", baseCorrection)
	}

	dir := make([]byte, centralSize)
	if _, err := s.ReadAt(dir, baseCorrection+centralOffset); err != nil {
		return err
	}

	var n uint64
	for len(dir) > 0 {
		if len(dir) < centralLen || string(dir[:4]) != "PK\x01\x02" {
			notes.AddE("Central directory entry %d is corrupt", n)
			a.SetDubious()
			break
		}
		namelen := int(binary.LittleEndian.Uint16(dir[28:]))
		extralen := int(binary.LittleEndian.Uint16(dir[30:]))
		commentlen := int(binary.LittleEndian.Uint16(dir[32:]))
		total := centralLen + namelen + extralen + commentlen
		if len(dir) < total {
			notes.AddE("Central directory entry %d runs past the directory", n)
			a.SetDubious()
			break
		}
		ent := a.parseCentral(dir[:total], sixtyFour, baseCorrection, size)
		a.Append(ent)
		dir = dir[total:]
		n++
	}
	if n != recordsTotal {
		notes.AddW("End record counts %d entries, central directory has %d", recordsTotal, n)
	}
	return nil
}

func (a *Archive) parseCentral(dir []byte, sixtyFour bool, base, size int64) *Entry {
	ent := a.Bind(&Entry{})
	at := &ent.Attrs
	ent.MadeBy = binary.LittleEndian.Uint16(dir[4:])
	ent.Needed = binary.LittleEndian.Uint16(dir[6:])
	ent.Flags = binary.LittleEndian.Uint16(dir[8:])
	ent.Method = binary.LittleEndian.Uint16(dir[10:])
	dostime := binary.LittleEndian.Uint16(dir[12:])
	dosdate := binary.LittleEndian.Uint16(dir[14:])
	crc := binary.LittleEndian.Uint32(dir[16:])
	packed := int64(binary.LittleEndian.Uint32(dir[20:]))
	unpacked := int64(binary.LittleEndian.Uint32(dir[24:]))
	namelen := int(binary.LittleEndian.Uint16(dir[28:]))
	extralen := int(binary.LittleEndian.Uint16(dir[30:]))
	ent.IntAttrs = binary.LittleEndian.Uint16(dir[36:])
	ent.ExtAttrs = binary.LittleEndian.Uint32(dir[38:])
	loc := int64(binary.LittleEndian.Uint32(dir[42:]))

	rest := dir[centralLen:]
	raw := bytes.Clone(rest[:namelen])
	extraBytes := rest[namelen:][:extralen]
	comment := rest[namelen+extralen:]
	extra := extraMap(extraBytes)

	raw, at.Dir = bytes.CutSuffix(raw, []byte("/"))
	if ent.MadeBy>>8 == madeByUnix && ent.ExtAttrs>>16&s_IFMT == s_IFDIR || ent.ExtAttrs&msdosDir != 0 {
		at.Dir = true
	}
	at.RawName = raw
	at.Name = decodeText(raw, ent.Flags)
	at.Comment = decodeText(comment, ent.Flags)

	at.Modified = timestamp.FromMSDOS(dosdate, dostime)
	for _, tag := range []uint16{tagInfoZipUnix, tagUnix, tagNTFS, tagExtTime} { // lowest priority first
		if t := extraTime(tag, extra[tag]); !t.IsZero() {
			at.Modified = t
		}
	}

	if fields, ok := extra[tagZip64]; ok || sixtyFour {
		for _, shortField := range []*int64{&unpacked, &packed, &loc} {
			if *shortField == 0xffffffff && len(fields) >= 8 {
				*shortField = int64(binary.LittleEndian.Uint64(fields))
				fields = fields[8:]
			}
		}
	}
	ent.Extra = stripExtra(extraBytes)
	ent.LocalOffset = base + loc

	if at.Dir {
		return ent
	}

	format := archive.UnknownFormat
	switch ent.Method {
	case methodStore:
		format = archive.Uncompressed
	case methodDeflate:
		format = archive.Deflate
	case methodBZip2:
		format = archive.BZip2
	}
	p := archive.PartInfo{
		Kind:             archive.DataFork,
		Length:           unpacked,
		CompressedLength: packed,
		Format:           format,
		CRC:              crc,
	}

	dataOff, err := a.checkLocal(ent, raw)
	switch {
	case err != nil:
		a.Notes().AddE("Entry %q: %v", at.Name, err)
		ent.Damaged = true
	case dataOff+packed > size:
		a.Notes().AddE("Entry %q: data runs past end of archive", at.Name)
		ent.Damaged = true
	case ent.Flags&flagEncrypted != 0:
		a.Notes().AddW("Entry %q is encrypted", at.Name)
		ent.Damaged = true
	}
	p.Offset = dataOff
	ent.PartList = []archive.PartInfo{p}
	if ent.Damaged {
		a.SetDubious()
	}
	return ent
}

var errLocal = errors.New("corrupt or absent local file header")

// checkLocal finds the data following the local header and compares the names.
func (a *Archive) checkLocal(ent *Entry, raw []byte) (int64, error) {
	buf := make([]byte, localLen)
	if _, err := a.Stream().ReadAt(buf, ent.LocalOffset); err != nil || string(buf[:4]) != "PK\x03\x04" {
		return 0, errLocal
	}
	namelen := int64(binary.LittleEndian.Uint16(buf[26:]))
	extralen := int64(binary.LittleEndian.Uint16(buf[28:]))

	name := make([]byte, namelen)
	if _, err := a.Stream().ReadAt(name, ent.LocalOffset+localLen); err != nil {
		return 0, errLocal
	}
	name = bytes.TrimSuffix(name, []byte("/"))
	if !bytes.Equal(name, raw) {
		a.Notes().AddW("Entry %q: local header name is %q", ent.Attrs.Name, decodeText(name, ent.Flags))
		ent.Dubious = true
	}
	return ent.LocalOffset + localLen + namelen + extralen, nil
}

func decodeText(b []byte, flags uint16) string {
	if flags&flagUTF8 != 0 {
		return string(b)
	}
	return binfield.FromCP437(b)
}

// needsUTF8 reports whether the UTF-8 flag is needed for text stored as b.
// Text that round-trips through CP437 keeps that encoding.
func needsUTF8(b []byte, cooked string) bool {
	return !isASCII(b) && binfield.FromCP437(b) != cooked
}

func isASCII(b []byte) bool {
	return !slices.ContainsFunc(b, func(c byte) bool { return c >= 0x80 })
}

func cookName(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	return binfield.FromCP437(raw)
}

func uncookName(name string, sep byte) ([]byte, error) {
	name = strings.TrimSuffix(name, "/")
	switch {
	case name == "":
		return nil, errors.New("empty name")
	case len(name) > 0xfffe:
		return nil, errors.New("name too long")
	case strings.HasPrefix(name, "/"):
		return nil, errors.New("absolute path")
	}
	return []byte(name), nil
}

func (h hooks) OpenPart(e *Entry, kind archive.PartKind) (io.ReadCloser, error) {
	p, _ := e.Part(kind)
	sr := io.NewSectionReader(h.a.Stream(), p.Offset, p.CompressedLength)
	r, err := codec.NewReader(p.Format, sr)
	if err != nil {
		return nil, fmt.Errorf("zip method %d: %w", e.Method, err)
	}
	return checksum.NewVerifier(r, checksum.NewCRC32(0), p.CRC, p.Length), nil
}
