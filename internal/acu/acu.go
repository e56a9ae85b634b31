// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package acu reads archives made by the AppleLink Conversion Utility.
//
// The file header is 20 bytes. Each record is a 54-byte header, the file
// name, the resource fork and then the data fork. Both header and data carry
// CRC-16/XMODEM checksums, but the data checksum only agrees with the
// original tool for payloads of up to 256 bytes, so larger ones go unchecked.
package acu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/elliotnunn/diskarc/archive"
	"github.com/elliotnunn/diskarc/internal/binfield"
	"github.com/elliotnunn/diskarc/internal/checksum"
	"github.com/elliotnunn/diskarc/internal/codec"
	"github.com/elliotnunn/diskarc/internal/timestamp"
)

const (
	fileHeaderLen   = 20
	recordHeaderLen = 54

	// MaxCheckedLen is the largest payload whose data CRC is trusted.
	MaxCheckedLen = 256

	compNone    = 0
	compSqueeze = 3

	dirStorageType = 0x0d
)

var signature = []byte("fZink")

type Entry struct {
	archive.Record

	StorageType uint16
	Blocks      uint32
}

type Archive struct {
	archive.Engine[*Entry]
	FileSysID uint16
}

var rules = archive.Rules{
	Caps: archive.Capabilities{
		ProDOSTypes: true,
		Access:      true,
		CreateWhen:  true,
		ModWhen:     true,
		Directories: true,
		Parts:       []archive.PartKind{archive.DataFork, archive.RsrcFork},
		ReadOnly:    true,
	},
	Cook:       binfield.FromMacRoman,
	DefaultSep: '/',
	Chunk:      1,
}

func Detect(r io.ReaderAt) bool {
	hdr := make([]byte, fileHeaderLen)
	if _, err := r.ReadAt(hdr, 0); err != nil {
		return false
	}
	return bytes.Equal(hdr[4:9], signature)
}

func Open(s archive.Stream, logger *slog.Logger) (*Archive, error) {
	size, err := archive.StreamSize(s)
	if err != nil {
		return nil, err
	}
	hdr := make([]byte, fileHeaderLen)
	if _, err := s.ReadAt(hdr, 0); err != nil || !bytes.Equal(hdr[4:9], signature) {
		return nil, fmt.Errorf("%w: not an AppleLink ACU archive", archive.ErrFormat)
	}

	a := &Archive{FileSysID: binary.LittleEndian.Uint16(hdr[2:])}
	a.Init(archive.AppleLink, hooks{a}, rules, s, logger)
	count := int(binary.LittleEndian.Uint16(hdr))
	notes := a.Notes()

	off := int64(fileHeaderLen)
	for i := range count {
		ent, next, ok := a.scanRecord(off, size)
		if !ok {
			notes.AddE("Record %d of %d is unreadable", i+1, count)
			a.SetDubious()
			break
		}
		a.Append(ent)
		off = next
	}
	if off < size && !a.IsDubious() {
		notes.AddI("Ignoring %d trailing bytes", size-off)
	}
	return a, nil
}

func (a *Archive) scanRecord(off, size int64) (*Entry, int64, bool) {
	s := a.Stream()
	rh := make([]byte, recordHeaderLen)
	if _, err := s.ReadAt(rh, off); err != nil {
		return nil, 0, false
	}
	nameLen := int64(binary.LittleEndian.Uint16(rh[0x2c:]))
	name := make([]byte, nameLen)
	if _, err := s.ReadAt(name, off+recordHeaderLen); err != nil {
		return nil, 0, false
	}
	rsrcStored := int64(binary.LittleEndian.Uint32(rh[0x0e:]))
	dataStored := int64(binary.LittleEndian.Uint32(rh[0x12:]))
	dataLen := int64(binary.LittleEndian.Uint32(rh[0x30:]))
	crcOK := HeaderCRC(rh, name) == binary.LittleEndian.Uint16(rh[0x2e:])
	if !crcOK && off+recordHeaderLen+nameLen+rsrcStored+dataStored > size {
		return nil, 0, false // the header is the only way to find the next record
	}

	ent := a.Bind(&Entry{})
	at := &ent.Attrs
	ent.SetName(name)
	if !crcOK {
		a.Notes().AddW("Entry %q: bad header checksum", at.Name)
		ent.Dubious = true
	}
	at.Access = byte(binary.LittleEndian.Uint16(rh[0x16:]))
	at.FileType = byte(binary.LittleEndian.Uint16(rh[0x18:]))
	at.AuxType = uint16(binary.LittleEndian.Uint32(rh[0x1a:]))
	ent.StorageType = binary.LittleEndian.Uint16(rh[0x1e:])
	ent.Blocks = binary.LittleEndian.Uint32(rh[0x20:])
	at.Modified = timestamp.FromProDOS(binary.LittleEndian.Uint16(rh[0x24:]), binary.LittleEndian.Uint16(rh[0x26:]))
	at.Created = timestamp.FromProDOS(binary.LittleEndian.Uint16(rh[0x28:]), binary.LittleEndian.Uint16(rh[0x2a:]))
	at.Dir = ent.StorageType == dirStorageType

	pos := off + recordHeaderLen + nameLen
	add := func(kind archive.PartKind, comp byte, crc uint16, stored, length int64) {
		p := archive.PartInfo{
			Kind:             kind,
			Length:           length,
			CompressedLength: stored,
			Format:           archive.Uncompressed,
			Offset:           pos,
			CRC:              uint32(crc),
		}
		switch comp {
		case compNone:
		case compSqueeze:
			p.Format = archive.Squeeze
		default:
			p.Format = archive.UnknownFormat
			a.Notes().AddW("Entry %q: unknown compression %d", at.Name, comp)
		}
		if pos+stored > size {
			a.Notes().AddE("Entry %q: %s runs past end of archive", at.Name, kind)
			ent.Damaged = true
			a.SetDubious()
		}
		ent.PartList = append(ent.PartList, p)
		pos += stored
	}

	rsrcBlocks := binary.LittleEndian.Uint32(rh[0x06:])
	if rsrcStored > 0 || rsrcBlocks > 0 {
		rsrcLen := int64(-1)
		if rh[0] == compNone {
			rsrcLen = rsrcStored
		}
		add(archive.RsrcFork, rh[0], binary.LittleEndian.Uint16(rh[2:]), rsrcStored, rsrcLen)
	}
	if !at.Dir {
		if rh[1] == compNone && dataLen != dataStored {
			a.Notes().AddW("Entry %q: data length %d but %d bytes stored", at.Name, dataLen, dataStored)
			ent.Dubious = true
			dataLen = dataStored
		}
		add(archive.DataFork, rh[1], binary.LittleEndian.Uint16(rh[4:]), dataStored, dataLen)
	}
	return ent, pos, true
}

// HeaderCRC covers the record header, less its own checksum field, and the name.
func HeaderCRC(rh, name []byte) uint16 {
	crc := checksum.UpdateCRC16(0, rh[:0x2e])
	crc = checksum.UpdateCRC16(crc, rh[0x30:recordHeaderLen])
	return checksum.UpdateCRC16(crc, name)
}

type hooks struct{ a *Archive }

func (hooks) NewRecord() *Entry { return &Entry{} }

func (hooks) CloneRecord(e *Entry) *Entry {
	c := *e
	c.Record = e.CloneBase()
	return &c
}

func (hooks) CopyRecord(dst, src *Entry) { *dst = *src }

func (hooks) ValidateRecord(*Entry) error { return archive.ErrUnsupported }

func (hooks) WriteArchive(archive.Stream, []*Entry) (func(), error) {
	return nil, fmt.Errorf("%w: AppleLink archives are read-only", archive.ErrUnsupported)
}

func (h hooks) OpenPart(e *Entry, kind archive.PartKind) (io.ReadCloser, error) {
	p, _ := e.Part(kind)
	r, err := codec.NewReader(p.Format, io.NewSectionReader(h.a.Stream(), p.Offset, p.CompressedLength))
	if err != nil {
		return nil, err
	}
	if p.Length >= 0 && p.Length <= MaxCheckedLen {
		return checksum.NewVerifier(r, checksum.NewCRC16(0), p.CRC, p.Length), nil
	}
	return r, nil
}
