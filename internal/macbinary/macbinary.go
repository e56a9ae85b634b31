// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package macbinary reads MacBinary I, II and III files as single-entry archives.
//
// Before MacBinary III there is no signature, so recognition rests on
// heuristics: zero bytes where the format demands them, a plausible name
// length, and fork lengths that fit the file.
package macbinary

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
	headerLen  = 128
	maxNameLen = 63
	maxFork    = 0x7fffffff
)

var signature = []byte("mBIN")

type Entry struct {
	archive.Record

	Version      int // 1, 2 or 3
	FinderFlags  uint16
	Protected    bool
	SecondaryLen int
}

type Archive struct {
	archive.Engine[*Entry]
}

var rules = archive.Rules{
	Caps: archive.Capabilities{
		HFSTypes:    true,
		CreateWhen:  true,
		ModWhen:     true,
		Comment:     true,
		Parts:       []archive.PartKind{archive.DataFork, archive.RsrcFork},
		ReadOnly:    true,
		SingleEntry: true,
	},
	Cook:       binfield.FromMacRoman,
	DefaultSep: ':',
	Chunk:      headerLen,
}

type header struct {
	raw      []byte
	version  int
	dataLen  int64
	rsrcLen  int64
	secLen   int64
	cmtLen   int64
	nameLen  int
	crcValid bool
}

// parseHeader applies the recognition heuristics. It returns nil if the
// header does not look like MacBinary.
func parseHeader(hdr []byte, size int64) *header {
	h := &header{
		raw:     hdr,
		nameLen: int(hdr[1]),
		dataLen: int64(binary.BigEndian.Uint32(hdr[83:])),
		rsrcLen: int64(binary.BigEndian.Uint32(hdr[87:])),
	}
	if hdr[0] != 0 || hdr[74] != 0 || hdr[82] != 0 {
		return nil
	}
	if h.nameLen < 1 || h.nameLen > maxNameLen {
		return nil
	}
	if h.dataLen > maxFork || h.rsrcLen > maxFork {
		return nil
	}

	h.version = 1
	crc := binary.BigEndian.Uint16(hdr[124:])
	switch {
	case bytes.Equal(hdr[102:106], signature):
		h.version = 3
	case crc != 0 || hdr[122] >= 129:
		h.version = 2
	}
	if h.version > 1 {
		if crc != 0 {
			if checksum.CRC16(0, hdr[:124]) != crc {
				return nil
			}
			h.crcValid = true
		}
		h.secLen = int64(binary.BigEndian.Uint16(hdr[120:]))
		h.cmtLen = int64(binary.BigEndian.Uint16(hdr[99:]))
	} else if !allZero(hdr[99:128]) {
		return nil // version 1 reserves this area
	}

	need := headerLen + archive.RoundUp(h.secLen, headerLen) + archive.RoundUp(h.dataLen, headerLen) + h.rsrcLen
	if need > size {
		return nil
	}
	return h
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func readHeader(r io.ReaderAt, size int64) *header {
	if size < headerLen {
		return nil
	}
	hdr := make([]byte, headerLen)
	if _, err := r.ReadAt(hdr, 0); err != nil {
		return nil
	}
	return parseHeader(hdr, size)
}

func Detect(r io.ReaderAt, size int64) bool { return readHeader(r, size) != nil }

func Open(s archive.Stream, logger *slog.Logger) (*Archive, error) {
	size, err := archive.StreamSize(s)
	if err != nil {
		return nil, err
	}
	h := readHeader(s, size)
	if h == nil {
		return nil, fmt.Errorf("%w: not a MacBinary file", archive.ErrFormat)
	}

	a := new(Archive)
	a.Init(archive.MacBinary, hooks{a}, rules, s, logger)
	hdr := h.raw
	ent := a.Bind(&Entry{Version: h.version})
	at := &ent.Attrs
	ent.SetName(bytes.Clone(hdr[2 : 2+h.nameLen]))
	at.HFSType = binary.BigEndian.Uint32(hdr[65:])
	at.HFSCreator = binary.BigEndian.Uint32(hdr[69:])
	ent.FinderFlags = uint16(hdr[73])<<8 | uint16(hdr[101])
	ent.Protected = hdr[81]&1 != 0
	at.Created = timestamp.FromHFS(binary.BigEndian.Uint32(hdr[91:]))
	at.Modified = timestamp.FromHFS(binary.BigEndian.Uint32(hdr[95:]))
	ent.SecondaryLen = int(h.secLen)
	if h.secLen > 0 {
		a.Notes().AddI("Skipping %d-byte secondary header", h.secLen)
	}
	if h.version > 1 && !h.crcValid {
		a.Notes().AddI("Header CRC not present")
	}

	off := headerLen + archive.RoundUp(h.secLen, headerLen)
	ent.PartList = append(ent.PartList, archive.PartInfo{
		Kind: archive.DataFork, Length: h.dataLen, CompressedLength: h.dataLen, Offset: off,
	})
	off += archive.RoundUp(h.dataLen, headerLen)
	ent.PartList = append(ent.PartList, archive.PartInfo{
		Kind: archive.RsrcFork, Length: h.rsrcLen, CompressedLength: h.rsrcLen, Offset: off,
	})
	off += archive.RoundUp(h.rsrcLen, headerLen)

	if h.cmtLen > 0 {
		cmt := make([]byte, h.cmtLen)
		if n, _ := s.ReadAt(cmt, off); n == len(cmt) {
			at.Comment = binfield.FromMacRoman(cmt)
			off += archive.RoundUp(h.cmtLen, headerLen)
		} else {
			a.Notes().AddW("Get Info comment is truncated")
			ent.Dubious = true
		}
	}
	if off < size {
		a.Notes().AddI("Ignoring %d trailing bytes", size-off)
	}
	a.Append(ent)
	return a, nil
}

type hooks struct{ a *Archive }

func (hooks) NewRecord() *Entry { return &Entry{Version: 3} }

func (hooks) CloneRecord(e *Entry) *Entry {
	c := *e
	c.Record = e.CloneBase()
	return &c
}

func (hooks) CopyRecord(dst, src *Entry) { *dst = *src }

func (hooks) ValidateRecord(*Entry) error { return archive.ErrUnsupported }

func (hooks) WriteArchive(archive.Stream, []*Entry) (func(), error) {
	return nil, fmt.Errorf("%w: MacBinary files are read-only", archive.ErrUnsupported)
}

func (h hooks) OpenPart(e *Entry, kind archive.PartKind) (io.ReadCloser, error) {
	p, _ := e.Part(kind)
	return codec.NewReader(archive.Uncompressed, io.NewSectionReader(h.a.Stream(), p.Offset, p.Length))
}
