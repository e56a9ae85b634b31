// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package gzip treats a gzip file as an archive holding one entry.
package gzip

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"

	"github.com/elliotnunn/diskarc/archive"
	"github.com/elliotnunn/diskarc/internal/binfield"
	"github.com/elliotnunn/diskarc/internal/checksum"
	"github.com/elliotnunn/diskarc/internal/codec"
	"github.com/elliotnunn/diskarc/internal/timestamp"
)

const (
	flagHCRC    = 1 << 1
	flagExtra   = 1 << 2
	flagName    = 1 << 3
	flagComment = 1 << 4

	osUnix = 3
)

var magic = []byte{0x1f, 0x8b, 0x08}

type Entry struct {
	archive.Record

	OS    byte
	Extra []byte
}

type Archive struct {
	archive.Engine[*Entry]
}

var rules = archive.Rules{
	Caps: archive.Capabilities{
		ModWhen:     true,
		Comment:     true,
		Parts:       []archive.PartKind{archive.DataFork},
		SingleEntry: true,
	},
	Cook:         binfield.FromLatin1,
	Uncook:       uncookName,
	DefaultSep:   '/',
	NameOptional: true,
	Chunk:        1,
}

func Detect(r io.ReaderAt) bool {
	var hdr [3]byte
	_, err := r.ReadAt(hdr[:], 0)
	return err == nil && bytes.Equal(hdr[:], magic)
}

func New(logger *slog.Logger) *Archive {
	a := new(Archive)
	a.Init(archive.GZip, hooks{a}, rules, nil, logger)
	return a
}

func Open(s archive.Stream, logger *slog.Logger) (*Archive, error) {
	a := new(Archive)
	a.Init(archive.GZip, hooks{a}, rules, s, logger)
	if err := a.scan(); err != nil {
		return nil, err
	}
	return a, nil
}

// counter tracks how much of the stream the decompressor has consumed.
type counter struct {
	br *bufio.Reader
	n  int64
}

func (c *counter) Read(p []byte) (int, error) {
	n, err := c.br.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *counter) ReadByte() (byte, error) {
	b, err := c.br.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}

func (a *Archive) scan() error {
	s := a.Stream()
	size, err := archive.StreamSize(s)
	if err != nil {
		return err
	}
	c := &counter{br: bufio.NewReader(io.NewSectionReader(s, 0, size))}
	hdr := make([]byte, 10)
	if _, err := io.ReadFull(c, hdr); err != nil || !bytes.Equal(hdr[:3], magic) {
		return fmt.Errorf("%w: not a gzip file", archive.ErrFormat)
	}
	flags := hdr[3]

	ent := a.Bind(&Entry{OS: hdr[9]})
	ent.Attrs.Modified = timestamp.FromUnix(binary.LittleEndian.Uint32(hdr[4:]))
	if flags&flagExtra != 0 {
		var n [2]byte
		if _, err := io.ReadFull(c, n[:]); err != nil {
			return fmt.Errorf("%w: truncated gzip header", archive.ErrFormat)
		}
		ent.Extra = make([]byte, binary.LittleEndian.Uint16(n[:]))
		if _, err := io.ReadFull(c, ent.Extra); err != nil {
			return fmt.Errorf("%w: truncated gzip header", archive.ErrFormat)
		}
	}
	if flags&flagName != 0 {
		name, err := c.br.ReadBytes(0)
		c.n += int64(len(name))
		if err != nil {
			return fmt.Errorf("%w: truncated gzip header", archive.ErrFormat)
		}
		ent.SetName(name[:len(name)-1])
	}
	if flags&flagComment != 0 {
		cmt, err := c.br.ReadBytes(0)
		c.n += int64(len(cmt))
		if err != nil {
			return fmt.Errorf("%w: truncated gzip header", archive.ErrFormat)
		}
		ent.Attrs.Comment = binfield.FromLatin1(cmt[:len(cmt)-1])
	}
	if flags&flagHCRC != 0 {
		var n [2]byte
		if _, err := io.ReadFull(c, n[:]); err != nil {
			return fmt.Errorf("%w: truncated gzip header", archive.ErrFormat)
		}
	}

	// Only the deflate stream itself knows where it ends.
	start := c.n
	p := archive.PartInfo{Kind: archive.DataFork, Format: archive.Deflate, Offset: start}
	dec, _ := codec.NewReader(archive.Deflate, c)
	sum := crc32.NewIEEE()
	n, err := io.Copy(sum, dec)
	p.Length = n
	p.CompressedLength = c.n - start
	ent.PartList = []archive.PartInfo{p}
	a.Append(ent)
	if err != nil {
		a.Notes().AddE("Compressed data is damaged: %v", err)
		ent.Damaged = true
		a.SetDubious()
		return nil
	}

	var foot [8]byte
	if _, err := io.ReadFull(c, foot[:]); err != nil {
		a.Notes().AddW("Footer is missing")
		ent.Dubious = true
		a.SetDubious()
		return nil
	}
	ent.PartList[0].CRC = binary.LittleEndian.Uint32(foot[:])
	if ent.PartList[0].CRC != sum.Sum32() {
		a.Notes().AddE("Footer CRC is %08x, data has %08x", ent.PartList[0].CRC, sum.Sum32())
		ent.Damaged = true
		a.SetDubious()
	}
	if isize := binary.LittleEndian.Uint32(foot[4:]); isize != uint32(n) {
		a.Notes().AddW("Footer length is %d, data has %d", isize, uint32(n))
		ent.Dubious = true
	}
	if c.n < size {
		if more, _ := c.br.Peek(3); bytes.Equal(more, magic) {
			a.Notes().AddW("Additional gzip members are ignored")
		} else {
			a.Notes().AddI("Ignoring %d trailing bytes", size-c.n)
		}
	}
	return nil
}

func uncookName(name string, sep byte) ([]byte, error) {
	b, err := binfield.ToLatin1(name)
	if err != nil {
		return nil, err
	}
	if bytes.IndexByte(b, 0) >= 0 {
		return nil, fmt.Errorf("name contains NUL")
	}
	return b, nil
}

type hooks struct{ a *Archive }

func (hooks) NewRecord() *Entry { return &Entry{OS: osUnix} }

func (hooks) CloneRecord(e *Entry) *Entry {
	c := *e
	c.Record = e.CloneBase()
	c.Extra = bytes.Clone(e.Extra)
	return &c
}

func (hooks) CopyRecord(dst, src *Entry) { *dst = *src }

func (hooks) ValidateRecord(e *Entry) error {
	if !e.HasPart(archive.DataFork) {
		return fmt.Errorf("%w: Data fork part not populated.", archive.ErrValidation)
	}
	return nil
}

func (h hooks) OpenPart(e *Entry, kind archive.PartKind) (io.ReadCloser, error) {
	p, _ := e.Part(kind)
	r, err := codec.NewReader(archive.Deflate, io.NewSectionReader(h.a.Stream(), p.Offset, p.CompressedLength))
	if err != nil {
		return nil, err
	}
	return checksum.NewVerifier(r, checksum.NewCRC32(0), p.CRC, p.Length), nil
}

func (h hooks) WriteArchive(out archive.Stream, recs []*Entry) (func(), error) {
	if len(recs) == 0 {
		return func() {}, nil
	}
	e := recs[0]

	hdr := make([]byte, 10, 10+len(e.Attrs.RawName)+1)
	copy(hdr, magic)
	binary.LittleEndian.PutUint32(hdr[4:], timestamp.ToUnix(e.Attrs.Modified))
	hdr[9] = e.OS
	if len(e.Extra) > 0 {
		hdr[3] |= flagExtra
		hdr = binary.LittleEndian.AppendUint16(hdr, uint16(len(e.Extra)))
		hdr = append(hdr, e.Extra...)
	}
	if len(e.Attrs.RawName) > 0 {
		hdr[3] |= flagName
		hdr = append(append(hdr, e.Attrs.RawName...), 0)
	}
	if e.Attrs.Comment != "" {
		cmt, err := binfield.ToLatin1(e.Attrs.Comment)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip comment: %v", archive.ErrValidation, err)
		}
		hdr[3] |= flagComment
		hdr = append(append(hdr, cmt...), 0)
	}
	if _, err := out.Write(hdr); err != nil {
		return nil, err
	}
	start := int64(len(hdr))

	var p archive.PartInfo
	if old, ok := e.Part(archive.DataFork); ok {
		if err := archive.CopyRaw(h.a.Stream(), old.Offset, old.CompressedLength, out); err != nil {
			return nil, err
		}
		p = old
	} else {
		sum := checksum.NewCRC32(0)
		res, err := archive.CopyPart(e.Pending()[0].Source, out, codec.Encoder(archive.Deflate), sum, false)
		if err != nil {
			return nil, err
		}
		p = archive.PartInfo{
			Kind:             archive.DataFork,
			Length:           res.InputLen,
			CompressedLength: res.OutputLen,
			Format:           archive.Deflate,
			CRC:              sum.Value(),
		}
	}
	p.Offset = start

	var foot [8]byte
	binary.LittleEndian.PutUint32(foot[:], p.CRC)
	binary.LittleEndian.PutUint32(foot[4:], uint32(p.Length))
	if _, err := out.Write(foot[:]); err != nil {
		return nil, err
	}
	return func() { e.SetParts([]archive.PartInfo{p}) }, nil
}
