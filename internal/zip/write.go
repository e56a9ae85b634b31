// Copyright Elliot Nunn. Portions copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zip

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/elliotnunn/diskarc/archive"
	"github.com/elliotnunn/diskarc/internal/binfield"
	"github.com/elliotnunn/diskarc/internal/checksum"
	"github.com/elliotnunn/diskarc/internal/codec"
	"github.com/elliotnunn/diskarc/internal/timestamp"
)

type hooks struct{ a *Archive }

func (hooks) NewRecord() *Entry {
	return &Entry{MadeBy: madeByUnix<<8 | 20, Needed: 20}
}

func (hooks) CloneRecord(e *Entry) *Entry {
	c := *e
	c.Record = e.CloneBase()
	c.Extra = bytes.Clone(e.Extra)
	return &c
}

func (hooks) CopyRecord(dst, src *Entry) { *dst = *src }

func (hooks) ValidateRecord(e *Entry) error {
	has := e.HasPart(archive.DataFork)
	switch {
	case e.Attrs.Dir && has:
		return fmt.Errorf("%w: directory %q cannot have data", archive.ErrValidation, e.Attrs.Name)
	case !e.Attrs.Dir && !has:
		return fmt.Errorf("%w: Data fork part not populated.", archive.ErrValidation)
	case e.Damaged:
		return fmt.Errorf("%w: %q is damaged", archive.ErrValidation, e.Attrs.Name)
	}
	return nil
}

// written is what the central directory needs to know about a local entry.
type written struct {
	local  int64
	flags  uint16
	method uint16
	name   []byte
	extra  []byte // timestamp field, when the DOS time is not exact
	part   archive.PartInfo
}

func (h hooks) WriteArchive(out archive.Stream, recs []*Entry) (func(), error) {
	if len(recs) > 0xffff {
		return nil, fmt.Errorf("%w: more than 65535 entries", archive.ErrValidation)
	}
	info := make([]written, len(recs))
	for i, e := range recs {
		w, err := h.writeLocal(out, e)
		if err != nil {
			return nil, fmt.Errorf("writing %q: %w", e.Attrs.Name, err)
		}
		info[i] = w
	}

	cdStart, err := out.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	for i, e := range recs {
		if _, err := out.Write(central(e, info[i])); err != nil {
			return nil, err
		}
	}
	cdEnd, err := out.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	if cdEnd > math.MaxUint32 {
		return nil, fmt.Errorf("%w: archive needs zip64", archive.ErrValidation)
	}

	comment := h.a.editComment
	eocd := make([]byte, eocdLen, eocdLen+len(comment))
	copy(eocd, "PK\x05\x06")
	binary.LittleEndian.PutUint16(eocd[8:], uint16(len(recs)))
	binary.LittleEndian.PutUint16(eocd[10:], uint16(len(recs)))
	binary.LittleEndian.PutUint32(eocd[12:], uint32(cdEnd-cdStart))
	binary.LittleEndian.PutUint32(eocd[16:], uint32(cdStart))
	binary.LittleEndian.PutUint16(eocd[20:], uint16(len(comment)))
	eocd = append(eocd, comment...)
	if _, err := out.Write(eocd); err != nil {
		return nil, err
	}

	return func() {
		h.a.comment = h.a.editComment
		for i, e := range recs {
			e.LocalOffset = info[i].local
			e.Attrs.RawName = bytes.TrimSuffix(info[i].name, []byte("/"))
			e.Flags = info[i].flags
			e.Method = info[i].method
			if e.Attrs.Dir {
				e.SetParts(nil)
			} else {
				e.SetParts([]archive.PartInfo{info[i].part})
			}
		}
	}, nil
}

func method(f archive.CompressionFormat) uint16 {
	switch f {
	case archive.Deflate:
		return methodDeflate
	case archive.BZip2:
		return methodBZip2
	}
	return methodStore
}

func (h hooks) writeLocal(out archive.Stream, e *Entry) (written, error) {
	local, err := out.Seek(0, io.SeekCurrent)
	if err != nil {
		return written{}, err
	}
	if local > math.MaxUint32 {
		return written{}, fmt.Errorf("%w: archive needs zip64", archive.ErrValidation)
	}
	w := written{local: local, flags: e.Flags &^ (flagDescriptor | flagUTF8)}
	if needsUTF8(e.Attrs.RawName, e.Attrs.Name) || !cp437ok(e.Attrs.Comment) {
		w.flags |= flagUTF8
	}
	name := storedName(e, w.flags)
	w.name = name
	w.extra = timeExtra(e.Attrs.Modified)

	hdr := make([]byte, localLen)
	if _, err := out.Write(hdr); err != nil {
		return written{}, err
	}
	if _, err := out.Write(name); err != nil {
		return written{}, err
	}
	if _, err := out.Write(w.extra); err != nil {
		return written{}, err
	}
	dataOff := local + localLen + int64(len(name)) + int64(len(w.extra))

	if !e.Attrs.Dir {
		if p, ok := e.Part(archive.DataFork); ok {
			if err := archive.CopyRaw(h.a.Stream(), p.Offset, p.CompressedLength, out); err != nil {
				return written{}, err
			}
			w.part = p
			w.method = e.Method
		} else {
			pend := e.Pending()[0]
			format := pend.Format
			if format == archive.Default {
				format = h.a.compression
			}
			if !codec.CanEncode(format) {
				format = archive.Deflate
			}
			sum := checksum.NewCRC32(0)
			res, err := archive.CopyPart(pend.Source, out, codec.Encoder(format), sum, true)
			if err != nil {
				return written{}, err
			}
			w.part = archive.PartInfo{
				Kind:             archive.DataFork,
				Length:           res.InputLen,
				CompressedLength: res.OutputLen,
				Format:           archive.Uncompressed,
				CRC:              sum.Value(),
			}
			if res.Compressed {
				w.part.Format = format
			}
			w.method = method(w.part.Format)
		}
		w.part.Offset = dataOff
		if w.part.Length > math.MaxUint32 || w.part.CompressedLength > math.MaxUint32 {
			return written{}, fmt.Errorf("%w: %q needs zip64", archive.ErrValidation, e.Attrs.Name)
		}
	}

	copy(hdr, "PK\x03\x04")
	binary.LittleEndian.PutUint16(hdr[4:], needed(e, w.part))
	binary.LittleEndian.PutUint16(hdr[6:], w.flags)
	binary.LittleEndian.PutUint16(hdr[8:], w.method)
	d, t := timestamp.ToMSDOS(e.Attrs.Modified)
	binary.LittleEndian.PutUint16(hdr[10:], t)
	binary.LittleEndian.PutUint16(hdr[12:], d)
	binary.LittleEndian.PutUint32(hdr[14:], w.part.CRC)
	binary.LittleEndian.PutUint32(hdr[18:], uint32(w.part.CompressedLength))
	binary.LittleEndian.PutUint32(hdr[22:], uint32(w.part.Length))
	binary.LittleEndian.PutUint16(hdr[26:], uint16(len(name)))
	binary.LittleEndian.PutUint16(hdr[28:], uint16(len(w.extra)))
	return w, archive.Backpatch(out, local, hdr)
}

func cp437ok(s string) bool {
	_, err := binfield.ToCP437(s)
	return err == nil
}

// storedName switches to the cooked name when the UTF-8 flag is set,
// since raw bytes from a CP437 archive would be misread.
func storedName(e *Entry, flags uint16) []byte {
	name := e.Attrs.RawName
	if flags&flagUTF8 != 0 {
		name = []byte(e.Attrs.Name)
	}
	if e.Attrs.Dir {
		name = append(bytes.Clone(name), '/')
	}
	return name
}

func storedComment(e *Entry, flags uint16) []byte {
	if flags&flagUTF8 != 0 {
		return []byte(e.Attrs.Comment)
	}
	b, _ := binfield.ToCP437(e.Attrs.Comment)
	return b
}

func needed(e *Entry, p archive.PartInfo) uint16 {
	switch {
	case p.Format == archive.BZip2:
		return 46
	case p.Format == archive.Deflate || e.Attrs.Dir:
		return 20
	}
	return 10
}

func central(e *Entry, w written) []byte {
	name := w.name
	comment := storedComment(e, w.flags)
	extAttrs := e.ExtAttrs
	if extAttrs == 0 && e.MadeBy>>8 == madeByUnix {
		extAttrs = (s_IFREG | 0o644) << 16
		if e.Attrs.Dir {
			extAttrs = (s_IFDIR | 0o755) << 16
		}
	}
	if e.Attrs.Dir {
		extAttrs |= msdosDir
	}

	extra := append(bytes.Clone(e.Extra), w.extra...)
	hdr := make([]byte, centralLen, centralLen+len(name)+len(extra)+len(comment))
	copy(hdr, "PK\x01\x02")
	binary.LittleEndian.PutUint16(hdr[4:], e.MadeBy)
	binary.LittleEndian.PutUint16(hdr[6:], needed(e, w.part))
	binary.LittleEndian.PutUint16(hdr[8:], w.flags)
	binary.LittleEndian.PutUint16(hdr[10:], w.method)
	d, t := timestamp.ToMSDOS(e.Attrs.Modified)
	binary.LittleEndian.PutUint16(hdr[12:], t)
	binary.LittleEndian.PutUint16(hdr[14:], d)
	binary.LittleEndian.PutUint32(hdr[16:], w.part.CRC)
	binary.LittleEndian.PutUint32(hdr[20:], uint32(w.part.CompressedLength))
	binary.LittleEndian.PutUint32(hdr[24:], uint32(w.part.Length))
	binary.LittleEndian.PutUint16(hdr[28:], uint16(len(name)))
	binary.LittleEndian.PutUint16(hdr[30:], uint16(len(extra)))
	binary.LittleEndian.PutUint16(hdr[32:], uint16(len(comment)))
	binary.LittleEndian.PutUint16(hdr[36:], e.IntAttrs)
	binary.LittleEndian.PutUint32(hdr[38:], extAttrs)
	binary.LittleEndian.PutUint32(hdr[42:], uint32(w.local))
	hdr = append(hdr, name...)
	hdr = append(hdr, extra...)
	return append(hdr, comment...)
}
