// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package binary2

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/elliotnunn/diskarc/archive"
	"github.com/elliotnunn/diskarc/internal/binfield"
	"github.com/elliotnunn/diskarc/internal/codec"
	"github.com/elliotnunn/diskarc/internal/timestamp"
)

type hooks struct{ a *Archive }

func (hooks) NewRecord() *Entry {
	e := &Entry{StorageType: 1, Version: 1}
	e.Attrs.Access = 0xe3
	return e
}

func (hooks) CloneRecord(e *Entry) *Entry {
	c := *e
	c.Record = e.CloneBase()
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
	}
	return nil
}

func (h hooks) OpenPart(e *Entry, kind archive.PartKind) (io.ReadCloser, error) {
	p, _ := e.Part(kind)
	sr := io.NewSectionReader(h.a.Stream(), p.Offset, p.CompressedLength)
	return codec.NewReader(p.Format, sr)
}

// maxEntries is what the one-byte files-to-follow count allows.
const maxEntries = 256

func (h hooks) WriteArchive(out archive.Stream, recs []*Entry) (func(), error) {
	if len(recs) > maxEntries {
		return nil, fmt.Errorf("%w: %d entries, at most %d fit", archive.ErrValidation, len(recs), maxEntries)
	}
	parts := make([][]archive.PartInfo, len(recs))
	for i, e := range recs {
		hdrOff, err := out.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, err
		}
		if _, err := out.Write(make([]byte, ChunkLen)); err != nil {
			return nil, err
		}

		var data archive.PartInfo
		if !e.Attrs.Dir {
			data, err = h.writeData(out, e, hdrOff+ChunkLen)
			if err != nil {
				return nil, fmt.Errorf("writing %q: %w", e.Attrs.Name, err)
			}
			parts[i] = []archive.PartInfo{data}
		}
		if data.CompressedLength > maxEOF {
			return nil, fmt.Errorf("%w: %q is too large for Binary II", archive.ErrValidation, e.Attrs.Name)
		}

		hdr := header(e, data, len(recs)-i-1)
		if err := archive.Backpatch(out, hdrOff, hdr); err != nil {
			return nil, err
		}
		if err := archive.Pad(out, 0, ChunkLen); err != nil {
			return nil, err
		}
	}
	return func() {
		for i, e := range recs {
			e.SetParts(parts[i])
		}
	}, nil
}

// writeData stores the data fork at the current position, which is off.
func (h hooks) writeData(out archive.Stream, e *Entry, off int64) (archive.PartInfo, error) {
	if p, ok := e.Part(archive.DataFork); ok {
		if err := archive.CopyRaw(h.a.Stream(), p.Offset, p.CompressedLength, out); err != nil {
			return archive.PartInfo{}, err
		}
		p.Offset = off
		return p, nil
	}

	pend := e.Pending()[0]
	format := pend.Format
	if format == archive.Default {
		format = archive.Uncompressed
	}
	// A squeezed part needs the full SQ header, which only an encoder could supply.
	res, err := archive.CopyPart(pend.Source, out, codec.Encoder(format), nil, true)
	if err != nil {
		return archive.PartInfo{}, err
	}
	p := archive.PartInfo{
		Kind:             archive.DataFork,
		Length:           res.InputLen,
		CompressedLength: res.OutputLen,
		Format:           archive.Uncompressed,
		Offset:           off,
	}
	if res.Compressed {
		p.Format = format
		p.Length = -1
	}
	return p, nil
}

func header(e *Entry, data archive.PartInfo, follow int) []byte {
	at := &e.Attrs
	hdr := make([]byte, ChunkLen)
	copy(hdr, magic)
	hdr[3] = at.Access
	hdr[4] = at.FileType
	binary.LittleEndian.PutUint16(hdr[5:], at.AuxType)

	storage := e.StorageType
	switch {
	case at.Dir:
		storage = dirStorageType
	case storage == 0 || storage > 3:
		storage = storageFor(data.Length)
	}
	hdr[7] = storage

	blocks := (data.Length + 511) / 512
	if data.Length < 0 {
		blocks = (data.CompressedLength + 511) / 512
	}
	binary.LittleEndian.PutUint16(hdr[8:], uint16(min(blocks, 0xffff)))

	d, t := timestamp.ToProDOS(at.Modified)
	binary.LittleEndian.PutUint16(hdr[10:], d)
	binary.LittleEndian.PutUint16(hdr[12:], t)
	d, t = timestamp.ToProDOS(at.Created)
	binary.LittleEndian.PutUint16(hdr[14:], d)
	binary.LittleEndian.PutUint16(hdr[16:], t)
	hdr[18] = 0x02
	binfield.PutUint24(hdr[20:], uint32(data.CompressedLength))
	binfield.PutPString(hdr[23:], at.RawName, MaxNameLen)

	binary.LittleEndian.PutUint32(hdr[117:], e.DiskSpace)
	hdr[121] = e.OSType
	binary.LittleEndian.PutUint16(hdr[122:], e.NativeType)
	if e.Phantom {
		hdr[124] = 1
	}
	if data.Format == archive.Squeeze {
		hdr[125] |= flagCompressed
	}
	hdr[126] = 1
	hdr[127] = byte(follow)
	return hdr
}

func storageFor(n int64) byte {
	switch {
	case n <= 512:
		return 1
	case n <= 128*1024:
		return 2
	}
	return 3
}
