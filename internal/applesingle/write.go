// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package applesingle

import (
	"encoding/binary"
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/elliotnunn/diskarc/archive"
	"github.com/elliotnunn/diskarc/internal/binfield"
	"github.com/elliotnunn/diskarc/internal/timestamp"
)

type hooks struct{ a *Archive }

func (hooks) NewRecord() *Entry { return &Entry{Version: version2} }

func (hooks) CloneRecord(e *Entry) *Entry {
	c := *e
	c.Record = e.CloneBase()
	c.Other = maps.Clone(e.Other)
	c.Large = maps.Clone(e.Large)
	return &c
}

func (hooks) CopyRecord(dst, src *Entry) { *dst = *src }

func (h hooks) ValidateRecord(e *Entry) error {
	if len(e.PartList)+len(e.Pending()) == 0 && !h.a.double && len(e.Attrs.RawName) == 0 {
		return fmt.Errorf("%w: entry has neither a name nor any forks", archive.ErrValidation)
	}
	if _, err := binfield.ToMacRoman(e.Attrs.Comment); err != nil && e.Attrs.Comment != "" {
		return fmt.Errorf("%w: comment: %v", archive.ErrValidation, err)
	}
	return nil
}

const unknownDate = 0x80000000 // backup and access

type desc struct {
	id   uint32
	data []byte
	far  span // copied from the old stream instead of data
	part archive.PartKind
}

func (d desc) size() int64 {
	if d.far.len > 0 {
		return d.far.len
	}
	return int64(len(d.data))
}

func (h hooks) WriteArchive(out archive.Stream, recs []*Entry) (func(), error) {
	if len(recs) == 0 {
		return func() {}, nil
	}
	e := recs[0]
	at := &e.Attrs

	var descs []desc
	name := at.RawName
	if macRomanNames(e.Version, e.Home) {
		name = []byte(at.Name) // version 2 names are UTF-8
	}
	if len(name) > 0 {
		descs = append(descs, desc{id: REAL_NAME, data: name})
	}
	if at.Comment != "" {
		cmt, _ := binfield.ToMacRoman(at.Comment)
		descs = append(descs, desc{id: COMMENT, data: cmt})
	}

	dates := make([]byte, 16)
	binary.BigEndian.PutUint32(dates[8:], unknownDate)
	binary.BigEndian.PutUint32(dates[12:], unknownDate)
	if old := e.Other[FILE_DATES_INFO]; len(old) >= 16 {
		copy(dates[8:], old[8:16])
	}
	binary.BigEndian.PutUint32(dates, uint32(timestamp.ToAppleSingle(at.Created)))
	binary.BigEndian.PutUint32(dates[4:], uint32(timestamp.ToAppleSingle(at.Modified)))
	descs = append(descs, desc{id: FILE_DATES_INFO, data: dates})

	finder := e.FinderInfo
	binary.BigEndian.PutUint32(finder[:], at.HFSType)
	binary.BigEndian.PutUint32(finder[4:], at.HFSCreator)
	descs = append(descs, desc{id: FINDER_INFO, data: finder[:]})

	if e.MacAttrs != 0 {
		descs = append(descs, desc{id: MACINTOSH_FILE_INFO, data: binary.BigEndian.AppendUint32(nil, e.MacAttrs)})
	}

	prodos := make([]byte, 8)
	binary.BigEndian.PutUint16(prodos, uint16(at.Access))
	binary.BigEndian.PutUint16(prodos[2:], uint16(at.FileType))
	binary.BigEndian.PutUint32(prodos[4:], uint32(at.AuxType))
	descs = append(descs, desc{id: PRODOS_FILE_INFO, data: prodos})

	for _, id := range otherIDs(e.Other) {
		if id != FILE_DATES_INFO {
			descs = append(descs, desc{id: id, data: e.Other[id]})
		}
	}
	for _, id := range slices.Sorted(maps.Keys(e.Large)) {
		descs = append(descs, desc{id: id, far: e.Large[id]})
	}
	if e.HasPart(archive.RsrcFork) {
		descs = append(descs, desc{id: RESOURCE_FORK, part: archive.RsrcFork})
	}
	if e.HasPart(archive.DataFork) {
		descs = append(descs, desc{id: DATA_FORK, part: archive.DataFork})
	}

	magic := uint32(magicSingle)
	if h.a.double {
		magic = magicDouble
	}
	hdr := make([]byte, headerLen+descLen*len(descs))
	binary.BigEndian.PutUint32(hdr, magic)
	binary.BigEndian.PutUint32(hdr[4:], version2)
	binary.BigEndian.PutUint16(hdr[24:], uint16(len(descs)))

	off := int64(len(hdr))
	var large map[uint32]span
	for i, d := range descs {
		if d.part != 0 {
			continue
		}
		t := hdr[headerLen+descLen*i:]
		binary.BigEndian.PutUint32(t, d.id)
		binary.BigEndian.PutUint32(t[4:], uint32(off))
		binary.BigEndian.PutUint32(t[8:], uint32(d.size()))
		if d.far.len > 0 {
			if large == nil {
				large = make(map[uint32]span)
			}
			large[d.id] = span{off, d.far.len}
		}
		off += d.size()
	}
	if _, err := out.Write(hdr); err != nil {
		return nil, err
	}
	for _, d := range descs {
		if d.part != 0 {
			continue
		}
		if d.far.len > 0 {
			if err := archive.CopyRaw(h.a.Stream(), d.far.off, d.far.len, out); err != nil {
				return nil, err
			}
		} else if _, err := out.Write(d.data); err != nil {
			return nil, err
		}
	}

	var parts []archive.PartInfo
	for i, d := range descs {
		if d.part == 0 {
			continue
		}
		p, err := h.writeFork(out, e, d.part, off)
		if err != nil {
			return nil, err
		}
		if p.Length > math.MaxUint32 {
			return nil, fmt.Errorf("%w: %s too large", archive.ErrValidation, d.part)
		}
		t := hdr[headerLen+descLen*i:]
		binary.BigEndian.PutUint32(t, d.id)
		binary.BigEndian.PutUint32(t[4:], uint32(off))
		binary.BigEndian.PutUint32(t[8:], uint32(p.Length))
		parts = append(parts, p)
		off += p.Length
	}
	if err := archive.Backpatch(out, 0, hdr); err != nil {
		return nil, err
	}

	return func() {
		e.Version = version2
		e.Home = nil
		e.Attrs.RawName = name
		e.Large = large
		e.SetParts(parts)
	}, nil
}

func (h hooks) writeFork(out archive.Stream, e *Entry, kind archive.PartKind, off int64) (archive.PartInfo, error) {
	if p, ok := e.Part(kind); ok {
		if err := archive.CopyRaw(h.a.Stream(), p.Offset, p.Length, out); err != nil {
			return archive.PartInfo{}, err
		}
		p.Offset = off
		return p, nil
	}
	for _, pend := range e.Pending() {
		if pend.Kind != kind {
			continue
		}
		res, err := archive.CopyPart(pend.Source, out, nil, nil, false)
		if err != nil {
			return archive.PartInfo{}, err
		}
		return archive.PartInfo{
			Kind:             kind,
			Length:           res.InputLen,
			CompressedLength: res.OutputLen,
			Format:           archive.Uncompressed,
			Offset:           off,
		}, nil
	}
	return archive.PartInfo{}, fmt.Errorf("%w: no %s to write", archive.ErrInvalidOp, kind)
}
