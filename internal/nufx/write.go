// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package nufx

import (
	"encoding/binary"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/elliotnunn/diskarc/archive"
	"github.com/elliotnunn/diskarc/internal/checksum"
	"github.com/elliotnunn/diskarc/internal/codec"
	"github.com/elliotnunn/diskarc/internal/timestamp"
)

const (
	masterVersion  = 2
	recordVersion  = 3
	minNameCap     = 32
	defCommentCap  = 200
	maxPartLen     = 1<<32 - 1
	optionListSize = 2 + 32
)

// Parts are written in this order, after the filename and comment threads.
var partOrder = []archive.PartKind{archive.DataFork, archive.DiskImage, archive.RsrcFork}

type hooks struct{ a *Archive }

func (hooks) NewRecord() *Entry {
	e := &Entry{Version: recordVersion, FSID: FSProDOS}
	e.Attrs.Access = 0xe3
	return e
}

func (hooks) CloneRecord(e *Entry) *Entry {
	c := *e
	c.Record = e.CloneBase()
	c.OptionList = slices.Clone(e.OptionList)
	c.Other = slices.Clone(e.Other)
	return &c
}

func (hooks) CopyRecord(dst, src *Entry) { *dst = *src }

func (hooks) ValidateRecord(e *Entry) error {
	disk := e.HasPart(archive.DiskImage)
	fork := e.HasPart(archive.DataFork) || e.HasPart(archive.RsrcFork)
	switch {
	case disk && fork:
		return fmt.Errorf("%w: %q has both a disk image and file forks", archive.ErrValidation, e.Attrs.Name)
	case !disk && !fork:
		return fmt.Errorf("%w: %q has no data", archive.ErrValidation, e.Attrs.Name)
	}
	if _, err := uncookComment(e.Attrs.Comment); err != nil {
		return fmt.Errorf("%w: comment on %q: %v", archive.ErrValidation, e.Attrs.Name, err)
	}
	return nil
}

type written struct {
	parts      []archive.PartInfo
	version    uint16
	nameCap    uint32
	commentCap uint32
	archived   time.Time
}

func (h hooks) WriteArchive(out archive.Stream, recs []*Entry) (func(), error) {
	now := h.a.now().UTC().Truncate(time.Second)
	if _, err := out.Write(make([]byte, masterLen)); err != nil {
		return nil, err
	}

	done := make([]written, len(recs))
	for i, e := range recs {
		w, err := h.writeRecord(out, e, now)
		if err != nil {
			return nil, fmt.Errorf("writing %q: %w", e.Attrs.Name, err)
		}
		done[i] = w
	}

	size, err := out.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}
	created := h.a.Created
	if created.IsZero() {
		created = now
	}
	mh := make([]byte, masterLen)
	copy(mh, masterMagic)
	binary.LittleEndian.PutUint32(mh[8:], uint32(len(recs)))
	timestamp.PutNuFX(mh[12:], created)
	timestamp.PutNuFX(mh[20:], now)
	binary.LittleEndian.PutUint16(mh[28:], masterVersion)
	binary.LittleEndian.PutUint32(mh[38:], uint32(size))
	binary.LittleEndian.PutUint16(mh[6:], checksum.CRC16(0, mh[8:]))
	if err := archive.Backpatch(out, 0, mh); err != nil {
		return nil, err
	}

	return func() {
		h.a.Created, h.a.Modified, h.a.MasterVersion = created, now, masterVersion
		for i, e := range recs {
			w := done[i]
			e.SetParts(w.parts)
			e.Version = w.version
			e.nameCap, e.commentCap = w.nameCap, w.commentCap
			e.ArchivedWhen = w.archived
			if e.HasPart(archive.RsrcFork) {
				e.StorageType = storageExtended
			}
		}
	}, nil
}

func (h hooks) writeRecord(out archive.Stream, e *Entry, now time.Time) (written, error) {
	w := written{version: recordVersion, archived: e.ArchivedWhen}
	if w.archived.IsZero() {
		w.archived = now
	}
	start, err := out.Seek(0, io.SeekCurrent)
	if err != nil {
		return w, err
	}

	comment, _ := uncookComment(e.Attrs.Comment)
	hasComment := len(comment) > 0 || e.commentCap > 0
	nparts := 0
	for _, kind := range partOrder {
		if e.HasPart(kind) {
			nparts++
		}
	}
	nthreads := 1 + len(e.Other) + nparts
	if hasComment {
		nthreads++
	}

	opt := optionList(e)
	attribLen := minAttribLen + len(opt)
	hdrLen := int64(attribLen + 2 + threadLen*nthreads)
	if _, err := out.Write(make([]byte, hdrLen)); err != nil {
		return w, err
	}
	threads := make([]Thread, 0, nthreads)

	w.nameCap = max(uint32(len(e.Attrs.RawName)), e.nameCap, minNameCap)
	if err := writePadded(out, e.Attrs.RawName, w.nameCap); err != nil {
		return w, err
	}
	threads = append(threads, Thread{Class: classFilename, EOF: uint32(len(e.Attrs.RawName)), CompEOF: w.nameCap})

	if hasComment {
		w.commentCap = max(uint32(len(comment)), e.commentCap)
		if e.commentCap == 0 {
			w.commentCap = max(w.commentCap, defCommentCap)
		}
		if err := writePadded(out, comment, w.commentCap); err != nil {
			return w, err
		}
		threads = append(threads, Thread{Class: classMessage, Kind: kindComment, EOF: uint32(len(comment)), CompEOF: w.commentCap})
	}

	for _, t := range e.Other {
		if err := archive.CopyRaw(h.a.Stream(), t.Offset, int64(t.CompEOF), out); err != nil {
			return w, err
		}
		threads = append(threads, t)
	}

	for _, kind := range partOrder {
		pos, err := out.Seek(0, io.SeekCurrent)
		if err != nil {
			return w, err
		}
		var p archive.PartInfo
		if old, ok := e.Part(kind); ok {
			p = old
			if err := archive.CopyRaw(h.a.Stream(), p.Offset, p.CompressedLength, out); err != nil {
				return w, err
			}
			if e.Version < 3 {
				crc, ok := h.partCRC(old)
				if !ok {
					w.version = 1
				}
				p.CRC = uint32(crc)
			}
		} else if i := slices.IndexFunc(e.Pending(), func(pp archive.PendingPart) bool { return pp.Kind == kind }); i >= 0 {
			p, err = h.writePending(out, e.Pending()[i])
			if err != nil {
				return w, err
			}
		} else {
			continue
		}
		p.Offset = pos
		if p.Length > maxPartLen || p.CompressedLength > maxPartLen {
			return w, fmt.Errorf("%w: %s is too large for NuFX", archive.ErrValidation, kind)
		}
		if kind == archive.DiskImage && p.Length%blockSize != 0 {
			return w, fmt.Errorf("%w: disk image length %d is not a whole number of blocks", archive.ErrValidation, p.Length)
		}
		w.parts = append(w.parts, p)
		threads = append(threads, Thread{
			Class:   classData,
			Format:  formatCode(p.Format),
			Kind:    threadKind(kind),
			CRC:     uint16(p.CRC),
			EOF:     uint32(p.Length),
			CompEOF: uint32(p.CompressedLength),
		})
	}
	if w.version < 3 {
		for i := range threads {
			threads[i].CRC = 0
		}
	}

	hdr := make([]byte, hdrLen)
	copy(hdr, recordMagic)
	binary.LittleEndian.PutUint16(hdr[6:], uint16(attribLen))
	binary.LittleEndian.PutUint16(hdr[8:], w.version)
	binary.LittleEndian.PutUint32(hdr[10:], uint32(len(threads)))
	binary.LittleEndian.PutUint16(hdr[14:], e.FSID)
	binary.LittleEndian.PutUint16(hdr[16:], uint16(e.Attrs.Sep))
	binary.LittleEndian.PutUint32(hdr[18:], e.AccessHigh|uint32(e.Attrs.Access))

	fileType, extra, storage := uint32(e.Attrs.FileType), e.ExtraType&^0xffff|uint32(e.Attrs.AuxType), storageFor(e, w.parts)
	if d, ok := partIn(w.parts, archive.DiskImage); ok {
		fileType, extra = 0, uint32(d.Length/blockSize)
	}
	binary.LittleEndian.PutUint32(hdr[22:], fileType)
	binary.LittleEndian.PutUint32(hdr[26:], extra)
	binary.LittleEndian.PutUint16(hdr[30:], storage)
	timestamp.PutNuFX(hdr[32:], e.Attrs.Created)
	timestamp.PutNuFX(hdr[40:], e.Attrs.Modified)
	timestamp.PutNuFX(hdr[48:], w.archived)
	binary.LittleEndian.PutUint16(hdr[56:], uint16(len(opt)))
	copy(hdr[minAttribLen:], opt)
	// filename length in the header stays zero: the name lives in its thread
	for i, t := range threads {
		t.put(hdr[attribLen+2+i*threadLen:])
	}
	binary.LittleEndian.PutUint16(hdr[4:], checksum.CRC16(0, hdr[6:]))
	return w, archive.Backpatch(out, start, hdr)
}

func (h hooks) writePending(out archive.Stream, pend archive.PendingPart) (archive.PartInfo, error) {
	format := pend.Format
	if format == archive.Default {
		format = h.a.compression
	}
	if !codec.CanEncode(format) {
		format = archive.Uncompressed
	}
	var enc archive.Encoder
	if format == archive.Deflate {
		enc = codec.ZlibEncoder()
	}
	sum := checksum.NewCRC16(0xffff)
	res, err := archive.CopyPart(pend.Source, out, enc, sum, true)
	if err != nil {
		return archive.PartInfo{}, err
	}
	p := archive.PartInfo{
		Kind:             pend.Kind,
		Length:           res.InputLen,
		CompressedLength: res.OutputLen,
		Format:           archive.Uncompressed,
		CRC:              sum.Value(),
	}
	if res.Compressed {
		p.Format = format
	}
	return p, nil
}

func threadKind(kind archive.PartKind) uint16 {
	switch kind {
	case archive.DiskImage:
		return kindDisk
	case archive.RsrcFork:
		return kindRsrcFork
	}
	return kindDataFork
}

func writePadded(out io.Writer, b []byte, size uint32) error {
	buf := make([]byte, size)
	copy(buf, b)
	_, err := out.Write(buf)
	return err
}

func partIn(parts []archive.PartInfo, kind archive.PartKind) (archive.PartInfo, bool) {
	i := slices.IndexFunc(parts, func(p archive.PartInfo) bool { return p.Kind == kind })
	if i < 0 {
		return archive.PartInfo{}, false
	}
	return parts[i], true
}

func storageFor(e *Entry, parts []archive.PartInfo) uint16 {
	if _, ok := partIn(parts, archive.DiskImage); ok {
		return blockSize
	}
	if _, ok := partIn(parts, archive.RsrcFork); ok {
		return storageExtended
	}
	if e.StorageType >= 1 && e.StorageType <= 3 {
		return e.StorageType
	}
	d, _ := partIn(parts, archive.DataFork)
	switch {
	case d.Length <= 512:
		return 1
	case d.Length <= 128*1024:
		return 2
	}
	return 3
}

// optionList returns the stored option list with the HFS type and creator
// brought up to date, creating one if the entry has HFS types.
func optionList(e *Entry) []byte {
	opt := slices.Clone(e.OptionList)
	typ, creator := e.Attrs.HFSType, e.Attrs.HFSCreator
	if len(opt) < 10 || binary.LittleEndian.Uint16(opt) != FSHFS {
		if typ == 0 && creator == 0 {
			return opt
		}
		opt = make([]byte, optionListSize)
		binary.LittleEndian.PutUint16(opt, FSHFS)
	}
	binary.BigEndian.PutUint32(opt[2:], typ)
	binary.BigEndian.PutUint32(opt[6:], creator)
	return opt
}
