// Copyright Elliot Nunn. Portions copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zip

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"iter"
	"math"
	"time"

	"github.com/elliotnunn/diskarc/archive"
	"github.com/elliotnunn/diskarc/internal/timestamp"
)

const (
	s_IFMT  = 0xf000
	s_IFDIR = 0x4000
	s_IFREG = 0x8000

	msdosDir = 0x10
)

// Extra field tags.
const (
	tagZip64       = 0x0001
	tagNTFS        = 0x000a
	tagUnix        = 0x000d
	tagExtTime     = 0x5455
	tagInfoZipUnix = 0x5855
	tagUnicodePath = 0x7075
)

// FILETIME counts 100ns ticks from 1601-01-01.
const filetimeEpoch = -11644473600

// extraFields yields each tag and its data, stopping at a field that
// overruns the block.
func extraFields(x []byte) iter.Seq2[uint16, []byte] {
	return func(yield func(uint16, []byte) bool) {
		for len(x) >= 4 {
			tag := binary.LittleEndian.Uint16(x)
			end := 4 + int(binary.LittleEndian.Uint16(x[2:]))
			if end > len(x) || !yield(tag, x[4:end]) {
				return
			}
			x = x[end:]
		}
	}
}

func extraMap(x []byte) map[uint16][]byte {
	m := make(map[uint16][]byte)
	for tag, data := range extraFields(x) {
		m[tag] = data
	}
	return m
}

// stripExtra drops the fields a rewrite regenerates or invalidates:
// zip64 sizes, timestamps and the Unicode path.
func stripExtra(x []byte) []byte {
	var keep []byte
	for tag, data := range extraFields(x) {
		switch tag {
		case tagZip64, tagNTFS, tagUnix, tagExtTime, tagInfoZipUnix, tagUnicodePath:
			continue
		}
		keep = binary.LittleEndian.AppendUint16(keep, tag)
		keep = binary.LittleEndian.AppendUint16(keep, uint16(len(data)))
		keep = append(keep, data...)
	}
	return keep
}

// extraTime reads a modification time from one of the timestamp fields.
func extraTime(tag uint16, data []byte) time.Time {
	switch tag {
	case tagNTFS:
		if len(data) < 4 {
			break
		}
		// 4 reserved bytes, then attribute records; record 1 starts with mtime
		if times := extraMap(data[4:])[1]; len(times) >= 8 {
			ft := binary.LittleEndian.Uint64(times)
			return time.Unix(filetimeEpoch+int64(ft/1e7), int64(ft%1e7)*100).UTC()
		}
	case tagUnix, tagInfoZipUnix: // atime then mtime
		if len(data) >= 8 {
			return time.Unix(int64(binary.LittleEndian.Uint32(data[4:])), 0).UTC()
		}
	case tagExtTime: // flags, then mtime if bit 0
		if len(data) >= 5 && data[0]&1 != 0 {
			return time.Unix(int64(binary.LittleEndian.Uint32(data[1:])), 0).UTC()
		}
	}
	return time.Time{}
}

// timeExtra returns a field holding t, or nothing when the MS-DOS
// date and time already hold it exactly.
func timeExtra(t time.Time) []byte {
	if t.IsZero() {
		return nil
	}
	if d, tm := timestamp.ToMSDOS(t); timestamp.FromMSDOS(d, tm).Equal(t) {
		return nil
	}
	if sec := t.Unix(); t.Nanosecond() == 0 && sec >= 0 && sec <= math.MaxUint32 {
		b := binary.LittleEndian.AppendUint16(nil, tagExtTime)
		b = binary.LittleEndian.AppendUint16(b, 5)
		b = append(b, 1)
		return binary.LittleEndian.AppendUint32(b, uint32(sec))
	}
	ft := uint64((t.Unix()-filetimeEpoch)*1e7 + int64(t.Nanosecond()/100))
	b := binary.LittleEndian.AppendUint16(nil, tagNTFS)
	b = binary.LittleEndian.AppendUint16(b, 32)
	b = append(b, 0, 0, 0, 0)
	b = binary.LittleEndian.AppendUint16(b, 1)
	b = binary.LittleEndian.AppendUint16(b, 24)
	for range 3 { // mtime, atime, ctime
		b = binary.LittleEndian.AppendUint64(b, ft)
	}
	return b
}

var errNoEOCD = fmt.Errorf("%w: no zip end of central directory record", archive.ErrFormat)

var eocdMagic = []byte("PK\x05\x06")

// getEOCD returns the end record and its comment, which must finish
// exactly at the end of the stream. The tail is read in one go and
// searched backwards, so the shortest plausible comment wins.
func getEOCD(r io.ReaderAt, size int64) ([]byte, error) {
	if size < eocdLen {
		return nil, errNoEOCD
	}
	tail := make([]byte, min(size, eocdLen+math.MaxUint16))
	if n, err := r.ReadAt(tail, size-int64(len(tail))); n != len(tail) {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	for i := len(tail) - eocdLen; i >= 0; i-- {
		if i = bytes.LastIndex(tail[:i+4], eocdMagic); i < 0 {
			break
		}
		if cmtLen := int(binary.LittleEndian.Uint16(tail[i+20:])); i+eocdLen+cmtLen == len(tail) {
			return tail[i:], nil
		}
	}
	return nil, errNoEOCD
}
