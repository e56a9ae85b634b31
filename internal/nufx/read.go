// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package nufx

import (
	"bytes"
	"io"

	"github.com/elliotnunn/diskarc/archive"
	"github.com/elliotnunn/diskarc/internal/checksum"
	"github.com/elliotnunn/diskarc/internal/codec"
)

type limitCloser struct {
	io.Reader
	io.Closer
}

// OpenPart decodes a data thread. Version 3 records carry a CRC of the
// uncompressed data, which is checked as the last byte is read.
func (h hooks) OpenPart(e *Entry, kind archive.PartKind) (io.ReadCloser, error) {
	p, _ := e.Part(kind)
	if p.Length == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	rc, err := h.decode(p)
	if err != nil {
		return nil, err
	}
	if e.Version < 3 {
		return rc, nil
	}
	return checksum.NewVerifier(rc, checksum.NewCRC16(0xffff), p.CRC, p.Length), nil
}

func (h hooks) decode(p archive.PartInfo) (io.ReadCloser, error) {
	sr := io.NewSectionReader(h.a.Stream(), p.Offset, p.CompressedLength)
	var (
		rc  io.ReadCloser
		err error
	)
	if p.Format == archive.Deflate {
		rc, err = codec.NewZlibReader(sr)
	} else {
		rc, err = codec.NewReader(p.Format, sr)
	}
	if err != nil {
		return nil, err
	}
	// LZW and squeeze output can run past the real length
	return limitCloser{io.LimitReader(rc, p.Length), rc}, nil
}

// partCRC computes the version 3 thread CRC of an existing part, for
// records being upgraded from an older version.
func (h hooks) partCRC(p archive.PartInfo) (uint16, bool) {
	if p.Length == 0 {
		return 0xffff, true
	}
	if !codec.CanDecode(p.Format) {
		return 0, false
	}
	rc, err := h.decode(p)
	if err != nil {
		return 0, false
	}
	defer rc.Close()
	sum := checksum.NewCRC16(0xffff)
	buf := make([]byte, 32*1024)
	var n int64
	for {
		m, err := rc.Read(buf)
		sum.Update(buf[:m])
		n += int64(m)
		if err == io.EOF {
			break
		} else if err != nil {
			return 0, false
		}
	}
	return uint16(sum.Value()), n == p.Length
}
