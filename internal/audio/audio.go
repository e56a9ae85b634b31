// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package audio presents the data blocks recovered from an Apple II
// cassette recording as a read-only archive.
//
// Tone detection happens elsewhere: this package consumes the decoded
// chunks. Each chunk ends with a checksum byte that makes the XOR of the
// whole chunk, seeded with 0xFF, come out to zero.
package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/elliotnunn/diskarc/archive"
	"github.com/elliotnunn/diskarc/internal/checksum"
)

const (
	checksumSeed = 0xff

	TypeBIN = 0x06
	TypeINT = 0xfa
	TypeBAS = 0xfc
)

// Chunk is one block as recovered by the decoder, checksum byte included.
type Chunk struct {
	Data        []byte
	Start, End  float64 // position in the recording, in seconds
	DecodeError bool    // the decoder lost the signal part way through
}

type Entry struct {
	archive.Record

	data        []byte
	Start, End  float64
	BadChecksum bool
}

type Archive struct {
	archive.Engine[*Entry]
}

var rules = archive.Rules{
	Caps: archive.Capabilities{
		ProDOSTypes: true,
		Parts:       []archive.PartKind{archive.DataFork},
		ReadOnly:    true,
	},
	DefaultSep: '/',
	Chunk:      1,
}

// Open builds the entry list from decoded chunks.
//
// A two-byte chunk followed by a chunk of the length it names is an Integer
// BASIC program. A three-byte chunk in the same position is Applesoft.
// Anything else becomes a binary file.
func Open(chunks []Chunk, logger *slog.Logger) (*Archive, error) {
	a := new(Archive)
	a.Init(archive.AudioRecording, hooks{a}, rules, nil, logger)
	notes := a.Notes()

	for i := 0; i < len(chunks); i++ {
		c := chunks[i]
		if len(c.Data) == 0 {
			continue
		}
		payload, good := verify(c)
		ent := a.Bind(&Entry{Start: c.Start, End: c.End})
		ent.Attrs.FileType = TypeBIN

		if (len(payload) == 2 || len(payload) == 3) && good && i+1 < len(chunks) {
			next := chunks[i+1]
			body, bodyGood := verify(next)
			want := int(binary.LittleEndian.Uint16(payload))
			if len(body) == want || len(body) == want+1 {
				ent.Attrs.FileType = TypeINT
				if len(payload) == 3 {
					ent.Attrs.FileType = TypeBAS
				}
				ent.Attrs.AuxType = 0x0801
				i++
				c, payload, good = next, body[:want], bodyGood
				ent.End = next.End
			} else {
				notes.AddI("Chunk %d looks like a BASIC header but chunk %d is %d bytes, not %d", i+1, i+2, len(body), want)
			}
		}

		n := len(a.Records()) + 1
		ent.SetName(fmt.Appendf(nil, "File%02d", n))
		ent.data = payload
		ent.PartList = []archive.PartInfo{{
			Kind:             archive.DataFork,
			Length:           int64(len(payload)),
			CompressedLength: int64(len(payload)),
			Offset:           int64(i),
		}}
		if !good {
			ent.BadChecksum = true
			ent.Dubious = true
			notes.AddW("File%02d: checksum mismatch", n)
		}
		if c.DecodeError {
			ent.Damaged = true
			notes.AddE("File%02d: signal lost during decoding", n)
		}
		a.Append(ent)
	}
	return a, nil
}

// verify strips the checksum byte.
func verify(c Chunk) (payload []byte, ok bool) {
	if len(c.Data) == 0 {
		return nil, false
	}
	return c.Data[:len(c.Data)-1], checksum.XOR(checksumSeed, c.Data) == 0
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
	return nil, fmt.Errorf("%w: audio recordings are read-only", archive.ErrUnsupported)
}

func (hooks) OpenPart(e *Entry, kind archive.PartKind) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(e.data)), nil
}
