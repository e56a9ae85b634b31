// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package binary2 reads and writes Binary II archives: a run of 128-byte
// file headers, each followed by the file's data padded to 128 bytes.
package binary2

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/elliotnunn/diskarc/archive"
	"github.com/elliotnunn/diskarc/internal/binfield"
	"github.com/elliotnunn/diskarc/internal/codec"
	"github.com/elliotnunn/diskarc/internal/timestamp"
)

const (
	ChunkLen   = 128
	MaxNameLen = 64
	maxEOF     = 1<<24 - 1

	dirFileType    = 0x0f
	dirStorageType = 0x0d

	flagCompressed = 0x80
	flagEncrypted  = 0x40
	flagSparse     = 0x01

	squeezeSuffix = ".QQ"
)

var magic = []byte{0x0a, 0x47, 0x4c}

// Entry is one Binary II file header and its data.
type Entry struct {
	archive.Record

	StorageType byte
	OSType      byte
	NativeType  uint16
	DiskSpace   uint32 // blocks needed to restore the whole archive, first header only
	Version     byte
	Phantom     bool
	Encrypted   bool
}

type Archive struct {
	archive.Engine[*Entry]
}

var rules = archive.Rules{
	Caps: archive.Capabilities{
		ProDOSTypes: true,
		Access:      true,
		CreateWhen:  true,
		ModWhen:     true,
		Directories: true,
		Parts:       []archive.PartKind{archive.DataFork},
	},
	Cook:       cookName,
	Uncook:     uncookName,
	DefaultSep: '/',
	Chunk:      ChunkLen,
}

// Detect reports whether the stream starts with a plausible Binary II header.
func Detect(r io.ReaderAt) bool {
	hdr := make([]byte, ChunkLen)
	if _, err := r.ReadAt(hdr, 0); err != nil {
		return false
	}
	return bytes.Equal(hdr[:3], magic) && hdr[18] == 0x02 && hdr[23] != 0 && hdr[23] <= MaxNameLen
}

// New returns an empty archive to be filled by a transaction.
func New(logger *slog.Logger) *Archive {
	a := new(Archive)
	a.Init(archive.Binary2, hooks{a}, rules, nil, logger)
	return a
}

// Open scans s. Damage after the first header is reported through notes
// rather than as an error.
func Open(s archive.Stream, logger *slog.Logger) (*Archive, error) {
	a := new(Archive)
	a.Init(archive.Binary2, hooks{a}, rules, s, logger)
	if err := a.scan(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Archive) scan() error {
	s := a.Stream()
	size, err := archive.StreamSize(s)
	if err != nil {
		return err
	}
	notes := a.Notes()

	var off int64
	want := -1 // files to follow announced by the previous header
	for off+ChunkLen <= size {
		hdr := make([]byte, ChunkLen)
		if _, err := s.ReadAt(hdr, off); err != nil {
			return err
		}
		if !bytes.Equal(hdr[:3], magic) || hdr[18] != 0x02 {
			if off == 0 {
				return fmt.Errorf("%w: not a Binary II archive", archive.ErrFormat)
			}
			if want > 0 || !allZero(hdr) {
				notes.AddW("Unrecognized data at offset %#x", off)
				a.SetDubious()
			}
			return nil
		}

		ent, dataLen := a.parseHeader(hdr, off)
		follow := int(hdr[127])
		if want >= 0 && follow != want-1 {
			notes.AddW("Entry %q: files-to-follow is %d, expected %d", ent.Attrs.Name, follow, want-1)
		}
		want = follow

		if p, ok := ent.Part(archive.DataFork); ok {
			if off+ChunkLen+dataLen > size {
				notes.AddE("Entry %q: data runs past end of archive", ent.Attrs.Name)
				ent.Damaged = true
				a.SetDubious()
				a.Append(ent)
				return nil
			}
			a.detectSqueeze(ent, p)
		}
		a.Append(ent)
		off += ChunkLen + archive.RoundUp(dataLen, ChunkLen)

		if follow == 0 {
			break
		}
	}

	if want > 0 {
		notes.AddW("Archive ends with %d files still to follow", want)
		a.SetDubious()
	}
	if off < size && off+ChunkLen > size {
		notes.AddI("Ignoring %d trailing bytes", size-off)
	}
	return nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func (a *Archive) parseHeader(hdr []byte, off int64) (*Entry, int64) {
	ent := a.Bind(&Entry{})
	at := &ent.Attrs

	name, ok := binfield.PString(hdr[23:], MaxNameLen)
	if !ok {
		a.Notes().AddW("Entry at %#x: name length %d clamped", off, hdr[23])
		ent.Dubious = true
	}
	ent.SetName(bytes.Clone(name))

	at.Access = hdr[3]
	at.FileType = hdr[4]
	at.AuxType = binary.LittleEndian.Uint16(hdr[5:])
	ent.StorageType = hdr[7]
	at.Modified = timestamp.FromProDOS(binary.LittleEndian.Uint16(hdr[10:]), binary.LittleEndian.Uint16(hdr[12:]))
	at.Created = timestamp.FromProDOS(binary.LittleEndian.Uint16(hdr[14:]), binary.LittleEndian.Uint16(hdr[16:]))
	ent.DiskSpace = binary.LittleEndian.Uint32(hdr[117:])
	ent.OSType = hdr[121]
	ent.NativeType = binary.LittleEndian.Uint16(hdr[122:])
	ent.Phantom = hdr[124] != 0
	ent.Encrypted = hdr[125]&flagEncrypted != 0
	ent.Version = hdr[126]
	at.Dir = ent.StorageType == dirStorageType

	eof := int64(binfield.Uint24(hdr[20:]))
	if ent.Version > 0 {
		eof |= int64(hdr[116]) << 24
	}
	if at.Dir {
		if eof != 0 {
			a.Notes().AddI("Directory %q has a nonzero length", at.Name)
		}
		return ent, 0
	}

	format := archive.Uncompressed
	if hdr[125]&flagCompressed != 0 {
		format = archive.Squeeze // confirmed by detectSqueeze
	}
	ent.PartList = []archive.PartInfo{{
		Kind:             archive.DataFork,
		Length:           eof,
		CompressedLength: eof,
		Format:           format,
		Offset:           off + ChunkLen,
	}}
	if ent.Encrypted {
		a.Notes().AddW("Entry %q is encrypted", at.Name)
		ent.Damaged = true
	}
	return ent, eof
}

// detectSqueeze decides whether the data fork is squeezed. The flag bit and
// the .QQ suffix are only hints, and the magic number has the final say.
func (a *Archive) detectSqueeze(ent *Entry, p archive.PartInfo) {
	flagged := p.Format == archive.Squeeze
	suffixed := strings.HasSuffix(strings.ToUpper(ent.Attrs.Name), squeezeSuffix)
	if !flagged && !suffixed {
		return
	}
	var m [2]byte
	_, err := a.Stream().ReadAt(m[:], p.Offset)
	isSq := err == nil && m == codec.SqueezeMagic

	switch {
	case isSq:
		p.Format = archive.Squeeze
		p.Length = -1
		if !flagged {
			a.Notes().AddI("Entry %q is squeezed but not flagged", ent.Attrs.Name)
		}
	case flagged:
		a.Notes().AddW("Entry %q is flagged as compressed but is not squeezed", ent.Attrs.Name)
		p.Format = archive.Uncompressed
	default:
		return
	}
	ent.PartList[0] = p
}

func cookName(raw []byte) string {
	b := make([]byte, len(raw))
	for i, c := range raw {
		b[i] = c & 0x7f
	}
	return string(b)
}

// uncookName accepts a ProDOS partial pathname.
func uncookName(name string, sep byte) ([]byte, error) {
	if len(name) > MaxNameLen {
		return nil, fmt.Errorf("longer than %d characters", MaxNameLen)
	}
	for comp := range strings.SplitSeq(name, "/") {
		if err := checkProDOSName(comp); err != nil {
			return nil, err
		}
	}
	return []byte(name), nil
}

var errBadName = errors.New("not a valid ProDOS name")

func checkProDOSName(s string) error {
	if len(s) == 0 || len(s) > 15 {
		return errBadName
	}
	for i, c := range []byte(s) {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z':
		case i > 0 && (c >= '0' && c <= '9' || c == '.'):
		default:
			return errBadName
		}
	}
	return nil
}
