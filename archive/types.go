// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package archive

import (
	"fmt"
	"slices"
)

// Kind identifies an archive format.
type Kind int

const (
	Unknown Kind = iota
	NuFX
	Binary2
	AppleSingle
	AppleDouble
	Zip
	GZip
	AppleLink
	MacBinary
	AudioRecording
)

var kindNames = [...]string{
	Unknown:        "unknown",
	NuFX:           "NuFX",
	Binary2:        "Binary II",
	AppleSingle:    "AppleSingle",
	AppleDouble:    "AppleDouble",
	Zip:            "ZIP",
	GZip:           "gzip",
	AppleLink:      "AppleLink ACU",
	MacBinary:      "MacBinary",
	AudioRecording: "audio recording",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// PartKind names one data stream of an entry.
type PartKind int

const (
	DataFork PartKind = iota + 1
	RsrcFork
	DiskImage
)

func (p PartKind) String() string {
	switch p {
	case DataFork:
		return "data fork"
	case RsrcFork:
		return "resource fork"
	case DiskImage:
		return "disk image"
	}
	return fmt.Sprintf("PartKind(%d)", int(p))
}

// CompressionFormat tags how a part is stored.
type CompressionFormat int

const (
	Uncompressed CompressionFormat = iota
	Squeeze
	NuLZW1
	NuLZW2
	Deflate
	BZip2
	// Default asks the format for its preferred compression.
	Default CompressionFormat = -1
	// UnknownFormat tags stored data the engine cannot identify.
	UnknownFormat CompressionFormat = -2
)

func (c CompressionFormat) String() string {
	switch c {
	case Uncompressed:
		return "uncompressed"
	case Squeeze:
		return "squeeze"
	case NuLZW1:
		return "LZW/1"
	case NuLZW2:
		return "LZW/2"
	case Deflate:
		return "deflate"
	case BZip2:
		return "bzip2"
	case Default:
		return "default"
	case UnknownFormat:
		return "unknown"
	}
	return fmt.Sprintf("CompressionFormat(%d)", int(c))
}

// PartInfo describes one stored part.
// Offset is the position of the stored bytes in the archive stream.
type PartInfo struct {
	Kind             PartKind
	Length           int64 // uncompressed, -1 if not known without decoding
	CompressedLength int64 // bytes occupied in the stream, excluding padding
	Format           CompressionFormat
	Offset           int64
	CRC              uint32 // format-specific data checksum, if any
}

// Capabilities says which attributes and parts a format can store.
type Capabilities struct {
	ProDOSTypes bool
	HFSTypes    bool
	Access      bool
	CreateWhen  bool
	ModWhen     bool
	Comment     bool
	Separator   bool // entries carry their own directory separator
	Directories bool
	Parts       []PartKind
	ReadOnly    bool
	SingleEntry bool
}

func (c *Capabilities) HasPart(kind PartKind) bool {
	return slices.Contains(c.Parts, kind)
}
