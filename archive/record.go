// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package archive

import (
	"fmt"
	"slices"
	"time"
)

// Attrs are the attributes any format might store for an entry.
type Attrs struct {
	RawName    []byte
	Name       string
	Sep        byte
	Dir        bool
	FileType   byte
	AuxType    uint16
	HFSType    uint32
	HFSCreator uint32
	Access     byte
	Created    time.Time
	Modified   time.Time
	Comment    string
}

// Rules adapt the shared [Record] behaviour to one format.
type Rules struct {
	Caps Capabilities
	// Cook renders a stored name for display. Nil means the bytes are UTF-8.
	Cook func(raw []byte) string
	// Uncook encodes a display name, rejecting what the format cannot hold.
	Uncook       func(name string, sep byte) ([]byte, error)
	DefaultSep   byte
	NameOptional bool
	Chunk        int64 // parts are padded to a multiple of this in the stream
}

func (r *Rules) cook(raw []byte) string {
	if r == nil || r.Cook == nil {
		return string(raw)
	}
	return r.Cook(raw)
}

// PendingPart is new data waiting for the next commit.
type PendingPart struct {
	Kind   PartKind
	Source PartSource
	Format CompressionFormat
}

type owner struct{ kind Kind }

// Record carries the state every format's entry type shares.
// Formats embed it and fill Attrs and PartList while scanning.
type Record struct {
	Attrs    Attrs
	PartList []PartInfo
	Dubious  bool
	Damaged  bool

	rules   *Rules
	owner   *owner
	change  Entry
	orig    Entry
	pending []PendingPart
	invalid bool
}

func (r *Record) base() *Record { return r }

// CloneBase returns a copy of r that shares no slices with it.
// Transaction links and pending parts are not carried over.
func (r *Record) CloneBase() Record {
	c := *r
	c.Attrs.RawName = slices.Clone(r.Attrs.RawName)
	c.PartList = slices.Clone(r.PartList)
	c.change, c.orig, c.pending = nil, nil, nil
	return c
}

// Pending lists the parts added since the transaction started.
func (r *Record) Pending() []PendingPart { return r.pending }

func (r *Record) pendingIndex(kind PartKind) int {
	return slices.IndexFunc(r.pending, func(p PendingPart) bool { return p.Kind == kind })
}

func (r *Record) partIndex(kind PartKind) int {
	return slices.IndexFunc(r.PartList, func(p PartInfo) bool { return p.Kind == kind })
}

// HasPart reports whether the part exists or is waiting to be written.
func (r *Record) HasPart(kind PartKind) bool {
	return r.partIndex(kind) >= 0 || r.pendingIndex(kind) >= 0
}

func (r *Record) disposePending() {
	for _, p := range r.pending {
		p.Source.Close()
	}
	r.pending = nil
}

func (r *Record) invalidate() {
	r.invalid = true
	r.change, r.orig = nil, nil
}

func (r *Record) edit() (*Record, error) {
	if r.invalid {
		return nil, fmt.Errorf("%w: entry is no longer part of an archive", ErrInvalidOp)
	}
	if r.change == nil {
		return nil, fmt.Errorf("%w: no transaction is open for this entry", ErrInvalidOp)
	}
	return r.change.base(), nil
}

func (r *Record) editIf(supported bool, what string) (*Record, error) {
	c, err := r.edit()
	if err != nil {
		return nil, err
	}
	if !supported {
		return nil, fmt.Errorf("%w: format does not store %s", ErrUnsupported, what)
	}
	return c, nil
}

// SetName is for formats filling in a freshly parsed record.
func (r *Record) SetName(raw []byte) {
	r.Attrs.RawName = raw
	r.Attrs.Name = r.rules.cook(raw)
}

func (r *Record) FileName() string    { return r.Attrs.Name }
func (r *Record) RawFileName() []byte { return r.Attrs.RawName }

func (r *Record) SetFileName(name string) error {
	c, err := r.edit()
	if err != nil {
		return err
	}
	raw := []byte(name)
	if r.rules.Uncook != nil {
		raw, err = r.rules.Uncook(name, c.Attrs.Sep)
		if err != nil {
			return fmt.Errorf("%w: file name %q: %v", ErrValidation, name, err)
		}
	}
	c.SetName(raw)
	return nil
}

func (r *Record) SetRawFileName(raw []byte) error {
	c, err := r.edit()
	if err != nil {
		return err
	}
	if r.rules.Uncook != nil {
		if _, err := r.rules.Uncook(r.rules.cook(raw), c.Attrs.Sep); err != nil {
			return fmt.Errorf("%w: raw file name: %v", ErrValidation, err)
		}
	}
	c.SetName(slices.Clone(raw))
	return nil
}

func (r *Record) DirSeparator() byte { return r.Attrs.Sep }

func (r *Record) SetDirSeparator(sep byte) error {
	c, err := r.editIf(r.rules.Caps.Separator, "a directory separator")
	if err != nil {
		return err
	}
	c.Attrs.Sep = sep
	return nil
}

func (r *Record) IsDirectory() bool { return r.Attrs.Dir }

func (r *Record) SetIsDirectory(dir bool) error {
	c, err := r.editIf(r.rules.Caps.Directories, "directories")
	if err != nil {
		return err
	}
	c.Attrs.Dir = dir
	return nil
}

func (r *Record) FileType() byte { return r.Attrs.FileType }

func (r *Record) SetFileType(t byte) error {
	c, err := r.editIf(r.rules.Caps.ProDOSTypes, "ProDOS types")
	if err != nil {
		return err
	}
	c.Attrs.FileType = t
	return nil
}

func (r *Record) AuxType() uint16 { return r.Attrs.AuxType }

func (r *Record) SetAuxType(t uint16) error {
	c, err := r.editIf(r.rules.Caps.ProDOSTypes, "ProDOS types")
	if err != nil {
		return err
	}
	c.Attrs.AuxType = t
	return nil
}

func (r *Record) HFSFileType() uint32 { return r.Attrs.HFSType }

func (r *Record) SetHFSFileType(t uint32) error {
	c, err := r.editIf(r.rules.Caps.HFSTypes, "HFS types")
	if err != nil {
		return err
	}
	c.Attrs.HFSType = t
	return nil
}

func (r *Record) HFSCreator() uint32 { return r.Attrs.HFSCreator }

func (r *Record) SetHFSCreator(t uint32) error {
	c, err := r.editIf(r.rules.Caps.HFSTypes, "HFS types")
	if err != nil {
		return err
	}
	c.Attrs.HFSCreator = t
	return nil
}

func (r *Record) Access() byte { return r.Attrs.Access }

func (r *Record) SetAccess(a byte) error {
	c, err := r.editIf(r.rules.Caps.Access, "access flags")
	if err != nil {
		return err
	}
	c.Attrs.Access = a
	return nil
}

func (r *Record) CreateWhen() time.Time { return r.Attrs.Created }

func (r *Record) SetCreateWhen(t time.Time) error {
	c, err := r.editIf(r.rules.Caps.CreateWhen, "a creation date")
	if err != nil {
		return err
	}
	c.Attrs.Created = t
	return nil
}

func (r *Record) ModWhen() time.Time { return r.Attrs.Modified }

func (r *Record) SetModWhen(t time.Time) error {
	c, err := r.editIf(r.rules.Caps.ModWhen, "a modification date")
	if err != nil {
		return err
	}
	c.Attrs.Modified = t
	return nil
}

func (r *Record) Comment() string { return r.Attrs.Comment }

func (r *Record) SetComment(s string) error {
	c, err := r.editIf(r.rules.Caps.Comment, "comments")
	if err != nil {
		return err
	}
	c.Attrs.Comment = s
	return nil
}

func (r *Record) Parts() []PartInfo { return slices.Clone(r.PartList) }

func (r *Record) Part(kind PartKind) (PartInfo, bool) {
	i := r.partIndex(kind)
	if i < 0 {
		return PartInfo{}, false
	}
	return r.PartList[i], true
}

// DataLength is the length of the data fork, or of the disk image.
func (r *Record) DataLength() int64 {
	if p, ok := r.Part(DataFork); ok {
		return p.Length
	}
	if p, ok := r.Part(DiskImage); ok {
		return p.Length
	}
	return 0
}

func (r *Record) RsrcLength() int64 {
	if p, ok := r.Part(RsrcFork); ok {
		return p.Length
	}
	return 0
}

// StorageSize is the space the parts take up in the archive, including padding.
func (r *Record) StorageSize() int64 {
	var n int64
	for _, p := range r.PartList {
		n += RoundUp(p.CompressedLength, r.rules.Chunk)
	}
	return n
}

func RoundUp(n, chunk int64) int64 {
	if chunk <= 1 {
		return n
	}
	return (n + chunk - 1) / chunk * chunk
}

func (r *Record) IsDubious() bool { return r.Dubious }
func (r *Record) IsDamaged() bool { return r.Damaged }

func (r *Record) ChangeObject() Entry { return r.change }
func (r *Record) OrigObject() Entry   { return r.orig }

// SetParts replaces the part list, for use by format writers after a commit.
func (r *Record) SetParts(parts []PartInfo) { r.PartList = parts }
