// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package archive

import (
	"io"
	"time"
)

// Archive is one opened (or newly created) archive of any format.
// An Archive is not safe for concurrent use.
type Archive interface {
	Kind() Kind
	Capabilities() Capabilities
	// Entries lists the committed entries in the order the format stores them.
	Entries() []Entry
	Notes() *Notes
	IsDubious() bool

	// OpenPart reads the uncompressed contents of one part.
	// It fails while a transaction is open.
	OpenPart(e Entry, part PartKind) (io.ReadCloser, error)

	IsTransactionOpen() bool
	StartTransaction() error
	CreateRecord() (Entry, error)
	DeleteRecord(e Entry) error
	// AddPart hands ownership of src to the entry's change object.
	AddPart(e Entry, part PartKind, src PartSource, hint CompressionFormat) error
	DeletePart(e Entry, part PartKind) error
	// CommitTransaction writes the whole archive to out, which must not be
	// the stream the archive was opened from. On failure out is truncated to
	// zero length and the archive is unchanged.
	CommitTransaction(out Stream) error
	CancelTransaction()

	// Close cancels any transaction and force-closes open part readers.
	// The underlying stream is not closed.
	Close() error
}

// Entry is one file in an archive. Setters fail with [ErrInvalidOp] unless a
// transaction is open, and they change the entry's change object: the
// getters on the entry itself keep returning committed values until the
// transaction commits.
type Entry interface {
	FileName() string
	SetFileName(name string) error
	RawFileName() []byte
	SetRawFileName(raw []byte) error
	DirSeparator() byte
	SetDirSeparator(sep byte) error
	IsDirectory() bool
	SetIsDirectory(dir bool) error

	FileType() byte
	SetFileType(t byte) error
	AuxType() uint16
	SetAuxType(t uint16) error
	HFSFileType() uint32
	SetHFSFileType(t uint32) error
	HFSCreator() uint32
	SetHFSCreator(c uint32) error
	Access() byte
	SetAccess(a byte) error
	CreateWhen() time.Time
	SetCreateWhen(t time.Time) error
	ModWhen() time.Time
	SetModWhen(t time.Time) error
	Comment() string
	SetComment(s string) error

	Parts() []PartInfo
	Part(kind PartKind) (PartInfo, bool)
	DataLength() int64
	RsrcLength() int64
	StorageSize() int64

	IsDubious() bool
	IsDamaged() bool

	ChangeObject() Entry
	OrigObject() Entry

	base() *Record
}

// Commenter is implemented by formats with an archive-wide comment.
type Commenter interface {
	Comment() string
	SetComment(s string) error
}
