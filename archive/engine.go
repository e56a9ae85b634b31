// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package archive

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
)

// Hooks supply the format-specific halves of the transaction protocol.
type Hooks[R Entry] interface {
	// NewRecord returns an empty entry with format defaults filled in.
	NewRecord() R
	// CloneRecord returns a deep copy, using [Record.CloneBase] for the shared part.
	CloneRecord(R) R
	// CopyRecord overwrites dst with src's fields when a commit succeeds.
	CopyRecord(dst, src R)
	// ValidateRecord checks a change object before anything is written.
	ValidateRecord(R) error
	// WriteArchive writes every change object to out in order. It must not
	// touch the records: the returned finish function is called once the
	// write has fully succeeded, to record the new part locations.
	WriteArchive(out Stream, recs []R) (finish func(), err error)
	// OpenPart returns the uncompressed data of an existing part.
	OpenPart(rec R, kind PartKind) (io.ReadCloser, error)
}

// Engine implements [Archive] for formats that embed it.
// R is the format's pointer-to-entry type, which embeds [Record].
type Engine[R Entry] struct {
	kind    Kind
	hooks   Hooks[R]
	rules   Rules
	id      *owner
	notes   Notes
	tracker Tracker
	logger  *slog.Logger
	stream  Stream

	records []R
	edits   []R // originals (or new records) making up the working set
	inTxn   bool
	dubious bool
}

// Init prepares the engine. The stream may be nil for a new archive.
func (e *Engine[R]) Init(kind Kind, hooks Hooks[R], rules Rules, s Stream, logger *slog.Logger) {
	e.kind = kind
	e.hooks = hooks
	e.rules = rules
	e.id = &owner{kind}
	e.stream = s
	e.logger = logger
	e.notes.Logger = logger
}

// Bind attaches a record to this archive. Scanners call it before filling the record in.
func (e *Engine[R]) Bind(rec R) R {
	b := rec.base()
	b.rules = &e.rules
	b.owner = e.id
	if b.Attrs.Sep == 0 {
		b.Attrs.Sep = e.rules.DefaultSep
	}
	return rec
}

// Append adds a scanned record to the committed list.
func (e *Engine[R]) Append(rec R) { e.records = append(e.records, e.Bind(rec)) }

func (e *Engine[R]) Kind() Kind                 { return e.kind }
func (e *Engine[R]) Capabilities() Capabilities { return e.rules.Caps }
func (e *Engine[R]) Rules() *Rules              { return &e.rules }
func (e *Engine[R]) Notes() *Notes              { return &e.notes }
func (e *Engine[R]) Stream() Stream             { return e.stream }
func (e *Engine[R]) Records() []R               { return e.records }
func (e *Engine[R]) IsDubious() bool            { return e.dubious }
func (e *Engine[R]) SetDubious()                { e.dubious = true }
func (e *Engine[R]) IsTransactionOpen() bool    { return e.inTxn }
func (e *Engine[R]) OpenCount() int             { return e.tracker.Count() }

func (e *Engine[R]) Entries() []Entry {
	list := make([]Entry, len(e.records))
	for i, r := range e.records {
		list[i] = r
	}
	return list
}

func (e *Engine[R]) StartTransaction() error {
	switch {
	case e.rules.Caps.ReadOnly:
		return fmt.Errorf("%w: %s archives are read-only", ErrUnsupported, e.kind)
	case e.inTxn:
		return fmt.Errorf("%w: transaction already open", ErrInvalidOp)
	case e.dubious:
		return fmt.Errorf("%w: archive is dubious and cannot be modified", ErrInvalidOp)
	case e.tracker.Count() > 0:
		return fmt.Errorf("%w: %d part readers still open", ErrInvalidOp, e.tracker.Count())
	}

	e.edits = make([]R, 0, len(e.records))
	for _, rec := range e.records {
		c := e.hooks.CloneRecord(rec)
		cb := c.base()
		cb.change, cb.orig = c, rec
		rec.base().change = c
		e.edits = append(e.edits, rec)
	}
	e.inTxn = true
	return nil
}

func (e *Engine[R]) CreateRecord() (Entry, error) {
	if !e.inTxn {
		return nil, fmt.Errorf("%w: no transaction open", ErrInvalidOp)
	}
	if e.rules.Caps.SingleEntry && len(e.edits) > 0 {
		return nil, fmt.Errorf("%w: %s archives hold a single entry", ErrInvalidOp, e.kind)
	}
	rec := e.Bind(e.hooks.NewRecord())
	b := rec.base()
	b.change, b.orig = rec, rec
	e.edits = append(e.edits, rec)
	return rec, nil
}

// findEdit locates the working-set record for an entry or its change object.
func (e *Engine[R]) findEdit(ent Entry) (int, error) {
	if !e.inTxn {
		return -1, fmt.Errorf("%w: no transaction open", ErrInvalidOp)
	}
	if ent == nil || ent.base().owner != e.id || ent.base().invalid {
		return -1, fmt.Errorf("%w: entry does not belong to this archive", ErrInvalidOp)
	}
	for i, rec := range e.edits {
		if Entry(rec) == ent || rec.base().change == ent {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: entry is not in the transaction", ErrInvalidOp)
}

func (e *Engine[R]) DeleteRecord(ent Entry) error {
	i, err := e.findEdit(ent)
	if err != nil {
		return err
	}
	rec := e.edits[i]
	b := rec.base()
	if c := b.change; c != nil {
		c.base().disposePending()
		if c != Entry(rec) {
			c.base().invalidate()
		}
	}
	if b.orig != nil { // created in this transaction
		b.invalidate()
	} else {
		b.change = nil
	}
	e.edits = slices.Delete(e.edits, i, i+1)
	return nil
}

func (e *Engine[R]) AddPart(ent Entry, kind PartKind, src PartSource, hint CompressionFormat) error {
	i, err := e.findEdit(ent)
	if err != nil {
		return err
	}
	if src == nil {
		return fmt.Errorf("%w: nil part source", ErrInvalidOp)
	}
	if !e.rules.Caps.HasPart(kind) {
		return fmt.Errorf("%w: %s archives cannot hold a %s", ErrUnsupported, e.kind, kind)
	}
	c := e.edits[i].base().change.base()
	if c.HasPart(kind) {
		return fmt.Errorf("%w: entry already has a %s", ErrInvalidOp, kind)
	}
	c.pending = append(c.pending, PendingPart{Kind: kind, Source: src, Format: hint})
	return nil
}

func (e *Engine[R]) DeletePart(ent Entry, kind PartKind) error {
	i, err := e.findEdit(ent)
	if err != nil {
		return err
	}
	c := e.edits[i].base().change.base()
	if j := c.pendingIndex(kind); j >= 0 {
		c.pending[j].Source.Close()
		c.pending = slices.Delete(c.pending, j, j+1)
		return nil
	}
	if j := c.partIndex(kind); j >= 0 {
		c.PartList = slices.Delete(c.PartList, j, j+1)
		return nil
	}
	return fmt.Errorf("%w: entry has no %s", ErrNotFound, kind)
}

func sameStream(a, b Stream) (same bool) {
	defer func() { recover() }() // incomparable dynamic types
	return a == b
}

func (e *Engine[R]) CommitTransaction(out Stream) error {
	if !e.inTxn {
		return fmt.Errorf("%w: no transaction open", ErrInvalidOp)
	}
	if out == nil {
		return fmt.Errorf("%w: no output stream", ErrInvalidOp)
	}
	if e.stream != nil && sameStream(out, e.stream) {
		return fmt.Errorf("%w: cannot commit to the archive's own stream", ErrInvalidOp)
	}

	changes := make([]R, len(e.edits))
	for i, rec := range e.edits {
		c := rec.base().change.(R)
		if len(c.base().Attrs.RawName) == 0 && !e.rules.NameOptional {
			return fmt.Errorf("%w: record %d: file name not set", ErrValidation, i)
		}
		if err := e.hooks.ValidateRecord(c); err != nil {
			return err
		}
		changes[i] = c
	}

	if _, err := out.Seek(0, io.SeekStart); err != nil {
		return err
	}
	finish, err := e.hooks.WriteArchive(out, changes)
	if err != nil {
		out.Truncate(0)
		out.Seek(0, io.SeekStart)
		return err
	}
	if finish != nil {
		finish()
	}

	kept := make(map[Entry]bool, len(e.edits))
	for _, rec := range e.edits {
		kept[rec] = true
	}
	for _, rec := range e.records {
		if !kept[rec] {
			rec.base().invalidate()
		}
	}
	for i, rec := range e.edits {
		c := changes[i]
		if Entry(c) != Entry(rec) {
			e.hooks.CopyRecord(rec, c)
			c.base().invalidate()
		}
		b := rec.base()
		for _, p := range b.pending {
			p.Source.Close() // consumed
		}
		b.pending = nil
		b.change, b.orig = nil, nil
		b.invalid = false
	}

	e.stream = out
	e.records = e.edits
	e.edits = nil
	e.inTxn = false
	return nil
}

func (e *Engine[R]) CancelTransaction() {
	if !e.inTxn {
		return
	}
	for _, rec := range e.edits {
		b := rec.base()
		if c := b.change; c != nil {
			c.base().disposePending()
		}
		if b.orig != nil { // created in this transaction
			b.invalidate()
		}
	}
	for _, rec := range e.records {
		b := rec.base()
		if c := b.change; c != nil && c != Entry(rec) {
			c.base().invalidate()
		}
		b.change, b.orig = nil, nil
	}
	e.edits = nil
	e.inTxn = false
}

func (e *Engine[R]) OpenPart(ent Entry, kind PartKind) (io.ReadCloser, error) {
	if e.inTxn {
		return nil, fmt.Errorf("%w: cannot read parts while a transaction is open", ErrInvalidOp)
	}
	if ent == nil || ent.base().owner != e.id || ent.base().invalid {
		return nil, fmt.Errorf("%w: entry does not belong to this archive", ErrInvalidOp)
	}
	rec, ok := ent.(R)
	if !ok {
		return nil, fmt.Errorf("%w: entry does not belong to this archive", ErrInvalidOp)
	}
	b := rec.base()
	if b.Damaged {
		return nil, fmt.Errorf("%w: %q", ErrDamaged, b.Attrs.Name)
	}
	if _, ok := b.Part(kind); !ok {
		return nil, fmt.Errorf("%w: %q has no %s", ErrNotFound, b.Attrs.Name, kind)
	}
	rc, err := e.hooks.OpenPart(rec, kind)
	if err != nil {
		return nil, err
	}
	return e.tracker.Track(rc, ent), nil
}

func (e *Engine[R]) Close() error {
	e.CancelTransaction()
	if n := e.tracker.CloseAll(); n > 0 {
		e.notes.AddW("%d part readers were still open when the archive was closed", n)
		logger := e.logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("openStreamsForceClosed", "kind", e.kind, "count", n)
	}
	return nil
}
