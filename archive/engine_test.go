// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"
)

// A minimal format: parts are stored back to back with no headers.

type testEntry struct {
	Record
	tag string
}

type testArchive struct {
	Engine[*testEntry]
}

type testHooks struct{ a *testArchive }

func (testHooks) NewRecord() *testEntry { return &testEntry{} }

func (testHooks) CloneRecord(e *testEntry) *testEntry {
	return &testEntry{Record: e.CloneBase(), tag: e.tag}
}

func (testHooks) CopyRecord(dst, src *testEntry) { *dst = *src }

func (testHooks) ValidateRecord(e *testEntry) error {
	if e.tag == "invalid" {
		return fmt.Errorf("%w: tagged invalid", ErrValidation)
	}
	return nil
}

func (h testHooks) WriteArchive(out Stream, recs []*testEntry) (func(), error) {
	var pos int64
	parts := make([][]PartInfo, len(recs))
	for i, rec := range recs {
		if rec.tag == "explode" {
			out.Write([]byte("partial output"))
			return nil, errors.New("exploded")
		}
		for _, p := range rec.PartList {
			if err := CopyRaw(h.a.Stream(), p.Offset, p.CompressedLength, out); err != nil {
				return nil, err
			}
			p.Offset = pos
			pos += p.CompressedLength
			parts[i] = append(parts[i], p)
		}
		for _, pp := range rec.Pending() {
			res, err := CopyPart(pp.Source, out, nil, nil, false)
			if err != nil {
				return nil, err
			}
			parts[i] = append(parts[i], PartInfo{Kind: pp.Kind, Length: res.InputLen, CompressedLength: res.OutputLen, Offset: pos})
			pos += res.OutputLen
		}
	}
	return func() {
		for i, rec := range recs {
			rec.SetParts(parts[i])
		}
	}, nil
}

func (h testHooks) OpenPart(e *testEntry, kind PartKind) (io.ReadCloser, error) {
	p, _ := e.Part(kind)
	return io.NopCloser(io.NewSectionReader(h.a.Stream(), p.Offset, p.CompressedLength)), nil
}

func newTestArchive() *testArchive {
	a := &testArchive{}
	a.Init(Unknown, testHooks{a}, Rules{
		Caps:       Capabilities{ModWhen: true, Parts: []PartKind{DataFork, RsrcFork}},
		DefaultSep: '/',
	}, nil, nil)
	return a
}

// populated returns an archive holding one committed entry per name.
func populated(t *testing.T, names ...string) *testArchive {
	t.Helper()
	a := newTestArchive()
	if err := a.StartTransaction(); err != nil {
		t.Fatal(err)
	}
	for _, n := range names {
		e, err := a.CreateRecord()
		if err != nil {
			t.Fatal(err)
		}
		if err := e.SetFileName(n); err != nil {
			t.Fatal(err)
		}
		if err := a.AddPart(e, DataFork, NewBytesSource([]byte("data of "+n)), Default); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.CommitTransaction(NewMemStream(nil)); err != nil {
		t.Fatal(err)
	}
	return a
}

func readPart(t *testing.T, a Archive, e Entry, kind PartKind) string {
	t.Helper()
	rc, err := a.OpenPart(e, kind)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestCreateAndRead(t *testing.T) {
	a := populated(t, "one", "two")
	ents := a.Entries()
	if len(ents) != 2 {
		t.Fatalf("got %d entries", len(ents))
	}
	if ents[1].FileName() != "two" || ents[1].DirSeparator() != '/' {
		t.Errorf("entry: %q %q", ents[1].FileName(), ents[1].DirSeparator())
	}
	if got := readPart(t, a, ents[1], DataFork); got != "data of two" {
		t.Errorf("part: %q", got)
	}
	if ents[0].DataLength() != 11 {
		t.Errorf("data length %d", ents[0].DataLength())
	}
	if _, err := a.OpenPart(ents[0], RsrcFork); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing part: %v", err)
	}
}

func TestChangeObject(t *testing.T) {
	a := populated(t, "old")
	e := a.Entries()[0]

	if err := e.SetFileName("x"); !errors.Is(err, ErrInvalidOp) {
		t.Errorf("setter outside transaction: %v", err)
	}

	a.StartTransaction()
	if err := e.SetFileName("new"); err != nil {
		t.Fatal(err)
	}
	if e.FileName() != "old" || e.ChangeObject().FileName() != "new" {
		t.Errorf("before commit: %q / %q", e.FileName(), e.ChangeObject().FileName())
	}
	if e.ChangeObject().OrigObject() != e {
		t.Error("change object does not point back to its original")
	}
	a.CancelTransaction()
	if e.FileName() != "old" || e.ChangeObject() != nil {
		t.Error("cancel did not discard the change object")
	}

	a.StartTransaction()
	e.SetFileName("new")
	if err := a.CommitTransaction(NewMemStream(nil)); err != nil {
		t.Fatal(err)
	}
	if e.FileName() != "new" {
		t.Errorf("after commit: %q", e.FileName())
	}
	if got := readPart(t, a, e, DataFork); got != "data of old" {
		t.Errorf("part after rename: %q", got)
	}
}

func TestUnsupportedAttribute(t *testing.T) {
	a := populated(t, "f")
	a.StartTransaction()
	defer a.CancelTransaction()
	e := a.Entries()[0]
	if err := e.SetComment("hi"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("comment: %v", err)
	}
	if err := a.AddPart(e, DiskImage, NewBytesSource(nil), Default); !errors.Is(err, ErrUnsupported) {
		t.Errorf("disk image: %v", err)
	}
	if err := a.AddPart(e, DataFork, NewBytesSource(nil), Default); !errors.Is(err, ErrInvalidOp) {
		t.Errorf("duplicate data fork: %v", err)
	}
}

func TestDeleteRecord(t *testing.T) {
	a := populated(t, "keep", "drop")
	drop := a.Entries()[1]
	a.StartTransaction()
	if err := a.DeleteRecord(drop); err != nil {
		t.Fatal(err)
	}
	if err := a.CommitTransaction(NewMemStream(nil)); err != nil {
		t.Fatal(err)
	}
	if len(a.Entries()) != 1 || a.Entries()[0].FileName() != "keep" {
		t.Fatalf("entries after delete: %v", a.Entries())
	}
	if got := readPart(t, a, a.Entries()[0], DataFork); got != "data of keep" {
		t.Errorf("surviving part: %q", got)
	}
	if _, err := a.OpenPart(drop, DataFork); !errors.Is(err, ErrInvalidOp) {
		t.Errorf("reading a deleted entry: %v", err)
	}
	a.StartTransaction()
	defer a.CancelTransaction()
	if err := drop.SetFileName("zombie"); !errors.Is(err, ErrInvalidOp) {
		t.Errorf("renaming a deleted entry: %v", err)
	}
}

func TestDeletePart(t *testing.T) {
	a := populated(t, "f")
	e := a.Entries()[0]
	a.StartTransaction()
	if err := a.DeletePart(e, RsrcFork); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleting an absent part: %v", err)
	}
	a.AddPart(e, RsrcFork, NewBytesSource([]byte("rsrc")), Default)
	if err := a.DeletePart(e, DataFork); err != nil {
		t.Fatal(err)
	}
	if err := a.CommitTransaction(NewMemStream(nil)); err != nil {
		t.Fatal(err)
	}
	if _, ok := e.Part(DataFork); ok {
		t.Error("data fork survived")
	}
	if got := readPart(t, a, e, RsrcFork); got != "rsrc" {
		t.Errorf("resource fork: %q", got)
	}
}

func TestForeignEntry(t *testing.T) {
	a := populated(t, "a")
	b := populated(t, "b")
	a.StartTransaction()
	defer a.CancelTransaction()
	if err := a.DeleteRecord(b.Entries()[0]); !errors.Is(err, ErrInvalidOp) {
		t.Errorf("delete: %v", err)
	}
	if _, err := b.OpenPart(a.Entries()[0], DataFork); !errors.Is(err, ErrInvalidOp) {
		t.Errorf("open: %v", err)
	}
}

func TestCommitFailures(t *testing.T) {
	a := populated(t, "f")
	e := a.Entries()[0].(*testEntry)

	a.StartTransaction()
	if err := a.CommitTransaction(a.Stream()); !errors.Is(err, ErrInvalidOp) {
		t.Errorf("commit to own stream: %v", err)
	}

	e.ChangeObject().(*testEntry).tag = "invalid"
	if err := a.CommitTransaction(NewMemStream(nil)); !errors.Is(err, ErrValidation) {
		t.Errorf("validation: %v", err)
	}

	e.ChangeObject().(*testEntry).tag = "explode"
	e.SetFileName("renamed")
	out := NewMemStream(nil)
	if err := a.CommitTransaction(out); err == nil {
		t.Fatal("write failure not reported")
	}
	if out.Len() != 0 {
		t.Errorf("failed commit left %d bytes", out.Len())
	}
	if !a.IsTransactionOpen() || e.FileName() != "f" {
		t.Error("failed commit changed the archive")
	}
	a.CancelTransaction()

	a.StartTransaction()
	a.CreateRecord()
	if err := a.CommitTransaction(NewMemStream(nil)); !errors.Is(err, ErrValidation) {
		t.Errorf("unnamed record: %v", err)
	}
	a.CancelTransaction()
	if len(a.Entries()) != 1 {
		t.Errorf("cancel kept a new record: %d entries", len(a.Entries()))
	}
}

func TestOpenReaders(t *testing.T) {
	a := populated(t, "f")
	e := a.Entries()[0]
	rc, err := a.OpenPart(e, DataFork)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.StartTransaction(); !errors.Is(err, ErrInvalidOp) {
		t.Errorf("transaction with a reader open: %v", err)
	}
	rc.Close()
	rc.Close()
	if a.OpenCount() != 0 {
		t.Errorf("open count %d", a.OpenCount())
	}
	if err := a.StartTransaction(); err != nil {
		t.Fatal(err)
	}
	if _, err := a.OpenPart(e, DataFork); !errors.Is(err, ErrInvalidOp) {
		t.Errorf("reading during a transaction: %v", err)
	}
	a.CancelTransaction()

	a.OpenPart(e, DataFork)
	a.OpenPart(e, DataFork)
	a.Close()
	if a.OpenCount() != 0 || a.Notes().Count(Warning) != 1 {
		t.Errorf("close left %d readers, %d warnings", a.OpenCount(), a.Notes().Count(Warning))
	}
}

func TestReadOnly(t *testing.T) {
	a := &testArchive{}
	a.Init(Unknown, testHooks{a}, Rules{Caps: Capabilities{ReadOnly: true}}, nil, nil)
	if err := a.StartTransaction(); !errors.Is(err, ErrUnsupported) {
		t.Errorf("read-only: %v", err)
	}
	b := populated(t)
	b.SetDubious()
	if err := b.StartTransaction(); !errors.Is(err, ErrInvalidOp) {
		t.Errorf("dubious: %v", err)
	}
}

func TestSingleEntry(t *testing.T) {
	a := &testArchive{}
	a.Init(Unknown, testHooks{a}, Rules{Caps: Capabilities{SingleEntry: true, Parts: []PartKind{DataFork}}}, nil, nil)
	a.StartTransaction()
	defer a.CancelTransaction()
	if _, err := a.CreateRecord(); err != nil {
		t.Fatal(err)
	}
	if _, err := a.CreateRecord(); !errors.Is(err, ErrInvalidOp) {
		t.Errorf("second record: %v", err)
	}
}

func TestSourcesClosed(t *testing.T) {
	a := populated(t, "f")
	src := &countingSource{BytesSource: NewBytesSource([]byte("x"))}
	a.StartTransaction()
	a.AddPart(a.Entries()[0], RsrcFork, src, Default)
	a.CancelTransaction()
	if src.closes != 1 {
		t.Errorf("cancel closed the source %d times", src.closes)
	}

	src = &countingSource{BytesSource: NewBytesSource([]byte("x"))}
	a.StartTransaction()
	a.AddPart(a.Entries()[0], RsrcFork, src, Default)
	if err := a.CommitTransaction(NewMemStream(nil)); err != nil {
		t.Fatal(err)
	}
	if src.closes != 1 {
		t.Errorf("commit closed the source %d times", src.closes)
	}
}

type countingSource struct {
	*BytesSource
	closes int
}

func (s *countingSource) Close() error {
	s.closes++
	return s.BytesSource.Close()
}

func TestRawName(t *testing.T) {
	a := newTestArchive()
	a.Rules().Cook = func(raw []byte) string { return string(bytes.ToUpper(raw)) }
	a.StartTransaction()
	e, _ := a.CreateRecord()
	if err := e.SetRawFileName([]byte("abc")); err != nil {
		t.Fatal(err)
	}
	if e.FileName() != "ABC" || string(e.RawFileName()) != "abc" {
		t.Errorf("got %q / %q", e.FileName(), e.RawFileName())
	}
	a.CancelTransaction()
}
