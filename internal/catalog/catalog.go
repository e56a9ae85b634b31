// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package catalog keeps the listings of archives that have been scanned,
// so that entries can be found again without reopening every archive.
//
// Listings are keyed by a hash of the archive's contents, so a file that
// moves keeps its listing and a file that changes gets a new one.
package catalog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble/v2"
	"github.com/dgryski/go-tinylfu"
	"github.com/fxamacker/cbor/v2"

	"github.com/elliotnunn/diskarc/archive"
)

const (
	listingPrefix = "l/"
	pathPrefix    = "p/"
	cacheSize     = 256
)

// Listing is what the catalog remembers about one archive.
type Listing struct {
	Fingerprint uint64    `cbor:"1,keyasint"`
	Path        string    `cbor:"2,keyasint"`
	Size        int64     `cbor:"3,keyasint"`
	Kind        string    `cbor:"4,keyasint"`
	Dubious     bool      `cbor:"5,keyasint,omitempty"`
	Notes       []string  `cbor:"6,keyasint,omitempty"`
	Entries     []Row     `cbor:"7,keyasint"`
	Indexed     time.Time `cbor:"8,keyasint"`
}

// Row is one entry of a listed archive. Name uses '/' between path components.
type Row struct {
	Name       string    `cbor:"1,keyasint"`
	Dir        bool      `cbor:"2,keyasint,omitempty"`
	FileType   uint8     `cbor:"3,keyasint,omitempty"`
	AuxType    uint16    `cbor:"4,keyasint,omitempty"`
	HFSType    uint32    `cbor:"5,keyasint,omitempty"`
	HFSCreator uint32    `cbor:"6,keyasint,omitempty"`
	Modified   time.Time `cbor:"7,keyasint,omitempty"`
	DataLen    int64     `cbor:"8,keyasint"`
	RsrcLen    int64     `cbor:"9,keyasint,omitempty"`
	Dubious    bool      `cbor:"10,keyasint,omitempty"`
	Damaged    bool      `cbor:"11,keyasint,omitempty"`
}

var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// A Catalog is safe for concurrent use by multiple goroutines.
type Catalog struct {
	db     *pebble.DB
	logger *slog.Logger

	mu    sync.Mutex
	cache *tinylfu.T[uint64, *Listing]
}

// Open opens or creates a catalog in dir.
func Open(dir string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	return &Catalog{
		db:     db,
		logger: logger,
		cache:  tinylfu.New[uint64, *Listing](cacheSize, cacheSize*10, func(k uint64) uint64 { return k }),
	}, nil
}

func (c *Catalog) Close() error { return c.db.Close() }

// Fingerprint hashes the whole of an archive.
func Fingerprint(r io.ReaderAt, size int64) (uint64, error) {
	d := xxhash.New()
	if _, err := io.Copy(d, io.NewSectionReader(r, 0, size)); err != nil {
		return 0, err
	}
	return d.Sum64(), nil
}

func listingKey(fp uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte(listingPrefix), fp)
}

func pathKey(path string) []byte { return []byte(pathPrefix + path) }

// MakeListing summarizes an open archive.
func MakeListing(a archive.Archive, fp uint64, path string, size int64) *Listing {
	l := &Listing{
		Fingerprint: fp,
		Path:        path,
		Size:        size,
		Kind:        a.Kind().String(),
		Dubious:     a.IsDubious(),
		Indexed:     time.Now().UTC(),
	}
	for _, n := range a.Notes().All() {
		if n.Level > archive.Info {
			l.Notes = append(l.Notes, n.String())
		}
	}
	for _, e := range a.Entries() {
		l.Entries = append(l.Entries, Row{
			Name:       SlashName(e),
			Dir:        e.IsDirectory(),
			FileType:   e.FileType(),
			AuxType:    e.AuxType(),
			HFSType:    e.HFSFileType(),
			HFSCreator: e.HFSCreator(),
			Modified:   e.ModWhen().UTC(),
			DataLen:    e.DataLength(),
			RsrcLen:    e.RsrcLength(),
			Dubious:    e.IsDubious(),
			Damaged:    e.IsDamaged(),
		})
	}
	return l
}

// SlashName rewrites an entry's name with '/' between components.
func SlashName(e archive.Entry) string {
	name := e.FileName()
	if sep := e.DirSeparator(); sep != 0 && sep != '/' {
		name = strings.ReplaceAll(name, "/", ":")
		name = strings.ReplaceAll(name, string(rune(sep)), "/")
	}
	return name
}

// Put stores a listing and points its path at it.
func (c *Catalog) Put(l *Listing) error {
	val, err := encMode.Marshal(l)
	if err != nil {
		return err
	}
	b := c.db.NewBatch()
	defer b.Close()
	b.Set(listingKey(l.Fingerprint), val, nil)
	b.Set(pathKey(l.Path), binary.BigEndian.AppendUint64(nil, l.Fingerprint), nil)
	if err := b.Commit(pebble.Sync); err != nil {
		return err
	}
	c.mu.Lock()
	c.cache.Add(l.Fingerprint, l)
	c.mu.Unlock()
	c.logger.Debug("catalogPut", "path", l.Path, "fingerprint", fmt.Sprintf("%016x", l.Fingerprint), "entries", len(l.Entries))
	return nil
}

// Get finds a listing by fingerprint.
func (c *Catalog) Get(fp uint64) (*Listing, bool, error) {
	c.mu.Lock()
	l, ok := c.cache.Get(fp)
	c.mu.Unlock()
	if ok {
		return l, true, nil
	}

	val, closer, err := c.db.Get(listingKey(fp))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	l = new(Listing)
	if err := cbor.Unmarshal(val, l); err != nil {
		return nil, false, fmt.Errorf("catalog entry %016x: %w", fp, err)
	}
	c.mu.Lock()
	c.cache.Add(fp, l)
	c.mu.Unlock()
	return l, true, nil
}

// Lookup finds the listing last stored for a path.
func (c *Catalog) Lookup(path string) (*Listing, bool, error) {
	val, closer, err := c.db.Get(pathKey(path))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	if len(val) != 8 {
		closer.Close()
		return nil, false, fmt.Errorf("catalog path %q: bad fingerprint", path)
	}
	fp := binary.BigEndian.Uint64(val)
	closer.Close()
	return c.Get(fp)
}

// Forget removes a path. The listing stays, since other paths may share it.
func (c *Catalog) Forget(path string) error {
	return c.db.Delete(pathKey(path), pebble.Sync)
}

// All calls fn for every stored listing until fn returns false.
func (c *Catalog) All(fn func(*Listing) bool) error {
	it, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(listingPrefix),
		UpperBound: []byte(prefixEnd(listingPrefix)),
	})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		l := new(Listing)
		if err := cbor.Unmarshal(it.Value(), l); err != nil {
			c.logger.Warn("catalogCorrupt", "key", fmt.Sprintf("%x", it.Key()), "err", err)
			continue
		}
		if !fn(l) {
			break
		}
	}
	return it.Error()
}

func prefixEnd(p string) string {
	return p[:len(p)-1] + string(p[len(p)-1]+1)
}
