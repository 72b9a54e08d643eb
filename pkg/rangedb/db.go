// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Mark Feghali

package rangedb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/vmihailenco/msgpack/v5"

	"whoisrdap/pkg/model"
	"whoisrdap/pkg/sources/rdap"
)

var errClosed = fmt.Errorf("%w: %w", model.ErrStoreUnavailable, model.ErrDatabaseClosed)

// DB is a LevelDB-backed network record cache
type DB struct {
	db     *leveldb.DB
	mu     sync.RWMutex
	path   string
	closed bool

	// writeMu serializes upserts between the natural-key read and the
	// batch write
	writeMu sync.Mutex
	// maxSpan is the widest High-Low of any stored range
	maxSpan atomic.Pointer[model.Key]
}

// Open opens or creates a LevelDB database at the specified path
func Open(path string) (*DB, error) {
	opts := &opt.Options{
		Compression: opt.SnappyCompression,
		WriteBuffer: 16 * 1024 * 1024,
	}

	db, err := leveldb.OpenFile(path, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", model.ErrStoreUnavailable, err)
	}

	d := &DB{
		db:   db,
		path: path,
	}
	if err := d.ensureMetadata(time.Now()); err != nil {
		db.Close()
		return nil, err
	}
	if err := d.loadMaxSpan(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the database
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return model.ErrDatabaseClosed
	}

	d.closed = true
	return d.db.Close()
}

// IsClosed returns true if the database is closed
func (d *DB) IsClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

// Path returns the database path
func (d *DB) Path() string {
	return d.path
}

// Get retrieves a value by key, nil if absent
func (d *DB) Get(key []byte) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, errClosed
	}

	value, err := d.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get failed: %w", model.ErrStoreUnavailable, err)
	}
	return value, nil
}

// Put stores a key-value pair
func (d *DB) Put(key, value []byte) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return errClosed
	}

	if err := d.db.Put(key, value, nil); err != nil {
		return fmt.Errorf("%w: put failed: %w", model.ErrStoreUnavailable, err)
	}
	return nil
}

// newIterator must be called with d.mu held
func (d *DB) newIterator(slice *util.Range) iterator.Iterator {
	return d.db.NewIterator(slice, nil)
}

// CompactDB forces compaction of the database
func (d *DB) CompactDB(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return errClosed
	}

	return d.db.CompactRange(util.Range{Start: nil, Limit: nil})
}

// storedRecord is the msgpack form of a NetworkRecord. The document is kept
// as its canonical JSON so the stored bytes are the natural key input.
type storedRecord struct {
	Low         []byte
	High        []byte
	Body        []byte
	Fingerprint string
	ValidatedAt int64 // Unix nanoseconds
	FirstSeen   int64
}

func encodeRecord(rec *model.NetworkRecord, body []byte) ([]byte, error) {
	return msgpack.Marshal(&storedRecord{
		Low:         rec.Range.Low[:],
		High:        rec.Range.High[:],
		Body:        body,
		Fingerprint: rec.Fingerprint,
		ValidatedAt: rec.ValidatedAt.UnixNano(),
		FirstSeen:   rec.FirstSeen.UnixNano(),
	})
}

func decodeStored(data []byte) (*storedRecord, error) {
	var stored storedRecord
	if err := msgpack.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	if len(stored.Low) != 16 || len(stored.High) != 16 {
		return nil, fmt.Errorf("%w: corrupt record bounds", model.ErrInvalidRange)
	}
	return &stored, nil
}

func decodeRecord(id model.RecordID, data []byte) (*model.NetworkRecord, error) {
	stored, err := decodeStored(data)
	if err != nil {
		return nil, err
	}

	doc, err := rdap.DecodeDocumentBytes(stored.Body)
	if err != nil {
		return nil, err
	}

	rec := &model.NetworkRecord{
		ID:          id,
		RDAP:        doc,
		Fingerprint: stored.Fingerprint,
		ValidatedAt: time.Unix(0, stored.ValidatedAt).UTC(),
		FirstSeen:   time.Unix(0, stored.FirstSeen).UTC(),
	}
	copy(rec.Range.Low[:], stored.Low)
	copy(rec.Range.High[:], stored.High)
	return rec, nil
}
