package rangedb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"

	"whoisrdap/pkg/metrics"
	"whoisrdap/pkg/model"
	"whoisrdap/pkg/sources/rdap"
	"whoisrdap/pkg/util/ipcodec"
)

// UpsertRevalidate merges a fetched record into the database. Records are
// identified by their natural key: an existing record keeps its ID and has
// its validation window widened, a new one is inserted with both timestamps
// set to observedAt. Writers are serialized from the natural-key read to a
// single batch write.
func (d *DB) UpsertRevalidate(ctx context.Context, rng model.AddrRange, doc model.Document, observedAt time.Time) (*model.NetworkRecord, error) {
	canon, err := rdap.NaturalKey(rng, doc)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, errClosed
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	batch := new(leveldb.Batch)
	rec, inserted, err := d.prepareUpsert(batch, canon, doc, observedAt)
	if err != nil {
		return nil, err
	}

	span := ipcodec.Span(canon.Range)
	widened := inserted && span.Compare(d.MaxSpan()) > 0
	if widened {
		batch.Put(ipcodec.MetaKey(metaKeyMaxSpan), span[:])
	}

	if err := d.db.Write(batch, nil); err != nil {
		return nil, fmt.Errorf("%w: write: %w", model.ErrStoreUnavailable, err)
	}
	if widened {
		d.maxSpan.Store(&span)
	}

	if inserted {
		metrics.UpsertsTotal.WithLabelValues("inserted").Inc()
	} else {
		metrics.UpsertsTotal.WithLabelValues("revalidated").Inc()
	}
	return rec, nil
}

// prepareUpsert resolves the natural key and queues the writes for the
// merged record. It must be called with d.writeMu held.
func (d *DB) prepareUpsert(batch *leveldb.Batch, canon *rdap.Canonical, doc model.Document, observedAt time.Time) (*model.NetworkRecord, bool, error) {
	observedAt = observedAt.UTC()

	rec := &model.NetworkRecord{
		Range:       canon.Range,
		RDAP:        doc,
		Fingerprint: canon.Fingerprint,
		ValidatedAt: observedAt,
		FirstSeen:   observedAt,
	}

	idBytes, err := d.db.Get(ipcodec.NaturalKey(canon.Fingerprint), nil)
	switch {
	case err == leveldb.ErrNotFound:
		rec.ID = model.RecordID(uuid.NewString())
		batch.Put(ipcodec.NaturalKey(canon.Fingerprint), []byte(rec.ID))
		if err := putRecord(batch, rec, canon.Body); err != nil {
			return nil, false, err
		}
		return rec, true, nil

	case err != nil:
		return nil, false, fmt.Errorf("%w: natural key lookup: %w", model.ErrStoreUnavailable, err)
	}

	rec.ID = model.RecordID(idBytes)
	value, err := d.db.Get(ipcodec.RecordKey(string(rec.ID)), nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: record %s: %w", model.ErrStoreUnavailable, rec.ID, err)
	}
	stored, err := decodeStored(value)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
	}

	prevValidated := time.Unix(0, stored.ValidatedAt).UTC()
	prevFirst := time.Unix(0, stored.FirstSeen).UTC()
	if prevValidated.After(rec.ValidatedAt) {
		rec.ValidatedAt = prevValidated
	}
	if prevFirst.Before(rec.FirstSeen) {
		rec.FirstSeen = prevFirst
	}

	if err := putRecord(batch, rec, canon.Body); err != nil {
		return nil, false, err
	}
	return rec, false, nil
}

// putRecord queues the record body and its containment entry
func putRecord(batch *leveldb.Batch, rec *model.NetworkRecord, body []byte) error {
	value, err := encodeRecord(rec, body)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	batch.Put(ipcodec.RecordKey(string(rec.ID)), value)
	batch.Put(ipcodec.ContainKey(rec.Range, string(rec.ID)), encodeTimestamp(rec.ValidatedAt))
	return nil
}

// GetRecord loads a record by ID
func (d *DB) GetRecord(id model.RecordID) (*model.NetworkRecord, error) {
	value, err := d.Get(ipcodec.RecordKey(string(id)))
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, model.ErrNotFound
	}
	return decodeRecord(id, value)
}

// IterateRecords calls fn for every stored record in ID order
func (d *DB) IterateRecords(ctx context.Context, fn func(*model.NetworkRecord) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return errClosed
	}

	iter := d.newIterator(utilPrefix(ipcodec.PrefixRecord))
	defer iter.Release()

	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := model.RecordID(iter.Key()[len(ipcodec.PrefixRecord):])
		rec, err := decodeRecord(id, iter.Value())
		if err != nil {
			return fmt.Errorf("record %s: %w", id, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return iter.Error()
}
