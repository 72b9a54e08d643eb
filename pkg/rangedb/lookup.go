package rangedb

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb/util"

	"whoisrdap/pkg/model"
	"whoisrdap/pkg/util/ipcodec"
	"whoisrdap/pkg/util/logging"
)

// FindContaining returns the most specific record containing key that was
// validated within horizon of now, or nil if there is none.
//
// Containment entries sort by low ascending and high descending, so a
// reverse scan from the largest low <= key meets candidates from most to
// least specific. The first containing fresh entry fixes (low, high); other
// records with the same bounds are compared by validation time. No range
// containing key starts below key minus the widest stored span, which
// bounds the scan on a miss.
func (d *DB) FindContaining(ctx context.Context, key model.Key, horizon time.Duration, now time.Time) (*model.NetworkRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, errClosed
	}

	cutoff := now.Add(-horizon).UnixNano()
	floor := ipcodec.ScanFloor(key, d.MaxSpan())
	slice := &util.Range{
		Start: append([]byte(ipcodec.PrefixContain), floor[:]...),
		Limit: append([]byte(ipcodec.PrefixContain), ipcodec.IndexCeiling(key)...),
	}

	iter := d.newIterator(slice)
	defer iter.Release()

	var (
		best       model.AddrRange
		bestID     string
		bestTS     int64
		found      bool
		prefixSize = len(ipcodec.PrefixContain)
	)

	for ok := iter.Last(); ok; ok = iter.Prev() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rng, id, err := ipcodec.ParseIndexEntry(iter.Key()[prefixSize:])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
		}
		if found && rng != best {
			break
		}
		if !rng.Contains(key) {
			continue
		}

		validated := decodeTimestamp(iter.Value())
		if validated < cutoff {
			continue
		}
		if !found || validated > bestTS {
			best, bestID, bestTS, found = rng, id, validated, true
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: iterator: %w", model.ErrStoreUnavailable, err)
	}
	if !found {
		return nil, nil
	}

	value, err := d.db.Get(ipcodec.RecordKey(bestID), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: record %s: %w", model.ErrStoreUnavailable, bestID, err)
	}
	rec, err := decodeRecord(model.RecordID(bestID), value)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
	}

	logging.For("rangedb").Debug("containment hit", "key", key, "range", rec.Range, "id", rec.ID)
	return rec, nil
}

func encodeTimestamp(t time.Time) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(t.UnixNano()))
	return b
}

func decodeTimestamp(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}
