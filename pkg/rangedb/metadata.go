package rangedb

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/syndtr/goleveldb/leveldb/util"

	"whoisrdap/pkg/model"
	"whoisrdap/pkg/util/ipcodec"
	"whoisrdap/pkg/util/logging"
)

// SchemaVersion is the on-disk layout version written by this package
const SchemaVersion = 1

// Metadata keys
const (
	metaKeySchema    = "schema"
	metaKeyCreatedAt = "created_at"
	metaKeyMaxSpan   = "max_span"
)

func utilPrefix(prefix string) *util.Range {
	return util.BytesPrefix([]byte(prefix))
}

// SetMetadata sets a metadata key-value pair
func (d *DB) SetMetadata(key, value string) error {
	return d.Put(ipcodec.MetaKey(key), []byte(value))
}

// GetMetadata retrieves a metadata value
func (d *DB) GetMetadata(key string) (string, error) {
	value, err := d.Get(ipcodec.MetaKey(key))
	if err != nil {
		return "", err
	}
	return string(value), nil
}

// GetSchemaVersion retrieves the database schema version
func (d *DB) GetSchemaVersion() (int, error) {
	value, err := d.GetMetadata(metaKeySchema)
	if err != nil || value == "" {
		return 0, err
	}
	version, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid schema version: %w", err)
	}
	return version, nil
}

// GetCreatedAt retrieves the database creation time
func (d *DB) GetCreatedAt() (time.Time, error) {
	value, err := d.GetMetadata(metaKeyCreatedAt)
	if err != nil || value == "" {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, value)
}

// ensureMetadata stamps a fresh database and rejects one written by a newer
// layout
func (d *DB) ensureMetadata(now time.Time) error {
	version, err := d.GetSchemaVersion()
	if err != nil {
		return err
	}
	if version > SchemaVersion {
		return fmt.Errorf("%w: schema version %d is newer than supported %d",
			model.ErrStoreUnavailable, version, SchemaVersion)
	}
	if version == SchemaVersion {
		return nil
	}

	logging.For("rangedb").Info("initializing cache database", "path", d.path, "schema", SchemaVersion)
	if err := d.SetMetadata(metaKeyCreatedAt, now.UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return d.SetMetadata(metaKeySchema, strconv.Itoa(SchemaVersion))
}

// loadMaxSpan reads the widest stored range. Databases without the
// metadata entry are scanned once and stamped.
func (d *DB) loadMaxSpan() error {
	value, err := d.Get(ipcodec.MetaKey(metaKeyMaxSpan))
	if err != nil {
		return err
	}
	var span model.Key
	if len(value) == len(span) {
		copy(span[:], value)
		d.maxSpan.Store(&span)
		return nil
	}

	iter := d.newIterator(utilPrefix(ipcodec.PrefixContain))
	defer iter.Release()
	for iter.Next() {
		rng, _, err := ipcodec.ParseIndexEntry(iter.Key()[len(ipcodec.PrefixContain):])
		if err != nil {
			return fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
		}
		if s := ipcodec.Span(rng); s.Compare(span) > 0 {
			span = s
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("%w: iterator: %w", model.ErrStoreUnavailable, err)
	}

	d.maxSpan.Store(&span)
	return d.Put(ipcodec.MetaKey(metaKeyMaxSpan), span[:])
}

// MaxSpan returns High-Low of the widest stored range
func (d *DB) MaxSpan() model.Key {
	if span := d.maxSpan.Load(); span != nil {
		return *span
	}
	return model.Key{}
}

// Stats computes database statistics
func (d *DB) Stats(ctx context.Context) (*model.Stats, error) {
	stats := &model.Stats{Backend: "leveldb"}

	version, err := d.GetSchemaVersion()
	if err != nil {
		logging.For("rangedb").Warn("failed to get schema version", "err", err)
	}
	stats.SchemaVersion = version

	createdAt, err := d.GetCreatedAt()
	if err != nil {
		logging.For("rangedb").Warn("failed to get created_at", "err", err)
	}
	stats.CreatedAt = createdAt

	err = d.IterateRecords(ctx, func(rec *model.NetworkRecord) error {
		stats.TotalRecords++
		if rec.Range.Low.Addr().Is4In6() && rec.Range.High.Addr().Is4In6() {
			stats.IPv4Records++
		} else {
			stats.IPv6Records++
		}
		if stats.OldestValidated.IsZero() || rec.ValidatedAt.Before(stats.OldestValidated) {
			stats.OldestValidated = rec.ValidatedAt
		}
		if rec.ValidatedAt.After(stats.NewestValidated) {
			stats.NewestValidated = rec.ValidatedAt
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}

	return stats, nil
}
