package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"whoisrdap/pkg/metrics"
	"whoisrdap/pkg/model"
	"whoisrdap/pkg/sources/rdap"
	"whoisrdap/pkg/util/ipcodec"
	"whoisrdap/pkg/util/logging"
)

// DefaultPrefix namespaces every key written by the store
const DefaultPrefix = "whoisrdap:"

// SchemaVersion is the key layout version written by this package
const SchemaVersion = 1

const scanPage = 64

// Keys:
//
//	<p>idx        sorted set, all scores 0, members low ‖ ^high ‖ id
//	<p>nat        hash fingerprint -> id
//	<p>rec:<id>   hash low, high, rdap, fp, validated_at, first_seen
//	<p>meta       hash schema, created_at
//	<p>spans      sorted set, all scores 0, members High-Low of stored ranges
//
// Members sharing score 0 are ordered lexicographically, which for the
// fixed-width prefix is address order.
var luaUpsertScript = `
local id = redis.call('HGET', KEYS[1], ARGV[1])
if not id then
	id = ARGV[2]
	redis.call('HSET', KEYS[1], ARGV[1], id)
	redis.call('HSET', ARGV[7] .. id,
		'low', ARGV[3], 'high', ARGV[4], 'rdap', ARGV[5], 'fp', ARGV[1],
		'validated_at', ARGV[6], 'first_seen', ARGV[6])
	redis.call('ZADD', KEYS[2], 0, ARGV[8] .. id)
	redis.call('ZADD', KEYS[3], 0, ARGV[9])
	return {id, ARGV[6], ARGV[6], 1}
end

local rec = ARGV[7] .. id
local ts = tonumber(ARGV[6])
local validated = tonumber(redis.call('HGET', rec, 'validated_at'))
local first = tonumber(redis.call('HGET', rec, 'first_seen'))
if ts > validated then validated = ts end
if ts < first then first = ts end
validated = string.format('%.0f', validated)
first = string.format('%.0f', first)
redis.call('HSET', rec, 'validated_at', validated, 'first_seen', first)
return {id, validated, first, 0}
`

// Store is a Redis-backed network record cache for a single Redis
// instance. The upsert script touches record keys it derives itself, so
// the store does not support Redis Cluster.
type Store struct {
	client *redis.Client
	prefix string
	upsert *redis.Script
}

// Open parses a redis:// URL, connects and stamps the metadata
func Open(ctx context.Context, redisURL string) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse Redis URL: %w", model.ErrStoreUnavailable, err)
	}

	s, err := New(ctx, redis.NewClient(opt), DefaultPrefix)
	if err != nil {
		return nil, err
	}
	logging.For("redisstore").Info("Redis cache opened", "addr", opt.Addr, "db", opt.DB)
	return s, nil
}

// New wraps an existing client. Closing the store closes the client.
func New(ctx context.Context, client *redis.Client, prefix string) (*Store, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: failed to connect to Redis: %w", model.ErrStoreUnavailable, err)
	}

	s := &Store{
		client: client,
		prefix: prefix,
		upsert: redis.NewScript(luaUpsertScript),
	}
	if err := s.ensureMetadata(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) idxKey() string          { return s.prefix + "idx" }
func (s *Store) natKey() string          { return s.prefix + "nat" }
func (s *Store) metaKey() string         { return s.prefix + "meta" }
func (s *Store) spansKey() string        { return s.prefix + "spans" }
func (s *Store) recPrefix() string       { return s.prefix + "rec:" }
func (s *Store) recKey(id string) string { return s.recPrefix() + id }

func (s *Store) ensureMetadata(ctx context.Context) error {
	current, err := s.client.HGet(ctx, s.metaKey(), "schema").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("%w: read metadata: %w", model.ErrStoreUnavailable, err)
	}
	if v, _ := strconv.Atoi(current); v > SchemaVersion {
		return fmt.Errorf("%w: schema version %d is newer than supported %d",
			model.ErrStoreUnavailable, v, SchemaVersion)
	}

	pipe := s.client.TxPipeline()
	pipe.HSetNX(ctx, s.metaKey(), "schema", strconv.Itoa(SchemaVersion))
	pipe.HSetNX(ctx, s.metaKey(), "created_at", time.Now().UTC().Format(time.RFC3339))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: write metadata: %w", model.ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the client
func (s *Store) Close() error {
	return s.client.Close()
}

// UpsertRevalidate runs the merge as one server-side script
func (s *Store) UpsertRevalidate(ctx context.Context, rng model.AddrRange, doc model.Document, observedAt time.Time) (*model.NetworkRecord, error) {
	canon, err := rdap.NaturalKey(rng, doc)
	if err != nil {
		return nil, err
	}

	ts := strconv.FormatInt(observedAt.UnixMilli(), 10)
	span := ipcodec.Span(rng)
	res, err := s.upsert.Run(ctx, s.client,
		[]string{s.natKey(), s.idxKey(), s.spansKey()},
		canon.Fingerprint,
		uuid.NewString(),
		string(rng.Low[:]),
		string(rng.High[:]),
		string(canon.Body),
		ts,
		s.recPrefix(),
		string(ipcodec.IndexEntry(rng, "")),
		string(span[:]),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("%w: upsert script: %w", model.ErrStoreUnavailable, err)
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("%w: upsert script returned %d values", model.ErrStoreUnavailable, len(res))
	}

	id, _ := res[0].(string)
	validated, err1 := strconv.ParseInt(fmt.Sprint(res[1]), 10, 64)
	first, err2 := strconv.ParseInt(fmt.Sprint(res[2]), 10, 64)
	if id == "" || err1 != nil || err2 != nil {
		return nil, fmt.Errorf("%w: malformed upsert reply %v", model.ErrStoreUnavailable, res)
	}

	if inserted, _ := res[3].(int64); inserted == 1 {
		metrics.UpsertsTotal.WithLabelValues("inserted").Inc()
	} else {
		metrics.UpsertsTotal.WithLabelValues("revalidated").Inc()
	}

	return &model.NetworkRecord{
		ID:          model.RecordID(id),
		Range:       rng,
		RDAP:        doc,
		Fingerprint: canon.Fingerprint,
		ValidatedAt: time.UnixMilli(validated).UTC(),
		FirstSeen:   time.UnixMilli(first).UTC(),
	}, nil
}

// FindContaining scans the index downward from key in pages, stopping at
// key minus the widest stored span. Entries come back most specific first;
// validation times are fetched per page with one pipeline.
func (s *Store) FindContaining(ctx context.Context, key model.Key, horizon time.Duration, now time.Time) (*model.NetworkRecord, error) {
	cutoff := now.Add(-horizon).UnixMilli()
	by := &redis.ZRangeBy{
		Max:   "(" + string(ipcodec.IndexCeiling(key)),
		Min:   "-",
		Count: scanPage,
	}

	widest, err := s.client.ZRevRangeByLex(ctx, s.spansKey(), &redis.ZRangeBy{Max: "+", Min: "-", Count: 1}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: read spans: %w", model.ErrStoreUnavailable, err)
	}
	if len(widest) == 1 && len(widest[0]) == len(key) {
		var span model.Key
		copy(span[:], widest[0])
		floor := ipcodec.ScanFloor(key, span)
		by.Min = "[" + string(floor[:])
	}

	var (
		best   model.AddrRange
		bestID string
		bestTS int64
		found  bool
	)

scan:
	for {
		members, err := s.client.ZRevRangeByLex(ctx, s.idxKey(), by).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: scan index: %w", model.ErrStoreUnavailable, err)
		}

		type candidate struct {
			rng model.AddrRange
			id  string
			ts  *redis.StringCmd
		}
		var candidates []candidate
		pipe := s.client.Pipeline()
		for _, m := range members {
			rng, id, err := ipcodec.ParseIndexEntry([]byte(m))
			if err != nil {
				return nil, fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
			}
			if found && rng != best {
				break
			}
			if !rng.Contains(key) {
				continue
			}
			candidates = append(candidates, candidate{rng: rng, id: id, ts: pipe.HGet(ctx, s.recKey(id), "validated_at")})
		}
		if len(candidates) > 0 {
			if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
				return nil, fmt.Errorf("%w: read validation times: %w", model.ErrStoreUnavailable, err)
			}
		}

		for _, c := range candidates {
			if found && c.rng != best {
				break scan
			}
			ts, err := c.ts.Int64()
			if err != nil || ts < cutoff {
				continue
			}
			if !found || ts > bestTS {
				best, bestID, bestTS, found = c.rng, c.id, ts, true
			}
		}

		if len(members) < scanPage {
			break
		}
		if found {
			last, _, _ := ipcodec.ParseIndexEntry([]byte(members[len(members)-1]))
			if last != best {
				break
			}
		}
		by.Offset += scanPage
	}

	if !found {
		return nil, nil
	}
	return s.GetRecord(ctx, model.RecordID(bestID))
}

// GetRecord loads a record by ID
func (s *Store) GetRecord(ctx context.Context, id model.RecordID) (*model.NetworkRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.recKey(string(id))).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %w", model.ErrStoreUnavailable, id, err)
	}
	if len(fields) == 0 {
		return nil, model.ErrNotFound
	}
	return decodeRecord(id, fields)
}

func decodeRecord(id model.RecordID, fields map[string]string) (*model.NetworkRecord, error) {
	low, high := fields["low"], fields["high"]
	if len(low) != 16 || len(high) != 16 {
		return nil, fmt.Errorf("%w: corrupt bounds for %s", model.ErrInvalidRange, id)
	}
	doc, err := rdap.DecodeDocumentBytes([]byte(fields["rdap"]))
	if err != nil {
		return nil, err
	}
	validated, _ := strconv.ParseInt(fields["validated_at"], 10, 64)
	first, _ := strconv.ParseInt(fields["first_seen"], 10, 64)

	rec := &model.NetworkRecord{
		ID:          id,
		RDAP:        doc,
		Fingerprint: fields["fp"],
		ValidatedAt: time.UnixMilli(validated).UTC(),
		FirstSeen:   time.UnixMilli(first).UTC(),
	}
	copy(rec.Range.Low[:], low)
	copy(rec.Range.High[:], high)
	return rec, nil
}

// Stats walks the index and reads every record's validation time
func (s *Store) Stats(ctx context.Context) (*model.Stats, error) {
	stats := &model.Stats{Backend: "redis"}

	meta, err := s.client.HGetAll(ctx, s.metaKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: read metadata: %w", model.ErrStoreUnavailable, err)
	}
	stats.SchemaVersion, _ = strconv.Atoi(meta["schema"])
	stats.CreatedAt, _ = time.Parse(time.RFC3339, meta["created_at"])

	const page = 500
	for start := int64(0); ; start += page {
		members, err := s.client.ZRange(ctx, s.idxKey(), start, start+page-1).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: scan index: %w", model.ErrStoreUnavailable, err)
		}

		pipe := s.client.Pipeline()
		cmds := make([]*redis.StringCmd, len(members))
		for i, m := range members {
			rng, id, err := ipcodec.ParseIndexEntry([]byte(m))
			if err != nil {
				return nil, fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
			}
			stats.TotalRecords++
			if rng.Low.Addr().Is4In6() && rng.High.Addr().Is4In6() {
				stats.IPv4Records++
			} else {
				stats.IPv6Records++
			}
			cmds[i] = pipe.HGet(ctx, s.recKey(id), "validated_at")
		}
		if len(members) > 0 {
			if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
				return nil, fmt.Errorf("%w: read validation times: %w", model.ErrStoreUnavailable, err)
			}
		}
		for _, cmd := range cmds {
			ms, err := cmd.Int64()
			if err != nil {
				continue
			}
			t := time.UnixMilli(ms).UTC()
			if stats.OldestValidated.IsZero() || t.Before(stats.OldestValidated) {
				stats.OldestValidated = t
			}
			if t.After(stats.NewestValidated) {
				stats.NewestValidated = t
			}
		}

		if len(members) < page {
			break
		}
	}
	return stats, nil
}
