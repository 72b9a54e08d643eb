// Package storetest is a conformance suite shared by every store backend.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"whoisrdap/pkg/model"
	"whoisrdap/pkg/store"
	"whoisrdap/pkg/util/ipcodec"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

var base = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

// Network builds a decoded ip network document the way an RDAP server
// would return it, links and role order included
func Network(version, start, end, name string, roles ...string) model.Document {
	r := make([]any, len(roles))
	for i, role := range roles {
		r[i] = role
	}
	return model.Document{
		"objectClassName": "ip network",
		"handle":          start + " - " + end,
		"ipVersion":       version,
		"startAddress":    start,
		"endAddress":      end,
		"name":            name,
		"links": []any{
			map[string]any{"rel": "self", "href": "https://rdap.example/ip/" + start},
		},
		"entities": []any{
			map[string]any{
				"handle": "ORG-" + name,
				"roles":  r,
				"links":  []any{map[string]any{"rel": "self", "href": "https://rdap.example/entity/ORG-" + name}},
			},
		},
	}
}

func mustRange(t *testing.T, low, high string) model.AddrRange {
	t.Helper()
	var r model.AddrRange
	var err error
	if r.Low, err = ipcodec.ParseKey(low); err != nil {
		t.Fatalf("bad low %q: %v", low, err)
	}
	if r.High, err = ipcodec.ParseKey(high); err != nil {
		t.Fatalf("bad high %q: %v", high, err)
	}
	return r
}

func mustKey(t *testing.T, s string) model.Key {
	t.Helper()
	k, err := ipcodec.ParseKey(s)
	if err != nil {
		t.Fatalf("bad key %q: %v", s, err)
	}
	return k
}

func upsert(t *testing.T, s store.Store, version, low, high, name string, at time.Time, roles ...string) *model.NetworkRecord {
	t.Helper()
	rec, err := s.UpsertRevalidate(context.Background(), mustRange(t, low, high), Network(version, low, high, name, roles...), at)
	if err != nil {
		t.Fatalf("UpsertRevalidate(%s-%s) failed: %v", low, high, err)
	}
	if rec.ID == "" {
		t.Fatalf("UpsertRevalidate(%s-%s) returned an empty ID", low, high)
	}
	return rec
}

func find(t *testing.T, s store.Store, addr string, horizon time.Duration, now time.Time) *model.NetworkRecord {
	t.Helper()
	rec, err := s.FindContaining(context.Background(), mustKey(t, addr), horizon, now)
	if err != nil {
		t.Fatalf("FindContaining(%s) failed: %v", addr, err)
	}
	return rec
}

// Run executes the suite, one fresh store per subtest
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"EmptyStore", testEmpty},
		{"Containment", testContainment},
		{"Specificity", testSpecificity},
		{"WideRangeFarEnd", testWideRangeFarEnd},
		{"Freshness", testFreshness},
		{"IdempotentUpsert", testIdempotentUpsert},
		{"DistinctDocuments", testDistinctDocuments},
		{"IPv6AndMapped", testIPv6},
		{"ConcurrentUpsert", testConcurrentUpsert},
		{"Stats", testStats},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

func testEmpty(t *testing.T, s store.Store) {
	if rec := find(t, s, "8.8.8.8", time.Hour, base); rec != nil {
		t.Errorf("empty store returned %+v", rec)
	}
}

func testContainment(t *testing.T, s store.Store) {
	rec := upsert(t, s, "v4", "8.8.8.0", "8.8.8.255", "GOOGLE", base, "registrant")

	for _, addr := range []string{"8.8.8.0", "8.8.8.8", "8.8.8.255", "::ffff:8.8.8.7"} {
		got := find(t, s, addr, time.Hour, base.Add(time.Minute))
		if got == nil {
			t.Errorf("%s: expected a hit", addr)
			continue
		}
		if got.ID != rec.ID {
			t.Errorf("%s: got ID %s, want %s", addr, got.ID, rec.ID)
		}
		if got.Range != rec.Range {
			t.Errorf("%s: got range %v, want %v", addr, got.Range, rec.Range)
		}
		if name, _ := got.RDAP["name"].(string); name != "GOOGLE" {
			t.Errorf("%s: document not returned, name=%v", addr, got.RDAP["name"])
		}
	}

	for _, addr := range []string{"8.8.7.255", "8.8.9.0", "2001:4860::8888"} {
		if got := find(t, s, addr, time.Hour, base); got != nil {
			t.Errorf("%s: unexpected hit %v", addr, got.Range)
		}
	}
}

func testWideRangeFarEnd(t *testing.T, s store.Store) {
	upsert(t, s, "v4", "100.200.0.0", "100.200.0.255", "SMALL", base)
	wide := upsert(t, s, "v4", "100.0.0.0", "100.255.255.255", "WIDE", base)
	upsert(t, s, "v4", "100.250.9.0", "100.250.9.15", "TINY", base)

	for _, addr := range []string{"100.0.0.0", "100.250.1.1", "100.255.255.255"} {
		got := find(t, s, addr, time.Hour, base)
		if got == nil || got.ID != wide.ID {
			t.Errorf("%s: got %v, want the wide range", addr, got)
		}
	}
	if got := find(t, s, "101.0.0.0", time.Hour, base); got != nil {
		t.Errorf("101.0.0.0: unexpected hit %v", got.Range)
	}
}

func testSpecificity(t *testing.T, s store.Store) {
	wide := upsert(t, s, "v4", "8.0.0.0", "8.255.255.255", "LVLT", base)
	mid := upsert(t, s, "v4", "8.8.0.0", "8.8.255.255", "LVLT-GOGL", base)
	narrow := upsert(t, s, "v4", "8.8.8.0", "8.8.8.255", "GOGL", base)
	tight := upsert(t, s, "v4", "8.8.8.0", "8.8.8.127", "GOGL-DNS", base)

	tests := []struct {
		addr string
		want *model.NetworkRecord
	}{
		{"8.8.8.8", tight},
		{"8.8.8.200", narrow},
		{"8.8.9.1", mid},
		{"8.9.0.1", wide},
	}
	for _, tt := range tests {
		got := find(t, s, tt.addr, time.Hour, base)
		if got == nil {
			t.Errorf("%s: expected a hit", tt.addr)
			continue
		}
		if got.ID != tt.want.ID {
			t.Errorf("%s: got %v, want %v", tt.addr, got.Range, tt.want.Range)
		}
	}
}

func testFreshness(t *testing.T, s store.Store) {
	upsert(t, s, "v4", "8.8.0.0", "8.8.255.255", "WIDE", base.Add(2*time.Hour))
	upsert(t, s, "v4", "8.8.8.0", "8.8.8.255", "NARROW", base)

	now := base.Add(3 * time.Hour)

	got := find(t, s, "8.8.8.8", 90*time.Minute, now)
	if got == nil || got.RDAP["name"] != "WIDE" {
		t.Errorf("stale narrow record should yield to the fresh wide one, got %v", got)
	}

	got = find(t, s, "8.8.8.8", 4*time.Hour, now)
	if got == nil || got.RDAP["name"] != "NARROW" {
		t.Errorf("within the horizon the narrow record should win, got %v", got)
	}

	if got := find(t, s, "8.8.8.8", 30*time.Minute, now); got != nil {
		t.Errorf("nothing is fresh within 30m, got %v", got.Range)
	}

	// exactly on the horizon is still fresh
	if got := find(t, s, "8.8.8.8", time.Hour, now); got == nil || got.RDAP["name"] != "WIDE" {
		t.Errorf("record validated exactly at the horizon should be fresh, got %v", got)
	}
}

func testIdempotentUpsert(t *testing.T, s store.Store) {
	t1 := base.Add(time.Hour)
	first := upsert(t, s, "v4", "8.8.8.0", "8.8.8.255", "GOGL", t1, "registrant", "administrative")

	if !first.ValidatedAt.Equal(t1) || !first.FirstSeen.Equal(t1) {
		t.Errorf("new record timestamps: validated %v first %v, want %v", first.ValidatedAt, first.FirstSeen, t1)
	}

	// same network, different links and role order, later observation
	t2 := base.Add(2 * time.Hour)
	doc := Network("v4", "8.8.8.0", "8.8.8.255", "GOGL", "administrative", "registrant")
	doc["links"] = []any{map[string]any{"rel": "self", "href": "https://rdap.example/ip/8.8.8.7"}}
	second, err := s.UpsertRevalidate(context.Background(), mustRange(t, "8.8.8.0", "8.8.8.255"), doc, t2)
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("revalidation changed identity: %s != %s", second.ID, first.ID)
	}
	if !second.ValidatedAt.Equal(t2) || !second.FirstSeen.Equal(t1) {
		t.Errorf("after revalidation: validated %v first %v", second.ValidatedAt, second.FirstSeen)
	}

	// an older observation never moves validated_at backwards but does move first_seen
	third := upsert(t, s, "v4", "8.8.8.0", "8.8.8.255", "GOGL", base, "registrant", "administrative")
	if third.ID != first.ID {
		t.Fatalf("identity changed: %s != %s", third.ID, first.ID)
	}
	if !third.ValidatedAt.Equal(t2) {
		t.Errorf("validated_at regressed to %v", third.ValidatedAt)
	}
	if !third.FirstSeen.Equal(base) {
		t.Errorf("first_seen = %v, want %v", third.FirstSeen, base)
	}

	got := find(t, s, "8.8.8.8", time.Hour, t2.Add(time.Minute))
	if got == nil || got.ID != first.ID {
		t.Fatalf("lookup after revalidation: %v", got)
	}
	if !got.ValidatedAt.Equal(t2) || !got.FirstSeen.Equal(base) {
		t.Errorf("stored timestamps: validated %v first %v", got.ValidatedAt, got.FirstSeen)
	}
	if _, ok := got.RDAP["links"]; ok {
		t.Error("stored document still carries links")
	}

	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalRecords != 1 {
		t.Errorf("got %d records, want 1", stats.TotalRecords)
	}
}

func testDistinctDocuments(t *testing.T, s store.Store) {
	older := upsert(t, s, "v4", "8.8.8.0", "8.8.8.255", "OLD-HOLDER", base)
	newer := upsert(t, s, "v4", "8.8.8.0", "8.8.8.255", "NEW-HOLDER", base.Add(time.Hour))

	if older.ID == newer.ID {
		t.Fatal("different documents for the same range must be different records")
	}

	got := find(t, s, "8.8.8.8", 24*time.Hour, base.Add(2*time.Hour))
	if got == nil || got.ID != newer.ID {
		t.Errorf("equal bounds should resolve to the latest validation, got %v", got)
	}

	// revalidating the older document makes it the latest
	upsert(t, s, "v4", "8.8.8.0", "8.8.8.255", "OLD-HOLDER", base.Add(90*time.Minute))
	got = find(t, s, "8.8.8.8", 24*time.Hour, base.Add(2*time.Hour))
	if got == nil || got.ID != older.ID {
		t.Errorf("revalidated record should win, got %v", got)
	}
}

func testIPv6(t *testing.T, s store.Store) {
	v6 := upsert(t, s, "v6", "2001:4860::", "2001:4860:ffff:ffff:ffff:ffff:ffff:ffff", "GOOGLE-IPV6", base)
	v4 := upsert(t, s, "v4", "8.8.8.0", "8.8.8.255", "GOGL", base)

	if got := find(t, s, "2001:4860:4860::8888", time.Hour, base); got == nil || got.ID != v6.ID {
		t.Errorf("v6 lookup: got %v", got)
	}
	if got := find(t, s, "::ffff:8.8.8.8", time.Hour, base); got == nil || got.ID != v4.ID {
		t.Errorf("mapped lookup: got %v", got)
	}
	if got := find(t, s, "2001:4861::1", time.Hour, base); got != nil {
		t.Errorf("outside v6 block: got %v", got.Range)
	}
}

func testConcurrentUpsert(t *testing.T, s store.Store) {
	const n = 8
	ids := make([]model.RecordID, n)
	errs := make([]error, n)

	rng := mustRange(t, "8.8.8.0", "8.8.8.255")
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			doc := Network("v4", "8.8.8.0", "8.8.8.255", "GOGL", "registrant")
			rec, err := s.UpsertRevalidate(context.Background(), rng, doc, base.Add(time.Duration(i)*time.Second))
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = rec.ID
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("upsert %d failed: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Errorf("upsert %d produced ID %s, want %s", i, ids[i], ids[0])
		}
	}

	got := find(t, s, "8.8.8.8", time.Hour, base)
	if got == nil {
		t.Fatal("expected a hit")
	}
	if !got.ValidatedAt.Equal(base.Add((n-1)*time.Second)) || !got.FirstSeen.Equal(base) {
		t.Errorf("converged timestamps: validated %v first %v", got.ValidatedAt, got.FirstSeen)
	}

	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalRecords != 1 {
		t.Errorf("got %d records, want 1", stats.TotalRecords)
	}
}

func testStats(t *testing.T, s store.Store) {
	upsert(t, s, "v4", "8.8.8.0", "8.8.8.255", "A", base)
	upsert(t, s, "v4", "1.1.1.0", "1.1.1.255", "B", base.Add(time.Hour))
	upsert(t, s, "v6", "2001:4860::", "2001:4860:ffff:ffff:ffff:ffff:ffff:ffff", "C", base.Add(2*time.Hour))

	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalRecords != 3 || stats.IPv4Records != 2 || stats.IPv6Records != 1 {
		t.Errorf("counts: %+v", stats)
	}
	if !stats.OldestValidated.Equal(base) || !stats.NewestValidated.Equal(base.Add(2*time.Hour)) {
		t.Errorf("validation bounds: %v .. %v", stats.OldestValidated, stats.NewestValidated)
	}
	if stats.Backend == "" {
		t.Error("backend name not reported")
	}
}
