package whois

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/charmbracelet/log"

	"whoisrdap/pkg/metrics"
	"whoisrdap/pkg/model"
	"whoisrdap/pkg/sources/rdap"
	"whoisrdap/pkg/store"
	"whoisrdap/pkg/util/ipcodec"
	"whoisrdap/pkg/util/workers"
)

// Fetcher retrieves the RDAP ip network object covering an address
type Fetcher interface {
	Fetch(ctx context.Context, addr netip.Addr) (model.Document, error)
}

// Checker answers "who holds this address" from the cache or RDAP
type Checker struct {
	cfg     model.Config
	fetcher Fetcher
	store   store.Store
	now     func() time.Time
}

// Option configures a Checker
type Option func(*Checker)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option { return func(c *Checker) { c.now = now } }

// New creates a checker. st may be nil, in which case every lookup is
// fetched and nothing is stored.
func New(cfg model.Config, fetcher Fetcher, st store.Store, opts ...Option) *Checker {
	c := &Checker{
		cfg:     cfg,
		fetcher: fetcher,
		store:   st,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check looks up a single textual address.
//
// Non-unicast addresses yield a StatusRejected result without touching the
// store or the network. Otherwise a fresh cached record containing the
// address is returned if there is one; if not, the covering network is
// fetched, merged into the store and returned with its stored identity.
// A failed fetch is never answered from stale cache data.
func (c *Checker) Check(ctx context.Context, text string) (model.Result, error) {
	addr, err := ipcodec.ParseAddr(text)
	if err != nil {
		metrics.LookupsTotal.WithLabelValues("error").Inc()
		return model.Result{}, err
	}

	res := model.Result{Status: model.StatusRejected, Address: addr}
	if class := ipcodec.Classify(addr); class != ipcodec.ClassUnicast {
		metrics.LookupsTotal.WithLabelValues("rejected").Inc()
		log.Debug("address not eligible for lookup", "addr", addr, "class", class)
		return res, nil
	}

	key := ipcodec.ToKey(addr)

	if c.store != nil && c.cfg.FreshnessHorizon > 0 {
		rec, err := c.store.FindContaining(ctx, key, c.cfg.FreshnessHorizon, c.now())
		if err != nil {
			metrics.LookupsTotal.WithLabelValues("error").Inc()
			return model.Result{}, storeError("find containing", err)
		}
		if rec != nil {
			metrics.LookupsTotal.WithLabelValues("hit").Inc()
			log.Debug("using cached record", "addr", addr, "id", rec.ID, "range", rec.Range)
			return found(res, rec, true), nil
		}
	}

	rec, err := c.fetchAndStore(ctx, addr, key)
	if err != nil {
		metrics.LookupsTotal.WithLabelValues("error").Inc()
		return model.Result{}, err
	}
	metrics.LookupsTotal.WithLabelValues("miss").Inc()
	return found(res, rec, false), nil
}

func (c *Checker) fetchAndStore(ctx context.Context, addr netip.Addr, key model.Key) (*model.NetworkRecord, error) {
	fetchCtx := ctx
	if c.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, c.cfg.FetchTimeout)
		defer cancel()
	}

	doc, err := c.fetcher.Fetch(fetchCtx, addr)
	if err != nil {
		if !errors.Is(err, model.ErrFetchFailed) {
			err = fmt.Errorf("%w: %s: %w", model.ErrFetchFailed, addr, err)
		}
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s: empty response", model.ErrFetchFailed, addr)
	}

	rdap.Canonicalize(doc)
	rng, err := rdap.Range(doc)
	if err != nil {
		return nil, fmt.Errorf("RDAP response for %s: %w", addr, err)
	}
	if !rng.Contains(key) {
		log.Warn("RDAP network does not contain the queried address", "addr", addr, "range", rng)
	}

	observedAt := c.now()
	if c.store == nil {
		return &model.NetworkRecord{
			Range:       rng,
			RDAP:        doc,
			ValidatedAt: observedAt,
			FirstSeen:   observedAt,
		}, nil
	}

	rec, err := c.store.UpsertRevalidate(ctx, rng, doc, observedAt)
	if err != nil {
		return nil, storeError("upsert", err)
	}
	log.Debug("stored record", "addr", addr, "id", rec.ID, "range", rec.Range)
	return rec, nil
}

func found(res model.Result, rec *model.NetworkRecord, cached bool) model.Result {
	res.Status = model.StatusFound
	res.RDAP = rec.RDAP
	res.RecordID = rec.ID
	res.Range = rec.Range
	res.Cached = cached
	return res
}

func storeError(op string, err error) error {
	metrics.StoreErrorsTotal.WithLabelValues(op).Inc()
	if errors.Is(err, model.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", model.ErrStoreUnavailable, op, err)
}

// Outcome is the result of one input of CheckMany
type Outcome struct {
	Input  string
	Result model.Result
	Err    error
}

// CheckMany runs Check over inputs on a bounded worker pool. Outcomes are
// returned in input order; one failure does not stop the others.
func (c *Checker) CheckMany(ctx context.Context, inputs []string) []Outcome {
	out := make([]Outcome, len(inputs))
	pool := workers.NewPool(ctx, workers.Config{Workers: c.cfg.Workers})

	for i, input := range inputs {
		i, input := i, input
		out[i].Input = input
		pool.Submit(i, func(ctx context.Context) error {
			res, err := c.Check(ctx, input)
			out[i].Result = res
			return err
		})
	}

	for _, r := range pool.Wait() {
		out[r.Index].Err = r.Error
	}
	return out
}
