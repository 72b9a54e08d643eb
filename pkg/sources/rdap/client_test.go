package rdap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"whoisrdap/pkg/model"
)

func newTestServer(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchOK(t *testing.T) {
	reqs := make(chan *http.Request, 1)
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		reqs <- r.Clone(context.Background())
		w.Header().Set("Content-Type", "application/rdap+json")
		fmt.Fprint(w, sampleNetwork)
	})

	c := NewClient(srv.URL+"/", "whoisrdap-test/1.0", 0)
	doc, err := c.Fetch(context.Background(), netip.MustParseAddr("::ffff:8.8.8.8"))
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	r := <-reqs
	gotPath, gotAccept, gotUA := r.URL.Path, r.Header.Get("Accept"), r.Header.Get("User-Agent")
	if gotPath != "/ip/8.8.8.8" {
		t.Errorf("path = %q, want /ip/8.8.8.8", gotPath)
	}
	if gotAccept != "application/rdap+json" {
		t.Errorf("Accept = %q", gotAccept)
	}
	if gotUA != "whoisrdap-test/1.0" {
		t.Errorf("User-Agent = %q", gotUA)
	}
	if doc["name"] != "GOGL" {
		t.Errorf("unexpected document: %v", doc)
	}
}

func TestFetchStatusHandling(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantErr   []error
		wantStart string
		wantEnd   string
		wantVer   string
	}{
		{
			name:      "multiple country v4",
			status:    http.StatusBadRequest,
			body:      `{"errorCode":400,"title":"Multiple country: found in 1.2.3.0 - 1.2.3.255","description":["x"]}`,
			wantStart: "1.2.3.0", wantEnd: "1.2.3.255", wantVer: "v4",
		},
		{
			name:      "multiple country v6",
			status:    http.StatusBadRequest,
			body:      `{"title":"Multiple country: found in 2001:db8:: - 2001:db8::ffff"}`,
			wantStart: "2001:db8::", wantEnd: "2001:db8::ffff", wantVer: "v6",
		},
		{
			name:    "other bad request",
			status:  http.StatusBadRequest,
			body:    `{"title":"Invalid syntax"}`,
			wantErr: []error{model.ErrFetchFailed},
		},
		{
			name:    "bad request without json",
			status:  http.StatusBadRequest,
			body:    `Multiple country: found in 1.2.3.0 - 1.2.3.255`,
			wantErr: []error{model.ErrFetchFailed},
		},
		{
			name:    "rate limited",
			status:  http.StatusTooManyRequests,
			wantErr: []error{model.ErrFetchFailed, model.ErrRateLimited},
		},
		{
			name:    "not found",
			status:  http.StatusNotFound,
			body:    `{"errorCode":404}`,
			wantErr: []error{model.ErrFetchFailed},
		},
		{
			name:    "server error",
			status:  http.StatusBadGateway,
			wantErr: []error{model.ErrFetchFailed},
		},
		{
			name:    "malformed body",
			status:  http.StatusOK,
			body:    `{"objectClassName":`,
			wantErr: []error{model.ErrFetchFailed},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})

			doc, err := NewClient(srv.URL, "", 0).Fetch(context.Background(), netip.MustParseAddr("1.2.3.4"))
			if len(tt.wantErr) > 0 {
				for _, want := range tt.wantErr {
					if !errors.Is(err, want) {
						t.Errorf("got %v, want %v", err, want)
					}
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if doc["startAddress"] != tt.wantStart || doc["endAddress"] != tt.wantEnd || doc["ipVersion"] != tt.wantVer {
				t.Errorf("got %v", doc)
			}
			if doc["objectClassName"] != "ip network" {
				t.Errorf("objectClassName = %v", doc["objectClassName"])
			}
		})
	}
}

func TestIsRateLimited(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := NewClient(srv.URL, "", 0).Fetch(context.Background(), netip.MustParseAddr("8.8.8.8"))
	if !IsRateLimited(err) {
		t.Errorf("IsRateLimited(%v) = false", err)
	}
	if IsRateLimited(model.ErrFetchFailed) {
		t.Error("plain fetch failure reported as rate limited")
	}
}

func TestFetchTimeout(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	c := NewClient(srv.URL, "", 0, WithTimeout(20*time.Millisecond))
	start := time.Now()
	_, err := c.Fetch(context.Background(), netip.MustParseAddr("8.8.8.8"))
	if !errors.Is(err, model.ErrFetchFailed) {
		t.Fatalf("got %v, want ErrFetchFailed", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("fetch took %v, timeout not applied", elapsed)
	}
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var hits int32
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, sampleNetwork)
	})

	c := NewClient(srv.URL, "", 0, WithMaxAttempts(3))
	if _, err := c.Fetch(context.Background(), netip.MustParseAddr("8.8.8.8")); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("got %d requests, want 2", atomic.LoadInt32(&hits))
	}

	// a 4xx is final
	atomic.StoreInt32(&hits, 0)
	srv404 := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	})
	c = NewClient(srv404.URL, "", 0, WithMaxAttempts(3))
	if _, err := c.Fetch(context.Background(), netip.MustParseAddr("8.8.8.8")); err == nil {
		t.Fatal("expected error")
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("404 retried: %d requests", atomic.LoadInt32(&hits))
	}
}

func TestFetchCoalescing(t *testing.T) {
	var hits int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		fmt.Fprint(w, sampleNetwork)
	})

	c := NewClient(srv.URL, "", 0, WithCoalescing(true))
	addr := netip.MustParseAddr("8.8.8.8")

	var wg sync.WaitGroup
	docs := make([]model.Document, 2)
	errs := make([]error, 2)
	fetch := func(i int) {
		defer wg.Done()
		docs[i], errs[i] = c.Fetch(context.Background(), addr)
	}

	wg.Add(2)
	go fetch(0)
	<-started
	go fetch(1)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("fetch %d failed: %v", i, err)
		}
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("got %d upstream requests, want 1", atomic.LoadInt32(&hits))
	}

	docs[0]["name"] = "MUTATED"
	if docs[1]["name"] != "GOGL" {
		t.Error("coalesced callers share one document")
	}
}

func TestFetchCoalescingOutlivesCancelledCaller(t *testing.T) {
	var hits int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		fmt.Fprint(w, sampleNetwork)
	})

	c := NewClient(srv.URL, "", 0, WithCoalescing(true))
	addr := netip.MustParseAddr("8.8.8.8")

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Fetch(ctx, addr)
		firstErr <- err
	}()
	<-started

	type result struct {
		doc model.Document
		err error
	}
	second := make(chan result, 1)
	go func() {
		doc, err := c.Fetch(context.Background(), addr)
		second <- result{doc, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) || !errors.Is(err, model.ErrFetchFailed) {
		t.Errorf("cancelled caller: got %v", err)
	}

	close(release)
	res := <-second
	if res.err != nil {
		t.Fatalf("remaining caller failed: %v", res.err)
	}
	if res.doc["name"] != "GOGL" {
		t.Errorf("got name %v", res.doc["name"])
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("got %d upstream requests, want 1", n)
	}
}

func TestNewClientFromConfig(t *testing.T) {
	cfg := model.DefaultConfig()
	cfg.RDAPBaseURL = ""
	cfg.FetchTimeout = 3 * time.Second
	cfg.MaxAttempts = 2
	cfg.RateLimit = 5

	c := NewClientFromConfig(cfg)
	if c.baseURL != model.DefaultRDAPBaseURL {
		t.Errorf("baseURL = %q", c.baseURL)
	}
	if c.timeout != 3*time.Second || c.maxAttempts != 2 || !c.coalesce || c.limiter == nil {
		t.Errorf("unexpected client settings: %+v", c)
	}
}
