package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"whoisrdap/pkg/model"
	"whoisrdap/pkg/rangedb"
	"whoisrdap/pkg/sqlstore"
)

func TestOpenEndpoints(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name     string
		endpoint string
		backend  string
	}{
		{"bare path", filepath.Join(dir, "bare"), "leveldb"},
		{"leveldb scheme", "leveldb:" + filepath.Join(dir, "ldb"), "leveldb"},
		{"leveldb url", "leveldb://" + filepath.Join(dir, "ldb2"), "leveldb"},
		{"relative path with dot", "./" + filepath.Join(filepath.Base(dir), "rel"), "leveldb"},
		{"sqlite", "sqlite:" + filepath.Join(dir, "cache.db"), "sqlite"},
		{"sqlite3", "sqlite3:" + filepath.Join(dir, "cache3.db"), "sqlite"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.name == "relative path with dot" {
				t.Chdir(filepath.Dir(dir))
			}
			s, err := Open(context.Background(), tt.endpoint)
			if err != nil {
				t.Fatalf("Open(%q) failed: %v", tt.endpoint, err)
			}
			defer s.Close()

			stats, err := s.Stats(context.Background())
			if err != nil {
				t.Fatalf("Stats failed: %v", err)
			}
			if stats.Backend != tt.backend {
				t.Errorf("backend = %s, want %s", stats.Backend, tt.backend)
			}
			switch tt.backend {
			case "leveldb":
				if _, ok := s.(*rangedb.DB); !ok {
					t.Errorf("got %T", s)
				}
			case "sqlite":
				if _, ok := s.(*sqlstore.Store); !ok {
					t.Errorf("got %T", s)
				}
			}
		})
	}
}

func TestOpenEmpty(t *testing.T) {
	s, err := Open(context.Background(), "  ")
	if err != nil || s != nil {
		t.Errorf("got %v, %v; want nil, nil", s, err)
	}
}

func TestOpenUnknownScheme(t *testing.T) {
	_, err := Open(context.Background(), "mongodb://localhost:27017/whois")
	if !errors.Is(err, model.ErrStoreUnavailable) {
		t.Errorf("got %v, want ErrStoreUnavailable", err)
	}
}
