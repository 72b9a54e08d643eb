package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"whoisrdap/pkg/model"
)

// SchemaVersion is the table layout version written by this package
const SchemaVersion = 1

// schemaStatements returns the DDL for d. Bounds are 16-byte big-endian
// binary strings so byte order equals address order in every dialect.
func schemaStatements(d Dialect) []string {
	switch d {
	case DialectPostgres:
		return []string{
			`CREATE TABLE IF NOT EXISTS network_records (
				id           TEXT PRIMARY KEY,
				fingerprint  CHAR(64) NOT NULL UNIQUE,
				addr_low     BYTEA NOT NULL,
				addr_high    BYTEA NOT NULL,
				rdap         TEXT NOT NULL,
				validated_at BIGINT NOT NULL,
				first_seen   BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_network_records_containment
				ON network_records (addr_low DESC, addr_high ASC, validated_at DESC)`,
			`CREATE TABLE IF NOT EXISTS whoisrdap_meta (
				meta_key   VARCHAR(64) PRIMARY KEY,
				meta_value TEXT NOT NULL
			)`,
		}
	case DialectMySQL:
		return []string{
			`CREATE TABLE IF NOT EXISTS network_records (
				id           CHAR(36) PRIMARY KEY,
				fingerprint  CHAR(64) NOT NULL,
				addr_low     VARBINARY(16) NOT NULL,
				addr_high    VARBINARY(16) NOT NULL,
				rdap         LONGTEXT NOT NULL,
				validated_at BIGINT NOT NULL,
				first_seen   BIGINT NOT NULL,
				UNIQUE KEY uniq_fingerprint (fingerprint),
				INDEX idx_network_records_containment (addr_low DESC, addr_high ASC, validated_at DESC)
			)`,
			`CREATE TABLE IF NOT EXISTS whoisrdap_meta (
				meta_key   VARCHAR(64) PRIMARY KEY,
				meta_value TEXT NOT NULL
			)`,
		}
	default:
		return []string{
			`CREATE TABLE IF NOT EXISTS network_records (
				id           TEXT PRIMARY KEY,
				fingerprint  TEXT NOT NULL UNIQUE,
				addr_low     BLOB NOT NULL,
				addr_high    BLOB NOT NULL,
				rdap         TEXT NOT NULL,
				validated_at INTEGER NOT NULL,
				first_seen   INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_network_records_containment
				ON network_records (addr_low DESC, addr_high ASC, validated_at DESC)`,
			`CREATE TABLE IF NOT EXISTS whoisrdap_meta (
				meta_key   TEXT PRIMARY KEY,
				meta_value TEXT NOT NULL
			)`,
		}
	}
}

func insertMetaIgnore(d Dialect) string {
	switch d {
	case DialectMySQL:
		return `INSERT IGNORE INTO whoisrdap_meta (meta_key, meta_value) VALUES (?, ?)`
	default:
		return `INSERT INTO whoisrdap_meta (meta_key, meta_value) VALUES (?, ?) ON CONFLICT (meta_key) DO NOTHING`
	}
}

// EnsureSchema creates the tables and indexes if they do not exist and
// stamps the schema version and creation time on first use
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: ensure schema: %w", model.ErrStoreUnavailable, err)
		}
	}

	var current string
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT meta_value FROM whoisrdap_meta WHERE meta_key = ?`), "schema").Scan(&current)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("%w: read schema version: %w", model.ErrStoreUnavailable, err)
	default:
		if v, _ := strconv.Atoi(current); v > SchemaVersion {
			return fmt.Errorf("%w: schema version %d is newer than supported %d",
				model.ErrStoreUnavailable, v, SchemaVersion)
		}
	}

	meta := map[string]string{
		"schema":     strconv.Itoa(SchemaVersion),
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range meta {
		if _, err := s.db.ExecContext(ctx, s.rebind(insertMetaIgnore(s.dialect)), k, v); err != nil {
			return fmt.Errorf("%w: write metadata: %w", model.ErrStoreUnavailable, err)
		}
	}
	return nil
}

func (s *Store) metadata(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT meta_value FROM whoisrdap_meta WHERE meta_key = ?`), key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}
