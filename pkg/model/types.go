package model

import (
	"bytes"
	"encoding/hex"
	"net/netip"
	"time"
)

// Key is a 16-byte big-endian unsigned integer in the unified IPv6 address
// space. IPv4 addresses are stored in their IPv4-mapped form (::ffff:a.b.c.d).
type Key [16]byte

// Compare returns -1, 0 or 1 comparing k and other as unsigned integers
func (k Key) Compare(other Key) int {
	return bytes.Compare(k[:], other[:])
}

// Addr returns the key as an IPv6 address
func (k Key) Addr() netip.Addr {
	return netip.AddrFrom16(k)
}

// String returns the address form of the key, unmapping IPv4
func (k Key) String() string {
	return k.Addr().Unmap().String()
}

// Hex returns the key as 32 lowercase hex digits
func (k Key) Hex() string {
	return hex.EncodeToString(k[:])
}

// AddrRange is an inclusive range of keys
type AddrRange struct {
	Low  Key
	High Key
}

// Contains reports whether k lies within [Low, High]
func (r AddrRange) Contains(k Key) bool {
	return r.Low.Compare(k) <= 0 && k.Compare(r.High) <= 0
}

// Valid reports whether Low <= High
func (r AddrRange) Valid() bool {
	return r.Low.Compare(r.High) <= 0
}

// String formats the range as "low - high"
func (r AddrRange) String() string {
	return r.Low.String() + " - " + r.High.String()
}

// Document is a decoded RDAP JSON object. Values are map[string]any, []any,
// string, json.Number, bool or nil; numbers keep their literal text.
type Document map[string]any

// RecordID is an opaque store-assigned identity
type RecordID string

// NetworkRecord is one cached network block
type NetworkRecord struct {
	ID          RecordID
	Range       AddrRange
	RDAP        Document
	Fingerprint string    // natural key: hash of range and canonical document
	ValidatedAt time.Time // last successful (re)validation
	FirstSeen   time.Time // first insertion, never regresses
}

// Status distinguishes the outcomes of a lookup
type Status int

const (
	// StatusRejected means the address is not globally routable unicast
	// and was never looked up
	StatusRejected Status = iota
	// StatusFound means an RDAP network record was returned
	StatusFound
)

func (s Status) String() string {
	switch s {
	case StatusRejected:
		return "rejected"
	case StatusFound:
		return "found"
	default:
		return "unknown"
	}
}

// Result is the outcome of a single lookup
type Result struct {
	Status   Status
	Address  netip.Addr
	RDAP     Document
	RecordID RecordID
	Range    AddrRange
	Cached   bool // served from the store without a fetch
}

// Found reports whether the result carries an RDAP document
func (r Result) Found() bool {
	return r.Status == StatusFound
}

// Config holds the settings of a checker and its collaborators
type Config struct {
	// Core
	StoreEndpoint    string        // backing store URL or path, empty = no store
	FreshnessHorizon time.Duration // max age of a cache hit, 0 = always fetch
	FetchTimeout     time.Duration // bound on a single RDAP fetch

	// RDAP transport
	RDAPBaseURL string
	UserAgent   string
	RateLimit   float64 // requests per second, 0 = unlimited
	MaxAttempts int

	// Tooling
	Workers         int
	MMDBASNPath     string
	MMDBCountryPath string
	LogLevel        string
	ListenAddr      string
}

// Defaults
const (
	DefaultFreshnessHorizon = 7 * 24 * time.Hour
	DefaultFetchTimeout     = 2500 * time.Millisecond
	DefaultStoreEndpoint    = "leveldb:./whoisrdap.db"
	DefaultRDAPBaseURL      = "https://rdap.db.ripe.net"
	DefaultWorkers          = 4
	DefaultListenAddr       = ":8080"
)

// DefaultConfig returns a Config populated with the defaults
func DefaultConfig() Config {
	return Config{
		StoreEndpoint:    DefaultStoreEndpoint,
		FreshnessHorizon: DefaultFreshnessHorizon,
		FetchTimeout:     DefaultFetchTimeout,
		RDAPBaseURL:      DefaultRDAPBaseURL,
		UserAgent:        "whoisrdap/" + Version,
		MaxAttempts:      1,
		Workers:          DefaultWorkers,
		LogLevel:         "info",
		ListenAddr:       DefaultListenAddr,
	}
}

// Version of the module
const Version = "1.0.0"

// Stats represents store statistics
type Stats struct {
	Backend         string
	TotalRecords    int64
	IPv4Records     int64 // ranges inside ::ffff:0:0/96
	IPv6Records     int64
	OldestValidated time.Time
	NewestValidated time.Time
	SchemaVersion   int
	CreatedAt       time.Time
}

// Error types
type Error string

const (
	ErrInvalidAddress     Error = "invalid IP address"
	ErrUnsupportedVersion Error = "unsupported IP version"
	ErrFetchFailed        Error = "RDAP fetch failed"
	ErrStoreUnavailable   Error = "store unavailable"
	ErrInvalidRange       Error = "invalid IP range"
	ErrRateLimited        Error = "rate limited by upstream service"
	ErrDatabaseClosed     Error = "database is closed"
	ErrNotFound           Error = "record not found"
)

func (e Error) Error() string {
	return string(e)
}
