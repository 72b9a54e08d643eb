package maxmind

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// Annotation is the routing context MaxMind knows about an address
type Annotation struct {
	ASN     uint   `json:"asn,omitempty"`
	ASOrg   string `json:"as_org,omitempty"`
	Country string `json:"country,omitempty"`
}

// Empty reports whether no database had anything for the address
func (a *Annotation) Empty() bool {
	return a == nil || (a.ASN == 0 && a.ASOrg == "" && a.Country == "")
}

// Readers contains MaxMind database readers. Either reader may be nil.
type Readers struct {
	ASN     *geoip2.Reader
	Country *geoip2.Reader
}

// Open opens the ASN database at asnPath and, if countryPath is set, a
// Country or City database. At least one path is required.
func Open(asnPath, countryPath string) (*Readers, error) {
	if asnPath == "" && countryPath == "" {
		return nil, errors.New("no MaxMind database configured")
	}

	r := &Readers{}
	if asnPath != "" {
		db, err := openTyped(asnPath, "ASN")
		if err != nil {
			return nil, fmt.Errorf("failed to open ASN database: %w", err)
		}
		r.ASN = db
	}
	if countryPath != "" {
		db, err := openTyped(countryPath, "Country", "City")
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to open Country database: %w", err)
		}
		r.Country = db
	}
	return r, nil
}

// openTyped opens path and checks that its database type mentions one of kinds
func openTyped(path string, kinds ...string) (*geoip2.Reader, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	dbType := db.Metadata().DatabaseType
	if !matchesType(dbType, kinds...) {
		db.Close()
		return nil, fmt.Errorf("%s is a %q database, want %s", path, dbType, strings.Join(kinds, " or "))
	}
	return db, nil
}

func matchesType(dbType string, kinds ...string) bool {
	for _, k := range kinds {
		if strings.Contains(dbType, k) {
			return true
		}
	}
	return false
}

// Close closes both database readers
func (r *Readers) Close() error {
	var err error
	if r.ASN != nil {
		if e := r.ASN.Close(); e != nil {
			err = e
		}
	}
	if r.Country != nil {
		if e := r.Country.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// ASNInfo returns the ASN number and organization name for an IP
func (r *Readers) ASNInfo(ip netip.Addr) (number uint, name string, err error) {
	if r.ASN == nil {
		return 0, "", errors.New("no ASN database loaded")
	}
	record, err := r.ASN.ASN(toNetIP(ip))
	if err != nil {
		return 0, "", fmt.Errorf("ASN lookup failed: %w", err)
	}
	return record.AutonomousSystemNumber, record.AutonomousSystemOrganization, nil
}

// CountryCode returns the ISO country of an IP, preferring the registered
// country over the geolocated one
func (r *Readers) CountryCode(ip netip.Addr) (string, error) {
	if r.Country == nil {
		return "", errors.New("no Country database loaded")
	}
	record, err := r.Country.Country(toNetIP(ip))
	if err != nil {
		return "", fmt.Errorf("country lookup failed: %w", err)
	}
	if record.RegisteredCountry.IsoCode != "" {
		return record.RegisteredCountry.IsoCode, nil
	}
	return record.Country.IsoCode, nil
}

// Annotate collects everything the loaded databases know about ip.
// A nil Readers yields a nil annotation.
func (r *Readers) Annotate(ip netip.Addr) (*Annotation, error) {
	if r == nil {
		return nil, nil
	}

	a := &Annotation{}
	if r.ASN != nil {
		num, org, err := r.ASNInfo(ip)
		if err != nil {
			return nil, err
		}
		a.ASN, a.ASOrg = num, org
	}
	if r.Country != nil {
		cc, err := r.CountryCode(ip)
		if err != nil {
			return nil, err
		}
		a.Country = cc
	}
	return a, nil
}

// toNetIP converts to the 4- or 16-byte form the reader expects
func toNetIP(ip netip.Addr) net.IP {
	return net.IP(ip.Unmap().AsSlice())
}
