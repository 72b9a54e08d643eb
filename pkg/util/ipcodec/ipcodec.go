package ipcodec

import (
	"fmt"
	"net/netip"
	"strings"

	"lukechampine.com/uint128"

	"whoisrdap/pkg/model"
)

const (
	// Key prefixes for LevelDB
	PrefixContain = "X:"    // containment index: low + ^high + id
	PrefixNatural = "N:"    // natural-key index: fingerprint -> id
	PrefixRecord  = "D:"    // record body: id -> msgpack
	PrefixMeta    = "meta:" // metadata
)

// ParseAddr parses a textual IPv4 or IPv6 address. Zoned addresses are
// rejected since they cannot be looked up remotely.
func ParseAddr(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %q", model.ErrInvalidAddress, s)
	}
	if addr.Zone() != "" {
		return netip.Addr{}, fmt.Errorf("%w: zoned address %q", model.ErrInvalidAddress, s)
	}
	return addr, nil
}

// ToKey maps an address into the unified 128-bit key space. IPv4
// addresses (and IPv4-mapped IPv6 addresses) become ::ffff:a.b.c.d.
func ToKey(addr netip.Addr) model.Key {
	return model.Key(addr.Unmap().As16())
}

// ParseKey parses an address and returns its key
func ParseKey(s string) (model.Key, error) {
	addr, err := ParseAddr(s)
	if err != nil {
		return model.Key{}, err
	}
	return ToKey(addr), nil
}

// ExtractRange converts the bounds reported by an RDAP ip network object
// into keys. The bounds are taken as the inclusive first and last address;
// a bound written in CIDR notation contributes the first address of the
// start block and the last address of the end block.
func ExtractRange(version, start, end string) (model.AddrRange, error) {
	var want4 bool
	switch version {
	case "v4":
		want4 = true
	case "v6":
		want4 = false
	default:
		return model.AddrRange{}, fmt.Errorf("%w: %q", model.ErrUnsupportedVersion, version)
	}

	low, err := parseBound(start, want4, false)
	if err != nil {
		return model.AddrRange{}, fmt.Errorf("start address: %w", err)
	}
	high, err := parseBound(end, want4, true)
	if err != nil {
		return model.AddrRange{}, fmt.Errorf("end address: %w", err)
	}

	rng := model.AddrRange{Low: ToKey(low), High: ToKey(high)}
	if !rng.Valid() {
		return model.AddrRange{}, fmt.Errorf("%w: start %v > end %v", model.ErrInvalidRange, low, high)
	}
	return rng, nil
}

func parseBound(s string, want4, last bool) (netip.Addr, error) {
	s = strings.TrimSpace(s)
	var addr netip.Addr
	if strings.Contains(s, "/") {
		first, lastAddr, err := CIDRToRange(s)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("%w: %v", model.ErrInvalidRange, err)
		}
		addr = first
		if last {
			addr = lastAddr
		}
	} else {
		a, err := ParseAddr(s)
		if err != nil {
			return netip.Addr{}, err
		}
		addr = a
	}

	if want4 && !addr.Unmap().Is4() {
		return netip.Addr{}, fmt.Errorf("%w: %s is not IPv4", model.ErrInvalidRange, s)
	}
	if !want4 && !addr.Is6() {
		return netip.Addr{}, fmt.Errorf("%w: %s is not IPv6", model.ErrInvalidRange, s)
	}
	return addr, nil
}

// CIDRToRange converts a CIDR string to start and end IP addresses
func CIDRToRange(cidr string) (start, end netip.Addr, err error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return netip.Addr{}, netip.Addr{}, fmt.Errorf("invalid CIDR: %w", err)
	}
	prefix = prefix.Masked()
	start = prefix.Addr()

	hostBits := start.BitLen() - prefix.Bits()
	if hostBits == 0 {
		return start, start, nil
	}

	// Set all host bits byte by byte; IPv6 host parts can exceed 64 bits
	endBytes := start.AsSlice()
	fullBytes := hostBits / 8
	for i := len(endBytes) - 1; i >= len(endBytes)-fullBytes; i-- {
		endBytes[i] = 0xFF
	}
	if rem := hostBits % 8; rem > 0 {
		endBytes[len(endBytes)-fullBytes-1] |= byte(1<<rem - 1)
	}

	end, ok := netip.AddrFromSlice(endBytes)
	if !ok {
		return netip.Addr{}, netip.Addr{}, fmt.Errorf("failed to create end IP")
	}
	return start, end, nil
}

// Span returns High - Low as a key. A range containing k starts no lower
// than ScanFloor(k, span).
func Span(r model.AddrRange) model.Key {
	var out model.Key
	lo := uint128.FromBytesBE(r.Low[:])
	hi := uint128.FromBytesBE(r.High[:])
	if hi.Cmp(lo) > 0 {
		hi.Sub(lo).PutBytesBE(out[:])
	}
	return out
}

// ScanFloor returns k - span, saturating at the zero key
func ScanFloor(k, span model.Key) model.Key {
	var out model.Key
	a := uint128.FromBytesBE(k[:])
	b := uint128.FromBytesBE(span[:])
	if a.Cmp(b) > 0 {
		a.Sub(b).PutBytesBE(out[:])
	}
	return out
}

// Invert returns the bitwise complement of k. Storing ^high in an index key
// makes ascending byte order sort highs in descending order.
func Invert(k model.Key) model.Key {
	var out model.Key
	for i := range k {
		out[i] = ^k[i]
	}
	return out
}

// Size returns the number of addresses in the range. The full 128-bit
// space saturates at uint128.Max.
func Size(r model.AddrRange) uint128.Uint128 {
	lo := uint128.FromBytesBE(r.Low[:])
	hi := uint128.FromBytesBE(r.High[:])
	if hi.Cmp(lo) < 0 {
		return uint128.Zero
	}
	d := hi.Sub(lo)
	if d.Equals(uint128.Max) {
		return d
	}
	return d.Add64(1)
}

// Prefixes splits a range into the minimal list of CIDR prefixes that
// cover it exactly. IPv4-mapped ranges are reported as IPv4 prefixes.
func Prefixes(r model.AddrRange) []netip.Prefix {
	if !r.Valid() {
		return nil
	}
	lo := uint128.FromBytesBE(r.Low[:])
	hi := uint128.FromBytesBE(r.High[:])

	var out []netip.Prefix
	for {
		k := lo.TrailingZeros()
		var mask uint128.Uint128
		for ; k > 0; k-- {
			mask = uint128.Max.Rsh(uint(128 - k))
			if lo.Or(mask).Cmp(hi) <= 0 {
				break
			}
		}
		if k == 0 {
			mask = uint128.Zero
		}

		var b [16]byte
		lo.PutBytesBE(b[:])
		addr := netip.AddrFrom16(b)
		bits := 128 - k
		if addr.Is4In6() && bits >= 96 {
			out = append(out, netip.PrefixFrom(addr.Unmap(), bits-96))
		} else {
			out = append(out, netip.PrefixFrom(addr, bits))
		}

		last := lo.Or(mask)
		if last.Cmp(hi) >= 0 {
			return out
		}
		lo = last.Add64(1)
	}
}

// MetaKey creates a metadata key
func MetaKey(suffix string) []byte {
	return []byte(PrefixMeta + suffix)
}

// IndexEntry encodes low ‖ ^high ‖ id. Entries sort by low ascending, then
// high descending, so a reverse scan from a key visits the tightest
// candidate ranges first.
func IndexEntry(r model.AddrRange, id string) []byte {
	high := Invert(r.High)
	out := make([]byte, 0, 32+len(id))
	out = append(out, r.Low[:]...)
	out = append(out, high[:]...)
	return append(out, id...)
}

// ParseIndexEntry decodes an entry produced by IndexEntry
func ParseIndexEntry(b []byte) (model.AddrRange, string, error) {
	var r model.AddrRange
	if len(b) < 32 {
		return r, "", fmt.Errorf("%w: short index entry", model.ErrInvalidRange)
	}
	copy(r.Low[:], b[:16])
	var inv model.Key
	copy(inv[:], b[16:32])
	r.High = Invert(inv)
	return r, string(b[32:]), nil
}

// IndexCeiling returns a byte string greater than every IndexEntry whose
// low equals k and whose id is printable
func IndexCeiling(k model.Key) []byte {
	out := make([]byte, 0, 33)
	out = append(out, k[:]...)
	for i := 0; i < 17; i++ {
		out = append(out, 0xff)
	}
	return out
}

// ContainKey creates a containment index key
func ContainKey(r model.AddrRange, id string) []byte {
	return append([]byte(PrefixContain), IndexEntry(r, id)...)
}

// NaturalKey creates a natural-key index key
func NaturalKey(fingerprint string) []byte {
	return []byte(PrefixNatural + fingerprint)
}

// RecordKey creates a record body key
func RecordKey(id string) []byte {
	return []byte(PrefixRecord + id)
}
