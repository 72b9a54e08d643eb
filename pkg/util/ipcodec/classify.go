package ipcodec

import "net/netip"

// Class describes what kind of address a query targets
type Class int

const (
	ClassUnicast Class = iota
	ClassUnspecified
	ClassLoopback
	ClassLinkLocal
	ClassMulticast
	ClassPrivate
	ClassReserved
)

func (c Class) String() string {
	switch c {
	case ClassUnicast:
		return "unicast"
	case ClassUnspecified:
		return "unspecified"
	case ClassLoopback:
		return "loopback"
	case ClassLinkLocal:
		return "link-local"
	case ClassMulticast:
		return "multicast"
	case ClassPrivate:
		return "private"
	case ClassReserved:
		return "reserved"
	default:
		return "unknown"
	}
}

// IANA special-purpose blocks that RDAP servers answer for with registry
// placeholders rather than a real holder
var reservedV4 = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("192.88.99.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
}

var (
	globalUnicastV6 = netip.MustParsePrefix("2000::/3")
	reservedV6      = []netip.Prefix{
		netip.MustParsePrefix("2001:db8::/32"),
		netip.MustParsePrefix("3fff::/20"),
	}
)

// Classify reports the class of addr. IPv4-mapped IPv6 addresses are
// classified as the IPv4 address they carry.
func Classify(addr netip.Addr) Class {
	addr = addr.Unmap()
	switch {
	case !addr.IsValid(), addr.IsUnspecified():
		return ClassUnspecified
	case addr.IsLoopback():
		return ClassLoopback
	case addr.IsLinkLocalUnicast():
		return ClassLinkLocal
	case addr.IsMulticast(), addr.IsInterfaceLocalMulticast(), addr.IsLinkLocalMulticast():
		return ClassMulticast
	case addr.IsPrivate():
		return ClassPrivate
	}

	if addr.Is4() {
		for _, p := range reservedV4 {
			if p.Contains(addr) {
				return ClassReserved
			}
		}
		return ClassUnicast
	}

	if !globalUnicastV6.Contains(addr) {
		return ClassReserved
	}
	for _, p := range reservedV6 {
		if p.Contains(addr) {
			return ClassReserved
		}
	}
	return ClassUnicast
}

// IsLookupEligible reports whether addr may be sent to an RDAP server
func IsLookupEligible(addr netip.Addr) bool {
	return Classify(addr) == ClassUnicast
}
