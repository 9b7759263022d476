package address

import (
	"math"
	"net/netip"
	"strconv"
	"strings"

	"ipwarden/internal/domain"
)

// Kind classifies an address entry.
type Kind uint8

const (
	Invalid Kind = iota
	IPv4
	IPv6
	CIDR
	ASN
)

func (k Kind) String() string {
	switch k {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	case CIDR:
		return "cidr"
	case ASN:
		return "asn"
	default:
		return "invalid"
	}
}

// ParseKind maps the persisted kind label back to a Kind.
func ParseKind(s string) Kind {
	switch s {
	case "ipv4":
		return IPv4
	case "ipv6":
		return IPv6
	case "cidr":
		return CIDR
	case "asn":
		return ASN
	default:
		return Invalid
	}
}

// Entry is a classified address entry. The zero value is Invalid.
type Entry struct {
	Raw        string
	Kind       Kind
	Normalized string

	addr   netip.Addr
	prefix netip.Prefix
	asn    uint32
}

func (e Entry) Valid() bool { return e.Kind != Invalid }

// Addr returns the parsed address for IPv4/IPv6 entries.
func (e Entry) Addr() netip.Addr { return e.addr }

// Prefix returns the parsed network for CIDR entries and the host prefix for addresses.
func (e Entry) Prefix() netip.Prefix {
	switch e.Kind {
	case CIDR:
		return e.prefix
	case IPv4, IPv6:
		return netip.PrefixFrom(e.addr, e.addr.BitLen())
	default:
		return netip.Prefix{}
	}
}

// ASN returns the autonomous system number for ASN entries.
func (e Entry) ASN() uint32 { return e.asn }

// Err returns a *domain.ValidationError for invalid entries and nil otherwise.
func (e Entry) Err() error {
	if e.Valid() {
		return nil
	}
	return &domain.ValidationError{Input: e.Raw, Reason: "not an IPv4, IPv6, CIDR or ASN entry"}
}

// Classify parses raw into an Entry. It never fails; unrecognized input yields Kind Invalid.
func Classify(raw string) Entry {
	entry := Entry{Raw: raw}
	s := strings.TrimSpace(raw)
	if s == "" {
		return entry
	}

	if n, ok := parseASN(s); ok {
		entry.Kind = ASN
		entry.asn = n
		entry.Normalized = "AS" + strconv.FormatUint(uint64(n), 10)
		return entry
	}

	if idx := strings.IndexByte(s, '/'); idx >= 0 {
		prefix, ok := parseCIDR(s[:idx], s[idx+1:])
		if !ok {
			return entry
		}
		entry.Kind = CIDR
		entry.prefix = prefix
		entry.addr = prefix.Addr()
		entry.Normalized = prefix.String()
		return entry
	}

	addr, ok := parseAddr(s)
	if !ok {
		return entry
	}
	entry.addr = addr
	entry.Normalized = addr.String()
	if addr.Is4() {
		entry.Kind = IPv4
	} else {
		entry.Kind = IPv6
	}
	return entry
}

// Normalize returns the canonical form of raw, or "" when raw is invalid.
func Normalize(raw string) string {
	return Classify(raw).Normalized
}

// ParseAddr parses a plain address, unmapping IPv4-mapped IPv6 and dropping zones.
func ParseAddr(raw string) (netip.Addr, bool) {
	return parseAddr(strings.TrimSpace(raw))
}

func parseAddr(s string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap().WithZone(""), true
}

// parseCIDR keeps the network address as written and clamps the mask to the
// family's bit length, so "10.0.0.0/40" becomes "10.0.0.0/32". IPv4-mapped
// prefixes of /96 or longer become the matching IPv4 prefix; shorter ones stay
// IPv6 because they reach past the mapped range.
func parseCIDR(ipPart, maskPart string) (netip.Prefix, bool) {
	addr, err := netip.ParseAddr(ipPart)
	if err != nil || maskPart == "" {
		return netip.Prefix{}, false
	}
	addr = addr.WithZone("")
	for _, r := range maskPart {
		if r < '0' || r > '9' {
			return netip.Prefix{}, false
		}
	}
	bits, err := strconv.Atoi(maskPart)
	if err != nil {
		bits = math.MaxInt32
	}
	if limit := addr.BitLen(); bits > limit {
		bits = limit
	}
	if addr.Is4In6() && bits >= 96 {
		addr = addr.Unmap()
		bits -= 96
	}
	prefix := netip.PrefixFrom(addr, bits)
	if !prefix.IsValid() {
		return netip.Prefix{}, false
	}
	return prefix, true
}

func parseASN(s string) (uint32, bool) {
	digits := s
	if len(s) > 2 && strings.EqualFold(s[:2], "as") {
		digits = s[2:]
	}
	if digits == "" || len(digits) > 10 {
		return 0, false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil || n < 1 || n > math.MaxUint32 {
		return 0, false
	}
	return uint32(n), true
}
