package firewall

import (
	"fmt"
	"net/netip"
	"strings"
)

// ParseIP validates an IPv4 dotted quad or an IPv6 address, optionally
// wrapped in brackets, and returns its canonical text form. Zones and
// IPv4-mapped forms are rejected.
func ParseIP(s string) (string, error) {
	raw := strings.TrimSpace(s)
	if strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]") {
		raw = raw[1 : len(raw)-1]
		if !strings.Contains(raw, ":") {
			return "", fmt.Errorf("%w: %q", ErrInvalidIP, s)
		}
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil || addr.Zone() != "" || addr.Is4In6() {
		return "", fmt.Errorf("%w: %q", ErrInvalidIP, s)
	}
	return addr.String(), nil
}

// targetFor returns the remote rule target kind for a canonical address.
func targetFor(ip string) string {
	if strings.Contains(ip, ":") {
		return "ip6"
	}
	return "ip"
}
