// Package privacy masks endpoint network addresses before they reach logs.
package privacy

import (
	"log/slog"
	"net"
	"net/netip"
)

const (
	ipv4Bits = 24
	ipv6Bits = 48
)

// AnonymizeIP masks an address down to its /24 (IPv4) or /48 (IPv6) network.
// IPv4-mapped IPv6 addresses are treated as IPv4.
func AnonymizeIP(ip string) string {
	if ip == "" || ip == "unknown" {
		return "unknown"
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "invalid"
	}
	addr = addr.Unmap().WithZone("")
	bits := ipv6Bits
	if addr.Is4() {
		bits = ipv4Bits
	}
	return netip.PrefixFrom(addr, bits).Masked().Addr().String()
}

// AnonymizeRemoteAddr masks the host of an http.Request.RemoteAddr and drops
// the port.
func AnonymizeRemoteAddr(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return AnonymizeIP(addr)
	}
	return AnonymizeIP(host)
}

// RemoteAttr is the log attribute for a masked remote address.
func RemoteAttr(addr string) slog.Attr {
	return slog.String("remote", AnonymizeRemoteAddr(addr))
}
