// Package netguard keeps article fetches away from private and internal
// networks. Checks run at connect time, after DNS resolution, so a public
// hostname that resolves to an internal address is refused as well.
package netguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

// ErrBlocked is returned when a connection targets a blocked address.
var ErrBlocked = errors.New("netguard: destination address is not allowed")

// BlockedCIDRs are private/internal networks that fetches must never reach.
var BlockedCIDRs = func() []*net.IPNet {
	cidrs := []string{
		"127.0.0.0/8",    // loopback
		"10.0.0.0/8",     // RFC1918
		"172.16.0.0/12",  // RFC1918
		"192.168.0.0/16", // RFC1918
		"100.64.0.0/10",  // carrier-grade NAT
		"169.254.0.0/16", // link-local / cloud metadata
		"0.0.0.0/8",      // unspecified
		"::1/128",        // IPv6 loopback
		"fe80::/10",      // IPv6 link-local
		"fc00::/7",       // IPv6 unique local
	}
	var nets []*net.IPNet
	for _, c := range cidrs {
		_, ipNet, _ := net.ParseCIDR(c)
		nets = append(nets, ipNet)
	}
	return nets
}()

// IsBlocked returns true if the IP falls within a private/internal range.
func IsBlocked(ip net.IP) bool {
	if ip == nil || ip.IsUnspecified() || ip.IsMulticast() {
		return true
	}
	for _, cidr := range BlockedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// SafeDialer returns a dialer whose Control hook refuses blocked addresses.
// With allowPrivate set the hook is omitted, which local development and
// tests against httptest servers rely on.
func SafeDialer(timeout time.Duration, allowPrivate bool) *net.Dialer {
	d := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	if !allowPrivate {
		d.Control = control
	}
	return d
}

// DialContext is a convenience wrapper for http.Transport.DialContext.
func DialContext(timeout time.Duration, allowPrivate bool) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return SafeDialer(timeout, allowPrivate).DialContext
}

func control(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("netguard: %w", err)
	}
	ip := net.ParseIP(host)
	if IsBlocked(ip) {
		return fmt.Errorf("%w: %s", ErrBlocked, host)
	}
	return nil
}
