package services

import (
	"context"
	"fmt"
	"net"
	"time"
)

const lookupTimeout = 5 * time.Second

// resolveIPv4 returns host itself when it is an IPv4 literal, otherwise the
// first A record found for it.
func resolveIPv4(ctx context.Context, host string) (string, error) {
	if host == "" {
		return "", fmt.Errorf("no host to resolve")
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.To4() == nil {
			return "", fmt.Errorf("%s is not an IPv4 address", host)
		}
		return ip.String(), nil
	}

	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	resolver := &net.Resolver{}
	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return "", fmt.Errorf("no A record for %s", host)
}
