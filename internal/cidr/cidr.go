// Package cidr implements IPv4 CIDR containment checks used to decide
// whether a service address is NAT eligible. IPv6 is not supported.
package cidr

import (
	"encoding/binary"
	"net/netip"
	"strconv"
	"strings"
)

// ParseIPv4 converts a dotted-quad address into its 32-bit value. IPv6
// forms, IPv4-mapped ones included, are rejected.
func ParseIPv4(s string) (uint32, bool) {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return 0, false
	}
	b := addr.As4()
	return binary.BigEndian.Uint32(b[:]), true
}

// Mask returns the network mask for a prefix length in [0, 32].
func Mask(prefix int) uint32 {
	if prefix <= 0 {
		return 0
	}
	if prefix >= 32 {
		return ^uint32(0)
	}
	return ^uint32(0) << (32 - prefix)
}

// Parse splits "a.b.c.d/n" into its subnet value and prefix length.
func Parse(cidr string) (subnet uint32, prefix int, ok bool) {
	addr, bits, found := strings.Cut(cidr, "/")
	if !found {
		return 0, 0, false
	}
	subnet, ok = ParseIPv4(addr)
	if !ok {
		return 0, 0, false
	}
	prefix, err := strconv.Atoi(bits)
	if err != nil || prefix < 0 || prefix > 32 || len(bits) > 2 {
		return 0, 0, false
	}
	return subnet, prefix, true
}

// Valid reports whether cidr is well-formed IPv4 CIDR notation.
func Valid(cidr string) bool {
	_, _, ok := Parse(cidr)
	return ok
}

// ContainsIP reports whether ip lies inside cidr. Malformed input of either
// argument yields false.
func ContainsIP(ip, cidr string) bool {
	addr, ok := ParseIPv4(ip)
	if !ok {
		return false
	}
	subnet, prefix, ok := Parse(cidr)
	if !ok {
		return false
	}
	mask := Mask(prefix)
	return addr&mask == subnet&mask
}
