/*
Package netid maps connection addresses to network identities.

A network identity is a short, filesystem-safe key naming the per-network
certificate a client should be served. IPv4 clients on the same /24 share one
identity; every loopback spelling collapses to a single identity; anything
else (IPv6, garbage) is hashed.
*/
package netid

import (
	"crypto/sha256"
	"encoding/hex"
	"net/netip"
	"strings"
)

const (
	// Prefix is prepended to every identity.
	Prefix = "net-"

	// Loopback is the canonical loopback address all loopback spellings
	// normalize to.
	Loopback = "127.0.0.1"

	// subnetMarker replaces the host octet of an IPv4 address.
	subnetMarker = "0"

	hashLen = 12
)

// Resolve returns the network identity for addr. It never fails: input that
// is not a dotted quad falls through to the hash form.
func Resolve(addr string) string {
	addr = Normalize(addr)

	if octets, ok := dottedQuad(addr); ok {
		octets[3] = subnetMarker
		return Prefix + strings.Join(octets, "-")
	}

	sum := sha256.Sum256([]byte(addr))
	return Prefix + hex.EncodeToString(sum[:])[:hashLen]
}

// Normalize rewrites loopback spellings to Loopback and unmaps IPv4-mapped
// IPv6 addresses. Other input is returned trimmed but otherwise unchanged.
func Normalize(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.EqualFold(addr, "localhost") {
		return Loopback
	}

	ip, err := netip.ParseAddr(strings.Trim(addr, "[]"))
	if err != nil {
		return addr
	}
	if ip.IsLoopback() {
		if ip.Is6() && !ip.Is4In6() {
			return Loopback
		}
		// 127.0.0.0/8 other than .1 keeps its own spelling so that the
		// SAN set stays accurate; it still lands in the same /24 identity.
		return ip.Unmap().String()
	}
	if ip.Is4In6() {
		return ip.Unmap().String()
	}
	return addr
}

// IsLoopback reports whether addr is any loopback spelling.
func IsLoopback(addr string) bool {
	if strings.EqualFold(strings.TrimSpace(addr), "localhost") {
		return true
	}
	ip, err := netip.ParseAddr(strings.Trim(strings.TrimSpace(addr), "[]"))
	if err != nil {
		return false
	}
	return ip.IsLoopback()
}

// ServerNameToIP maps a TLS server name to the address it stands for. Literal
// IPv4 addresses pass through; hostnames only reach this host for local
// access, so they map to loopback.
func ServerNameToIP(serverName string) string {
	if _, ok := dottedQuad(serverName); ok {
		return serverName
	}
	return Loopback
}

// Subnet returns the "A.B.C" prefix of a dotted quad, or "" for anything
// else. Loopback spellings report the loopback /24.
func Subnet(addr string) string {
	octets, ok := dottedQuad(Normalize(addr))
	if !ok {
		return ""
	}
	return strings.Join(octets[:3], ".")
}

// dottedQuad splits s into four numeric octets of one to three digits.
// Range is not checked: "999.1.1.1" has the shape and is accepted.
func dottedQuad(s string) ([]string, bool) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return nil, false
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return nil, false
		}
		for _, r := range p {
			if r < '0' || r > '9' {
				return nil, false
			}
		}
	}
	return parts, true
}
