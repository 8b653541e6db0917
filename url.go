package meshrpc

import (
	"fmt"
	"strconv"
	"strings"
)

// Url identifies a single dialable endpoint as advertised by a service or
// by a listening TransportServer. It is a plain value type: two Urls are
// equal iff their protocol, host and port fields match exactly, byte for
// byte. No normalization (case folding, default-port insertion, DNS
// resolution) happens anywhere near this type — callers that need loopback
// detection use IsLoopback, not string comparison against "localhost".
type Url struct {
	Protocol string
	Host     string
	Port     string
}

// ParseURL parses a "protocol://host:port" string. It does not validate
// that protocol or host are well-formed beyond requiring all three parts
// to be present; callers that dial the result find out soon enough.
func ParseURL(s string) (Url, error) {
	proto, rest, ok := strings.Cut(s, "://")
	if !ok || proto == "" {
		return Url{}, fmt.Errorf("meshrpc: malformed url %q: missing scheme", s)
	}
	host, port, ok := strings.Cut(rest, ":")
	if !ok || host == "" || port == "" {
		return Url{}, fmt.Errorf("meshrpc: malformed url %q: missing host or port", s)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return Url{}, fmt.Errorf("meshrpc: malformed url %q: non-numeric port", s)
	}
	return Url{Protocol: proto, Host: host, Port: port}, nil
}

// MustParseURL is ParseURL for call sites that already know the string is
// well-formed (tests, compiled-in defaults).
func MustParseURL(s string) Url {
	u, err := ParseURL(s)
	if err != nil {
		panic(err)
	}
	return u
}

func (u Url) String() string {
	return u.Protocol + "://" + u.Host + ":" + u.Port
}

// Equal reports whether u and o name the same endpoint: all three string
// fields must match exactly.
func (u Url) Equal(o Url) bool {
	return u.Protocol == o.Protocol && u.Host == o.Host && u.Port == o.Port
}

// HostPort returns the "host:port" pair suitable for net.Dial / net.Listen.
func (u Url) HostPort() string {
	return u.Host + ":" + u.Port
}

// IsLoopback reports whether the url's host names the local machine's own
// network stack: a 127.0.0.0/8 literal, "localhost", or "::1". This is
// the locality test TransportSocketCache uses to prefer loopback candidates
// when dialing an endpoint set that advertises both loopback and
// routable addresses for the same machine.
func (u Url) IsLoopback() bool {
	return IsLoopbackHost(u.Host)
}

// IsLoopbackHost applies the same test as Url.IsLoopback to a bare host
// string, for callers that only have the host component.
func IsLoopbackHost(host string) bool {
	if host == "localhost" || host == "::1" {
		return true
	}
	return strings.HasPrefix(host, "127.")
}
