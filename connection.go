// SPDX-License-Identifier: GPL-3.0-or-later

package httpcore

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
)

// Connection groups the requests of a [*Client.Do] call that share an
// origin. It owns at most one [*Channel] at a time and walks the resolved
// addresses in order when connecting fails.
type Connection struct {
	addrs      []netip.Addr
	channel    *Channel
	next       int
	origin     *url.URL
	policy     TimeoutPolicy
	reconnects int
	requests   []*http.Request
}

// newConnection creates a [*Connection] for the origin of u.
func newConnection(u *url.URL, policy TimeoutPolicy) (*Connection, error) {
	origin, err := originOf(u)
	if err != nil {
		return nil, err
	}
	return &Connection{origin: origin, policy: policy}, nil
}

// originOf returns the scheme, host, and explicit port of u.
func originOf(u *url.URL) (*url.URL, error) {
	if u == nil {
		return nil, fmt.Errorf("%w: missing URL", ErrUnsupportedURL)
	}
	scheme := strings.ToLower(u.Scheme)
	var port string
	switch scheme {
	case "http":
		port = "80"
	case "https":
		port = "443"
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedURL, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrUnsupportedURL)
	}
	if p := u.Port(); p != "" {
		port = p
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return nil, fmt.Errorf("%w: port %q", ErrUnsupportedURL, port)
	}
	return &url.URL{Scheme: scheme, Host: net.JoinHostPort(host, port)}, nil
}

// Origin returns the origin URL (scheme and host:port).
func (c *Connection) Origin() *url.URL {
	return c.origin
}

// Hostname returns the host to resolve.
func (c *Connection) Hostname() string {
	return c.origin.Hostname()
}

// Requests returns the requests carried by this connection.
func (c *Connection) Requests() []*http.Request {
	return c.requests
}

// Channel returns the current channel or nil.
func (c *Connection) Channel() *Channel {
	return c.channel
}

func (c *Connection) port() uint16 {
	port, _ := strconv.ParseUint(c.origin.Port(), 10, 16)
	return uint16(port)
}

// setAddrs sets the resolved addresses and restarts the walk.
func (c *Connection) setAddrs(addrs []netip.Addr) {
	c.addrs = addrs
	c.next = 0
}

// nextAddr returns the next address to try.
func (c *Connection) nextAddr() (netip.AddrPort, bool) {
	if c.next >= len(c.addrs) {
		return netip.AddrPort{}, false
	}
	addr := c.addrs[c.next]
	c.next++
	return netip.AddrPortFrom(addr.Unmap(), c.port()), true
}
