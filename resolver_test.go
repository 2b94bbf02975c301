// SPDX-License-Identifier: GPL-3.0-or-later

package httpcore

import (
	"bytes"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubSocket is a [Socket] that never becomes readable or writable.
type stubSocket struct {
	*netstub.FuncConn
	connects int
	fail     error
}

func (s *stubSocket) Connect() error {
	s.connects++
	if s.connects > 1 && s.fail != nil {
		return s.fail
	}
	return ErrWouldBlock
}

func (s *stubSocket) Fd() int { return -1 }

// stubSocketDialer records the dialed addresses. Sockets fail to connect
// with Fail when resumed.
type stubSocketDialer struct {
	Dials []netip.AddrPort
	Fail  error
}

func (d *stubSocketDialer) NewSocket(addr netip.AddrPort) (Socket, error) {
	d.Dials = append(d.Dials, addr)
	conn := newMinimalConn()
	conn.CloseFunc = func() error { return nil }
	return &stubSocket{FuncConn: conn, fail: d.Fail}, nil
}

func newTestResolver(t *testing.T, edit func(cfg *Config)) (*Resolver, *stubSocketDialer, *fakeClock) {
	clock := newFakeClock()
	dialer := &stubSocketDialer{}
	cfg := NewConfig()
	cfg.SocketDialer = dialer
	cfg.TimeNow = clock.Now
	cfg.Resolver.URI = "https://127.0.0.1/dns-query"
	if edit != nil {
		edit(cfg)
	}
	r, err := NewResolver(cfg, DefaultSLogger())
	require.NoError(t, err)
	return r, dialer, clock
}

func newTestConnection(t *testing.T, rawURL string) *Connection {
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	conn, err := newConnection(u, TimeoutPolicy{})
	require.NoError(t, err)
	return conn
}

func mustRR(t *testing.T, text string) dns.RR {
	rr, err := dns.NewRR(text)
	require.NoError(t, err)
	return rr
}

// pendingRequest returns the DoH request sent for host.
func pendingRequest(t *testing.T, r *Resolver, host string) *http.Request {
	q, found := r.queries[host]
	require.True(t, found, "no query for %s", host)
	return q.req
}

// dohReply returns the result of a DoH exchange answering req.
func dohReply(t *testing.T, req *http.Request, status int, answers ...dns.RR) Result {
	msg := new(dns.Msg)
	msg.Response = true
	msg.Answer = answers
	data, err := msg.Pack()
	require.NoError(t, err)
	return Result{Request: req, Response: &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {"application/dns-message"}},
		Body:       io.NopCloser(bytes.NewReader(data)),
	}}
}

// jsonReply returns the result of a DoH exchange answering req with JSON.
func jsonReply(req *http.Request, body string) Result {
	return Result{Request: req, Response: &http.Response{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": {"application/dns-json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}}
}

func mustAddrs(list ...string) (out []netip.Addr) {
	for _, s := range list {
		out = append(out, netip.MustParseAddr(s))
	}
	return
}

func TestNewResolver(t *testing.T) {
	cases := map[string]string{
		"not https": "http://1.1.1.1/dns-query",
		"malformed": "https://[::1/dns-query",
	}
	for name, uri := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := NewConfig()
			cfg.Resolver.URI = uri
			_, err := NewResolver(cfg, DefaultSLogger())
			assert.Error(t, err)
		})
	}

	r, _, _ := newTestResolver(t, nil)
	assert.Equal(t, "https://127.0.0.1:443", r.Endpoint().String())
	assert.Nil(t, r.Channel())
}

func TestResolverImmediate(t *testing.T) {
	r, dialer, _ := newTestResolver(t, nil)

	t.Run("IP literal", func(t *testing.T) {
		conn := newTestConnection(t, "https://[2001:db8::1]:8443/")
		got := r.Resolve(t.Context(), conn)
		require.Len(t, got, 1)
		assert.NoError(t, got[0].Err)
		assert.Equal(t, mustAddrs("2001:db8::1"), got[0].Addrs)
	})

	t.Run("endpoint origin", func(t *testing.T) {
		conn := newTestConnection(t, "https://127.0.0.1/resolve")
		got := r.Resolve(t.Context(), conn)
		require.Len(t, got, 1)
		assert.Equal(t, mustAddrs("127.0.0.1"), got[0].Addrs)
	})

	assert.Empty(t, dialer.Dials)
	assert.Zero(t, r.Pending())
}

func TestResolverAnswer(t *testing.T) {
	r, dialer, _ := newTestResolver(t, nil)
	first := newTestConnection(t, "https://example.com/")
	second := newTestConnection(t, "http://example.com/")

	assert.Empty(t, r.Resolve(t.Context(), first))
	assert.Empty(t, r.Resolve(t.Context(), second))
	assert.Equal(t, 1, r.Pending())
	assert.Equal(t, []netip.AddrPort{netip.MustParseAddrPort("127.0.0.1:443")}, dialer.Dials)
	require.NotNil(t, r.Channel())
	assert.Equal(t, []string{"h2"}, r.Channel().TLS.NextProtos)

	req := pendingRequest(t, r, "example.com")
	assert.Equal(t, http.MethodPost, req.Method)

	got := r.HandleResults([]Result{dohReply(t, req, 200,
		mustRR(t, "example.com. 300 IN A 192.0.2.1"),
		mustRR(t, "example.com. 300 IN A 192.0.2.2"),
	)})
	require.Len(t, got, 2)
	for idx, conn := range []*Connection{first, second} {
		assert.Same(t, conn, got[idx].Conn)
		assert.NoError(t, got[idx].Err)
		assert.Equal(t, mustAddrs("192.0.2.1", "192.0.2.2"), got[idx].Addrs)
	}
	assert.Zero(t, r.Pending())

	// A late duplicate is ignored.
	assert.Empty(t, r.HandleResults([]Result{dohReply(t, req, 200)}))
}

func TestResolverGET(t *testing.T) {
	r, _, _ := newTestResolver(t, func(cfg *Config) {
		cfg.Resolver.UseGET = true
	})
	r.Resolve(t.Context(), newTestConnection(t, "https://example.com/"))
	req := pendingRequest(t, r, "example.com")
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "A", req.URL.Query().Get("type"))
	assert.NotEmpty(t, req.URL.Query().Get("dns"))
}

func TestResolverAliases(t *testing.T) {
	t.Run("same response", func(t *testing.T) {
		r, _, _ := newTestResolver(t, nil)
		www := newTestConnection(t, "https://www.example.com/")
		apex := newTestConnection(t, "https://example.com/")
		r.Resolve(t.Context(), www)
		r.Resolve(t.Context(), apex)
		require.Equal(t, 2, r.Pending())

		got := r.HandleResults([]Result{dohReply(t, pendingRequest(t, r, "www.example.com"), 200,
			mustRR(t, "www.example.com. 60 IN CNAME example.com."),
			mustRR(t, "example.com. 300 IN A 192.0.2.1"),
		)})

		// The answer also resolves the other pending hostname.
		require.Len(t, got, 2)
		assert.Same(t, apex, got[0].Conn)
		assert.Same(t, www, got[1].Conn)
		for _, res := range got {
			assert.NoError(t, res.Err)
			assert.Equal(t, mustAddrs("192.0.2.1"), res.Addrs)
		}
		assert.Zero(t, r.Pending())
	})

	t.Run("untyped JSON answer", func(t *testing.T) {
		r, _, _ := newTestResolver(t, nil)
		conn := newTestConnection(t, "https://a.example/")
		r.Resolve(t.Context(), conn)
		req := pendingRequest(t, r, "a.example")

		got := r.HandleResults([]Result{jsonReply(req, `{"Answer":[
			{"name":"a.example.","alias":"b.example."},
			{"name":"b.example.","data":"1.2.3.4"}]}`)})

		require.Len(t, got, 1)
		assert.Same(t, conn, got[0].Conn)
		assert.NoError(t, got[0].Err)
		assert.Equal(t, mustAddrs("1.2.3.4"), got[0].Addrs)
		assert.Zero(t, r.Pending())
		assert.Len(t, r.requests, 0)
	})

	t.Run("follow-up query", func(t *testing.T) {
		r, _, clock := newTestResolver(t, func(cfg *Config) {
			cfg.Resolver.Cache = true
		})
		www := newTestConnection(t, "https://www.example.com/")
		r.Resolve(t.Context(), www)

		got := r.HandleResults([]Result{dohReply(t, pendingRequest(t, r, "www.example.com"), 200,
			mustRR(t, "www.example.com. 60 IN CNAME cdn.example.net."),
		)})
		assert.Empty(t, got)
		assert.Equal(t, 1, r.Pending())

		got = r.HandleResults([]Result{dohReply(t, pendingRequest(t, r, "cdn.example.net"), 200,
			mustRR(t, "cdn.example.net. 30 IN A 192.0.2.7"),
		)})
		require.Len(t, got, 1)
		assert.Same(t, www, got[0].Conn)
		assert.Equal(t, mustAddrs("192.0.2.7"), got[0].Addrs)

		for _, host := range []string{"www.example.com", "cdn.example.net"} {
			cached, found := r.cache.Get(host, dns.TypeA)
			assert.True(t, found, host)
			assert.Equal(t, mustAddrs("192.0.2.7"), cached)
		}
		clock.Advance(30 * time.Second)
		_, found := r.cache.Get("www.example.com", dns.TypeA)
		assert.False(t, found)
	})

	t.Run("loop", func(t *testing.T) {
		r, _, _ := newTestResolver(t, nil)
		conn := newTestConnection(t, "https://a.example/")
		r.Resolve(t.Context(), conn)
		got := r.HandleResults([]Result{dohReply(t, pendingRequest(t, r, "a.example"), 200,
			mustRR(t, "a.example. 60 IN CNAME b.example."),
			mustRR(t, "b.example. 60 IN CNAME a.example."),
		)})
		require.Len(t, got, 1)
		assert.ErrorIs(t, got[0].Err, errDoHAliasLoop)
	})
}

func TestResolverFailures(t *testing.T) {
	t.Run("empty answer", func(t *testing.T) {
		r, _, _ := newTestResolver(t, nil)
		missing := newTestConnection(t, "https://missing.example/")
		other := newTestConnection(t, "https://other.example/")
		r.Resolve(t.Context(), missing)
		r.Resolve(t.Context(), other)

		got := r.HandleResults([]Result{dohReply(t, pendingRequest(t, r, "missing.example"), 200)})
		require.Len(t, got, 1)
		assert.Same(t, missing, got[0].Conn)
		var rerr *ResolveError
		require.ErrorAs(t, got[0].Err, &rerr)
		assert.Equal(t, "missing.example", rerr.Host)
		assert.Equal(t, 1, r.Pending())
	})

	t.Run("empty JSON answer", func(t *testing.T) {
		r, _, _ := newTestResolver(t, nil)
		missing := newTestConnection(t, "https://missing.example/")
		other := newTestConnection(t, "https://other.example/")
		r.Resolve(t.Context(), missing)
		r.Resolve(t.Context(), other)

		got := r.HandleResults([]Result{jsonReply(pendingRequest(t, r, "missing.example"), `{"Status":0,"Answer":[]}`)})
		require.Len(t, got, 1)
		assert.Same(t, missing, got[0].Conn)
		var rerr *ResolveError
		require.ErrorAs(t, got[0].Err, &rerr)
		assert.Equal(t, 1, r.Pending())

		got = r.HandleResults([]Result{dohReply(t, pendingRequest(t, r, "other.example"), 200,
			mustRR(t, "other.example. 60 IN A 192.0.2.9"),
		)})
		require.Len(t, got, 1)
		assert.Equal(t, mustAddrs("192.0.2.9"), got[0].Addrs)
	})

	t.Run("status", func(t *testing.T) {
		r, _, _ := newTestResolver(t, nil)
		r.Resolve(t.Context(), newTestConnection(t, "https://example.com/"))
		got := r.HandleResults([]Result{dohReply(t, pendingRequest(t, r, "example.com"), 503)})
		require.Len(t, got, 1)
		var serr *StatusError
		require.ErrorAs(t, got[0].Err, &serr)
		assert.Equal(t, 503, serr.StatusCode)
	})

	t.Run("request error", func(t *testing.T) {
		r, _, _ := newTestResolver(t, nil)
		r.Resolve(t.Context(), newTestConnection(t, "https://example.com/"))
		req := pendingRequest(t, r, "example.com")
		got := r.HandleResults([]Result{{Request: req, Err: ErrChannelClosed}})
		require.Len(t, got, 1)
		assert.ErrorIs(t, got[0].Err, ErrChannelClosed)
		assert.Zero(t, r.Pending())
	})
}

func TestResolverExpire(t *testing.T) {
	r, _, clock := newTestResolver(t, func(cfg *Config) {
		cfg.Resolver.QueryTimeout = 5 * time.Second
	})
	conn := newTestConnection(t, "https://example.com/")
	t0 := clock.Now()
	r.Resolve(t.Context(), conn)
	assert.Equal(t, t0.Add(5*time.Second), r.NextDeadline())

	clock.Advance(4 * time.Second)
	assert.Empty(t, r.Expire(clock.Now()))

	clock.Advance(time.Second)
	got := r.Expire(clock.Now())
	require.Len(t, got, 1)
	var terr *TimeoutError
	require.ErrorAs(t, got[0].Err, &terr)
	assert.Equal(t, "query", terr.Op)
	assert.Zero(t, r.Pending())
	assert.True(t, r.NextDeadline().IsZero())
}

// Queries arriving while the upstream channel is being built wait until
// the build is over and then share a single channel.
func TestResolverDefersWhileBuilding(t *testing.T) {
	r, dialer, _ := newTestResolver(t, nil)
	first := newTestConnection(t, "https://example.com/")
	second := newTestConnection(t, "https://example.org/")

	r.building = true
	assert.Empty(t, r.Resolve(t.Context(), first))
	assert.Empty(t, r.Resolve(t.Context(), second))
	assert.Empty(t, dialer.Dials)
	assert.Zero(t, r.Pending())
	require.Len(t, r.deferred, 2)
	assert.Equal(t, "example.com", r.deferred[0].host)
	assert.Equal(t, "example.org", r.deferred[1].host)

	r.building = false
	assert.Empty(t, r.HandleResults(nil))
	assert.Empty(t, r.deferred)
	assert.Equal(t, 2, r.Pending())
	assert.Len(t, r.requests, 2)
	assert.Equal(t, []netip.AddrPort{netip.MustParseAddrPort("127.0.0.1:443")}, dialer.Dials)

	ch := r.Channel()
	require.NotNil(t, ch)
	assert.Equal(t, []*http.Request{
		pendingRequest(t, r, "example.com"),
		pendingRequest(t, r, "example.org"),
	}, ch.Detach())
}

func TestResolverCancel(t *testing.T) {
	r, _, _ := newTestResolver(t, nil)
	cancelled := newTestConnection(t, "https://example.com/")
	kept := newTestConnection(t, "https://example.com/other")
	r.Resolve(t.Context(), cancelled)
	r.Resolve(t.Context(), kept)
	req := pendingRequest(t, r, "example.com")

	r.Cancel(cancelled)
	assert.Equal(t, 1, r.Pending())
	r.Cancel(kept)
	assert.Zero(t, r.Pending())

	assert.Empty(t, r.HandleResults([]Result{dohReply(t, req, 200,
		mustRR(t, "example.com. 300 IN A 192.0.2.1"),
	)}))
}

func TestResolverCacheHit(t *testing.T) {
	r, dialer, _ := newTestResolver(t, func(cfg *Config) {
		cfg.Resolver.Cache = true
	})
	r.Resolve(t.Context(), newTestConnection(t, "https://example.com/"))
	r.HandleResults([]Result{dohReply(t, pendingRequest(t, r, "example.com"), 200,
		mustRR(t, "example.com. 300 IN A 192.0.2.1"),
	)})

	conn := newTestConnection(t, "http://example.com:8080/")
	got := r.Resolve(t.Context(), conn)
	require.Len(t, got, 1)
	assert.Equal(t, mustAddrs("192.0.2.1"), got[0].Addrs)
	assert.Zero(t, r.Pending())
	assert.Len(t, dialer.Dials, 1)
}

func TestResolverConnectFailover(t *testing.T) {
	hosts := filepath.Join(t.TempDir(), "hosts")
	require.NoError(t, os.WriteFile(hosts, []byte("192.0.2.53 dns.example\n192.0.2.54 dns.example\n"), 0o600))
	r, dialer, _ := newTestResolver(t, func(cfg *Config) {
		cfg.Resolver.URI = "https://dns.example/dns-query"
		cfg.Resolver.HostsFile = hosts
	})
	dialer.Fail = syscall.ECONNREFUSED

	conn := newTestConnection(t, "https://example.com/")
	assert.Empty(t, r.Resolve(t.Context(), conn))
	req := pendingRequest(t, r, "example.com")

	err := r.Channel().Connect()
	var cerr *ConnectError
	require.ErrorAs(t, err, &cerr)
	assert.Empty(t, r.HandleConnectError(err))
	assert.Equal(t, []netip.AddrPort{
		netip.MustParseAddrPort("192.0.2.53:443"),
		netip.MustParseAddrPort("192.0.2.54:443"),
	}, dialer.Dials)
	assert.Same(t, req, pendingRequest(t, r, "example.com"))

	err = r.Channel().Connect()
	got := r.HandleConnectError(err)
	require.Len(t, got, 1)
	assert.Same(t, conn, got[0].Conn)
	var rerr *ResolveError
	require.ErrorAs(t, got[0].Err, &rerr)
	assert.Nil(t, r.Channel())
	assert.Zero(t, r.Pending())
}

func TestResolverBootstrapFailure(t *testing.T) {
	r, _, _ := newTestResolver(t, func(cfg *Config) {
		cfg.Resolver.URI = "https://dns.example/dns-query"
		cfg.Resolver.HostsFile = ""
		cfg.Resolver.BootstrapServer = "not-an-address"
	})
	conn := newTestConnection(t, "https://example.com/")
	got := r.Resolve(t.Context(), conn)
	require.Len(t, got, 1)
	var rerr *ResolveError
	require.ErrorAs(t, got[0].Err, &rerr)
	assert.Equal(t, "dns.example", rerr.Host)
}
