// SPDX-License-Identifier: GPL-3.0-or-later

package httpcore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/miekg/dns"
)

// maxAliasQueries bounds the follow-up queries issued for a single
// connection while chasing aliases.
const maxAliasQueries = 8

// errResolverNoAddrs indicates that the DoH endpoint has no addresses.
var errResolverNoAddrs = errors.New("no addresses for the DNS server")

// Resolution is the outcome of resolving the hostname of a [*Connection]:
// either a non-empty list of addresses or an error.
type Resolution struct {
	Conn  *Connection
	Addrs []netip.Addr
	Err   error
}

// resolverQuery is an in-flight query and the connections waiting for it.
type resolverQuery struct {
	conns []*Connection
	depth int
	req   *http.Request
	sent  time.Time
}

// resolverDeferred is a query deferred while building the channel.
type resolverDeferred struct {
	conn  *Connection
	depth int
	host  string
}

// Resolver resolves hostnames using DNS-over-HTTPS, sending its queries
// through a [*Channel] towards the configured endpoint.
//
// The endpoint addresses come from the endpoint URL itself when it contains
// an IP address, otherwise from the hosts file, otherwise from a blocking
// bootstrap exchange (see [NewBootstrapConnFunc]).
//
// A Resolver is not safe for concurrent use. It is driven by [*Client].
//
// Construct using [NewResolver].
type Resolver struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewResolver] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewResolver] to the user-provided logger.
	Logger SLogger

	// SessionCache caches TLS sessions of the upstream channel.
	SessionCache tls.ClientSessionCache

	// TimeNow is the function to get the current time.
	//
	// Set by [NewResolver] from [Config.TimeNow].
	TimeNow func() time.Time

	building      bool
	cache         *addrCache
	cfg           *Config
	ch            *Channel
	deferred      []resolverDeferred
	endpoint      *url.URL
	endpointAddrs []netip.Addr
	next          int
	opts          ResolverOptions
	queries       map[string]*resolverQuery
	reconnects    int
	requests      map[*http.Request]string
	uri           *url.URL
}

// NewResolver creates a [*Resolver] using [Config.Resolver].
//
// The cfg argument contains the common configuration for httpcore operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewResolver(cfg *Config, logger SLogger) (*Resolver, error) {
	opts := cfg.Resolver
	uri, err := url.Parse(opts.URI)
	if err != nil {
		return nil, fmt.Errorf("httpcore: invalid resolver URI: %w", err)
	}
	if uri.Scheme != "https" {
		return nil, fmt.Errorf("httpcore: resolver URI must use https: %q", opts.URI)
	}
	endpoint, err := originOf(uri)
	if err != nil {
		return nil, err
	}
	if opts.Family == 0 {
		opts.Family = dns.TypeA
	}
	r := &Resolver{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
		cfg:           cfg,
		endpoint:      endpoint,
		opts:          opts,
		queries:       map[string]*resolverQuery{},
		requests:      map[*http.Request]string{},
		uri:           uri,
	}
	if opts.Cache {
		r.cache = newAddrCache(cfg.TimeNow)
	}
	return r, nil
}

// Endpoint returns the origin of the DoH endpoint.
func (r *Resolver) Endpoint() *url.URL {
	return r.endpoint
}

// Channel returns the upstream channel or nil when there is none.
func (r *Resolver) Channel() *Channel {
	if r.ch == nil || r.ch.State() == ChannelClosed {
		return nil
	}
	return r.ch
}

// Pending returns the number of hostnames waiting for an answer.
func (r *Resolver) Pending() int {
	return len(r.queries)
}

// Resolve starts resolving the hostname of conn. The returned resolutions
// are the ones available immediately; the others are returned later by
// [*Resolver.HandleResults], [*Resolver.HandleConnectError], or
// [*Resolver.Expire].
//
// The ctx bounds the bootstrap of the endpoint addresses, if needed.
func (r *Resolver) Resolve(ctx context.Context, conn *Connection) []Resolution {
	// The endpoint itself resolves to the bootstrap addresses.
	if conn.Origin().String() == r.endpoint.String() {
		addrs, err := r.bootstrap(ctx)
		return []Resolution{{Conn: conn, Addrs: addrs, Err: err}}
	}

	if _, err := r.bootstrap(ctx); err != nil {
		return []Resolution{{Conn: conn, Err: err}}
	}

	host := conn.Hostname()
	if addr, err := netip.ParseAddr(host); err == nil {
		return []Resolution{{Conn: conn, Addrs: []netip.Addr{addr}}}
	}
	if r.cache != nil {
		if addrs, found := r.cache.Get(host, r.opts.Family); found {
			r.Logger.Debug("resolverCacheHit", slog.String("hostname", host), slog.Any("addrs", addrs))
			return []Resolution{{Conn: conn, Addrs: addrs}}
		}
	}
	return append(r.query(conn, host, 0), r.drainDeferred()...)
}

// bootstrap returns the endpoint addresses, computing them on first use.
func (r *Resolver) bootstrap(ctx context.Context) ([]netip.Addr, error) {
	if len(r.endpointAddrs) > 0 {
		return r.endpointAddrs, nil
	}
	host := r.endpoint.Hostname()
	t0 := r.TimeNow()
	addrs, source, err := r.lookupEndpoint(ctx, host)
	if err == nil && len(addrs) <= 0 {
		err = errResolverNoAddrs
	}
	r.Logger.Info(
		"resolverBootstrapDone",
		slog.Any("addrs", addrs),
		slog.Any("err", err),
		slog.String("errClass", r.ErrClassifier.Classify(err)),
		slog.String("hostname", host),
		slog.String("source", source),
		slog.Time("t0", t0),
		slog.Time("t", r.TimeNow()),
	)
	if err != nil {
		return nil, &ResolveError{Host: host, Err: err}
	}
	r.endpointAddrs = addrs
	return addrs, nil
}

func (r *Resolver) lookupEndpoint(ctx context.Context, host string) ([]netip.Addr, string, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, "literal", nil
	}
	addrs, err := lookupHostsFile(r.opts.HostsFile, host)
	if err == nil && len(addrs) > 0 {
		return addrs, "hosts", nil
	}
	if r.opts.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.QueryTimeout)
		defer cancel()
	}
	addrs, err = bootstrapLookup(ctx, r.cfg, &r.opts, host, r.Logger)
	return addrs, r.opts.BootstrapProtocol, err
}

// query sends a query for host on behalf of conn.
func (r *Resolver) query(conn *Connection, host string, depth int) []Resolution {
	if r.building {
		r.deferred = append(r.deferred, resolverDeferred{conn: conn, depth: depth, host: host})
		return nil
	}
	if q, found := r.queries[host]; found {
		q.conns = append(q.conns, conn)
		return nil
	}
	if depth > maxAliasQueries {
		return r.failed([]*Connection{conn}, fmt.Errorf("too many aliases for %s", host))
	}
	req, err := newDoHRequest(r.uri, host, r.opts.Family, r.opts.UseGET)
	if err != nil {
		return r.failed([]*Connection{conn}, err)
	}
	ch, err := r.channel()
	if err != nil {
		return r.failed([]*Connection{conn}, err)
	}
	r.queries[host] = &resolverQuery{conns: []*Connection{conn}, depth: depth, req: req, sent: r.TimeNow()}
	r.requests[req] = host
	r.Logger.Info(
		"resolverQuery",
		slog.String("hostname", host),
		slog.String("method", req.Method),
		slog.String("recordType", dns.TypeToString[r.opts.Family]),
		slog.String("remoteAddr", ch.Addr().String()),
	)
	ch.Send(req)
	return nil
}

func (r *Resolver) drainDeferred() (out []Resolution) {
	for len(r.deferred) > 0 && !r.building {
		d := r.deferred[0]
		r.deferred = r.deferred[1:]
		out = append(out, r.query(d.conn, d.host, d.depth)...)
	}
	return
}

// channel returns the upstream channel, building it if needed.
func (r *Resolver) channel() (*Channel, error) {
	if ch := r.Channel(); ch != nil {
		return ch, nil
	}
	runtimex.Assert(!r.building)
	r.building = true
	defer func() { r.building = false }()
	r.ch, r.next, r.reconnects = nil, 0, 0
	return r.dial()
}

// dial connects to the next endpoint address that does not fail immediately.
func (r *Resolver) dial() (*Channel, error) {
	err := error(&ResolveError{Host: r.endpoint.Hostname(), Err: errResolverNoAddrs})
	port := (&Connection{origin: r.endpoint}).port()
	for r.next < len(r.endpointAddrs) {
		addr := netip.AddrPortFrom(r.endpointAddrs[r.next].Unmap(), port)
		r.next++
		ch := NewChannel(r.cfg, r.endpoint, addr, r.cfg.Timeouts, r.Logger)
		ch.SessionCache = r.SessionCache
		ch.TLS.NextProtos = []string{"h2"}
		err = ch.Connect()
		if err == nil || errors.Is(err, ErrWouldBlock) {
			r.ch = ch
			return ch, nil
		}
		ch.Close()
	}
	return nil, err
}

// HandleConnectError handles a failure of [*Channel.Connect] or
// [*Channel.Reconnect] on the upstream channel. After a [*ConnectError]
// the queries move to the next endpoint address, if any. Otherwise the
// queries fail.
func (r *Resolver) HandleConnectError(err error) []Resolution {
	if r.ch == nil {
		return nil
	}
	reqs := r.ch.Detach()
	r.ch = nil

	var cerr *ConnectError
	if errors.As(err, &cerr) {
		r.building = true
		ch, derr := r.dial()
		r.building = false
		if derr == nil {
			for _, req := range reqs {
				ch.Send(req)
			}
			return r.drainDeferred()
		}
		err = derr
	}

	var out []Resolution
	for _, req := range reqs {
		out = append(out, r.fail(req, err)...)
	}
	return append(out, r.drainDeferred()...)
}

// HandleResults processes results produced by the upstream channel.
func (r *Resolver) HandleResults(results []Result) []Resolution {
	var out []Resolution
	for _, res := range results {
		out = append(out, r.handleResult(res)...)
	}
	if r.ch != nil && r.ch.State() == ChannelClosed {
		r.ch = nil
	}
	return append(out, r.drainDeferred()...)
}

func (r *Resolver) handleResult(res Result) []Resolution {
	if res.Err != nil {
		return r.fail(res.Request, res.Err)
	}
	host, found := r.requests[res.Request]
	if !found {
		return nil
	}
	body, err := io.ReadAll(res.Response.Body)
	res.Response.Body.Close()
	if err != nil {
		return r.fail(res.Request, err)
	}
	answers, err := decodeDoHResponse(res.Response, body)
	if err != nil {
		return r.fail(res.Request, err)
	}
	r.Logger.Info(
		"resolverAnswer",
		slog.String("hostname", host),
		slog.Int("httpResponseStatusCode", res.Response.StatusCode),
		slog.Int("answers", len(answers)),
	)
	return r.apply(host, answers)
}

// resolverAction is what to do with a pending hostname after a response.
type resolverAction struct {
	err     error
	host    string
	outcome dohOutcome
}

// apply processes the answers to the query for host in two passes: first it
// classifies every pending hostname the answers resolve, then it applies
// removals, cache stores, deliveries, and follow-up alias queries.
func (r *Resolver) apply(host string, answers []dohAnswer) []Resolution {
	set := newDoHAnswerSet(answers)
	var actions []resolverAction
	for _, name := range slices.Sorted(maps.Keys(r.queries)) {
		if name != host && !set.Mentions(name) {
			continue
		}
		outcome, err := set.Follow(name)
		if name != host && (err != nil || len(outcome.Addrs) <= 0) {
			continue
		}
		actions = append(actions, resolverAction{err: err, host: name, outcome: outcome})
	}

	var out []Resolution
	for _, action := range actions {
		q := r.queries[action.host]
		delete(r.queries, action.host)
		delete(r.requests, q.req)
		switch {
		case action.err != nil:
			out = append(out, r.failed(q.conns, action.err)...)
		case len(action.outcome.Addrs) > 0:
			out = append(out, r.resolved(action.host, q, action.outcome)...)
		case action.outcome.Alias != "" && action.outcome.Alias != action.host:
			r.Logger.Info(
				"resolverAlias",
				slog.String("hostname", action.host),
				slog.String("alias", action.outcome.Alias),
			)
			for _, conn := range q.conns {
				out = append(out, r.query(conn, action.outcome.Alias, q.depth+1)...)
			}
		default:
			out = append(out, r.failed(q.conns, nil)...)
		}
	}
	return out
}

func (r *Resolver) resolved(host string, q *resolverQuery, outcome dohOutcome) (out []Resolution) {
	ttl := time.Duration(outcome.TTL) * time.Second
	if r.cache != nil {
		r.cache.Put(host, r.opts.Family, outcome.Addrs, ttl)
	}
	for _, conn := range q.conns {
		if r.cache != nil && conn.Hostname() != host {
			r.cache.Put(conn.Hostname(), r.opts.Family, outcome.Addrs, ttl)
		}
		out = append(out, Resolution{Conn: conn, Addrs: slices.Clone(outcome.Addrs)})
	}
	return
}

// fail fails the query that req belongs to, if it is still pending.
func (r *Resolver) fail(req *http.Request, err error) []Resolution {
	host, found := r.requests[req]
	if !found {
		return nil
	}
	delete(r.requests, req)
	q := r.queries[host]
	delete(r.queries, host)
	if q == nil {
		return nil
	}
	return r.failed(q.conns, err)
}

// failed returns a [*ResolveError] resolution for each connection.
func (r *Resolver) failed(conns []*Connection, err error) (out []Resolution) {
	for _, conn := range conns {
		r.Logger.Info(
			"resolverFailed",
			slog.String("hostname", conn.Hostname()),
			slog.Any("err", err),
			slog.String("errClass", r.ErrClassifier.Classify(err)),
		)
		out = append(out, Resolution{Conn: conn, Err: &ResolveError{Host: conn.Hostname(), Err: err}})
	}
	return
}

// Expire fails the queries that have been pending for longer than
// [ResolverOptions.QueryTimeout] at now.
func (r *Resolver) Expire(now time.Time) []Resolution {
	if r.opts.QueryTimeout <= 0 {
		return nil
	}
	var out []Resolution
	for _, host := range slices.Sorted(maps.Keys(r.queries)) {
		q := r.queries[host]
		if now.Sub(q.sent) < r.opts.QueryTimeout {
			continue
		}
		out = append(out, r.fail(q.req, &TimeoutError{Op: "query", Duration: r.opts.QueryTimeout})...)
	}
	return out
}

// NextDeadline returns when the oldest query expires or the zero time.
func (r *Resolver) NextDeadline() time.Time {
	var deadline time.Time
	if r.opts.QueryTimeout <= 0 {
		return deadline
	}
	for _, q := range r.queries {
		if expiry := q.sent.Add(r.opts.QueryTimeout); deadline.IsZero() || expiry.Before(deadline) {
			deadline = expiry
		}
	}
	return deadline
}

// Cancel stops delivering resolutions to conn. A query nobody waits for
// is forgotten and its late answer ignored.
func (r *Resolver) Cancel(conn *Connection) {
	for host, q := range r.queries {
		q.conns = slices.DeleteFunc(q.conns, func(c *Connection) bool { return c == conn })
		if len(q.conns) <= 0 {
			delete(r.queries, host)
			delete(r.requests, q.req)
		}
	}
	r.deferred = slices.DeleteFunc(r.deferred, func(d resolverDeferred) bool { return d.conn == conn })
}

// Close closes the upstream channel, if any.
func (r *Resolver) Close() error {
	if r.ch != nil {
		r.ch.Close()
		r.ch = nil
	}
	return nil
}
