// SPDX-License-Identifier: GPL-3.0-or-later

package httpcore

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/dnsoverhttps"
	"github.com/bassosimone/dnsoverstream"
	"github.com/bassosimone/minest"
	"github.com/bassosimone/safeconn"
	"github.com/miekg/dns"
)

// bootstrapExchangeFunc performs a protocol-specific blocking exchange.
type bootstrapExchangeFunc func(ctx context.Context, obs *bootstrapObserver, query *dnscodec.Query) (*dnscodec.Response, error)

// BootstrapConn performs blocking DNS exchanges over a connection it owns.
//
// The [*Resolver] uses it to resolve the hostname of its own
// DNS-over-HTTPS endpoint, which it cannot resolve through itself.
//
// Construct using [NewBootstrapConnFunc]. The caller must call
// [*BootstrapConn.Close] when done.
type BootstrapConn struct {
	closer         io.Closer
	exchange       bootstrapExchangeFunc
	peer           []any
	serverProtocol string

	// ErrClassifier is set by [NewBootstrapConnFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] passed to [NewBootstrapConnFunc].
	Logger SLogger

	// TimeNow is set by [NewBootstrapConnFunc] from [Config.TimeNow].
	TimeNow func() time.Time
}

// Close closes the underlying connection.
func (c *BootstrapConn) Close() error {
	return c.closer.Close()
}

// Protocol returns "udp", "tcp", "dot", or "doh".
func (c *BootstrapConn) Protocol() string {
	return c.serverProtocol
}

// Exchange sends query and waits for the response.
func (c *BootstrapConn) Exchange(ctx context.Context, query *dnscodec.Query) (*dnscodec.Response, error) {
	deadline, _ := ctx.Deadline()
	obs := &bootstrapObserver{conn: c, t0: c.TimeNow()}
	fields := append([]any{
		slog.Time("deadline", deadline),
		slog.String("serverProtocol", c.serverProtocol),
	}, c.peer...)
	c.Logger.Info("dnsExchangeStart", append(fields, slog.Time("t", obs.t0))...)

	resp, err := c.exchange(ctx, obs, query)

	c.Logger.Info("dnsExchangeDone", append(fields,
		slog.Any("err", err),
		slog.String("errClass", c.ErrClassifier.Classify(err)),
		slog.Time("t0", obs.t0),
		slog.Time("t", c.TimeNow()),
	)...)
	return resp, err
}

// bootstrapObserver logs the raw messages of a single exchange.
type bootstrapObserver struct {
	conn     *BootstrapConn
	rawQuery []byte
	t0       time.Time
}

// Query is the hook invoked with the serialized query.
func (o *bootstrapObserver) Query(rawQuery []byte) {
	o.rawQuery = rawQuery
	o.conn.Logger.Info("dnsQuery", append([]any{
		slog.Any("dnsRawQuery", rawQuery),
		slog.String("serverProtocol", o.conn.serverProtocol),
		slog.Time("t", o.t0),
	}, o.conn.peer...)...)
}

// Response is the hook invoked with the serialized response.
func (o *bootstrapObserver) Response(rawResp []byte) {
	o.conn.Logger.Info("dnsResponse", append([]any{
		slog.Any("dnsRawQuery", o.rawQuery),
		slog.Any("dnsRawResponse", rawResp),
		slog.String("serverProtocol", o.conn.serverProtocol),
		slog.Time("t0", o.t0),
		slog.Time("t", o.conn.TimeNow()),
	}, o.conn.peer...)...)
}

// unusedEndpoint satisfies transports that only exchange over a given conn.
var unusedEndpoint = netip.AddrPortFrom(netip.IPv4Unspecified(), 0)

func bootstrapUDPExchange(conn net.Conn) bootstrapExchangeFunc {
	return func(ctx context.Context, obs *bootstrapObserver, query *dnscodec.Query) (*dnscodec.Response, error) {
		txp := minest.NewDNSOverUDPTransport(noDialer{}, unusedEndpoint)
		txp.ObserveRawQuery = obs.Query
		txp.ObserveRawResponse = obs.Response
		return txp.ExchangeWithConn(ctx, conn, query)
	}
}

func bootstrapStreamExchange(conn net.Conn, overTLS bool) bootstrapExchangeFunc {
	return func(ctx context.Context, obs *bootstrapObserver, query *dnscodec.Query) (*dnscodec.Response, error) {
		txp := dnsoverstream.NewTransport(dnsoverstream.NewStreamOpenerDialerTCP(noDialer{}), unusedEndpoint)
		txp.ObserveRawQuery = obs.Query
		txp.ObserveRawResponse = obs.Response
		if overTLS {
			return txp.ExchangeWithStreamOpener(ctx, dnsoverstream.NewTLSStreamOpener(conn), query)
		}
		return txp.ExchangeWithStreamOpener(ctx, dnsoverstream.NewTCPStreamOpener(conn), query)
	}
}

func bootstrapHTTPSExchange(hc *bootstrapHTTPConn, URL string) bootstrapExchangeFunc {
	return func(ctx context.Context, obs *bootstrapObserver, query *dnscodec.Query) (*dnscodec.Response, error) {
		req, queryMsg, err := dnsoverhttps.NewRequestWithHook(ctx, query, URL, obs.Query)
		if err != nil {
			return nil, err
		}
		resp, err := hc.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		return dnsoverhttps.ReadResponseWithHook(ctx, resp, queryMsg, obs.Response)
	}
}

// NewBootstrapConnFunc returns the pipeline that connects to the bootstrap
// server configured in opts and yields a [*BootstrapConn].
//
// It fails when the server is not an address and port or when the
// protocol is unknown.
func NewBootstrapConnFunc(cfg *Config, opts *ResolverOptions, logger SLogger) (Func[Unit, *BootstrapConn], error) {
	server, err := netip.ParseAddrPort(opts.BootstrapServer)
	if err != nil {
		return nil, fmt.Errorf("httpcore: invalid bootstrap server %q: %w", opts.BootstrapServer, err)
	}
	newConn := func(protocol string, closer io.Closer, conn net.Conn, exchange bootstrapExchangeFunc) *BootstrapConn {
		return &BootstrapConn{
			closer:   closer,
			exchange: exchange,
			peer: []any{
				slog.String("localAddr", safeconn.LocalAddr(conn)),
				slog.String("protocol", safeconn.Network(conn)),
				slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
			},
			serverProtocol: protocol,
			ErrClassifier:  cfg.ErrClassifier,
			Logger:         logger,
			TimeNow:        cfg.TimeNow,
		}
	}
	tlsConfig := &tls.Config{ServerName: opts.BootstrapSNI, RootCAs: cfg.TLS.RootCAs}

	switch protocol := opts.BootstrapProtocol; protocol {
	case "", "udp", "tcp":
		network := "udp"
		if protocol == "tcp" {
			network = "tcp"
		}
		return Compose4(
			NewEndpointFunc(server),
			NewConnectFunc(cfg, network, logger),
			NewObserveConnFunc(cfg, logger),
			FuncAdapter[net.Conn, *BootstrapConn](func(ctx context.Context, conn net.Conn) (*BootstrapConn, error) {
				if network == "tcp" {
					return newConn(network, conn, conn, bootstrapStreamExchange(conn, false)), nil
				}
				return newConn(network, conn, conn, bootstrapUDPExchange(conn)), nil
			}),
		), nil

	case "dot":
		tlsConfig.NextProtos = []string{"dot"}
		return Compose5(
			NewEndpointFunc(server),
			NewConnectFunc(cfg, "tcp", logger),
			NewObserveConnFunc(cfg, logger),
			NewTLSHandshakeFunc(cfg, tlsConfig, logger),
			FuncAdapter[TLSConn, *BootstrapConn](func(ctx context.Context, conn TLSConn) (*BootstrapConn, error) {
				return newConn(protocol, conn, conn, bootstrapStreamExchange(conn, true)), nil
			}),
		), nil

	case "doh":
		tlsConfig.NextProtos = []string{"h2", "http/1.1"}
		URL := opts.BootstrapURL
		if URL == "" {
			URL = fmt.Sprintf("https://%s/dns-query", opts.BootstrapSNI)
		}
		return Compose6(
			NewEndpointFunc(server),
			NewConnectFunc(cfg, "tcp", logger),
			NewObserveConnFunc(cfg, logger),
			NewTLSHandshakeFunc(cfg, tlsConfig, logger),
			newBootstrapHTTPConnFunc(cfg, logger),
			FuncAdapter[*bootstrapHTTPConn, *BootstrapConn](func(ctx context.Context, hc *bootstrapHTTPConn) (*BootstrapConn, error) {
				return newConn(protocol, hc, hc.conn, bootstrapHTTPSExchange(hc, URL)), nil
			}),
		), nil

	default:
		return nil, fmt.Errorf("httpcore: unknown bootstrap protocol %q", protocol)
	}
}

// bootstrapLookup resolves the IPv4 addresses of hostname using the
// bootstrap server configured in opts.
func bootstrapLookup(ctx context.Context, cfg *Config, opts *ResolverOptions, hostname string, logger SLogger) ([]netip.Addr, error) {
	pipeline, err := NewBootstrapConnFunc(cfg, opts, logger)
	if err != nil {
		return nil, err
	}
	conn, err := pipeline.Call(ctx, Unit{})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	resp, err := conn.Exchange(ctx, dnscodec.NewQuery(hostname, dns.TypeA))
	if err != nil {
		return nil, err
	}
	records, err := resp.RecordsA()
	if err != nil {
		return nil, err
	}
	var addrs []netip.Addr
	for _, record := range records {
		if addr, err := netip.ParseAddr(record); err == nil {
			addrs = append(addrs, addr)
		}
	}
	return addrs, nil
}
