// SPDX-License-Identifier: GPL-3.0-or-later

package httpcore

import (
	"crypto/x509"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Default values used by [NewConfig].
const (
	DefaultBufferSize    = 1 << 16
	DefaultMaxReconnects = 1
	DefaultQueryTimeout  = 5 * time.Second
	DefaultResolverURI   = "https://1.1.1.1/dns-query"
	DefaultHostsFile     = "/etc/hosts"
	DefaultBootstrap     = "8.8.8.8:53"
)

// Config holds common configuration for httpcore operations.
//
// Pass this to constructor functions to pre-wire dependencies.
// All fields have sensible defaults set by [NewConfig].
type Config struct {
	// Dialer is used by [*ConnectFunc] when bootstrapping the resolver.
	//
	// Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time

	// SocketDialer creates the non-blocking sockets used by [*Channel].
	//
	// Set by [NewConfig] to [SystemSocketDialer].
	SocketDialer SocketDialer

	// Poller waits for socket readiness in [*Client].
	//
	// Set by [NewConfig] to [SystemPoller].
	Poller Poller

	// Timeouts is the default [TimeoutPolicy] for new connections.
	//
	// Set by [NewConfig] to [DefaultTimeoutPolicy].
	Timeouts TimeoutPolicy

	// TLS configures TLS for https origins.
	TLS TLSOptions

	// Resolver configures the DNS-over-HTTPS resolver.
	Resolver ResolverOptions

	// BufferSize is the size of the per-channel read buffer.
	//
	// Set by [NewConfig] to [DefaultBufferSize].
	BufferSize int

	// MaxReconnects is the number of times a channel whose peer closed
	// the connection with requests in flight is reconnected.
	//
	// Set by [NewConfig] to [DefaultMaxReconnects].
	MaxReconnects int
}

// TLSOptions configures TLS for a [*Channel].
type TLSOptions struct {
	// Engine builds the TLS client connection.
	//
	// Set by [NewConfig] to [TLSEngineStdlib].
	Engine TLSEngine

	// Hostname overrides the SNI and the name used for verification.
	Hostname string

	// DisableHostnameVerification skips matching the leaf certificate
	// against the server name. The chain is still verified.
	DisableHostnameVerification bool

	// InsecureSkipVerify skips chain and hostname verification.
	InsecureSkipVerify bool

	// RootCAs is the pool of trusted roots; nil means the system pool.
	RootCAs *x509.CertPool

	// NextProtos is the ALPN list.
	//
	// Set by [NewConfig] to "h2" and "http/1.1".
	NextProtos []string

	// SessionTimeout is the lifetime of cached TLS sessions; zero
	// means sessions do not expire on the client side.
	SessionTimeout time.Duration
}

// ResolverOptions configures the DNS-over-HTTPS resolver.
type ResolverOptions struct {
	// URI is the DoH endpoint.
	//
	// Set by [NewConfig] to [DefaultResolverURI].
	URI string

	// UseGET selects GET queries instead of POST.
	UseGET bool

	// QueryTimeout bounds each DNS query.
	//
	// Set by [NewConfig] to [DefaultQueryTimeout].
	QueryTimeout time.Duration

	// Cache enables the address cache.
	Cache bool

	// Family is the record type to query ([dns.TypeA] or [dns.TypeAAAA]).
	//
	// Set by [NewConfig] to [dns.TypeA].
	Family uint16

	// HostsFile is consulted to resolve the DoH endpoint hostname; empty
	// disables the lookup.
	//
	// Set by [NewConfig] to [DefaultHostsFile].
	HostsFile string

	// BootstrapProtocol resolves the DoH endpoint hostname when neither an
	// IP literal nor the hosts file can. One of "udp", "tcp", "dot", "doh".
	//
	// Set by [NewConfig] to "udp".
	BootstrapProtocol string

	// BootstrapServer is the address and port of the bootstrap server.
	//
	// Set by [NewConfig] to [DefaultBootstrap].
	BootstrapServer string

	// BootstrapSNI is the SNI for "dot" and "doh" bootstrap exchanges.
	BootstrapSNI string

	// BootstrapURL is the URL for "doh" bootstrap exchanges.
	BootstrapURL string
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Dialer:        &net.Dialer{},
		ErrClassifier: DefaultErrClassifier,
		TimeNow:       time.Now,
		SocketDialer:  SystemSocketDialer{},
		Poller:        SystemPoller{},
		Timeouts:      DefaultTimeoutPolicy(),
		TLS: TLSOptions{
			Engine:     TLSEngineStdlib{},
			NextProtos: []string{"h2", "http/1.1"},
		},
		Resolver: ResolverOptions{
			URI:               DefaultResolverURI,
			QueryTimeout:      DefaultQueryTimeout,
			Family:            dns.TypeA,
			HostsFile:         DefaultHostsFile,
			BootstrapProtocol: "udp",
			BootstrapServer:   DefaultBootstrap,
		},
		BufferSize:    DefaultBufferSize,
		MaxReconnects: DefaultMaxReconnects,
	}
}
