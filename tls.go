//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/tlsdialer.go
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/measurexlite/tls.go
//

package httpcore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/safeconn"
)

// TLSEngine is the engine to create a new [TLSConn].
type TLSEngine interface {
	// Client builds a new client [TLSConn].
	Client(conn net.Conn, config *tls.Config) TLSConn

	// Name returns the engine name.
	Name() string

	// Parrot returns the configured parrot or an empty string.
	Parrot() string
}

// TLSEngineStdlib implements [TLSEngine] for the standard library.
//
// The zero value is ready to use.
type TLSEngineStdlib struct{}

var _ TLSEngine = TLSEngineStdlib{}

// Client implements [TLSEngine].
//
// This function uses [tls.Client] to build a new [*tls.Conn].
func (TLSEngineStdlib) Client(conn net.Conn, config *tls.Config) TLSConn {
	return tls.Client(conn, config)
}

// Name implements [TLSEngine].
//
// This function returns "stdlib".
func (TLSEngineStdlib) Name() string {
	return "stdlib"
}

// Parrot implements [TLSEngine].
//
// This function returns "".
func (s TLSEngineStdlib) Parrot() string {
	return ""
}

// TLSConn abstracts over [*tls.Conn].
//
// By using an abstraction we allow for alternative TLS implementations.
type TLSConn interface {
	// ConnectionState returns the connection state.
	ConnectionState() tls.ConnectionState

	// HandshakeContext performs the handshake unless interrupted by the context.
	HandshakeContext(ctx context.Context) error

	// Embedding Conn means we can use this type as a [net.Conn].
	net.Conn
}

// NewTLSHandshakeFunc returns a [*TLSHandshakeFunc] handshaking with tlsConfig.
//
// The engine comes from [Config.TLS] and defaults to [TLSEngineStdlib].
func NewTLSHandshakeFunc(cfg *Config, tlsConfig *tls.Config, logger SLogger) *TLSHandshakeFunc {
	runtimex.Assert(tlsConfig != nil)
	var engine TLSEngine = TLSEngineStdlib{}
	if cfg.TLS.Engine != nil {
		engine = cfg.TLS.Engine
	}
	return &TLSHandshakeFunc{
		Config:        tlsConfig,
		Engine:        engine,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
}

// TLSHandshakeFunc is the blocking handshake used by [*BootstrapConn]
// for DNS over TLS and DNS over HTTPS. A [*Channel] handshakes without
// blocking instead.
//
// It returns either a [TLSConn] or an error. On failure, it closes the
// input connection.
type TLSHandshakeFunc struct {
	// Config is cloned on each call.
	Config *tls.Config

	// Engine creates the client connection.
	Engine TLSEngine

	// ErrClassifier classifies the handshake error.
	ErrClassifier ErrClassifier

	// Logger receives tlsHandshakeStart and tlsHandshakeDone.
	Logger SLogger

	// TimeNow is also installed as the [tls.Config] clock.
	TimeNow func() time.Time
}

var _ Func[net.Conn, TLSConn] = &TLSHandshakeFunc{}

// Call implements [Func].
func (op *TLSHandshakeFunc) Call(ctx context.Context, conn net.Conn) (TLSConn, error) {
	runtimex.Assert(op.Config != nil)
	config := op.Config.Clone()
	config.Time = op.TimeNow
	tconn := op.Engine.Client(conn, config)

	lc := &tlsHandshakeLogContext{
		Config:        config,
		Conn:          conn,
		Engine:        op.Engine,
		ErrClassifier: op.ErrClassifier,
		Logger:        op.Logger,
		TimeNow:       op.TimeNow,
	}
	t0 := op.TimeNow()
	deadline, _ := ctx.Deadline()
	lc.logStart(t0, deadline)
	err := tconn.HandshakeContext(ctx)
	lc.logDone(t0, deadline, err, tconn.ConnectionState())
	if err != nil {
		tconn.Close()
		return nil, &TLSError{Err: err}
	}
	return tconn, nil
}

// tlsHandshakeLogContext holds the logging state of a TLS handshake.
//
// It is shared by [*TLSHandshakeFunc] and by the non-blocking
// handshake performed by [*Channel].
type tlsHandshakeLogContext struct {
	Config        *tls.Config
	Conn          net.Conn
	Engine        TLSEngine
	ErrClassifier ErrClassifier
	Logger        SLogger
	TimeNow       func() time.Time
}

func (lc *tlsHandshakeLogContext) logStart(t0 time.Time, deadline time.Time) {
	lc.Logger.Info(
		"tlsHandshakeStart",
		slog.Time("deadline", deadline),
		slog.String("localAddr", safeconn.LocalAddr(lc.Conn)),
		slog.String("protocol", safeconn.Network(lc.Conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(lc.Conn)),
		slog.Time("t", t0),
		slog.String("tlsEngineName", lc.Engine.Name()),
		slog.String("tlsParrot", lc.Engine.Parrot()),
		slog.Any("tlsOfferedProtocols", lc.Config.NextProtos),
		slog.String("tlsServerName", lc.Config.ServerName),
		slog.Bool("tlsSkipVerify", lc.Config.InsecureSkipVerify),
	)
}

func (lc *tlsHandshakeLogContext) logDone(t0 time.Time, deadline time.Time, err error, state tls.ConnectionState) {
	lc.Logger.Info(
		"tlsHandshakeDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", lc.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(lc.Conn)),
		slog.String("protocol", safeconn.Network(lc.Conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(lc.Conn)),
		slog.Time("t0", t0),
		slog.Time("t", lc.TimeNow()),
		slog.String("tlsCipherSuite", tls.CipherSuiteName(state.CipherSuite)),
		slog.String("tlsEngineName", lc.Engine.Name()),
		slog.String("tlsParrot", lc.Engine.Parrot()),
		slog.String("tlsNegotiatedProtocol", state.NegotiatedProtocol),
		slog.Any("tlsOfferedProtocols", lc.Config.NextProtos),
		slog.Any("tlsPeerCerts", tlsPeerCerts(state, err)),
		slog.String("tlsServerName", lc.Config.ServerName),
		slog.Bool("tlsSkipVerify", lc.Config.InsecureSkipVerify),
		slog.String("tlsVersion", tls.VersionName(state.Version)),
	)
}

func tlsPeerCerts(state tls.ConnectionState, err error) (out [][]byte) {
	out = [][]byte{}

	// The verification errors carry the offending certificate.
	var x509HostnameError x509.HostnameError
	if errors.As(err, &x509HostnameError) {
		out = append(out, x509HostnameError.Certificate.Raw)
		return
	}

	var x509UnknownAuthorityError x509.UnknownAuthorityError
	if errors.As(err, &x509UnknownAuthorityError) {
		out = append(out, x509UnknownAuthorityError.Cert.Raw)
		return
	}

	var x509CertificateInvalidError x509.CertificateInvalidError
	if errors.As(err, &x509CertificateInvalidError) {
		out = append(out, x509CertificateInvalidError.Cert.Raw)
		return
	}

	for _, cert := range state.PeerCertificates {
		out = append(out, cert.Raw)
	}
	return
}

// tlsClientParams is the outcome of computing the client configuration
// for a given origin host.
type tlsClientParams struct {
	// Config is the config handed to the [TLSEngine].
	Config *tls.Config

	// ServerName is the name verified against the leaf certificate.
	ServerName string

	// VerifyChain is true when the chain must be verified.
	VerifyChain bool

	// VerifyHostname is true when the leaf must match ServerName.
	VerifyHostname bool
}

// newTLSClientParams builds the [*tls.Config] for host.
//
// The SNI is [TLSOptions.Hostname] or host. When either the host or the
// SNI is an IP literal, no SNI is sent and hostname verification is off.
//
// Verification runs after the handshake (see [tlsVerifyPeer]) so the
// returned config always sets InsecureSkipVerify.
func newTLSClientParams(opts *TLSOptions, host string, cache tls.ClientSessionCache, timeNow func() time.Time) *tlsClientParams {
	sni := opts.Hostname
	if sni == "" {
		sni = host
	}
	literal := isIPLiteral(host) || isIPLiteral(sni)
	config := &tls.Config{
		ClientSessionCache: cache,
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
		NextProtos:         opts.NextProtos,
		RootCAs:            opts.RootCAs,
		Time:               timeNow,
	}
	if !literal {
		config.ServerName = sni
	}
	return &tlsClientParams{
		Config:         config,
		ServerName:     sni,
		VerifyChain:    !opts.InsecureSkipVerify,
		VerifyHostname: !opts.InsecureSkipVerify && !opts.DisableHostnameVerification && !literal,
	}
}

// tlsVerifyPeer checks the peer certificates according to params.
func tlsVerifyPeer(params *tlsClientParams, state tls.ConnectionState, now time.Time) error {
	if !params.VerifyChain && !params.VerifyHostname {
		return nil
	}
	if len(state.PeerCertificates) <= 0 {
		return &TLSError{Err: errors.New("no peer certificates")}
	}
	leaf := state.PeerCertificates[0]
	if params.VerifyChain {
		intermediates := x509.NewCertPool()
		for _, cert := range state.PeerCertificates[1:] {
			intermediates.AddCert(cert)
		}
		_, err := leaf.Verify(x509.VerifyOptions{
			CurrentTime:   now,
			Intermediates: intermediates,
			Roots:         params.Config.RootCAs,
		})
		if err != nil {
			return &TLSError{Err: err}
		}
	}
	if params.VerifyHostname {
		if err := leaf.VerifyHostname(params.ServerName); err != nil {
			return &TLSError{Err: err}
		}
	}
	return nil
}

func isIPLiteral(host string) bool {
	_, err := netip.ParseAddr(strings.Trim(host, "[]"))
	return err == nil
}
