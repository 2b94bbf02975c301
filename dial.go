//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/dialer.go
//

package httpcore

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/bassosimone/safeconn"
)

// Dialer dials the blocking connections used to reach the bootstrap server.
//
// The [*net.Dialer] type satisfies this interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// NewConnectFunc returns a [*ConnectFunc] dialing network ("tcp" or "udp").
func NewConnectFunc(cfg *Config, network string, logger SLogger) *ConnectFunc {
	return &ConnectFunc{
		Dialer:        cfg.Dialer,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Network:       network,
		TimeNow:       cfg.TimeNow,
	}
}

// ConnectFunc dials the bootstrap server endpoint.
//
// The returned connection is closed as soon as the context is done, so
// that a blocking exchange cannot outlive the lookup deadline.
type ConnectFunc struct {
	// Dialer is set by [NewConnectFunc] from [Config.Dialer].
	Dialer Dialer

	// ErrClassifier is set by [NewConnectFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] passed to [NewConnectFunc].
	Logger SLogger

	// Network is either "tcp" or "udp".
	Network string

	// TimeNow is set by [NewConnectFunc] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Func[netip.AddrPort, net.Conn] = &ConnectFunc{}

// Call implements [Func].
func (op *ConnectFunc) Call(ctx context.Context, endpoint netip.AddrPort) (net.Conn, error) {
	address := endpoint.String()
	deadline, _ := ctx.Deadline()
	t0 := op.TimeNow()
	fields := []any{
		slog.Time("deadline", deadline),
		slog.String("protocol", op.Network),
		slog.String("remoteAddr", address),
	}
	op.Logger.Info("connectStart", append(fields, slog.Time("t", t0))...)

	conn, err := op.Dialer.DialContext(ctx, op.Network, address)

	op.Logger.Info("connectDone", append(fields,
		slog.Any("err", err),
		slog.String("errClass", op.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.Time("t0", t0),
		slog.Time("t", op.TimeNow()),
	)...)
	if err != nil {
		return nil, err
	}
	return closeOnDone(ctx, conn), nil
}

// closeOnDone closes conn when ctx is done. Closing the returned
// conn stops watching the context.
func closeOnDone(ctx context.Context, conn net.Conn) net.Conn {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	return &watchedConn{Conn: conn, stop: stop}
}

type watchedConn struct {
	net.Conn
	stop func() bool
}

func (c *watchedConn) Close() error {
	c.stop()
	return c.Conn.Close()
}

// noDialer satisfies the dialer parameters of the DNS transports, which
// only ever exchange over the connection we give them.
type noDialer struct{}

var _ Dialer = noDialer{}

// DialContext implements [Dialer] and panics.
func (noDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	panic("httpcore: bootstrap DNS transport must not dial")
}
