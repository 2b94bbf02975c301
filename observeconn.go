//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/conn.go
//

package httpcore

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bassosimone/safeconn"
)

// NewObserveConnFunc returns an [*ObserveConnFunc] logging with logger.
func NewObserveConnFunc(cfg *Config, logger SLogger) *ObserveConnFunc {
	return &ObserveConnFunc{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
}

// ObserveConnFunc wraps a [net.Conn] to log its I/O.
//
// Reads and writes are logged at Debug level once they complete. An
// [ErrWouldBlock] result is not logged, since a non-blocking [Socket]
// returns it whenever the kernel buffers are not ready. Close is logged
// at Info level.
type ObserveConnFunc struct {
	// ErrClassifier is set by [NewObserveConnFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] passed to [NewObserveConnFunc].
	Logger SLogger

	// TimeNow is set by [NewObserveConnFunc] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Func[net.Conn, net.Conn] = &ObserveConnFunc{}

// Call implements [Func]. It never fails.
func (op *ObserveConnFunc) Call(ctx context.Context, conn net.Conn) (net.Conn, error) {
	return op.wrap(conn), nil
}

func (op *ObserveConnFunc) wrap(conn net.Conn) *observedConn {
	return &observedConn{
		Conn: conn,
		op:   op,
		peer: []any{
			slog.String("localAddr", safeconn.LocalAddr(conn)),
			slog.String("protocol", safeconn.Network(conn)),
			slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		},
	}
}

type observedConn struct {
	net.Conn
	once sync.Once
	op   *ObserveConnFunc
	peer []any
}

// done logs the completion of an I/O operation started at t0.
func (c *observedConn) done(event string, t0 time.Time, count int, err error) {
	if errors.Is(err, ErrWouldBlock) {
		return
	}
	c.op.Logger.Debug(event, append(c.peer,
		slog.Int("ioBytesCount", count),
		slog.Any("err", err),
		slog.String("errClass", c.op.ErrClassifier.Classify(err)),
		slog.Time("t0", t0),
		slog.Time("t", c.op.TimeNow()),
	)...)
}

// Read implements [net.Conn].
func (c *observedConn) Read(buf []byte) (int, error) {
	t0 := c.op.TimeNow()
	count, err := c.Conn.Read(buf)
	c.done("readDone", t0, count, err)
	return count, err
}

// Write implements [net.Conn].
func (c *observedConn) Write(data []byte) (int, error) {
	t0 := c.op.TimeNow()
	count, err := c.Conn.Write(data)
	c.done("writeDone", t0, count, err)
	return count, err
}

// Close implements [net.Conn]. Calls after the first return [net.ErrClosed].
func (c *observedConn) Close() error {
	err := net.ErrClosed
	c.once.Do(func() {
		t0 := c.op.TimeNow()
		err = c.Conn.Close()
		c.op.Logger.Info("closeDone", append(c.peer,
			slog.Any("err", err),
			slog.String("errClass", c.op.ErrClassifier.Classify(err)),
			slog.Time("t0", t0),
			slog.Time("t", c.op.TimeNow()),
		)...)
	})
	return err
}
