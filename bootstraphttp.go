//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/common/httpslog/httpslog.go
//

package httpcore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bassosimone/safeconn"
	"github.com/bassosimone/sud"
	"golang.org/x/net/http2"
)

// maxBootstrapBody bounds a bootstrap DNS-over-HTTPS response body.
const maxBootstrapBody = 1 << 16

// bootstrapHTTPConn performs blocking HTTP round trips over a single
// TLS connection, using HTTP/2 when ALPN selected "h2" and HTTP/1.1
// otherwise.
type bootstrapHTTPConn struct {
	closeIdle func()
	conn      TLSConn
	peer      []any
	txp       http.RoundTripper

	ErrClassifier ErrClassifier
	Logger        SLogger
	TimeNow       func() time.Time
}

// newBootstrapHTTPConnFunc returns the pipeline step that wraps a
// handshaked [TLSConn] into a [*bootstrapHTTPConn].
func newBootstrapHTTPConnFunc(cfg *Config, logger SLogger) Func[TLSConn, *bootstrapHTTPConn] {
	return FuncAdapter[TLSConn, *bootstrapHTTPConn](func(ctx context.Context, conn TLSConn) (*bootstrapHTTPConn, error) {
		dialer := sud.NewSingleUseDialer(conn)
		hc := &bootstrapHTTPConn{
			conn: conn,
			peer: []any{
				slog.String("localAddr", safeconn.LocalAddr(conn)),
				slog.String("protocol", safeconn.Network(conn)),
				slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
			},
			ErrClassifier: cfg.ErrClassifier,
			Logger:        logger,
			TimeNow:       cfg.TimeNow,
		}
		if conn.ConnectionState().NegotiatedProtocol == "h2" {
			txp := &http2.Transport{DialTLSContext: dialer.DialTLSContext}
			hc.txp, hc.closeIdle = txp, txp.CloseIdleConnections
			return hc, nil
		}
		txp := &http.Transport{DialContext: dialer.DialContext, DialTLSContext: dialer.DialContext}
		hc.txp, hc.closeIdle = txp, txp.CloseIdleConnections
		return hc, nil
	})
}

// RoundTrip sends req and returns the response with its body already
// read into memory, so the connection can be closed right after.
func (hc *bootstrapHTTPConn) RoundTrip(req *http.Request) (*http.Response, error) {
	deadline, _ := req.Context().Deadline()
	t0 := hc.TimeNow()
	fields := append([]any{
		slog.Time("deadline", deadline),
		slog.String("httpMethod", req.Method),
		slog.String("httpUrl", req.URL.String()),
	}, hc.peer...)
	hc.Logger.Info("httpRoundTripStart", append(fields, slog.Time("t", t0))...)

	resp, err := hc.txp.RoundTrip(req)
	var body []byte
	if err == nil {
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxBootstrapBody+1))
		resp.Body.Close()
		if err == nil && len(body) > maxBootstrapBody {
			err = fmt.Errorf("httpcore: bootstrap response body exceeds %d bytes", maxBootstrapBody)
		}
	}

	var status int
	if resp != nil {
		status = resp.StatusCode
	}
	hc.Logger.Info("httpRoundTripDone", append(fields,
		slog.Any("err", err),
		slog.String("errClass", hc.ErrClassifier.Classify(err)),
		slog.Int("httpResponseStatusCode", status),
		slog.Int("ioBytesCount", len(body)),
		slog.Time("t0", t0),
		slog.Time("t", hc.TimeNow()),
	)...)
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

// Close releases the transport and closes the connection.
func (hc *bootstrapHTTPConn) Close() error {
	hc.closeIdle()
	return hc.conn.Close()
}
