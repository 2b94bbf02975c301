// SPDX-License-Identifier: GPL-3.0-or-later

package httpcore

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/bassosimone/netstub"
	"github.com/bassosimone/slogstub"
	"github.com/bassosimone/tlsstub"
	"github.com/stretchr/testify/require"
)

// newCapturingLogger returns a logger that captures all log records into the
// returned slice. The caller can inspect the slice after exercising the code
// under test to verify which events were emitted.
func newCapturingLogger() (*slog.Logger, *[]slog.Record) {
	var records []slog.Record
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			records = append(records, record)
			return nil
		},
	}
	return slog.New(handler), &records
}

// newMockTLSEngine returns a [*tlsstub.FuncTLSEngine] that wraps the given
// [TLSConn]. The engine's ClientFunc returns the conn, NameFunc returns
// "mock", and ParrotFunc returns "".
func newMockTLSEngine(conn TLSConn) *tlsstub.FuncTLSEngine[TLSConn] {
	return &tlsstub.FuncTLSEngine[TLSConn]{
		ClientFunc: func(c net.Conn, config *tls.Config) TLSConn {
			return conn
		},
		NameFunc: func() string {
			return "mock"
		},
		ParrotFunc: func() string {
			return ""
		},
	}
}

// newMinimalConn returns a [*netstub.FuncConn] with only LocalAddrFunc and
// RemoteAddrFunc set. This is the minimum needed for code that calls
// [safeconn.LocalAddr], [safeconn.RemoteAddr], and [safeconn.Network]
// during construction.
func newMinimalConn() *netstub.FuncConn {
	return &netstub.FuncConn{
		LocalAddrFunc:  func() net.Addr { return &net.TCPAddr{} },
		RemoteAddrFunc: func() net.Addr { return &net.TCPAddr{} },
	}
}

// newTestRequest returns a request with an optional body.
func newTestRequest(t *testing.T, method, URL, body string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, URL, reader)
	require.NoError(t, err)
	return req
}

// resultsOf returns the results carried by [ResponseReady] events.
func resultsOf(events []Event) (results []Result) {
	for _, ev := range events {
		if ready, ok := ev.(ResponseReady); ok {
			results = append(results, ready.Result)
		}
	}
	return
}

// framesOf concatenates the bytes carried by [FrameReady] events.
func framesOf(events []Event) (out []byte) {
	for _, ev := range events {
		if frame, ok := ev.(FrameReady); ok {
			out = append(out, frame.Data...)
		}
	}
	return
}

// readBody reads the body of a successful result.
func readBody(t *testing.T, res Result) string {
	require.NoError(t, res.Err)
	require.NotNil(t, res.Response)
	data, err := io.ReadAll(res.Response.Body)
	require.NoError(t, err)
	return string(data)
}
