// SPDX-License-Identifier: GPL-3.0-or-later

package httpcore

import (
	"errors"
	"fmt"
	"time"
)

// ErrWouldBlock indicates that a non-blocking operation cannot make
// progress until the descriptor becomes ready again.
//
// It is consumed by [*Channel] and never surfaces in a [Result].
var ErrWouldBlock error = wouldBlockError{}

// wouldBlockError is temporary so that [crypto/tls] does not treat it
// as a sticky failure of the record layer.
type wouldBlockError struct{}

func (wouldBlockError) Error() string   { return "httpcore: operation would block" }
func (wouldBlockError) Timeout() bool   { return true }
func (wouldBlockError) Temporary() bool { return true }

// ErrChannelClosed is the cause of results synthesized for requests that
// were still queued or in flight when their [*Channel] closed.
var ErrChannelClosed = errors.New("httpcore: channel closed")

// ErrUnsupportedURL indicates a request URL that is not an absolute
// http or https URL.
var ErrUnsupportedURL = errors.New("httpcore: unsupported URL")

// ConnectError indicates that no address of an origin accepted a connection.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("httpcore: connect to %s: %s", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TimeoutError indicates that a connect, operation, or total budget expired.
type TimeoutError struct {
	// Op is one of "connect", "operation", "total", or "query".
	Op string

	// Duration is the budget that expired.
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("httpcore: %s timeout after %s", e.Op, e.Duration)
}

// Timeout returns true. It makes [*TimeoutError] a [net.Error]-like value.
func (e *TimeoutError) Timeout() bool { return true }

// TLSError indicates a failed TLS handshake or certificate verification.
type TLSError struct {
	Err error
}

func (e *TLSError) Error() string {
	return fmt.Sprintf("httpcore: tls: %s", e.Err)
}

func (e *TLSError) Unwrap() error { return e.Err }

// ResolveError indicates that a hostname could not be resolved.
type ResolveError struct {
	Host string
	Err  error
}

func (e *ResolveError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("httpcore: can't resolve %s", e.Host)
	}
	return fmt.Sprintf("httpcore: can't resolve %s: %s", e.Host, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// ProtocolDecodeError indicates malformed data received from a peer.
type ProtocolDecodeError struct {
	Err error
}

func (e *ProtocolDecodeError) Error() string {
	return fmt.Sprintf("httpcore: decode: %s", e.Err)
}

func (e *ProtocolDecodeError) Unwrap() error { return e.Err }

// UnsupportedResponseError indicates a DNS-over-HTTPS response whose
// content type is neither a DNS wire message nor DNS JSON.
type UnsupportedResponseError struct {
	ContentType string
}

func (e *UnsupportedResponseError) Error() string {
	return fmt.Sprintf("httpcore: unsupported DNS response content type %q", e.ContentType)
}

// StatusError indicates a non-2xx answer from the DNS-over-HTTPS server.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("httpcore: unexpected HTTP status %d", e.StatusCode)
}
